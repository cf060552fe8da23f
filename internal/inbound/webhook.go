package inbound

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hearthmail/gateway/internal/pkg/httputil"
	"github.com/hearthmail/gateway/internal/pkg/logger"
	"github.com/hearthmail/gateway/internal/shield"
	"github.com/hearthmail/gateway/internal/store"
	"github.com/hearthmail/gateway/internal/webhook"
)

// SignatureHeader carries the webhook's HMAC signature.
const SignatureHeader = "X-Hearthmail-Signature"

// genericPayload is the provider-agnostic JSON schema. Provider-specific
// payloads normalize into this shape before acceptance.
type genericPayload struct {
	MessageID string            `json:"message_id"`
	To        string            `json:"to"`
	From      string            `json:"from"`
	Subject   string            `json:"subject"`
	TextBody  string            `json:"text_body"`
	HTMLBody  string            `json:"html_body"`
	Headers   map[string]string `json:"headers"`
}

// WebhookHandler ingests provider webhooks. The response is returned
// before any analysis runs; a 202 means "stored", nothing more.
type WebhookHandler struct {
	validators map[string]*webhook.Validator
	router     *shield.Router
	acceptor   Acceptor
	ttl        time.Duration
	maxBody    int64
	retryAfter int
}

// NewWebhookHandler builds the handler. validators maps provider name
// to its signature validator; unknown providers are rejected. The
// router vets the recipient before anything is stored.
func NewWebhookHandler(validators map[string]*webhook.Validator, router *shield.Router, acceptor Acceptor, ttl time.Duration, maxBody int64, retryAfterSeconds int) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 5 << 20
	}
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 60
	}
	return &WebhookHandler{
		validators: validators,
		router:     router,
		acceptor:   acceptor,
		ttl:        ttl,
		maxBody:    maxBody,
		retryAfter: retryAfterSeconds,
	}
}

// Mount registers the webhook routes on the router.
func (h *WebhookHandler) Mount(r chi.Router) {
	r.Post("/webhooks/{provider}", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	validator, ok := h.validators[provider]
	if !ok {
		httputil.Unauthorized(w, "unknown provider")
		return
	}

	// The size limit is enforced before the HMAC so oversized bodies
	// never cost a signature computation.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.PayloadTooLarge(w, "body exceeds limit")
			return
		}
		httputil.BadRequest(w, "unreadable body")
		return
	}

	if err := validator.Validate(r.Context(), body, r.Header.Get(SignatureHeader)); err != nil {
		if errors.Is(err, webhook.ErrBadSignature) {
			httputil.Unauthorized(w, "signature mismatch")
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}

	var payload genericPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		httputil.BadRequest(w, "invalid JSON: "+err.Error())
		return
	}

	e, err := normalize(payload.MessageID, payload.To, payload.From,
		payload.Subject, payload.TextBody, payload.HTMLBody, payload.Headers, h.ttl)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	// Vet the recipient before storing anything, mirroring the SMTP
	// listener's RCPT-time check. The worker resolves again for the
	// actual delivery address.
	if _, err := h.router.Resolve(r.Context(), e.ShieldAddress); err != nil {
		switch {
		case errors.Is(err, shield.ErrUnknownShield), errors.Is(err, shield.ErrInactiveUser):
			httputil.NotFound(w, "unknown shield address")
		case errors.Is(err, shield.ErrMalformedAddress), errors.Is(err, shield.ErrDomainNotServiced):
			httputil.BadRequest(w, "unrecognized recipient")
		default:
			log.Printf("[Webhook] Shield lookup failed: %v", err)
			httputil.ServiceUnavailable(w, "routing unavailable, retry later", h.retryAfter)
		}
		return
	}

	switch err := h.acceptor.Accept(r.Context(), e); {
	case err == nil:
		logger.Info("[Webhook] Message accepted",
			"provider", provider,
			"message_id", e.MessageID,
			"from", logger.RedactEmail(e.FromAddress),
		)
		httputil.Accepted(w, map[string]string{"message_id": e.MessageID, "status": "accepted"})
	case errors.Is(err, store.ErrDuplicate):
		httputil.OK(w, map[string]string{"message_id": e.MessageID, "status": "duplicate"})
	case errors.Is(err, store.ErrCapacity):
		log.Printf("[Webhook] Store at capacity, rejecting %s", e.MessageID)
		httputil.ServiceUnavailable(w, "at capacity, retry later", h.retryAfter)
	default:
		httputil.BadRequest(w, err.Error())
	}
}
