package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/pkg/logger"
	"github.com/hearthmail/gateway/internal/shield"
	"github.com/hearthmail/gateway/internal/store"
)

var (
	errUnknownRecipient = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such shield address",
	}
	errAtCapacity = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 3, 1},
		Message:      "Mailbox full, try again later",
	}
	errLookupFailed = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary routing failure",
	}
)

// SMTPServer receives one message per session on the configured port.
// The listener is expected to sit behind a trusted relay or bind to
// localhost; it performs no authentication.
type SMTPServer struct {
	server   *smtp.Server
	router   *shield.Router
	acceptor Acceptor
	ttl      time.Duration
}

// NewSMTPServer builds the listener. maxBytes bounds the DATA payload.
func NewSMTPServer(addr, hostname string, router *shield.Router, acceptor Acceptor, ttl time.Duration, maxBytes int64) *SMTPServer {
	s := &SMTPServer{router: router, acceptor: acceptor, ttl: ttl}
	srv := smtp.NewServer(s)
	srv.Addr = addr
	srv.Domain = hostname
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.MaxMessageBytes = maxBytes
	srv.MaxRecipients = 1
	s.server = srv
	return s
}

// ListenAndServe blocks serving SMTP until Close.
func (s *SMTPServer) ListenAndServe() error {
	log.Printf("[SMTP] Listening on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Close shuts the listener down and drops open sessions.
func (s *SMTPServer) Close() error {
	return s.server.Close()
}

// NewSession implements smtp.Backend.
func (s *SMTPServer) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{srv: s}, nil
}

// session handles one SMTP transaction.
type session struct {
	srv  *SMTPServer
	from string
	rcpt string
}

var _ smtp.Session = (*session)(nil)

// AuthPlain rejects AUTH; the listener trusts its relay, not clients.
func (sess *session) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}

func (sess *session) Mail(from string, opts *smtp.MailOptions) error {
	sess.from = email.NormalizeAddress(from)
	return nil
}

// Rcpt resolves the shield address while the sender is still on the
// wire, so unknown recipients bounce immediately instead of after DATA.
func (sess *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := sess.srv.router.Resolve(ctx, to)
	switch {
	case err == nil:
		sess.rcpt = email.NormalizeAddress(to)
		return nil
	case errors.Is(err, shield.ErrUnknownShield),
		errors.Is(err, shield.ErrDomainNotServiced),
		errors.Is(err, shield.ErrMalformedAddress),
		errors.Is(err, shield.ErrInactiveUser):
		return errUnknownRecipient
	default:
		log.Printf("[SMTP] Shield lookup failed for RCPT: %v", err)
		return errLookupFailed
	}
}

func (sess *session) Data(r io.Reader) error {
	if sess.rcpt == "" {
		return errUnknownRecipient
	}

	parsed, err := parseRFC5322(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Unparseable message",
		}
	}
	if parsed.from == "" {
		parsed.from = sess.from
	}

	e, err := normalize(parsed.messageID, sess.rcpt, parsed.from,
		parsed.subject, parsed.textBody, parsed.htmlBody, parsed.headers, sess.srv.ttl)
	if err != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Invalid message",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch err := sess.srv.acceptor.Accept(ctx, e); {
	case err == nil:
		logger.Info("[SMTP] Message accepted",
			"message_id", e.MessageID,
			"from", logger.RedactEmail(e.FromAddress),
		)
		return nil
	case errors.Is(err, store.ErrDuplicate):
		// Idempotent success, the first copy is already in flight.
		return nil
	case errors.Is(err, store.ErrCapacity):
		return errAtCapacity
	default:
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message rejected",
		}
	}
}

func (sess *session) Reset() {
	sess.from = ""
	sess.rcpt = ""
}

func (sess *session) Logout() error { return nil }

// parsedMessage is the subset of an RFC 5322 message the gateway keeps.
type parsedMessage struct {
	messageID string
	from      string
	subject   string
	textBody  string
	htmlBody  string
	headers   map[string]string
}

// parseRFC5322 extracts the envelope metadata, threading headers, and
// text/html bodies. Multipart messages contribute their first
// text/plain and text/html parts; everything else is ignored.
func parseRFC5322(r io.Reader) (*parsedMessage, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	p := &parsedMessage{
		subject: msg.Header.Get("Subject"),
		headers: map[string]string{},
	}
	for _, h := range []string{email.HeaderMessageID, email.HeaderInReplyTo, email.HeaderReferences} {
		if v := msg.Header.Get(h); v != "" {
			p.headers[h] = v
		}
	}
	if mid := strings.Trim(msg.Header.Get(email.HeaderMessageID), "<> "); mid != "" {
		p.messageID = mid
	}
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		p.from = email.NormalizeAddress(addr.Address)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(msg.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("read part: %w", err)
			}
			partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			data, err := io.ReadAll(part)
			if err != nil {
				return nil, fmt.Errorf("read part body: %w", err)
			}
			switch {
			case partType == "text/plain" && p.textBody == "":
				p.textBody = string(data)
			case partType == "text/html" && p.htmlBody == "":
				p.htmlBody = string(data)
			}
		}
		return p, nil
	}

	data, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if mediaType == "text/html" {
		p.htmlBody = string(data)
	} else {
		p.textBody = string(data)
	}
	return p, nil
}
