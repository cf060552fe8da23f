// Package webhook authenticates inbound provider webhooks. Signatures
// follow the common "t=<unix>,s=<hex>" scheme: the provider signs the
// raw body concatenated with the timestamp using HMAC-SHA256 and a
// per-provider shared secret.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrMissingSignature means the signature header was absent or empty.
	ErrMissingSignature = errors.New("missing signature header")
	// ErrMalformedSignature means the header did not parse as t=...,s=...
	ErrMalformedSignature = errors.New("malformed signature header")
	// ErrStaleTimestamp means the signed timestamp is outside the
	// accepted age window.
	ErrStaleTimestamp = errors.New("signature timestamp outside accepted window")
	// ErrBadSignature means the HMAC did not match.
	ErrBadSignature = errors.New("signature mismatch")
	// ErrReplay means this exact signature was already accepted once.
	ErrReplay = errors.New("signature replayed")
)

// DefaultMaxAge is the accepted signature age when none is configured.
const DefaultMaxAge = 300 * time.Second

// Validator checks webhook signatures for a single provider secret and
// tracks accepted signatures in Redis to reject replays. The replay
// keys carry a TTL equal to the max age, so anything old enough to have
// fallen out of the cache is already rejected by the age check.
type Validator struct {
	secret []byte
	maxAge time.Duration
	redis  *redis.Client
	now    func() time.Time
}

// NewValidator builds a validator for one provider secret. A nil redis
// client disables replay detection (dev mode only).
func NewValidator(secret string, maxAge time.Duration, rdb *redis.Client) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Validator{
		secret: []byte(secret),
		maxAge: maxAge,
		redis:  rdb,
		now:    time.Now,
	}
}

// Validate checks the signature header against the raw request body.
// The age check runs before the HMAC so an attacker cannot probe old
// signatures, and the comparison is constant-time. A signature at
// exactly max age is rejected.
func (v *Validator) Validate(ctx context.Context, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	ts, sig, err := parseHeader(header)
	if err != nil {
		return err
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age >= v.maxAge || age < -v.maxAge {
		return fmt.Errorf("%w: age %s", ErrStaleTimestamp, age.Truncate(time.Second))
	}

	if !hmac.Equal(sig, v.compute(body, ts)) {
		return ErrBadSignature
	}

	return v.checkReplay(ctx, sig)
}

// Sign produces a signature header for the given body at time t. Used
// by tests and by the dry-run tooling that feeds the gateway locally.
func (v *Validator) Sign(body []byte, t time.Time) string {
	ts := t.Unix()
	return fmt.Sprintf("t=%d,s=%s", ts, hex.EncodeToString(v.compute(body, ts)))
}

func (v *Validator) compute(body []byte, ts int64) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(body)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	return h.Sum(nil)
}

// checkReplay records the signature in Redis with SET NX. A second
// acceptance of the same signature within the age window fails. Redis
// errors fail open with a log line: replay protection is a hardening
// layer, not a delivery gate.
func (v *Validator) checkReplay(ctx context.Context, sig []byte) error {
	if v.redis == nil {
		return nil
	}
	key := "webhook:replay:" + hex.EncodeToString(sig)
	ok, err := v.redis.SetNX(ctx, key, 1, v.maxAge).Result()
	if err != nil {
		log.Printf("[Webhook] Replay cache unavailable, skipping check: %v", err)
		return nil
	}
	if !ok {
		return ErrReplay
	}
	return nil
}

// parseHeader splits "t=<unix>,s=<hex>" into its parts. Unknown pairs
// are ignored so providers can extend the header.
func parseHeader(header string) (int64, []byte, error) {
	var tsStr, sigStr string
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, ErrMalformedSignature
		}
		switch k {
		case "t":
			tsStr = val
		case "s":
			sigStr = val
		}
	}
	if tsStr == "" || sigStr == "" {
		return 0, nil, ErrMalformedSignature
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad timestamp", ErrMalformedSignature)
	}
	sig, err := hex.DecodeString(sigStr)
	if err != nil || len(sig) != sha256.Size {
		return 0, nil, fmt.Errorf("%w: bad digest", ErrMalformedSignature)
	}
	return ts, sig, nil
}
