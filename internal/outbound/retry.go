package outbound

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/hearthmail/gateway/internal/email"
)

// RetryPolicy controls how transient delivery failures are repeated.
type RetryPolicy struct {
	Attempts       int
	BaseDelay      time.Duration
	Factor         float64
	JitterFraction float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is the standard delivery schedule: three attempts,
// exponential backoff from one second with 20% jitter, ten seconds per
// attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		BaseDelay:      time.Second,
		Factor:         2,
		JitterFraction: 0.2,
		AttemptTimeout: 10 * time.Second,
	}
}

// RetryingSender wraps a Sender with the retry schedule. Only transient
// outcomes are retried; the first delivered or permanent outcome is
// final.
type RetryingSender struct {
	inner  Sender
	policy RetryPolicy
	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryingSender wraps inner with the given policy.
func NewRetryingSender(inner Sender, policy RetryPolicy) *RetryingSender {
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RetryingSender{inner: inner, policy: policy, sleep: sleepCtx}
}

// Send runs the attempt loop. Context cancellation between attempts
// stops the loop with a transient outcome so the caller can account the
// message as not delivered.
func (r *RetryingSender) Send(ctx context.Context, msg *email.OutboundMessage) Outcome {
	var last Outcome
	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		if ctx.Err() != nil {
			return Outcome{Status: Transient, Reason: "canceled before attempt"}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		last = r.inner.Send(attemptCtx, msg)
		if cancel != nil {
			cancel()
		}

		if last.Status != Transient {
			return last
		}
		if attempt == r.policy.Attempts {
			break
		}

		delay := r.backoff(attempt)
		log.Printf("[Outbound] Transient failure for %s (attempt %d/%d), retrying in %s: %s",
			msg.MessageID, attempt, r.policy.Attempts, delay.Truncate(time.Millisecond), last.Reason)
		if err := r.sleep(ctx, delay); err != nil {
			return Outcome{Status: Transient, Reason: "canceled during backoff"}
		}
	}
	return last
}

// backoff computes the delay before the next attempt: base * factor^(n-1)
// with symmetric jitter.
func (r *RetryingSender) backoff(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= r.policy.Factor
	}
	if r.policy.JitterFraction > 0 {
		spread := delay * r.policy.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
