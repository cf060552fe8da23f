package outbound

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthmail/gateway/internal/email"
)

func testMessage() *email.OutboundMessage {
	return &email.OutboundMessage{
		MessageID: "m1",
		To:        "bob@real.example",
		From:      "shield@shield.tld",
		ReplyTo:   "alice@ex.com",
		Subject:   "Lunch?",
		TextBody:  "Want to grab lunch?",
		Headers: map[string]string{
			email.HeaderMessageID: "<orig@ex.com>",
			"X-Hearthmail-Action": "forward_clean",
		},
	}
}

// scriptedSender returns canned outcomes in order and records calls.
type scriptedSender struct {
	mu       sync.Mutex
	outcomes []Outcome
	calls    int
}

func (s *scriptedSender) Send(ctx context.Context, msg *email.OutboundMessage) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i >= len(s.outcomes) {
		return s.outcomes[len(s.outcomes)-1]
	}
	return s.outcomes[i]
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestRetryDeliveredFirstTry(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{{Status: Delivered, ProviderID: "p1"}}}
	r := NewRetryingSender(inner, DefaultRetryPolicy())
	r.sleep = noSleep

	out := r.Send(context.Background(), testMessage())
	assert.Equal(t, Delivered, out.Status)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryTransientThenDelivered(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{
		{Status: Transient, Reason: "throttled"},
		{Status: Delivered, ProviderID: "p1"},
	}}
	r := NewRetryingSender(inner, DefaultRetryPolicy())
	r.sleep = noSleep

	out := r.Send(context.Background(), testMessage())
	assert.Equal(t, Delivered, out.Status)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{{Status: Permanent, Reason: "rejected"}}}
	r := NewRetryingSender(inner, DefaultRetryPolicy())
	r.sleep = noSleep

	out := r.Send(context.Background(), testMessage())
	assert.Equal(t, Permanent, out.Status)
	assert.Equal(t, 1, inner.calls, "permanent failures are not retried")
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{{Status: Transient, Reason: "down"}}}
	r := NewRetryingSender(inner, DefaultRetryPolicy())
	r.sleep = noSleep

	out := r.Send(context.Background(), testMessage())
	assert.Equal(t, Transient, out.Status)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryHonorsCancellation(t *testing.T) {
	inner := &scriptedSender{outcomes: []Outcome{{Status: Transient, Reason: "down"}}}
	r := NewRetryingSender(inner, DefaultRetryPolicy())
	r.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := r.Send(ctx, testMessage())
	assert.Equal(t, Transient, out.Status)
	assert.Equal(t, 0, inner.calls, "no attempt after cancellation")
}

func TestBackoffSchedule(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.JitterFraction = 0
	r := NewRetryingSender(&scriptedSender{}, policy)

	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 2*time.Second, r.backoff(2))

	policy.JitterFraction = 0.2
	r = NewRetryingSender(&scriptedSender{}, policy)
	for i := 0; i < 100; i++ {
		d := r.backoff(1)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

// fakeSES captures the SendEmail input and returns a scripted response.
type fakeSES struct {
	input *sesv2.SendEmailInput
	out   *sesv2.SendEmailOutput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	return f.out, f.err
}

func TestSESSenderSend(t *testing.T) {
	fake := &fakeSES{out: &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}}
	s := &SESSender{client: fake, region: "us-east-1"}

	out := s.Send(context.Background(), testMessage())
	require.Equal(t, Delivered, out.Status)
	assert.Equal(t, "ses-123", out.ProviderID)

	require.NotNil(t, fake.input)
	assert.Equal(t, "shield@shield.tld", *fake.input.FromEmailAddress)
	assert.Equal(t, []string{"bob@real.example"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, []string{"alice@ex.com"}, fake.input.ReplyToAddresses)

	require.Len(t, fake.input.EmailTags, 1)
	assert.Equal(t, "gateway_message_id", *fake.input.EmailTags[0].Name)
	assert.Equal(t, "m1", *fake.input.EmailTags[0].Value)

	headerNames := map[string]string{}
	for _, h := range fake.input.Content.Simple.Headers {
		headerNames[*h.Name] = *h.Value
	}
	assert.Equal(t, "<orig@ex.com>", headerNames[email.HeaderMessageID])
}

func TestClassifySESError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"throttled", &types.TooManyRequestsException{}, Transient},
		{"internal", &types.InternalServiceErrorException{}, Transient},
		{"rejected", &types.MessageRejected{}, Permanent},
		{"bad request", &types.BadRequestException{}, Permanent},
		{"suspended", &types.AccountSuspendedException{}, Permanent},
		{"paused", &types.SendingPausedException{}, Permanent},
		{"network", errors.New("dial tcp: timeout"), Transient},
		{"wrapped throttle", fmt.Errorf("send: %w", &types.TooManyRequestsException{}), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classifySESError(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"mailbox busy", &textproto.Error{Code: 450, Msg: "mailbox busy"}, Transient},
		{"no such user", &textproto.Error{Code: 550, Msg: "no such user"}, Permanent},
		{"wrapped 452", fmt.Errorf("RCPT TO: %w", &textproto.Error{Code: 452, Msg: "full"}), Transient},
		{"dial failure", errors.New("dial tcp: refused"), Transient},
		{"no starttls", fmt.Errorf("mail.example:587: %w", errNoSTARTTLS), Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classifySMTPError(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestSMTPSenderRequiresTLS drives a scripted submission server that
// never advertises STARTTLS; the attempt must fail permanently before
// any credentials or content go over the wire.
func TestSMTPSenderRequiresTLS(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	s := NewSMTPSender("mail.example", 587, "user", "hunter2hunter2")
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		return clientConn, nil
	}

	go func() {
		br := bufio.NewReader(serverConn)
		fmt.Fprintf(serverConn, "220 mail.example ESMTP\r\n")
		br.ReadString('\n') // EHLO
		fmt.Fprintf(serverConn, "250-mail.example\r\n250 SIZE 10485760\r\n")
		br.ReadString('\n') // whatever follows, the client should hang up
		serverConn.Close()
	}()

	out := s.Send(context.Background(), testMessage())
	assert.Equal(t, Permanent, out.Status)
	assert.Contains(t, out.Reason, "STARTTLS")
}

func TestBuildRFC822(t *testing.T) {
	msg := testMessage()
	msg.HTMLBody = "<p>Want to grab lunch?</p>"

	raw := string(buildRFC822(msg))
	assert.Contains(t, raw, "From: shield@shield.tld\r\n")
	assert.Contains(t, raw, "To: bob@real.example\r\n")
	assert.Contains(t, raw, "Reply-To: alice@ex.com\r\n")
	assert.Contains(t, raw, "Message-Id: <orig@ex.com>\r\n")
	assert.Contains(t, raw, "multipart/alternative")
	assert.Contains(t, raw, "Want to grab lunch?")

	// Text-only message takes the simple path and still gets a message id.
	msg.HTMLBody = ""
	delete(msg.Headers, email.HeaderMessageID)
	raw = string(buildRFC822(msg))
	assert.Contains(t, raw, "Content-Type: text/plain")
	assert.Contains(t, raw, "@hearthmail>")
	assert.NotContains(t, raw, "multipart")
}

func TestDryRunSender(t *testing.T) {
	d := NewDryRunSender()
	out := d.Send(context.Background(), testMessage())
	assert.Equal(t, Delivered, out.Status)
	assert.Equal(t, "dry-run-m1", out.ProviderID)
	assert.Equal(t, int64(1), d.Sent())
}
