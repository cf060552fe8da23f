package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/google/uuid"

	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/pkg/logger"
)

// errNoSTARTTLS marks a submission server that never offered TLS. The
// attempt fails permanently rather than degrading to plaintext, which
// would expose both credentials and message content on the wire.
var errNoSTARTTLS = errors.New("server does not offer STARTTLS")

// SMTPSender delivers messages through an SMTP submission endpoint.
// STARTTLS is mandatory; AUTH PLAIN runs only on the encrypted channel.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewSMTPSender creates a sender for the given submission endpoint.
func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
	}
}

// Send performs one SMTP transaction. Reply codes drive the retry
// class: 4xx is transient, 5xx permanent, connection trouble transient.
func (s *SMTPSender) Send(ctx context.Context, msg *email.OutboundMessage) Outcome {
	raw := buildRFC822(msg)
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	if err := s.transact(ctx, addr, msg.From, msg.To, raw); err != nil {
		status, reason := classifySMTPError(err)
		log.Printf("[SMTP] Send to %s failed (%s): %v", logger.RedactEmail(msg.To), status, err)
		return Outcome{Status: status, Reason: reason}
	}
	log.Printf("[SMTP] Sent to %s (id: %s)", logger.RedactEmail(msg.To), msg.MessageID)
	return Outcome{Status: Delivered, ProviderID: msg.MessageID}
}

func (s *SMTPSender) transact(ctx context.Context, addr, from, to string, raw []byte) error {
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("%s: %w", addr, errNoSTARTTLS)
	}
	if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
		return fmt.Errorf("STARTTLS: %w", err)
	}
	if s.username != "" && s.password != "" {
		auth := smtp.PlainAuth("", s.username, s.password, s.host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return c.Quit()
}

// buildRFC822 renders the outbound message as a wire-format email. The
// transformer's headers (threading plus gateway markers) are written
// verbatim; bodies go out quoted-printable.
func buildRFC822(msg *email.OutboundMessage) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	hasMessageID := false
	for k, v := range msg.Headers {
		if k == email.HeaderMessageID {
			hasMessageID = true
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	if !hasMessageID {
		fmt.Fprintf(&buf, "%s: <%s@hearthmail>\r\n", email.HeaderMessageID, uuid.NewString())
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	if msg.HTMLBody == "" {
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		writeQP(&buf, msg.TextBody)
		return buf.Bytes()
	}

	boundary := "=_" + uuid.NewString()[:16]
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	writeQP(&buf, msg.TextBody)
	fmt.Fprintf(&buf, "\r\n--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	writeQP(&buf, msg.HTMLBody)
	fmt.Fprintf(&buf, "\r\n--%s--\r\n", boundary)
	return buf.Bytes()
}

func writeQP(buf *bytes.Buffer, body string) {
	qp := quotedprintable.NewWriter(buf)
	qp.Write([]byte(body))
	qp.Close()
}

// classifySMTPError maps reply codes to retry classes. A 4xx reply is a
// temporary server condition; a 5xx is a definitive rejection, as is a
// server that cannot do TLS at all.
func classifySMTPError(err error) (Status, string) {
	if errors.Is(err, errNoSTARTTLS) {
		return Permanent, err.Error()
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		if proto.Code >= 500 {
			return Permanent, fmt.Sprintf("smtp %d: %s", proto.Code, proto.Msg)
		}
		if proto.Code >= 400 {
			return Transient, fmt.Sprintf("smtp %d: %s", proto.Code, proto.Msg)
		}
	}
	return Transient, err.Error()
}
