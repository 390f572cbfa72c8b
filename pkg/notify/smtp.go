package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
)

// Errors reported by the notification layer
var (
	ErrDeliveryFailed = errors.New("notification delivery failed")
	ErrQueueFull      = errors.New("notification queue is full")
	ErrNoAlerts       = errors.New("no alerts to send")
	ErrNoRecipient    = errors.New("no recipient")
)

// DeliveryError is a transport or auth failure while sending to Recipient
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver notification to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Err}
}

// Message is one outbound HTML mail
type Message struct {
	From    string
	To      []string
	Subject string
	HTML    string
}

// Bytes renders the message as an RFC 5322 payload
func (m Message) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.HTML, "\n", "\r\n"))
	return b.Bytes()
}

// Sender delivers a rendered message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends through an SMTP relay, upgrading with STARTTLS when offered
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLSConfig overrides the STARTTLS settings, mostly for tests
	TLSConfig *tls.Config
}

// NewSMTPSender builds a sender from the smtp config section
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{Host: cfg.Server, Port: cfg.Port, Username: cfg.Username, Password: cfg.Password}
}

// Send dials the relay honouring ctx for the connect and the whole exchange
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.Host == "" {
		return errors.New("smtp server not configured")
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := s.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: s.Host}
		}
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, to := range msg.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp DATA close: %w", err)
	}
	return c.Quit()
}
