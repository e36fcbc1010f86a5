// Package notify sends reviewer and finance notifications by email.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// Message is an email with an HTML body. The plain-text part is derived from
// the HTML when Text is empty.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail through an SMTP relay using PLAIN auth.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Send delivers msg. Relay failures are transient.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return faults.InvalidInput("notify.Send", "no recipients")
	}
	if err := ctx.Err(); err != nil {
		return faults.Transient("notify.Send", err)
	}

	body, err := buildMIME(s.cfg.From, msg)
	if err != nil {
		return faults.Wrap(faults.KindInternal, "notify.Send", err)
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.sendMail(addr, auth, s.cfg.From, msg.To, body); err != nil {
		return faults.Transient("notify.Send", fmt.Errorf("failed to send email to %s: %w", strings.Join(msg.To, ","), err))
	}
	return nil
}

// buildMIME renders a multipart/alternative message with text and HTML parts.
func buildMIME(from string, msg Message) ([]byte, error) {
	text := msg.Text
	if text == "" {
		var err error
		text, err = PlainText(msg.HTML)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, fmt.Errorf("failed to create MIME part: %w", err)
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("failed to write MIME part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close MIME writer: %w", err)
	}
	return buf.Bytes(), nil
}

// PlainText renders HTML as readable plain text: headings and paragraphs on
// their own lines, list items prefixed with "- ".
func PlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style").Remove()

	var lines []string
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text == "" {
			return
		}
		if goquery.NodeName(sel) == "li" {
			text = "- " + text
		}
		lines = append(lines, text)
	})
	if len(lines) == 0 {
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
	return strings.Join(lines, "\n"), nil
}

// LogSender logs messages instead of sending them. It is used when SMTP is
// not configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs msg.
func (s LogSender) Send(_ context.Context, msg Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email not sent: SMTP not configured", "to", msg.To, "subject", msg.Subject)
	return nil
}

// RecordingSender keeps every message it is given. Tests use it.
type RecordingSender struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned from Send and nothing is recorded.
	Err error
}

// Send records msg.
func (s *RecordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.messages = append(s.messages, msg)
	return nil
}

// Messages returns the recorded messages.
func (s *RecordingSender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}
