package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
)

// smtpSender delivers through a plain SMTP relay. SMTP gives us no provider
// message id, so one is generated locally for audit correlation.
type smtpSender struct {
	host string
	port string
	user string
	pass string
}

func newSMTP(cfg Config) Sender {
	return &smtpSender{
		host: cfg.SMTPHost,
		port: cfg.SMTPPort,
		user: cfg.SMTPUser,
		pass: cfg.SMTPPass,
	}
}

func (s *smtpSender) Send(_ context.Context, env Envelope) (string, error) {
	if s.host == "" {
		return "", fmt.Errorf("smtp host not configured")
	}
	port := s.port
	if port == "" {
		port = "587"
	}
	addr := s.host + ":" + port

	msg, err := buildMessage(env)
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if s.user != "" || s.pass != "" {
		auth = smtp.PlainAuth("", s.user, s.pass, s.host)
	}
	if err := smtp.SendMail(addr, auth, envelopeAddr(env.From), []string{env.To}, msg); err != nil {
		return "", err
	}
	return "smtp-" + uuid.NewString(), nil
}

func buildMessage(env Envelope) ([]byte, error) {
	var b strings.Builder

	write := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteString("\r\n")
	}

	write("From: %s", env.From)
	write("To: %s", env.To)
	write("Subject: %s", mime.QEncoding.Encode("utf-8", env.Subject))
	write("MIME-Version: 1.0")

	if env.Attachment == nil {
		write("Content-Type: text/plain; charset=UTF-8")
		b.WriteString("\r\n")
		b.WriteString(env.Body)
		return []byte(b.String()), nil
	}

	const boundary = "notifyd-mixed-boundary"
	write("Content-Type: multipart/mixed; boundary=%s", boundary)
	b.WriteString("\r\n")

	write("--%s", boundary)
	write("Content-Type: text/plain; charset=UTF-8")
	b.WriteString("\r\n")
	b.WriteString(env.Body)
	b.WriteString("\r\n")

	write("--%s", boundary)
	write("Content-Type: application/octet-stream; name=%q", env.Attachment.Filename)
	write("Content-Disposition: attachment; filename=%q", env.Attachment.Filename)
	write("Content-Transfer-Encoding: base64")
	b.WriteString("\r\n")

	enc := base64.StdEncoding.EncodeToString(env.Attachment.Content)
	// RFC-friendly line wrapping.
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
	write("--%s--", boundary)

	return []byte(b.String()), nil
}

// envelopeAddr strips a display name ("Team <x@y>" -> "x@y") for the SMTP
// MAIL FROM command.
func envelopeAddr(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			return from[i+1 : j]
		}
	}
	return from
}
