// Package mail is the delivery transport boundary: a prepared Envelope goes
// in, a provider message id comes out. Providers are interchangeable behind
// the Sender interface.
package mail

import (
	"context"
	"errors"
	"strings"
)

// Attachment is an inline file carried with the message.
type Attachment struct {
	Filename string
	Content  []byte
}

// Tag is a provider-side label attached to a message (category, user id, ...).
type Tag struct {
	Name  string
	Value string
}

// Envelope is a fully prepared outgoing message.
type Envelope struct {
	From       string
	To         string
	Subject    string
	Body       string
	Attachment *Attachment
	Tags       []Tag
}

// Sender delivers one envelope. Errors are treated as transient by the
// pipeline and retried up to its configured maximum.
type Sender interface {
	Send(ctx context.Context, env Envelope) (id string, err error)
}

// Config selects and configures the provider.
type Config struct {
	Provider string // "resend" or "smtp"

	// resend
	APIKey  string
	BaseURL string

	// smtp
	SMTPHost string
	SMTPPort string
	SMTPUser string
	SMTPPass string
}

// New returns the configured provider.
func New(cfg Config) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "resend":
		return newResend(cfg)
	case "smtp":
		return newSMTP(cfg), nil
	default:
		return nil, errors.New("unknown mail provider: " + cfg.Provider)
	}
}
