package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultResendBaseURL = "https://api.resend.com"

// resendSender talks to the Resend HTTP API (POST /emails).
type resendSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func newResend(cfg Config) (Sender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("resend api key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultResendBaseURL
	}
	return &resendSender{
		apiKey:  cfg.APIKey,
		baseURL: base,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type resendRequest struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	Tags        []resendTag        `json:"tags,omitempty"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"` // base64
}

type resendResponse struct {
	ID string `json:"id"`
}

func (s *resendSender) Send(ctx context.Context, env Envelope) (string, error) {
	req := resendRequest{
		From:    env.From,
		To:      []string{env.To},
		Subject: env.Subject,
		Text:    env.Body,
	}
	for _, t := range env.Tags {
		req.Tags = append(req.Tags, resendTag{Name: t.Name, Value: sanitizeTagValue(t.Value)})
	}
	if env.Attachment != nil {
		req.Attachments = append(req.Attachments, resendAttachment{
			Filename: env.Attachment.Filename,
			Content:  base64.StdEncoding.EncodeToString(env.Attachment.Content),
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("resend request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("resend status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out resendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("resend response decode: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("resend response missing id")
	}
	return out.ID, nil
}

// sanitizeTagValue keeps tags within the provider's allowed charset
// (ASCII letters, numbers, underscores, dashes).
func sanitizeTagValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
