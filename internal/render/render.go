// Package render turns a notification kind plus its structured fields into a
// transport-ready subject and plain-text body.
package render

import (
	"fmt"
	"strings"
	"time"
)

// Payload describes how the attachment was routed, so the body can point the
// reader at the right place.
type Payload struct {
	// AttachedFilename is set when the export rides along as an inline
	// attachment.
	AttachedFilename string
	// DownloadURL and LinkExpiresAt are set when the export was parked in
	// blob storage and replaced by a time-limited link.
	DownloadURL   string
	LinkExpiresAt time.Time
	// ReferenceUnavailable marks an oversized export whose upload failed;
	// the message still goes out, minus the link.
	ReferenceUnavailable bool
}

// Message is a rendered subject/body pair.
type Message struct {
	Subject string
	Body    string
}

// Renderer builds messages. AppURL feeds the "view in app" links.
type Renderer struct {
	appURL string
}

func New(appURL string) *Renderer {
	return &Renderer{appURL: strings.TrimRight(appURL, "/")}
}

// Render produces the message for a kind. Unknown kinds are a caller bug.
func (r *Renderer) Render(kind string, fields map[string]any, p Payload) (Message, error) {
	switch kind {
	case "job_complete":
		return r.jobComplete(fields, p), nil
	case "job_failed":
		return r.jobFailed(fields), nil
	case "quota_warning":
		return r.quotaWarning(fields), nil
	case "quota_exceeded":
		return r.quotaExceeded(fields), nil
	case "welcome":
		return r.welcome(fields), nil
	case "verify":
		return r.verify(fields), nil
	default:
		return Message{}, fmt.Errorf("render: unknown kind %q", kind)
	}
}

func (r *Renderer) jobComplete(f map[string]any, p Payload) Message {
	total := intField(f, "total_rows")
	ok := intField(f, "successful")
	failed := intField(f, "failed")
	secs := floatField(f, "processing_time_seconds")
	jobID := strField(f, "job_id")

	var b strings.Builder
	fmt.Fprintf(&b, "Your job %s finished.\n\n", jobID)
	fmt.Fprintf(&b, "Results summary:\n")
	fmt.Fprintf(&b, "  Total rows:      %d\n", total)
	fmt.Fprintf(&b, "  Successful:      %d\n", ok)
	fmt.Fprintf(&b, "  Failed:          %d\n", failed)
	fmt.Fprintf(&b, "  Processing time: %.1fs\n\n", secs)

	switch {
	case p.AttachedFilename != "":
		fmt.Fprintf(&b, "The results CSV is attached (%s).\n\n", p.AttachedFilename)
	case p.DownloadURL != "":
		fmt.Fprintf(&b, "Download your results: %s\n", p.DownloadURL)
		if !p.LinkExpiresAt.IsZero() {
			fmt.Fprintf(&b, "The link expires on %s.\n", p.LinkExpiresAt.UTC().Format("2006-01-02"))
		}
		b.WriteString("\n")
	case p.ReferenceUnavailable:
		b.WriteString("We could not generate a download link for your results. Please check the app.\n\n")
	}

	r.appLink(&b, "View in app", "/output?job="+jobID)
	return Message{
		Subject: fmt.Sprintf("✅ Job Complete: %d/%d rows processed", ok, total),
		Body:    b.String(),
	}
}

func (r *Renderer) jobFailed(f map[string]any) Message {
	jobID := strField(f, "job_id")
	errMsg := strField(f, "error_message")

	var b strings.Builder
	b.WriteString("Your job encountered an error and could not complete.\n\n")
	fmt.Fprintf(&b, "Error details:\n  %s\n\n", errMsg)
	b.WriteString("Please check the error details above and try again.\n\n")
	r.appLink(&b, "View details", "/output?job="+jobID)
	return Message{
		Subject: fmt.Sprintf("❌ Job Failed: %s", shortID(jobID)),
		Body:    b.String(),
	}
}

func (r *Renderer) quotaWarning(f map[string]any) Message {
	used := intField(f, "current_usage")
	limit := intField(f, "limit")
	var percent float64
	if limit > 0 {
		percent = float64(used) / float64(limit) * 100
	}
	remaining := limit - used

	var b strings.Builder
	fmt.Fprintf(&b, "You've used %d of your %d monthly API calls (%.0f%%).\n\n", used, limit, percent)
	fmt.Fprintf(&b, "You have %d calls remaining this month.\n\n", remaining)
	r.appLink(&b, "View usage", "/profile/usage")
	r.appLink(&b, "Upgrade plan", "/profile/billing")
	return Message{
		Subject: fmt.Sprintf("⚠️ Quota Warning: %.0f%% used (%d calls remaining)", percent, remaining),
		Body:    b.String(),
	}
}

func (r *Renderer) quotaExceeded(f map[string]any) Message {
	limit := intField(f, "limit")

	var b strings.Builder
	fmt.Fprintf(&b, "You've reached your monthly limit of %d API calls.\n\n", limit)
	b.WriteString("Further calls will be rejected until your quota resets or you upgrade your plan.\n\n")
	r.appLink(&b, "Upgrade plan", "/profile/billing")
	return Message{
		Subject: "🚫 Quota Exceeded: monthly limit reached",
		Body:    b.String(),
	}
}

func (r *Renderer) welcome(f map[string]any) Message {
	name := strField(f, "name")
	greeting := "Welcome!"
	if name != "" {
		greeting = fmt.Sprintf("Welcome, %s!", name)
	}

	var b strings.Builder
	b.WriteString(greeting + "\n\n")
	b.WriteString("Your account is ready. Head over to the app to run your first job.\n\n")
	r.appLink(&b, "Get started", "/")
	return Message{
		Subject: "Welcome aboard",
		Body:    b.String(),
	}
}

func (r *Renderer) verify(f map[string]any) Message {
	link := strField(f, "verify_url")

	var b strings.Builder
	b.WriteString("Please confirm your email address to start receiving notifications.\n\n")
	if link != "" {
		fmt.Fprintf(&b, "Verify your email: %s\n", link)
	} else {
		r.appLink(&b, "Verify your email", "/profile/verify")
	}
	return Message{
		Subject: "Verify your email address",
		Body:    b.String(),
	}
}

func (r *Renderer) appLink(b *strings.Builder, label, path string) {
	if r.appURL == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s%s\n", label, r.appURL, path)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func strField(f map[string]any, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// intField accepts the numeric shapes that survive a JSON round trip.
func intField(f map[string]any, key string) int {
	switch v := f[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func floatField(f map[string]any, key string) float64 {
	switch v := f[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
