package render

import (
	"strings"
	"testing"
	"time"
)

func TestJobCompleteInlineAttachment(t *testing.T) {
	t.Parallel()
	r := New("https://app.example.com/")

	msg, err := r.Render("job_complete", map[string]any{
		"job_id":                  "0b4c7e1a-9f00-4f6e-8e7d-1b2c3d4e5f60",
		"total_rows":              100,
		"successful":              98,
		"failed":                  2,
		"processing_time_seconds": 15.3,
	}, Payload{AttachedFilename: "results_0b4c7e1a.csv"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Subject != "✅ Job Complete: 98/100 rows processed" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	for _, want := range []string{"results_0b4c7e1a.csv", "15.3s", "https://app.example.com/output?job="} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("body missing %q:\n%s", want, msg.Body)
		}
	}
}

func TestJobCompleteExternalLink(t *testing.T) {
	t.Parallel()
	r := New("https://app.example.com")

	msg, err := r.Render("job_complete", map[string]any{"job_id": "j1"}, Payload{
		DownloadURL:   "https://blobs.example.com/signed",
		LinkExpiresAt: time.Date(2026, 9, 7, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Body, "https://blobs.example.com/signed") {
		t.Fatalf("body missing download url:\n%s", msg.Body)
	}
	if !strings.Contains(msg.Body, "2026-09-07") {
		t.Fatalf("body missing expiry date:\n%s", msg.Body)
	}
}

func TestJobCompleteReferenceUnavailable(t *testing.T) {
	t.Parallel()
	r := New("https://app.example.com")

	msg, err := r.Render("job_complete", map[string]any{"job_id": "j1"}, Payload{ReferenceUnavailable: true})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Body, "could not generate a download link") {
		t.Fatalf("body missing degraded notice:\n%s", msg.Body)
	}
}

func TestJobFailedShortensID(t *testing.T) {
	t.Parallel()
	r := New("")

	msg, err := r.Render("job_failed", map[string]any{
		"job_id":        "0b4c7e1a-9f00-4f6e",
		"error_message": "boom",
	}, Payload{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if msg.Subject != "❌ Job Failed: 0b4c7e1a" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "boom") {
		t.Fatalf("body missing error:\n%s", msg.Body)
	}
}

func TestQuotaWarningPercentages(t *testing.T) {
	t.Parallel()
	r := New("https://app.example.com")

	msg, err := r.Render("quota_warning", map[string]any{
		// JSON decoding hands us float64 for numbers.
		"current_usage": float64(800),
		"limit":         float64(1000),
	}, Payload{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(msg.Subject, "80% used") {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Subject, "200 calls remaining") {
		t.Fatalf("subject = %q", msg.Subject)
	}
}

func TestAllKindsRender(t *testing.T) {
	t.Parallel()
	r := New("https://app.example.com")
	kinds := []string{"job_complete", "job_failed", "quota_warning", "quota_exceeded", "welcome", "verify"}
	for _, kind := range kinds {
		msg, err := r.Render(kind, map[string]any{}, Payload{})
		if err != nil {
			t.Errorf("Render(%q): %v", kind, err)
			continue
		}
		if msg.Subject == "" || msg.Body == "" {
			t.Errorf("Render(%q) produced empty message", kind)
		}
	}
}

func TestUnknownKind(t *testing.T) {
	t.Parallel()
	r := New("")
	if _, err := r.Render("carrier_pigeon", nil, Payload{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
