package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
service:
  from_address: "Notifications <no-reply@example.com>"
  app_url: "https://app.example.com"
logging:
  level: "debug"
  console: true
dispatch:
  max_retries: 5
  base_backoff: "2s"
rate_limit:
  max_calls: 20
  window: "30s"
storage:
  driver: "memory"
blob:
  driver: "fs"
  dir: "/tmp/blobs"
mail:
  provider: "smtp"
  smtp_host: "localhost"
http:
  enabled: true
  addr: "127.0.0.1:9000"
maintenance:
  sweep_schedule: "@every 5m"
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Service.FromAddress != "Notifications <no-reply@example.com>" {
		t.Fatalf("from_address = %q", cfg.Service.FromAddress)
	}
	if cfg.Dispatch.MaxRetries != 5 || cfg.Dispatch.BaseBackoff != "2s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.RateLimit.MaxCalls != 20 {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"storage":{"driver":"sqlite","path":"./x.db"},"mail":{"provider":"resend","api_key":"k"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Mail.APIKey != "k" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", "storge:\n  driver: sqlite\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for misspelled section")
	}
}

func TestTrailingDataRejected(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"storage":{"driver":"memory"}}{"extra":1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("dispatch.base_backoff", "5s")
	if err != nil || d != 5*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("dispatch.base_backoff", "five seconds"); err == nil {
		t.Fatal("expected error for malformed duration")
	}
	d, err = ParseDurationOrDefault("rate_limit.window", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("got %v, %v", d, err)
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// A full buffer drops the oldest, never blocks.
	m.publish(&Config{})
	newest := &Config{}
	m.publish(newest)
	if got := <-ch; got != newest {
		t.Fatal("expected newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
