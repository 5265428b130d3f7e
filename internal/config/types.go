package config

// Config is the full notifyd configuration.
//
// All durations are Go duration strings (e.g. "5s", "60s", "168h").
// Unknown fields are rejected so typos fail fast instead of silently
// falling back to defaults.
type Config struct {
	Service   ServiceConfig   `json:"service"`
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Storage   StorageConfig   `json:"storage"`
	Blob      BlobConfig      `json:"blob"`
	Mail      MailConfig      `json:"mail"`

	// Alert and Events are optional integrations; omitting the section
	// disables the integration entirely.
	Alert  *AlertConfig  `json:"alert,omitempty"`
	Events *EventsConfig `json:"events,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance"`
}

// ServiceConfig carries identity used in outgoing mail.
type ServiceConfig struct {
	// FromAddress is the sender, e.g. `Notifications <no-reply@example.com>`.
	FromAddress string `json:"from_address"`
	// AppURL is the base URL used for links in message bodies.
	AppURL string `json:"app_url"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
	// Token, when set, is required as a bearer token on all /v1 routes.
	Token string `json:"token,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig controls the delivery pipeline.
//
// Defaults (when fields are omitted/zero):
//   - max_retries: 3
//   - base_backoff: "5s" (attempt n waits base*n)
//   - attachment_threshold_bytes: 2000000
//   - signed_url_ttl: "168h" (7 days)
//   - send_timeout: "30s" (per transport call)
type DispatchConfig struct {
	MaxRetries               int    `json:"max_retries,omitempty"`
	BaseBackoff              string `json:"base_backoff,omitempty"`
	AttachmentThresholdBytes int    `json:"attachment_threshold_bytes,omitempty"`
	SignedURLTTL             string `json:"signed_url_ttl,omitempty"`
	SendTimeout              string `json:"send_timeout,omitempty"`
}

// RateLimitConfig controls per-user sliding-window admission.
//
// Driver values:
//   - "memory": in-process map guarded by one mutex (default)
//   - "redis": shared window state for multi-instance deployments
type RateLimitConfig struct {
	MaxCalls int    `json:"max_calls,omitempty"` // default 10
	Window   string `json:"window,omitempty"`    // default "60s"
	Driver   string `json:"driver,omitempty"`    // default "memory"
	RedisURL string `json:"redis_url,omitempty"`
}

// StorageConfig selects the directory/preferences/audit backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": shared database (DSN required)
//   - "memory": volatile, for development and tests
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite file path
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite; Go duration string
}

// BlobConfig selects where oversized payloads are parked.
//
// Driver values:
//   - "fs": local directory (development)
//   - "s3": S3-compatible object store
type BlobConfig struct {
	Driver   string `json:"driver"`
	Dir      string `json:"dir,omitempty"`      // fs
	Region   string `json:"region,omitempty"`   // s3
	Bucket   string `json:"bucket,omitempty"`   // s3
	Endpoint string `json:"endpoint,omitempty"` // s3; set for MinIO etc.
}

// MailConfig selects the delivery provider.
//
// Provider values:
//   - "resend": Resend HTTP API
//   - "smtp": plain SMTP relay
type MailConfig struct {
	Provider string `json:"provider"`

	// Resend
	APIKey string `json:"api_key,omitempty"`
	// BaseURL overrides the API endpoint (tests); default https://api.resend.com.
	BaseURL string `json:"base_url,omitempty"`

	// SMTP
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort string `json:"smtp_port,omitempty"`
	SMTPUser string `json:"smtp_user,omitempty"`
	SMTPPass string `json:"smtp_pass,omitempty"`
}

// AlertConfig controls the Telegram ops-alert sink.
//
// Alerts are best-effort: they are rate limited and dropped rather than ever
// blocking a dispatch.
type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// EventsConfig controls the NATS outcome-event bridge.
type EventsConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`                        // e.g. nats://127.0.0.1:4222
	Subject string `json:"subject_prefix,omitempty"`   // default "notifyd.dispatch"
}

// MaintenanceConfig controls background housekeeping jobs.
//
// Defaults:
//   - sweep_schedule: "@every 1m" (rate limiter memory reclaim)
//   - audit_retention: "2160h" (90 days; "0s" disables pruning)
//   - prune_schedule: "@daily"
type MaintenanceConfig struct {
	SweepSchedule  string `json:"sweep_schedule,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
	PruneSchedule  string `json:"prune_schedule,omitempty"`
}
