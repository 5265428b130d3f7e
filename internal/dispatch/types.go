// Package dispatch is the notification dispatch engine. It decides whether a
// single notification may be sent (preferences, verification, rate limits),
// how its payload is routed (inline attachment vs. signed download link),
// retries transient transport failures with backoff, and records every
// terminal outcome of an attempted send in the audit log.
package dispatch

import "time"

// Kind is the closed set of notification kinds.
type Kind string

const (
	KindJobComplete   Kind = "job_complete"
	KindJobFailed     Kind = "job_failed"
	KindQuotaWarning  Kind = "quota_warning"
	KindQuotaExceeded Kind = "quota_exceeded"
	KindWelcome       Kind = "welcome"
	KindVerify        Kind = "verify"
)

// Kinds lists every valid kind, for validation and the HTTP surface.
func Kinds() []Kind {
	return []Kind{
		KindJobComplete, KindJobFailed, KindQuotaWarning,
		KindQuotaExceeded, KindWelcome, KindVerify,
	}
}

func (k Kind) Valid() bool {
	switch k {
	case KindJobComplete, KindJobFailed, KindQuotaWarning,
		KindQuotaExceeded, KindWelcome, KindVerify:
		return true
	}
	return false
}

// Onboarding kinds go out before the address is verified; everything else
// requires a verified contact.
func (k Kind) Onboarding() bool {
	return k == KindWelcome || k == KindVerify
}

// Request describes one notification to deliver. Immutable once submitted.
type Request struct {
	UserID        string
	Kind          Kind
	CorrelationID string // e.g. job id; optional

	// Fields carries kind-specific values consumed by the renderer.
	Fields map[string]any

	// Payload is an optional raw export (e.g. a results CSV). Small payloads
	// ride along as attachments, large ones are parked in blob storage.
	Payload []byte
}

// Reason classifies why a request did not result in a successful send.
type Reason string

const (
	// ReasonNoContact: unknown user or empty address. Not retryable.
	ReasonNoContact Reason = "no_contact"
	// ReasonUnverified: address not verified for a non-onboarding kind.
	ReasonUnverified Reason = "unverified"
	// ReasonOptOut: the user disabled this kind.
	ReasonOptOut Reason = "opt_out"
	// ReasonLookupError: directory or preference lookup failed; the gate
	// never sends on uncertain state.
	ReasonLookupError Reason = "lookup_error"
	// ReasonRateLimited: window full; RetryAfter says when to resubmit.
	ReasonRateLimited Reason = "rate_limited"
	// ReasonInvalid: malformed request (unknown kind, missing user id).
	ReasonInvalid Reason = "invalid_request"
	// ReasonCancelled: caller abandoned the request between attempts.
	ReasonCancelled Reason = "cancelled"
	// ReasonExhausted: every transport attempt failed.
	ReasonExhausted Reason = "exhausted"
)

// Result is the uniform caller-facing outcome.
//
// Success implies TransportID is set. RetryAfter is only set for
// ReasonRateLimited.
type Result struct {
	Success     bool          `json:"success"`
	TransportID string        `json:"transport_id,omitempty"`
	Reason      Reason        `json:"reason,omitempty"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
}

// Outcome is the event payload published on the bus for every terminal state.
type Outcome struct {
	UserID        string `json:"user_id"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"` // sent, failed, rejected
	TransportID   string `json:"transport_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}
