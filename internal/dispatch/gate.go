package dispatch

import (
	"context"
	"errors"

	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

// decision is the outcome of the preference gate. allowed implies contact is
// populated with a non-empty address.
type decision struct {
	allowed bool
	contact storage.Contact
	reason  Reason
}

// gate decides whether a notification may be sent at all. It is a pure
// lookup: nothing is recorded, nothing is consumed.
//
// Rules, in order:
//   - unknown user or empty address rejects with no_contact
//   - non-onboarding kinds require a verified address
//   - no preference record at all means opt-in
//   - a record missing the specific kind also means opt-in
//   - any lookup failure rejects; the gate never sends on uncertain state
func (e *Engine) gate(ctx context.Context, userID string, kind Kind) decision {
	contact, err := e.store.GetContact(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decision{reason: ReasonNoContact}
		}
		e.log.Error("contact lookup failed", logx.String("user_id", userID), logx.Err(err))
		return decision{reason: ReasonLookupError}
	}
	if contact.Address == "" {
		return decision{reason: ReasonNoContact}
	}
	if !kind.Onboarding() && !contact.Verified {
		return decision{reason: ReasonUnverified}
	}

	prefs, ok, err := e.store.GetPreferences(ctx, userID)
	if err != nil {
		e.log.Error("preference lookup failed", logx.String("user_id", userID), logx.Err(err))
		return decision{reason: ReasonLookupError}
	}
	if ok {
		if enabled, exists := prefs[string(kind)]; exists && !enabled {
			return decision{reason: ReasonOptOut}
		}
	}
	return decision{allowed: true, contact: contact}
}
