package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is a volatile Store for development and tests.
type memoryStore struct {
	mu       sync.Mutex
	contacts map[string]Contact
	prefs    map[string]map[string]bool
	audit    []AuditEntry
}

func NewMemory() Store {
	return &memoryStore{
		contacts: map[string]Contact{},
		prefs:    map[string]map[string]bool{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) GetContact(_ context.Context, userID string) (Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[userID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *memoryStore) UpsertContact(_ context.Context, userID string, c Contact) error {
	s.mu.Lock()
	s.contacts[userID] = c
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetPreferences(_ context.Context, userID string) (map[string]bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs, ok := s.prefs[userID]
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]bool, len(prefs))
	for k, v := range prefs {
		cp[k] = v
	}
	return cp, true, nil
}

func (s *memoryStore) SetPreference(_ context.Context, userID, kind string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs[userID] == nil {
		s.prefs[userID] = map[string]bool{}
	}
	s.prefs[userID][kind] = enabled
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) ListAudit(_ context.Context, userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []AuditEntry
	for _, e := range s.audit {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) PruneAudit(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var removed int64
	for _, e := range s.audit {
		if e.At.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.audit = kept
	return removed, nil
}
