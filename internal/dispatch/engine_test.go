package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/mail"
	"notifyd/internal/ratelimit"
	"notifyd/internal/render"
	"notifyd/internal/storage"
)

// fakeSender scripts transport behavior: the first failFirst calls error,
// then every call succeeds.
type fakeSender struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	envelopes []mail.Envelope
}

func (f *fakeSender) Send(_ context.Context, env mail.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.envelopes = append(f.envelopes, env)
	if f.calls <= f.failFirst {
		return "", fmt.Errorf("smtp 451 temporary failure (attempt %d)", f.calls)
	}
	return fmt.Sprintf("msg_%d", f.calls), nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) lastEnvelope() mail.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.envelopes) == 0 {
		return mail.Envelope{}
	}
	return f.envelopes[len(f.envelopes)-1]
}

// fakeBlob records puts and optionally fails everything.
type fakeBlob struct {
	mu   sync.Mutex
	fail bool
	keys []string
}

func (f *fakeBlob) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("bucket unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeBlob) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("bucket unavailable")
	}
	return "https://blobs.test/" + key + "?sig=abc", nil
}

// failingStore wraps a Store and errors on selected calls.
type failingStore struct {
	storage.Store
	failLookups bool
	failAudit   bool
}

func (s *failingStore) GetContact(ctx context.Context, userID string) (storage.Contact, error) {
	if s.failLookups {
		return storage.Contact{}, errors.New("db timeout")
	}
	return s.Store.GetContact(ctx, userID)
}

func (s *failingStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	if s.failAudit {
		return errors.New("db timeout")
	}
	return s.Store.AppendAudit(ctx, e)
}

type testEnv struct {
	engine *Engine
	store  storage.Store
	sender *fakeSender
	blobs  *fakeBlob
	bus    eventbus.Bus
	sleeps []time.Duration
}

func newTestEnv(t *testing.T, cfg Config, mutate func(*testEnv)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  storage.NewMemory(),
		sender: &fakeSender{},
		blobs:  &fakeBlob{},
		bus:    eventbus.New(),
	}
	if err := env.store.UpsertContact(context.Background(), "u1", storage.Contact{
		Address:  "u1@example.com",
		Verified: true,
	}); err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}
	if mutate != nil {
		mutate(env)
	}

	if cfg.FromAddress == "" {
		cfg.FromAddress = "Notifications <no-reply@example.com>"
	}
	env.engine = New(cfg, Deps{
		Store:    env.store,
		Limiter:  ratelimit.NewMemory(ratelimit.Config{MaxCalls: 100, Window: time.Minute}),
		Blobs:    env.blobs,
		Renderer: render.New("https://app.example.com"),
		Sender:   env.sender,
		Bus:      env.bus,
	})
	// Record backoffs instead of sleeping.
	env.engine.sleep = func(_ context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

func auditEntries(t *testing.T, st storage.Store, userID string) []storage.AuditEntry {
	t.Helper()
	entries, err := st.ListAudit(context.Background(), userID, 100)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	return entries
}

func TestDispatchSuccessInlineAttachment(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, nil)

	res := env.engine.DispatchJobComplete(context.Background(), "u1", "job-1",
		JobStats{TotalRows: 100, Successful: 98, Failed: 2, ProcessingTimeSeconds: 15.3},
		[]byte(strings.Repeat("x", 500)))

	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.TransportID == "" {
		t.Fatal("expected transport id on success")
	}
	sent := env.sender.lastEnvelope()
	if sent.Attachment == nil {
		t.Fatal("expected inline attachment for 500-byte payload")
	}
	if sent.To != "u1@example.com" {
		t.Fatalf("to = %q", sent.To)
	}
	if !strings.Contains(sent.Subject, "98/100") {
		t.Fatalf("subject = %q", sent.Subject)
	}
	wantTags := map[string]string{"category": "job_complete", "user_id": "u1", "correlation_id": "job-1"}
	for _, tag := range sent.Tags {
		if want, ok := wantTags[tag.Name]; !ok || tag.Value != want {
			t.Errorf("unexpected tag %s=%s", tag.Name, tag.Value)
		}
	}

	entries := auditEntries(t, env.store, "u1")
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Status != storage.StatusSent || e.TransportID != res.TransportID || e.Kind != "job_complete" {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestOptOutRejectedWithoutAudit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		if err := env.store.SetPreference(context.Background(), "u1", "job_complete", false); err != nil {
			t.Fatalf("SetPreference: %v", err)
		}
	})

	res := env.engine.DispatchJobComplete(context.Background(), "u1", "job-1", JobStats{}, nil)
	if res.Success || res.Reason != ReasonOptOut {
		t.Fatalf("result = %+v, want opt_out rejection", res)
	}
	if env.sender.callCount() != 0 {
		t.Fatalf("transport called %d times, want 0", env.sender.callCount())
	}
	if n := len(auditEntries(t, env.store, "u1")); n != 0 {
		t.Fatalf("audit entries = %d, want 0 for rejection", n)
	}
}

func TestAbsentPreferenceRecordDefaultsToOptIn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, nil)

	// u1 has no preference record at all.
	res := env.engine.DispatchJobComplete(context.Background(), "u1", "job-1", JobStats{}, nil)
	if !res.Success {
		t.Fatalf("result = %+v, want success on absent record", res)
	}

	// A record that covers other kinds but not this one is still opt-in.
	if err := env.store.SetPreference(context.Background(), "u1", "quota_warning", false); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	res = env.engine.DispatchJobComplete(context.Background(), "u1", "job-2", JobStats{}, nil)
	if !res.Success {
		t.Fatalf("result = %+v, want success when kind missing from record", res)
	}
}

func TestVerificationRequiredExceptOnboarding(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		if err := env.store.UpsertContact(context.Background(), "u2", storage.Contact{
			Address:  "u2@example.com",
			Verified: false,
		}); err != nil {
			t.Fatalf("UpsertContact: %v", err)
		}
	})

	for _, kind := range []Kind{KindJobComplete, KindJobFailed, KindQuotaWarning, KindQuotaExceeded} {
		res := env.engine.Dispatch(context.Background(), Request{UserID: "u2", Kind: kind})
		if res.Success || res.Reason != ReasonUnverified {
			t.Errorf("kind %s: result = %+v, want unverified rejection", kind, res)
		}
	}
	for _, kind := range []Kind{KindWelcome, KindVerify} {
		res := env.engine.Dispatch(context.Background(), Request{UserID: "u2", Kind: kind})
		if !res.Success {
			t.Errorf("kind %s: result = %+v, want success for onboarding kind", kind, res)
		}
	}
}

func TestUnknownUserRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, nil)

	res := env.engine.DispatchWelcome(context.Background(), "ghost", "")
	if res.Success || res.Reason != ReasonNoContact {
		t.Fatalf("result = %+v, want no_contact rejection", res)
	}
}

func TestLookupFailureNeverSends(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		env.store = &failingStore{Store: env.store, failLookups: true}
	})

	res := env.engine.DispatchJobComplete(context.Background(), "u1", "job-1", JobStats{}, nil)
	if res.Success || res.Reason != ReasonLookupError {
		t.Fatalf("result = %+v, want lookup_error rejection", res)
	}
	if env.sender.callCount() != 0 {
		t.Fatal("transport must not be called on uncertain gate state")
	}
}

func TestInvalidRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, nil)

	for _, req := range []Request{
		{UserID: "", Kind: KindWelcome},
		{UserID: "u1", Kind: Kind("carrier_pigeon")},
	} {
		res := env.engine.Dispatch(context.Background(), req)
		if res.Success || res.Reason != ReasonInvalid {
			t.Errorf("Dispatch(%+v) = %+v, want invalid_request", req, res)
		}
	}
	if env.sender.callCount() != 0 {
		t.Fatal("transport must not be called for invalid requests")
	}
}

func TestRoutingBoundary(t *testing.T) {
	t.Parallel()
	const threshold = 1000
	env := newTestEnv(t, Config{AttachmentThresholdBytes: threshold}, nil)

	res := env.engine.DispatchJobComplete(context.Background(), "u1", "small",
		JobStats{}, make([]byte, threshold-1))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if env.sender.lastEnvelope().Attachment == nil {
		t.Fatal("threshold-1 bytes must route inline")
	}
	if len(env.blobs.keys) != 0 {
		t.Fatal("inline routing must not touch blob storage")
	}

	res = env.engine.DispatchJobComplete(context.Background(), "u1", "big",
		JobStats{}, make([]byte, threshold))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	sent := env.sender.lastEnvelope()
	if sent.Attachment != nil {
		t.Fatal("threshold bytes must route external, not inline")
	}
	if !strings.Contains(sent.Body, "https://blobs.test/u1/results/big.csv") {
		t.Fatalf("body missing download link:\n%s", sent.Body)
	}
	if len(env.blobs.keys) != 1 || env.blobs.keys[0] != "u1/results/big.csv" {
		t.Fatalf("blob keys = %v", env.blobs.keys)
	}
}

func TestBlobFailureDegradesButStillSends(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AttachmentThresholdBytes: 1000}, func(env *testEnv) {
		env.blobs.fail = true
	})

	res := env.engine.DispatchJobComplete(context.Background(), "u1", "job-1",
		JobStats{}, make([]byte, 3_000_000))
	if !res.Success {
		t.Fatalf("result = %+v, want success despite blob failure", res)
	}
	sent := env.sender.lastEnvelope()
	if sent.Attachment != nil {
		t.Fatal("degraded payload must not attach bytes")
	}
	if !strings.Contains(sent.Body, "could not generate a download link") {
		t.Fatalf("body missing degraded notice:\n%s", sent.Body)
	}
	entries := auditEntries(t, env.store, "u1")
	if len(entries) != 1 || entries[0].Status != storage.StatusSent {
		t.Fatalf("audit entries = %+v", entries)
	}
}

func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{BaseBackoff: 5 * time.Second}, func(env *testEnv) {
		env.sender.failFirst = 2
	})

	res := env.engine.DispatchJobFailed(context.Background(), "u1", "job-1", "boom")
	if !res.Success {
		t.Fatalf("result = %+v, want success on third attempt", res)
	}
	if env.sender.callCount() != 3 {
		t.Fatalf("transport calls = %d, want 3", env.sender.callCount())
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(env.sleeps) != len(want) {
		t.Fatalf("backoffs = %v, want %v", env.sleeps, want)
	}
	for i := range want {
		if env.sleeps[i] != want[i] {
			t.Fatalf("backoffs = %v, want %v", env.sleeps, want)
		}
	}
}

func TestRetryExhaustionAuditsFailure(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		env.sender.failFirst = 100
	})

	res := env.engine.DispatchJobFailed(context.Background(), "u1", "job-1", "boom")
	if res.Success || res.Reason != ReasonExhausted {
		t.Fatalf("result = %+v, want exhausted failure", res)
	}
	if env.sender.callCount() != 3 {
		t.Fatalf("transport calls = %d, want 3", env.sender.callCount())
	}
	entries := auditEntries(t, env.store, "u1")
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want exactly 1", len(entries))
	}
	e := entries[0]
	if e.Status != storage.StatusFailed || e.TransportID != "" {
		t.Fatalf("audit entry = %+v", e)
	}
	if !strings.Contains(e.Detail, "attempt 3") {
		t.Fatalf("detail = %q, want last error", e.Detail)
	}
}

func TestCancellationBetweenAttempts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		env.sender.failFirst = 100
	})
	env.engine.sleep = func(_ context.Context, _ time.Duration) error {
		return context.Canceled
	}

	res := env.engine.DispatchJobFailed(context.Background(), "u1", "job-1", "boom")
	if res.Success || res.Reason != ReasonCancelled {
		t.Fatalf("result = %+v, want cancelled failure", res)
	}
	if env.sender.callCount() != 1 {
		t.Fatalf("transport calls = %d, want 1 before cancellation", env.sender.callCount())
	}
	entries := auditEntries(t, env.store, "u1")
	if len(entries) != 1 || entries[0].Status != storage.StatusFailed {
		t.Fatalf("audit entries = %+v", entries)
	}
	if !strings.HasPrefix(entries[0].Detail, "cancelled:") {
		t.Fatalf("detail = %q", entries[0].Detail)
	}
}

func TestRateLimitRejectsEleventhCall(t *testing.T) {
	t.Parallel()
	env := &testEnv{
		store:  storage.NewMemory(),
		sender: &fakeSender{},
		blobs:  &fakeBlob{},
		bus:    eventbus.New(),
	}
	if err := env.store.UpsertContact(context.Background(), "u1", storage.Contact{
		Address:  "u1@example.com",
		Verified: true,
	}); err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}
	env.engine = New(Config{FromAddress: "x <x@y>"}, Deps{
		Store:    env.store,
		Limiter:  ratelimit.NewMemory(ratelimit.Config{MaxCalls: 10, Window: time.Minute}),
		Blobs:    env.blobs,
		Renderer: render.New(""),
		Sender:   env.sender,
		Bus:      env.bus,
	})

	for i := 0; i < 10; i++ {
		res := env.engine.DispatchQuotaWarning(context.Background(), "u1", 800, 1000)
		if !res.Success {
			t.Fatalf("call %d: result = %+v, want success", i+1, res)
		}
	}
	res := env.engine.DispatchQuotaWarning(context.Background(), "u1", 800, 1000)
	if res.Success || res.Reason != ReasonRateLimited {
		t.Fatalf("call 11: result = %+v, want rate_limited", res)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("retry_after = %v, want within (0, 60s]", res.RetryAfter)
	}
	// The rejection consumed no transport attempt and left no audit entry.
	if env.sender.callCount() != 10 {
		t.Fatalf("transport calls = %d, want 10", env.sender.callCount())
	}
	if n := len(auditEntries(t, env.store, "u1")); n != 10 {
		t.Fatalf("audit entries = %d, want 10", n)
	}
}

func TestAuditFailureDoesNotFailSend(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		env.store = &failingStore{Store: env.store, failAudit: true}
	})
	events, unsub := env.bus.Subscribe(16)
	defer unsub()

	res := env.engine.DispatchWelcome(context.Background(), "u1", "Sam")
	if !res.Success {
		t.Fatalf("result = %+v, want success despite audit failure", res)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeAuditErr {
				return
			}
		case <-deadline:
			t.Fatal("no audit.error event published")
		}
	}
}

func TestOutcomeEventsPublished(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, nil)
	events, unsub := env.bus.Subscribe(16)
	defer unsub()

	if res := env.engine.DispatchWelcome(context.Background(), "u1", ""); !res.Success {
		t.Fatalf("result = %+v", res)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeSent {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TypeSent)
		}
		out, ok := ev.Data.(Outcome)
		if !ok {
			t.Fatalf("event data type %T", ev.Data)
		}
		if out.UserID != "u1" || out.Status != storage.StatusSent || out.TransportID == "" {
			t.Fatalf("outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestBackoffDoesNotBlockOtherDispatches(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{}, func(env *testEnv) {
		if err := env.store.UpsertContact(context.Background(), "u2", storage.Contact{
			Address:  "u2@example.com",
			Verified: true,
		}); err != nil {
			t.Fatalf("UpsertContact: %v", err)
		}
	})

	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.engine.sleep = func(_ context.Context, _ time.Duration) error {
		once.Do(func() { close(blocked) })
		<-release
		return nil
	}
	env.sender.failFirst = 1 // first call fails, everything after succeeds

	done := make(chan Result, 1)
	go func() {
		done <- env.engine.DispatchJobFailed(context.Background(), "u1", "job-1", "boom")
	}()
	<-blocked

	// u1 is parked in backoff; u2 must still go straight through.
	if res := env.engine.DispatchWelcome(context.Background(), "u2", ""); !res.Success {
		t.Fatalf("u2 result = %+v, want success while u1 backs off", res)
	}
	close(release)
	if res := <-done; !res.Success {
		t.Fatalf("u1 result = %+v", res)
	}
}
