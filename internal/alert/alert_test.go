package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

type fakeBot struct {
	mu    sync.Mutex
	sent  []string
	chats []tele.Recipient
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	f.chats = append(f.chats, to)
	return &tele.Message{}, nil
}

func (f *fakeBot) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFailureEventsAlert(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	bot := &fakeBot{}
	s := newWithSender(Config{ChatID: 42, RatePerSec: 100}, bot, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeFailed, Data: map[string]string{"user_id": "u1"}})
	waitFor(t, func() bool { return len(bot.messages()) == 1 })

	msgs := bot.messages()
	if want := "🚨 dispatch failed"; len(msgs[0]) == 0 || msgs[0][:len(want)] != want {
		t.Fatalf("message = %q", msgs[0])
	}
}

func TestSentEventsDoNotAlert(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	bot := &fakeBot{}
	s := newWithSender(Config{ChatID: 42, RatePerSec: 100}, bot, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeSent})
	bus.Publish(eventbus.Event{Type: eventbus.TypeRejected})
	bus.Publish(eventbus.Event{Type: eventbus.TypeAuditErr})
	waitFor(t, func() bool { return len(bot.messages()) == 1 })

	if msgs := bot.messages(); len(msgs) != 1 {
		t.Fatalf("messages = %v, want only the audit error", msgs)
	}
}

func TestAlertStormIsDropped(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	bot := &fakeBot{}
	// 1/s budget with burst 1: a burst of events yields at most one message
	// immediately; the rest are dropped, never queued.
	s := newWithSender(Config{ChatID: 42, RatePerSec: 1}, bot, bus, logx.Nop())
	s.Start(context.Background())

	for i := 0; i < 20; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypeFailed})
	}
	waitFor(t, func() bool { return len(bot.messages()) >= 1 })
	s.Stop()

	if n := len(bot.messages()); n > 2 {
		t.Fatalf("messages = %d, want storm dropped to <= 2", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newWithSender(Config{ChatID: 1}, &fakeBot{}, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	s.Start(context.Background())
	s.Stop()
}
