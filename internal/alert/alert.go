// Package alert forwards dispatch failures to an ops Telegram chat.
//
// The sink is strictly best-effort: it subscribes to the event bus, paces
// itself with a token bucket, and drops messages rather than ever pushing
// back on a dispatch.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int // default 1
}

// sender is the slice of *tele.Bot the sink needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sink struct {
	cfg     Config
	bot     sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert chat id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, bot, bus, log), nil
}

func newWithSender(cfg Config, bot sender, bus eventbus.Bus, log logx.Logger) *Sink {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		cfg:     cfg,
		bot:     bot,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ev)
			}
		}
	}()
}

func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, unsub := s.cancel, s.unsub
	s.cancel, s.unsub = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Sink) handle(ev eventbus.Event) {
	text := formatEvent(ev)
	if text == "" {
		return
	}
	// Drop when over budget instead of queueing; an alert storm must not
	// grow unbounded state.
	if !s.limiter.Allow() {
		s.log.Debug("alert dropped by rate limit", logx.String("type", ev.Type))
		return
	}
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert delivery failed", logx.String("type", ev.Type), logx.Err(err))
	}
}

// formatEvent renders the alert text; only failure-shaped events alert.
func formatEvent(ev eventbus.Event) string {
	var icon, title string
	switch ev.Type {
	case eventbus.TypeFailed:
		icon, title = "🚨", "dispatch failed"
	case eventbus.TypeAuditErr:
		icon, title = "⚠️", "audit write failed"
	case eventbus.TypeDegraded:
		icon, title = "⚠️", "payload routing degraded"
	default:
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", icon, title)
	if !ev.Time.IsZero() {
		fmt.Fprintf(&b, " at %s", ev.Time.UTC().Format(time.RFC3339))
	}
	if raw, err := json.Marshal(ev.Data); err == nil && string(raw) != "null" {
		b.WriteString("\n")
		b.Write(raw)
	}
	return b.String()
}
