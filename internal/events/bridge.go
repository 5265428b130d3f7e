// Package events mirrors dispatch outcomes onto NATS so other services can
// react (billing, dashboards) without polling the audit log.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	natspkg "github.com/nats-io/nats.go"

	"notifyd/internal/eventbus"
	"notifyd/pkg/logx"
)

type Config struct {
	URL           string
	SubjectPrefix string // default "notifyd.dispatch"
}

// publisher is the slice of *nats.Conn the bridge needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge re-publishes bus events as JSON NATS messages on
// "<prefix>.<suffix>", where the suffix is the part of the bus event type
// after the first dot ("dispatch.sent" becomes "<prefix>.sent").
type Bridge struct {
	cfg  Config
	conn publisher
	nc   *natspkg.Conn // owned connection, nil when injected
	bus  eventbus.Bus
	log  logx.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events url is empty")
	}
	nc, err := natspkg.Connect(cfg.URL,
		natspkg.RetryOnFailedConnect(true),
		natspkg.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	b := newWithConn(cfg, nc, bus, log)
	b.nc = nc
	return b, nil
}

func newWithConn(cfg Config, conn publisher, bus eventbus.Bus, log logx.Logger) *Bridge {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "notifyd.dispatch"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{cfg: cfg, conn: conn, bus: bus, log: log}
}

func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	ch, unsub := b.bus.Subscribe(256)
	b.unsub = unsub
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b.forward(ev)
			}
		}
	}()
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel, unsub := b.cancel, b.unsub
	b.cancel, b.unsub = nil, nil
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	if b.nc != nil {
		b.nc.Close()
	}
}

func (b *Bridge) forward(ev eventbus.Event) {
	subject := b.subjectFor(ev.Type)
	if subject == "" {
		return
	}
	payload := struct {
		Type string `json:"type"`
		Time string `json:"time"`
		Data any    `json:"data,omitempty"`
	}{Type: ev.Type, Time: ev.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"), Data: ev.Data}

	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.Warn("event marshal failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	if err := b.conn.Publish(subject, raw); err != nil {
		b.log.Warn("event publish failed", logx.String("subject", subject), logx.Err(err))
	}
}

func (b *Bridge) subjectFor(typ string) string {
	// Only dispatch outcomes leave the process; audit plumbing stays local.
	switch typ {
	case eventbus.TypeSent, eventbus.TypeFailed, eventbus.TypeRejected, eventbus.TypeDegraded:
	default:
		return ""
	}
	if i := strings.Index(typ, "."); i >= 0 {
		return b.cfg.SubjectPrefix + typ[i:]
	}
	return b.cfg.SubjectPrefix + "." + typ
}
