package dispatch

import (
	"context"
	"sync"
	"time"

	"notifyd/internal/blob"
	"notifyd/internal/eventbus"
	"notifyd/internal/mail"
	"notifyd/internal/ratelimit"
	"notifyd/internal/render"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

// Config tunes the delivery pipeline. Zero values take the documented
// defaults.
type Config struct {
	FromAddress string

	MaxRetries               int           // default 3
	BaseBackoff              time.Duration // default 5s; attempt n waits base*n
	AttachmentThresholdBytes int           // default 2_000_000; strictly below rides inline
	SignedURLTTL             time.Duration // default 7 days
	SendTimeout              time.Duration // default 30s per transport call
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Second
	}
	if c.AttachmentThresholdBytes <= 0 {
		c.AttachmentThresholdBytes = 2_000_000
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = 7 * 24 * time.Hour
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators the engine orchestrates.
type Deps struct {
	Store    storage.Store
	Limiter  ratelimit.Limiter
	Blobs    blob.Store
	Renderer *render.Renderer
	Sender   mail.Sender
	Bus      eventbus.Bus
	Log      logx.Logger
	Metrics  *Metrics
}

// Engine runs one request through gate, limiter, router and transport, and
// records the terminal outcome. Safe for concurrent use; a request waiting
// out a backoff never blocks another request.
type Engine struct {
	mu  sync.RWMutex
	cfg Config

	store    storage.Store
	limiter  ratelimit.Limiter
	blobs    blob.Store
	renderer *render.Renderer
	sender   mail.Sender
	bus      eventbus.Bus
	log      logx.Logger
	metrics  *Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, d Deps) *Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		store:    d.Store,
		limiter:  d.Limiter,
		blobs:    d.Blobs,
		renderer: d.Renderer,
		sender:   d.Sender,
		bus:      d.Bus,
		log:      d.Log,
		metrics:  d.Metrics,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Apply swaps pipeline tunables at runtime (config reload).
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Dispatch runs one request to a terminal state and returns the structured
// outcome. It never returns an error: collaborator failures are folded into
// the result per the rejection taxonomy.
//
// Rejections (preferences, verification, rate limit, invalid input) consume
// no transport attempt and leave no audit entry; only attempted sends are
// audited.
func (e *Engine) Dispatch(ctx context.Context, req Request) Result {
	if req.UserID == "" || !req.Kind.Valid() {
		e.metrics.rejections.WithLabelValues(string(ReasonInvalid)).Inc()
		return Result{Reason: ReasonInvalid}
	}
	log := e.log.With(
		logx.String("user_id", req.UserID),
		logx.String("kind", string(req.Kind)),
	)

	dec := e.gate(ctx, req.UserID, req.Kind)
	if !dec.allowed {
		log.Debug("request rejected by gate", logx.String("reason", string(dec.reason)))
		return e.reject(req, dec.reason, 0)
	}

	adm, err := e.limiter.CheckAndRecord(ctx, req.UserID)
	if err != nil {
		log.Error("rate limiter check failed", logx.Err(err))
		return e.reject(req, ReasonLookupError, 0)
	}
	if !adm.Admitted {
		log.Debug("request rate limited", logx.Duration("retry_after", adm.RetryAfter))
		return e.reject(req, ReasonRateLimited, adm.RetryAfter)
	}

	rp := e.route(ctx, req.UserID, req.CorrelationID, req.Payload)
	e.countRoute(rp)

	msg, err := e.renderer.Render(string(req.Kind), req.Fields, rp.renderView())
	if err != nil {
		log.Error("render failed", logx.Err(err))
		return e.reject(req, ReasonInvalid, 0)
	}

	env := mail.Envelope{
		From:       e.config().FromAddress,
		To:         dec.contact.Address,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Attachment: rp.inline,
		Tags:       requestTags(req),
	}
	return e.deliver(ctx, req, env, log)
}

// deliver invokes the transport with backoff until success, exhaustion, or
// caller cancellation. All three are terminal and audited.
func (e *Engine) deliver(ctx context.Context, req Request, env mail.Envelope, log logx.Logger) Result {
	cfg := e.config()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		start := time.Now()
		id, err := e.sender.Send(sendCtx, env)
		cancel()
		e.metrics.sendSeconds.Observe(time.Since(start).Seconds())

		if err == nil {
			log.Info("notification sent",
				logx.String("transport_id", id),
				logx.Int("attempt", attempt))
			e.metrics.outcomes.WithLabelValues(string(req.Kind), storage.StatusSent).Inc()
			e.metrics.attempts.Observe(float64(attempt))
			e.audit(req, env.To, id, storage.StatusSent, "")
			e.publish(eventbus.TypeSent, Outcome{
				UserID: req.UserID, Kind: string(req.Kind), CorrelationID: req.CorrelationID,
				Status: storage.StatusSent, TransportID: id, Attempts: attempt,
			})
			return Result{Success: true, TransportID: id}
		}

		lastErr = err
		log.Warn("send attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max_retries", cfg.MaxRetries),
			logx.Err(err))

		if attempt == cfg.MaxRetries {
			break
		}
		if err := e.sleep(ctx, cfg.BaseBackoff*time.Duration(attempt)); err != nil {
			log.Warn("dispatch cancelled between attempts", logx.Err(err))
			return e.fail(req, env.To, attempt, ReasonCancelled, "cancelled: "+lastErr.Error())
		}
	}

	log.Error("notification exhausted all attempts", logx.Err(lastErr))
	return e.fail(req, env.To, cfg.MaxRetries, ReasonExhausted, lastErr.Error())
}

func (e *Engine) fail(req Request, recipient string, attempts int, reason Reason, detail string) Result {
	e.metrics.outcomes.WithLabelValues(string(req.Kind), storage.StatusFailed).Inc()
	e.metrics.attempts.Observe(float64(attempts))
	e.audit(req, recipient, "", storage.StatusFailed, detail)
	e.publish(eventbus.TypeFailed, Outcome{
		UserID: req.UserID, Kind: string(req.Kind), CorrelationID: req.CorrelationID,
		Status: storage.StatusFailed, Reason: string(reason), Detail: detail, Attempts: attempts,
	})
	return Result{Reason: reason}
}

func (e *Engine) reject(req Request, reason Reason, retryAfter time.Duration) Result {
	e.metrics.rejections.WithLabelValues(string(reason)).Inc()
	e.publish(eventbus.TypeRejected, Outcome{
		UserID: req.UserID, Kind: string(req.Kind), CorrelationID: req.CorrelationID,
		Status: "rejected", Reason: string(reason),
	})
	return Result{Reason: reason, RetryAfter: retryAfter}
}

// audit records the terminal outcome of an attempted send. Best effort: a
// failing audit store must not turn a delivered notification into a failure,
// so errors are logged and signalled but not propagated.
func (e *Engine) audit(req Request, recipient, transportID, status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := storage.AuditEntry{
		At:            e.now(),
		UserID:        req.UserID,
		Kind:          string(req.Kind),
		CorrelationID: req.CorrelationID,
		Recipient:     recipient,
		TransportID:   transportID,
		Status:        status,
		Detail:        detail,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.Error("audit write failed",
			logx.String("user_id", req.UserID),
			logx.String("status", status),
			logx.Err(err))
		e.metrics.auditErrors.Inc()
		e.publish(eventbus.TypeAuditErr, Outcome{
			UserID: req.UserID, Kind: string(req.Kind), CorrelationID: req.CorrelationID,
			Status: status, Detail: err.Error(),
		})
	}
}

func (e *Engine) degraded(userID, correlationID, detail string) {
	e.publish(eventbus.TypeDegraded, Outcome{
		UserID: userID, CorrelationID: correlationID, Status: "degraded", Detail: detail,
	})
}

func (e *Engine) publish(typ string, o Outcome) {
	e.bus.Publish(eventbus.Event{Type: typ, Data: o})
}

func (e *Engine) countRoute(rp routed) {
	switch {
	case rp.inline != nil:
		e.metrics.routes.WithLabelValues("inline").Inc()
	case rp.externalURL != "":
		e.metrics.routes.WithLabelValues("external").Inc()
	case rp.unavailable:
		e.metrics.routes.WithLabelValues("unavailable").Inc()
	default:
		e.metrics.routes.WithLabelValues("none").Inc()
	}
}

func requestTags(req Request) []mail.Tag {
	tags := []mail.Tag{
		{Name: "category", Value: string(req.Kind)},
		{Name: "user_id", Value: req.UserID},
	}
	if req.CorrelationID != "" {
		tags = append(tags, mail.Tag{Name: "correlation_id", Value: req.CorrelationID})
	}
	return tags
}

// sleepCtx waits without holding any engine state, so one user's backoff
// never stalls another's pipeline.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
