// Package app wires configuration, storage, the dispatch engine and the
// optional integrations into one process with a clean start/stop lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"notifyd/internal/alert"
	"notifyd/internal/blob"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/events"
	"notifyd/internal/httpapi"
	"notifyd/internal/mail"
	"notifyd/internal/ratelimit"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	limiter ratelimit.Limiter
	rdb     *redis.Client
	blobs   blob.Store
	sender  mail.Sender
	engine  *dispatch.Engine

	registry *prometheus.Registry
	httpSrv  *httpapi.Server
	alerts   *alert.Sink
	bridge   *events.Bridge
	cron     *cron.Cron

	auditRetention time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New loads the config file and builds every component. Nothing runs yet;
// call Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		bus:      eventbus.New(),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := a.build(cfg); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	rlCfg, err := rateLimitConfig(cfg)
	if err != nil {
		return err
	}
	switch cfg.RateLimit.Driver {
	case "", "memory":
		a.limiter = ratelimit.NewMemory(rlCfg)
	case "redis":
		opt, err := redis.ParseURL(cfg.RateLimit.RedisURL)
		if err != nil {
			return fmt.Errorf("rate_limit.redis_url: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		a.limiter = ratelimit.NewRedis(a.rdb, rlCfg)
	default:
		return fmt.Errorf("unknown rate limit driver %q", cfg.RateLimit.Driver)
	}

	a.blobs, err = blob.Open(context.Background(), blob.Config{
		Driver:   cfg.Blob.Driver,
		Dir:      cfg.Blob.Dir,
		Region:   cfg.Blob.Region,
		Bucket:   cfg.Blob.Bucket,
		Endpoint: cfg.Blob.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	a.sender, err = mail.New(mail.Config{
		Provider: cfg.Mail.Provider,
		APIKey:   cfg.Mail.APIKey,
		BaseURL:  cfg.Mail.BaseURL,
		SMTPHost: cfg.Mail.SMTPHost,
		SMTPPort: cfg.Mail.SMTPPort,
		SMTPUser: cfg.Mail.SMTPUser,
		SMTPPass: cfg.Mail.SMTPPass,
	})
	if err != nil {
		return fmt.Errorf("mail provider: %w", err)
	}

	dispCfg, err := dispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = dispatch.New(dispCfg, dispatch.Deps{
		Store:    a.store,
		Limiter:  a.limiter,
		Blobs:    a.blobs,
		Renderer: renderFor(cfg),
		Sender:   a.sender,
		Bus:      a.bus,
		Log:      a.log.With(logx.String("comp", "dispatch")),
		Metrics:  dispatch.NewMetrics(a.registry),
	})

	if cfg.HTTP.Enabled {
		httpCfg, err := httpConfig(cfg)
		if err != nil {
			return err
		}
		a.httpSrv = httpapi.New(httpCfg, httpapi.Deps{
			Engine:   a.engine,
			Store:    a.store,
			Limiter:  a.limiter,
			Gatherer: a.registry,
			Log:      a.log.With(logx.String("comp", "http")),
		})
	}

	if ac := cfg.Alert; ac != nil && ac.Enabled {
		a.alerts, err = alert.New(alert.Config{
			Token:      ac.Token,
			ChatID:     ac.ChatID,
			RatePerSec: ac.RatePerSec,
		}, a.bus, a.log.With(logx.String("comp", "alert")))
		if err != nil {
			return fmt.Errorf("alert sink: %w", err)
		}
	}

	if ec := cfg.Events; ec != nil && ec.Enabled {
		a.bridge, err = events.New(events.Config{
			URL:           ec.URL,
			SubjectPrefix: ec.Subject,
		}, a.bus, a.log.With(logx.String("comp", "events")))
		if err != nil {
			return fmt.Errorf("events bridge: %w", err)
		}
	}

	return a.buildMaintenance(cfg)
}

func (a *App) buildMaintenance(cfg *config.Config) error {
	retention, err := config.ParseDurationOrDefault("maintenance.audit_retention", cfg.Maintenance.AuditRetention, 90*24*time.Hour)
	if err != nil {
		return err
	}
	a.auditRetention = retention

	sweepSpec := cfg.Maintenance.SweepSchedule
	if sweepSpec == "" {
		sweepSpec = "@every 1m"
	}
	pruneSpec := cfg.Maintenance.PruneSchedule
	if pruneSpec == "" {
		pruneSpec = "@daily"
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	log := a.log.With(logx.String("comp", "maintenance"))
	if _, err := c.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.limiter.Sweep(ctx); err != nil {
			log.Warn("rate limiter sweep failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("maintenance.sweep_schedule: %w", err)
	}

	if a.auditRetention > 0 {
		if _, err := c.AddFunc(pruneSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := a.store.PruneAudit(ctx, time.Now().Add(-a.auditRetention))
			if err != nil {
				log.Warn("audit prune failed", logx.Err(err))
				return
			}
			if n > 0 {
				log.Info("audit pruned", logx.Int64("removed", n))
			}
		}); err != nil {
			return fmt.Errorf("maintenance.prune_schedule: %w", err)
		}
	}

	a.cron = c
	return nil
}

// Engine exposes the dispatch engine for embedding callers.
func (a *App) Engine() *dispatch.Engine { return a.engine }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if a.alerts != nil {
		a.alerts.Start(runCtx)
	}
	if a.bridge != nil {
		a.bridge.Start(runCtx)
	}
	a.cron.Start()

	if a.httpSrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.httpSrv.Start(); err != nil {
				a.log.Error("http server stopped", logx.Err(err))
			}
		}()
	}

	// Watch the config file and apply hot-reloadable settings in place.
	sub := a.cfgm.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("notifyd started")
	return nil
}

// applyConfig handles the hot-reloadable subset: log level/sinks, pipeline
// tunables and in-memory rate limits. Driver changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if dispCfg, err := dispatchConfig(cfg); err != nil {
		a.log.Warn("config reload: bad dispatch section", logx.Err(err))
	} else {
		a.engine.Apply(dispCfg)
	}

	if rlCfg, err := rateLimitConfig(cfg); err != nil {
		a.log.Warn("config reload: bad rate_limit section", logx.Err(err))
	} else if lim, ok := a.limiter.(interface{ Apply(ratelimit.Config) }); ok {
		lim.Apply(rlCfg)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("notifyd stopping")

	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown failed", logx.Err(err))
		}
	}

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.alerts != nil {
		a.alerts.Stop()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
