package app

import (
	"time"

	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/httpapi"
	"notifyd/internal/ratelimit"
	"notifyd/internal/render"
)

// Mapping from the file-level config (duration strings, flat sections) to
// each component's typed config.

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	backoff, err := config.ParseDurationOrDefault("dispatch.base_backoff", cfg.Dispatch.BaseBackoff, 5*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("dispatch.signed_url_ttl", cfg.Dispatch.SignedURLTTL, 7*24*time.Hour)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		FromAddress:              cfg.Service.FromAddress,
		MaxRetries:               cfg.Dispatch.MaxRetries,
		BaseBackoff:              backoff,
		AttachmentThresholdBytes: cfg.Dispatch.AttachmentThresholdBytes,
		SignedURLTTL:             ttl,
		SendTimeout:              sendTimeout,
	}, nil
}

func rateLimitConfig(cfg *config.Config) (ratelimit.Config, error) {
	window, err := config.ParseDurationOrDefault("rate_limit.window", cfg.RateLimit.Window, 60*time.Second)
	if err != nil {
		return ratelimit.Config{}, err
	}
	return ratelimit.Config{
		MaxCalls: cfg.RateLimit.MaxCalls,
		Window:   window,
	}, nil
}

func httpConfig(cfg *config.Config) (httpapi.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		Token:        cfg.HTTP.Token,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, nil
}

func renderFor(cfg *config.Config) *render.Renderer {
	return render.New(cfg.Service.AppURL)
}
