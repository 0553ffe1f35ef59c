package server

import (
	"log/slog"
	"time"

	"github.com/relves/groupchain/internal/metrics"
	"github.com/relves/groupchain/internal/ratelimit"
	"github.com/relves/groupchain/pkg/secure"
)

// Config holds server configuration.
type Config struct {
	Secure      secure.Config
	ConnLimiter *ratelimit.ConnLimiter // per-IP open connection cap
	ConnRate    *ratelimit.Limiter     // per-IP connection attempts
	Validator   RequestValidator
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	IdleTimeout time.Duration // session closed after this long without a request
}

// Option configures the server.
type Option func(*Config)

// WithSecureConfig sets the session parameters.
func WithSecureConfig(c secure.Config) Option {
	return func(cfg *Config) {
		cfg.Secure = c
	}
}

// WithConnLimiter caps concurrent connections per remote IP.
func WithConnLimiter(l *ratelimit.ConnLimiter) Option {
	return func(cfg *Config) {
		cfg.ConnLimiter = l
	}
}

// WithConnRate limits how often one remote IP may connect.
func WithConnRate(l *ratelimit.Limiter) Option {
	return func(cfg *Config) {
		cfg.ConnRate = l
	}
}

// WithValidator sets a request validator run before every call.
// If nil (default), no validation is performed.
func WithValidator(v RequestValidator) Option {
	return func(cfg *Config) {
		cfg.Validator = v
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithIdleTimeout closes sessions that stay silent for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.IdleTimeout = d
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{
		Secure:      secure.DefaultConfig(),
		ConnLimiter: ratelimit.NewConnLimiter(ratelimit.DefaultConnsPerIP, ratelimit.DefaultMaxKeys),
		Logger:      slog.Default(),
		IdleTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
