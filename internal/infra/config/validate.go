package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateRetry(cfg, ve)
	validateCircuitBreaker(cfg, ve)
	validateRateLimit(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.BaseURL == "" {
		ve.Add("gateway.base_url is required")
	} else if u, err := url.Parse(g.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("gateway.base_url %q must be an http(s) URL", g.BaseURL)
	}
	if g.Model == "" {
		ve.Add("gateway.model is required")
	}
	if g.ConnTimeout < 0 {
		ve.Add("gateway.conn_timeout must be >= 0")
	}
	if g.RespTimeout < 0 {
		ve.Add("gateway.resp_timeout must be >= 0")
	}
	if g.ReadTimeout < 0 {
		ve.Add("gateway.read_timeout must be >= 0")
	}
	if g.Pool.MaxIdleConns < 0 || g.Pool.MaxIdleConnsPerHost < 0 || g.Pool.MaxConnsPerHost < 0 {
		ve.Add("gateway.pool connection limits must be >= 0")
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxRetries < 0 {
		ve.Add("retry.max_retries must be >= 0")
	}
	if r.InitialDelay < 0 {
		ve.Add("retry.initial_delay must be >= 0")
	}
	if r.MaxDelay < 0 {
		ve.Add("retry.max_delay must be >= 0")
	}
	if r.MaxDelay < r.InitialDelay {
		ve.Add("retry.max_delay (%s) must be >= retry.initial_delay (%s)", r.MaxDelay, r.InitialDelay)
	}
	if r.BackoffMultiplier < 1 {
		ve.Add("retry.backoff_multiplier must be >= 1, got %g", r.BackoffMultiplier)
	}
}

func validateCircuitBreaker(cfg *Config, ve *ValidationError) {
	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return
	}
	if cb.MaxFailures == 0 {
		ve.Add("circuit_breaker.max_failures must be > 0")
	}
	if cb.Timeout <= 0 {
		ve.Add("circuit_breaker.timeout must be > 0")
	}
	if cb.Interval < 0 {
		ve.Add("circuit_breaker.interval must be >= 0")
	}
}

func validateRateLimit(cfg *Config, ve *ValidationError) {
	if cfg.RateLimit.RequestsPerSecond < 0 {
		ve.Add("rate_limit.requests_per_second must be >= 0")
	}
	if cfg.RateLimit.Burst < 0 {
		ve.Add("rate_limit.burst must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	case "file":
		if cfg.Tracer.Endpoint == "" {
			ve.Add("tracer.endpoint is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q must be stdout, file or noop", cfg.Tracer.Exporter)
	}
}
