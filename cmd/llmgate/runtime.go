package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"llmgate/internal/infra/config"
	"llmgate/internal/infra/logger"
	"llmgate/internal/infra/tracer"
	"llmgate/pkg/gateway"
)

// commonFlags are accepted by every command that talks to the gateway.
type commonFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (default: ~/.llmgate/config.yaml)")
	fs.StringVar(&f.envFile, "env-file", "", "load environment variables from this file (default: ./.env if present)")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
}

// runtime is the configured environment of one command invocation.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	close  func()
}

// loadRuntime reads the env file and config, then sets up logging and
// tracing. The caller must invoke close when done.
func loadRuntime(ctx context.Context, flags commonFlags) (*runtime, error) {
	envFile, required := flags.envFile, true
	if envFile == "" {
		envFile, required = ".env", false
	}
	if err := config.LoadDotEnv(envFile, required); err != nil {
		return nil, err
	}

	path := flags.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.verbose {
		cfg.Logger.Level = "debug"
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		logger: log,
		close: func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn("tracer shutdown failed", "error", err)
			}
			closeLog()
		},
	}, nil
}

var errNoAPIKey = errors.New("no API key configured: set gateway.api_key, LLMGATE_API_KEY or OPENROUTER_API_KEY")

// newClient builds a gateway client from the loaded configuration.
func newClient(cfg *config.Config, log *slog.Logger) *gateway.Client {
	g := cfg.Gateway
	httpClient := gateway.NewHTTPClient(g.ConnTimeout, g.RespTimeout, gateway.PoolConfig{
		MaxIdleConns:        g.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: g.Pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:     g.Pool.MaxConnsPerHost,
		IdleConnTimeout:     g.Pool.IdleConnTimeout,
	})

	opts := []gateway.Option{
		gateway.WithBaseURL(g.BaseURL),
		gateway.WithDefaultModel(g.Model),
		gateway.WithHTTPClient(httpClient),
		gateway.WithLogger(log),
		gateway.WithReadTimeout(g.ReadTimeout),
		gateway.WithAppInfo(g.Referer, g.Title),
		gateway.WithRetryConfig(retryConfig(cfg.Retry)),
		gateway.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}
	if cb := cfg.CircuitBreaker; cb.Enabled {
		opts = append(opts, gateway.WithCircuitBreaker(gateway.CircuitBreakerConfig{
			MaxFailures: cb.MaxFailures,
			Timeout:     cb.Timeout,
			Interval:    cb.Interval,
		}))
	}
	return gateway.New(g.APIKey, opts...)
}

func retryConfig(r config.RetryConfig) gateway.RetryConfig {
	return gateway.RetryConfig{
		MaxRetries:        r.MaxRetries,
		InitialDelay:      r.InitialDelay,
		MaxDelay:          r.MaxDelay,
		BackoffMultiplier: r.BackoffMultiplier,
		UseJitter:         r.UseJitter,
	}
}

// parseFlags parses args into fs. It returns done=true when help was
// requested and printed.
func parseFlags(fs *pflag.FlagSet, args []string, usage func()) (done bool, err error) {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, &usageError{msg: err.Error()}
	}
	return false, nil
}
