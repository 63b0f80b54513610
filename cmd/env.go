package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/calibration"
	"github.com/sells-group/refguard/internal/drift"
	"github.com/sells-group/refguard/internal/generator"
	"github.com/sells-group/refguard/internal/guard"
	"github.com/sells-group/refguard/internal/metadata"
	"github.com/sells-group/refguard/internal/metrics"
	"github.com/sells-group/refguard/internal/orchestrator"
	"github.com/sells-group/refguard/internal/resilience"
	"github.com/sells-group/refguard/internal/rollout"
	"github.com/sells-group/refguard/internal/store"
	"github.com/sells-group/refguard/internal/validation"
	anthropicpkg "github.com/sells-group/refguard/pkg/anthropic"
)

// appEnv holds every service the suggest/shadow/serve commands share. Each
// command builds its own; nothing here is global.
type appEnv struct {
	Store        store.Store
	Metrics      *metrics.Metrics
	Audit        *audit.Log
	Rollout      *rollout.Controller
	Calibration  *calibration.Service
	Drift        *drift.Monitor
	Guard        *guard.Guard
	Generator    *generator.Anthropic
	Orchestrator *orchestrator.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initBase opens the store and builds the services that do not call the
// model: audit, rollout, calibration, guard and drift.
func initBase(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	log := audit.NewLog(st)
	env := &appEnv{
		Store:       st,
		Metrics:     m,
		Audit:       log,
		Rollout:     rollout.New(st, log, rollout.WithCacheTTL(seconds(cfg.Rollout.CacheTTLSecs))),
		Calibration: calibration.NewService(st, seconds(cfg.Calibration.CacheTTLSecs)),
		Drift:       drift.New(cfg.Drift),
		Guard:       guard.New(st, log, cfg.Guard.AuthorizedCallers, m),
	}
	return env, nil
}

// initPipeline builds the full suggestion path on top of initBase. Callers
// should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env, err := initBase(ctx)
	if err != nil {
		return nil, err
	}

	var clientOpts []anthropicpkg.ClientOption
	if cfg.Anthropic.BaseURL != "" {
		clientOpts = append(clientOpts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, clientOpts...)

	g := cfg.Generator
	initial, ceiling := g.Backoff()
	policy := resilience.NewPolicy(resilience.Settings{
		MaxAttempts:         g.MaxAttempts,
		InitialBackoff:      initial,
		MaxBackoff:          ceiling,
		AttemptTimeout:      seconds(g.AttemptTimeoutSecs),
		CircuitThreshold:    g.CircuitThreshold,
		CircuitReset:        seconds(g.CircuitResetSecs),
		CircuitTrialSuccess: g.CircuitTrialSuccess,
	})

	env.Generator = generator.NewAnthropic(client, generator.Config{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		Temperature:       cfg.Anthropic.Temperature,
		CacheTTL:          cfg.Anthropic.CacheTTL,
		RequestsPerSecond: g.RequestsPerSecond,
		Burst:             g.Burst,
		Retry:             policy.Retry,
		Circuit:           policy.Circuit,
	}, env.Metrics)

	deps := orchestrator.Deps{
		Store:       env.Store,
		Generator:   env.Generator,
		Calibration: env.Calibration,
		Validator:   validation.New(),
		Rollout:     env.Rollout,
		Drift:       env.Drift,
		Audit:       env.Audit,
		Guard:       env.Guard,
		Metrics:     env.Metrics,
	}
	if src := metadataSources(); len(src) > 0 {
		deps.Metadata = src
	}
	env.Orchestrator = orchestrator.New(deps, cfg.Orchestrator)
	return env, nil
}

func metadataSources() metadata.Chain {
	mc := cfg.Metadata
	if !mc.Enabled {
		return nil
	}
	opts := func(baseURL string) []metadata.Option {
		o := []metadata.Option{metadata.WithHTTPClient(&http.Client{Timeout: seconds(mc.TimeoutSecs)})}
		if mc.UserAgent != "" {
			o = append(o, metadata.WithUserAgent(mc.UserAgent))
		}
		if baseURL != "" {
			o = append(o, metadata.WithBaseURL(baseURL))
		}
		return o
	}
	return metadata.Chain{
		metadata.NewCrossRef(opts(mc.CrossRefURL)...),
		metadata.NewGoogleBooks(mc.GoogleBooksKey, opts(mc.GoogleBooksURL)...),
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
