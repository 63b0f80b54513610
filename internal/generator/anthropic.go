package generator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/refguard/internal/metrics"
	"github.com/sells-group/refguard/internal/resilience"
	"github.com/sells-group/refguard/pkg/anthropic"
)

// Config tunes the Anthropic generator.
type Config struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// RequestsPerSecond limits outbound calls. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	CacheTTL          string
	Retry             resilience.RetryConfig
	Circuit           resilience.CircuitBreakerConfig
}

// Anthropic generates proposals with Claude.
type Anthropic struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAnthropic creates the generator.
func NewAnthropic(client anthropic.Client, cfg Config, m *metrics.Metrics) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cfg.Retry.ShouldRetry = resilience.IsTransient
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic", "generate")
	}
	cfg.Circuit.ShouldTrip = resilience.IsTransient

	return &Anthropic{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: resilience.NewCircuitBreaker(cfg.Circuit),
		metrics: m,
		now:     time.Now,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (a *Anthropic) Breaker() *resilience.CircuitBreaker { return a.breaker }

// Generate calls the model with bounded retries and parses its reply.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Reference == nil {
		return nil, eris.New("generator: request has no reference")
	}

	msg := anthropic.MessageRequest{
		Model:       a.cfg.Model,
		MaxTokens:   a.cfg.MaxTokens,
		System:      anthropic.CachedSystem(systemPrompt, a.cfg.CacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: buildPrompt(req)}},
		Temperature: &a.cfg.Temperature,
	}

	start := a.now()
	attempts := 0
	out, err := resilience.DoVal(ctx, a.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		attempts++
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			r, err := a.client.CreateMessage(ctx, msg)
			if err != nil {
				return nil, classify(err)
			}
			return r, nil
		})
	})
	elapsed := a.now().Sub(start)
	a.metrics.ObserveGeneration(elapsed.Seconds())

	if err != nil {
		a.metrics.GenerationFailed(failureKind(err))
		zap.L().Warn("generator: call failed",
			zap.String("reference_id", req.Reference.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, &GenerationError{Attempts: attempts, Err: err}
	}

	resp, err := parseOutput(out.Text())
	if err != nil {
		a.metrics.GenerationFailed("adapter")
		zap.L().Warn("generator: unusable model output",
			zap.String("reference_id", req.Reference.ID),
			zap.String("model", out.Model),
			zap.Error(err),
		)
		return nil, err
	}
	out.Usage.LogCost(out.Model, "generate")

	resp.Model.ModelVersion = out.Model
	if resp.Model.ModelVersion == "" {
		resp.Model.ModelVersion = a.cfg.Model
	}
	resp.Model.InputTokens = out.Usage.InputTokens
	resp.Model.OutputTokens = out.Usage.OutputTokens
	resp.Model.LatencyMs = elapsed.Milliseconds()
	return resp, nil
}

// classify marks retryable provider statuses as transient.
func classify(err error) error {
	if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(err, code)
	}
	return err
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case resilience.IsTransient(err):
		return "exhausted"
	}
	return "provider"
}
