// Package shadow replays the suggestion path over stored references to
// measure it. Suggestions are stored for analysis and never applied.
package shadow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/orchestrator"
	"github.com/sells-group/refguard/internal/tier0"
)

// Suggester is the orchestrator's request path.
type Suggester interface {
	Suggest(ctx context.Context, req orchestrator.Request) (*orchestrator.Descriptor, error)
}

// References lists and loads references.
type References interface {
	GetReference(ctx context.Context, id string) (*model.Reference, error)
	ListReferenceIDs(ctx context.Context, limit, offset int) ([]string, error)
}

// Detector finds the violations a suggestion should address.
type Detector func(ref *model.Reference) []model.Violation

// DetectViolations uses the tier-0 analysis.
func DetectViolations(ref *model.Reference) []model.Violation {
	return tier0.Analyze(ref).Violations
}

// Config tunes a run.
type Config struct {
	Concurrency int        `mapstructure:"concurrency"`
	Limit       int        `mapstructure:"limit"`
	Tier        model.Tier `mapstructure:"tier"`
	Identity    string     `mapstructure:"identity"`
}

// Outcome is one reference's result.
type Outcome struct {
	ReferenceID  string  `json:"reference_id"`
	SuggestionID string  `json:"suggestion_id,omitempty"`
	Passed       bool    `json:"passed"`
	Confidence   float64 `json:"confidence,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Summary tallies a run.
type Summary struct {
	Total         int           `json:"total"`
	Passed        int           `json:"passed"`
	Failed        int           `json:"failed"`
	Errored       int           `json:"errored"`
	Skipped       int           `json:"skipped"`
	Disabled      int           `json:"disabled"`
	PassRate      float64       `json:"pass_rate"`
	AvgCalibrated float64       `json:"avg_calibrated_confidence"`
	Duration      time.Duration `json:"duration"`
	Outcomes      []Outcome     `json:"outcomes"`
}

// Runner runs shadow batches.
type Runner struct {
	suggest Suggester
	refs    References
	detect  Detector
	cfg     Config
}

// New creates a Runner. A nil detect uses DetectViolations.
func New(s Suggester, refs References, detect Detector, cfg Config) *Runner {
	if detect == nil {
		detect = DetectViolations
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Tier == "" {
		cfg.Tier = model.Tier1
	}
	if cfg.Identity == "" {
		cfg.Identity = "shadow"
	}
	return &Runner{suggest: s, refs: refs, detect: detect, cfg: cfg}
}

// Run processes ids, or the first Limit stored references when ids is empty.
// A reference with no violations is skipped. Per-reference failures are
// tallied, not returned; the error is for listing failures and cancellation.
func (r *Runner) Run(ctx context.Context, ids []string) (*Summary, error) {
	start := time.Now()
	if len(ids) == 0 {
		var err error
		ids, err = r.refs.ListReferenceIDs(ctx, r.cfg.Limit, 0)
		if err != nil {
			return nil, eris.Wrap(err, "shadow: list references")
		}
	}

	zap.L().Info("shadow: starting run",
		zap.Int("references", len(ids)),
		zap.Int("concurrency", r.cfg.Concurrency),
		zap.String("tier", string(r.cfg.Tier)),
	)

	outcomes := make([]Outcome, len(ids))
	var mu sync.Mutex
	sum := &Summary{Total: len(ids)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			out, kind := r.one(gctx, id)
			outcomes[i] = out

			mu.Lock()
			defer mu.Unlock()
			switch kind {
			case kindPassed:
				sum.Passed++
				sum.AvgCalibrated += out.Confidence
			case kindFailed:
				sum.Failed++
				sum.AvgCalibrated += out.Confidence
			case kindSkipped:
				sum.Skipped++
			case kindDisabled:
				sum.Disabled++
			default:
				sum.Errored++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "shadow: run")
	}

	if n := sum.Passed + sum.Failed; n > 0 {
		sum.PassRate = float64(sum.Passed) / float64(n)
		sum.AvgCalibrated /= float64(n)
	}
	sum.Outcomes = outcomes
	sum.Duration = time.Since(start)

	zap.L().Info("shadow: run complete",
		zap.Int("passed", sum.Passed),
		zap.Int("failed", sum.Failed),
		zap.Int("errored", sum.Errored),
		zap.Int("skipped", sum.Skipped),
		zap.Float64("pass_rate", sum.PassRate),
		zap.Duration("duration", sum.Duration),
	)
	return sum, nil
}

type kind int

const (
	kindErrored kind = iota
	kindPassed
	kindFailed
	kindSkipped
	kindDisabled
)

func (r *Runner) one(ctx context.Context, id string) (Outcome, kind) {
	out := Outcome{ReferenceID: id}
	ref, err := r.refs.GetReference(ctx, id)
	if err != nil {
		out.Error = err.Error()
		return out, kindErrored
	}
	violations := r.detect(ref)
	if len(violations) == 0 {
		return out, kindSkipped
	}

	desc, err := r.suggest.Suggest(ctx, orchestrator.Request{
		ReferenceID: id,
		Identity:    r.cfg.Identity,
		Tier:        r.cfg.Tier,
		Violations:  violations,
	})
	if err != nil {
		out.Error = err.Error()
		if errors.Is(err, orchestrator.ErrFeatureDisabled) {
			return out, kindDisabled
		}
		zap.L().Warn("shadow: suggestion failed", zap.String("reference_id", id), zap.Error(err))
		return out, kindErrored
	}

	out.SuggestionID = desc.SuggestionID
	out.Passed = desc.Passed
	out.Confidence = desc.CalibratedConfidence
	if desc.Passed {
		return out, kindPassed
	}
	return out, kindFailed
}
