package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/drift"
	"github.com/sells-group/refguard/internal/model"
	"github.com/sells-group/refguard/internal/store"
)

// scanLimit caps how many rows one collection reads per source.
const scanLimit = 10000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Suggestion metrics (within lookback window).
	SuggestionsTotal    int     `json:"suggestions_total"`
	SuggestionsPassed   int     `json:"suggestions_passed"`
	SuggestionsFailed   int     `json:"suggestions_failed"`
	SuggestionsPending  int     `json:"suggestions_pending"`
	SuggestionsAccepted int     `json:"suggestions_accepted"`
	SuggestionsRejected int     `json:"suggestions_rejected"`
	FailRate            float64 `json:"fail_rate"`
	AvgCalibrated       float64 `json:"avg_calibrated"`

	// Security events (within lookback window).
	UnauthorizedAccess int `json:"unauthorized_access"`
	ImmutableViolation int `json:"immutable_violation"`

	// Audit chain and drift state at collection time.
	Chain audit.Verification `json:"chain"`
	Drift drift.Stats        `json:"drift"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SecurityEvents totals both security event kinds.
func (s *MetricsSnapshot) SecurityEvents() int {
	return s.UnauthorizedAccess + s.ImmutableViolation
}

// Source abstracts the store methods the collector reads.
type Source interface {
	ListSuggestions(ctx context.Context, filter store.SuggestionFilter) ([]model.Suggestion, error)
	ListAuditEvents(ctx context.Context, filter store.AuditFilter) ([]model.AuditEvent, error)
}

// ChainVerifier checks the audit hash chain.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, limit int) (audit.Verification, error)
}

// DriftReporter exposes drift monitor state.
type DriftReporter interface {
	Stats() drift.Stats
}

// Collector gathers metrics from the store, audit log and drift monitor.
type Collector struct {
	source Source
	chain  ChainVerifier
	drift  DriftReporter
	now    func() time.Time
}

// NewCollector creates a new metrics collector. chain and drift may be nil.
func NewCollector(src Source, chain ChainVerifier, dr DriftReporter) *Collector {
	return &Collector{source: src, chain: chain, drift: dr, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Chain:         audit.Verification{Valid: true, Message: "not checked"},
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Suggestions come back newest first.
	sugs, err := c.source.ListSuggestions(ctx, store.SuggestionFilter{Limit: scanLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list suggestions")
	}

	var totalCalibrated float64
	for _, s := range sugs {
		if s.CreatedAt.Before(cutoff) {
			break
		}
		snap.SuggestionsTotal++
		totalCalibrated += s.CalibratedConfidence
		if s.Validation.Passed {
			snap.SuggestionsPassed++
		} else {
			snap.SuggestionsFailed++
		}
		switch s.Status {
		case model.StatusPending:
			snap.SuggestionsPending++
		case model.StatusAccepted:
			snap.SuggestionsAccepted++
		case model.StatusRejected:
			snap.SuggestionsRejected++
		}
	}
	if snap.SuggestionsTotal > 0 {
		snap.FailRate = float64(snap.SuggestionsFailed) / float64(snap.SuggestionsTotal)
		snap.AvgCalibrated = totalCalibrated / float64(snap.SuggestionsTotal)
	}

	if snap.UnauthorizedAccess, err = c.countEvents(ctx, model.EventUnauthorizedAccess, cutoff); err != nil {
		return nil, err
	}
	if snap.ImmutableViolation, err = c.countEvents(ctx, model.EventImmutableFieldViolation, cutoff); err != nil {
		return nil, err
	}

	if c.chain != nil {
		v, err := c.chain.VerifyChain(ctx, 0)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: verify chain")
		}
		snap.Chain = v
	}

	if c.drift != nil {
		snap.Drift = c.drift.Stats()
	}

	return snap, nil
}

func (c *Collector) countEvents(ctx context.Context, kind model.AuditEventType, cutoff time.Time) (int, error) {
	evs, err := c.source.ListAuditEvents(ctx, store.AuditFilter{EventType: kind, Limit: scanLimit})
	if err != nil {
		return 0, eris.Wrapf(err, "monitoring: list %s events", kind)
	}
	n := 0
	for _, ev := range evs {
		if ev.Timestamp.Before(cutoff) {
			break
		}
		n++
	}
	return n, nil
}
