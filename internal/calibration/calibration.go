// Package calibration maps raw model confidence to empirically adjusted
// confidence using per-model-version profiles.
package calibration

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/model"
)

// FallbackFactor scales raw confidence when no profile exists and the caller
// asked to fail closed.
const FallbackFactor = 0.8

var (
	// ErrInvalidConfidence is returned for raw scores outside [0,1].
	ErrInvalidConfidence = eris.New("calibration: raw confidence must be in [0,1]")
	// ErrInvalidProfile is returned for profiles that cannot be evaluated.
	ErrInvalidProfile = eris.New("calibration: invalid profile")
)

// ProfileStore persists calibration profiles.
type ProfileStore interface {
	GetCalibrationProfile(ctx context.Context, modelVersion string) (*model.CalibrationProfile, error)
	SaveCalibrationProfile(ctx context.Context, p *model.CalibrationProfile) error
	ListCalibrationProfiles(ctx context.Context) ([]model.CalibrationProfile, error)
}

// Result is one calibrated score and how it was produced.
type Result struct {
	Raw          float64   `json:"raw"`
	Value        float64   `json:"calibrated"`
	Method       string    `json:"method"`
	ModelVersion string    `json:"model_version"`
	ProfileAt    time.Time `json:"profile_created_at,omitempty"`
}

// Delta returns calibrated minus raw.
func (r Result) Delta() float64 { return r.Value - r.Raw }

type cacheEntry struct {
	profile  *model.CalibrationProfile
	loadedAt time.Time
}

// Service calibrates scores against stored profiles through a read-through
// cache.
type Service struct {
	store ProfileStore
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewService creates a Service. A non-positive ttl defaults to five minutes.
func NewService(store ProfileStore, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Calibrate maps raw to a calibrated score in [0,1]. Without a profile the
// score is scaled by FallbackFactor when failClosed, and returned unchanged
// otherwise. The unchanged path is for non-production use only.
func (s *Service) Calibrate(ctx context.Context, raw float64, modelVersion string, failClosed bool) (Result, error) {
	if math.IsNaN(raw) || raw < 0 || raw > 1 {
		return Result{}, eris.Wrapf(ErrInvalidConfidence, "calibration: got %v", raw)
	}
	p, err := s.profile(ctx, modelVersion)
	if err != nil {
		return Result{}, err
	}

	res := Result{Raw: raw, ModelVersion: modelVersion}
	if p == nil {
		if failClosed {
			res.Value = clamp(raw * FallbackFactor)
			res.Method = model.CalibrationFallback
		} else {
			res.Value = raw
			res.Method = model.CalibrationRaw
		}
		return res, nil
	}

	v, err := Apply(p, raw)
	if err != nil {
		return Result{}, err
	}
	res.Value = v
	res.Method = p.Method
	res.ProfileAt = p.CreatedAt
	return res, nil
}

// CalibrateScores calibrates every score in scores. It fails on the first
// score that cannot be calibrated.
func (s *Service) CalibrateScores(ctx context.Context, scores map[string]float64, modelVersion string, failClosed bool) (map[string]Result, error) {
	out := make(map[string]Result, len(scores))
	for field, raw := range scores {
		r, err := s.Calibrate(ctx, raw, modelVersion, failClosed)
		if err != nil {
			return nil, eris.Wrapf(err, "calibration: field %s", field)
		}
		out[field] = r
	}
	return out, nil
}

// Save validates and persists a profile, replacing any cached copy.
func (s *Service) Save(ctx context.Context, p *model.CalibrationProfile) error {
	if err := Validate(p); err != nil {
		return err
	}
	warnIfRaising(p)
	if err := s.store.SaveCalibrationProfile(ctx, p); err != nil {
		return eris.Wrap(err, "calibration: save profile")
	}
	s.Invalidate(p.ModelVersion)
	return nil
}

// Profiles lists stored profiles.
func (s *Service) Profiles(ctx context.Context) ([]model.CalibrationProfile, error) {
	ps, err := s.store.ListCalibrationProfiles(ctx)
	return ps, eris.Wrap(err, "calibration: list profiles")
}

// Invalidate drops cached profiles for the given versions, or all when none
// are given.
func (s *Service) Invalidate(modelVersions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(modelVersions) == 0 {
		s.cache = make(map[string]cacheEntry)
		return
	}
	for _, v := range modelVersions {
		delete(s.cache, v)
	}
}

func (s *Service) profile(ctx context.Context, modelVersion string) (*model.CalibrationProfile, error) {
	now := s.now()
	s.mu.RLock()
	e, ok := s.cache[modelVersion]
	s.mu.RUnlock()
	if ok && now.Sub(e.loadedAt) < s.ttl {
		return e.profile, nil
	}

	p, err := s.store.GetCalibrationProfile(ctx, modelVersion)
	if err != nil {
		return nil, eris.Wrapf(err, "calibration: load profile %s", modelVersion)
	}
	if p != nil {
		warnIfRaising(p)
	}

	s.mu.Lock()
	s.cache[modelVersion] = cacheEntry{profile: p, loadedAt: now}
	s.mu.Unlock()
	return p, nil
}

// Apply evaluates a profile at raw. The result is clamped to [0,1] whatever
// the parameters; a NaN result maps to 0.
func Apply(p *model.CalibrationProfile, raw float64) (float64, error) {
	switch p.Method {
	case model.CalibrationPlatt:
		return platt(p.Params.A, p.Params.B, raw), nil
	case model.CalibrationIsotonic:
		if len(p.Params.Bins) == 0 {
			return 0, eris.Wrapf(ErrInvalidProfile, "calibration: %s has no isotonic bins", p.ModelVersion)
		}
		return isotonic(p.Params.Bins, raw), nil
	default:
		return 0, eris.Wrapf(ErrInvalidProfile, "calibration: %s has unknown method %q", p.ModelVersion, p.Method)
	}
}

// maxExp is the largest exponent math.Exp evaluates without overflowing.
const maxExp = 709.0

func platt(a, b, raw float64) float64 {
	e := a*raw + b
	switch {
	case math.IsNaN(e):
		return 0
	case e > maxExp:
		return 0
	case e < -maxExp:
		return 1
	}
	return clamp(1 / (1 + math.Exp(e)))
}

func isotonic(bins []model.IsotonicBin, raw float64) float64 {
	sorted := make([]model.IsotonicBin, len(bins))
	copy(sorted, bins)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Threshold < sorted[j].Threshold })
	for _, b := range sorted {
		if raw <= b.Threshold {
			return clamp(b.Value)
		}
	}
	return clamp(sorted[len(sorted)-1].Value)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// Validate checks that a profile names a version and can be evaluated.
func Validate(p *model.CalibrationProfile) error {
	if p == nil || p.ModelVersion == "" {
		return eris.Wrap(ErrInvalidProfile, "calibration: model_version is required")
	}
	_, err := Apply(p, 0.5)
	return err
}

// NeverRaises reports whether the profile maps every sampled raw score to a
// value no greater than itself. Only the fallback is guaranteed to; fitted
// profiles are checked on a fine grid.
func NeverRaises(p *model.CalibrationProfile) bool {
	const steps = 1000
	for i := 0; i <= steps; i++ {
		raw := float64(i) / steps
		v, err := Apply(p, raw)
		if err != nil || v > raw+1e-12 {
			return false
		}
	}
	return true
}

func warnIfRaising(p *model.CalibrationProfile) {
	if NeverRaises(p) {
		return
	}
	zap.L().Warn("calibration: profile can raise confidence above raw score",
		zap.String("model_version", p.ModelVersion),
		zap.String("method", p.Method),
		zap.Int("sample_size", p.SampleSize),
	)
}
