// Package rollout gates features globally and per identity.
package rollout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refguard/internal/audit"
	"github.com/sells-group/refguard/internal/model"
)

// DefaultCacheTTL is how long a flag snapshot is served before a reload.
const DefaultCacheTTL = 60 * time.Second

// ErrFlagNotFound is returned when a change targets a flag that does not exist.
var ErrFlagNotFound = eris.New("rollout: flag not found")

// Store persists flags, overrides, cohorts and rollout history.
type Store interface {
	ListFlags(ctx context.Context) ([]model.FeatureFlag, error)
	GetFlag(ctx context.Context, name string) (*model.FeatureFlag, error)
	SaveFlag(ctx context.Context, flag *model.FeatureFlag, entry *model.RolloutHistoryEntry) error
	ListRolloutHistory(ctx context.Context, flag string, limit int) ([]model.RolloutHistoryEntry, error)
	ListOverrides(ctx context.Context) ([]model.UserOverride, error)
	SaveOverride(ctx context.Context, o *model.UserOverride) error
	DeleteOverride(ctx context.Context, identity, flag string) error
	GetCohort(ctx context.Context, identity string) (*model.Cohort, error)
	InsertCohort(ctx context.Context, c *model.Cohort) (*model.Cohort, error)
}

type overrideKey struct {
	flag, identity string
}

// snapshot is an immutable view of all flags and overrides. It is replaced
// whole, never patched.
type snapshot struct {
	flags     map[string]model.FeatureFlag
	overrides map[overrideKey]bool
	loadedAt  time.Time
}

// Controller answers flag checks from a cached snapshot and applies flag
// changes with history and audit records.
type Controller struct {
	store Store
	audit audit.Recorder
	ttl   time.Duration
	now   func() time.Time

	snap     atomic.Pointer[snapshot]
	reloadMu sync.Mutex
	cohorts  sync.Map

	// writeMu serializes flag changes so old/new values in history are exact.
	writeMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = nowOr(now) }
}

// New creates a Controller.
func New(s Store, rec audit.Recorder, opts ...Option) *Controller {
	c := &Controller{store: s, audit: rec, ttl: DefaultCacheTTL, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsEnabled reports whether flag is on for identity. Precedence: the drift
// kill switch, then the identity override, then the global switch, then the
// percentage gate on the identity's cohort, then def for unknown flags. An
// anonymous caller has no cohort and is only admitted at full rollout. Store
// failures answer false.
func (c *Controller) IsEnabled(ctx context.Context, flag, identity string, def bool) bool {
	snap, err := c.current(ctx)
	if err != nil {
		zap.L().Error("rollout: flag check failed closed",
			zap.String("flag", flag), zap.Error(err))
		return false
	}

	f, known := snap.flags[flag]
	if known && f.AutoDisabled {
		return false
	}

	if identity != "" {
		if on, ok := snap.overrides[overrideKey{flag, identity}]; ok {
			return on
		}
	}

	if !known {
		return def
	}
	if !f.Enabled {
		return false
	}
	if f.Strategy == model.StrategyAll || f.RolloutPercentage >= 1 {
		return true
	}
	if f.RolloutPercentage <= 0 || identity == "" {
		return false
	}

	cohort, err := c.Cohort(ctx, identity)
	if err != nil {
		zap.L().Error("rollout: cohort lookup failed closed",
			zap.String("flag", flag), zap.String("identity", identity), zap.Error(err))
		return false
	}
	return cohort < f.RolloutPercentage
}

// current returns a fresh snapshot, reloading it when the TTL has passed.
func (c *Controller) current(ctx context.Context) (*snapshot, error) {
	if s := c.snap.Load(); s != nil && c.now().Sub(s.loadedAt) < c.ttl {
		return s, nil
	}

	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	// Another caller may have reloaded while we waited.
	if s := c.snap.Load(); s != nil && c.now().Sub(s.loadedAt) < c.ttl {
		return s, nil
	}

	flags, err := c.store.ListFlags(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rollout: load flags")
	}
	overrides, err := c.store.ListOverrides(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rollout: load overrides")
	}

	next := &snapshot{
		flags:     make(map[string]model.FeatureFlag, len(flags)),
		overrides: make(map[overrideKey]bool, len(overrides)),
		loadedAt:  c.now(),
	}
	for _, f := range flags {
		next.flags[f.Name] = f
	}
	for _, o := range overrides {
		next.overrides[overrideKey{o.Flag, o.Identity}] = o.Enabled
	}
	c.snap.Store(next)
	return next, nil
}

// Invalidate forces the next check to reload from the store.
func (c *Controller) Invalidate() {
	c.snap.Store(nil)
}

// Change describes a manual flag change.
type Change struct {
	Flag       string
	Percentage float64
	Reason     string
	Actor      string
}

// Enable turns a flag on at the given percentage, creating it if needed.
func (c *Controller) Enable(ctx context.Context, ch Change) (*model.FeatureFlag, error) {
	if ch.Percentage < 0 || ch.Percentage > 1 {
		return nil, eris.Errorf("rollout: percentage %.2f outside [0, 1]", ch.Percentage)
	}
	return c.change(ctx, ch.Flag, true, func(f *model.FeatureFlag) *model.RolloutHistoryEntry {
		e := c.entry(f, model.RolloutEnabled, model.TriggerManual, ch.Actor, ch.Reason)
		f.Enabled = true
		f.AutoDisabled = false
		f.RolloutPercentage = ch.Percentage
		return e
	}, model.EventFeatureFlagEnabled, ch.Actor)
}

// Disable turns a flag off, keeping its percentage for a later re-enable.
func (c *Controller) Disable(ctx context.Context, ch Change) (*model.FeatureFlag, error) {
	return c.change(ctx, ch.Flag, false, func(f *model.FeatureFlag) *model.RolloutHistoryEntry {
		e := c.entry(f, model.RolloutDisabled, model.TriggerManual, ch.Actor, ch.Reason)
		f.Enabled = false
		return e
	}, model.EventFeatureFlagDisabled, ch.Actor)
}

// AutoDisable is the drift kill switch: enabled=false, rollout=0 and the
// flag marked auto-disabled so identity overrides stop applying until the
// next Enable. It reports false without writing anything when the switch has
// already fired.
func (c *Controller) AutoDisable(ctx context.Context, flag, reason, source string) (bool, error) {
	if source == "" {
		source = model.TriggerDriftMonitor
	}
	changed := false
	_, err := c.change(ctx, flag, false, func(f *model.FeatureFlag) *model.RolloutHistoryEntry {
		if f.AutoDisabled && !f.Enabled && f.RolloutPercentage == 0 {
			return nil
		}
		changed = true
		e := c.entry(f, model.RolloutAutoDisabled, source, source, reason)
		f.Enabled = false
		f.AutoDisabled = true
		f.RolloutPercentage = 0
		return e
	}, model.EventRollbackTriggered, source)
	if err != nil {
		return false, err
	}
	if changed {
		zap.L().Error("rollout: flag auto-disabled",
			zap.String("flag", flag), zap.String("source", source), zap.String("reason", reason))
	}
	return changed, nil
}

// change applies mutate to the stored flag and persists the flag together
// with the history entry mutate returns. A nil entry means nothing changed.
// Only create allows a missing flag to be created.
func (c *Controller) change(
	ctx context.Context,
	name string,
	create bool,
	mutate func(*model.FeatureFlag) *model.RolloutHistoryEntry,
	event model.AuditEventType,
	actor string,
) (*model.FeatureFlag, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f, err := c.store.GetFlag(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "rollout: get flag %s", name)
	}
	if f == nil {
		if !create {
			return nil, eris.Wrapf(ErrFlagNotFound, "rollout: %s", name)
		}
		f = &model.FeatureFlag{Name: name, Strategy: model.StrategyPercentage}
	}

	entry := mutate(f)
	if entry == nil {
		return f, nil
	}
	entry.NewEnabled = f.Enabled
	entry.NewPercentage = f.RolloutPercentage
	f.UpdatedAt = entry.Timestamp
	f.UpdatedBy = actor

	if err := c.store.SaveFlag(ctx, f, entry); err != nil {
		return nil, eris.Wrapf(err, "rollout: save flag %s", name)
	}
	c.Invalidate()

	if c.audit != nil {
		if _, err := c.audit.Append(ctx, audit.Entry{
			Type:    event,
			ActorID: actor,
			Details: entry,
		}); err != nil {
			return f, eris.Wrapf(err, "rollout: audit %s", event)
		}
	}

	zap.L().Info("rollout: flag changed",
		zap.String("flag", name),
		zap.String("event", entry.EventType),
		zap.Bool("enabled", f.Enabled),
		zap.Float64("percentage", f.RolloutPercentage),
	)
	return f, nil
}

func (c *Controller) entry(f *model.FeatureFlag, eventType, trigger, actor, reason string) *model.RolloutHistoryEntry {
	return &model.RolloutHistoryEntry{
		Flag:           f.Name,
		EventType:      eventType,
		OldEnabled:     f.Enabled,
		OldPercentage:  f.RolloutPercentage,
		Reason:         reason,
		TriggeredBy:    trigger,
		TriggeredActor: actor,
		Timestamp:      c.now().UTC(),
	}
}

// SetOverride forces flag on or off for one identity.
func (c *Controller) SetOverride(ctx context.Context, o model.UserOverride, actor string) error {
	if o.Identity == "" || o.Flag == "" {
		return eris.New("rollout: override needs identity and flag")
	}
	o.CreatedAt = c.now().UTC()
	if err := c.store.SaveOverride(ctx, &o); err != nil {
		return eris.Wrap(err, "rollout: save override")
	}
	c.Invalidate()

	if c.audit == nil {
		return nil
	}
	_, err := c.audit.Append(ctx, audit.Entry{Type: model.EventUserOverrideSet, ActorID: actor, Details: o})
	return eris.Wrap(err, "rollout: audit override")
}

// ClearOverride removes an identity override.
func (c *Controller) ClearOverride(ctx context.Context, identity, flag string) error {
	if err := c.store.DeleteOverride(ctx, identity, flag); err != nil {
		return eris.Wrap(err, "rollout: delete override")
	}
	c.Invalidate()
	return nil
}

// Status is a flag's current state with override counts.
type Status struct {
	model.FeatureFlag
	OverridesEnabled  int `json:"overrides_enabled"`
	OverridesDisabled int `json:"overrides_disabled"`
}

// Status reports a flag's state, read through to the store.
func (c *Controller) Status(ctx context.Context, flag string) (*Status, error) {
	f, err := c.store.GetFlag(ctx, flag)
	if err != nil {
		return nil, eris.Wrapf(err, "rollout: get flag %s", flag)
	}
	if f == nil {
		return nil, eris.Wrapf(ErrFlagNotFound, "rollout: %s", flag)
	}
	overrides, err := c.store.ListOverrides(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "rollout: list overrides")
	}

	st := &Status{FeatureFlag: *f}
	for _, o := range overrides {
		if o.Flag != flag {
			continue
		}
		if o.Enabled {
			st.OverridesEnabled++
		} else {
			st.OverridesDisabled++
		}
	}
	return st, nil
}

// Flags lists all flags.
func (c *Controller) Flags(ctx context.Context) ([]model.FeatureFlag, error) {
	flags, err := c.store.ListFlags(ctx)
	return flags, eris.Wrap(err, "rollout: list flags")
}

// History lists a flag's changes, newest first.
func (c *Controller) History(ctx context.Context, flag string, limit int) ([]model.RolloutHistoryEntry, error) {
	h, err := c.store.ListRolloutHistory(ctx, flag, limit)
	return h, eris.Wrapf(err, "rollout: history for %s", flag)
}
