package model

import "time"

// Rollout strategies.
const (
	StrategyPercentage = "percentage"
	StrategyAll        = "all"
)

// FeatureFlag gates a feature globally and by percentage of identities.
type FeatureFlag struct {
	Name              string    `json:"name"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage float64   `json:"rollout_percentage"`
	Strategy          string    `json:"strategy"`
	Description       string    `json:"description,omitempty"`
	// AutoDisabled is set by the drift kill switch and cleared by the next
	// Enable. While set it outranks every identity override.
	AutoDisabled      bool      `json:"auto_disabled"`
	UpdatedAt         time.Time `json:"updated_at"`
	UpdatedBy         string    `json:"updated_by,omitempty"`
}

// UserOverride forces a flag on or off for one identity.
type UserOverride struct {
	Identity  string    `json:"identity"`
	Flag      string    `json:"flag"`
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Cohort is the permanent rollout bucket for an identity.
type Cohort struct {
	Identity  string    `json:"identity"`
	Hash      string    `json:"hash"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Rollout history event types.
const (
	RolloutEnabled      = "enabled"
	RolloutDisabled     = "disabled"
	RolloutAutoDisabled = "auto_disabled_drift"
)

// Rollout trigger sources.
const (
	TriggerManual       = "manual"
	TriggerDriftMonitor = "drift_monitor"
)

// RolloutHistoryEntry records one change to a feature flag.
type RolloutHistoryEntry struct {
	ID             string    `json:"id"`
	Flag           string    `json:"flag"`
	EventType      string    `json:"event_type"`
	OldEnabled     bool      `json:"old_enabled"`
	NewEnabled     bool      `json:"new_enabled"`
	OldPercentage  float64   `json:"old_percentage"`
	NewPercentage  float64   `json:"new_percentage"`
	Reason         string    `json:"reason,omitempty"`
	TriggeredBy    string    `json:"triggered_by"`
	TriggeredActor string    `json:"triggered_actor,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
