package resilience

import "time"

// Settings is the flat, config-file shape of a retry and circuit policy.
// Zero values fall back to the package defaults.
type Settings struct {
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	AttemptTimeout      time.Duration
	CircuitThreshold    int
	CircuitReset        time.Duration
	CircuitTrialSuccess int
}

// Policy pairs the retry schedule with the breaker guarding one upstream.
type Policy struct {
	Retry   RetryConfig
	Circuit CircuitBreakerConfig
}

// NewPolicy resolves s against the defaults. A ceiling below the initial
// backoff is raised to the initial backoff.
func NewPolicy(s Settings) Policy {
	r := DefaultRetryConfig()
	if s.MaxAttempts > 0 {
		r.MaxAttempts = s.MaxAttempts
	}
	if s.InitialBackoff > 0 {
		r.InitialBackoff = s.InitialBackoff
	}
	if s.MaxBackoff > 0 {
		r.MaxBackoff = s.MaxBackoff
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	if s.AttemptTimeout > 0 {
		r.AttemptTimeout = s.AttemptTimeout
	}

	c := DefaultCircuitBreakerConfig()
	if s.CircuitThreshold > 0 {
		c.FailureThreshold = s.CircuitThreshold
	}
	if s.CircuitReset > 0 {
		c.ResetTimeout = s.CircuitReset
	}
	if s.CircuitTrialSuccess > 0 {
		c.HalfOpenMaxTrials = s.CircuitTrialSuccess
	}
	return Policy{Retry: r, Circuit: c}
}
