// Package generator turns a reference into a proposed correction by calling
// an external model. All retry and timeout handling for that call lives here.
package generator

import (
	"context"
	"fmt"

	"github.com/sells-group/refguard/internal/model"
)

// Request is the input to one generation.
type Request struct {
	Reference  *model.Reference
	Tier       model.Tier
	Violations []model.Violation
	External   *model.ExternalMetadata
}

// Response is a raw, uncalibrated proposal.
type Response struct {
	Patches       []model.Patch
	RawConfidence float64
	// FieldScores is the model's confidence per patched field.
	FieldScores map[string]float64
	Rationale   string
	Model       model.ModelMetadata
}

// Generator produces proposals.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// GenerationError is a provider call that did not produce a response: retries
// ran out, the error was not retryable, or the circuit was open.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generator: generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// AdapterError is a response that could not be turned into a proposal. It is
// never retried.
type AdapterError struct {
	Reason string
	Raw    string
}

func (e *AdapterError) Error() string {
	return "generator: malformed model output: " + e.Reason
}
