// Package types holds the shared contract types for LLM providers. Concrete
// backends and the factory both depend on it, keeping the import graph acyclic.
package types

import (
	"context"
	"fmt"
)

// Provider is the contract for LLM backends the control loop calls out to.
type Provider interface {
	// Rewrite produces a candidate system prompt from the current prompt,
	// a batch of user feedback and a sample of evaluation cases.
	Rewrite(ctx context.Context, current string, feedback []Feedback, cases []EvalCase) (string, error)

	// Evaluate scores a candidate prompt against evaluation cases.
	Evaluate(ctx context.Context, candidate string, cases []EvalCase) (Evaluation, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// Feedback is a single accept/reject signal on a generated draft.
type Feedback struct {
	Action string `json:"action"` // accept or reject
	Reason string `json:"reason,omitempty"`
}

// EvalCase is one evaluation input/expected-output pair.
type EvalCase struct {
	ID            string            `json:"id,omitempty"`
	Input         map[string]string `json:"input"`
	Expected      string            `json:"expected_output,omitempty"`
	HumanReviewed bool              `json:"human_reviewed,omitempty"`
}

// Evaluation is the scored outcome of judging a candidate prompt.
type Evaluation struct {
	Score   float64      `json:"score" validate:"min=0,max=1"`
	Reason  string       `json:"reason,omitempty"`
	PerCase []CaseResult `json:"per_case,omitempty" validate:"dive"`
}

// CaseResult is the per-case breakdown of an evaluation.
type CaseResult struct {
	CaseID string  `json:"case_id,omitempty"`
	Score  float64 `json:"score" validate:"min=0,max=1"`
	Output string  `json:"output,omitempty"`
}

// Error wraps a backend failure with the provider name so the orchestrator
// can record which collaborator failed.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e Error) Unwrap() error { return e.Err }
