// Package provider defines the LLM collaborator contract used by the
// optimization control loop: rewriting a system prompt from feedback and
// scoring a candidate against evaluation cases. The loop depends only on this
// interface, never on a concrete backend.
package provider

import (
	"context"
	"fmt"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/provider/anthropic"
	"github.com/kimjune01/looplearner/provider/openai"
	"github.com/kimjune01/looplearner/provider/static"
	"github.com/kimjune01/looplearner/provider/types"
)

// Re-exported contract types so callers import a single package.
type (
	Feedback   = types.Feedback
	EvalCase   = types.EvalCase
	Evaluation = types.Evaluation
	CaseResult = types.CaseResult
	Error      = types.Error
)

// Provider is the contract every LLM backend must satisfy.
type Provider = types.Provider

// New creates a provider from configuration. The first configured provider
// entry wins; unknown types are rejected.
func New(cfg config.LLMConfig) (Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			return openai.New(pc, cfg.Routing), nil
		case "anthropic":
			return anthropic.New(pc, cfg.Routing), nil
		case "static":
			return static.New(), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", pc.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}

// HealthCheck verifies the provider is reachable end to end.
func HealthCheck(ctx context.Context, p Provider) error {
	if p == nil {
		return fmt.Errorf("provider is nil")
	}
	return p.HealthCheck(ctx)
}
