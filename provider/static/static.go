// Package static is a deterministic provider used by tests and offline runs.
// It rewrites prompts by appending guidance distilled from rejection reasons
// and scores candidates with a fixed, configurable improvement.
package static

import (
	"context"
	"fmt"
	"strings"

	"github.com/kimjune01/looplearner/provider/types"
)

type Provider struct {
	// BaseScore is the score assigned to any candidate before Improvement.
	BaseScore float64
	// Improvement is added once on top of BaseScore, capped so the final
	// score stays within [0,1].
	Improvement float64
	// FailRewrite and FailEvaluate force collaborator errors for tests.
	FailRewrite  bool
	FailEvaluate bool

	rewrites int
}

// New creates a static provider with mild default scoring.
func New() *Provider {
	return &Provider{BaseScore: 0.7, Improvement: 0.05}
}

func (p *Provider) Rewrite(ctx context.Context, current string, feedback []types.Feedback, cases []types.EvalCase) (string, error) {
	if p.FailRewrite {
		return "", types.Error{Provider: "static", Op: "rewrite", Err: fmt.Errorf("forced rewrite failure")}
	}
	p.rewrites++
	seen := map[string]bool{}
	var guidance []string
	for _, f := range feedback {
		if f.Action != "reject" || f.Reason == "" || seen[f.Reason] {
			continue
		}
		seen[f.Reason] = true
		guidance = append(guidance, "Avoid: "+f.Reason)
	}
	if len(guidance) == 0 {
		return current + "\nBe concise.", nil
	}
	return current + "\n" + strings.Join(guidance, "\n"), nil
}

func (p *Provider) Evaluate(ctx context.Context, candidate string, cases []types.EvalCase) (types.Evaluation, error) {
	if p.FailEvaluate {
		return types.Evaluation{}, types.Error{Provider: "static", Op: "evaluate", Err: fmt.Errorf("forced evaluate failure")}
	}
	score := p.BaseScore + p.Improvement
	if score > 1 {
		score = 1
	}
	ev := types.Evaluation{Score: score, Reason: "deterministic evaluation"}
	for _, c := range cases {
		ev.PerCase = append(ev.PerCase, types.CaseResult{CaseID: c.ID, Score: score})
	}
	return ev, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error { return nil }

// RewriteCalls reports how many times Rewrite ran, for test assertions.
func (p *Provider) RewriteCalls() int { return p.rewrites }
