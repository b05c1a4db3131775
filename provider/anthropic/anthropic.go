// Package anthropic implements the provider contract on top of the official
// Anthropic SDK.
package anthropic

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/provider/types"
)

const defaultModel = "claude-sonnet-4-5-20250929"

const systemPrompt = "You are a prompt engineering assistant for an email-drafting product. " +
	"Follow the task instructions exactly and never add commentary outside the requested output."

type Provider struct {
	cfg     config.LLMProvider
	routing config.LLMRoutingConfig
	client  anthropic.Client
}

// New creates an Anthropic-backed provider.
func New(cfg config.LLMProvider, routing config.LLMRoutingConfig) *Provider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &Provider{
		cfg:     cfg,
		routing: routing,
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (p *Provider) Rewrite(ctx context.Context, current string, feedback []types.Feedback, cases []types.EvalCase) (string, error) {
	out, err := p.message(ctx, p.route(p.routing.Rewrite), types.BuildRewritePrompt(current, feedback, cases))
	if err != nil {
		return "", types.Error{Provider: "anthropic", Op: "rewrite", Err: err}
	}
	return out, nil
}

func (p *Provider) Evaluate(ctx context.Context, candidate string, cases []types.EvalCase) (types.Evaluation, error) {
	out, err := p.message(ctx, p.route(p.routing.Evaluate), types.BuildEvaluatePrompt(candidate, cases))
	if err != nil {
		return types.Evaluation{}, types.Error{Provider: "anthropic", Op: "evaluate", Err: err}
	}
	ev, err := types.ParseEvaluation(out)
	if err != nil {
		return types.Evaluation{}, types.Error{Provider: "anthropic", Op: "evaluate", Err: err}
	}
	return ev, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.message(ctx, p.route(p.routing.Fallback), "Reply with the single word: ok")
	if err != nil {
		return types.Error{Provider: "anthropic", Op: "health_check", Err: err}
	}
	return nil
}

func (p *Provider) route(key string) config.LLMModel {
	if m, ok := p.cfg.Models[key]; ok {
		return m
	}
	if m, ok := p.cfg.Models[p.routing.Fallback]; ok {
		return m
	}
	for _, m := range p.cfg.Models {
		return m
	}
	return config.LLMModel{Name: defaultModel, MaxTokens: 4096}
}

func (p *Provider) message(ctx context.Context, model config.LLMModel, userPrompt string) (string, error) {
	apiModel := model.APIName
	if apiModel == "" {
		apiModel = model.Name
	}
	maxTokens := model.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(apiModel),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("Anthropic API error: %w", err)
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in Anthropic response")
}
