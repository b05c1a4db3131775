// Package openai implements the provider contract against the OpenAI
// chat-completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/time/rate"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/provider/types"
)

type Provider struct {
	cfg     config.LLMProvider
	routing config.LLMRoutingConfig
	client  *http.Client
	limiter *rate.Limiter
}

// New creates an OpenAI-backed provider.
func New(cfg config.LLMProvider, routing config.LLMRoutingConfig) *Provider {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &Provider{
		cfg:     cfg,
		routing: routing,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

func (p *Provider) Rewrite(ctx context.Context, current string, feedback []types.Feedback, cases []types.EvalCase) (string, error) {
	model := p.route(p.routing.Rewrite)
	out, err := p.complete(ctx, model, types.BuildRewritePrompt(current, feedback, cases))
	if err != nil {
		return "", types.Error{Provider: "openai", Op: "rewrite", Err: err}
	}
	return out, nil
}

func (p *Provider) Evaluate(ctx context.Context, candidate string, cases []types.EvalCase) (types.Evaluation, error) {
	model := p.route(p.routing.Evaluate)
	out, err := p.complete(ctx, model, types.BuildEvaluatePrompt(candidate, cases))
	if err != nil {
		return types.Evaluation{}, types.Error{Provider: "openai", Op: "evaluate", Err: err}
	}
	ev, err := types.ParseEvaluation(out)
	if err != nil {
		return types.Evaluation{}, types.Error{Provider: "openai", Op: "evaluate", Err: err}
	}
	return ev, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.complete(ctx, p.route(p.routing.Fallback), "Reply with the single word: ok")
	if err != nil {
		return types.Error{Provider: "openai", Op: "health_check", Err: err}
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
	return config.LLMModel{Name: "gpt-4o-mini"}
}

func (p *Provider) complete(ctx context.Context, model config.LLMModel, prompt string) (string, error) {
	apiKey := p.cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", fmt.Errorf("OpenAI API key not configured")
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	apiModel := model.APIName
	if apiModel == "" {
		apiModel = model.Name
	}

	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: model.Temperature,
		MaxTokens:   model.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	return out.Choices[0].Message.Content, nil
}
