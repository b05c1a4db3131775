package optimizer

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/kimjune01/looplearner/config"
)

// Token assumptions for one optimization iteration. The rewrite call reads
// the current prompt plus feedback context and writes a full replacement; the
// evaluator reads one case and writes a short judgment.
const (
	rewriteOutputTokens = 800
	feedbackCtxTokens   = 600
	caseInputTokens     = 400
	caseOutputTokens    = 120

	// Datasets above this size are cheaper to sample than to sweep.
	sampleCaseThreshold = 50
	sampleReduction     = 0.30

	// Batching N optimization requests into one shared call saves a fixed
	// fraction, minus coordination overhead that makes tiny savings not
	// worth pursuing.
	batchDiscount    = 0.30
	minBatchSavings  = 0.10
	defaultEncoding  = "cl100k_base"
	fallbackPerToken = 4 // chars per token when no encoder is available
)

// ModelProfile carries the per-token pricing used for estimates.
type ModelProfile struct {
	Name            string
	CostPer1KInput  float64
	CostPer1KOutput float64
	Encoding        string
}

// DefaultModelProfile matches a mid-tier completion model.
func DefaultModelProfile() ModelProfile {
	return ModelProfile{
		Name:            "gpt-4o-mini",
		CostPer1KInput:  0.00015,
		CostPer1KOutput: 0.0006,
		Encoding:        defaultEncoding,
	}
}

// ProfileFromModel builds a profile from a configured model entry.
func ProfileFromModel(m config.LLMModel) ModelProfile {
	p := ModelProfile{
		Name:            m.Name,
		CostPer1KInput:  m.CostPer1K,
		CostPer1KOutput: m.CostPer1KOutput,
		Encoding:        m.Encoding,
	}
	if p.Encoding == "" {
		p.Encoding = defaultEncoding
	}
	if p.CostPer1KInput == 0 && p.CostPer1KOutput == 0 {
		d := DefaultModelProfile()
		p.CostPer1KInput, p.CostPer1KOutput = d.CostPer1KInput, d.CostPer1KOutput
	}
	return p
}

// CostEstimate is the dollar estimate for one optimization iteration.
type CostEstimate struct {
	CaseCount         int     `json:"case_count"`
	GenerationCost    float64 `json:"generation_cost"`
	EvaluationCost    float64 `json:"evaluation_cost"`
	Total             float64 `json:"total"`
	SampleRecommended bool    `json:"sample_recommended"`
	SampledTotal      float64 `json:"sampled_total,omitempty"`
}

// BatchSavings models pooling several optimization requests into one call.
type BatchSavings struct {
	IndividualTotal float64 `json:"individual_total"`
	BatchedTotal    float64 `json:"batched_total"`
	Savings         float64 `json:"savings"`
	Recommended     bool    `json:"recommended"`
}

// CostModel estimates the compute cost of optimization iterations.
type CostModel struct {
	profile ModelProfile
}

// NewCostModel creates a cost model for the given pricing profile.
func NewCostModel(profile ModelProfile) *CostModel {
	return &CostModel{profile: profile}
}

// EstimateIterationCost estimates one iteration against caseCount evaluation
// cases, assuming a typical prompt length. Costs scale linearly with case
// count.
func (c *CostModel) EstimateIterationCost(caseCount int) CostEstimate {
	return c.EstimateIterationCostForPrompt("", caseCount)
}

// EstimateIterationCostForPrompt estimates one iteration using the actual
// prompt content for the rewrite-input token count.
func (c *CostModel) EstimateIterationCostForPrompt(prompt string, caseCount int) CostEstimate {
	if caseCount < 0 {
		caseCount = 0
	}
	promptTokens := rewriteOutputTokens // assume replacement-sized prompt when none given
	if prompt != "" {
		promptTokens = c.EstimateTokens(prompt)
	}

	genIn := float64(promptTokens + feedbackCtxTokens)
	genOut := float64(rewriteOutputTokens)
	generation := genIn/1000.0*c.profile.CostPer1KInput + genOut/1000.0*c.profile.CostPer1KOutput

	evalIn := float64(caseCount * (caseInputTokens + promptTokens))
	evalOut := float64(caseCount * caseOutputTokens)
	evaluation := evalIn/1000.0*c.profile.CostPer1KInput + evalOut/1000.0*c.profile.CostPer1KOutput

	est := CostEstimate{
		CaseCount:      caseCount,
		GenerationCost: generation,
		EvaluationCost: evaluation,
		Total:          generation + evaluation,
	}
	if caseCount > sampleCaseThreshold {
		est.SampleRecommended = true
		est.SampledTotal = est.Total * (1 - sampleReduction)
	}
	return est
}

// EstimateBatchSavings models a fixed discount for batching independent
// optimization requests into one shared call. Batching is recommended only
// when the absolute savings clear the coordination-overhead floor.
func (c *CostModel) EstimateBatchSavings(costs []float64) BatchSavings {
	var individual float64
	for _, v := range costs {
		individual += v
	}
	batched := individual * (1 - batchDiscount)
	savings := individual - batched
	return BatchSavings{
		IndividualTotal: individual,
		BatchedTotal:    batched,
		Savings:         savings,
		Recommended:     savings > minBatchSavings,
	}
}

// EstimateTokens counts tokens in text with the profile's encoding, falling
// back to a character heuristic when the encoder is unavailable.
func (c *CostModel) EstimateTokens(text string) int {
	enc := c.profile.Encoding
	if enc == "" {
		enc = defaultEncoding
	}
	tke, err := tiktoken.GetEncoding(enc)
	if err != nil {
		return len(text) / fallbackPerToken
	}
	return len(tke.Encode(text, nil, nil))
}
