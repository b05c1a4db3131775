package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

var validate = validator.New()

var (
	evalSchemaOnce sync.Once
	evalSchemaJSON string
)

// EvaluationSchema returns the JSON schema for Evaluation, embedded into
// evaluator prompts so the model answers in a parseable shape.
func EvaluationSchema() string {
	evalSchemaOnce.Do(func() {
		r := jsonschema.Reflector{DoNotReference: true}
		schema := r.Reflect(&Evaluation{})
		b, err := json.Marshal(schema)
		if err != nil {
			evalSchemaJSON = "{}"
			return
		}
		evalSchemaJSON = string(b)
	})
	return evalSchemaJSON
}

// BuildRewritePrompt renders the instruction sent to the rewriter model.
func BuildRewritePrompt(current string, feedback []Feedback, cases []EvalCase) string {
	var b strings.Builder
	b.WriteString("You improve system prompts for an email-drafting assistant.\n\n")
	b.WriteString("Current system prompt:\n---\n")
	b.WriteString(current)
	b.WriteString("\n---\n\nUser feedback on drafts produced with this prompt:\n")
	accepted, rejected := 0, 0
	for _, f := range feedback {
		if f.Action == "accept" {
			accepted++
		} else {
			rejected++
		}
		if f.Reason != "" {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Action, f.Reason)
		}
	}
	fmt.Fprintf(&b, "\nTotals: %d accepted, %d rejected.\n", accepted, rejected)
	if len(cases) > 0 {
		b.WriteString("\nRepresentative evaluation cases:\n")
		for i, c := range cases {
			if i >= 5 {
				break
			}
			cb, _ := json.Marshal(c.Input)
			fmt.Fprintf(&b, "- input=%s expected=%q\n", cb, c.Expected)
		}
	}
	b.WriteString("\nRewrite the system prompt to address the rejection reasons while keeping ")
	b.WriteString("every named {parameter} slot intact. Respond with the rewritten prompt only, no commentary.")
	return b.String()
}

// BuildEvaluatePrompt renders the instruction sent to the evaluator model.
func BuildEvaluatePrompt(candidate string, cases []EvalCase) string {
	var b strings.Builder
	b.WriteString("You judge system prompts for an email-drafting assistant.\n\n")
	b.WriteString("Candidate system prompt:\n---\n")
	b.WriteString(candidate)
	b.WriteString("\n---\n\nEvaluation cases:\n")
	for _, c := range cases {
		cb, _ := json.Marshal(c.Input)
		fmt.Fprintf(&b, "- id=%s input=%s expected=%q\n", c.ID, cb, c.Expected)
	}
	b.WriteString("\nScore how well drafts produced under this prompt would satisfy each case. ")
	b.WriteString("Respond with JSON matching this schema, nothing else:\n")
	b.WriteString(EvaluationSchema())
	return b.String()
}

// ParseEvaluation decodes a model response into an Evaluation, tolerating
// markdown code fences around the JSON body.
func ParseEvaluation(raw string) (Evaluation, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	var ev Evaluation
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if err := validate.Struct(ev); err != nil {
		return Evaluation{}, fmt.Errorf("evaluation failed validation: %w", err)
	}
	return ev, nil
}
