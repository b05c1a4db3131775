// Package optimizer implements the prompt-optimization control loop: the
// convergence detector, the per-iteration cost model, the evaluation dataset
// selector and the orchestrator state machine that drives one optimization
// cycle end to end.
package optimizer

import (
	"context"
	"regexp"
	"time"
)

// Run statuses persisted for optimization runs.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Feedback actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// State identifies where a cycle is in the orchestration state machine.
type State string

const (
	StateIdle                State = "idle"
	StateTriggerEvaluation   State = "trigger_evaluation"
	StateConvergenceCheck    State = "convergence_check"
	StateDatasetSelection    State = "dataset_selection"
	StateCandidateGeneration State = "candidate_generation"
	StateCandidateEvaluation State = "candidate_evaluation"
	StateDeploymentDecision  State = "deployment_decision"
	StateDeployed            State = "deployed"
	StateRejected            State = "rejected"
	StateBlocked             State = "blocked"
	StateFailed              State = "failed"
)

// Lab is one optimization workspace with its own prompt history and
// feedback stream.
type Lab struct {
	ID                     string
	Name                   string
	OptimizationIterations int
	TotalFeedbackCollected int
	ScheduleCron           string
	CreatedAt              time.Time
}

// PromptVersion is one revision of a lab's system prompt. Versions are
// gapless ascending integers starting at 1; exactly one version per lab is
// active at a time.
type PromptVersion struct {
	ID               string
	LabID            string
	Content          string
	Version          int
	IsActive         bool
	PerformanceScore *float64
	CreatedAt        time.Time
}

// FeedbackItem is a single accept/reject signal on a draft produced under a
// prompt version. The control loop never mutates these.
type FeedbackItem struct {
	ID              string
	LabID           string
	PromptVersionID string
	Action          string
	Reason          string
	CreatedAt       time.Time
}

// ConfidenceSnapshot is produced by the external confidence tracker and is
// read-only to this package.
type ConfidenceSnapshot struct {
	UserConfidence           float64
	SystemConfidence         float64
	ConfidenceTrend          float64
	FeedbackConsistencyScore float64
	ReasoningAlignmentScore  float64
	TotalFeedbackCount       int
	ConsistentFeedbackStreak int
	CreatedAt                time.Time
}

// Dataset groups evaluation cases sharing a declared parameter set.
type Dataset struct {
	ID                 string
	LabID              string
	Name               string
	Parameters         []string
	CaseCount          int
	QualityScore       float64
	HumanReviewedCount int
	CreatedAt          time.Time
}

// Case is one evaluation input with an optional expected output.
type Case struct {
	ID        string
	DatasetID string
	Input     map[string]string
	Expected  string
	Context   map[string]interface{}
	CreatedAt time.Time
}

// HumanReviewed reports whether the case's expected output was validated by
// a person rather than generated synthetically.
func (c Case) HumanReviewed() bool {
	v, ok := c.Context["is_human_reviewed"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Progress captures where a run is and how much evaluation work is done.
type Progress struct {
	CurrentStep    string `json:"current_step"`
	EvaluatedCases int    `json:"evaluated_cases"`
	TotalCases     int    `json:"total_cases"`
}

// Run records one optimization invocation.
type Run struct {
	ID           string
	LabID        string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Progress     Progress
	ErrorMessage string
}

// Recommendation is human-readable guidance attached to an assessment.
type Recommendation struct {
	Type             string  `json:"type"`
	Priority         string  `json:"priority"` // info, warning, critical
	Message          string  `json:"message"`
	EstimatedSavings float64 `json:"estimated_savings,omitempty"`
}

// Assessment is the convergence detector's verdict on a lab.
type Assessment struct {
	Converged       bool             `json:"converged"`
	ConfidenceScore float64          `json:"confidence_score"`
	Factors         map[string]bool  `json:"factors"`
	Recommendations []Recommendation `json:"recommendations"`
	ComputeSaved    bool             `json:"compute_saved"`
}

// Explanation flattens the true factors into a short reason string.
func (a Assessment) Explanation() string {
	out := ""
	for _, name := range factorOrder {
		if a.Factors[name] {
			if out != "" {
				out += ", "
			}
			out += name
		}
	}
	if out == "" {
		return "no convergence factors met"
	}
	return out
}

// CycleResult is the outcome of one orchestrated optimization attempt.
type CycleResult struct {
	State            State          `json:"state"`
	Deployed         bool           `json:"deployed"`
	Reason           string         `json:"reason,omitempty"`
	Improvement      float64        `json:"improvement,omitempty"`
	RunID            string         `json:"run_id,omitempty"`
	CandidateVersion *PromptVersion `json:"candidate_version,omitempty"`
	Assessment       *Assessment    `json:"assessment,omitempty"`
}

// Storage is the persistence contract the control loop issues reads and
// writes against. The schema lives elsewhere.
type Storage interface {
	GetLab(ctx context.Context, id string) (Lab, error)
	IncrementLabIterations(ctx context.Context, labID string, feedbackDelta int) error

	ActivePromptVersion(ctx context.Context, labID string) (PromptVersion, error)
	// CreatePromptVersion persists a new version and assigns it the lab's
	// next version number; the Version field on the argument is ignored.
	CreatePromptVersion(ctx context.Context, pv PromptVersion) (PromptVersion, error)
	// ActivatePromptVersion atomically deactivates the current active version
	// and activates the given one, recording its performance score.
	ActivatePromptVersion(ctx context.Context, labID, versionID string, score float64) error
	// PerformanceHistory returns up to limit performance scores for the lab,
	// most recent first.
	PerformanceHistory(ctx context.Context, labID string, limit int) ([]float64, error)

	LatestConfidenceSnapshot(ctx context.Context, labID string) (*ConfidenceSnapshot, error)
	RecentFeedback(ctx context.Context, labID string, window time.Duration) ([]FeedbackItem, error)

	ListDatasets(ctx context.Context, labID string) ([]Dataset, error)
	ListCases(ctx context.Context, datasetIDs []string) ([]Case, error)
	UpdateDatasetQuality(ctx context.Context, datasetID string, quality float64) error
	RecordDatasetUsage(ctx context.Context, runID, datasetID string, improvement float64) error

	CreateRun(ctx context.Context, labID, status string) (string, error)
	UpdateRunProgress(ctx context.Context, runID string, p Progress) error
	FinishRun(ctx context.Context, runID, status string, errMsg *string) error
	RunningRun(ctx context.Context, labID string) (string, bool, error)
	ListStuckRuns(ctx context.Context, olderThan time.Time) ([]Run, error)
}

var paramPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

// TemplateParameters extracts the named {parameter} slots declared in a
// prompt template, de-duplicated in order of first appearance.
func TemplateParameters(content string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range paramPattern.FindAllStringSubmatch(content, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}
