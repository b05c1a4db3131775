package server

import (
	"time"

	"github.com/kimjune01/looplearner/internal/optimizer"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// CostSummaryResponse reports accumulated estimated LLM spend.
type CostSummaryResponse struct {
	ByOperation map[string]float64 `json:"by_operation"`
	Total       float64            `json:"total"`
}

// CreateLabRequest creates a lab with its initial prompt.
type CreateLabRequest struct {
	Name          string `json:"name"`
	ScheduleCron  string `json:"schedule_cron"`
	InitialPrompt string `json:"initial_prompt"`
}

// LabResponse is the lab list/detail view.
type LabResponse struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	OptimizationIterations int       `json:"optimization_iterations"`
	TotalFeedbackCollected int       `json:"total_feedback_collected"`
	ScheduleCron           string    `json:"schedule_cron"`
	CreatedAt              time.Time `json:"created_at"`
}

// LabDetailResponse includes the active prompt version.
type LabDetailResponse struct {
	LabResponse
	ActiveVersion *PromptVersionResponse `json:"active_version,omitempty"`
}

// PromptVersionResponse is one revision of a lab's prompt.
type PromptVersionResponse struct {
	ID               string    `json:"id"`
	Version          int       `json:"version"`
	Content          string    `json:"content"`
	IsActive         bool      `json:"is_active"`
	PerformanceScore *float64  `json:"performance_score,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// FeedbackRequest submits one accept/reject signal on a draft.
type FeedbackRequest struct {
	PromptVersionID string `json:"prompt_version_id"`
	Action          string `json:"action"`
	Reason          string `json:"reason,omitempty"`
}

// ConfidenceSnapshotRequest ingests a confidence tracker reading.
type ConfidenceSnapshotRequest struct {
	UserConfidence           float64 `json:"user_confidence"`
	SystemConfidence         float64 `json:"system_confidence"`
	ConfidenceTrend          float64 `json:"confidence_trend"`
	FeedbackConsistencyScore float64 `json:"feedback_consistency_score"`
	ReasoningAlignmentScore  float64 `json:"reasoning_alignment_score"`
	TotalFeedbackCount       int     `json:"total_feedback_count"`
	ConsistentFeedbackStreak int     `json:"consistent_feedback_streak"`
}

// TriggerRequest optionally carries an explicit feedback batch; an empty
// batch lets the service use the lab's recent feedback window.
type TriggerRequest struct {
	Feedback []FeedbackRequest `json:"feedback,omitempty"`
}

// ForceRequest forces an optimization cycle.
type ForceRequest struct {
	Reason              string `json:"reason"`
	OverrideConvergence bool   `json:"override_convergence"`
}

// CreateDatasetRequest declares a new evaluation dataset.
type CreateDatasetRequest struct {
	Name       string   `json:"name"`
	Parameters []string `json:"parameters"`
}

// AddCaseRequest appends one evaluation case to a dataset.
type AddCaseRequest struct {
	Input         map[string]string `json:"input"`
	Expected      string            `json:"expected,omitempty"`
	HumanReviewed bool              `json:"human_reviewed"`
}

// DatasetResponse is the dataset list view.
type DatasetResponse struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Parameters         []string  `json:"parameters"`
	CaseCount          int       `json:"case_count"`
	HumanReviewedCount int       `json:"human_reviewed_count"`
	QualityScore       float64   `json:"quality_score"`
	CreatedAt          time.Time `json:"created_at"`
}

// RunResponse is the run list/detail view.
type RunResponse struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Progress     optimizer.Progress `json:"progress"`
	ErrorMessage string             `json:"error_message,omitempty"`
}
