package optimizer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/internal/telemetry"
	"github.com/kimjune01/looplearner/provider/types"
)

var orchestratorTracer trace.Tracer = otel.Tracer("looplearner/internal/optimizer")

// Orchestrator drives one optimization attempt end to end: trigger
// evaluation, convergence check, dataset selection, candidate generation and
// evaluation, and the deployment decision.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry

	store    Storage
	provider types.Provider
	detector *Detector
	selector *DatasetSelector
	cost     *CostModel
	locker   RunLocker

	mu       sync.Mutex
	inflight map[string]bool
}

// NewOrchestrator wires the control loop together. A nil locker falls back
// to in-process locking.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tele *telemetry.Telemetry, store Storage, prov types.Provider, locker RunLocker) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if prov == nil {
		return nil, fmt.Errorf("LLM provider is required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if locker == nil {
		locker = newLocalRunLocker()
	}

	profile := DefaultModelProfile()
	if m, ok := cfg.LLM.Providers[firstProviderKey(cfg.LLM)]; ok {
		if model, ok := m.Models[cfg.LLM.Routing.Evaluate]; ok {
			profile = ProfileFromModel(model)
		}
	}
	cost := NewCostModel(profile)

	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		telemetry: tele,
		store:     store,
		provider:  prov,
		detector:  NewDetector(cfg.Optimization, store, cost, logger),
		selector:  NewDatasetSelector(store, logger),
		cost:      cost,
		locker:    locker,
		inflight:  map[string]bool{},
	}, nil
}

func firstProviderKey(cfg config.LLMConfig) string {
	for k := range cfg.Providers {
		return k
	}
	return ""
}

// AssessConvergence runs the stopping rule for a lab.
func (o *Orchestrator) AssessConvergence(ctx context.Context, labID string) (Assessment, error) {
	lab, err := o.store.GetLab(ctx, labID)
	if err != nil {
		return Assessment{}, NotFoundError{Kind: "lab", ID: labID}
	}
	return o.detector.AssessConvergence(ctx, lab)
}

// EstimateCost estimates one iteration against the lab's active prompt and
// its preferred evaluation material.
func (o *Orchestrator) EstimateCost(ctx context.Context, labID string) (CostEstimate, error) {
	lab, err := o.store.GetLab(ctx, labID)
	if err != nil {
		return CostEstimate{}, NotFoundError{Kind: "lab", ID: labID}
	}
	active, err := o.store.ActivePromptVersion(ctx, lab.ID)
	if err != nil {
		return CostEstimate{}, ValidationError{Msg: "lab has no active prompt version"}
	}
	datasets, err := o.selector.SelectDatasets(ctx, lab.ID, TemplateParameters(active.Content), 0)
	if err != nil {
		return CostEstimate{}, err
	}
	caseCount := 0
	for _, d := range datasets {
		caseCount += d.CaseCount
	}
	if max := o.cfg.Optimization.MaxEvaluationCases; max > 0 && caseCount > max {
		caseCount = max
	}
	if caseCount == 0 {
		caseCount = defaultSavingsCaseSize
	}
	return o.cost.EstimateIterationCostForPrompt(active.Content, caseCount), nil
}

// TriggerOptimization evaluates a feedback batch and, when enough signal
// exists, attempts one optimization cycle. An empty batch falls back to the
// lab's recent feedback window.
func (o *Orchestrator) TriggerOptimization(ctx context.Context, labID string, feedback []FeedbackItem) (CycleResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "optimizer.trigger",
		trace.WithAttributes(
			attribute.String("lab.id", labID),
			attribute.Int("feedback.count", len(feedback)),
		))
	defer span.End()

	lab, err := o.store.GetLab(ctx, labID)
	if err != nil {
		return CycleResult{State: StateFailed}, NotFoundError{Kind: "lab", ID: labID}
	}

	if len(feedback) == 0 {
		window := time.Duration(o.cfg.Optimization.FeedbackWindowHours) * time.Hour
		feedback, err = o.store.RecentFeedback(ctx, lab.ID, window)
		if err != nil {
			return CycleResult{State: StateFailed}, fmt.Errorf("load recent feedback: %w", err)
		}
	}

	if reason, ok := o.evaluateTrigger(feedback); !ok {
		o.logger.Printf("lab %s: trigger declined (%s)", lab.ID, reason)
		span.AddEvent("trigger.declined", trace.WithAttributes(attribute.String("reason", reason)))
		return CycleResult{State: StateIdle, Reason: reason}, nil
	}

	return o.runCycle(ctx, lab, feedback, cycleOptions{})
}

// ForceOptimization bypasses trigger evaluation. With overrideConvergence
// false the attempt can still be Blocked; with true it always runs a cycle.
func (o *Orchestrator) ForceOptimization(ctx context.Context, labID, reason string, overrideConvergence bool) (CycleResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "optimizer.force",
		trace.WithAttributes(
			attribute.String("lab.id", labID),
			attribute.Bool("override_convergence", overrideConvergence),
		))
	defer span.End()

	lab, err := o.store.GetLab(ctx, labID)
	if err != nil {
		return CycleResult{State: StateFailed}, NotFoundError{Kind: "lab", ID: labID}
	}

	window := time.Duration(o.cfg.Optimization.FeedbackWindowHours) * time.Hour
	feedback, err := o.store.RecentFeedback(ctx, lab.ID, window)
	if err != nil {
		return CycleResult{State: StateFailed}, fmt.Errorf("load recent feedback: %w", err)
	}

	o.logger.Printf("lab %s: forced optimization (%s)", lab.ID, reason)
	return o.runCycle(ctx, lab, feedback, cycleOptions{forced: true, overrideConvergence: overrideConvergence, reason: reason})
}

type cycleOptions struct {
	forced              bool
	overrideConvergence bool
	reason              string
}

// evaluateTrigger decides whether a feedback batch carries enough signal to
// warrant spending an iteration.
func (o *Orchestrator) evaluateTrigger(feedback []FeedbackItem) (string, bool) {
	// Guarded separately from the count threshold: an operator can set
	// min_feedback_count to 0, and 0/0 below would be NaN.
	if len(feedback) == 0 {
		return "insufficient_signal", false
	}
	if len(feedback) < o.cfg.Optimization.MinFeedbackCount {
		return "insufficient_signal", false
	}
	rejected := 0
	for _, f := range feedback {
		if f.Action == ActionReject {
			rejected++
		}
	}
	ratio := float64(rejected) / float64(len(feedback))
	if ratio < o.cfg.Optimization.MinNegativeFeedbackRatio {
		return "insufficient_signal", false
	}
	return "", true
}

// runCycle drives the state machine for a single attempt. Provider failures
// finalize the run as failed and leave PromptVersion/Lab state untouched.
func (o *Orchestrator) runCycle(ctx context.Context, lab Lab, feedback []FeedbackItem, opts cycleOptions) (CycleResult, error) {
	ctx, span := orchestratorTracer.Start(ctx, "optimizer.cycle",
		trace.WithAttributes(attribute.String("lab.id", lab.ID)))
	defer span.End()

	// Single in-flight run per lab: the candidate stages mutate the lab's
	// active-prompt pointer and must never race.
	if ok := o.acquire(ctx, lab.ID); !ok {
		return CycleResult{State: StateRejected, Reason: "optimization already in flight"}, ErrRunInFlight
	}
	defer o.release(ctx, lab.ID)

	running, found, err := o.store.RunningRun(ctx, lab.ID)
	if err != nil {
		return CycleResult{State: StateFailed}, fmt.Errorf("check running run: %w", err)
	}
	if found {
		o.logger.Printf("lab %s: run %s still in flight, rejecting trigger", lab.ID, running)
		return CycleResult{State: StateRejected, Reason: "optimization already in flight"}, ErrRunInFlight
	}

	// ConvergenceCheck. A converged lab is a stop, not a failure, and
	// records no run.
	if !opts.overrideConvergence {
		assessment, err := o.detector.AssessConvergence(ctx, lab)
		if err != nil {
			return CycleResult{State: StateFailed}, fmt.Errorf("assess convergence: %w", err)
		}
		if assessment.Converged {
			o.telemetry.RecordBlocked()
			span.AddEvent("cycle.blocked")
			return CycleResult{
				State:      StateBlocked,
				Deployed:   false,
				Reason:     "optimization blocked by convergence: " + assessment.Explanation(),
				Assessment: &assessment,
			}, nil
		}
	}

	active, err := o.store.ActivePromptVersion(ctx, lab.ID)
	if err != nil {
		return CycleResult{State: StateFailed}, ValidationError{Msg: "lab has no active prompt version"}
	}

	runID, err := o.store.CreateRun(ctx, lab.ID, RunStatusRunning)
	if err != nil {
		return CycleResult{State: StateFailed}, fmt.Errorf("create run: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", runID))

	// DatasetSelection. No qualifying datasets degrades to feedback-derived
	// cases rather than failing the cycle.
	o.progress(ctx, runID, string(StateDatasetSelection), 0, 0)
	params := TemplateParameters(active.Content)
	datasets, err := o.selector.SelectDatasets(ctx, lab.ID, params, 0)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("select datasets: %w", err))
	}
	datasetIDs := make([]string, 0, len(datasets))
	for _, d := range datasets {
		datasetIDs = append(datasetIDs, d.ID)
	}
	cases, err := o.selector.LoadCases(ctx, datasetIDs, o.cfg.Optimization.MaxEvaluationCases)
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("load cases: %w", err))
	}
	if len(cases) == 0 {
		o.logger.Printf("lab %s: no qualifying datasets, deriving cases from feedback", lab.ID)
		cases = casesFromFeedback(feedback)
	}

	// CandidateGeneration
	o.progress(ctx, runID, string(StateCandidateGeneration), 0, len(cases))
	candidateText, err := o.provider.Rewrite(ctx, active.Content, toProviderFeedback(feedback), toProviderCases(cases))
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("candidate generation: %w", err))
	}
	candidate, err := o.store.CreatePromptVersion(ctx, PromptVersion{
		LabID:    lab.ID,
		Content:  candidateText,
		IsActive: false,
	})
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("persist candidate: %w", err))
	}

	// CandidateEvaluation
	o.progress(ctx, runID, string(StateCandidateEvaluation), 0, len(cases))
	evaluation, err := o.provider.Evaluate(ctx, candidateText, toProviderCases(cases))
	if err != nil {
		return o.failRun(ctx, runID, fmt.Errorf("candidate evaluation: %w", err))
	}
	o.progress(ctx, runID, string(StateCandidateEvaluation), len(cases), len(cases))

	activeScore := 0.0
	if active.PerformanceScore != nil {
		activeScore = *active.PerformanceScore
	}
	improvement := evaluation.Score - activeScore
	span.SetAttributes(attribute.Float64("cycle.improvement", improvement))

	est := o.cost.EstimateIterationCostForPrompt(active.Content, len(cases))
	o.telemetry.RecordCost("optimization_cycle", est.Total)

	// DeploymentDecision
	o.progress(ctx, runID, string(StateDeploymentDecision), len(cases), len(cases))
	deploy := improvement > 0
	if !opts.forced && improvement < o.cfg.Optimization.MinImprovement {
		deploy = false
	}

	result := CycleResult{
		RunID:            runID,
		Improvement:      improvement,
		CandidateVersion: &candidate,
	}

	if deploy {
		if err := o.store.ActivatePromptVersion(ctx, lab.ID, candidate.ID, evaluation.Score); err != nil {
			return o.failRun(ctx, runID, fmt.Errorf("activate candidate: %w", err))
		}
		if err := o.store.IncrementLabIterations(ctx, lab.ID, len(feedback)); err != nil {
			return o.failRun(ctx, runID, fmt.Errorf("record iteration: %w", err))
		}
		if err := o.selector.TrackUsage(ctx, runID, datasets, UsageResults{Improvement: improvement, CasesEvaluated: len(cases)}); err != nil {
			o.logger.Printf("lab %s: usage tracking failed: %v", lab.ID, err)
		}
		o.telemetry.RecordDeployment()
		result.State = StateDeployed
		result.Deployed = true
		result.Reason = fmt.Sprintf("candidate improved score by %.4f", improvement)
		candidate.IsActive = true
		score := evaluation.Score
		candidate.PerformanceScore = &score
	} else {
		result.State = StateRejected
		result.Deployed = false
		reason := evaluation.Reason
		if reason == "" {
			reason = fmt.Sprintf("improvement %.4f below the deployment floor", improvement)
		}
		result.Reason = reason
	}

	if err := o.store.FinishRun(ctx, runID, RunStatusSucceeded, nil); err != nil {
		o.logger.Printf("lab %s: finalizing run %s failed: %v", lab.ID, runID, err)
	}
	o.telemetry.RecordRun(RunStatusSucceeded)
	span.SetStatus(codes.Ok, string(result.State))
	o.logger.Printf("lab %s: cycle finished state=%s improvement=%.4f", lab.ID, result.State, improvement)
	return result, nil
}

// ReapStuckRuns marks runs left running past the timeout as failed with a
// diagnostic of where they stalled. Components treat a reaped run as
// authoritative and never resurrect it.
func (o *Orchestrator) ReapStuckRuns(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout)
	stuck, err := o.store.ListStuckRuns(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck runs: %w", err)
	}
	for _, run := range stuck {
		elapsed := time.Since(run.StartedAt).Round(time.Second)
		msg := fmt.Sprintf("run stuck for %s at step %q (%d/%d cases evaluated)",
			elapsed, run.Progress.CurrentStep, run.Progress.EvaluatedCases, run.Progress.TotalCases)
		if err := o.store.FinishRun(ctx, run.ID, RunStatusFailed, &msg); err != nil {
			return 0, fmt.Errorf("reap run %s: %w", run.ID, err)
		}
		o.telemetry.RecordRun(RunStatusFailed)
		o.logger.Printf("reaped run %s: %s", run.ID, msg)
	}
	return len(stuck), nil
}

func (o *Orchestrator) acquire(ctx context.Context, labID string) bool {
	o.mu.Lock()
	if o.inflight[labID] {
		o.mu.Unlock()
		return false
	}
	o.inflight[labID] = true
	o.mu.Unlock()

	ok, err := o.locker.TryLock(ctx, labID)
	if err != nil {
		// A lock we cannot confirm is a lock we do not hold.
		o.logger.Printf("lab %s: run lock error: %v", labID, err)
	}
	if err != nil || !ok {
		o.mu.Lock()
		delete(o.inflight, labID)
		o.mu.Unlock()
		return false
	}
	return true
}

func (o *Orchestrator) release(ctx context.Context, labID string) {
	if err := o.locker.Unlock(ctx, labID); err != nil {
		o.logger.Printf("lab %s: run unlock error: %v", labID, err)
	}
	o.mu.Lock()
	delete(o.inflight, labID)
	o.mu.Unlock()
}

func (o *Orchestrator) progress(ctx context.Context, runID, step string, evaluated, total int) {
	err := o.store.UpdateRunProgress(ctx, runID, Progress{
		CurrentStep:    step,
		EvaluatedCases: evaluated,
		TotalCases:     total,
	})
	if err != nil {
		o.logger.Printf("run %s: progress update failed: %v", runID, err)
	}
}

func (o *Orchestrator) failRun(ctx context.Context, runID string, cause error) (CycleResult, error) {
	msg := cause.Error()
	if err := o.store.FinishRun(ctx, runID, RunStatusFailed, &msg); err != nil {
		o.logger.Printf("run %s: recording failure also failed: %v", runID, err)
	}
	o.telemetry.RecordRun(RunStatusFailed)
	return CycleResult{State: StateFailed, RunID: runID, Reason: msg}, cause
}

// casesFromFeedback synthesizes minimal evaluation cases from rejection
// reasons when no curated dataset qualifies.
func casesFromFeedback(feedback []FeedbackItem) []Case {
	var out []Case
	for _, f := range feedback {
		if f.Action != ActionReject || f.Reason == "" {
			continue
		}
		out = append(out, Case{
			ID:    f.ID,
			Input: map[string]string{"rejected_draft_reason": f.Reason},
			Context: map[string]interface{}{
				"source":            "feedback",
				"is_human_reviewed": false,
			},
		})
	}
	return out
}

func toProviderFeedback(items []FeedbackItem) []types.Feedback {
	out := make([]types.Feedback, 0, len(items))
	for _, f := range items {
		out = append(out, types.Feedback{Action: f.Action, Reason: f.Reason})
	}
	return out
}

func toProviderCases(cases []Case) []types.EvalCase {
	out := make([]types.EvalCase, 0, len(cases))
	for _, c := range cases {
		out = append(out, types.EvalCase{
			ID:            c.ID,
			Input:         c.Input,
			Expected:      c.Expected,
			HumanReviewed: c.HumanReviewed(),
		})
	}
	return out
}
