package optimizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimjune01/looplearner/config"
)

// fakeStore is an in-memory Storage used across the package tests.
type fakeStore struct {
	mu sync.Mutex

	lab      Lab
	active   *PromptVersion
	history  []float64
	snapshot *ConfidenceSnapshot
	feedback []FeedbackItem
	datasets []Dataset
	cases    []Case
	stuck    []Run

	runningRunID  string
	runningRunErr error

	createdVersions []PromptVersion
	activations     []string
	iterationBumps  int
	createdRuns     []string
	finishedRuns    map[string]string // runID -> status
	finishMessages  map[string]string
	progressSteps   []string
	usageRecords    map[string]float64 // datasetID -> improvement
	qualityUpdates  map[string]float64
}

func newFakeStore(lab Lab) *fakeStore {
	return &fakeStore{
		lab:            lab,
		finishedRuns:   map[string]string{},
		finishMessages: map[string]string{},
		usageRecords:   map[string]float64{},
		qualityUpdates: map[string]float64{},
	}
}

func (f *fakeStore) GetLab(ctx context.Context, id string) (Lab, error) {
	if id != f.lab.ID {
		return Lab{}, fmt.Errorf("no such lab")
	}
	return f.lab, nil
}

func (f *fakeStore) IncrementLabIterations(ctx context.Context, labID string, feedbackDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iterationBumps++
	f.lab.OptimizationIterations++
	f.lab.TotalFeedbackCollected += feedbackDelta
	return nil
}

func (f *fakeStore) ActivePromptVersion(ctx context.Context, labID string) (PromptVersion, error) {
	if f.active == nil {
		return PromptVersion{}, fmt.Errorf("no active version")
	}
	return *f.active, nil
}

func (f *fakeStore) CreatePromptVersion(ctx context.Context, pv PromptVersion) (PromptVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Version numbers are assigned here, mirroring the real store.
	next := 1
	if f.active != nil && f.active.Version >= next {
		next = f.active.Version + 1
	}
	for _, v := range f.createdVersions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	pv.Version = next
	pv.ID = fmt.Sprintf("pv-%d", len(f.createdVersions)+1)
	pv.CreatedAt = time.Now()
	f.createdVersions = append(f.createdVersions, pv)
	return pv, nil
}

func (f *fakeStore) ActivatePromptVersion(ctx context.Context, labID, versionID string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, versionID)
	return nil
}

func (f *fakeStore) PerformanceHistory(ctx context.Context, labID string, limit int) ([]float64, error) {
	if limit > 0 && len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeStore) LatestConfidenceSnapshot(ctx context.Context, labID string) (*ConfidenceSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeStore) RecentFeedback(ctx context.Context, labID string, window time.Duration) ([]FeedbackItem, error) {
	return f.feedback, nil
}

func (f *fakeStore) ListDatasets(ctx context.Context, labID string) ([]Dataset, error) {
	return f.datasets, nil
}

func (f *fakeStore) ListCases(ctx context.Context, datasetIDs []string) ([]Case, error) {
	want := map[string]bool{}
	for _, id := range datasetIDs {
		want[id] = true
	}
	var out []Case
	for _, c := range f.cases {
		if want[c.DatasetID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateDatasetQuality(ctx context.Context, datasetID string, quality float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qualityUpdates[datasetID] = quality
	return nil
}

func (f *fakeStore) RecordDatasetUsage(ctx context.Context, runID, datasetID string, improvement float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageRecords[datasetID] = improvement
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, labID, status string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("run-%d", len(f.createdRuns)+1)
	f.createdRuns = append(f.createdRuns, id)
	return id, nil
}

func (f *fakeStore) UpdateRunProgress(ctx context.Context, runID string, p Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progressSteps = append(f.progressSteps, p.CurrentStep)
	return nil
}

func (f *fakeStore) FinishRun(ctx context.Context, runID, status string, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishedRuns[runID] = status
	if errMsg != nil {
		f.finishMessages[runID] = *errMsg
	}
	return nil
}

func (f *fakeStore) RunningRun(ctx context.Context, labID string) (string, bool, error) {
	if f.runningRunErr != nil {
		return "", false, f.runningRunErr
	}
	if f.runningRunID != "" {
		return f.runningRunID, true, nil
	}
	return "", false, nil
}

func (f *fakeStore) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]Run, error) {
	var out []Run
	for _, r := range f.stuck {
		if r.StartedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	return out, nil
}

func testOptimizationConfig() config.OptimizationConfig {
	return config.OptimizationConfig{
		CheckIntervalMinutes:     60,
		MinFeedbackCount:         10,
		MinNegativeFeedbackRatio: 0.3,
		FeedbackWindowHours:      24,
		MaxIterationsSoftLimit:   10,
		MaxIterationsHardLimit:   20,
		MinIterations:            3,
		MinFeedback:              50,
		MinImprovement:           0.02,
		MaxEvaluationCases:       50,
		RunTimeoutMinutes:        30,
	}
}

func testConfig() *config.Config {
	return &config.Config{Optimization: testOptimizationConfig()}
}

func floatPtr(v float64) *float64 { return &v }
