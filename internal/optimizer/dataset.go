package optimizer

import (
	"context"
	"log"
	"sort"
)

// Quality-score update after a run: an exponential moving average pulled
// toward a target derived from observed improvement, clamped to [0,1].
// Chosen over a proportional bump so one lucky run cannot dominate.
const (
	qualityAlpha    = 0.2
	qualityBaseline = 0.5
)

// UsageResults summarizes what a run observed while using datasets.
type UsageResults struct {
	Improvement    float64
	CasesEvaluated int
}

// DatasetSelector chooses which evaluation datasets and cases feed an
// optimization cycle.
type DatasetSelector struct {
	store  Storage
	logger *log.Logger
}

// NewDatasetSelector creates a selector over the given storage.
func NewDatasetSelector(store Storage, logger *log.Logger) *DatasetSelector {
	if logger == nil {
		logger = log.New(log.Writer(), "[DATASET] ", log.LstdFlags)
	}
	return &DatasetSelector{store: store, logger: logger}
}

// SelectDatasets returns the lab's datasets whose declared parameter set
// overlaps the requested parameters, ordered by quality score descending and
// truncated to limit when limit > 0. Partial overlap qualifies: a dataset
// need not cover every prompt slot to be useful.
func (s *DatasetSelector) SelectDatasets(ctx context.Context, labID string, parameters []string, limit int) ([]Dataset, error) {
	all, err := s.store.ListDatasets(ctx, labID)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, p := range parameters {
		want[p] = true
	}
	var out []Dataset
	for _, d := range all {
		if overlaps(d.Parameters, want) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QualityScore > out[j].QualityScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LoadCases loads cases from the given datasets, human-reviewed first with
// stable order preserved within each group, truncated to limit when
// limit > 0. An empty id list yields an empty result without error.
func (s *DatasetSelector) LoadCases(ctx context.Context, datasetIDs []string, limit int) ([]Case, error) {
	if len(datasetIDs) == 0 {
		return []Case{}, nil
	}
	cases, err := s.store.ListCases(ctx, datasetIDs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cases, func(i, j int) bool {
		return cases[i].HumanReviewed() && !cases[j].HumanReviewed()
	})
	if limit > 0 && len(cases) > limit {
		cases = cases[:limit]
	}
	return cases, nil
}

// TrackUsage records which datasets contributed to a run and nudges each
// contributing dataset's quality score toward the observed improvement.
func (s *DatasetSelector) TrackUsage(ctx context.Context, runID string, datasets []Dataset, results UsageResults) error {
	for _, d := range datasets {
		if err := s.store.RecordDatasetUsage(ctx, runID, d.ID, results.Improvement); err != nil {
			return err
		}
		updated := updatedQuality(d.QualityScore, results.Improvement)
		if err := s.store.UpdateDatasetQuality(ctx, d.ID, updated); err != nil {
			return err
		}
		s.logger.Printf("dataset %s quality %.3f -> %.3f (improvement %.3f)", d.ID, d.QualityScore, updated, results.Improvement)
	}
	return nil
}

// updatedQuality moves quality toward a target centered on the baseline and
// shifted by improvement, monotonic in improvement and bounded to [0,1].
func updatedQuality(current, improvement float64) float64 {
	target := clamp01(qualityBaseline + improvement)
	return clamp01(current + qualityAlpha*(target-current))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func overlaps(params []string, want map[string]bool) bool {
	for _, p := range params {
		if want[p] {
			return true
		}
	}
	return false
}
