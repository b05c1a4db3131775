package optimizer

import (
	"context"
	"testing"
)

func selectorWith(store *fakeStore) *DatasetSelector {
	return NewDatasetSelector(store, nil)
}

func TestSelectDatasetsFiltersAndOrders(t *testing.T) {
	store := newFakeStore(Lab{ID: "lab-1"})
	store.datasets = []Dataset{
		{ID: "d1", Parameters: []string{"recipient", "tone"}, QualityScore: 0.6},
		{ID: "d2", Parameters: []string{"subject"}, QualityScore: 0.9},
		{ID: "d3", Parameters: []string{"tone"}, QualityScore: 0.8},
		{ID: "d4", Parameters: []string{"audience"}, QualityScore: 1.0},
	}
	s := selectorWith(store)

	got, err := s.SelectDatasets(context.Background(), "lab-1", []string{"tone", "subject"}, 0)
	if err != nil {
		t.Fatalf("SelectDatasets: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 datasets, got %d", len(got))
	}
	// Ordered by quality descending; d4 has no overlap and is excluded.
	if got[0].ID != "d2" || got[1].ID != "d3" || got[2].ID != "d1" {
		t.Fatalf("wrong order: %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}

	limited, err := s.SelectDatasets(context.Background(), "lab-1", []string{"tone", "subject"}, 2)
	if err != nil {
		t.Fatalf("SelectDatasets with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not respected: got %d", len(limited))
	}
}

func TestSelectDatasetsNoOverlapYieldsEmpty(t *testing.T) {
	store := newFakeStore(Lab{ID: "lab-1"})
	store.datasets = []Dataset{{ID: "d1", Parameters: []string{"tone"}, QualityScore: 0.9}}
	s := selectorWith(store)

	got, err := s.SelectDatasets(context.Background(), "lab-1", []string{"audience"}, 0)
	if err != nil {
		t.Fatalf("SelectDatasets: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no datasets, got %d", len(got))
	}
}

func TestLoadCasesEmptyInput(t *testing.T) {
	s := selectorWith(newFakeStore(Lab{ID: "lab-1"}))
	got, err := s.LoadCases(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("LoadCases: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d cases", len(got))
	}
}

func TestLoadCasesHumanReviewedFirstStable(t *testing.T) {
	store := newFakeStore(Lab{ID: "lab-1"})
	reviewed := map[string]interface{}{"is_human_reviewed": true}
	synthetic := map[string]interface{}{"is_human_reviewed": false}
	store.cases = []Case{
		{ID: "c1", DatasetID: "d1", Context: synthetic},
		{ID: "c2", DatasetID: "d1", Context: reviewed},
		{ID: "c3", DatasetID: "d1", Context: synthetic},
		{ID: "c4", DatasetID: "d1", Context: reviewed},
		{ID: "c5", DatasetID: "d1"}, // missing flag counts as synthetic
	}
	s := selectorWith(store)

	got, err := s.LoadCases(context.Background(), []string{"d1"}, 0)
	if err != nil {
		t.Fatalf("LoadCases: %v", err)
	}
	wantOrder := []string{"c2", "c4", "c1", "c3", "c5"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Fatalf("position %d: got %s want %s", i, got[i].ID, id)
		}
	}

	limited, err := s.LoadCases(context.Background(), []string{"d1"}, 3)
	if err != nil {
		t.Fatalf("LoadCases with limit: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("limit not respected: got %d", len(limited))
	}
}

func TestTrackUsageUpdatesQualityBounded(t *testing.T) {
	store := newFakeStore(Lab{ID: "lab-1"})
	s := selectorWith(store)
	datasets := []Dataset{
		{ID: "d1", QualityScore: 0.5},
		{ID: "d2", QualityScore: 0.95},
	}

	if err := s.TrackUsage(context.Background(), "run-1", datasets, UsageResults{Improvement: 0.1}); err != nil {
		t.Fatalf("TrackUsage: %v", err)
	}
	if store.usageRecords["d1"] != 0.1 || store.usageRecords["d2"] != 0.1 {
		t.Fatalf("usage not recorded: %v", store.usageRecords)
	}

	// Positive improvement nudges quality toward 0.5+improvement.
	q1 := store.qualityUpdates["d1"]
	if q1 <= 0.5 {
		t.Fatalf("quality should rise with positive improvement, got %v", q1)
	}
	// The EMA never over-reacts to a single run.
	if q1 > 0.52+1e-9 {
		t.Fatalf("quality moved too far in one run: %v", q1)
	}
	q2 := store.qualityUpdates["d2"]
	if q2 < 0 || q2 > 1 {
		t.Fatalf("quality out of bounds: %v", q2)
	}
}

func TestUpdatedQualityMonotonicAndClamped(t *testing.T) {
	low := updatedQuality(0.5, -0.3)
	high := updatedQuality(0.5, 0.3)
	if low >= high {
		t.Fatalf("quality update must be monotonic in improvement: %v vs %v", low, high)
	}
	if got := updatedQuality(0.0, -5.0); got < 0 {
		t.Fatalf("quality below 0: %v", got)
	}
	if got := updatedQuality(1.0, 5.0); got > 1 {
		t.Fatalf("quality above 1: %v", got)
	}
}

func TestTemplateParameters(t *testing.T) {
	content := "Write to {recipient} about {subject} in a {tone} tone. Mention {subject} twice."
	got := TemplateParameters(content)
	want := []string{"recipient", "subject", "tone"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if params := TemplateParameters("no slots here"); len(params) != 0 {
		t.Fatalf("expected no parameters, got %v", params)
	}
}
