package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/kimjune01/looplearner/internal/optimizer"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestCreateLabInsertsInitialVersion(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO labs (user_id, name, schedule_cron) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-1", "support replies", "0 * * * *").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lab-1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO prompt_versions (lab_id, content, version, is_active) VALUES ($1,$2,1,TRUE)`)).
		WithArgs("lab-1", "Draft a reply to {customer}.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := st.CreateLab(context.Background(), "user-1", "support replies", "0 * * * *", "Draft a reply to {customer}.")
	if err != nil {
		t.Fatalf("CreateLab: %v", err)
	}
	if id != "lab-1" {
		t.Fatalf("unexpected lab id %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateLabRollsBackOnVersionFailure(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO labs (user_id, name, schedule_cron) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-1", "support replies", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lab-1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO prompt_versions`)).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if _, err := st.CreateLab(context.Background(), "user-1", "support replies", "", "prompt"); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActivatePromptVersionSwapsPointer(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE prompt_versions SET is_active=FALSE WHERE lab_id=$1 AND is_active=TRUE`)).
		WithArgs("lab-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE prompt_versions SET is_active=TRUE, performance_score=$3 WHERE id=$2 AND lab_id=$1`)).
		WithArgs("lab-1", "pv-2", 0.82).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := st.ActivatePromptVersion(context.Background(), "lab-1", "pv-2", 0.82); err != nil {
		t.Fatalf("ActivatePromptVersion: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestActivatePromptVersionUnknownVersion(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE prompt_versions SET is_active=FALSE`)).
		WithArgs("lab-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE prompt_versions SET is_active=TRUE`)).
		WithArgs("lab-1", "pv-missing", 0.82).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := st.ActivatePromptVersion(context.Background(), "lab-1", "pv-missing", 0.82); err == nil {
		t.Fatalf("expected error for unknown version")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreatePromptVersionAssignsNextVersion(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT $1, $2, COALESCE(MAX(version),0)+1, $3, $4 FROM prompt_versions WHERE lab_id=$1`)).
		WithArgs("lab-1", "Draft politely.", false, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "created_at"}).AddRow("pv-9", 5, time.Now()))

	// The caller's Version is ignored; the database picks the next slot.
	pv, err := st.CreatePromptVersion(context.Background(), optimizer.PromptVersion{
		LabID:   "lab-1",
		Content: "Draft politely.",
		Version: 99,
	})
	if err != nil {
		t.Fatalf("CreatePromptVersion: %v", err)
	}
	if pv.Version != 5 {
		t.Fatalf("version should come from the database, got %d", pv.Version)
	}
	if pv.ID != "pv-9" {
		t.Fatalf("unexpected id %q", pv.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPerformanceHistoryMostRecentFirst(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	query := regexp.QuoteMeta(`SELECT performance_score FROM prompt_versions WHERE lab_id=$1 AND performance_score IS NOT NULL ORDER BY version DESC LIMIT $2`)
	mock.ExpectQuery(query).
		WithArgs("lab-1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"performance_score"}).
			AddRow(0.90).AddRow(0.85).AddRow(0.80))

	got, err := st.PerformanceHistory(context.Background(), "lab-1", 5)
	if err != nil {
		t.Fatalf("PerformanceHistory: %v", err)
	}
	if len(got) != 3 || got[0] != 0.90 || got[2] != 0.80 {
		t.Fatalf("unexpected history: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLatestConfidenceSnapshotNoRows(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT user_confidence").
		WithArgs("lab-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_confidence"}))

	snap, err := st.LatestConfidenceSnapshot(context.Background(), "lab-1")
	if err != nil {
		t.Fatalf("LatestConfidenceSnapshot: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot, got %+v", snap)
	}
}

func TestListDatasetsScansParametersAndCounts(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	mock.ExpectQuery("SELECT d.id, d.lab_id, d.name, d.parameters").
		WithArgs("lab-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "lab_id", "name", "parameters", "quality_score", "created_at", "case_count", "human_reviewed_count"}).
			AddRow("d1", "lab-1", "tone cases", pq.StringArray{"tone", "recipient"}, 0.8, now, 12, 4))

	got, err := st.ListDatasets(context.Background(), "lab-1")
	if err != nil {
		t.Fatalf("ListDatasets: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dataset, got %d", len(got))
	}
	d := got[0]
	if len(d.Parameters) != 2 || d.Parameters[0] != "tone" {
		t.Fatalf("parameters not scanned: %v", d.Parameters)
	}
	if d.CaseCount != 12 || d.HumanReviewedCount != 4 {
		t.Fatalf("counts not scanned: %+v", d)
	}
}

func TestListCasesUnmarshalsDocuments(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	now := time.Now()
	mock.ExpectQuery("SELECT id, dataset_id, input, expected, context").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "dataset_id", "input", "expected", "context", "created_at"}).
			AddRow("c1", "d1", []byte(`{"tone":"formal"}`), "Dear team", []byte(`{"is_human_reviewed":true}`), now))

	got, err := st.ListCases(context.Background(), []string{"d1"})
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 case, got %d", len(got))
	}
	if got[0].Input["tone"] != "formal" {
		t.Fatalf("input not unmarshaled: %v", got[0].Input)
	}
	if !got[0].HumanReviewed() {
		t.Fatalf("context not unmarshaled: %v", got[0].Context)
	}
}

func TestRunningRun(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	query := regexp.QuoteMeta(`SELECT id FROM optimization_runs WHERE lab_id=$1 AND status='running' LIMIT 1`)
	mock.ExpectQuery(query).
		WithArgs("lab-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-9"))

	id, found, err := st.RunningRun(context.Background(), "lab-1")
	if err != nil {
		t.Fatalf("RunningRun: %v", err)
	}
	if !found || id != "run-9" {
		t.Fatalf("unexpected result: %q %v", id, found)
	}

	mock.ExpectQuery(query).
		WithArgs("lab-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, found, err = st.RunningRun(context.Background(), "lab-2")
	if err != nil {
		t.Fatalf("RunningRun empty: %v", err)
	}
	if found {
		t.Fatalf("expected no running run")
	}
}

func TestListStuckRunsParsesProgress(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	started := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery("SELECT id, lab_id, status, started_at, progress_data").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "lab_id", "status", "started_at", "progress_data"}).
			AddRow("run-1", "lab-1", "running", started, []byte(`{"current_step":"candidate_evaluation","evaluated_cases":7,"total_cases":50}`)))

	got, err := st.ListStuckRuns(context.Background(), time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListStuckRuns: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	if got[0].Progress.CurrentStep != "candidate_evaluation" || got[0].Progress.EvaluatedCases != 7 {
		t.Fatalf("progress not parsed: %+v", got[0].Progress)
	}
}

func TestFinishRunStoresMessage(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	msg := "run stuck for 2h0m0s"
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE optimization_runs SET status=$2, error_message=$3, completed_at=NOW() WHERE id=$1`)).
		WithArgs("run-1", optimizer.RunStatusFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinishRun(context.Background(), "run-1", optimizer.RunStatusFailed, &msg); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateRunProgressMarshalsJSON(t *testing.T) {
	st, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE optimization_runs SET progress_data=$2 WHERE id=$1`)).
		WithArgs("run-1", []byte(`{"current_step":"dataset_selection","evaluated_cases":0,"total_cases":0}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.UpdateRunProgress(context.Background(), "run-1", optimizer.Progress{CurrentStep: "dataset_selection"})
	if err != nil {
		t.Fatalf("UpdateRunProgress: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
