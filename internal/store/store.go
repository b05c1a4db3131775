// Package store is the Postgres persistence layer for labs, prompt versions,
// feedback, evaluation datasets and optimization runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kimjune01/looplearner/config"
	"github.com/kimjune01/looplearner/internal/optimizer"
)

type Store struct {
	DB *sql.DB
}

var _ optimizer.Storage = (*Store)(nil)

// Lab is the server-facing lab row, including ownership.
type Lab struct {
	ID                     string
	UserID                 string
	Name                   string
	OptimizationIterations int
	TotalFeedbackCollected int
	ScheduleCron           string
	CreatedAt              time.Time
}

// RunRecord is a persisted optimization run with its progress document.
type RunRecord struct {
	ID           string
	LabID        string
	Status       string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Progress     optimizer.Progress
	ErrorMessage string
}

// New opens a Postgres connection from configuration.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Lab operations

// CreateLab creates a lab together with its initial active prompt version.
// Both rows land or neither does.
func (s *Store) CreateLab(ctx context.Context, userID, name, cron, initialPrompt string) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var labID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO labs (user_id, name, schedule_cron) VALUES ($1,$2,$3) RETURNING id`,
		userID, name, cron).Scan(&labID)
	if err != nil {
		return "", err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO prompt_versions (lab_id, content, version, is_active) VALUES ($1,$2,1,TRUE)`,
		labID, initialPrompt)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return labID, nil
}

func (s *Store) ListLabs(ctx context.Context, userID string) ([]Lab, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, name, optimization_iterations, total_feedback_collected, schedule_cron, created_at FROM labs WHERE user_id=$1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLabs(rows)
}

// ListAllLabs returns every lab regardless of owner, for the scheduler sweep.
func (s *Store) ListAllLabs(ctx context.Context) ([]Lab, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, name, optimization_iterations, total_feedback_collected, schedule_cron, created_at FROM labs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLabs(rows)
}

func scanLabs(rows *sql.Rows) ([]Lab, error) {
	var out []Lab
	for rows.Next() {
		var l Lab
		if err := rows.Scan(&l.ID, &l.UserID, &l.Name, &l.OptimizationIterations, &l.TotalFeedbackCollected, &l.ScheduleCron, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLabOwned fetches a lab scoped to its owner.
func (s *Store) GetLabOwned(ctx context.Context, id, userID string) (Lab, error) {
	var l Lab
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, name, optimization_iterations, total_feedback_collected, schedule_cron, created_at FROM labs WHERE id=$1 AND user_id=$2`,
		id, userID).Scan(&l.ID, &l.UserID, &l.Name, &l.OptimizationIterations, &l.TotalFeedbackCollected, &l.ScheduleCron, &l.CreatedAt)
	return l, err
}

// GetLab implements the control loop's lab lookup.
func (s *Store) GetLab(ctx context.Context, id string) (optimizer.Lab, error) {
	var l optimizer.Lab
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, optimization_iterations, total_feedback_collected, schedule_cron, created_at FROM labs WHERE id=$1`,
		id).Scan(&l.ID, &l.Name, &l.OptimizationIterations, &l.TotalFeedbackCollected, &l.ScheduleCron, &l.CreatedAt)
	return l, err
}

func (s *Store) IncrementLabIterations(ctx context.Context, labID string, feedbackDelta int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE labs SET optimization_iterations = optimization_iterations + 1, total_feedback_collected = total_feedback_collected + $2 WHERE id=$1`,
		labID, feedbackDelta)
	return err
}

// Prompt version operations

func (s *Store) ActivePromptVersion(ctx context.Context, labID string) (optimizer.PromptVersion, error) {
	var pv optimizer.PromptVersion
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, lab_id, content, version, is_active, performance_score, created_at FROM prompt_versions WHERE lab_id=$1 AND is_active=TRUE`,
		labID).Scan(&pv.ID, &pv.LabID, &pv.Content, &pv.Version, &pv.IsActive, &pv.PerformanceScore, &pv.CreatedAt)
	return pv, err
}

func (s *Store) CreatePromptVersion(ctx context.Context, pv optimizer.PromptVersion) (optimizer.PromptVersion, error) {
	// The next version number is assigned here, not by the caller, so
	// rejected candidates consume a version slot and a later cycle never
	// collides with the UNIQUE (lab_id, version) constraint.
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO prompt_versions (lab_id, content, version, is_active, performance_score)
		 SELECT $1, $2, COALESCE(MAX(version),0)+1, $3, $4 FROM prompt_versions WHERE lab_id=$1
		 RETURNING id, version, created_at`,
		pv.LabID, pv.Content, pv.IsActive, pv.PerformanceScore).Scan(&pv.ID, &pv.Version, &pv.CreatedAt)
	return pv, err
}

// ActivatePromptVersion atomically moves the active pointer to versionID and
// records its measured score. Readers never observe a lab with zero or two
// active versions.
func (s *Store) ActivatePromptVersion(ctx context.Context, labID, versionID string, score float64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE prompt_versions SET is_active=FALSE WHERE lab_id=$1 AND is_active=TRUE`, labID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE prompt_versions SET is_active=TRUE, performance_score=$3 WHERE id=$2 AND lab_id=$1`,
		labID, versionID, score)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prompt version %s not found for lab %s", versionID, labID)
	}
	return tx.Commit()
}

func (s *Store) ListPromptVersions(ctx context.Context, labID string) ([]optimizer.PromptVersion, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, lab_id, content, version, is_active, performance_score, created_at FROM prompt_versions WHERE lab_id=$1 ORDER BY version DESC`,
		labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []optimizer.PromptVersion
	for rows.Next() {
		var pv optimizer.PromptVersion
		if err := rows.Scan(&pv.ID, &pv.LabID, &pv.Content, &pv.Version, &pv.IsActive, &pv.PerformanceScore, &pv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// PerformanceHistory returns scored versions most recent first.
func (s *Store) PerformanceHistory(ctx context.Context, labID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT performance_score FROM prompt_versions WHERE lab_id=$1 AND performance_score IS NOT NULL ORDER BY version DESC LIMIT $2`,
		labID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Feedback operations

func (s *Store) AddFeedback(ctx context.Context, item optimizer.FeedbackItem) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO feedback_items (lab_id, prompt_version_id, action, reason) VALUES ($1,$2,$3,$4) RETURNING id`,
		item.LabID, item.PromptVersionID, item.Action, item.Reason).Scan(&id)
	return id, err
}

func (s *Store) RecentFeedback(ctx context.Context, labID string, window time.Duration) ([]optimizer.FeedbackItem, error) {
	cutoff := time.Now().Add(-window)
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, lab_id, prompt_version_id, action, reason, created_at FROM feedback_items WHERE lab_id=$1 AND created_at >= $2 ORDER BY created_at DESC`,
		labID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []optimizer.FeedbackItem
	for rows.Next() {
		var f optimizer.FeedbackItem
		if err := rows.Scan(&f.ID, &f.LabID, &f.PromptVersionID, &f.Action, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Confidence snapshot operations

func (s *Store) InsertConfidenceSnapshot(ctx context.Context, labID string, snap optimizer.ConfidenceSnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO confidence_snapshots (lab_id, user_confidence, system_confidence, confidence_trend, feedback_consistency_score, reasoning_alignment_score, total_feedback_count, consistent_feedback_streak)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		labID, snap.UserConfidence, snap.SystemConfidence, snap.ConfidenceTrend,
		snap.FeedbackConsistencyScore, snap.ReasoningAlignmentScore,
		snap.TotalFeedbackCount, snap.ConsistentFeedbackStreak)
	return err
}

func (s *Store) LatestConfidenceSnapshot(ctx context.Context, labID string) (*optimizer.ConfidenceSnapshot, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT user_confidence, system_confidence, confidence_trend, feedback_consistency_score, reasoning_alignment_score, total_feedback_count, consistent_feedback_streak, created_at
FROM confidence_snapshots
WHERE lab_id=$1
ORDER BY created_at DESC
LIMIT 1`, labID)
	var snap optimizer.ConfidenceSnapshot
	err := row.Scan(&snap.UserConfidence, &snap.SystemConfidence, &snap.ConfidenceTrend,
		&snap.FeedbackConsistencyScore, &snap.ReasoningAlignmentScore,
		&snap.TotalFeedbackCount, &snap.ConsistentFeedbackStreak, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Dataset operations

func (s *Store) CreateDataset(ctx context.Context, labID, name string, parameters []string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO evaluation_datasets (lab_id, name, parameters) VALUES ($1,$2,$3) RETURNING id`,
		labID, name, pq.Array(parameters)).Scan(&id)
	return id, err
}

func (s *Store) AddCase(ctx context.Context, c optimizer.Case) (string, error) {
	inputBytes, err := json.Marshal(c.Input)
	if err != nil {
		return "", fmt.Errorf("marshal case input: %w", err)
	}
	contextBytes, err := json.Marshal(c.Context)
	if err != nil {
		return "", fmt.Errorf("marshal case context: %w", err)
	}
	var id string
	err = s.DB.QueryRowContext(ctx,
		`INSERT INTO evaluation_cases (dataset_id, input, expected, context) VALUES ($1,$2,$3,$4) RETURNING id`,
		c.DatasetID, inputBytes, c.Expected, contextBytes).Scan(&id)
	return id, err
}

func (s *Store) ListDatasets(ctx context.Context, labID string) ([]optimizer.Dataset, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT d.id, d.lab_id, d.name, d.parameters, d.quality_score, d.created_at,
       (SELECT COUNT(*) FROM evaluation_cases c WHERE c.dataset_id = d.id) AS case_count,
       (SELECT COUNT(*) FROM evaluation_cases c WHERE c.dataset_id = d.id AND (c.context->>'is_human_reviewed')::boolean) AS human_reviewed_count
FROM evaluation_datasets d
WHERE d.lab_id=$1
ORDER BY d.created_at DESC`, labID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []optimizer.Dataset
	for rows.Next() {
		var d optimizer.Dataset
		var params pq.StringArray
		if err := rows.Scan(&d.ID, &d.LabID, &d.Name, &params, &d.QualityScore, &d.CreatedAt, &d.CaseCount, &d.HumanReviewedCount); err != nil {
			return nil, err
		}
		d.Parameters = []string(params)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListCases(ctx context.Context, datasetIDs []string) ([]optimizer.Case, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, dataset_id, input, expected, context, created_at FROM evaluation_cases WHERE dataset_id = ANY($1) ORDER BY created_at`,
		pq.Array(datasetIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []optimizer.Case
	for rows.Next() {
		var (
			c            optimizer.Case
			inputBytes   []byte
			contextBytes []byte
		)
		if err := rows.Scan(&c.ID, &c.DatasetID, &inputBytes, &c.Expected, &contextBytes, &c.CreatedAt); err != nil {
			return nil, err
		}
		if len(inputBytes) > 0 {
			_ = json.Unmarshal(inputBytes, &c.Input)
		}
		if len(contextBytes) > 0 {
			_ = json.Unmarshal(contextBytes, &c.Context)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateDatasetQuality(ctx context.Context, datasetID string, quality float64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE evaluation_datasets SET quality_score=$2 WHERE id=$1`, datasetID, quality)
	return err
}

func (s *Store) RecordDatasetUsage(ctx context.Context, runID, datasetID string, improvement float64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO dataset_usage (run_id, dataset_id, improvement) VALUES ($1,$2,$3)`,
		runID, datasetID, improvement)
	return err
}

// Run operations

func (s *Store) CreateRun(ctx context.Context, labID, status string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO optimization_runs (lab_id, status) VALUES ($1,$2) RETURNING id`,
		labID, status).Scan(&id)
	return id, err
}

func (s *Store) UpdateRunProgress(ctx context.Context, runID string, p optimizer.Progress) error {
	progressBytes, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal run progress: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE optimization_runs SET progress_data=$2 WHERE id=$1`, runID, progressBytes)
	return err
}

func (s *Store) FinishRun(ctx context.Context, runID, status string, errMsg *string) error {
	var msg sql.NullString
	if errMsg != nil {
		msg = sql.NullString{String: *errMsg, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE optimization_runs SET status=$2, error_message=$3, completed_at=NOW() WHERE id=$1`,
		runID, status, msg)
	return err
}

// RunningRun reports the in-flight run for a lab, if any.
func (s *Store) RunningRun(ctx context.Context, labID string) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id FROM optimization_runs WHERE lab_id=$1 AND status='running' LIMIT 1`, labID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// ListStuckRuns returns running runs that started before the cutoff.
func (s *Store) ListStuckRuns(ctx context.Context, olderThan time.Time) ([]optimizer.Run, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, lab_id, status, started_at, progress_data FROM optimization_runs WHERE status='running' AND started_at < $1 ORDER BY started_at`,
		olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []optimizer.Run
	for rows.Next() {
		var (
			r             optimizer.Run
			progressBytes []byte
		)
		if err := rows.Scan(&r.ID, &r.LabID, &r.Status, &r.StartedAt, &progressBytes); err != nil {
			return nil, err
		}
		if len(progressBytes) > 0 {
			_ = json.Unmarshal(progressBytes, &r.Progress)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context, labID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, lab_id, status, started_at, completed_at, progress_data, error_message FROM optimization_runs WHERE lab_id=$1 ORDER BY started_at DESC LIMIT $2`,
		labID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, lab_id, status, started_at, completed_at, progress_data, error_message FROM optimization_runs WHERE id=$1`,
		runID)
	return scanRun(row)
}

// LatestRunTime reports when the lab last started a run. Bool indicates if
// any run exists.
func (s *Store) LatestRunTime(ctx context.Context, labID string) (time.Time, bool, error) {
	var started time.Time
	err := s.DB.QueryRowContext(ctx,
		`SELECT started_at FROM optimization_runs WHERE lab_id=$1 ORDER BY started_at DESC LIMIT 1`,
		labID).Scan(&started)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return started, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		r             RunRecord
		completedAt   sql.NullTime
		progressBytes []byte
		errMsg        sql.NullString
	)
	if err := row.Scan(&r.ID, &r.LabID, &r.Status, &r.StartedAt, &completedAt, &progressBytes, &errMsg); err != nil {
		return RunRecord{}, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if len(progressBytes) > 0 {
		_ = json.Unmarshal(progressBytes, &r.Progress)
	}
	r.ErrorMessage = errMsg.String
	return r, nil
}
