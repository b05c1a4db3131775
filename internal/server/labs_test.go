package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/kimjune01/looplearner/internal/store"
)

func labContext(t *testing.T, e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	return ctx, rec
}

func expectLabOwned(mock sqlmock.Sqlmock, labID string) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, name, optimization_iterations, total_feedback_collected, schedule_cron, created_at FROM labs WHERE id=$1 AND user_id=$2`)).
		WithArgs(labID, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "name", "optimization_iterations", "total_feedback_collected", "schedule_cron", "created_at"}).
			AddRow(labID, "user-1", "support replies", 3, 40, "@daily", time.Now()))
}

func TestCreateLabHandler(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO labs (user_id, name, schedule_cron) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-1", "support replies", "@daily").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("lab-1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO prompt_versions`)).
		WithArgs("lab-1", "Draft a reply to {customer}.").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, rec := labContext(t, e, http.MethodPost, "/api/labs",
		`{"name":"support replies","initial_prompt":"Draft a reply to {customer}."}`)

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "lab-1" {
		t.Fatalf("unexpected id %q", resp.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateLabRequiresPrompt(t *testing.T) {
	e := echo.New()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	ctx, _ := labContext(t, e, http.MethodPost, "/api/labs", `{"name":"support replies"}`)

	err = h.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestAddFeedbackRejectsUnknownAction(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	expectLabOwned(mock, "lab-1")

	ctx, _ := labContext(t, e, http.MethodPost, "/api/labs/lab-1/feedback",
		`{"action":"meh","reason":"odd"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("lab-1")

	err = h.addFeedback(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestAddFeedbackPersists(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	expectLabOwned(mock, "lab-1")
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO feedback_items (lab_id, prompt_version_id, action, reason) VALUES ($1,$2,$3,$4) RETURNING id`)).
		WithArgs("lab-1", "pv-1", "reject", "too long").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("fb-1"))

	ctx, rec := labContext(t, e, http.MethodPost, "/api/labs/lab-1/feedback",
		`{"prompt_version_id":"pv-1","action":"reject","reason":"too long"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("lab-1")

	if err := h.addFeedback(ctx); err != nil {
		t.Fatalf("addFeedback: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestForceRequiresReason(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	expectLabOwned(mock, "lab-1")

	ctx, _ := labContext(t, e, http.MethodPost, "/api/labs/lab-1/optimize/force",
		`{"override_convergence":true}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("lab-1")

	err = h.force(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestGetRunScopedToOwnerLab(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	expectLabOwned(mock, "lab-1")
	// The run belongs to a different lab.
	mock.ExpectQuery("SELECT id, lab_id, status, started_at, completed_at, progress_data, error_message FROM optimization_runs").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "lab_id", "status", "started_at", "completed_at", "progress_data", "error_message"}).
			AddRow("run-1", "lab-other", "succeeded", time.Now(), nil, []byte(`{}`), nil))

	ctx, _ := labContext(t, e, http.MethodGet, "/api/labs/lab-1/runs/run-1", "")
	ctx.SetParamNames("id", "run_id")
	ctx.SetParamValues("lab-1", "run-1")

	err = h.getRun(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign run, got %#v", err)
	}
}

func TestLabNotFoundForOtherUser(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	h := &LabsHandler{Store: &store.Store{DB: db}}

	mock.ExpectQuery("SELECT id, user_id, name").
		WithArgs("lab-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ctx, _ := labContext(t, e, http.MethodGet, "/api/labs/lab-1", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("lab-1")

	err = h.detail(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}
