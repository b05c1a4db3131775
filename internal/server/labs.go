package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kimjune01/looplearner/internal/optimizer"
	"github.com/kimjune01/looplearner/internal/runtime"
	"github.com/kimjune01/looplearner/internal/store"
)

// LabsHandler serves lab management and the optimization control endpoints.
type LabsHandler struct {
	Store *store.Store
	Orch  *optimizer.Orchestrator
}

func (h *LabsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.detail)
	g.GET("/:id/versions", h.versions)
	g.POST("/:id/feedback", h.addFeedback)
	g.POST("/:id/confidence", h.addConfidence)
	g.GET("/:id/convergence", h.convergence)
	g.GET("/:id/cost", h.cost)
	g.POST("/:id/optimize", h.optimize)
	g.POST("/:id/optimize/force", h.force)
	g.GET("/:id/datasets", h.listDatasets)
	g.POST("/:id/datasets", h.createDataset)
	g.POST("/:id/datasets/:dataset_id/cases", h.addCase)
	g.GET("/:id/runs", h.listRuns)
	g.GET("/:id/runs/:run_id", h.getRun)
}

// lab resolves the path lab scoped to the authenticated owner.
func (h *LabsHandler) lab(c echo.Context) (store.Lab, error) {
	userID := c.Get("user_id").(string)
	lab, err := h.Store.GetLabOwned(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return store.Lab{}, echo.NewHTTPError(http.StatusNotFound, "lab not found")
	}
	return lab, nil
}

func (h *LabsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	labs, err := h.Store.ListLabs(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]LabResponse, 0, len(labs))
	for _, l := range labs {
		out = append(out, toLabResponse(l))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *LabsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateLabRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || req.InitialPrompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and initial_prompt required")
	}
	if req.ScheduleCron == "" {
		req.ScheduleCron = "@daily"
	}
	id, err := h.Store.CreateLab(c.Request().Context(), userID, req.Name, req.ScheduleCron, req.InitialPrompt)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *LabsHandler) detail(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	resp := LabDetailResponse{LabResponse: toLabResponse(lab)}
	if active, err := h.Store.ActivePromptVersion(c.Request().Context(), lab.ID); err == nil {
		pv := toVersionResponse(active)
		resp.ActiveVersion = &pv
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *LabsHandler) versions(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	versions, err := h.Store.ListPromptVersions(c.Request().Context(), lab.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]PromptVersionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, toVersionResponse(v))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *LabsHandler) addFeedback(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Action != optimizer.ActionAccept && req.Action != optimizer.ActionReject {
		return echo.NewHTTPError(http.StatusBadRequest, "action must be accept or reject")
	}
	id, err := h.Store.AddFeedback(c.Request().Context(), optimizer.FeedbackItem{
		LabID:           lab.ID,
		PromptVersionID: req.PromptVersionID,
		Action:          req.Action,
		Reason:          req.Reason,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *LabsHandler) addConfidence(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	var req ConfidenceSnapshotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err = h.Store.InsertConfidenceSnapshot(c.Request().Context(), lab.ID, optimizer.ConfidenceSnapshot{
		UserConfidence:           req.UserConfidence,
		SystemConfidence:         req.SystemConfidence,
		ConfidenceTrend:          req.ConfidenceTrend,
		FeedbackConsistencyScore: req.FeedbackConsistencyScore,
		ReasoningAlignmentScore:  req.ReasoningAlignmentScore,
		TotalFeedbackCount:       req.TotalFeedbackCount,
		ConsistentFeedbackStreak: req.ConsistentFeedbackStreak,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusCreated)
}

func (h *LabsHandler) convergence(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	assessment, err := h.Orch.AssessConvergence(c.Request().Context(), lab.ID)
	if err != nil {
		return mapOptimizerError(err)
	}
	return c.JSON(http.StatusOK, assessment)
}

func (h *LabsHandler) cost(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	est, err := h.Orch.EstimateCost(c.Request().Context(), lab.ID)
	if err != nil {
		return mapOptimizerError(err)
	}
	return c.JSON(http.StatusOK, est)
}

func (h *LabsHandler) optimize(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var batch []optimizer.FeedbackItem
	for _, f := range req.Feedback {
		batch = append(batch, optimizer.FeedbackItem{
			LabID:           lab.ID,
			PromptVersionID: f.PromptVersionID,
			Action:          f.Action,
			Reason:          f.Reason,
		})
	}
	result, err := h.Orch.TriggerOptimization(c.Request().Context(), lab.ID, batch)
	if err != nil {
		return mapOptimizerError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *LabsHandler) force(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	var req ForceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason required")
	}
	result, err := h.Orch.ForceOptimization(c.Request().Context(), lab.ID, req.Reason, req.OverrideConvergence)
	if err != nil {
		return mapOptimizerError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *LabsHandler) listDatasets(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	datasets, err := h.Store.ListDatasets(c.Request().Context(), lab.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]DatasetResponse, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, DatasetResponse{
			ID:                 d.ID,
			Name:               d.Name,
			Parameters:         d.Parameters,
			CaseCount:          d.CaseCount,
			HumanReviewedCount: d.HumanReviewedCount,
			QualityScore:       d.QualityScore,
			CreatedAt:          d.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *LabsHandler) createDataset(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	var req CreateDatasetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" || len(req.Parameters) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "name and parameters required")
	}
	id, err := h.Store.CreateDataset(c.Request().Context(), lab.ID, req.Name, req.Parameters)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *LabsHandler) addCase(c echo.Context) error {
	if _, err := h.lab(c); err != nil {
		return err
	}
	var req AddCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Input) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "input required")
	}
	id, err := h.Store.AddCase(c.Request().Context(), optimizer.Case{
		DatasetID: c.Param("dataset_id"),
		Input:     req.Input,
		Expected:  req.Expected,
		Context:   map[string]interface{}{"is_human_reviewed": req.HumanReviewed},
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

func (h *LabsHandler) listRuns(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	runs, err := h.Store.ListRuns(c.Request().Context(), lab.ID, 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, toRunResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *LabsHandler) getRun(c echo.Context) error {
	lab, err := h.lab(c)
	if err != nil {
		return err
	}
	run, err := h.Store.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil || run.LabID != lab.ID {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, toRunResponse(run))
}

// mapOptimizerError translates control-loop errors to HTTP statuses.
func mapOptimizerError(err error) error {
	switch {
	case optimizer.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case optimizer.IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, optimizer.ErrRunInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func toLabResponse(l store.Lab) LabResponse {
	return LabResponse{
		ID:                     l.ID,
		Name:                   l.Name,
		OptimizationIterations: l.OptimizationIterations,
		TotalFeedbackCollected: l.TotalFeedbackCollected,
		ScheduleCron:           l.ScheduleCron,
		CreatedAt:              l.CreatedAt,
	}
}

func toVersionResponse(pv optimizer.PromptVersion) PromptVersionResponse {
	return PromptVersionResponse{
		ID:               pv.ID,
		Version:          pv.Version,
		Content:          pv.Content,
		IsActive:         pv.IsActive,
		PerformanceScore: pv.PerformanceScore,
		CreatedAt:        pv.CreatedAt,
	}
}

func toRunResponse(r store.RunRecord) RunResponse {
	return RunResponse{
		ID:           r.ID,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Progress:     r.Progress,
		ErrorMessage: r.ErrorMessage,
	}
}
