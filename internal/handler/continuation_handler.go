package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/middleware"
	"github.com/cadenza-hq/continuation-api/internal/models"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
	"github.com/cadenza-hq/continuation-api/pkg/response"
)

type continuationRunService interface {
	Create(ctx context.Context, schoolID, actorID string, req dto.CreateRunRequest) (*dto.CreateRunResponse, error)
	Send(ctx context.Context, schoolID, actorID, runID string) (*dto.SendResult, error)
	SendReminders(ctx context.Context, schoolID, actorID, runID string) (*dto.SendResult, error)
	Get(ctx context.Context, schoolID, runID string) (*dto.RunDetail, bool, error)
	List(ctx context.Context, filter models.RunFilter) ([]models.ContinuationRun, int, error)
	Entries(ctx context.Context, schoolID, runID string) ([]models.ResponseDetail, error)
}

type continuationDeadlineService interface {
	ProcessDeadline(ctx context.Context, schoolID, actorID, runID string, force bool) (*dto.DeadlineResult, error)
}

type continuationProcessorService interface {
	Process(ctx context.Context, schoolID, actorID, runID string, processType models.ProcessType) (*dto.ProcessResult, error)
}

type responseOverrideService interface {
	Override(ctx context.Context, schoolID, actorID, responseID string, req dto.OverrideResponseRequest) (*models.ContinuationResponse, error)
}

// ContinuationHandler exposes the staff-facing run lifecycle endpoints.
type ContinuationHandler struct {
	runs      continuationRunService
	deadline  continuationDeadlineService
	processor continuationProcessorService
	responses responseOverrideService
}

// NewContinuationHandler constructs the handler.
func NewContinuationHandler(runs continuationRunService, deadline continuationDeadlineService,
	processor continuationProcessorService, responses responseOverrideService) *ContinuationHandler {
	return &ContinuationHandler{runs: runs, deadline: deadline, processor: processor, responses: responses}
}

// Create godoc
// @Summary Create a continuation run
// @Tags Continuation
// @Accept json
// @Produce json
// @Param payload body dto.CreateRunRequest true "Run payload"
// @Success 201 {object} response.Envelope
// @Router /continuation/runs [post]
func (h *ContinuationHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid run payload"))
		return
	}
	result, err := h.runs.Create(c.Request.Context(), claims.SchoolID, claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List continuation runs
// @Tags Continuation
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param term_id query string false "Term ID"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs [get]
func (h *ContinuationHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := models.RunFilter{
		SchoolID: claims.SchoolID,
		TermID:   strings.TrimSpace(c.Query("term_id")),
		Page:     parseIntQuery(c, "page", 1),
		PageSize: parseIntQuery(c, "page_size", 20),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.RunStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			statuses = append(statuses, models.RunStatus(part))
		}
		filter.Status = statuses
	}
	runs, total, err := h.runs.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, runs, &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	})
}

// Get godoc
// @Summary Get run detail with live summary
// @Tags Continuation
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs/{id} [get]
func (h *ContinuationHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	detail, cacheHit, err := h.runs.Get(c.Request.Context(), claims.SchoolID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, detail, nil, middleware.ExtractMeta(c))
}

// Entries godoc
// @Summary List run ledger entries
// @Tags Continuation
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs/{id}/responses [get]
func (h *ContinuationHandler) Entries(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entries, err := h.runs.Entries(c.Request.Context(), claims.SchoolID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Send godoc
// @Summary Dispatch initial continuation notices
// @Tags Continuation
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs/{id}/send [post]
func (h *ContinuationHandler) Send(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.runs.Send(c.Request.Context(), claims.SchoolID, claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Remind godoc
// @Summary Dispatch reminders to pending families
// @Tags Continuation
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs/{id}/remind [post]
func (h *ContinuationHandler) Remind(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.runs.SendReminders(c.Request.Context(), claims.SchoolID, claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Deadline godoc
// @Summary Close the response window
// @Tags Continuation
// @Produce json
// @Param id path string true "Run ID"
// @Param force query bool false "Process before the deadline date"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs/{id}/deadline [post]
func (h *ContinuationHandler) Deadline(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	force := c.Query("force") == "true"
	result, err := h.deadline.ProcessDeadline(c.Request.Context(), claims.SchoolID, claims.UserID, c.Param("id"), force)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Process godoc
// @Summary Apply continuation decisions in bulk
// @Tags Continuation
// @Accept json
// @Produce json
// @Param id path string true "Run ID"
// @Param payload body dto.ProcessRequest true "Process payload"
// @Success 200 {object} response.Envelope
// @Router /continuation/runs/{id}/process [post]
func (h *ContinuationHandler) Process(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid process payload"))
		return
	}
	result, err := h.processor.Process(c.Request.Context(), claims.SchoolID, claims.UserID, c.Param("id"), req.ProcessType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Override godoc
// @Summary Override a family's recorded response
// @Tags Continuation
// @Accept json
// @Produce json
// @Param id path string true "Response ID"
// @Param payload body dto.OverrideResponseRequest true "Override payload"
// @Success 200 {object} response.Envelope
// @Router /continuation/responses/{id}/override [post]
func (h *ContinuationHandler) Override(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.OverrideResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid override payload"))
		return
	}
	entry, err := h.responses.Override(c.Request.Context(), claims.SchoolID, claims.UserID, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
