package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cadenza-hq/continuation-api/internal/dto"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
	"github.com/cadenza-hq/continuation-api/pkg/response"
)

type respondService interface {
	RespondByToken(ctx context.Context, req dto.TokenRespondRequest) (*dto.RespondResult, error)
	PortalRespond(ctx context.Context, schoolID, guardianID string, req dto.PortalRespondRequest) (*dto.RespondResult, error)
	PortalList(ctx context.Context, schoolID, guardianID string) ([]dto.PortalEntry, error)
}

// RespondHandler exposes the guardian-facing intake endpoints: the public
// emailed-link submission and the authenticated portal.
type RespondHandler struct {
	service respondService
}

// NewRespondHandler constructs the handler.
func NewRespondHandler(service respondService) *RespondHandler {
	return &RespondHandler{service: service}
}

// RespondByToken godoc
// @Summary Record a decision from an emailed link
// @Tags Respond
// @Accept json
// @Produce json
// @Param payload body dto.TokenRespondRequest true "Response payload"
// @Success 200 {object} response.Envelope
// @Router /respond [post]
func (h *RespondHandler) RespondByToken(c *gin.Context) {
	var req dto.TokenRespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid response payload"))
		return
	}
	result, err := h.service.RespondByToken(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// PortalList godoc
// @Summary List the guardian's pending continuation requests
// @Tags Respond
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /portal/continuation [get]
func (h *RespondHandler) PortalList(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil || claims.GuardianID == "" {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	entries, err := h.service.PortalList(c.Request.Context(), claims.SchoolID, claims.GuardianID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// PortalRespond godoc
// @Summary Record a decision from the guardian portal
// @Tags Respond
// @Accept json
// @Produce json
// @Param payload body dto.PortalRespondRequest true "Response payload"
// @Success 200 {object} response.Envelope
// @Router /portal/continuation/respond [post]
func (h *RespondHandler) PortalRespond(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil || claims.GuardianID == "" {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	var req dto.PortalRespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid response payload"))
		return
	}
	result, err := h.service.PortalRespond(c.Request.Context(), claims.SchoolID, claims.GuardianID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
