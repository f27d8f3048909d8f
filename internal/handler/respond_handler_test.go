package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/middleware"
	"github.com/cadenza-hq/continuation-api/internal/models"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
)

type respondServiceMock struct {
	tokenResp  *dto.RespondResult
	tokenErr   error
	portalResp *dto.RespondResult
	portalErr  error
	entries    []dto.PortalEntry
	listErr    error

	gotSchoolID   string
	gotGuardianID string
}

func (m *respondServiceMock) RespondByToken(ctx context.Context, req dto.TokenRespondRequest) (*dto.RespondResult, error) {
	return m.tokenResp, m.tokenErr
}

func (m *respondServiceMock) PortalRespond(ctx context.Context, schoolID, guardianID string, req dto.PortalRespondRequest) (*dto.RespondResult, error) {
	m.gotSchoolID = schoolID
	m.gotGuardianID = guardianID
	return m.portalResp, m.portalErr
}

func (m *respondServiceMock) PortalList(ctx context.Context, schoolID, guardianID string) ([]dto.PortalEntry, error) {
	m.gotSchoolID = schoolID
	m.gotGuardianID = guardianID
	return m.entries, m.listErr
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func guardianClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "user-1", SchoolID: "school-1", Role: models.RoleGuardian, GuardianID: "gua-1"}
}

func TestRespondHandlerByToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &respondServiceMock{
		tokenResp: &dto.RespondResult{Response: models.ResponseContinuing, StudentName: "Alice Birch", NextTermName: "Autumn 2026"},
	}
	handler := NewRespondHandler(mockSvc)

	payload, _ := json.Marshal(dto.TokenRespondRequest{Token: "tok", Response: models.ResponseContinuing})
	c, w := newGinContext(http.MethodPost, "/respond", payload)

	handler.RespondByToken(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Alice Birch")
}

func TestRespondHandlerByTokenRejectsBadPayload(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRespondHandler(&respondServiceMock{})

	c, w := newGinContext(http.MethodPost, "/respond", []byte(`{"token":""}`))
	handler.RespondByToken(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRespondHandlerByTokenSurfacesExpiry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &respondServiceMock{tokenErr: appErrors.ErrTokenExpired}
	handler := NewRespondHandler(mockSvc)

	payload, _ := json.Marshal(dto.TokenRespondRequest{Token: "tok", Response: models.ResponseContinuing})
	c, w := newGinContext(http.MethodPost, "/respond", payload)

	handler.RespondByToken(c)
	require.Equal(t, http.StatusGone, w.Code)
	require.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}

func TestRespondHandlerPortalListScopesToClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &respondServiceMock{entries: []dto.PortalEntry{{ResponseID: "resp-1", StudentName: "Alice Birch"}}}
	handler := NewRespondHandler(mockSvc)

	c, w := newGinContext(http.MethodGet, "/portal/continuation", nil)
	c.Set(middleware.ContextUserKey, guardianClaims())

	handler.PortalList(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "school-1", mockSvc.gotSchoolID)
	require.Equal(t, "gua-1", mockSvc.gotGuardianID)
}

func TestRespondHandlerPortalRequiresGuardianClaim(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRespondHandler(&respondServiceMock{})

	// Authenticated but not linked to a guardian record.
	c, w := newGinContext(http.MethodGet, "/portal/continuation", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1", SchoolID: "school-1", Role: models.RoleStaff})
	handler.PortalList(c)
	require.Equal(t, http.StatusForbidden, w.Code)

	payload, _ := json.Marshal(dto.PortalRespondRequest{ResponseID: "resp-1", Response: models.ResponseContinuing})
	c, w = newGinContext(http.MethodPost, "/portal/continuation/respond", payload)
	handler.PortalRespond(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRespondHandlerPortalRespond(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &respondServiceMock{
		portalResp: &dto.RespondResult{Response: models.ResponseWithdrawing, StudentName: "Alice Birch"},
	}
	handler := NewRespondHandler(mockSvc)

	reason := models.WithdrawalReasonScheduling
	payload, _ := json.Marshal(dto.PortalRespondRequest{
		ResponseID: "resp-1", Response: models.ResponseWithdrawing, WithdrawalReason: &reason,
	})
	c, w := newGinContext(http.MethodPost, "/portal/continuation/respond", payload)
	c.Set(middleware.ContextUserKey, guardianClaims())

	handler.PortalRespond(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gua-1", mockSvc.gotGuardianID)
}
