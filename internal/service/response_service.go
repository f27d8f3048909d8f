package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/models"
	"github.com/cadenza-hq/continuation-api/internal/repository"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
	"github.com/cadenza-hq/continuation-api/pkg/storage"
)

type responseLedgerStore interface {
	GetDetail(ctx context.Context, id string) (*repository.GuardianPendingRow, error)
	ListPendingForGuardian(ctx context.Context, schoolID, guardianID string) ([]repository.GuardianPendingRow, error)
	RecordResponse(ctx context.Context, id string, response models.ResponseState, method models.ResponseMethod, reason *models.WithdrawalReason, notes *string, at time.Time) error
	OverrideResponse(ctx context.Context, id string, response models.ResponseState, reason *models.WithdrawalReason, notes *string, at time.Time) error
}

type responseRunStore interface {
	GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error)
}

type responseTokenParser interface {
	Parse(token string, allowExpired bool) (subject, scope string, expiresAt time.Time, err error)
}

// ResponseService handles guardian decisions arriving through emailed token
// links, the authenticated portal and staff manual overrides. All three paths
// funnel into the same pending-only compare-and-set, so a family's first
// decision wins and repeats surface as an already-responded confirmation.
type ResponseService struct {
	ledger  responseLedgerStore
	runs    responseRunStore
	tokens  responseTokenParser
	audit   auditLogger
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewResponseService constructs the service.
func NewResponseService(ledger responseLedgerStore, runs responseRunStore, tokens responseTokenParser,
	audit auditLogger, cache *CacheService, logger *zap.Logger) *ResponseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseService{ledger: ledger, runs: runs, tokens: tokens, audit: audit, cache: cache, logger: logger, now: time.Now}
}

// SetMetrics attaches optional domain instrumentation.
func (s *ResponseService) SetMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// RespondByToken records a decision submitted through an emailed link. The
// token is HMAC signed and scoped; anything tampered or expired is rejected
// before a database row is touched.
func (s *ResponseService) RespondByToken(ctx context.Context, req dto.TokenRespondRequest) (*dto.RespondResult, error) {
	responseID, scope, _, err := s.tokens.Parse(req.Token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.ErrTokenExpired
		}
		return nil, appErrors.ErrTokenInvalid
	}
	if scope != respondTokenScope {
		return nil, appErrors.ErrTokenInvalid
	}
	return s.record(ctx, responseID, "", req.Response, models.ResponseMethodEmailToken, req.WithdrawalReason, req.WithdrawalNotes)
}

// PortalRespond records a decision submitted by a logged-in guardian. The
// guardian may only answer for their own students.
func (s *ResponseService) PortalRespond(ctx context.Context, schoolID, guardianID string, req dto.PortalRespondRequest) (*dto.RespondResult, error) {
	detail, err := s.getDetail(ctx, req.ResponseID)
	if err != nil {
		return nil, err
	}
	if detail.SchoolID != schoolID || detail.GuardianID != guardianID {
		return nil, appErrors.ErrForbidden
	}
	return s.record(ctx, req.ResponseID, guardianID, req.Response, models.ResponseMethodPortal, req.WithdrawalReason, req.WithdrawalNotes)
}

// PortalList returns the guardian's outstanding continuation requests.
func (s *ResponseService) PortalList(ctx context.Context, schoolID, guardianID string) ([]dto.PortalEntry, error) {
	rows, err := s.ledger.ListPendingForGuardian(ctx, schoolID, guardianID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pending responses")
	}
	entries := make([]dto.PortalEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, dto.PortalEntry{
			ResponseID:     row.ID,
			StudentName:    row.StudentName,
			RunID:          row.RunID,
			NextTermName:   row.NextTermName,
			NoticeDeadline: row.NoticeDeadline.Format("2006-01-02"),
			Lessons:        row.LessonSummary,
			NextTermFee:    row.LessonSummary.NextTermFee(),
		})
	}
	return entries, nil
}

// Override lets staff set or correct an entry's response on behalf of a
// family, typically one reached by phone. Processed entries are immutable.
func (s *ResponseService) Override(ctx context.Context, schoolID, actorID, responseID string, req dto.OverrideResponseRequest) (*models.ContinuationResponse, error) {
	detail, err := s.getDetail(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if detail.SchoolID != schoolID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "response not found")
	}
	if err := validateDecision(req.Response, req.WithdrawalReason, true); err != nil {
		return nil, err
	}
	reason, notes := withdrawalFields(req.Response, req.WithdrawalReason, req.WithdrawalNotes)

	if err := s.ledger.OverrideResponse(ctx, responseID, req.Response, reason, notes, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "response has already been processed")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to override response")
	}

	updated, err := s.getDetail(ctx, responseID)
	if err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx, schoolID, detail.RunID)
	s.metrics.RecordGuardianResponse(models.ResponseMethodAdminManual)

	if s.audit != nil {
		oldValues, _ := json.Marshal(map[string]interface{}{"response": detail.Response})
		newValues, _ := json.Marshal(map[string]interface{}{"response": req.Response})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			SchoolID:   schoolID,
			UserID:     &actorID,
			Action:     models.AuditActionResponseOverride,
			Resource:   "continuation_response",
			ResourceID: &responseID,
			OldValues:  oldValues,
			NewValues:  newValues,
		}); err != nil {
			s.logger.Warn("failed to write audit log", zap.Error(err))
		}
	}
	return &updated.ContinuationResponse, nil
}

func (s *ResponseService) record(ctx context.Context, responseID, guardianID string, decision models.ResponseState, method models.ResponseMethod, reason *models.WithdrawalReason, notes *string) (*dto.RespondResult, error) {
	if err := validateDecision(decision, reason, false); err != nil {
		return nil, err
	}

	detail, err := s.getDetail(ctx, responseID)
	if err != nil {
		return nil, err
	}
	run, err := s.runs.GetByID(ctx, detail.SchoolID, detail.RunID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}
	if detail.Response != models.ResponsePending {
		return alreadyResponded(detail), nil
	}
	if run.Status != models.RunStatusSent && run.Status != models.RunStatusReminding {
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "the response window has closed")
	}

	cleanReason, cleanNotes := withdrawalFields(decision, reason, notes)
	if err := s.ledger.RecordResponse(ctx, responseID, decision, method, cleanReason, cleanNotes, s.now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race to a concurrent submission; report what stuck.
			current, readErr := s.getDetail(ctx, responseID)
			if readErr != nil {
				return nil, readErr
			}
			return alreadyResponded(current), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record response")
	}
	s.invalidateSummary(ctx, detail.SchoolID, detail.RunID)
	s.metrics.RecordGuardianResponse(method)

	s.logger.Info("continuation response recorded",
		zap.String("response_id", responseID),
		zap.String("run_id", detail.RunID),
		zap.String("decision", string(decision)),
		zap.String("method", string(method)))

	return &dto.RespondResult{
		AlreadyResponded: false,
		Response:         decision,
		StudentName:      detail.StudentName,
		NextTermName:     detail.NextTermName,
	}, nil
}

func (s *ResponseService) getDetail(ctx context.Context, id string) (*repository.GuardianPendingRow, error) {
	detail, err := s.ledger.GetDetail(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "response not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load response")
	}
	return detail, nil
}

func (s *ResponseService) invalidateSummary(ctx context.Context, schoolID, runID string) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, runSummaryCacheKey(schoolID, runID)); err != nil {
		s.logger.Warn("failed to invalidate run summary cache", zap.String("run_id", runID), zap.Error(err))
	}
}

func alreadyResponded(detail *repository.GuardianPendingRow) *dto.RespondResult {
	return &dto.RespondResult{
		AlreadyResponded: true,
		Response:         detail.Response,
		StudentName:      detail.StudentName,
		NextTermName:     detail.NextTermName,
	}
}

// validateDecision enforces the closed decision set. Guardians choose between
// continuing and withdrawing; staff overrides may additionally set the
// deadline-derived states.
func validateDecision(decision models.ResponseState, reason *models.WithdrawalReason, staffOverride bool) error {
	switch decision {
	case models.ResponseContinuing:
	case models.ResponseWithdrawing:
		if reason == nil {
			return appErrors.ErrReasonRequired
		}
		if !models.ValidWithdrawalReason(*reason) {
			return appErrors.Clone(appErrors.ErrValidation, "unknown withdrawal reason")
		}
	case models.ResponseAssumedContinuing, models.ResponseNoResponse:
		if !staffOverride {
			return appErrors.Clone(appErrors.ErrValidation, "response must be CONTINUING or WITHDRAWING")
		}
	default:
		return appErrors.Clone(appErrors.ErrValidation, "response must be CONTINUING or WITHDRAWING")
	}
	return nil
}

func withdrawalFields(decision models.ResponseState, reason *models.WithdrawalReason, notes *string) (*models.WithdrawalReason, *string) {
	if decision != models.ResponseWithdrawing {
		return nil, nil
	}
	return reason, notes
}
