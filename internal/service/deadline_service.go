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
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
)

type deadlineRunStore interface {
	GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error)
	MarkDeadlinePassed(ctx context.Context, id string, at time.Time) error
	SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error)
}

type deadlineLedgerStore interface {
	ReclassifyPending(ctx context.Context, runID string, to models.ResponseState, at time.Time) (int64, error)
}

// DeadlineService closes the response window on a run and reclassifies every
// still-pending family according to the run's assumed-continuing policy.
type DeadlineService struct {
	runs   deadlineRunStore
	ledger deadlineLedgerStore
	audit  auditLogger
	cache  *CacheService
	logger *zap.Logger
	now    func() time.Time
}

// NewDeadlineService constructs the service.
func NewDeadlineService(runs deadlineRunStore, ledger deadlineLedgerStore, audit auditLogger, cache *CacheService, logger *zap.Logger) *DeadlineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadlineService{runs: runs, ledger: ledger, audit: audit, cache: cache, logger: logger, now: time.Now}
}

// ProcessDeadline moves the run to DEADLINE_PASSED. Calling it again on a run
// that has already passed its deadline is a no-op that reports zero
// reclassifications. The deadline itself must have elapsed unless force is set.
func (s *DeadlineService) ProcessDeadline(ctx context.Context, schoolID, actorID, runID string, force bool) (*dto.DeadlineResult, error) {
	run, err := s.runs.GetByID(ctx, schoolID, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "continuation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}

	if run.Status == models.RunStatusDeadlinePassed || run.Status == models.RunStatusCompleted {
		summary, err := s.runs.SummaryForRun(ctx, runID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate summary")
		}
		return &dto.DeadlineResult{RunStatus: run.Status, Reclassified: 0, Summary: summary}, nil
	}
	if !run.Status.CanProcessDeadline() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "run has not been sent")
	}

	now := s.now().UTC()
	if !force && now.Before(run.NoticeDeadline) {
		return nil, appErrors.ErrDeadlineNotReached
	}

	target := models.ResponseNoResponse
	if run.AssumedContinuing {
		target = models.ResponseAssumedContinuing
	}
	reclassified, err := s.ledger.ReclassifyPending(ctx, runID, target, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reclassify pending responses")
	}

	if err := s.runs.MarkDeadlinePassed(ctx, runID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Another worker won the transition; the reclassification above
			// is idempotent since it only touches PENDING rows.
			summary, sumErr := s.runs.SummaryForRun(ctx, runID)
			if sumErr != nil {
				return nil, appErrors.Wrap(sumErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate summary")
			}
			return &dto.DeadlineResult{RunStatus: models.RunStatusDeadlinePassed, Reclassified: reclassified, NewState: target, Summary: summary}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark deadline passed")
	}

	summary, err := s.runs.SummaryForRun(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate summary")
	}
	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, runSummaryCacheKey(schoolID, runID), summary, 0); err != nil {
			s.logger.Warn("failed to cache run summary", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if s.audit != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"reclassified": reclassified,
			"target_state": string(target),
			"forced":       force,
		})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			SchoolID:   schoolID,
			UserID:     &actorID,
			Action:     models.AuditActionRunDeadline,
			Resource:   "continuation_run",
			ResourceID: &runID,
			NewValues:  payload,
		}); err != nil {
			s.logger.Warn("failed to write audit log", zap.Error(err))
		}
	}

	s.logger.Info("continuation deadline processed",
		zap.String("run_id", runID),
		zap.Int64("reclassified", reclassified),
		zap.String("target_state", string(target)))

	return &dto.DeadlineResult{RunStatus: models.RunStatusDeadlinePassed, Reclassified: reclassified, NewState: target, Summary: summary}, nil
}
