package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-hq/continuation-api/internal/client"
	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/models"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
)

type processorRunStore interface {
	GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error)
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error)
}

type processorLedgerStore interface {
	List(ctx context.Context, filter models.ResponseFilter) ([]models.ContinuationResponse, error)
	MarkProcessed(ctx context.Context, id string, adjustmentIDs []string, at time.Time) error
	CountUnprocessed(ctx context.Context, runID string) (int, error)
}

type recurrenceExtender interface {
	GetRecurrence(ctx context.Context, recurrenceID string) (*client.Recurrence, error)
	ExtendRecurrence(ctx context.Context, recurrenceID string, newEndDate time.Time) error
}

type adjustmentClient interface {
	PreviewAdjustment(ctx context.Context, studentID, recurrenceID string, effectiveDate time.Time) (string, error)
	ConfirmAdjustment(ctx context.Context, adjustmentID string, effectiveDate time.Time) (string, error)
}

// ProcessorService applies continuation decisions once a run's deadline has
// passed: confirmed families have their lesson recurrences extended into the
// next term, withdrawing families get billing adjustments with credit notes.
type ProcessorService struct {
	runs     processorRunStore
	ledger   processorLedgerStore
	terms    termStore
	schedule recurrenceExtender
	billing  adjustmentClient
	audit     auditLogger
	cache     *CacheService
	metrics   *MetricsService
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
}

// ProcessorOption customises ProcessorService construction.
type ProcessorOption func(*ProcessorService)

// WithBatchPageSize bounds how many ledger entries a single Process call
// picks up. Values of zero or less leave the pass unbounded.
func WithBatchPageSize(n int) ProcessorOption {
	return func(s *ProcessorService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// NewProcessorService constructs the service.
func NewProcessorService(runs processorRunStore, ledger processorLedgerStore, terms termStore,
	schedule recurrenceExtender, billing adjustmentClient, audit auditLogger,
	cache *CacheService, logger *zap.Logger, opts ...ProcessorOption) *ProcessorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ProcessorService{
		runs:     runs,
		ledger:   ledger,
		terms:    terms,
		schedule: schedule,
		billing:  billing,
		audit:    audit,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMetrics attaches optional domain instrumentation.
func (s *ProcessorService) SetMetrics(metrics *MetricsService) {
	s.metrics = metrics
}

// Process walks every unprocessed ledger entry matching the process type.
// Individual lesson failures are collected, never fatal: the pass continues
// and the entry stays unprocessed where its outcome could not be applied, so
// a later pass retries exactly the remaining work.
func (s *ProcessorService) Process(ctx context.Context, schoolID, actorID, runID string, processType models.ProcessType) (*dto.ProcessResult, error) {
	states := processType.ResponseStates()
	if states == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "process_type must be confirmed, withdrawals or all")
	}

	run, err := s.runs.GetByID(ctx, schoolID, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "continuation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}
	if run.Status != models.RunStatusDeadlinePassed && run.Status != models.RunStatusCompleted {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "run deadline has not been processed")
	}

	nextTerm, err := s.terms.GetByID(ctx, schoolID, run.NextTermID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load next term")
	}

	entries, err := s.ledger.List(ctx, models.ResponseFilter{
		RunID:       runID,
		States:      states,
		Unprocessed: true,
		Limit:       s.batchSize,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list unprocessed responses")
	}

	now := s.now().UTC()
	result := &dto.ProcessResult{}
	for i := range entries {
		entry := &entries[i]
		switch entry.Response {
		case models.ResponseContinuing, models.ResponseAssumedContinuing:
			s.processContinuation(ctx, entry, nextTerm, now, result)
		case models.ResponseWithdrawing:
			s.processWithdrawal(ctx, entry, nextTerm, now, result)
		}
	}

	remaining, err := s.ledger.CountUnprocessed(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unprocessed responses")
	}
	status := run.Status
	if remaining == 0 && status != models.RunStatusCompleted {
		if err := s.runs.MarkCompleted(ctx, runID, now); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark run completed")
		}
		status = models.RunStatusCompleted
	}
	result.RunStatus = status
	s.metrics.RecordEntriesProcessed(processType, result.ProcessedCount)

	summary, err := s.runs.SummaryForRun(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate summary")
	}
	result.Summary = summary
	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, runSummaryCacheKey(schoolID, runID), summary, 0); err != nil {
			s.logger.Warn("failed to cache run summary", zap.String("run_id", runID), zap.Error(err))
		}
		if result.ProcessedCount > 0 {
			// Downstream listings read through the shared cache; extended
			// lessons and confirmed adjustments make them stale.
			for _, pattern := range []string{
				fmt.Sprintf("schedule:%s:*", schoolID),
				fmt.Sprintf("billing:%s:invoices:*", schoolID),
				fmt.Sprintf("billing:%s:adjustments:*", schoolID),
			} {
				if err := s.cache.Invalidate(ctx, pattern); err != nil {
					s.logger.Warn("failed to invalidate listing cache", zap.String("pattern", pattern), zap.Error(err))
				}
			}
		}
	}

	if s.audit != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"process_type": string(processType),
			"processed":    result.ProcessedCount,
			"extended":     result.ExtendedCount,
			"withdrawn":    result.WithdrawnCount,
			"failures":     len(result.Failures),
		})
		if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
			SchoolID:   schoolID,
			UserID:     &actorID,
			Action:     models.AuditActionRunProcess,
			Resource:   "continuation_run",
			ResourceID: &runID,
			NewValues:  payload,
		}); err != nil {
			s.logger.Warn("failed to write audit log", zap.Error(err))
		}
	}

	s.logger.Info("continuation responses processed",
		zap.String("run_id", runID),
		zap.String("process_type", string(processType)),
		zap.Int("processed", result.ProcessedCount),
		zap.Int("failures", len(result.Failures)))

	return result, nil
}

// processContinuation extends each snapshot lesson's recurrence to the next
// term's end date. Failed lessons are reported; the entry is marked processed
// only when at least one lesson now covers the next term, or when the
// snapshot has no recurrence-linked lessons at all. Otherwise it stays
// unprocessed and a later pass retries it.
func (s *ProcessorService) processContinuation(ctx context.Context, entry *models.ContinuationResponse, nextTerm *models.Term, now time.Time, result *dto.ProcessResult) {
	linked := 0
	applied := 0
	for _, lesson := range entry.LessonSummary {
		if lesson.RecurrenceID == "" {
			continue
		}
		linked++
		recurrence, err := s.schedule.GetRecurrence(ctx, lesson.RecurrenceID)
		if err != nil {
			result.Failures = append(result.Failures, dto.ProcessFailure{
				ResponseID:   entry.ID,
				StudentID:    entry.StudentID,
				RecurrenceID: lesson.RecurrenceID,
				Stage:        "lookup",
				Error:        err.Error(),
			})
			continue
		}
		if !recurrence.EndDate.Before(nextTerm.EndDate) {
			// Already covers the next term, nothing to extend.
			applied++
			continue
		}
		if err := s.schedule.ExtendRecurrence(ctx, lesson.RecurrenceID, nextTerm.EndDate); err != nil {
			result.Failures = append(result.Failures, dto.ProcessFailure{
				ResponseID:   entry.ID,
				StudentID:    entry.StudentID,
				RecurrenceID: lesson.RecurrenceID,
				Stage:        "extend",
				Error:        err.Error(),
			})
			continue
		}
		applied++
	}

	if linked > 0 && applied == 0 {
		return // nothing applied, leave the entry for a retry pass
	}

	if err := s.ledger.MarkProcessed(ctx, entry.ID, nil, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return // processed concurrently
		}
		result.Failures = append(result.Failures, dto.ProcessFailure{
			ResponseID: entry.ID,
			StudentID:  entry.StudentID,
			Stage:      "record",
			Error:      err.Error(),
		})
		return
	}
	result.ProcessedCount++
	result.ExtendedCount++
}

// processWithdrawal previews and confirms a billing adjustment per lesson,
// effective from the start of the next term. The entry is marked processed
// only when at least one adjustment was confirmed, or when the snapshot has
// no recurrence-linked lessons at all.
func (s *ProcessorService) processWithdrawal(ctx context.Context, entry *models.ContinuationResponse, nextTerm *models.Term, now time.Time, result *dto.ProcessResult) {
	effectiveDate := nextTerm.StartDate
	var confirmed []string
	linked := 0
	for _, lesson := range entry.LessonSummary {
		if lesson.RecurrenceID == "" {
			continue
		}
		linked++
		adjustmentID, err := s.billing.PreviewAdjustment(ctx, entry.StudentID, lesson.RecurrenceID, effectiveDate)
		if err != nil {
			result.Failures = append(result.Failures, dto.ProcessFailure{
				ResponseID:   entry.ID,
				StudentID:    entry.StudentID,
				RecurrenceID: lesson.RecurrenceID,
				Stage:        "preview",
				Error:        err.Error(),
			})
			continue
		}
		confirmedID, err := s.billing.ConfirmAdjustment(ctx, adjustmentID, effectiveDate)
		if err != nil {
			result.Failures = append(result.Failures, dto.ProcessFailure{
				ResponseID:   entry.ID,
				StudentID:    entry.StudentID,
				RecurrenceID: lesson.RecurrenceID,
				Stage:        "confirm",
				Error:        err.Error(),
			})
			continue
		}
		confirmed = append(confirmed, confirmedID)
	}

	if linked > 0 && len(confirmed) == 0 {
		return // nothing applied, leave the entry for a retry pass
	}

	if err := s.ledger.MarkProcessed(ctx, entry.ID, confirmed, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return
		}
		result.Failures = append(result.Failures, dto.ProcessFailure{
			ResponseID: entry.ID,
			StudentID:  entry.StudentID,
			Stage:      "record",
			Error:      err.Error(),
		})
		return
	}
	result.ProcessedCount++
	result.WithdrawnCount++
}
