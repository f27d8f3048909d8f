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

type runStore interface {
	Create(ctx context.Context, run *models.ContinuationRun) error
	GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error)
	List(ctx context.Context, filter models.RunFilter) ([]models.ContinuationRun, int, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkReminding(ctx context.Context, id string) error
	SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error)
}

type ledgerStore interface {
	CreateBatch(ctx context.Context, entries []*models.ContinuationResponse) error
	List(ctx context.Context, filter models.ResponseFilter) ([]models.ContinuationResponse, error)
	ListDetails(ctx context.Context, runID string) ([]models.ResponseDetail, error)
	MarkInitialSent(ctx context.Context, id string, at time.Time, dispatchError *string) error
	IncrementReminders(ctx context.Context, ids []string) error
}

type studentStore interface {
	ListActive(ctx context.Context, schoolID string) ([]models.Student, error)
	ListGuardians(ctx context.Context, schoolID string, ids []string) (map[string]models.Guardian, error)
}

type termStore interface {
	GetByID(ctx context.Context, schoolID, id string) (*models.Term, error)
}

type recurrenceLister interface {
	ListTermRecurrences(ctx context.Context, schoolID, termID string) ([]client.Recurrence, error)
}

type batchMailer interface {
	SendBatch(ctx context.Context, template string, recipients []client.Recipient) (*client.BatchResult, error)
}

type responseTokenIssuer interface {
	Generate(subject, scope string) (string, time.Time, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

const respondTokenScope = "respond"

// RunService owns the continuation run lifecycle: creation with per-family
// preview, notice dispatch, reminders and summary recomputation.
type RunService struct {
	runs     runStore
	ledger   ledgerStore
	students studentStore
	terms    termStore
	schedule recurrenceLister
	mailer   batchMailer
	tokens   responseTokenIssuer
	audit    auditLogger
	cache    *CacheService
	logger   *zap.Logger

	defaultReminderOffsets []int
}

// NewRunService constructs the service.
func NewRunService(runs runStore, ledger ledgerStore, students studentStore, terms termStore,
	schedule recurrenceLister, mailer batchMailer, tokens responseTokenIssuer,
	audit auditLogger, cache *CacheService, logger *zap.Logger, defaultReminderOffsets []int) *RunService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunService{
		runs:                   runs,
		ledger:                 ledger,
		students:               students,
		terms:                  terms,
		schedule:               schedule,
		mailer:                 mailer,
		tokens:                 tokens,
		audit:                  audit,
		cache:                  cache,
		logger:                 logger,
		defaultReminderOffsets: defaultReminderOffsets,
	}
}

// Create builds a DRAFT run: it snapshots every active student whose current
// recurring lessons fall inside the current term, projects their next-term
// lessons and fee, and opens one PENDING ledger entry per student. Nothing is
// dispatched here.
func (s *RunService) Create(ctx context.Context, schoolID, actorID string, req dto.CreateRunRequest) (*dto.CreateRunResponse, error) {
	deadline, err := req.ParseDeadline()
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "notice_deadline must be YYYY-MM-DD")
	}

	currentTerm, err := s.terms.GetByID(ctx, schoolID, req.CurrentTermID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "current term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current term")
	}
	nextTerm, err := s.terms.GetByID(ctx, schoolID, req.NextTermID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "next term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load next term")
	}
	if !nextTerm.StartsAfter(currentTerm) {
		return nil, appErrors.ErrTermOrder
	}

	students, err := s.students.ListActive(ctx, schoolID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}

	recurrences, err := s.schedule.ListTermRecurrences(ctx, schoolID, req.CurrentTermID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term recurrences")
	}
	byStudent := make(map[string][]client.Recurrence)
	for _, rec := range recurrences {
		byStudent[rec.StudentID] = append(byStudent[rec.StudentID], rec)
	}

	guardianIDs := make([]string, 0, len(students))
	for _, st := range students {
		guardianIDs = append(guardianIDs, st.GuardianID)
	}
	guardians, err := s.students.ListGuardians(ctx, schoolID, guardianIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load guardians")
	}

	reminderSchedule := req.ReminderSchedule
	if len(reminderSchedule) == 0 {
		reminderSchedule = s.defaultReminderOffsets
	}
	offsets := make([]int64, 0, len(reminderSchedule))
	for _, offset := range reminderSchedule {
		offsets = append(offsets, int64(offset))
	}

	run := &models.ContinuationRun{
		SchoolID:          schoolID,
		CurrentTermID:     req.CurrentTermID,
		NextTermID:        req.NextTermID,
		NoticeDeadline:    deadline,
		ReminderSchedule:  offsets,
		AssumedContinuing: req.AssumedContinuing,
		Status:            models.RunStatusDraft,
		CreatedBy:         actorID,
	}

	entries := make([]*models.ContinuationResponse, 0, len(students))
	preview := make([]dto.RunPreviewEntry, 0, len(students))
	for _, st := range students {
		lessons := projectLessons(byStudent[st.ID], nextTerm.StartDate, nextTerm.EndDate)
		if len(lessons) == 0 {
			continue // no current-term lessons, nothing to continue
		}
		guardian := guardians[st.GuardianID]
		entries = append(entries, &models.ContinuationResponse{
			SchoolID:      schoolID,
			StudentID:     st.ID,
			GuardianID:    st.GuardianID,
			LessonSummary: lessons,
			Response:      models.ResponsePending,
		})
		preview = append(preview, dto.RunPreviewEntry{
			StudentID:        st.ID,
			StudentName:      st.FullName,
			GuardianID:       st.GuardianID,
			GuardianName:     guardian.FullName,
			HasGuardianEmail: guardian.Email != nil && *guardian.Email != "",
			LessonCount:      len(lessons),
			NextTermFee:      lessons.NextTermFee(),
		})
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create run")
	}
	for _, entry := range entries {
		entry.RunID = run.ID
	}
	if err := s.ledger.CreateBatch(ctx, entries); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create ledger entries")
	}

	s.emitAudit(ctx, schoolID, actorID, models.AuditActionRunCreate, run.ID, map[string]interface{}{
		"students": len(entries),
	})
	s.logger.Info("continuation run created",
		zap.String("run_id", run.ID),
		zap.String("school_id", schoolID),
		zap.Int("students", len(entries)))

	return &dto.CreateRunResponse{Run: run, Preview: preview}, nil
}

// Send dispatches the initial notice to every family in the run. Families
// without a reachable guardian email land in the failure list but keep their
// PENDING entry; the batch never aborts on individual recipients.
func (s *RunService) Send(ctx context.Context, schoolID, actorID, runID string) (*dto.SendResult, error) {
	run, err := s.getRun(ctx, schoolID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusDraft {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "run has already been sent")
	}

	details, err := s.ledger.ListDetails(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger entries")
	}
	nextTerm, err := s.terms.GetByID(ctx, schoolID, run.NextTermID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load next term")
	}

	now := time.Now().UTC()
	result := &dto.SendResult{}
	recipients := make([]client.Recipient, 0, len(details))
	recipientEntries := make([]models.ResponseDetail, 0, len(details))
	for _, detail := range details {
		if detail.GuardianEmail == nil || *detail.GuardianEmail == "" {
			reason := "guardian has no email address"
			result.Failed = append(result.Failed, dto.SendFailure{
				ResponseID:   detail.ID,
				StudentName:  detail.StudentName,
				GuardianName: detail.GuardianName,
				Error:        reason,
			})
			if err := s.ledger.MarkInitialSent(ctx, detail.ID, now, &reason); err != nil {
				s.logger.Warn("failed to record dispatch error", zap.String("response_id", detail.ID), zap.Error(err))
			}
			continue
		}
		token, _, err := s.tokens.Generate(detail.ID, respondTokenScope)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign response token")
		}
		recipients = append(recipients, client.Recipient{
			Email: *detail.GuardianEmail,
			Name:  detail.GuardianName,
			TemplateVars: map[string]string{
				"student_name":    detail.StudentName,
				"next_term_name":  nextTerm.Name,
				"notice_deadline": run.NoticeDeadline.Format("2 January 2006"),
				"response_token":  token,
				"next_term_fee":   fmt.Sprintf("%.2f", detail.LessonSummary.NextTermFee()),
			},
		})
		recipientEntries = append(recipientEntries, detail)
	}

	if len(recipients) > 0 {
		batch, err := s.mailer.SendBatch(ctx, "continuation_notice", recipients)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to dispatch notices")
		}
		failedByEmail := make(map[string]string, len(batch.Failed))
		for _, failure := range batch.Failed {
			failedByEmail[failure.Email] = failure.Error
		}
		result.SentCount = batch.SentCount
		for _, detail := range recipientEntries {
			if reason, failed := failedByEmail[*detail.GuardianEmail]; failed {
				result.Failed = append(result.Failed, dto.SendFailure{
					ResponseID:   detail.ID,
					StudentName:  detail.StudentName,
					GuardianName: detail.GuardianName,
					Error:        reason,
				})
				if err := s.ledger.MarkInitialSent(ctx, detail.ID, now, &reason); err != nil {
					s.logger.Warn("failed to record dispatch error", zap.String("response_id", detail.ID), zap.Error(err))
				}
				continue
			}
			if err := s.ledger.MarkInitialSent(ctx, detail.ID, now, nil); err != nil {
				s.logger.Warn("failed to stamp initial send", zap.String("response_id", detail.ID), zap.Error(err))
			}
		}
	}

	if err := s.runs.MarkSent(ctx, runID, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "run has already been sent")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark run sent")
	}

	summary, err := s.RecomputeSummary(ctx, schoolID, runID)
	if err != nil {
		return nil, err
	}
	result.Summary = summary

	s.emitAudit(ctx, schoolID, actorID, models.AuditActionRunSend, runID, map[string]interface{}{
		"sent":   result.SentCount,
		"failed": len(result.Failed),
	})
	return result, nil
}

// SendReminders re-notifies every family still PENDING. Valid only while the
// run is accepting responses.
func (s *RunService) SendReminders(ctx context.Context, schoolID, actorID, runID string) (*dto.SendResult, error) {
	run, err := s.getRun(ctx, schoolID, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.CanSendReminders() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "run is not accepting reminders")
	}

	details, err := s.ledger.ListDetails(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger entries")
	}
	nextTerm, err := s.terms.GetByID(ctx, schoolID, run.NextTermID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load next term")
	}

	result := &dto.SendResult{}
	recipients := make([]client.Recipient, 0, len(details))
	recipientEntries := make([]models.ResponseDetail, 0, len(details))
	for _, detail := range details {
		if detail.Response != models.ResponsePending {
			continue
		}
		if detail.GuardianEmail == nil || *detail.GuardianEmail == "" {
			result.Failed = append(result.Failed, dto.SendFailure{
				ResponseID:   detail.ID,
				StudentName:  detail.StudentName,
				GuardianName: detail.GuardianName,
				Error:        "guardian has no email address",
			})
			continue
		}
		token, _, err := s.tokens.Generate(detail.ID, respondTokenScope)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign response token")
		}
		recipients = append(recipients, client.Recipient{
			Email: *detail.GuardianEmail,
			Name:  detail.GuardianName,
			TemplateVars: map[string]string{
				"student_name":    detail.StudentName,
				"next_term_name":  nextTerm.Name,
				"notice_deadline": run.NoticeDeadline.Format("2 January 2006"),
				"response_token":  token,
			},
		})
		recipientEntries = append(recipientEntries, detail)
	}

	reminded := make([]string, 0, len(recipientEntries))
	if len(recipients) > 0 {
		batch, err := s.mailer.SendBatch(ctx, "continuation_reminder", recipients)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to dispatch reminders")
		}
		failedByEmail := make(map[string]string, len(batch.Failed))
		for _, failure := range batch.Failed {
			failedByEmail[failure.Email] = failure.Error
		}
		result.SentCount = batch.SentCount
		for _, detail := range recipientEntries {
			if reason, failed := failedByEmail[*detail.GuardianEmail]; failed {
				result.Failed = append(result.Failed, dto.SendFailure{
					ResponseID:   detail.ID,
					StudentName:  detail.StudentName,
					GuardianName: detail.GuardianName,
					Error:        reason,
				})
				continue
			}
			reminded = append(reminded, detail.ID)
		}
	}
	if err := s.ledger.IncrementReminders(ctx, reminded); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record reminders")
	}

	if err := s.runs.MarkReminding(ctx, runID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark run reminding")
	}

	summary, err := s.RecomputeSummary(ctx, schoolID, runID)
	if err != nil {
		return nil, err
	}
	result.Summary = summary

	s.emitAudit(ctx, schoolID, actorID, models.AuditActionRunRemind, runID, map[string]interface{}{
		"reminded": len(reminded),
		"failed":   len(result.Failed),
	})
	return result, nil
}

// Get returns a run with its derived summary. The second return reports
// whether the summary was served from cache.
func (s *RunService) Get(ctx context.Context, schoolID, runID string) (*dto.RunDetail, bool, error) {
	run, err := s.getRun(ctx, schoolID, runID)
	if err != nil {
		return nil, false, err
	}
	if s.cache.Enabled() {
		var cached models.RunSummary
		if hit, cacheErr := s.cache.Get(ctx, runSummaryCacheKey(schoolID, runID), &cached); cacheErr == nil && hit {
			return &dto.RunDetail{Run: run, Summary: &cached}, true, nil
		}
	}
	summary, err := s.RecomputeSummary(ctx, schoolID, runID)
	if err != nil {
		return nil, false, err
	}
	return &dto.RunDetail{Run: run, Summary: summary}, false, nil
}

// List returns runs for the school, newest first.
func (s *RunService) List(ctx context.Context, filter models.RunFilter) ([]models.ContinuationRun, int, error) {
	runs, total, err := s.runs.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list runs")
	}
	return runs, total, nil
}

// Entries returns the staff view of the run's ledger.
func (s *RunService) Entries(ctx context.Context, schoolID, runID string) ([]models.ResponseDetail, error) {
	if _, err := s.getRun(ctx, schoolID, runID); err != nil {
		return nil, err
	}
	details, err := s.ledger.ListDetails(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger entries")
	}
	return details, nil
}

// RecomputeSummary aggregates the run's ledger and refreshes the cached copy.
// The aggregation is the only source of truth for the summary.
func (s *RunService) RecomputeSummary(ctx context.Context, schoolID, runID string) (*models.RunSummary, error) {
	summary, err := s.runs.SummaryForRun(ctx, runID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate summary")
	}
	if s.cache.Enabled() {
		key := runSummaryCacheKey(schoolID, runID)
		if err := s.cache.Set(ctx, key, summary, 0); err != nil {
			s.logger.Warn("failed to cache run summary", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return summary, nil
}

func (s *RunService) getRun(ctx context.Context, schoolID, runID string) (*models.ContinuationRun, error) {
	run, err := s.runs.GetByID(ctx, schoolID, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "continuation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}
	return run, nil
}

func (s *RunService) emitAudit(ctx context.Context, schoolID, actorID, action, runID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		SchoolID:   schoolID,
		UserID:     &actorID,
		Action:     action,
		Resource:   "continuation_run",
		ResourceID: &runID,
		NewValues:  raw,
	}); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
	}
}

func runSummaryCacheKey(schoolID, runID string) string {
	return fmt.Sprintf("continuation:%s:run:%s:summary", schoolID, runID)
}

// projectLessons converts current-term recurrences into the immutable lesson
// snapshot, counting how many weekly occurrences land inside the next term.
func projectLessons(recurrences []client.Recurrence, nextStart, nextEnd time.Time) models.LessonSummary {
	if len(recurrences) == 0 {
		return nil
	}
	lessons := make(models.LessonSummary, 0, len(recurrences))
	for _, rec := range recurrences {
		lessons = append(lessons, models.LessonSnapshot{
			RecurrenceID:    rec.ID,
			Day:             rec.Weekday,
			Time:            rec.StartTime,
			TeacherName:     rec.TeacherName,
			Instrument:      rec.Instrument,
			DurationMinutes: rec.DurationMinutes,
			Rate:            rec.Rate,
			LessonsNextTerm: weekdayOccurrences(rec.Weekday, nextStart, nextEnd),
		})
	}
	return lessons
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// weekdayOccurrences counts how many times the named weekday occurs within
// [start, end] inclusive.
func weekdayOccurrences(day string, start, end time.Time) int {
	target, ok := weekdayNames[normalizeWeekday(day)]
	if !ok || end.Before(start) {
		return 0
	}
	// Advance to the first occurrence, then count whole weeks.
	offset := (int(target) - int(start.Weekday()) + 7) % 7
	first := start.AddDate(0, 0, offset)
	if first.After(end) {
		return 0
	}
	return int(end.Sub(first).Hours()/(24*7)) + 1
}

func normalizeWeekday(day string) string {
	b := []byte(day)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
