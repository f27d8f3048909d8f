package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadenza-hq/continuation-api/internal/client"
	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/models"
	"github.com/cadenza-hq/continuation-api/internal/repository"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
)

type ledgerRepoStub struct {
	entries       map[string]*models.ContinuationResponse
	studentNames  map[string]string
	guardianNames map[string]string
	guardianMails map[string]string
	noticeBy      time.Time
	nextTermName  string
	reminded      []string
}

func newLedgerRepoStub() *ledgerRepoStub {
	return &ledgerRepoStub{
		entries:       make(map[string]*models.ContinuationResponse),
		studentNames:  make(map[string]string),
		guardianNames: make(map[string]string),
		guardianMails: make(map[string]string),
		nextTermName:  "Autumn 2026",
	}
}

func (l *ledgerRepoStub) add(entry *models.ContinuationResponse) {
	l.entries[entry.ID] = entry
}

func (l *ledgerRepoStub) sorted(runID string) []*models.ContinuationResponse {
	out := make([]*models.ContinuationResponse, 0, len(l.entries))
	for _, entry := range l.entries {
		if runID == "" || entry.RunID == runID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *ledgerRepoStub) CreateBatch(ctx context.Context, entries []*models.ContinuationResponse) error {
	for i, entry := range entries {
		if entry.ID == "" {
			entry.ID = fmt.Sprintf("resp-%d", len(l.entries)+i+1)
		}
		if entry.Response == "" {
			entry.Response = models.ResponsePending
		}
		l.entries[entry.ID] = entry
	}
	return nil
}

func (l *ledgerRepoStub) List(ctx context.Context, filter models.ResponseFilter) ([]models.ContinuationResponse, error) {
	out := make([]models.ContinuationResponse, 0, len(l.entries))
	for _, entry := range l.sorted(filter.RunID) {
		if filter.Unprocessed && entry.IsProcessed {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, state := range filter.States {
				if entry.Response == state {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *entry)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *ledgerRepoStub) detail(entry *models.ContinuationResponse) models.ResponseDetail {
	detail := models.ResponseDetail{
		ContinuationResponse: *entry,
		StudentName:          l.studentNames[entry.StudentID],
		GuardianName:         l.guardianNames[entry.GuardianID],
	}
	if email, ok := l.guardianMails[entry.GuardianID]; ok && email != "" {
		detail.GuardianEmail = &email
	}
	return detail
}

func (l *ledgerRepoStub) ListDetails(ctx context.Context, runID string) ([]models.ResponseDetail, error) {
	out := make([]models.ResponseDetail, 0, len(l.entries))
	for _, entry := range l.sorted(runID) {
		out = append(out, l.detail(entry))
	}
	return out, nil
}

func (l *ledgerRepoStub) GetDetail(ctx context.Context, id string) (*repository.GuardianPendingRow, error) {
	entry, ok := l.entries[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &repository.GuardianPendingRow{
		ResponseDetail: l.detail(entry),
		NoticeDeadline: l.noticeBy,
		NextTermName:   l.nextTermName,
	}, nil
}

func (l *ledgerRepoStub) ListPendingForGuardian(ctx context.Context, schoolID, guardianID string) ([]repository.GuardianPendingRow, error) {
	out := make([]repository.GuardianPendingRow, 0)
	for _, entry := range l.sorted("") {
		if entry.SchoolID != schoolID || entry.GuardianID != guardianID || entry.Response != models.ResponsePending {
			continue
		}
		out = append(out, repository.GuardianPendingRow{
			ResponseDetail: l.detail(entry),
			NoticeDeadline: l.noticeBy,
			NextTermName:   l.nextTermName,
		})
	}
	return out, nil
}

func (l *ledgerRepoStub) RecordResponse(ctx context.Context, id string, response models.ResponseState, method models.ResponseMethod, reason *models.WithdrawalReason, notes *string, at time.Time) error {
	entry, ok := l.entries[id]
	if !ok || entry.Response != models.ResponsePending {
		return sql.ErrNoRows
	}
	entry.Response = response
	entry.ResponseAt = &at
	entry.ResponseMethod = &method
	entry.WithdrawalReason = reason
	entry.WithdrawalNotes = notes
	return nil
}

func (l *ledgerRepoStub) OverrideResponse(ctx context.Context, id string, response models.ResponseState, reason *models.WithdrawalReason, notes *string, at time.Time) error {
	entry, ok := l.entries[id]
	if !ok || entry.IsProcessed {
		return sql.ErrNoRows
	}
	method := models.ResponseMethodAdminManual
	entry.Response = response
	entry.ResponseAt = &at
	entry.ResponseMethod = &method
	entry.WithdrawalReason = reason
	entry.WithdrawalNotes = notes
	return nil
}

func (l *ledgerRepoStub) ReclassifyPending(ctx context.Context, runID string, to models.ResponseState, at time.Time) (int64, error) {
	var count int64
	method := models.ResponseMethodDeadline
	for _, entry := range l.entries {
		if entry.RunID == runID && entry.Response == models.ResponsePending {
			entry.Response = to
			entry.ResponseAt = &at
			entry.ResponseMethod = &method
			count++
		}
	}
	return count, nil
}

func (l *ledgerRepoStub) MarkProcessed(ctx context.Context, id string, adjustmentIDs []string, at time.Time) error {
	entry, ok := l.entries[id]
	if !ok || entry.IsProcessed {
		return sql.ErrNoRows
	}
	entry.IsProcessed = true
	entry.ProcessedAt = &at
	entry.TermAdjustmentIDs = append(entry.TermAdjustmentIDs, adjustmentIDs...)
	return nil
}

func (l *ledgerRepoStub) MarkInitialSent(ctx context.Context, id string, at time.Time, dispatchError *string) error {
	entry, ok := l.entries[id]
	if !ok {
		return sql.ErrNoRows
	}
	entry.InitialSentAt = &at
	entry.DispatchError = dispatchError
	return nil
}

func (l *ledgerRepoStub) IncrementReminders(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if entry, ok := l.entries[id]; ok {
			entry.ReminderCount++
			l.reminded = append(l.reminded, id)
		}
	}
	return nil
}

func (l *ledgerRepoStub) CountUnprocessed(ctx context.Context, runID string) (int, error) {
	count := 0
	for _, entry := range l.entries {
		if entry.RunID == runID && !entry.IsProcessed {
			count++
		}
	}
	return count, nil
}

type runRepoStub struct {
	runs   map[string]*models.ContinuationRun
	ledger *ledgerRepoStub
}

func newRunRepoStub(ledger *ledgerRepoStub) *runRepoStub {
	return &runRepoStub{runs: make(map[string]*models.ContinuationRun), ledger: ledger}
}

func (r *runRepoStub) Create(ctx context.Context, run *models.ContinuationRun) error {
	if run.ID == "" {
		run.ID = fmt.Sprintf("run-%d", len(r.runs)+1)
	}
	if run.Status == "" {
		run.Status = models.RunStatusDraft
	}
	r.runs[run.ID] = run
	return nil
}

func (r *runRepoStub) GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error) {
	run, ok := r.runs[id]
	if !ok || run.SchoolID != schoolID {
		return nil, sql.ErrNoRows
	}
	copied := *run
	return &copied, nil
}

func (r *runRepoStub) List(ctx context.Context, filter models.RunFilter) ([]models.ContinuationRun, int, error) {
	out := make([]models.ContinuationRun, 0, len(r.runs))
	for _, run := range r.runs {
		if run.SchoolID == filter.SchoolID {
			out = append(out, *run)
		}
	}
	return out, len(out), nil
}

func (r *runRepoStub) transition(id string, to models.RunStatus, from ...models.RunStatus) error {
	run, ok := r.runs[id]
	if !ok {
		return sql.ErrNoRows
	}
	for _, status := range from {
		if run.Status == status {
			run.Status = to
			return nil
		}
	}
	return sql.ErrNoRows
}

func (r *runRepoStub) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	if err := r.transition(id, models.RunStatusSent, models.RunStatusDraft); err != nil {
		return err
	}
	r.runs[id].SentAt = &sentAt
	return nil
}

func (r *runRepoStub) MarkReminding(ctx context.Context, id string) error {
	return r.transition(id, models.RunStatusReminding, models.RunStatusSent, models.RunStatusReminding)
}

func (r *runRepoStub) MarkDeadlinePassed(ctx context.Context, id string, at time.Time) error {
	if err := r.transition(id, models.RunStatusDeadlinePassed, models.RunStatusSent, models.RunStatusReminding); err != nil {
		return err
	}
	r.runs[id].DeadlinePassedAt = &at
	return nil
}

func (r *runRepoStub) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	if err := r.transition(id, models.RunStatusCompleted, models.RunStatusDeadlinePassed); err != nil {
		return err
	}
	r.runs[id].CompletedAt = &at
	return nil
}

func (r *runRepoStub) SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	summary := &models.RunSummary{}
	for _, entry := range r.ledger.entries {
		if entry.RunID != runID {
			continue
		}
		summary.TotalStudents++
		switch entry.Response {
		case models.ResponseContinuing:
			summary.Confirmed++
		case models.ResponseWithdrawing:
			summary.Withdrawing++
		case models.ResponsePending:
			summary.Pending++
		case models.ResponseNoResponse:
			summary.NoResponse++
		case models.ResponseAssumedContinuing:
			summary.AssumedContinuing++
		}
		if entry.IsProcessed {
			summary.Processed++
		}
	}
	return summary, nil
}

type termRepoStub struct {
	terms map[string]*models.Term
}

func (t *termRepoStub) GetByID(ctx context.Context, schoolID, id string) (*models.Term, error) {
	term, ok := t.terms[id]
	if !ok || term.SchoolID != schoolID {
		return nil, sql.ErrNoRows
	}
	return term, nil
}

type studentRepoStub struct {
	students  []models.Student
	guardians map[string]models.Guardian
}

func (s *studentRepoStub) ListActive(ctx context.Context, schoolID string) ([]models.Student, error) {
	out := make([]models.Student, 0, len(s.students))
	for _, st := range s.students {
		if st.SchoolID == schoolID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *studentRepoStub) ListGuardians(ctx context.Context, schoolID string, ids []string) (map[string]models.Guardian, error) {
	return s.guardians, nil
}

type schedulingStub struct {
	recurrences []client.Recurrence
	extendErr   map[string]error
	lookupErr   map[string]error
	extended    map[string]time.Time
}

func newSchedulingStub(recurrences ...client.Recurrence) *schedulingStub {
	return &schedulingStub{
		recurrences: recurrences,
		extendErr:   make(map[string]error),
		lookupErr:   make(map[string]error),
		extended:    make(map[string]time.Time),
	}
}

func (s *schedulingStub) ListTermRecurrences(ctx context.Context, schoolID, termID string) ([]client.Recurrence, error) {
	return s.recurrences, nil
}

func (s *schedulingStub) GetRecurrence(ctx context.Context, recurrenceID string) (*client.Recurrence, error) {
	if err := s.lookupErr[recurrenceID]; err != nil {
		return nil, err
	}
	for i := range s.recurrences {
		if s.recurrences[i].ID == recurrenceID {
			return &s.recurrences[i], nil
		}
	}
	return nil, fmt.Errorf("recurrence %s not found", recurrenceID)
}

func (s *schedulingStub) ExtendRecurrence(ctx context.Context, recurrenceID string, newEndDate time.Time) error {
	if err := s.extendErr[recurrenceID]; err != nil {
		return err
	}
	s.extended[recurrenceID] = newEndDate
	return nil
}

type mailerStub struct {
	batches     map[string][]client.Recipient
	failByEmail map[string]string
}

func newMailerStub() *mailerStub {
	return &mailerStub{batches: make(map[string][]client.Recipient), failByEmail: make(map[string]string)}
}

func (m *mailerStub) SendBatch(ctx context.Context, template string, recipients []client.Recipient) (*client.BatchResult, error) {
	m.batches[template] = append(m.batches[template], recipients...)
	result := &client.BatchResult{}
	for _, recipient := range recipients {
		if reason, failed := m.failByEmail[recipient.Email]; failed {
			result.Failed = append(result.Failed, client.BatchFailure{Email: recipient.Email, Error: reason})
			continue
		}
		result.SentCount++
	}
	return result, nil
}

type tokenSignerStub struct {
	parseErr error
	scope    string
}

func (t *tokenSignerStub) Generate(subject, scope string) (string, time.Time, error) {
	return "tok." + subject, time.Now().Add(time.Hour), nil
}

func (t *tokenSignerStub) Parse(token string, allowExpired bool) (string, string, time.Time, error) {
	if t.parseErr != nil {
		return "", "", time.Time{}, t.parseErr
	}
	scope := t.scope
	if scope == "" {
		scope = respondTokenScope
	}
	if len(token) <= 4 || token[:4] != "tok." {
		return "", "", time.Time{}, errors.New("malformed token")
	}
	return token[4:], scope, time.Now().Add(time.Hour), nil
}

type auditStub struct {
	logs []*models.AuditLog
}

func (a *auditStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type runFixture struct {
	ledger   *ledgerRepoStub
	runs     *runRepoStub
	terms    *termRepoStub
	students *studentRepoStub
	sched    *schedulingStub
	mailer   *mailerStub
	audit    *auditStub
	svc      *RunService
}

func newRunFixture() *runFixture {
	ledger := newLedgerRepoStub()
	runs := newRunRepoStub(ledger)
	currentStart := time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC)
	currentEnd := time.Date(2026, 7, 17, 0, 0, 0, 0, time.UTC)
	nextStart := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	nextEnd := time.Date(2026, 12, 11, 0, 0, 0, 0, time.UTC)
	terms := &termRepoStub{terms: map[string]*models.Term{
		"term-cur":  {ID: "term-cur", SchoolID: "school-1", Name: "Summer 2026", StartDate: currentStart, EndDate: currentEnd},
		"term-next": {ID: "term-next", SchoolID: "school-1", Name: "Autumn 2026", StartDate: nextStart, EndDate: nextEnd},
	}}
	aliceEmail := "ana@example.com"
	students := &studentRepoStub{
		students: []models.Student{
			{ID: "stu-1", SchoolID: "school-1", FullName: "Alice Birch", GuardianID: "gua-1", Status: models.StudentStatusActive},
			{ID: "stu-2", SchoolID: "school-1", FullName: "Ben Cole", GuardianID: "gua-2", Status: models.StudentStatusActive},
		},
		guardians: map[string]models.Guardian{
			"gua-1": {ID: "gua-1", SchoolID: "school-1", FullName: "Ana Birch", Email: &aliceEmail},
			"gua-2": {ID: "gua-2", SchoolID: "school-1", FullName: "Carl Cole"},
		},
	}
	ledger.studentNames["stu-1"] = "Alice Birch"
	ledger.studentNames["stu-2"] = "Ben Cole"
	ledger.guardianNames["gua-1"] = "Ana Birch"
	ledger.guardianNames["gua-2"] = "Carl Cole"
	ledger.guardianMails["gua-1"] = aliceEmail
	ledger.noticeBy = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	sched := newSchedulingStub(
		client.Recurrence{ID: "rec-1", StudentID: "stu-1", TeacherName: "Mr Keys", Instrument: "piano",
			Weekday: "Monday", StartTime: "16:00", DurationMinutes: 30, Rate: 32, EndDate: currentEnd},
		client.Recurrence{ID: "rec-2", StudentID: "stu-2", TeacherName: "Ms Frets", Instrument: "guitar",
			Weekday: "Thursday", StartTime: "17:30", DurationMinutes: 45, Rate: 40, EndDate: currentEnd},
	)
	mailer := newMailerStub()
	audit := &auditStub{}
	svc := NewRunService(runs, ledger, students, terms, sched, mailer, &tokenSignerStub{}, audit, nil, nil, []int{7, 3})
	return &runFixture{ledger: ledger, runs: runs, terms: terms, students: students, sched: sched, mailer: mailer, audit: audit, svc: svc}
}

func (f *runFixture) createRun(t *testing.T) *models.ContinuationRun {
	t.Helper()
	result, err := f.svc.Create(context.Background(), "school-1", "admin-1", dto.CreateRunRequest{
		CurrentTermID:  "term-cur",
		NextTermID:     "term-next",
		NoticeDeadline: "2026-07-01",
	})
	require.NoError(t, err)
	return result.Run
}

func TestRunServiceCreateSnapshotsLessons(t *testing.T) {
	f := newRunFixture()
	result, err := f.svc.Create(context.Background(), "school-1", "admin-1", dto.CreateRunRequest{
		CurrentTermID:  "term-cur",
		NextTermID:     "term-next",
		NoticeDeadline: "2026-07-01",
	})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDraft, result.Run.Status)
	require.Len(t, result.Preview, 2)
	require.Len(t, f.ledger.entries, 2)

	for _, entry := range f.ledger.entries {
		require.Equal(t, models.ResponsePending, entry.Response)
		require.Len(t, entry.LessonSummary, 1)
		// Autumn term runs 14 full weeks, so every weekday occurs 14 times.
		require.Equal(t, 14, entry.LessonSummary[0].LessonsNextTerm)
	}
	require.True(t, result.Preview[0].HasGuardianEmail)
	require.False(t, result.Preview[1].HasGuardianEmail)
	require.InDelta(t, 32*14.0, result.Preview[0].NextTermFee, 0.001)
	require.Len(t, f.audit.logs, 1)
	require.Equal(t, models.AuditActionRunCreate, f.audit.logs[0].Action)
}

func TestRunServiceCreateSkipsStudentsWithoutLessons(t *testing.T) {
	f := newRunFixture()
	f.students.students = append(f.students.students,
		models.Student{ID: "stu-3", SchoolID: "school-1", FullName: "Dot Ellis", GuardianID: "gua-1", Status: models.StudentStatusActive})

	result, err := f.svc.Create(context.Background(), "school-1", "admin-1", dto.CreateRunRequest{
		CurrentTermID:  "term-cur",
		NextTermID:     "term-next",
		NoticeDeadline: "2026-07-01",
	})
	require.NoError(t, err)
	require.Len(t, result.Preview, 2)
}

func TestRunServiceCreateRejectsTermOrder(t *testing.T) {
	f := newRunFixture()
	_, err := f.svc.Create(context.Background(), "school-1", "admin-1", dto.CreateRunRequest{
		CurrentTermID:  "term-next",
		NextTermID:     "term-cur",
		NoticeDeadline: "2026-07-01",
	})
	require.Equal(t, appErrors.ErrTermOrder.Code, appErrors.FromError(err).Code)
}

func TestRunServiceSendDispatchesAndRecordsFailures(t *testing.T) {
	f := newRunFixture()
	run := f.createRun(t)

	result, err := f.svc.Send(context.Background(), "school-1", "admin-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.SentCount)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "Carl Cole", result.Failed[0].GuardianName)

	require.Equal(t, models.RunStatusSent, f.runs.runs[run.ID].Status)
	require.Len(t, f.mailer.batches["continuation_notice"], 1)
	require.Contains(t, f.mailer.batches["continuation_notice"][0].TemplateVars["response_token"], "tok.")

	// Both entries stay PENDING, including the family with no email.
	require.Equal(t, 2, result.Summary.Pending)
	for _, entry := range f.ledger.entries {
		require.Equal(t, models.ResponsePending, entry.Response)
	}
}

func TestRunServiceSendTwiceRejected(t *testing.T) {
	f := newRunFixture()
	run := f.createRun(t)

	_, err := f.svc.Send(context.Background(), "school-1", "admin-1", run.ID)
	require.NoError(t, err)
	_, err = f.svc.Send(context.Background(), "school-1", "admin-1", run.ID)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestRunServiceRemindersTargetPendingOnly(t *testing.T) {
	f := newRunFixture()
	run := f.createRun(t)
	_, err := f.svc.Send(context.Background(), "school-1", "admin-1", run.ID)
	require.NoError(t, err)

	// One family has answered already.
	for _, entry := range f.ledger.entries {
		if entry.GuardianID == "gua-2" {
			entry.Response = models.ResponseContinuing
		}
	}

	result, err := f.svc.SendReminders(context.Background(), "school-1", "admin-1", run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, result.SentCount)
	require.Empty(t, result.Failed)
	require.Len(t, f.ledger.reminded, 1)
	require.Equal(t, models.RunStatusReminding, f.runs.runs[run.ID].Status)

	for _, entry := range f.ledger.entries {
		if entry.GuardianID == "gua-1" {
			require.Equal(t, 1, entry.ReminderCount)
		} else {
			require.Equal(t, 0, entry.ReminderCount)
		}
	}
}

func TestRunServiceRemindersRejectedBeforeSend(t *testing.T) {
	f := newRunFixture()
	run := f.createRun(t)
	_, err := f.svc.SendReminders(context.Background(), "school-1", "admin-1", run.ID)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestWeekdayOccurrences(t *testing.T) {
	start := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC) // a Monday
	end := time.Date(2026, 12, 11, 0, 0, 0, 0, time.UTC) // a Friday

	require.Equal(t, 14, weekdayOccurrences("Monday", start, end))
	require.Equal(t, 14, weekdayOccurrences("friday", start, end))
	require.Equal(t, 13, weekdayOccurrences("Saturday", start, end))
	require.Equal(t, 0, weekdayOccurrences("Noday", start, end))
	require.Equal(t, 0, weekdayOccurrences("Monday", end, start))

	oneDay := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 1, weekdayOccurrences("Monday", oneDay, oneDay))
	require.Equal(t, 0, weekdayOccurrences("Tuesday", oneDay, oneDay))
}

type cacheRepoStub struct {
	data map[string][]byte
}

func newCacheRepoStub() *cacheRepoStub {
	return &cacheRepoStub{data: map[string][]byte{}}
}

func (c *cacheRepoStub) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := c.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *cacheRepoStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	return nil
}

func (c *cacheRepoStub) DeleteByPattern(ctx context.Context, pattern string) error {
	for key := range c.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(c.data, key)
		}
	}
	return nil
}

func TestRunServiceGetServesCachedSummary(t *testing.T) {
	f := newRunFixture()
	f.svc.cache = NewCacheService(newCacheRepoStub(), nil, time.Minute, zap.NewNop(), true)
	run := f.createRun(t)

	detail, hit, err := f.svc.Get(context.Background(), "school-1", run.ID)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, 2, detail.Summary.Pending)

	detail, hit, err = f.svc.Get(context.Background(), "school-1", run.ID)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, 2, detail.Summary.Pending)
}
