package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cadenza-hq/continuation-api/internal/client"
	"github.com/cadenza-hq/continuation-api/internal/models"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
)

type billingStub struct {
	previewErr   map[string]error
	confirmErr   map[string]error
	previewDates map[string]time.Time
	confirmDates map[string]time.Time
	previews     int
	confirms     []string
}

func newBillingStub() *billingStub {
	return &billingStub{
		previewErr:   make(map[string]error),
		confirmErr:   make(map[string]error),
		previewDates: make(map[string]time.Time),
		confirmDates: make(map[string]time.Time),
	}
}

func (b *billingStub) PreviewAdjustment(ctx context.Context, studentID, recurrenceID string, effectiveDate time.Time) (string, error) {
	if err := b.previewErr[recurrenceID]; err != nil {
		return "", err
	}
	b.previews++
	b.previewDates[recurrenceID] = effectiveDate
	return "adj-preview-" + recurrenceID, nil
}

func (b *billingStub) ConfirmAdjustment(ctx context.Context, adjustmentID string, effectiveDate time.Time) (string, error) {
	if err := b.confirmErr[adjustmentID]; err != nil {
		return "", err
	}
	id := "adj-" + adjustmentID
	b.confirms = append(b.confirms, id)
	b.confirmDates[adjustmentID] = effectiveDate
	return id, nil
}

type processorFixture struct {
	*runFixture
	billing *billingStub
	svc     *ProcessorService
}

// newProcessorFixture drives a run through send and deadline so the ledger
// holds decided, unprocessed entries. gua-1's student continues, gua-2's
// withdraws.
func newProcessorFixture(t *testing.T) (*processorFixture, *models.ContinuationRun) {
	t.Helper()
	base := newRunFixture()
	run := base.createRun(t)
	_, err := base.svc.Send(context.Background(), "school-1", "admin-1", run.ID)
	require.NoError(t, err)

	reason := models.WithdrawalReasonMovingAway
	for _, entry := range base.ledger.entries {
		if entry.GuardianID == "gua-1" {
			entry.Response = models.ResponseContinuing
		} else {
			entry.Response = models.ResponseWithdrawing
			entry.WithdrawalReason = &reason
		}
	}

	deadlines := NewDeadlineService(base.runs, base.ledger, base.audit, nil, nil)
	deadlines.now = func() time.Time { return time.Date(2026, 7, 2, 9, 0, 0, 0, time.UTC) }
	_, err = deadlines.ProcessDeadline(context.Background(), "school-1", "admin-1", run.ID, false)
	require.NoError(t, err)

	billing := newBillingStub()
	svc := NewProcessorService(base.runs, base.ledger, base.terms, base.sched, billing, base.audit, nil, nil)
	svc.now = func() time.Time { return time.Date(2026, 7, 20, 9, 0, 0, 0, time.UTC) }
	return &processorFixture{runFixture: base, billing: billing, svc: svc}, run
}

func (f *processorFixture) entryFor(guardianID string) *models.ContinuationResponse {
	for _, entry := range f.ledger.entries {
		if entry.GuardianID == guardianID {
			return entry
		}
	}
	return nil
}

func TestProcessorExtendsConfirmedAndAdjustsWithdrawals(t *testing.T) {
	f, run := newProcessorFixture(t)

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeAll)
	require.NoError(t, err)
	require.Empty(t, result.Failures)
	require.Equal(t, 2, result.ProcessedCount)
	require.Equal(t, 1, result.ExtendedCount)
	require.Equal(t, 1, result.WithdrawnCount)
	require.Equal(t, models.RunStatusCompleted, result.RunStatus)
	require.Equal(t, models.RunStatusCompleted, f.runs.runs[run.ID].Status)
	require.Equal(t, 2, result.Summary.Processed)

	// rec-1 belongs to the continuing student and is extended to the
	// next term's end.
	nextEnd := time.Date(2026, 12, 11, 0, 0, 0, 0, time.UTC)
	require.Equal(t, nextEnd, f.sched.extended["rec-1"])
	require.NotContains(t, f.sched.extended, "rec-2")

	withdrawn := f.entryFor("gua-2")
	require.True(t, withdrawn.IsProcessed)
	require.Equal(t, []string{"adj-adj-preview-rec-2"}, []string(withdrawn.TermAdjustmentIDs))
}

func TestProcessorConfirmedOnlyLeavesWithdrawals(t *testing.T) {
	f, run := newProcessorFixture(t)

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeConfirmed)
	require.NoError(t, err)
	require.Equal(t, 1, result.ProcessedCount)
	require.Equal(t, 0, result.WithdrawnCount)
	require.Equal(t, models.RunStatusDeadlinePassed, result.RunStatus)
	require.False(t, f.entryFor("gua-2").IsProcessed)
}

func TestProcessorSkipsRecurrenceAlreadyCoveringNextTerm(t *testing.T) {
	f, run := newProcessorFixture(t)
	f.sched.recurrences[0].EndDate = time.Date(2026, 12, 11, 0, 0, 0, 0, time.UTC)

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeConfirmed)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExtendedCount)
	require.Equal(t, 1, result.ProcessedCount)
	require.Empty(t, f.sched.extended)
	require.True(t, f.entryFor("gua-1").IsProcessed)
}

func TestProcessorExtendFailureLeavesEntryForRetry(t *testing.T) {
	f, run := newProcessorFixture(t)
	f.sched.extendErr["rec-1"] = errors.New("scheduling service unavailable")

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeConfirmed)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExtendedCount)
	require.Equal(t, 0, result.ProcessedCount)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "extend", result.Failures[0].Stage)
	require.Equal(t, "rec-1", result.Failures[0].RecurrenceID)
	require.False(t, f.entryFor("gua-1").IsProcessed)
	require.Equal(t, models.RunStatusDeadlinePassed, result.RunStatus)
}

func TestProcessorPartialExtendFailureStillProcessesEntry(t *testing.T) {
	f, run := newProcessorFixture(t)
	f.sched.recurrences = append(f.sched.recurrences, client.Recurrence{
		ID: "rec-3", StudentID: "stu-1", TeacherName: "Mr Keys", Instrument: "piano",
		Weekday: "Friday", StartTime: "15:00", DurationMinutes: 30, Rate: 32,
		EndDate: time.Date(2026, 7, 17, 0, 0, 0, 0, time.UTC),
	})
	entry := f.entryFor("gua-1")
	entry.LessonSummary = append(entry.LessonSummary, models.LessonSnapshot{RecurrenceID: "rec-3"})
	f.sched.extendErr["rec-1"] = errors.New("scheduling service unavailable")

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeConfirmed)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExtendedCount)
	require.Equal(t, 1, result.ProcessedCount)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "rec-1", result.Failures[0].RecurrenceID)
	require.Contains(t, f.sched.extended, "rec-3")
	require.True(t, f.entryFor("gua-1").IsProcessed)
}

func TestProcessorWithdrawalAllConfirmFailsLeavesEntry(t *testing.T) {
	f, run := newProcessorFixture(t)
	f.billing.previewErr["rec-2"] = errors.New("billing service unavailable")

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeWithdrawals)
	require.NoError(t, err)
	require.Equal(t, 0, result.ProcessedCount)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "preview", result.Failures[0].Stage)
	require.False(t, f.entryFor("gua-2").IsProcessed)
	require.Equal(t, models.RunStatusDeadlinePassed, result.RunStatus)
}

func TestProcessorWithdrawalEffectiveFromNextTermStart(t *testing.T) {
	f, run := newProcessorFixture(t)

	_, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeWithdrawals)
	require.NoError(t, err)

	nextStart := time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)
	require.Equal(t, nextStart, f.billing.previewDates["rec-2"])
	require.Equal(t, nextStart, f.billing.confirmDates["adj-preview-rec-2"])
}

func TestProcessorWithdrawalPartialConfirmFailureRetainsConfirmedID(t *testing.T) {
	f, run := newProcessorFixture(t)
	entry := f.entryFor("gua-2")
	entry.LessonSummary = append(entry.LessonSummary, models.LessonSnapshot{RecurrenceID: "rec-4"})
	f.billing.confirmErr["adj-preview-rec-4"] = errors.New("billing service unavailable")

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeWithdrawals)
	require.NoError(t, err)
	require.Equal(t, 1, result.ProcessedCount)
	require.Equal(t, 1, result.WithdrawnCount)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "confirm", result.Failures[0].Stage)
	require.Equal(t, "rec-4", result.Failures[0].RecurrenceID)

	withdrawn := f.entryFor("gua-2")
	require.True(t, withdrawn.IsProcessed)
	require.Equal(t, []string{"adj-adj-preview-rec-2"}, []string(withdrawn.TermAdjustmentIDs))
}

func TestProcessorWithdrawalWithoutLinkedLessonsProcesses(t *testing.T) {
	f, run := newProcessorFixture(t)
	entry := f.entryFor("gua-2")
	entry.LessonSummary[0].RecurrenceID = ""

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeWithdrawals)
	require.NoError(t, err)
	require.Equal(t, 1, result.ProcessedCount)
	require.Equal(t, 1, result.WithdrawnCount)
	require.Empty(t, result.Failures)
	require.True(t, f.entryFor("gua-2").IsProcessed)
	require.Empty(t, f.entryFor("gua-2").TermAdjustmentIDs)
}

func TestProcessorRejectsUnknownProcessType(t *testing.T) {
	f, run := newProcessorFixture(t)
	_, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessType("partial"))
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestProcessorRejectsOpenRun(t *testing.T) {
	base := newRunFixture()
	run := base.createRun(t)
	_, err := base.svc.Send(context.Background(), "school-1", "admin-1", run.ID)
	require.NoError(t, err)

	svc := NewProcessorService(base.runs, base.ledger, base.terms, base.sched, newBillingStub(), base.audit, nil, nil)
	_, err = svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeAll)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestProcessorBatchPageSizeBoundsEachPass(t *testing.T) {
	f, run := newProcessorFixture(t)
	f.svc = NewProcessorService(f.runs, f.ledger, f.terms, f.sched, f.billing, f.audit, nil, nil,
		WithBatchPageSize(1))
	f.svc.now = func() time.Time { return time.Date(2026, 7, 20, 9, 0, 0, 0, time.UTC) }

	first, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeAll)
	require.NoError(t, err)
	require.Equal(t, 1, first.ProcessedCount)
	require.Equal(t, models.RunStatusDeadlinePassed, first.RunStatus)

	second, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeAll)
	require.NoError(t, err)
	require.Equal(t, 1, second.ProcessedCount)
	require.Equal(t, models.RunStatusCompleted, second.RunStatus)
}

func TestProcessorRerunOnCompletedFindsNothing(t *testing.T) {
	f, run := newProcessorFixture(t)

	_, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeAll)
	require.NoError(t, err)

	result, err := f.svc.Process(context.Background(), "school-1", "admin-1", run.ID, models.ProcessTypeAll)
	require.NoError(t, err)
	require.Equal(t, 0, result.ProcessedCount)
	require.Equal(t, models.RunStatusCompleted, result.RunStatus)
}
