package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/models"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
	"github.com/cadenza-hq/continuation-api/pkg/jobs"
	"github.com/cadenza-hq/continuation-api/pkg/storage"
)

type exportJobStoreStub struct {
	jobs map[string]*models.ExportJob
}

func newExportJobStoreStub() *exportJobStoreStub {
	return &exportJobStoreStub{jobs: make(map[string]*models.ExportJob)}
}

func (s *exportJobStoreStub) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", len(s.jobs)+1)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *exportJobStoreStub) GetByID(ctx context.Context, schoolID, id string) (*models.ExportJob, error) {
	job, ok := s.jobs[id]
	if !ok || job.SchoolID != schoolID {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (s *exportJobStoreStub) MarkProcessing(ctx context.Context, id string) error {
	job, ok := s.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	job.Status = models.ExportStatusProcessing
	return nil
}

func (s *exportJobStoreStub) MarkFinished(ctx context.Context, id, resultURL string, at time.Time) error {
	job, ok := s.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	job.Status = models.ExportStatusFinished
	job.ResultURL = &resultURL
	job.FinishedAt = &at
	return nil
}

func (s *exportJobStoreStub) MarkFailed(ctx context.Context, id, message string, at time.Time) error {
	job, ok := s.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	job.Status = models.ExportStatusFailed
	job.ErrorMessage = &message
	job.FinishedAt = &at
	return nil
}

type queueStub struct {
	enqueued []jobs.Job
	err      error
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, job)
	return nil
}

type exportFixture struct {
	*runFixture
	exports *exportJobStoreStub
	queue   *queueStub
	signer  *storage.TokenSigner
	svc     *ExportService
}

func newExportFixture(t *testing.T) (*exportFixture, *models.ContinuationRun) {
	t.Helper()
	base := newRunFixture()
	run := base.createRun(t)

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	exports := newExportJobStoreStub()
	queue := &queueStub{}
	signer := storage.NewTokenSigner("export-secret", time.Hour)
	svc := NewExportService(exports, base.runs, base.ledger, store, signer, ExportConfig{}, nil, nil, nil)
	svc.SetQueue(queue)
	return &exportFixture{runFixture: base, exports: exports, queue: queue, signer: signer, svc: svc}, run
}

func TestExportQueueValidatesRequest(t *testing.T) {
	f, run := newExportFixture(t)

	_, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: "ledger", Format: models.ExportFormatCSV,
	})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeRoster, Format: "xlsx",
	})
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: "run-missing", Type: models.ExportTypeRoster, Format: models.ExportFormatCSV,
	})
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportQueuePersistsAndEnqueues(t *testing.T) {
	f, run := newExportFixture(t)

	job, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeRoster, Format: models.ExportFormatCSV,
	})
	require.NoError(t, err)
	require.Equal(t, models.ExportStatusQueued, job.Status)
	require.Len(t, f.queue.enqueued, 1)

	payload, ok := f.queue.enqueued[0].Payload.(ExportPayload)
	require.True(t, ok)
	require.Equal(t, job.ID, payload.JobID)
	require.Equal(t, "school-1", payload.SchoolID)
}

func TestExportQueueFailureMarksJobFailed(t *testing.T) {
	f, run := newExportFixture(t)
	f.queue.err = errors.New("queue stopped")

	_, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeRoster, Format: models.ExportFormatCSV,
	})
	require.Error(t, err)
	require.Len(t, f.exports.jobs, 1)
	for _, job := range f.exports.jobs {
		require.Equal(t, models.ExportStatusFailed, job.Status)
		require.Equal(t, "queue unavailable", *job.ErrorMessage)
	}
}

func TestExportHandleJobGeneratesRosterCSV(t *testing.T) {
	f, run := newExportFixture(t)
	job, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeRoster, Format: models.ExportFormatCSV,
	})
	require.NoError(t, err)

	err = f.svc.HandleJob(context.Background(), f.queue.enqueued[0])
	require.NoError(t, err)

	stored := f.exports.jobs[job.ID]
	require.Equal(t, models.ExportStatusFinished, stored.Status)
	require.NotNil(t, stored.ResultURL)
	require.Contains(t, *stored.ResultURL, "/api/v1/continuation/exports/download/")

	// The result URL embeds a signed token resolving back to the stored file.
	token := (*stored.ResultURL)[strings.LastIndex(*stored.ResultURL, "/")+1:]
	jobID, relPath, err := f.svc.ParseDownloadToken(token)
	require.NoError(t, err)
	require.Equal(t, job.ID, jobID)

	file, err := f.svc.Open(relPath)
	require.NoError(t, err)
	defer file.Close()
	raw, err := io.ReadAll(file)
	require.NoError(t, err)
	content := string(raw)
	require.Contains(t, content, "Student,Guardian,Email")
	require.Contains(t, content, "Alice Birch")
	require.Contains(t, content, "PENDING")
}

func TestExportHandleJobGeneratesSummaryCSV(t *testing.T) {
	f, run := newExportFixture(t)
	job, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeSummary, Format: models.ExportFormatCSV,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleJob(context.Background(), f.queue.enqueued[0]))

	stored := f.exports.jobs[job.ID]
	require.Equal(t, models.ExportStatusFinished, stored.Status)

	token := (*stored.ResultURL)[strings.LastIndex(*stored.ResultURL, "/")+1:]
	_, relPath, err := f.svc.ParseDownloadToken(token)
	require.NoError(t, err)
	file, err := f.svc.Open(relPath)
	require.NoError(t, err)
	defer file.Close()
	raw, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Contains(t, string(raw), "Total Students,2")
}

func TestExportHandleJobFailureMarksFailed(t *testing.T) {
	f, run := newExportFixture(t)
	job, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeRoster, Format: models.ExportFormatCSV,
	})
	require.NoError(t, err)

	// The run disappearing between queue and generation is a handler failure.
	delete(f.runs.runs, run.ID)
	err = f.svc.HandleJob(context.Background(), f.queue.enqueued[0])
	require.Error(t, err)
	require.Equal(t, models.ExportStatusFailed, f.exports.jobs[job.ID].Status)
	require.NotNil(t, f.exports.jobs[job.ID].ErrorMessage)
}

func TestExportHandleJobSkipsFinished(t *testing.T) {
	f, run := newExportFixture(t)
	job, err := f.svc.Queue(context.Background(), "school-1", "admin-1", dto.CreateExportRequest{
		RunID: run.ID, Type: models.ExportTypeRoster, Format: models.ExportFormatCSV,
	})
	require.NoError(t, err)
	url := "done"
	f.exports.jobs[job.ID].Status = models.ExportStatusFinished
	f.exports.jobs[job.ID].ResultURL = &url

	require.NoError(t, f.svc.HandleJob(context.Background(), f.queue.enqueued[0]))
	require.Equal(t, "done", *f.exports.jobs[job.ID].ResultURL)
}

func TestExportParseDownloadTokenRejectsExpired(t *testing.T) {
	f, _ := newExportFixture(t)
	expired := storage.NewTokenSigner("export-secret", time.Millisecond)
	token, _, err := expired.Generate("job-1", "exports/file.csv")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, _, err = f.svc.ParseDownloadToken(token)
	require.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)

	_, _, err = f.svc.ParseDownloadToken("garbage")
	require.Equal(t, appErrors.ErrTokenInvalid.Code, appErrors.FromError(err).Code)
}
