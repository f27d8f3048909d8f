package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cadenza-hq/continuation-api/internal/dto"
	"github.com/cadenza-hq/continuation-api/internal/models"
	appErrors "github.com/cadenza-hq/continuation-api/pkg/errors"
	"github.com/cadenza-hq/continuation-api/pkg/export"
	"github.com/cadenza-hq/continuation-api/pkg/jobs"
	"github.com/cadenza-hq/continuation-api/pkg/storage"
)

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, schoolID, id string) (*models.ExportJob, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id, resultURL string, at time.Time) error
	MarkFailed(ctx context.Context, id, message string, at time.Time) error
}

type exportRunStore interface {
	GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error)
	SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error)
}

type exportLedgerStore interface {
	ListDetails(ctx context.Context, runID string) ([]models.ResponseDetail, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
	RenderSummary(title string, pairs []export.KeyValue) ([]byte, error)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// ExportPayload is carried on queued export jobs.
type ExportPayload struct {
	JobID    string
	SchoolID string
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
}

// ExportService generates run roster and summary exports in the background
// and hands back signed, expiring download links.
type ExportService struct {
	exports exportJobStore
	runs    exportRunStore
	ledger  exportLedgerStore
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.TokenSigner
	queue   jobEnqueuer
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService. The queue is attached later
// through SetQueue because the queue handler needs the service.
func NewExportService(exports exportJobStore, runs exportRunStore, ledger exportLedgerStore,
	store fileStorage, signer *storage.TokenSigner, cfg ExportConfig, logger *zap.Logger,
	csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &ExportService{
		exports: exports,
		runs:    runs,
		ledger:  ledger,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// SetQueue attaches the worker queue used for background generation.
func (s *ExportService) SetQueue(queue jobEnqueuer) {
	s.queue = queue
}

// Queue validates the request, persists a QUEUED job and enqueues it.
func (s *ExportService) Queue(ctx context.Context, schoolID, actorID string, req dto.CreateExportRequest) (*models.ExportJob, error) {
	if req.Type != models.ExportTypeRoster && req.Type != models.ExportTypeSummary {
		return nil, appErrors.Clone(appErrors.ErrValidation, "type must be roster or summary")
	}
	if req.Format != models.ExportFormatCSV && req.Format != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if _, err := s.runs.GetByID(ctx, schoolID, req.RunID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "continuation run not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load run")
	}

	job := &models.ExportJob{
		SchoolID:  schoolID,
		Type:      req.Type,
		Params:    models.ExportJobParams{RunID: req.RunID, Format: req.Format},
		Status:    models.ExportStatusQueued,
		CreatedBy: actorID,
	}
	if err := s.exports.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "export queue is not running")
	}
	if err := s.queue.Enqueue(jobs.Job{
		ID:      job.ID,
		Type:    string(job.Type),
		Payload: ExportPayload{JobID: job.ID, SchoolID: schoolID},
	}); err != nil {
		now := time.Now().UTC()
		if markErr := s.exports.MarkFailed(ctx, job.ID, "queue unavailable", now); markErr != nil {
			s.logger.Warn("failed to mark export job failed", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	return job, nil
}

// Get returns an export job scoped to the school.
func (s *ExportService) Get(ctx context.Context, schoolID, jobID string) (*models.ExportJob, error) {
	job, err := s.exports.GetByID(ctx, schoolID, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	return job, nil
}

// HandleJob is the queue handler generating a single export.
func (s *ExportService) HandleJob(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(ExportPayload)
	if !ok {
		s.logger.Error("export job carries unexpected payload", zap.String("job_id", job.ID))
		return nil // nothing to retry
	}
	record, err := s.exports.GetByID(ctx, payload.SchoolID, payload.JobID)
	if err != nil {
		return fmt.Errorf("load export job %s: %w", payload.JobID, err)
	}
	if record.Status == models.ExportStatusFinished {
		return nil
	}
	if err := s.exports.MarkProcessing(ctx, record.ID); err != nil {
		return fmt.Errorf("mark export processing: %w", err)
	}

	resultURL, err := s.generate(ctx, record)
	now := time.Now().UTC()
	if err != nil {
		if markErr := s.exports.MarkFailed(ctx, record.ID, err.Error(), now); markErr != nil {
			s.logger.Error("failed to record export failure", zap.String("job_id", record.ID), zap.Error(markErr))
		}
		return err
	}
	if err := s.exports.MarkFinished(ctx, record.ID, resultURL, now); err != nil {
		return fmt.Errorf("mark export finished: %w", err)
	}
	s.logger.Info("export generated", zap.String("job_id", record.ID), zap.String("type", string(record.Type)))
	return nil
}

// ParseDownloadToken validates a signed download token.
func (s *ExportService) ParseDownloadToken(token string) (jobID, relPath string, err error) {
	jobID, relPath, _, err = s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return "", "", appErrors.Clone(appErrors.ErrTokenExpired, "download link has expired")
		}
		return "", "", appErrors.ErrTokenInvalid
	}
	return jobID, relPath, nil
}

// Open returns a handle to the stored export file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

func (s *ExportService) generate(ctx context.Context, job *models.ExportJob) (string, error) {
	run, err := s.runs.GetByID(ctx, job.SchoolID, job.Params.RunID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", job.Params.RunID, err)
	}

	var payload []byte
	switch job.Type {
	case models.ExportTypeRoster:
		payload, err = s.renderRoster(ctx, run, job.Params.Format)
	case models.ExportTypeSummary:
		payload, err = s.renderSummary(ctx, run, job.Params.Format)
	default:
		err = fmt.Errorf("unsupported export type %s", job.Type)
	}
	if err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%s_%s_%s.%s",
		job.Type, run.ID, time.Now().UTC().Format("20060102_150405"), job.Params.Format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return "", fmt.Errorf("store export: %w", err)
	}

	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return "", fmt.Errorf("sign download token: %w", err)
	}
	return fmt.Sprintf("%s/continuation/exports/download/%s", strings.TrimRight(s.cfg.APIPrefix, "/"), token), nil
}

func (s *ExportService) renderRoster(ctx context.Context, run *models.ContinuationRun, format models.ExportFormat) ([]byte, error) {
	details, err := s.ledger.ListDetails(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}

	rows := make([]map[string]string, 0, len(details))
	for _, detail := range details {
		rows = append(rows, map[string]string{
			"Student":        detail.StudentName,
			"Guardian":       detail.GuardianName,
			"Email":          deref(detail.GuardianEmail),
			"Response":       string(detail.Response),
			"Responded At":   formatExportTime(detail.ResponseAt),
			"Method":         responseMethodLabel(detail.ResponseMethod),
			"Reason":         withdrawalReasonLabel(detail.WithdrawalReason),
			"Reminders":      fmt.Sprintf("%d", detail.ReminderCount),
			"Processed":      boolLabel(detail.IsProcessed),
			"Next Term Fee":  fmt.Sprintf("%.2f", detail.LessonSummary.NextTermFee()),
			"Adjustment IDs": strings.Join(detail.TermAdjustmentIDs, " "),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Student", "Guardian", "Email", "Response", "Responded At", "Method", "Reason",
			"Reminders", "Processed", "Next Term Fee", "Adjustment IDs"},
		Rows: rows,
	}

	title := fmt.Sprintf("Continuation Roster %s", run.NoticeDeadline.Format("2006-01-02"))
	if format == models.ExportFormatPDF {
		return s.pdf.Render(dataset, title)
	}
	return s.csv.Render(dataset)
}

func (s *ExportService) renderSummary(ctx context.Context, run *models.ContinuationRun, format models.ExportFormat) ([]byte, error) {
	summary, err := s.runs.SummaryForRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate summary: %w", err)
	}

	title := fmt.Sprintf("Continuation Summary %s", run.NoticeDeadline.Format("2006-01-02"))
	pairs := []export.KeyValue{
		{Label: "Run Status", Value: string(run.Status)},
		{Label: "Notice Deadline", Value: run.NoticeDeadline.Format("2006-01-02")},
		{Label: "Total Students", Value: fmt.Sprintf("%d", summary.TotalStudents)},
		{Label: "Confirmed", Value: fmt.Sprintf("%d", summary.Confirmed)},
		{Label: "Withdrawing", Value: fmt.Sprintf("%d", summary.Withdrawing)},
		{Label: "Pending", Value: fmt.Sprintf("%d", summary.Pending)},
		{Label: "No Response", Value: fmt.Sprintf("%d", summary.NoResponse)},
		{Label: "Assumed Continuing", Value: fmt.Sprintf("%d", summary.AssumedContinuing)},
		{Label: "Processed", Value: fmt.Sprintf("%d", summary.Processed)},
	}
	if format == models.ExportFormatPDF {
		return s.pdf.RenderSummary(title, pairs)
	}

	rows := make([]map[string]string, 0, len(pairs))
	for _, pair := range pairs {
		rows = append(rows, map[string]string{"Metric": pair.Label, "Value": pair.Value})
	}
	return s.csv.Render(export.Dataset{Headers: []string{"Metric", "Value"}, Rows: rows})
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func formatExportTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func responseMethodLabel(method *models.ResponseMethod) string {
	if method == nil {
		return ""
	}
	return string(*method)
}

func withdrawalReasonLabel(reason *models.WithdrawalReason) string {
	if reason == nil {
		return ""
	}
	return string(*reason)
}

func boolLabel(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
