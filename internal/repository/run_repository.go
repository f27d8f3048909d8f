package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cadenza-hq/continuation-api/internal/models"
)

// RunRepository persists continuation runs.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository constructs the repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, school_id, current_term_id, next_term_id, notice_deadline, reminder_schedule,
       assumed_continuing, status, sent_at, deadline_passed_at, completed_at, created_by, created_at, updated_at`

// Create inserts a new run in DRAFT status.
func (r *RunRepository) Create(ctx context.Context, run *models.ContinuationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusDraft
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	const query = `INSERT INTO continuation_runs
	(id, school_id, current_term_id, next_term_id, notice_deadline, reminder_schedule, assumed_continuing,
	 status, sent_at, deadline_passed_at, completed_at, created_by, created_at, updated_at)
	VALUES (:id, :school_id, :current_term_id, :next_term_id, :notice_deadline, :reminder_schedule, :assumed_continuing,
	 :status, :sent_at, :deadline_passed_at, :completed_at, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("create continuation run: %w", err)
	}
	return nil
}

// GetByID fetches a run scoped to its school.
func (r *RunRepository) GetByID(ctx context.Context, schoolID, id string) (*models.ContinuationRun, error) {
	query := `SELECT ` + runColumns + ` FROM continuation_runs WHERE id = $1 AND school_id = $2`
	var run models.ContinuationRun
	if err := r.db.GetContext(ctx, &run, query, id, schoolID); err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns runs matching the filter, newest first.
func (r *RunRepository) List(ctx context.Context, filter models.RunFilter) ([]models.ContinuationRun, int, error) {
	conditions := []string{"school_id = $1"}
	args := []interface{}{filter.SchoolID}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.TermID != "" {
		args = append(args, filter.TermID)
		conditions = append(conditions, fmt.Sprintf("(current_term_id = $%d OR next_term_id = $%d)", len(args), len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM continuation_runs"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count continuation runs: %w", err)
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	query := `SELECT ` + runColumns + ` FROM continuation_runs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	var runs []models.ContinuationRun
	if err := r.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list continuation runs: %w", err)
	}
	return runs, total, nil
}

// MarkSent transitions a DRAFT run to SENT. Returns sql.ErrNoRows when the
// run is not in a sendable state.
func (r *RunRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return r.transition(ctx, id, models.RunStatusSent,
		"sent_at = $2", []interface{}{sentAt}, models.RunStatusDraft)
}

// MarkReminding transitions a SENT or REMINDING run to REMINDING.
func (r *RunRepository) MarkReminding(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.RunStatusReminding,
		"", nil, models.RunStatusSent, models.RunStatusReminding)
}

// MarkDeadlinePassed transitions a SENT or REMINDING run to DEADLINE_PASSED.
func (r *RunRepository) MarkDeadlinePassed(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, models.RunStatusDeadlinePassed,
		"deadline_passed_at = $2", []interface{}{at}, models.RunStatusSent, models.RunStatusReminding)
}

// MarkCompleted transitions a DEADLINE_PASSED run to COMPLETED.
func (r *RunRepository) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	return r.transition(ctx, id, models.RunStatusCompleted,
		"completed_at = $2", []interface{}{at}, models.RunStatusDeadlinePassed)
}

// transition performs a guarded status update. The WHERE clause pins the
// current status so no transition can skip backward under concurrency.
func (r *RunRepository) transition(ctx context.Context, id string, to models.RunStatus, extraSet string, extraArgs []interface{}, from ...models.RunStatus) error {
	args := []interface{}{id}
	args = append(args, extraArgs...)

	set := fmt.Sprintf("status = '%s', updated_at = NOW()", to)
	if extraSet != "" {
		set += ", " + extraSet
	}

	fromList := make([]string, len(from))
	for i, f := range from {
		fromList[i] = fmt.Sprintf("'%s'", f)
	}
	query := fmt.Sprintf("UPDATE continuation_runs SET %s WHERE id = $1 AND status IN (%s)",
		set, strings.Join(fromList, ","))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition run to %s: %w", to, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check run transition rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SummaryForRun aggregates the run's ledger rows. The summary is always
// derived here; it is never stored on the run row.
func (r *RunRepository) SummaryForRun(ctx context.Context, runID string) (*models.RunSummary, error) {
	const query = `SELECT
	COUNT(*) AS total_students,
	COUNT(*) FILTER (WHERE response = 'CONTINUING') AS confirmed,
	COUNT(*) FILTER (WHERE response = 'WITHDRAWING') AS withdrawing,
	COUNT(*) FILTER (WHERE response = 'PENDING') AS pending,
	COUNT(*) FILTER (WHERE response = 'NO_RESPONSE') AS no_response,
	COUNT(*) FILTER (WHERE response = 'ASSUMED_CONTINUING') AS assumed_continuing,
	COUNT(*) FILTER (WHERE is_processed) AS processed
	FROM continuation_responses WHERE run_id = $1`
	var summary models.RunSummary
	if err := r.db.GetContext(ctx, &summary, query, runID); err != nil {
		return nil, fmt.Errorf("aggregate run summary: %w", err)
	}
	return &summary, nil
}
