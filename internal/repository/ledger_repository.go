package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cadenza-hq/continuation-api/internal/models"
)

// LedgerRepository persists per-student continuation responses.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs the repository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const responseColumns = `id, run_id, school_id, student_id, guardian_id, lesson_summary, response,
       response_at, response_method, withdrawal_reason, withdrawal_notes, is_processed, processed_at,
       term_adjustment_ids, reminder_count, initial_sent_at, dispatch_error, created_at, updated_at`

// CreateBatch inserts the ledger entries snapshotted at run creation.
func (r *LedgerRepository) CreateBatch(ctx context.Context, entries []*models.ContinuationResponse) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.Response == "" {
			entry.Response = models.ResponsePending
		}
		if entry.TermAdjustmentIDs == nil {
			entry.TermAdjustmentIDs = pq.StringArray{}
		}
		entry.CreatedAt = now
		entry.UpdatedAt = now
	}
	const query = `INSERT INTO continuation_responses
	(id, run_id, school_id, student_id, guardian_id, lesson_summary, response, response_at, response_method,
	 withdrawal_reason, withdrawal_notes, is_processed, processed_at, term_adjustment_ids, reminder_count,
	 initial_sent_at, dispatch_error, created_at, updated_at)
	VALUES (:id, :run_id, :school_id, :student_id, :guardian_id, :lesson_summary, :response, :response_at,
	 :response_method, :withdrawal_reason, :withdrawal_notes, :is_processed, :processed_at, :term_adjustment_ids,
	 :reminder_count, :initial_sent_at, :dispatch_error, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entries); err != nil {
		return fmt.Errorf("create ledger entries: %w", err)
	}
	return nil
}

// GetByID fetches a single ledger entry.
func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*models.ContinuationResponse, error) {
	query := `SELECT ` + responseColumns + ` FROM continuation_responses WHERE id = $1`
	var entry models.ContinuationResponse
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetDetail fetches a single ledger entry joined with run, term, student and
// guardian info. Both intake paths use it to render the confirmation view.
func (r *LedgerRepository) GetDetail(ctx context.Context, id string) (*GuardianPendingRow, error) {
	query := `SELECT cr.id, cr.run_id, cr.school_id, cr.student_id, cr.guardian_id, cr.lesson_summary,
	cr.response, cr.response_at, cr.response_method, cr.withdrawal_reason, cr.withdrawal_notes,
	cr.is_processed, cr.processed_at, cr.term_adjustment_ids, cr.reminder_count, cr.initial_sent_at,
	cr.dispatch_error, cr.created_at, cr.updated_at,
	s.full_name AS student_name, g.full_name AS guardian_name, g.email AS guardian_email,
	run.notice_deadline, t.name AS next_term_name
	FROM continuation_responses cr
	JOIN continuation_runs run ON run.id = cr.run_id
	JOIN terms t ON t.id = run.next_term_id
	JOIN students s ON s.id = cr.student_id
	JOIN guardians g ON g.id = cr.guardian_id
	WHERE cr.id = $1`
	var row GuardianPendingRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	return &row, nil
}

// List returns ledger entries matching the filter in snapshot creation order.
func (r *LedgerRepository) List(ctx context.Context, filter models.ResponseFilter) ([]models.ContinuationResponse, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.SchoolID != "" {
		args = append(args, filter.SchoolID)
		conditions = append(conditions, fmt.Sprintf("school_id = $%d", len(args)))
	}
	if filter.GuardianID != "" {
		args = append(args, filter.GuardianID)
		conditions = append(conditions, fmt.Sprintf("guardian_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("response IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Unprocessed {
		conditions = append(conditions, "NOT is_processed")
	}

	query := `SELECT ` + responseColumns + ` FROM continuation_responses`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var entries []models.ContinuationResponse
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

// ListDetails returns ledger entries joined with student and guardian info.
func (r *LedgerRepository) ListDetails(ctx context.Context, runID string) ([]models.ResponseDetail, error) {
	query := `SELECT cr.id, cr.run_id, cr.school_id, cr.student_id, cr.guardian_id, cr.lesson_summary,
	cr.response, cr.response_at, cr.response_method, cr.withdrawal_reason, cr.withdrawal_notes,
	cr.is_processed, cr.processed_at, cr.term_adjustment_ids, cr.reminder_count, cr.initial_sent_at,
	cr.dispatch_error, cr.created_at, cr.updated_at,
	s.full_name AS student_name, g.full_name AS guardian_name, g.email AS guardian_email
	FROM continuation_responses cr
	JOIN students s ON s.id = cr.student_id
	JOIN guardians g ON g.id = cr.guardian_id
	WHERE cr.run_id = $1
	ORDER BY s.full_name, cr.id`
	var details []models.ResponseDetail
	if err := r.db.SelectContext(ctx, &details, query, runID); err != nil {
		return nil, fmt.Errorf("list ledger details: %w", err)
	}
	return details, nil
}

// GuardianPendingRow is a pending portal item joined with run and term info.
type GuardianPendingRow struct {
	models.ResponseDetail
	NoticeDeadline time.Time `db:"notice_deadline"`
	NextTermName   string    `db:"next_term_name"`
}

// ListPendingForGuardian returns the guardian's own pending entries for runs
// still accepting responses.
func (r *LedgerRepository) ListPendingForGuardian(ctx context.Context, schoolID, guardianID string) ([]GuardianPendingRow, error) {
	query := `SELECT cr.id, cr.run_id, cr.school_id, cr.student_id, cr.guardian_id, cr.lesson_summary,
	cr.response, cr.response_at, cr.response_method, cr.withdrawal_reason, cr.withdrawal_notes,
	cr.is_processed, cr.processed_at, cr.term_adjustment_ids, cr.reminder_count, cr.initial_sent_at,
	cr.dispatch_error, cr.created_at, cr.updated_at,
	s.full_name AS student_name, g.full_name AS guardian_name, g.email AS guardian_email,
	run.notice_deadline, t.name AS next_term_name
	FROM continuation_responses cr
	JOIN continuation_runs run ON run.id = cr.run_id
	JOIN terms t ON t.id = run.next_term_id
	JOIN students s ON s.id = cr.student_id
	JOIN guardians g ON g.id = cr.guardian_id
	WHERE cr.school_id = $1 AND cr.guardian_id = $2 AND cr.response = 'PENDING'
	  AND run.status IN ('SENT', 'REMINDING')
	ORDER BY run.notice_deadline, s.full_name`
	var rows []GuardianPendingRow
	if err := r.db.SelectContext(ctx, &rows, query, schoolID, guardianID); err != nil {
		return nil, fmt.Errorf("list pending guardian entries: %w", err)
	}
	return rows, nil
}

// RecordResponse atomically records a guardian decision on a still-pending
// entry. The pending-only predicate makes concurrent duplicate submissions
// lose cleanly; callers translate sql.ErrNoRows into an already-responded
// outcome.
func (r *LedgerRepository) RecordResponse(ctx context.Context, id string, response models.ResponseState, method models.ResponseMethod, reason *models.WithdrawalReason, notes *string, at time.Time) error {
	const query = `UPDATE continuation_responses
	SET response = $2, response_at = $3, response_method = $4, withdrawal_reason = $5, withdrawal_notes = $6,
	    updated_at = NOW()
	WHERE id = $1 AND response = 'PENDING'`
	result, err := r.db.ExecContext(ctx, query, id, response, at, method, reason, notes)
	if err != nil {
		return fmt.Errorf("record response: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check response rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// OverrideResponse replaces an entry's response regardless of current state.
// Staff-only correction path; processed entries stay untouchable.
func (r *LedgerRepository) OverrideResponse(ctx context.Context, id string, response models.ResponseState, reason *models.WithdrawalReason, notes *string, at time.Time) error {
	const query = `UPDATE continuation_responses
	SET response = $2, response_at = $3, response_method = 'ADMIN_MANUAL', withdrawal_reason = $4,
	    withdrawal_notes = $5, updated_at = NOW()
	WHERE id = $1 AND NOT is_processed`
	result, err := r.db.ExecContext(ctx, query, id, response, at, reason, notes)
	if err != nil {
		return fmt.Errorf("override response: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check override rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReclassifyPending bulk-reclassifies still-pending entries at the deadline
// and returns how many rows changed.
func (r *LedgerRepository) ReclassifyPending(ctx context.Context, runID string, to models.ResponseState, at time.Time) (int64, error) {
	const query = `UPDATE continuation_responses
	SET response = $2, response_at = $3, response_method = 'DEADLINE', updated_at = NOW()
	WHERE run_id = $1 AND response = 'PENDING'`
	result, err := r.db.ExecContext(ctx, query, runID, to, at)
	if err != nil {
		return 0, fmt.Errorf("reclassify pending responses: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check reclassify rows: %w", err)
	}
	return rows, nil
}

// MarkProcessed flips is_processed exactly once and stores any confirmed
// adjustment ids. Re-processing an already-processed entry is a no-op
// surfaced as sql.ErrNoRows.
func (r *LedgerRepository) MarkProcessed(ctx context.Context, id string, adjustmentIDs []string, at time.Time) error {
	const query = `UPDATE continuation_responses
	SET is_processed = TRUE, processed_at = $2,
	    term_adjustment_ids = term_adjustment_ids || $3,
	    updated_at = NOW()
	WHERE id = $1 AND NOT is_processed`
	result, err := r.db.ExecContext(ctx, query, id, at, pq.StringArray(adjustmentIDs))
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check processed rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkInitialSent stamps the initial dispatch time, or stores the dispatch
// failure for staff follow-up.
func (r *LedgerRepository) MarkInitialSent(ctx context.Context, id string, at time.Time, dispatchError *string) error {
	const query = `UPDATE continuation_responses
	SET initial_sent_at = $2, dispatch_error = $3, updated_at = NOW()
	WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at, dispatchError); err != nil {
		return fmt.Errorf("mark initial sent: %w", err)
	}
	return nil
}

// IncrementReminders bumps reminder_count for the given entries.
func (r *LedgerRepository) IncrementReminders(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE continuation_responses
	SET reminder_count = reminder_count + 1, updated_at = NOW()
	WHERE id = ANY($1)`
	if _, err := r.db.ExecContext(ctx, query, pq.StringArray(ids)); err != nil {
		return fmt.Errorf("increment reminders: %w", err)
	}
	return nil
}

// CountUnprocessed returns the number of entries still awaiting processing.
func (r *LedgerRepository) CountUnprocessed(ctx context.Context, runID string) (int, error) {
	const query = `SELECT COUNT(*) FROM continuation_responses WHERE run_id = $1 AND NOT is_processed`
	var count int
	if err := r.db.GetContext(ctx, &count, query, runID); err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return count, nil
}
