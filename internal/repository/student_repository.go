package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cadenza-hq/continuation-api/internal/models"
)

// StudentRepository reads students and guardians owned by the main platform.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// ListActive returns every active student for the school.
func (r *StudentRepository) ListActive(ctx context.Context, schoolID string) ([]models.Student, error) {
	const query = `SELECT id, school_id, full_name, guardian_id, status, created_at, updated_at
	FROM students WHERE school_id = $1 AND status = 'ACTIVE' ORDER BY full_name, id`
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, schoolID); err != nil {
		return nil, fmt.Errorf("list active students: %w", err)
	}
	return students, nil
}

// GetGuardian fetches a guardian scoped to the school.
func (r *StudentRepository) GetGuardian(ctx context.Context, schoolID, id string) (*models.Guardian, error) {
	const query = `SELECT id, school_id, full_name, email, phone FROM guardians WHERE id = $1 AND school_id = $2`
	var guardian models.Guardian
	if err := r.db.GetContext(ctx, &guardian, query, id, schoolID); err != nil {
		return nil, err
	}
	return &guardian, nil
}

// ListGuardians fetches the guardians for the given ids, keyed by id.
func (r *StudentRepository) ListGuardians(ctx context.Context, schoolID string, ids []string) (map[string]models.Guardian, error) {
	if len(ids) == 0 {
		return map[string]models.Guardian{}, nil
	}
	query, args, err := sqlx.In(
		`SELECT id, school_id, full_name, email, phone FROM guardians WHERE school_id = ? AND id IN (?)`,
		schoolID, ids)
	if err != nil {
		return nil, fmt.Errorf("build guardians query: %w", err)
	}
	query = r.db.Rebind(query)
	var guardians []models.Guardian
	if err := r.db.SelectContext(ctx, &guardians, query, args...); err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	result := make(map[string]models.Guardian, len(guardians))
	for _, g := range guardians {
		result[g.ID] = g
	}
	return result, nil
}
