package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/cadenza-hq/continuation-api/internal/models"
)

// TermRepository reads the term calendar owned by the main platform.
type TermRepository struct {
	db *sqlx.DB
}

// NewTermRepository constructs the repository.
func NewTermRepository(db *sqlx.DB) *TermRepository {
	return &TermRepository{db: db}
}

// GetByID fetches a term scoped to its school.
func (r *TermRepository) GetByID(ctx context.Context, schoolID, id string) (*models.Term, error) {
	const query = `SELECT id, school_id, name, start_date, end_date, is_active, created_at, updated_at
	FROM terms WHERE id = $1 AND school_id = $2`
	var term models.Term
	if err := r.db.GetContext(ctx, &term, query, id, schoolID); err != nil {
		return nil, err
	}
	return &term, nil
}
