package staff

import (
	"context"
	"database/sql"
	"errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, s *Staff) error {
	query := "INSERT INTO staff (emp_id, username, role, password_hash) VALUES ($1, $2, $3, $4)"
	_, err := r.db.ExecContext(ctx, query, s.EmpID, s.Username, s.Role, s.Password)
	return err
}

func (r *Repository) GetByEmpID(ctx context.Context, empID string) (*Staff, error) {
	s := &Staff{}
	query := "SELECT emp_id, username, role, password_hash FROM staff WHERE emp_id = $1"

	err := r.db.QueryRowContext(ctx, query, empID).Scan(&s.EmpID, &s.Username, &s.Role, &s.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStaffNotFound
		}
		return nil, err
	}
	return s, nil
}
