package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"meditalk/pkg"
)

// ErrNotFound is returned when a consultation does not exist or belongs to
// someone else.
var ErrNotFound = errors.New("consultation not found")

// Repository wraps database operations for consultations.  Queries are
// written with ? placeholders and rebound for the connected driver.
type Repository struct {
	DB  *sqlx.DB
	now func() time.Time
}

// NewRepository constructs a new Repository from an open database.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{DB: db, now: time.Now}
}

type consultationRow struct {
	ID           string    `db:"id"`
	CreatedBy    string    `db:"created_by"`
	Symptom      string    `db:"gejala"`
	Conversation string    `db:"conversation"`
	Report       string    `db:"report"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r consultationRow) consultation() *pkg.Consultation {
	return &pkg.Consultation{
		ID:           r.ID,
		CreatedBy:    r.CreatedBy,
		Symptom:      r.Symptom,
		Conversation: r.Conversation,
		Report:       r.Report,
		Status:       pkg.ConsultationStatus(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

const selectConsultation = `SELECT id, created_by, gejala, conversation, report, status, created_at, updated_at
         FROM consultations`

// Create stores a new pending consultation for the owner.
func (r *Repository) Create(ctx context.Context, ownerID, symptom string) (*pkg.Consultation, error) {
	now := r.now().UTC()
	row := consultationRow{
		ID:        uuid.NewString(),
		CreatedBy: ownerID,
		Symptom:   symptom,
		Status:    string(pkg.StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(
		`INSERT INTO consultations (id, created_by, gejala, conversation, report, status, created_at, updated_at)
         VALUES (?, ?, ?, '', '', ?, ?, ?)`),
		row.ID, row.CreatedBy, row.Symptom, row.Status, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consultation: %w", err)
	}
	return row.consultation(), nil
}

// FindOwned loads a consultation only when it belongs to ownerID.
func (r *Repository) FindOwned(ctx context.Context, id, ownerID string) (*pkg.Consultation, error) {
	var row consultationRow
	err := r.DB.GetContext(ctx, &row,
		r.DB.Rebind(selectConsultation+` WHERE id = ? AND created_by = ?`), id, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consultation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.consultation(), nil
}

// ListOwned returns the owner's consultations, newest first.
func (r *Repository) ListOwned(ctx context.Context, ownerID string) ([]pkg.Consultation, error) {
	var rows []consultationRow
	err := r.DB.SelectContext(ctx, &rows,
		r.DB.Rebind(selectConsultation+` WHERE created_by = ? ORDER BY created_at DESC, id`), ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]pkg.Consultation, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.consultation())
	}
	return out, nil
}

// Update writes the non-nil fields of update and bumps updated_at.
func (r *Repository) Update(ctx context.Context, id string, update pkg.ConsultationUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{r.now().UTC()}
	if update.Conversation != nil {
		sets = append(sets, "conversation = ?")
		args = append(args, *update.Conversation)
	}
	if update.Report != nil {
		sets = append(sets, "report = ?")
		args = append(args, *update.Report)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	args = append(args, id)

	query := r.DB.Rebind(`UPDATE consultations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update consultation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("consultation %s: %w", id, ErrNotFound)
	}
	return nil
}
