package encounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consentcore/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) Create(ctx context.Context, e *Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusScheduled
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO encounters (id, doctor_id, patient_id, scheduled_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.DoctorID, e.PatientID, e.ScheduledAt, string(e.Status))
	if err != nil {
		return fmt.Errorf("insert encounter: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE encounters SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update encounter status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("encounter %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *repoPG) FindActive(ctx context.Context, doctorID, patientID uuid.UUID, from, to time.Time) (*Encounter, error) {
	var e Encounter
	var status string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, doctor_id, patient_id, scheduled_at, status
		FROM encounters
		WHERE doctor_id = $1 AND patient_id = $2
		  AND status IN ('SCHEDULED', 'IN_PROGRESS')
		  AND scheduled_at BETWEEN $3 AND $4
		ORDER BY scheduled_at
		LIMIT 1`,
		doctorID, patientID, from, to,
	).Scan(&e.ID, &e.DoctorID, &e.PatientID, &e.ScheduledAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active encounter: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}
