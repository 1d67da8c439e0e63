package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consentcore/internal/platform/db"
)

type directoryPG struct{ pool *pgxpool.Pool }

func NewDirectoryPG(pool *pgxpool.Pool) Directory { return &directoryPG{pool: pool} }

const (
	patientCols = `id, user_id, public_id, external_health_id, name`
	doctorCols  = `id, user_id, name, specialty`
)

func (r *directoryPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.UserID, &p.PublicID, &p.ExternalHealthID, &p.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	return &p, nil
}

func (r *directoryPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Specialty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan doctor: %w", err)
	}
	return &d, nil
}

func (r *directoryPG) PatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *directoryPG) PatientByUser(ctx context.Context, userID uuid.UUID) (*Patient, error) {
	return r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE user_id = $1`, userID))
}

func (r *directoryPG) PatientByPublicID(ctx context.Context, publicID string) (*Patient, error) {
	return r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE public_id = $1`, publicID))
}

func (r *directoryPG) DoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
}

func (r *directoryPG) DoctorByUser(ctx context.Context, userID uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+doctorCols+` FROM doctors WHERE user_id = $1`, userID))
}
