package consent

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

// NewRepoPG returns a Repository backed by the consents table. Transition
// runs SELECT ... FOR UPDATE and the UPDATE in one transaction.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const consentCols = `id, doctor_id, patient_id, data_scope, purpose, status, requested_at,
	granted_at, valid_from, valid_to,
	artefact_payload, artefact_signature, artefact_signed_at, artefact_algorithm`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	var status string
	var payload, signature, algorithm *string
	var signedAt *time.Time
	err := row.Scan(&c.ID, &c.DoctorID, &c.PatientID, &c.DataScope, &c.Purpose, &status, &c.RequestedAt,
		&c.GrantedAt, &c.ValidFrom, &c.ValidTo,
		&payload, &signature, &signedAt, &algorithm)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if payload != nil && signature != nil && signedAt != nil {
		c.Artefact = &SignedArtifact{PayloadJSON: *payload, SignatureHex: *signature, SignedAt: *signedAt}
		if algorithm != nil {
			c.Artefact.Algorithm = *algorithm
		}
	}
	return &c, nil
}

func artefactColumns(a *SignedArtifact) (payload, signature, algorithm *string, signedAt *time.Time) {
	if a == nil {
		return nil, nil, nil, nil
	}
	return &a.PayloadJSON, &a.SignatureHex, &a.Algorithm, &a.SignedAt
}

func (r *repoPG) Create(ctx context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	payload, signature, algorithm, signedAt := artefactColumns(c.Artefact)
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO consents (`+consentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.DoctorID, c.PatientID, c.DataScope, c.Purpose, string(c.Status), c.RequestedAt,
		c.GrantedAt, c.ValidFrom, c.ValidTo,
		payload, signature, signedAt, algorithm)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consent, error) {
	c, err := scanConsent(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+consentCols+` FROM consents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	return c, nil
}

func (r *repoPG) FindActive(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (*Consent, error) {
	c, err := scanConsent(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+consentCols+` FROM consents
		WHERE doctor_id = $1 AND patient_id = $2 AND status = 'GRANTED'
		  AND valid_from <= $3 AND valid_to >= $3
		ORDER BY valid_to DESC
		LIMIT 1`, doctorID, patientID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active consent: %w", err)
	}
	return c, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}

// list filters on column, which is always one of the two literals above.
func (r *repoPG) list(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM consents WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count consents: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+consentCols+` FROM consents WHERE `+column+` = $1
		ORDER BY requested_at DESC, id DESC LIMIT NULLIF($2::int, 0) OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list consents: %w", err)
	}
	defer rows.Close()

	var items []*Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan consent: %w", err)
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, fn func(c *Consent) error) (*Consent, error) {
	var out *Consent
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		c, err := scanConsent(tx.QueryRow(ctx,
			`SELECT `+consentCols+` FROM consents WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock consent: %w", err)
		}

		if err := fn(c); err != nil {
			return err
		}

		payload, signature, algorithm, signedAt := artefactColumns(c.Artefact)
		_, err = tx.Exec(ctx, `
			UPDATE consents SET status = $2, granted_at = $3, valid_from = $4, valid_to = $5,
				artefact_payload = $6, artefact_signature = $7, artefact_signed_at = $8,
				artefact_algorithm = $9, updated_at = NOW()
			WHERE id = $1`,
			id, string(c.Status), c.GrantedAt, c.ValidFrom, c.ValidTo,
			payload, signature, signedAt, algorithm)
		if err != nil {
			return fmt.Errorf("update consent: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
