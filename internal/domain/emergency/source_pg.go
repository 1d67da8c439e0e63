package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consentcore/internal/platform/db"
)

type sourcePG struct{ pool *pgxpool.Pool }

func NewSourcePG(pool *pgxpool.Pool) Source { return &sourcePG{pool: pool} }

func (s *sourcePG) ProfileByPublicID(ctx context.Context, publicID string) (*Profile, error) {
	var (
		p        Profile
		contacts []byte
	)
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT p.id, p.public_id, p.name, e.blood_type, e.allergies, e.active_medications,
			e.emergency_contacts, e.updated_at
		FROM patients p JOIN emergency_profiles e ON e.patient_id = p.id
		WHERE p.public_id = $1`, publicID).
		Scan(&p.PatientID, &p.PublicID, &p.Name, &p.BloodType, &p.Allergies, &p.ActiveMedications,
			&contacts, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query emergency profile: %w", err)
	}
	if len(contacts) > 0 {
		if err := json.Unmarshal(contacts, &p.EmergencyContacts); err != nil {
			return nil, fmt.Errorf("decode emergency contacts: %w", err)
		}
	}
	return &p, nil
}

func (s *sourcePG) Save(ctx context.Context, p *Profile) error {
	contacts, err := json.Marshal(p.EmergencyContacts)
	if err != nil {
		return fmt.Errorf("encode emergency contacts: %w", err)
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO emergency_profiles (patient_id, blood_type, allergies, active_medications, emergency_contacts, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id) DO UPDATE SET blood_type = EXCLUDED.blood_type,
			allergies = EXCLUDED.allergies, active_medications = EXCLUDED.active_medications,
			emergency_contacts = EXCLUDED.emergency_contacts, updated_at = EXCLUDED.updated_at`,
		p.PatientID, p.BloodType, p.Allergies, p.ActiveMedications, contacts, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert emergency profile: %w", err)
	}
	return nil
}
