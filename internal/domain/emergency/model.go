// Package emergency serves the emergency profile printed behind a patient's
// public card. Reads go through a TTL cache and may be up to one TTL stale.
package emergency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("emergency profile not found")
	ErrInvalidProfile = errors.New("public_id and patient_id are required")
)

type Contact struct {
	Name     string `json:"name"`
	Relation string `json:"relation,omitempty"`
	Phone    string `json:"phone"`
}

type Profile struct {
	PatientID         uuid.UUID `json:"patient_id"`
	PublicID          string    `json:"public_id"`
	Name              string    `json:"name"`
	BloodType         string    `json:"blood_type,omitempty"`
	Allergies         []string  `json:"allergies"`
	ActiveMedications []string  `json:"active_medications"`
	EmergencyContacts []Contact `json:"emergency_contacts"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Source is the source of truth for profiles, keyed by public id.
type Source interface {
	ProfileByPublicID(ctx context.Context, publicID string) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
}
