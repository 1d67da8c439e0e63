// Package identity resolves authenticated actors to their patient or doctor
// profiles. Profiles are owned by the host system; this package only reads
// them.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("profile not found")

// Patient is the clinical subject. UserID is the actor id of the patient's
// login; PublicID is the identifier printed on the emergency card.
type Patient struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	PublicID         string    `json:"public_id"`
	ExternalHealthID *string   `json:"external_health_id,omitempty"`
	Name             string    `json:"name"`
}

type Doctor struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty,omitempty"`
}

// Directory looks up profiles. Every method returns ErrNotFound (possibly
// wrapped) when the profile does not exist; any other error is an
// infrastructure failure.
type Directory interface {
	PatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	PatientByUser(ctx context.Context, userID uuid.UUID) (*Patient, error)
	PatientByPublicID(ctx context.Context, publicID string) (*Patient, error)
	DoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	DoctorByUser(ctx context.Context, userID uuid.UUID) (*Doctor, error)
}
