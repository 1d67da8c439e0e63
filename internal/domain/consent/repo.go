package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists consents. Implementations must make Transition a
// single critical section per consent id.
type Repository interface {
	Create(ctx context.Context, c *Consent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consent, error)
	// FindActive returns a GRANTED consent for the pair whose validity window
	// contains now, or nil.
	FindActive(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (*Consent, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error)
	// Transition locks the consent, hands a copy to fn and stores the result.
	// When fn returns an error nothing is written and the error is returned.
	Transition(ctx context.Context, id uuid.UUID, fn func(c *Consent) error) (*Consent, error)
}
