// Package encounter is the appointment schedule consulted for implicit,
// appointment-scoped access.
package encounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("encounter not found")

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("unrecognized encounter status %q", s)
}

// Active reports whether the encounter still grants its doctor access.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusInProgress
}

type Encounter struct {
	ID          uuid.UUID `json:"id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
}

type Repository interface {
	Create(ctx context.Context, e *Encounter) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	// FindActive returns an active encounter for the pair scheduled within
	// [from, to], or nil when there is none.
	FindActive(ctx context.Context, doctorID, patientID uuid.UUID, from, to time.Time) (*Encounter, error)
}
