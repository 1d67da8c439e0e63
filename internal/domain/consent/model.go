package consent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("consent not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRequest    = errors.New("invalid consent request")
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusGranted Status = "GRANTED"
	StatusDenied  Status = "DENIED"
	StatusRevoked Status = "REVOKED"
	StatusExpired Status = "EXPIRED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusGranted, StatusDenied, StatusRevoked, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDenied || s == StatusRevoked || s == StatusExpired
}

// SignedArtifact is the signed evidence of a grant. It is created once, at
// grant time, and never modified.
type SignedArtifact struct {
	PayloadJSON  string    `json:"payload_json"`
	SignatureHex string    `json:"signature_hex"`
	SignedAt     time.Time `json:"signed_at"`
	Algorithm    string    `json:"algorithm"`
}

// Consent is a doctor's request for, and the patient's decision on, access to
// a scope of the patient's records. Rows are never deleted.
type Consent struct {
	ID          uuid.UUID       `json:"id"`
	DoctorID    uuid.UUID       `json:"doctor_id"`
	PatientID   uuid.UUID       `json:"patient_id"`
	DataScope   []string        `json:"data_scope"`
	Purpose     string          `json:"purpose"`
	Status      Status          `json:"status"`
	RequestedAt time.Time       `json:"requested_at"`
	GrantedAt   *time.Time      `json:"granted_at,omitempty"`
	ValidFrom   *time.Time      `json:"valid_from,omitempty"`
	ValidTo     *time.Time      `json:"valid_to,omitempty"`
	Artefact    *SignedArtifact `json:"artefact,omitempty"`
}

// EffectiveStatus derives the status at now. A stored GRANTED whose window
// has closed, or that has no window at all, is EXPIRED; the stored field is
// never trusted on its own.
func (c *Consent) EffectiveStatus(now time.Time) Status {
	if c.Status != StatusGranted {
		return c.Status
	}
	if c.ValidFrom == nil || c.ValidTo == nil || now.After(*c.ValidTo) {
		return StatusExpired
	}
	return StatusGranted
}

// ActiveAt reports whether the consent authorizes access at now.
func (c *Consent) ActiveAt(now time.Time) bool {
	return c.EffectiveStatus(now) == StatusGranted && !now.Before(*c.ValidFrom)
}

// Clone returns a deep copy.
func (c *Consent) Clone() *Consent {
	out := *c
	out.DataScope = append([]string(nil), c.DataScope...)
	out.GrantedAt = copyTime(c.GrantedAt)
	out.ValidFrom = copyTime(c.ValidFrom)
	out.ValidTo = copyTime(c.ValidTo)
	if c.Artefact != nil {
		a := *c.Artefact
		out.Artefact = &a
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// checkTransition validates moving c to next given the effective status at now.
func checkTransition(c *Consent, next Status, now time.Time) error {
	from := c.EffectiveStatus(now)
	ok := false
	switch from {
	case StatusPending:
		ok = next == StatusGranted || next == StatusDenied
	case StatusGranted:
		ok = next == StatusRevoked
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}
	return nil
}
