// Package consent is the consent ledger: the store of consent requests and
// grants and the only place their lifecycle transitions happen.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/audit"
	"github.com/ehr/consentcore/internal/platform/signing"
)

// DefaultDuration is how long a grant stays valid.
const DefaultDuration = 365 * 24 * time.Hour

// Signer produces the internal artefact signature.
type Signer interface {
	Sign(payload string) (string, error)
	Verify(payload, signatureHex string) bool
	Algorithm() string
}

type Ledger struct {
	repo      Repository
	directory identity.Directory
	signer    Signer
	audit     audit.Writer
	duration  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Ledger)

func WithDuration(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.duration = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(zl zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = zl }
}

func NewLedger(repo Repository, directory identity.Directory, signer Signer, auditW audit.Writer, opts ...Option) *Ledger {
	l := &Ledger{
		repo:      repo,
		directory: directory,
		signer:    signer,
		audit:     auditW,
		duration:  DefaultDuration,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// RequestConsent records a doctor's PENDING request for access to a
// patient's data.
func (l *Ledger) RequestConsent(ctx context.Context, doctorID, patientID uuid.UUID, scope []string, purpose string) (*Consent, error) {
	scope = normalizeScope(scope)
	purpose = strings.TrimSpace(purpose)
	if len(scope) == 0 {
		return nil, fmt.Errorf("%w: data scope is required", ErrInvalidRequest)
	}
	if purpose == "" {
		return nil, fmt.Errorf("%w: purpose is required", ErrInvalidRequest)
	}

	doctor, err := l.directory.DoctorByID(ctx, doctorID)
	if err != nil {
		return nil, lookupErr("doctor", err)
	}
	patient, err := l.directory.PatientByID(ctx, patientID)
	if err != nil {
		return nil, lookupErr("patient", err)
	}
	if doctor.UserID == patient.UserID {
		return nil, fmt.Errorf("%w: doctor and patient must differ", ErrInvalidRequest)
	}

	c := &Consent{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		PatientID:   patientID,
		DataScope:   scope,
		Purpose:     purpose,
		Status:      StatusPending,
		RequestedAt: l.Now(),
	}
	if err := l.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create consent: %w", err)
	}

	l.record(doctor.UserID, audit.ActionConsentRequested, c)
	return c, nil
}

// Approve grants a PENDING consent on behalf of its patient. The GRANTED
// status and the signed artefact are written in one transition.
func (l *Ledger) Approve(ctx context.Context, patientID, consentID uuid.UUID) (*Consent, error) {
	patient, err := l.directory.PatientByID(ctx, patientID)
	if err != nil {
		return nil, lookupErr("patient", err)
	}
	c, err := l.repo.Transition(ctx, consentID, func(c *Consent) error {
		if c.PatientID != patientID {
			return ErrUnauthorized
		}
		return l.grant(c, patient)
	})
	if err != nil {
		return nil, err
	}
	l.record(patient.UserID, audit.ActionConsentGranted, c)
	return c, nil
}

// Deny rejects a PENDING consent on behalf of its patient.
func (l *Ledger) Deny(ctx context.Context, patientID, consentID uuid.UUID) (*Consent, error) {
	return l.patientTransition(ctx, patientID, consentID, StatusDenied, audit.ActionConsentDenied)
}

// Revoke ends an active grant. The artefact is kept as evidence of what was
// granted. The change is visible to the next access decision.
func (l *Ledger) Revoke(ctx context.Context, patientID, consentID uuid.UUID) (*Consent, error) {
	return l.patientTransition(ctx, patientID, consentID, StatusRevoked, audit.ActionConsentRevoked)
}

func (l *Ledger) patientTransition(ctx context.Context, patientID, consentID uuid.UUID, next Status, action string) (*Consent, error) {
	patient, err := l.directory.PatientByID(ctx, patientID)
	if err != nil {
		return nil, lookupErr("patient", err)
	}
	c, err := l.repo.Transition(ctx, consentID, func(c *Consent) error {
		if c.PatientID != patientID {
			return ErrUnauthorized
		}
		if err := checkTransition(c, next, l.Now()); err != nil {
			return err
		}
		c.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.record(patient.UserID, action, c)
	return c, nil
}

// ApplyExternalStatus applies a verified gateway notification. It follows
// the same state machine as the patient-facing operations but performs no
// ownership check; the gateway acts for the patient.
func (l *Ledger) ApplyExternalStatus(ctx context.Context, consentID uuid.UUID, status Status) (*Consent, error) {
	var action string
	switch status {
	case StatusGranted:
		action = audit.ActionConsentGranted
	case StatusDenied:
		action = audit.ActionConsentDenied
	case StatusRevoked:
		action = audit.ActionConsentRevoked
	default:
		return nil, fmt.Errorf("%w: cannot apply external status %s", ErrInvalidRequest, status)
	}

	current, err := l.repo.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	patient, err := l.directory.PatientByID(ctx, current.PatientID)
	if err != nil {
		return nil, lookupErr("patient", err)
	}

	c, err := l.repo.Transition(ctx, consentID, func(c *Consent) error {
		if status == StatusGranted {
			return l.grant(c, patient)
		}
		if err := checkTransition(c, status, l.Now()); err != nil {
			return err
		}
		c.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.record(uuid.Nil, action, c)
	return c, nil
}

// grant moves c to GRANTED and attaches the signed artefact. It runs inside
// Transition, so a signing failure leaves the stored consent untouched.
func (l *Ledger) grant(c *Consent, patient *identity.Patient) error {
	now := l.Now()
	if err := checkTransition(c, StatusGranted, now); err != nil {
		return err
	}
	from, to := now, now.Add(l.duration)

	payload, err := ArtefactPayload(c, patient, from, to)
	if err != nil {
		return err
	}
	sig, err := l.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("sign consent artefact: %w", err)
	}

	c.Status = StatusGranted
	c.GrantedAt = &now
	c.ValidFrom = &from
	c.ValidTo = &to
	c.Artefact = &SignedArtifact{
		PayloadJSON:  payload,
		SignatureHex: sig,
		SignedAt:     now,
		Algorithm:    l.signer.Algorithm(),
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, consentID uuid.UUID) (*Consent, error) {
	return l.repo.GetByID(ctx, consentID)
}

func (l *Ledger) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return l.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (l *Ledger) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return l.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

// ActiveConsent returns the consent that currently authorizes doctorID to
// read patientID's data, or nil. The validity window is re-checked here
// regardless of what the store filtered on.
func (l *Ledger) ActiveConsent(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (*Consent, error) {
	c, err := l.repo.FindActive(ctx, doctorID, patientID, now)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.ActiveAt(now) {
		return nil, nil
	}
	return c, nil
}

// VerifyArtefact recomputes the artefact signature. It returns
// signing.ErrSignatureMismatch when the artefact was altered.
func (l *Ledger) VerifyArtefact(c *Consent) error {
	if c.Artefact == nil {
		return fmt.Errorf("%w: consent %s has no artefact", ErrInvalidRequest, c.ID)
	}
	if !l.signer.Verify(c.Artefact.PayloadJSON, c.Artefact.SignatureHex) {
		return signing.ErrSignatureMismatch
	}
	return nil
}

func (l *Ledger) record(actorID uuid.UUID, action string, c *Consent) {
	l.audit.Write(actorID, action, "consent/"+c.ID.String(), map[string]interface{}{
		"consentId": c.ID.String(),
		"doctorId":  c.DoctorID.String(),
		"patientId": c.PatientID.String(),
		"status":    string(c.Status),
	})
	l.logger.Info().
		Str("action", action).
		Str("consent_id", c.ID.String()).
		Str("status", string(c.Status)).
		Msg("consent transition")
}

// artefact is the signed document. Field order is fixed so the JSON encoding
// of a given grant is byte-for-byte reproducible.
type artefact struct {
	ConsentID         string   `json:"consentId"`
	PatientID         string   `json:"patientId"`
	PatientExternalID string   `json:"patientExternalId,omitempty"`
	DoctorID          string   `json:"doctorId"`
	Purpose           string   `json:"purpose"`
	DataScope         []string `json:"dataScope"`
	ValidFrom         string   `json:"validFrom"`
	ValidTo           string   `json:"validTo"`
}

// ArtefactPayload builds the canonical JSON document that is signed at
// grant time.
func ArtefactPayload(c *Consent, patient *identity.Patient, from, to time.Time) (string, error) {
	a := artefact{
		ConsentID: c.ID.String(),
		PatientID: c.PatientID.String(),
		DoctorID:  c.DoctorID.String(),
		Purpose:   c.Purpose,
		DataScope: normalizeScope(c.DataScope),
		ValidFrom: from.UTC().Format(time.RFC3339),
		ValidTo:   to.UTC().Format(time.RFC3339),
	}
	if patient != nil && patient.ExternalHealthID != nil {
		a.PatientExternalID = *patient.ExternalHealthID
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal consent artefact: %w", err)
	}
	return string(b), nil
}

// normalizeScope trims, de-duplicates and sorts scope entries.
func normalizeScope(scope []string) []string {
	seen := make(map[string]bool, len(scope))
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func lookupErr(kind string, err error) error {
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, kind)
	}
	return fmt.Errorf("look up %s: %w", kind, err)
}
