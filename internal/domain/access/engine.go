// Package access is the consent guard: it decides whether an actor may read
// a patient's clinical data and records every consequential decision.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/domain/encounter"
	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/audit"
	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/internal/platform/telemetry"
)

// DenyMessage is the only denial text shown to callers. It does not reveal
// whether the patient exists.
const DenyMessage = "Access denied: no active consent or appointment found"

const DefaultAppointmentWindow = 2 * time.Hour

// ErrInfrastructure means the decision could not be made. Callers must treat
// it as a denial but report it differently.
var ErrInfrastructure = errors.New("access decision unavailable")

// Path identifies which rule produced a decision.
type Path string

const (
	PathSelf        Path = "self"
	PathAdmin       Path = "admin"
	PathConsent     Path = "consent"
	PathAppointment Path = "appointment"
	PathNone        Path = "none"
	PathRole        Path = "role"
	PathError       Path = "error"
)

const (
	reasonSelf           = "self access"
	reasonBreakGlass     = "administrative override"
	reasonConsent        = "active consent"
	reasonAppointment    = "appointment window"
	reasonNoDoctor       = "doctor profile not found"
	reasonNoGrant        = "no active consent or appointment found"
	reasonNotSelf        = "patient may only access own record"
	reasonUnknownRole    = "unrecognized role"
	reasonInfrastructure = "decision unavailable"
)

// Decision is the outcome of Decide. ConsentID or EncounterID is set when
// the grant came from that record, for audit correlation downstream.
type Decision struct {
	Allowed     bool       `json:"allowed"`
	Reason      string     `json:"reason"`
	Path        Path       `json:"path"`
	ConsentID   *uuid.UUID `json:"consent_id,omitempty"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
}

func (d Decision) result() string {
	if d.Allowed {
		return "allow"
	}
	return "deny"
}

// ConsentFinder is the ledger query the engine depends on.
type ConsentFinder interface {
	ActiveConsent(ctx context.Context, doctorID, patientID uuid.UUID, now time.Time) (*consent.Consent, error)
}

type Engine struct {
	directory  identity.Directory
	consents   ConsentFinder
	encounters encounter.Repository
	audit      audit.Writer
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	window     time.Duration
	auditSelf  bool
	now        func() time.Time
}

type Option func(*Engine)

// WithAppointmentWindow sets the half-width of the window around now in
// which an encounter grants implicit access.
func WithAppointmentWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithSelfAudit makes patient self-access emit ACCESS_CHECK entries too.
func WithSelfAudit(on bool) Option {
	return func(e *Engine) { e.auditSelf = on }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the clock used by the HTTP middleware.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(directory identity.Directory, consents ConsentFinder, encounters encounter.Repository, auditW audit.Writer, opts ...Option) *Engine {
	e := &Engine{
		directory:  directory,
		consents:   consents,
		encounters: encounters,
		audit:      auditW,
		logger:     zerolog.Nop(),
		window:     DefaultAppointmentWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates the access rules in order; the first match wins. A
// denial is a normal return. An error (wrapping ErrInfrastructure) is
// returned only when a store could not be consulted, together with a
// denying Decision.
func (e *Engine) Decide(ctx context.Context, actor auth.Actor, patientID uuid.UUID, now time.Time) (Decision, error) {
	d, err := e.evaluate(ctx, actor, patientID, now)
	if err != nil {
		d = Decision{Allowed: false, Reason: reasonInfrastructure, Path: PathError}
		e.logger.Error().Err(err).
			Str("actor_id", actor.ID.String()).
			Str("patient_id", patientID.String()).
			Msg("access decision failed")
		err = fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	e.metrics.ObserveDecision(d.result(), string(d.Path))
	e.record(actor, patientID, d)
	return d, err
}

func (e *Engine) evaluate(ctx context.Context, actor auth.Actor, patientID uuid.UUID, now time.Time) (Decision, error) {
	switch actor.Role {
	case auth.RolePatient:
		p, err := e.directory.PatientByUser(ctx, actor.ID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return Decision{}, fmt.Errorf("look up patient profile: %w", err)
		}
		if err == nil && p.ID == patientID {
			return Decision{Allowed: true, Reason: reasonSelf, Path: PathSelf}, nil
		}
		return Decision{Reason: reasonNotSelf, Path: PathNone}, nil

	case auth.RoleAdmin:
		return Decision{Allowed: true, Reason: reasonBreakGlass, Path: PathAdmin}, nil

	case auth.RoleDoctor:
		return e.evaluateDoctor(ctx, actor, patientID, now)

	default:
		return Decision{Reason: reasonUnknownRole, Path: PathRole}, nil
	}
}

func (e *Engine) evaluateDoctor(ctx context.Context, actor auth.Actor, patientID uuid.UUID, now time.Time) (Decision, error) {
	doctor, err := e.directory.DoctorByUser(ctx, actor.ID)
	if errors.Is(err, identity.ErrNotFound) {
		return Decision{Reason: reasonNoDoctor, Path: PathNone}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("look up doctor profile: %w", err)
	}

	c, err := e.consents.ActiveConsent(ctx, doctor.ID, patientID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("query consent ledger: %w", err)
	}
	if c != nil && c.ActiveAt(now) {
		id := c.ID
		return Decision{Allowed: true, Reason: reasonConsent, Path: PathConsent, ConsentID: &id}, nil
	}

	enc, err := e.encounters.FindActive(ctx, doctor.ID, patientID, now.Add(-e.window), now.Add(e.window))
	if err != nil {
		return Decision{}, fmt.Errorf("query encounters: %w", err)
	}
	if enc != nil && enc.Status.Active() {
		id := enc.ID
		return Decision{Allowed: true, Reason: reasonAppointment, Path: PathAppointment, EncounterID: &id}, nil
	}

	return Decision{Reason: reasonNoGrant, Path: PathNone}, nil
}

// record writes the audit entry for d. Admin access is always recorded as
// break-glass; self access only when enabled.
func (e *Engine) record(actor auth.Actor, patientID uuid.UUID, d Decision) {
	resource := "patient/" + patientID.String()
	meta := map[string]interface{}{
		"patientId": patientID.String(),
		"result":    d.result(),
		"reason":    d.Reason,
		"path":      string(d.Path),
		"role":      string(actor.Role),
	}
	if d.ConsentID != nil {
		meta["consentId"] = d.ConsentID.String()
	}
	if d.EncounterID != nil {
		meta["encounterId"] = d.EncounterID.String()
	}

	switch d.Path {
	case PathAdmin:
		e.audit.Write(actor.ID, audit.ActionBreakGlassAccess, resource, meta)
	case PathSelf:
		if e.auditSelf {
			e.audit.Write(actor.ID, audit.ActionAccessCheck, resource, meta)
		}
	default:
		e.audit.Write(actor.ID, audit.ActionAccessCheck, resource, meta)
	}
}
