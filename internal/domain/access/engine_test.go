package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/domain/encounter"
	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/internal/platform/signing"
	"github.com/ehr/consentcore/internal/platform/telemetry"
)

type auditCall struct {
	actorID  uuid.UUID
	action   string
	metadata map[string]interface{}
}

type recordingWriter struct {
	mu    sync.Mutex
	calls []auditCall
}

func (w *recordingWriter) Write(actorID uuid.UUID, action, _ string, metadata map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, auditCall{actorID, action, metadata})
}

func (w *recordingWriter) last() auditCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return auditCall{}
	}
	return w.calls[len(w.calls)-1]
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

type fixture struct {
	engine     *Engine
	ledger     *consent.Ledger
	directory  *identity.MemoryDirectory
	encounters *encounter.MemoryRepo
	audit      *recordingWriter
	now        time.Time
	doctor     identity.Doctor
	patient    identity.Patient
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	keys, err := signing.NewKeyRing([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}
	f := &fixture{
		directory:  identity.NewMemoryDirectory(),
		encounters: encounter.NewMemoryRepo(),
		audit:      &recordingWriter{},
		now:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.doctor = f.directory.AddDoctor(identity.Doctor{UserID: uuid.New(), Name: "Dr. Iyer"})
	f.patient = f.directory.AddPatient(identity.Patient{UserID: uuid.New(), PublicID: "EMR-7"})
	f.ledger = consent.NewLedger(consent.NewMemoryRepo(), f.directory, keys, f.audit,
		consent.WithClock(func() time.Time { return f.now }))
	f.engine = NewEngine(f.directory, f.ledger, f.encounters, f.audit, opts...)
	return f
}

func (f *fixture) doctorActor() auth.Actor  { return auth.Actor{ID: f.doctor.UserID, Role: auth.RoleDoctor} }
func (f *fixture) patientActor() auth.Actor { return auth.Actor{ID: f.patient.UserID, Role: auth.RolePatient} }

func (f *fixture) grant(t *testing.T) *consent.Consent {
	t.Helper()
	ctx := context.Background()
	c, err := f.ledger.RequestConsent(ctx, f.doctor.ID, f.patient.ID, []string{"Prescription"}, "treatment")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	c, err = f.ledger.Approve(ctx, f.patient.ID, c.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return c
}

func TestDecide_SelfAccess(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Decide(context.Background(), f.patientActor(), f.patient.ID, f.now)
	if err != nil || !d.Allowed || d.Path != PathSelf {
		t.Fatalf("expected self access, got %+v, %v", d, err)
	}
	if f.audit.count() != 0 {
		t.Error("self access is not audited by default")
	}
}

func TestDecide_SelfAccessAudited(t *testing.T) {
	f := newFixture(t, WithSelfAudit(true))
	f.engine.Decide(context.Background(), f.patientActor(), f.patient.ID, f.now)
	if got := f.audit.last(); got.action != "ACCESS_CHECK" || got.metadata["result"] != "allow" {
		t.Errorf("unexpected audit: %+v", got)
	}
}

func TestDecide_PatientCannotReadOthers(t *testing.T) {
	f := newFixture(t)
	other := f.directory.AddPatient(identity.Patient{UserID: uuid.New(), PublicID: "EMR-8"})
	d, err := f.engine.Decide(context.Background(), f.patientActor(), other.ID, f.now)
	if err != nil || d.Allowed {
		t.Fatalf("expected deny, got %+v, %v", d, err)
	}
	if got := f.audit.last(); got.action != "ACCESS_CHECK" || got.metadata["result"] != "deny" {
		t.Errorf("expected deny audit, got %+v", got)
	}
}

func TestDecide_AdminBreakGlass(t *testing.T) {
	f := newFixture(t)
	admin := auth.Actor{ID: uuid.New(), Role: auth.RoleAdmin}
	d, err := f.engine.Decide(context.Background(), admin, f.patient.ID, f.now)
	if err != nil || !d.Allowed || d.Path != PathAdmin {
		t.Fatalf("expected admin allow, got %+v, %v", d, err)
	}
	got := f.audit.last()
	if got.action != "BREAK_GLASS_ACCESS" || got.actorID != admin.ID {
		t.Errorf("expected break-glass audit, got %+v", got)
	}
}

func TestDecide_DoctorWithoutProfile(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Decide(context.Background(), auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor}, f.patient.ID, f.now)
	if err != nil || d.Allowed || d.Reason != "doctor profile not found" {
		t.Fatalf("expected profile denial, got %+v, %v", d, err)
	}
}

func TestDecide_ConsentPath(t *testing.T) {
	f := newFixture(t)
	c := f.grant(t)

	d, err := f.engine.Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now)
	if err != nil || !d.Allowed || d.Path != PathConsent {
		t.Fatalf("expected consent allow, got %+v, %v", d, err)
	}
	if d.ConsentID == nil || *d.ConsentID != c.ID {
		t.Errorf("expected consent id %s attached, got %v", c.ID, d.ConsentID)
	}
	got := f.audit.last()
	if got.action != "ACCESS_CHECK" || got.metadata["result"] != "allow" || got.metadata["consentId"] != c.ID.String() {
		t.Errorf("unexpected audit: %+v", got)
	}
}

func TestDecide_ConsentValidityWindow(t *testing.T) {
	f := newFixture(t)
	c := f.grant(t)
	ctx := context.Background()

	for _, now := range []time.Time{*c.ValidFrom, c.ValidFrom.Add(24 * time.Hour), *c.ValidTo} {
		if d, _ := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, now); !d.Allowed {
			t.Errorf("expected allow at %s", now)
		}
	}
	if d, _ := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, c.ValidTo.Add(time.Second)); d.Allowed {
		t.Error("expected deny after validTo even though stored status is GRANTED")
	}
}

func TestDecide_RevocationIsImmediate(t *testing.T) {
	f := newFixture(t)
	c := f.grant(t)
	ctx := context.Background()

	if d, _ := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, f.now); !d.Allowed {
		t.Fatal("expected allow before revoke")
	}
	if _, err := f.ledger.Revoke(ctx, f.patient.ID, c.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if d, _ := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, f.now); d.Allowed {
		t.Error("expected deny on the very next call after revoke")
	}
}

func TestDecide_AppointmentWindow(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		status  encounter.Status
		allowed bool
	}{
		{"one hour ago scheduled", -time.Hour, encounter.StatusScheduled, true},
		{"in progress now", 0, encounter.StatusInProgress, true},
		{"ninety minutes ahead", 90 * time.Minute, encounter.StatusScheduled, true},
		{"three hours ago", -3 * time.Hour, encounter.StatusScheduled, false},
		{"completed", -time.Hour, encounter.StatusCompleted, false},
		{"cancelled", 0, encounter.StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			enc := &encounter.Encounter{DoctorID: f.doctor.ID, PatientID: f.patient.ID,
				ScheduledAt: f.now.Add(tt.offset), Status: tt.status}
			f.encounters.Create(context.Background(), enc)

			d, err := f.engine.Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Allowed != tt.allowed {
				t.Fatalf("allowed=%v, want %v (%+v)", d.Allowed, tt.allowed, d)
			}
			if tt.allowed && (d.Path != PathAppointment || d.EncounterID == nil || *d.EncounterID != enc.ID) {
				t.Errorf("expected appointment path with encounter id, got %+v", d)
			}
		})
	}
}

func TestDecide_ConfigurableWindow(t *testing.T) {
	f := newFixture(t, WithAppointmentWindow(4*time.Hour))
	f.encounters.Create(context.Background(), &encounter.Encounter{DoctorID: f.doctor.ID, PatientID: f.patient.ID,
		ScheduledAt: f.now.Add(-3 * time.Hour), Status: encounter.StatusScheduled})
	if d, _ := f.engine.Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now); !d.Allowed {
		t.Error("expected allow inside a 4h window")
	}
}

func TestDecide_NoGrant(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now)
	if err != nil || d.Allowed || d.Reason != "no active consent or appointment found" {
		t.Fatalf("expected deny, got %+v, %v", d, err)
	}
	got := f.audit.last()
	if got.action != "ACCESS_CHECK" || got.metadata["patientId"] != f.patient.ID.String() || got.metadata["result"] != "deny" {
		t.Errorf("unexpected audit: %+v", got)
	}
}

func TestDecide_UnknownPatientLooksLikeAnyDenial(t *testing.T) {
	f := newFixture(t)
	known, _ := f.engine.Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now)
	unknown, _ := f.engine.Decide(context.Background(), f.doctorActor(), uuid.New(), f.now)
	if known.Allowed || unknown.Allowed || known.Reason != unknown.Reason {
		t.Errorf("denials differ: %+v vs %+v", known, unknown)
	}
}

func TestDecide_UnrecognizedRole(t *testing.T) {
	f := newFixture(t)
	d, err := f.engine.Decide(context.Background(), auth.Actor{ID: uuid.New(), Role: auth.Role("nurse")}, f.patient.ID, f.now)
	if err != nil || d.Allowed || d.Reason != "unrecognized role" {
		t.Errorf("expected unrecognized role denial, got %+v, %v", d, err)
	}
}

type brokenLedger struct{}

func (brokenLedger) ActiveConsent(context.Context, uuid.UUID, uuid.UUID, time.Time) (*consent.Consent, error) {
	return nil, errors.New("connection refused")
}

type brokenEncounters struct{ encounter.MemoryRepo }

func (*brokenEncounters) FindActive(context.Context, uuid.UUID, uuid.UUID, time.Time, time.Time) (*encounter.Encounter, error) {
	return nil, errors.New("connection refused")
}

type brokenDirectory struct{ *identity.MemoryDirectory }

func (brokenDirectory) DoctorByUser(context.Context, uuid.UUID) (*identity.Doctor, error) {
	return nil, errors.New("connection refused")
}

func TestDecide_InfrastructureFailuresAreDistinct(t *testing.T) {
	tests := []struct {
		name  string
		build func(f *fixture) *Engine
	}{
		{"ledger down", func(f *fixture) *Engine {
			return NewEngine(f.directory, brokenLedger{}, f.encounters, f.audit)
		}},
		{"schedule down", func(f *fixture) *Engine {
			return NewEngine(f.directory, f.ledger, &brokenEncounters{}, f.audit)
		}},
		{"directory down", func(f *fixture) *Engine {
			return NewEngine(brokenDirectory{f.directory}, f.ledger, f.encounters, f.audit)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d, err := tt.build(f).Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now)
			if !errors.Is(err, ErrInfrastructure) {
				t.Fatalf("expected ErrInfrastructure, got %v", err)
			}
			if d.Allowed {
				t.Error("infrastructure failure must fail closed")
			}
		})
	}
}

func TestDecide_Metrics(t *testing.T) {
	f := newFixture(t, WithMetrics(telemetry.New()))
	if _, err := f.engine.Decide(context.Background(), f.doctorActor(), f.patient.ID, f.now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEndToEnd_RequestApproveDecideRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.ledger.RequestConsent(ctx, f.doctor.ID, f.patient.ID, []string{"Prescription"}, "treatment")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d, _ := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, f.now); d.Allowed {
		t.Fatal("pending consent must not grant access")
	}
	if _, err := f.ledger.Approve(ctx, f.patient.ID, c.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	d, err := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, f.now)
	if err != nil || !d.Allowed || d.ConsentID == nil || *d.ConsentID != c.ID {
		t.Fatalf("expected allow with consent id, got %+v, %v", d, err)
	}

	if _, err := f.ledger.Revoke(ctx, f.patient.ID, c.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if d, _ := f.engine.Decide(ctx, f.doctorActor(), f.patient.ID, f.now); d.Allowed {
		t.Error("expected deny immediately after revoke")
	}
}
