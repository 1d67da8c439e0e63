package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/platform/auth"
)

func serveGuarded(t *testing.T, e *Engine, actor *auth.Actor, patientParam string) (*httptest.ResponseRecorder, *Decision) {
	t.Helper()
	ec := echo.New()
	var seen *Decision
	ec.GET("/patients/:patientId/records", func(c echo.Context) error {
		d, ok := DecisionFromContext(c.Request().Context())
		if ok {
			seen = &d
		}
		return c.String(http.StatusOK, "records")
	}, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if actor != nil {
				c.SetRequest(c.Request().WithContext(auth.WithActor(c.Request().Context(), *actor)))
			}
			return next(c)
		}
	}, e.RequirePatientAccess("patientId"))

	req := httptest.NewRequest(http.MethodGet, "/patients/"+patientParam+"/records", nil)
	rec := httptest.NewRecorder()
	ec.ServeHTTP(rec, req)
	return rec, seen
}

func TestRequirePatientAccess_Allows(t *testing.T) {
	f := newFixture(t)
	f.engine.now = func() time.Time { return f.now }
	c := f.grant(t)
	actor := f.doctorActor()

	rec, d := serveGuarded(t, f.engine, &actor, f.patient.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if d == nil || d.ConsentID == nil || *d.ConsentID != c.ID {
		t.Errorf("expected decision with consent id on context, got %+v", d)
	}
}

func TestRequirePatientAccess_DeniesGenerically(t *testing.T) {
	f := newFixture(t)
	actor := f.doctorActor()

	for _, param := range []string{f.patient.ID.String(), uuid.NewString(), "not-a-uuid"} {
		rec, _ := serveGuarded(t, f.engine, &actor, param)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", param, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), DenyMessage) {
			t.Errorf("%s: expected generic message, got %s", param, rec.Body.String())
		}
	}
}

func TestRequirePatientAccess_InfrastructureIs503(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.directory, brokenLedger{}, f.encounters, f.audit)
	actor := f.doctorActor()

	rec, _ := serveGuarded(t, e, &actor, f.patient.ID.String())
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestRequirePatientAccess_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	rec, _ := serveGuarded(t, f.engine, nil, f.patient.ID.String())
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestDecisionFromContext_Missing(t *testing.T) {
	if _, ok := DecisionFromContext(context.Background()); ok {
		t.Error("expected no decision on empty context")
	}
}
