package consent

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/internal/platform/signing"
	"github.com/ehr/consentcore/pkg/pagination"
)

type Handler struct {
	ledger    *Ledger
	directory identity.Directory
}

func NewHandler(ledger *Ledger, directory identity.Directory) *Handler {
	return &Handler{ledger: ledger, directory: directory}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctor := auth.RequireRole(auth.RoleDoctor)
	patient := auth.RequireRole(auth.RolePatient)

	api.POST("/consents", h.Request, doctor)
	api.GET("/consents", h.List)
	api.GET("/consents/:id", h.Get)
	api.GET("/consents/:id/verify", h.Verify)
	api.POST("/consents/:id/approve", h.Approve, patient)
	api.POST("/consents/:id/deny", h.Deny, patient)
	api.POST("/consents/:id/revoke", h.Revoke, patient)
}

type requestBody struct {
	PatientID uuid.UUID `json:"patient_id"`
	DataScope []string  `json:"data_scope"`
	Purpose   string    `json:"purpose"`
}

// consentView adds the derived status to the stored record.
type consentView struct {
	*Consent
	EffectiveStatus Status `json:"effective_status"`
}

func (h *Handler) view(c *Consent) consentView {
	return consentView{Consent: c, EffectiveStatus: c.EffectiveStatus(h.ledger.Now())}
}

func (h *Handler) Request(c echo.Context) error {
	ctx := c.Request().Context()
	var body requestBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}

	doctor, err := h.doctorProfile(ctx)
	if err != nil {
		return err
	}
	created, err := h.ledger.RequestConsent(ctx, doctor.ID, body.PatientID, body.DataScope, body.Purpose)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.view(created))
}

func (h *Handler) Approve(c echo.Context) error {
	return h.patientAction(c, h.ledger.Approve)
}

func (h *Handler) Deny(c echo.Context) error {
	return h.patientAction(c, h.ledger.Deny)
}

func (h *Handler) Revoke(c echo.Context) error {
	return h.patientAction(c, h.ledger.Revoke)
}

func (h *Handler) patientAction(c echo.Context, op func(ctx context.Context, patientID, consentID uuid.UUID) (*Consent, error)) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid consent id")
	}
	patient, err := h.patientProfile(ctx)
	if err != nil {
		return err
	}
	updated, err := op(ctx, patient.ID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(updated))
}

func (h *Handler) Get(c echo.Context) error {
	found, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.view(found))
}

// Verify recomputes the artefact signature of a granted consent.
func (h *Handler) Verify(c echo.Context) error {
	found, err := h.load(c)
	if err != nil {
		return err
	}
	if err := h.ledger.VerifyArtefact(found); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"consent_id": found.ID,
		"valid":      true,
		"algorithm":  found.Artefact.Algorithm,
	})
}

// load fetches the consent named in the path and checks that the actor is
// one of its parties or an admin. A consent the actor may not see is
// reported as not found.
func (h *Handler) load(c echo.Context) (*Consent, error) {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid consent id")
	}
	found, err := h.ledger.Get(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}

	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	switch actor.Role {
	case auth.RoleAdmin:
		return found, nil
	case auth.RoleDoctor:
		if d, err := h.directory.DoctorByUser(ctx, actor.ID); err == nil && d.ID == found.DoctorID {
			return found, nil
		}
	case auth.RolePatient:
		if p, err := h.directory.PatientByUser(ctx, actor.ID); err == nil && p.ID == found.PatientID {
			return found, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusNotFound, "consent not found")
}

// List returns the actor's own consents. Admins must name a patient_id or
// doctor_id.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	pg := pagination.FromContext(c)

	var (
		items []*Consent
		total int
		err   error
	)
	switch actor.Role {
	case auth.RolePatient:
		p, perr := h.patientProfile(ctx)
		if perr != nil {
			return perr
		}
		items, total, err = h.ledger.ListByPatient(ctx, p.ID, pg.Limit, pg.Offset)
	case auth.RoleDoctor:
		d, derr := h.doctorProfile(ctx)
		if derr != nil {
			return derr
		}
		items, total, err = h.ledger.ListByDoctor(ctx, d.ID, pg.Limit, pg.Offset)
	case auth.RoleAdmin:
		if pid, perr := uuid.Parse(c.QueryParam("patient_id")); perr == nil {
			items, total, err = h.ledger.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		} else if did, derr := uuid.Parse(c.QueryParam("doctor_id")); derr == nil {
			items, total, err = h.ledger.ListByDoctor(ctx, did, pg.Limit, pg.Offset)
		} else {
			return echo.NewHTTPError(http.StatusBadRequest, "patient_id or doctor_id is required")
		}
	default:
		return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
	}
	if err != nil {
		return httpError(err)
	}

	views := make([]consentView, 0, len(items))
	for _, item := range items {
		views = append(views, h.view(item))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) doctorProfile(ctx context.Context) (*identity.Doctor, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	d, err := h.directory.DoctorByUser(ctx, actor.ID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "doctor profile not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "profile lookup unavailable")
	}
	return d, nil
}

func (h *Handler) patientProfile(ctx context.Context) (*identity.Patient, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	p, err := h.directory.PatientByUser(ctx, actor.ID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "patient profile not found")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "profile lookup unavailable")
	}
	return p, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "unauthorized")
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, signing.ErrSignatureMismatch):
		return echo.NewHTTPError(http.StatusUnauthorized, "artefact signature mismatch")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "consent ledger error")
	}
}
