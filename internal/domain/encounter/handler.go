package encounter

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/auth"
)

type Handler struct {
	repo      Repository
	directory identity.Directory
}

func NewHandler(repo Repository, directory identity.Directory) *Handler {
	return &Handler{repo: repo, directory: directory}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
	g.POST("/encounters", h.CreateEncounter)
	g.PATCH("/encounters/:id/status", h.UpdateEncounterStatus)
}

type createRequest struct {
	DoctorID    uuid.UUID `json:"doctor_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
}

// CreateEncounter schedules an appointment. Doctors always book for
// themselves; admins must name the doctor.
func (h *Handler) CreateEncounter(c echo.Context) error {
	ctx := c.Request().Context()
	actor, _ := auth.ActorFromContext(ctx)

	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil || req.ScheduledAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id and scheduled_at are required")
	}

	if actor.Role == auth.RoleDoctor {
		d, err := h.directory.DoctorByUser(ctx, actor.ID)
		if err != nil {
			return lookupError(err, "doctor profile not found")
		}
		req.DoctorID = d.ID
	} else if _, err := h.directory.DoctorByID(ctx, req.DoctorID); err != nil {
		return lookupError(err, "doctor not found")
	}
	if _, err := h.directory.PatientByID(ctx, req.PatientID); err != nil {
		return lookupError(err, "patient not found")
	}

	enc := &Encounter{DoctorID: req.DoctorID, PatientID: req.PatientID, ScheduledAt: req.ScheduledAt.UTC()}
	if req.Status != "" {
		s, err := ParseStatus(req.Status)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		enc.Status = s
	}
	if err := h.repo.Create(ctx, enc); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, enc)
}

func (h *Handler) UpdateEncounterStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status, err := ParseStatus(body.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.repo.UpdateStatus(c.Request().Context(), id, status); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": string(status)})
}

func lookupError(err error, msg string) error {
	if errors.Is(err, identity.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, msg)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
