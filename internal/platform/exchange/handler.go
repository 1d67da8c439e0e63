package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/internal/platform/signing"
)

const maxNotificationBytes = 1 << 20

// ConsentReader is the ledger read the push endpoint needs.
type ConsentReader interface {
	Get(ctx context.Context, consentID uuid.UUID) (*consent.Consent, error)
}

type Handler struct {
	adapter  *Adapter
	consents ConsentReader
}

func NewHandler(adapter *Adapter, consents ConsentReader) *Handler {
	return &Handler{adapter: adapter, consents: consents}
}

// RegisterRoutes mounts the gateway callback on public (it authenticates by
// signature) and the push trigger on api.
func (h *Handler) RegisterRoutes(public, api *echo.Group) {
	public.POST("/exchange/notify", h.Notify)
	api.POST("/exchange/consents/:id/push", h.PushConsent, auth.RequireRole(auth.RoleDoctor, auth.RoleAdmin))
}

func (h *Handler) Notify(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxNotificationBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	updated, err := h.adapter.HandleNotification(c.Request().Context(), body, c.Request().Header.Get(HeaderSignature))
	if err != nil {
		return notifyError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"consent_id": updated.ID,
		"status":     updated.Status,
	})
}

func notifyError(err error) error {
	switch {
	case errors.Is(err, signing.ErrSignatureMismatch):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, ErrStaleNotification):
		return echo.NewHTTPError(http.StatusUnauthorized, "stale notification")
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownStatus), errors.Is(err, consent.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, consent.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "consent not found")
	case errors.Is(err, consent.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "notification could not be applied")
	}
}

// PushConsent forwards a consent request to the gateway. Doctors may push
// only their own requests.
func (h *Handler) PushConsent(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cons, err := h.consents.Get(ctx, id)
	if errors.Is(err, consent.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "consent not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	actor, _ := auth.ActorFromContext(ctx)
	if actor.Role == auth.RoleDoctor {
		d, err := h.adapter.directory.DoctorByUser(ctx, actor.ID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if d == nil || d.ID != cons.DoctorID {
			return echo.NewHTTPError(http.StatusNotFound, "consent not found")
		}
	}

	ack, err := h.adapter.ForwardConsentRequest(ctx, cons)
	if errors.Is(err, ErrNoExternalID) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusOK
	if ack.Degraded {
		status = http.StatusAccepted
	}
	return c.JSON(status, ack)
}
