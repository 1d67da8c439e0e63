package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/platform/auth"
)

type Handler struct {
	directory Directory
}

func NewHandler(directory Directory) *Handler {
	return &Handler{directory: directory}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/me", h.Me)
}

// Me returns the directory profile behind the calling actor.
func (h *Handler) Me(c echo.Context) error {
	ctx := c.Request().Context()
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}

	var (
		profile interface{}
		err     error
	)
	switch actor.Role {
	case auth.RolePatient:
		profile, err = h.directory.PatientByUser(ctx, actor.ID)
	case auth.RoleDoctor:
		profile, err = h.directory.DoctorByUser(ctx, actor.ID)
	default:
		return c.JSON(http.StatusOK, map[string]interface{}{"actor_id": actor.ID, "role": actor.Role})
	}
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "profile not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"role": actor.Role, "profile": profile})
}
