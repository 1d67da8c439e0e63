package emergency

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the public read on public and the maintenance
// endpoints on admin.
func (h *Handler) RegisterRoutes(public, admin *echo.Group) {
	public.GET("/emergency/:publicId", h.GetProfile)

	a := admin.Group("", auth.RequireRole(auth.RoleAdmin))
	a.PUT("/emergency/:publicId", h.UpdateProfile)
	a.DELETE("/emergency/cache", h.InvalidateAll)
}

func (h *Handler) GetProfile(c echo.Context) error {
	p, err := h.svc.GetEmergencyProfile(c.Request().Context(), c.Param("publicId"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "emergency profile not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	var p Profile
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.PublicID = c.Param("publicId")
	err := h.svc.UpdateProfile(c.Request().Context(), &p)
	if errors.Is(err, ErrInvalidProfile) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) InvalidateAll(c echo.Context) error {
	if err := h.svc.InvalidateAll(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
