package audit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/pkg/pagination"
)

// Handler serves the compliance view of the audit trail.
type Handler struct {
	logger *Logger
}

func NewHandler(l *Logger) *Handler {
	return &Handler{logger: l}
}

// RegisterRoutes mounts GET /audit/me on api and GET /audit/actors/:actorId
// on admin.
func (h *Handler) RegisterRoutes(api, admin *echo.Group) {
	api.GET("/audit/me", h.ListMine)
	admin.GET("/audit/actors/:actorId", h.ListByActor)
}

func (h *Handler) ListMine(c echo.Context) error {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return h.list(c, actor.ID)
}

func (h *Handler) ListByActor(c echo.Context) error {
	actorID, err := uuid.Parse(c.Param("actorId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid actor id")
	}
	return h.list(c, actorID)
}

func (h *Handler) list(c echo.Context, actorID uuid.UUID) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.logger.ListByActor(c.Request().Context(), actorID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}
