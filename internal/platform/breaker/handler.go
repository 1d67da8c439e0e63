package breaker

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	registry *Registry
}

func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes mounts the operator view on an already role-restricted group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/breakers", h.List)
}

func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"breakers": h.registry.Snapshots(),
	})
}
