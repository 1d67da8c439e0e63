package access

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/platform/auth"
)

type contextKey string

const decisionKey contextKey = "access_decision"

func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision that admitted the request.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey).(Decision)
	return d, ok
}

// RequirePatientAccess guards handlers whose path carries a patient id in
// param. Denials get the generic 403; a failed decision gets 503.
func (e *Engine) RequirePatientAccess(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			actor, ok := auth.ActorFromContext(ctx)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
			}
			patientID, err := uuid.Parse(c.Param(param))
			if err != nil {
				// Indistinguishable from a denial so ids cannot be probed.
				return echo.NewHTTPError(http.StatusForbidden, DenyMessage)
			}

			d, err := e.Decide(ctx, actor, patientID, e.now())
			if errors.Is(err, ErrInfrastructure) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, ErrInfrastructure.Error())
			}
			if err != nil || !d.Allowed {
				return echo.NewHTTPError(http.StatusForbidden, DenyMessage)
			}

			c.SetRequest(c.Request().WithContext(WithDecision(ctx, d)))
			c.Set(string(decisionKey), d)
			return next(c)
		}
	}
}
