package clinical

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/consentcore/internal/domain/access"
	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/platform/audit"
	"github.com/ehr/consentcore/internal/platform/auth"
	"github.com/ehr/consentcore/internal/platform/inference"
)

// ConsentReader loads the consent that admitted a request.
type ConsentReader interface {
	Get(ctx context.Context, consentID uuid.UUID) (*consent.Consent, error)
}

// Summarizer produces the AI summary; it degrades instead of failing.
type Summarizer interface {
	Summarize(ctx context.Context, patientID uuid.UUID, facts []string) inference.Summary
}

type Handler struct {
	engine   *access.Engine
	records  Records
	consents ConsentReader
	ai       Summarizer
	audit    audit.Writer
}

func NewHandler(engine *access.Engine, records Records, consents ConsentReader, ai Summarizer, auditW audit.Writer) *Handler {
	return &Handler{engine: engine, records: records, consents: consents, ai: ai, audit: auditW}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients/:patientId", h.engine.RequirePatientAccess("patientId"))
	g.GET("/records", h.ListRecords)
	g.GET("/summary", h.GetSummary)
}

func (h *Handler) ListRecords(c echo.Context) error {
	patientID, recs, err := h.visibleRecords(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"records":    recs,
	})
}

// GetSummary returns the AI summary of the records the caller may see. A
// degraded summary is still a 200; the flag tells the client.
func (h *Handler) GetSummary(c echo.Context) error {
	ctx := c.Request().Context()
	patientID, recs, err := h.visibleRecords(c)
	if err != nil {
		return err
	}

	facts := make([]string, 0, len(recs))
	for _, r := range recs {
		facts = append(facts, r.Kind+": "+r.Text)
	}
	summary := h.ai.Summarize(ctx, patientID, facts)

	actor, _ := auth.ActorFromContext(ctx)
	d, _ := access.DecisionFromContext(ctx)
	meta := map[string]interface{}{
		"patientId": patientID.String(),
		"path":      string(d.Path),
		"degraded":  summary.Degraded,
		"facts":     len(facts),
	}
	if d.ConsentID != nil {
		meta["consentId"] = d.ConsentID.String()
	}
	h.audit.Write(actor.ID, audit.ActionClinicalSummaryRead, "patient/"+patientID.String(), meta)

	return c.JSON(http.StatusOK, summary)
}

// visibleRecords loads the patient's records. Access through a consent is
// narrowed to the consent's data scope; other admitted paths see everything.
func (h *Handler) visibleRecords(c echo.Context) (uuid.UUID, []Record, error) {
	ctx := c.Request().Context()
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusForbidden, access.DenyMessage)
	}

	recs, err := h.records.ListByPatient(ctx, patientID)
	if err != nil {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusServiceUnavailable, "records unavailable")
	}

	d, _ := access.DecisionFromContext(ctx)
	if d.Path != access.PathConsent || d.ConsentID == nil {
		return patientID, recs, nil
	}
	cons, err := h.consents.Get(ctx, *d.ConsentID)
	if err != nil {
		return uuid.Nil, nil, echo.NewHTTPError(http.StatusServiceUnavailable, "records unavailable")
	}
	return patientID, filterScope(recs, cons.DataScope), nil
}

func filterScope(recs []Record, scope []string) []Record {
	allowed := make(map[string]bool, len(scope))
	for _, s := range scope {
		allowed[strings.ToLower(s)] = true
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if allowed[strings.ToLower(r.Kind)] {
			out = append(out, r)
		}
	}
	return out
}
