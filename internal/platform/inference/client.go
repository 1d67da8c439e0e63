// Package inference calls the summarization model. Every call goes through
// the AI_INFERENCE breaker and degrades to an empty, flagged summary.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/platform/breaker"
)

const (
	BreakerName    = "AI_INFERENCE"
	DefaultTimeout = 5 * time.Second
)

// Summary is the model output. Degraded means no model answer was
// available and Text is empty.
type Summary struct {
	PatientID   uuid.UUID `json:"patient_id"`
	Text        string    `json:"text"`
	Model       string    `json:"model,omitempty"`
	Degraded    bool      `json:"degraded"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Client struct {
	endpoint string
	breakers *breaker.Registry
	client   *http.Client
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// NewClient returns a client for endpoint. An empty endpoint yields a client
// that always answers with a degraded summary.
func NewClient(endpoint string, breakers *breaker.Registry, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		breakers: breakers,
		client:   &http.Client{},
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Summarize asks the model to summarize facts. It never fails: a model
// outage produces a Degraded summary.
func (c *Client) Summarize(ctx context.Context, patientID uuid.UUID, facts []string) Summary {
	degraded := func() Summary {
		return Summary{PatientID: patientID, Degraded: true, GeneratedAt: c.now().UTC()}
	}
	if c.endpoint == "" {
		return degraded()
	}

	s, err := breaker.Execute(c.breakers, BreakerName,
		func() (Summary, error) { return c.call(ctx, patientID, facts) },
		degraded,
	)
	if err != nil {
		return degraded()
	}
	if s.Degraded {
		c.logger.Warn().Str("patient_id", patientID.String()).Msg("clinical summary degraded")
	}
	return s
}

type summarizeRequest struct {
	PatientID string   `json:"patientId"`
	Facts     []string `json:"facts"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
	Model   string `json:"model"`
}

// call detaches from the caller's cancellation so an aborted request does not
// count against the breaker. Only the client timeout bounds the call.
func (c *Client) call(ctx context.Context, patientID uuid.UUID, facts []string) (Summary, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	payload, err := json.Marshal(summarizeRequest{PatientID: patientID.String(), Facts: facts})
	if err != nil {
		return Summary{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Summary{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Summary{}, fmt.Errorf("inference returned status %d", resp.StatusCode)
	}

	var out summarizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Summary{}, fmt.Errorf("decode inference response: %w", err)
	}
	return Summary{
		PatientID:   patientID,
		Text:        out.Summary,
		Model:       out.Model,
		GeneratedAt: c.now().UTC(),
	}, nil
}
