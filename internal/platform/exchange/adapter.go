package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/domain/identity"
	"github.com/ehr/consentcore/internal/platform/audit"
	"github.com/ehr/consentcore/internal/platform/breaker"
	"github.com/ehr/consentcore/internal/platform/signing"
)

const (
	// BreakerName is the breaker every gateway call goes through.
	BreakerName    = "EXTERNAL_GATEWAY"
	DefaultTimeout = 5 * time.Second

	// NotificationSkew bounds how far a notification's timestamp may sit
	// from the local clock, in either direction.
	NotificationSkew = 5 * time.Minute

	HeaderTimestamp = "X-HIP-Timestamp"
	HeaderSignature = "X-HIP-Signature"
	HeaderClientID  = "X-HIP-Client-ID"

	ConsentRequestPath = "/v0.5/consent-requests/init"
)

// ExternalSigner is the asymmetric half of the key ring.
type ExternalSigner interface {
	SignExternal(payload string) (time.Time, string, error)
	VerifyExternal(payload, signatureBase64 string) bool
}

// StatusApplier applies verified gateway decisions to the ledger.
type StatusApplier interface {
	ApplyExternalStatus(ctx context.Context, consentID uuid.UUID, status consent.Status) (*consent.Consent, error)
}

// Ack is the gateway's answer to a push. Degraded is set when the breaker
// supplied it instead of the gateway.
type Ack struct {
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
	Degraded   bool   `json:"degraded"`
}

type Adapter struct {
	baseURL   string
	clientID  string
	signer    ExternalSigner
	breakers  *breaker.Registry
	ledger    StatusApplier
	directory identity.Directory
	audit     audit.Writer
	client    *http.Client
	timeout   time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithClientID(id string) Option {
	return func(a *Adapter) { a.clientID = id }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func NewAdapter(baseURL string, signer ExternalSigner, breakers *breaker.Registry, ledger StatusApplier,
	directory identity.Directory, auditW audit.Writer, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		signer:    signer,
		breakers:  breakers,
		ledger:    ledger,
		directory: directory,
		audit:     auditW,
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Push signs body and POSTs it to path through the EXTERNAL_GATEWAY breaker.
// While the breaker is open, or when the call fails, the returned Ack is
// marked Degraded and no error is returned. Errors are reserved for
// requests that could not be built at all.
func (a *Adapter) Push(ctx context.Context, path string, body interface{}) (Ack, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Ack{}, fmt.Errorf("encode gateway body: %w", err)
	}
	ts, sig, err := a.signer.SignExternal(string(payload))
	if err != nil {
		return Ack{}, fmt.Errorf("sign gateway body: %w", err)
	}

	ack, err := breaker.Execute(a.breakers, BreakerName,
		func() (Ack, error) { return a.post(ctx, path, payload, ts, sig) },
		func() Ack { return Ack{Degraded: true} },
	)
	if err != nil {
		return Ack{}, err
	}

	a.audit.Write(uuid.Nil, audit.ActionExternalPush, "gateway"+path, map[string]interface{}{
		"status":   ack.StatusCode,
		"degraded": ack.Degraded,
	})
	if ack.Degraded {
		a.logger.Warn().Str("path", path).Msg("gateway push degraded")
	}
	return ack, nil
}

func (a *Adapter) post(ctx context.Context, path string, payload []byte, ts time.Time, sig string) (Ack, error) {
	// The push outlives a cancelled request but never the deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts.Format(time.RFC3339))
	req.Header.Set(HeaderSignature, sig)
	if a.clientID != "" {
		req.Header.Set(HeaderClientID, a.clientID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	// Read at most 4KB of response body.
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Ack{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	ack := Ack{StatusCode: resp.StatusCode}
	var reply struct {
		RequestID string `json:"requestId"`
	}
	if json.Unmarshal(data, &reply) == nil {
		ack.RequestID = reply.RequestID
	}
	return ack, nil
}

// ForwardConsentRequest pushes c to the gateway's consent-request endpoint.
func (a *Adapter) ForwardConsentRequest(ctx context.Context, c *consent.Consent) (Ack, error) {
	patient, err := a.directory.PatientByID(ctx, c.PatientID)
	if err != nil {
		return Ack{}, fmt.Errorf("look up patient: %w", err)
	}
	body, err := ToExternalConsentRequest(c, patient, a.clientID, a.now())
	if err != nil {
		return Ack{}, err
	}
	return a.Push(ctx, ConsentRequestPath, body)
}

// HandleNotification verifies and applies a gateway status callback. Every
// rejection is audited as EXTERNAL_NOTIFY_REJECTED; nothing unverified reaches
// the ledger.
func (a *Adapter) HandleNotification(ctx context.Context, payload []byte, signature string) (*consent.Consent, error) {
	if signature == "" || !a.signer.VerifyExternal(string(payload), signature) {
		a.reject("", "signature", signing.ErrSignatureMismatch)
		return nil, signing.ErrSignatureMismatch
	}

	id, status, err := FromExternalNotification(payload)
	if err != nil {
		a.reject("", "malformed", err)
		return nil, err
	}
	if err := a.checkFresh(payload); err != nil {
		reason := "stale"
		if errors.Is(err, ErrMalformed) {
			reason = "malformed"
		}
		a.reject(id.String(), reason, err)
		return nil, err
	}

	c, err := a.ledger.ApplyExternalStatus(ctx, id, status)
	if err != nil {
		a.reject(id.String(), "ledger", err)
		return nil, err
	}

	a.audit.Write(uuid.Nil, audit.ActionExternalNotifyApplied, "consent/"+id.String(), map[string]interface{}{
		"consentId": id.String(),
		"status":    string(status),
	})
	return c, nil
}

func (a *Adapter) checkFresh(payload []byte) error {
	issued, err := NotificationTime(payload)
	if err != nil {
		return err
	}
	skew := a.now().Sub(issued)
	if skew < 0 {
		skew = -skew
	}
	if skew > NotificationSkew {
		return fmt.Errorf("%w: issued %s", ErrStaleNotification, issued.UTC().Format(time.RFC3339))
	}
	return nil
}

func (a *Adapter) reject(consentID, reason string, err error) {
	meta := map[string]interface{}{"reason": reason, "error": err.Error()}
	resource := "gateway/notify"
	if consentID != "" {
		meta["consentId"] = consentID
		resource = "consent/" + consentID
	}
	a.audit.Write(uuid.Nil, audit.ActionExternalNotifyRejected, resource, meta)
	a.logger.Warn().Err(err).Str("reason", reason).Msg("gateway notification rejected")
}
