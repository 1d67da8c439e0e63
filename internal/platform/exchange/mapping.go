// Package exchange adapts consents to the national health-information
// gateway: outbound consent requests and inbound status notifications.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consentcore/internal/domain/consent"
	"github.com/ehr/consentcore/internal/domain/identity"
)

var (
	ErrMalformed         = errors.New("malformed gateway notification")
	ErrNoExternalID      = errors.New("patient has no external health id")
	ErrUnknownStatus     = errors.New("unknown gateway consent status")
	ErrStaleNotification = errors.New("gateway notification outside the accepted time window")
)

type Purpose struct {
	Text string `json:"text"`
	Code string `json:"code"`
}

type Reference struct {
	ID string `json:"id"`
}

type DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Permission struct {
	AccessMode  string    `json:"accessMode"`
	DateRange   DateRange `json:"dateRange"`
	DataEraseAt string    `json:"dataEraseAt"`
}

type ConsentDetail struct {
	Purpose    Purpose    `json:"purpose"`
	Patient    Reference  `json:"patient"`
	HIU        Reference  `json:"hiu"`
	Requester  Reference  `json:"requester"`
	HITypes    []string   `json:"hiTypes"`
	Permission Permission `json:"permission"`
}

// ExternalConsentRequest is the gateway's consent-request init body.
type ExternalConsentRequest struct {
	RequestID string        `json:"requestId"`
	Timestamp string        `json:"timestamp"`
	Consent   ConsentDetail `json:"consent"`
}

// purposeCodes maps free-text purposes onto the gateway's purpose codes.
var purposeCodes = map[string]string{
	"treatment":     "CAREMGT",
	"care":          "CAREMGT",
	"breakglass":    "BTG",
	"public health": "PUBHLTH",
	"payment":       "HPAYMT",
	"research":      "DSRCH",
	"self":          "PATRQT",
}

func purposeCode(purpose string) string {
	if code, ok := purposeCodes[strings.ToLower(strings.TrimSpace(purpose))]; ok {
		return code
	}
	return "CAREMGT"
}

// ToExternalConsentRequest maps c onto the gateway format. The patient must
// carry an external health id. A consent not yet granted asks for the
// default grant duration starting at its request time.
func ToExternalConsentRequest(c *consent.Consent, patient *identity.Patient, clientID string, now time.Time) (ExternalConsentRequest, error) {
	if patient.ExternalHealthID == nil || *patient.ExternalHealthID == "" {
		return ExternalConsentRequest{}, ErrNoExternalID
	}

	from, to := c.RequestedAt, c.RequestedAt.Add(consent.DefaultDuration)
	if c.ValidFrom != nil && c.ValidTo != nil {
		from, to = *c.ValidFrom, *c.ValidTo
	}
	hiTypes := append([]string(nil), c.DataScope...)
	sort.Strings(hiTypes)

	return ExternalConsentRequest{
		RequestID: c.ID.String(),
		Timestamp: now.UTC().Format(time.RFC3339),
		Consent: ConsentDetail{
			Purpose:   Purpose{Text: c.Purpose, Code: purposeCode(c.Purpose)},
			Patient:   Reference{ID: *patient.ExternalHealthID},
			HIU:       Reference{ID: clientID},
			Requester: Reference{ID: c.DoctorID.String()},
			HITypes:   hiTypes,
			Permission: Permission{
				AccessMode:  "VIEW",
				DateRange:   DateRange{From: from.UTC().Format(time.RFC3339), To: to.UTC().Format(time.RFC3339)},
				DataEraseAt: to.UTC().Format(time.RFC3339),
			},
		},
	}, nil
}

// Notification is the gateway's consent status callback.
type Notification struct {
	RequestID    string `json:"requestId"`
	Timestamp    string `json:"timestamp"`
	Notification struct {
		ConsentRequestID string `json:"consentRequestId"`
		Status           string `json:"status"`
	} `json:"notification"`
}

var gatewayStatuses = map[string]consent.Status{
	"GRANTED": consent.StatusGranted,
	"DENIED":  consent.StatusDenied,
	"REVOKED": consent.StatusRevoked,
	"EXPIRED": consent.StatusExpired,
}

// FromExternalNotification extracts the consent id and the new status from
// a raw notification body.
func FromExternalNotification(payload []byte) (uuid.UUID, consent.Status, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(n.Notification.ConsentRequestID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: consentRequestId: %v", ErrMalformed, err)
	}
	status, ok := gatewayStatuses[strings.ToUpper(n.Notification.Status)]
	if !ok {
		return uuid.Nil, "", fmt.Errorf("%w: %q", ErrUnknownStatus, n.Notification.Status)
	}
	return id, status, nil
}

// NotificationTime returns the issue time stamped on a notification body.
func NotificationTime(payload []byte) (time.Time, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	issued, err := time.Parse(time.RFC3339, n.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	return issued, nil
}
