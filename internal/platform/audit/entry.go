// Package audit is the append-only audit trail. Writers go through Logger,
// which never blocks and never returns an error; reads go straight to the
// Store.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions written by the access core.
const (
	ActionAccessCheck            = "ACCESS_CHECK"
	ActionBreakGlassAccess       = "BREAK_GLASS_ACCESS"
	ActionConsentRequested       = "CONSENT_REQUESTED"
	ActionConsentGranted         = "CONSENT_GRANTED"
	ActionConsentDenied          = "CONSENT_DENIED"
	ActionConsentRevoked         = "CONSENT_REVOKED"
	ActionEmergencyProfileRead   = "EMERGENCY_PROFILE_READ"
	ActionExternalPush           = "EXTERNAL_PUSH"
	ActionExternalNotifyApplied  = "EXTERNAL_NOTIFY_APPLIED"
	ActionExternalNotifyRejected = "EXTERNAL_NOTIFY_REJECTED"
	ActionClinicalSummaryRead    = "CLINICAL_SUMMARY_READ"
)

// Entry is immutable once written.
type Entry struct {
	ID        uuid.UUID              `json:"id"`
	ActorID   uuid.UUID              `json:"actor_id"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Store persists entries. There is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// ListByActor returns a page of the actor's entries, newest first, and
	// the total count.
	ListByActor(ctx context.Context, actorID uuid.UUID, limit, offset int) ([]Entry, int, error)
}

// Writer is the fire-and-forget side of the audit log that domain services
// depend on.
type Writer interface {
	Write(actorID uuid.UUID, action, resource string, metadata map[string]interface{})
}
