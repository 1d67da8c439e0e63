package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Role is the closed set of actor roles understood by the access core.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole converts a claim value into a Role. Unknown values are rejected
// rather than mapped to a default.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RoleDoctor, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unrecognized role %q", s)
	}
}

func (r Role) String() string { return string(r) }

// Actor is the authenticated identity of the current request.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a copy of ctx carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor set by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}
