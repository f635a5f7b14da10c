// Package events carries audit events from the permission engine to the
// external audit collaborator. Emission is decoupled from the decision path:
// the resolver hands an event over and moves on, delivery happens on a
// background drain with retries.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of audit event.
type Type string

// Event types delivered to the audit collaborator.
const (
	TypePermissionCheck   Type = "permission_check"
	TypeRoleAssigned      Type = "role_assigned"
	TypeRoleRevoked       Type = "role_revoked"
	TypePermissionGranted Type = "permission_granted"
	TypePermissionRevoked Type = "permission_revoked"
)

// Event is the audit payload. ID is the dedupe key: delivery is at-least-once
// and the audit collaborator is idempotent on it.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	UserID       int64     `json:"user_id,omitempty"`
	ActorID      int64     `json:"actor_id,omitempty"`
	TenantID     int64     `json:"tenant_id"`
	Resource     string    `json:"resource,omitempty"`
	Action       string    `json:"action,omitempty"`
	Granted      *bool     `json:"granted,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RoleID       int64     `json:"role_id,omitempty"`
	PermissionID int64     `json:"permission_id,omitempty"`
	At           time.Time `json:"at"`
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(ev Event)
}

// Sink delivers a single event towards the audit collaborator.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// NewID returns a fresh event id.
func NewID() string {
	return uuid.NewString()
}
