package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TriggerKind defines the side effect a scheduled trigger fires.
type TriggerKind string

const (
	TriggerSLAWarning     TriggerKind = "SLA_WARNING"
	TriggerSLABreach      TriggerKind = "SLA_BREACH"
	TriggerAutoTransition TriggerKind = "AUTO_TRANSITION"
	TriggerReminder       TriggerKind = "REMINDER"
)

// TriggerStatus defines the state of a scheduled trigger. Completed and
// cancelled are terminal; a trigger is never reactivated.
type TriggerStatus string

const (
	TriggerStatusPending   TriggerStatus = "pending"
	TriggerStatusCompleted TriggerStatus = "completed"
	TriggerStatusCancelled TriggerStatus = "cancelled"
)

// ScheduledTrigger is a time-deferred side effect bound to an entity: SLA
// escalation, auto-transition, or reminder. Superseding events cancel pending
// triggers before they fire.
type ScheduledTrigger struct {
	ID            uuid.UUID       `json:"id"`
	EntityID      string          `json:"entity_id"`
	Kind          TriggerKind     `json:"kind"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	ActionPayload json.RawMessage `json:"action_payload,omitempty"`
	Status        TriggerStatus   `json:"status"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
