package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandOperation defines the mutation requested by a command.
type CommandOperation string

const (
	CommandOpCreate     CommandOperation = "CREATE"
	CommandOpUpdate     CommandOperation = "UPDATE"
	CommandOpDelete     CommandOperation = "DELETE"
	CommandOpBulkUpdate CommandOperation = "BULK_UPDATE"
)

// CommandPriority defines the severity tier of a command. The tier selects
// both the fetch lane and the retry/backoff policy.
type CommandPriority string

const (
	PriorityCritical CommandPriority = "critical"
	PriorityHigh     CommandPriority = "high"
	PriorityNormal   CommandPriority = "normal"
	PriorityBulk     CommandPriority = "bulk"
)

// CommandStatus defines the lifecycle state of a command.
type CommandStatus string

const (
	CommandStatusPending    CommandStatus = "pending"
	CommandStatusProcessing CommandStatus = "processing"
	CommandStatusCompleted  CommandStatus = "completed"
	CommandStatusFailed     CommandStatus = "failed"
	CommandStatusDead       CommandStatus = "dead"
)

// Command is one requested mutation against a logical entity. Commands are
// never physically deleted; terminal rows are retained for audit and replay.
type Command struct {
	ID            uuid.UUID        `json:"id"`
	TenantID      uuid.UUID        `json:"tenant_id"`
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Operation     CommandOperation `json:"operation"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Priority      CommandPriority  `json:"priority"`
	Status        CommandStatus    `json:"status"`
	AvailableAt   time.Time        `json:"available_at"`
	OperationID   *string          `json:"operation_id,omitempty"`
	CorrelationID uuid.UUID        `json:"correlation_id"`
	RetryCount    int              `json:"retry_count"`
	MaxRetries    int              `json:"max_retries"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PartitionKey returns the per-entity routing key shared by commands and
// outbox records.
func (c *Command) PartitionKey() string {
	return c.EntityType + "#" + c.EntityID
}
