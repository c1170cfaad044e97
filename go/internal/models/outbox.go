package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// OutboxOperation defines the change a published event describes.
type OutboxOperation string

const (
	OutboxOpCreated OutboxOperation = "CREATED"
	OutboxOpUpdated OutboxOperation = "UPDATED"
	OutboxOpDeleted OutboxOperation = "DELETED"
)

// OutboxOperationFor maps a command operation onto the event operation it
// produces. Bulk updates publish as plain updates.
func OutboxOperationFor(op CommandOperation) OutboxOperation {
	switch op {
	case CommandOpCreate:
		return OutboxOpCreated
	case CommandOpDelete:
		return OutboxOpDeleted
	default:
		return OutboxOpUpdated
	}
}

// OutboxRecord is one committed, to-be-published change. It is inserted in the
// same transaction as the entity mutation it describes and afterwards mutated
// only by the publisher: sent_at on success, retry_count/error_message on
// failure. Rows are never deleted; exhausted rows remain as an audit trail.
type OutboxRecord struct {
	ID            uuid.UUID              `json:"id"`
	TenantID      uuid.UUID              `json:"tenant_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	Operation     OutboxOperation        `json:"operation"`
	Diff          json.RawMessage        `json:"diff,omitempty"`
	Snapshot      pqtype.NullRawMessage  `json:"snapshot,omitempty"`
	Headers       json.RawMessage        `json:"headers,omitempty"`
	CorrelationID uuid.UUID              `json:"correlation_id"`
	SentAt        *time.Time             `json:"sent_at,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	ErrorMessage  *string                `json:"error_message,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// PartitionKey returns the per-entity routing key used as the bus message key.
func (r *OutboxRecord) PartitionKey() string {
	return r.EntityType + "#" + r.EntityID
}
