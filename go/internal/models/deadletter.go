package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterStatus defines the state of a dead-letter record. Both replayed
// and discarded are terminal.
type DeadLetterStatus string

const (
	DeadLetterStatusPending   DeadLetterStatus = "pending"
	DeadLetterStatusReplayed  DeadLetterStatus = "replayed"
	DeadLetterStatusDiscarded DeadLetterStatus = "discarded"
)

// DeadLetterRecord is the terminal-failure sink entry for a command or an
// outbound message whose retry budget is exhausted. It references its origin
// by key and correlation metadata, not by foreign key, since the origin may be
// gone or external.
type DeadLetterRecord struct {
	ID            uuid.UUID        `json:"id"`
	Source        string           `json:"source"`
	Partition     *int32           `json:"partition,omitempty"`
	Offset        *int64           `json:"offset,omitempty"`
	Key           string           `json:"key"`
	Payload       json.RawMessage  `json:"payload"`
	ErrorMessage  string           `json:"error_message"`
	StackTrace    *string          `json:"stack_trace,omitempty"`
	RetryCount    int              `json:"retry_count"`
	Status        DeadLetterStatus `json:"status"`
	WorkerGroup   string           `json:"worker_group"`
	ExceptionType *string          `json:"exception_type,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ReplayedAt    *time.Time       `json:"replayed_at,omitempty"`
}

// Pending reports whether the record is still awaiting a replay/discard
// decision.
func (r *DeadLetterRecord) Pending() bool {
	return r.Status == DeadLetterStatusPending
}
