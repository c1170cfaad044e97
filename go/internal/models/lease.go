package models

import "time"

// LeaseStatus defines the state of an entity lease.
type LeaseStatus string

const (
	LeaseStatusIdle     LeaseStatus = "idle"
	LeaseStatusUpdating LeaseStatus = "updating"
	LeaseStatusError    LeaseStatus = "error"
)

// EntityLease is the serialization token for one logical entity. A worker may
// only mutate an entity while it holds the lease: status "updating", locked_by
// equal to its own identity, and leased_until in the future. Expired
// "updating" rows are stale and reclaimable by any worker.
type EntityLease struct {
	EntityType   string      `json:"entity_type"`
	EntityID     string      `json:"entity_id"`
	Status       LeaseStatus `json:"status"`
	LockedBy     *string     `json:"locked_by,omitempty"`
	LeasedUntil  *time.Time  `json:"leased_until,omitempty"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Expired reports whether an updating lease has passed its expiry instant.
func (l *EntityLease) Expired(now time.Time) bool {
	return l.Status == LeaseStatusUpdating && l.LeasedUntil != nil && l.LeasedUntil.Before(now)
}
