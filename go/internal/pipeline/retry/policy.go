// Package retry maps severity tiers onto attempt budgets and backoff curves.
// The same table governs command retries and outbox publish retries.
package retry

import (
	"math"
	"time"

	"github.com/murielcore/pipeline/go/internal/models"
)

// Policy describes the retry budget of one severity tier.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns the backoff before the given attempt (1-based):
// min(initial * multiplier^(attempt-1), max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// TotalBudget returns the sum of all backoff delays for the tier. Used only
// for monitoring and alert thresholds, never for control flow.
func (p Policy) TotalBudget() time.Duration {
	var total time.Duration
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		total += p.Delay(attempt)
	}
	return total
}

// Table holds one policy per severity tier.
type Table map[models.CommandPriority]Policy

// DefaultTable returns the built-in per-tier retry policies.
func DefaultTable() Table {
	return Table{
		models.PriorityCritical: {MaxAttempts: 5, InitialDelay: 1 * time.Second, Multiplier: 2.0, MaxDelay: 60 * time.Second},
		models.PriorityHigh:     {MaxAttempts: 4, InitialDelay: 2 * time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second},
		models.PriorityNormal:   {MaxAttempts: 3, InitialDelay: 5 * time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second},
		models.PriorityBulk:     {MaxAttempts: 2, InitialDelay: 10 * time.Second, Multiplier: 1.5, MaxDelay: 60 * time.Second},
	}
}

// ForPriority returns the tier's policy, falling back to the normal tier for
// unknown priorities.
func (t Table) ForPriority(p models.CommandPriority) Policy {
	if pol, ok := t[p]; ok {
		return pol
	}
	return t[models.PriorityNormal]
}

// Backoff returns the delay before the given attempt for a tier.
func (t Table) Backoff(p models.CommandPriority, attempt int) time.Duration {
	return t.ForPriority(p).Delay(attempt)
}

// Exhausted reports whether a retry count has consumed the tier's budget.
func (t Table) Exhausted(p models.CommandPriority, retryCount int) bool {
	return retryCount >= t.ForPriority(p).MaxAttempts
}
