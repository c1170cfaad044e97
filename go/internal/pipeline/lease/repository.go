// Package lease implements the per-entity serialization primitive: a
// time-bounded exclusive claim enforced purely by conditional row updates.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
)

// ErrNotFound is returned when no lease row exists for an entity.
var ErrNotFound = errors.New("lease not found")

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// TryAcquire attempts to claim the lease for one entity. It succeeds when no
// row exists, the row is idle, or the row is updating but past its expiry
// (stale claim left by a crashed worker). Rows in error state are never
// acquirable; they require an administrative reset.
func (r *Repository) TryAcquire(ctx context.Context, entityType, entityID, owner string, until, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        INSERT INTO entity_leases (entity_type, entity_id, status, locked_by, leased_until, retry_count, updated_at)
        VALUES ($1, $2, 'updating', $3, $4, 0, $5)
        ON CONFLICT (entity_type, entity_id) DO UPDATE
        SET status = 'updating', locked_by = $3, leased_until = $4, error_message = NULL, updated_at = $5
        WHERE entity_leases.status = 'idle'
           OR (entity_leases.status = 'updating' AND entity_leases.leased_until < $5)
    `, entityType, entityID, owner, until, now)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s/%s: %w", entityType, entityID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release returns the lease to idle, but only if the caller still owns it. An
// owner mismatch means the lease expired and was stolen mid-flight; that is a
// programming error upstream (handler exceeded the TTL), so it is logged and
// otherwise ignored.
func (r *Repository) Release(ctx context.Context, entityType, entityID, owner string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE entity_leases
        SET status = 'idle', locked_by = NULL, leased_until = NULL, retry_count = 0, error_message = NULL, updated_at = $4
        WHERE entity_type = $1 AND entity_id = $2 AND locked_by = $3 AND status = 'updating'
    `, entityType, entityID, owner, now)
	if err != nil {
		return fmt.Errorf("release lease %s/%s: %w", entityType, entityID, err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().
			Str("entity_type", entityType).
			Str("entity_id", entityID).
			Str("owner", owner).
			Msg("lease release skipped: caller no longer owns the lease")
	}
	return nil
}

// MarkError records an unrecoverable handler failure on the lease. The entity
// stays fenced until an operator force-releases it.
func (r *Repository) MarkError(ctx context.Context, entityType, entityID, owner, msg string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE entity_leases
        SET status = 'error', locked_by = NULL, leased_until = NULL,
            retry_count = retry_count + 1, error_message = $4, updated_at = $5
        WHERE entity_type = $1 AND entity_id = $2 AND locked_by = $3 AND status = 'updating'
    `, entityType, entityID, owner, msg, now)
	if err != nil {
		return fmt.Errorf("mark lease error %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// ReclaimExpired sweeps updating rows past their expiry back to idle. This is
// the crash-recovery path for workers that died without releasing.
func (r *Repository) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE entity_leases
        SET status = 'idle', locked_by = NULL, leased_until = NULL, updated_at = $1
        WHERE status = 'updating' AND leased_until < $1
    `, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ForceRelease resets a lease regardless of state. Administrative escape hatch
// for entities stuck in error.
func (r *Repository) ForceRelease(ctx context.Context, entityType, entityID string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE entity_leases
        SET status = 'idle', locked_by = NULL, leased_until = NULL, retry_count = 0, error_message = NULL, updated_at = $3
        WHERE entity_type = $1 AND entity_id = $2
    `, entityType, entityID, now)
	if err != nil {
		return fmt.Errorf("force release lease %s/%s: %w", entityType, entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches a lease row for inspection.
func (r *Repository) Get(ctx context.Context, entityType, entityID string) (*models.EntityLease, error) {
	row := r.db.QueryRow(ctx, `
        SELECT entity_type, entity_id, status, locked_by, leased_until, retry_count, error_message, updated_at
        FROM entity_leases
        WHERE entity_type = $1 AND entity_id = $2
    `, entityType, entityID)

	var l models.EntityLease
	err := row.Scan(&l.EntityType, &l.EntityID, &l.Status, &l.LockedBy, &l.LeasedUntil,
		&l.RetryCount, &l.ErrorMessage, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get lease %s/%s: %w", entityType, entityID, err)
	}
	return &l, nil
}
