// Package timer schedules and fires time-deferred side effects: SLA
// escalations, automatic transitions, and reminders. Triggers are claimed by a
// conditional status flip, never by a lease: a row is only ever completed
// once, and handlers are expected to be idempotent.
package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murielcore/pipeline/go/internal/models"
)

// ErrNotFound is returned when a trigger id does not exist.
var ErrNotFound = errors.New("trigger not found")

const triggerColumns = `id, entity_id, kind, scheduled_at, action_payload, status, completed_at, created_at`

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ScheduleRequest creates a pending trigger.
type ScheduleRequest struct {
	EntityID      string
	Kind          models.TriggerKind
	ScheduledAt   time.Time
	ActionPayload json.RawMessage
}

func (r *Repository) Schedule(ctx context.Context, req ScheduleRequest, now time.Time) (*models.ScheduledTrigger, error) {
	trig := &models.ScheduledTrigger{
		ID:            uuid.New(),
		EntityID:      req.EntityID,
		Kind:          req.Kind,
		ScheduledAt:   req.ScheduledAt,
		ActionPayload: req.ActionPayload,
		Status:        models.TriggerStatusPending,
		CreatedAt:     now,
	}

	_, err := r.db.Exec(ctx, `
        INSERT INTO scheduled_triggers (id, entity_id, kind, scheduled_at, action_payload, status, created_at)
        VALUES ($1, $2, $3, $4, $5, 'pending', $6)
    `, trig.ID, trig.EntityID, trig.Kind, trig.ScheduledAt, trig.ActionPayload, trig.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("schedule trigger: %w", err)
	}
	return trig, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.ScheduledTrigger, error) {
	row := r.db.QueryRow(ctx, `SELECT `+triggerColumns+` FROM scheduled_triggers WHERE id = $1`, id)
	trig, err := scanTrigger(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return &trig, nil
}

// FindExpired returns due pending triggers, oldest first.
func (r *Repository) FindExpired(ctx context.Context, now time.Time, limit int32) ([]models.ScheduledTrigger, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+triggerColumns+`
        FROM scheduled_triggers
        WHERE status = 'pending' AND scheduled_at <= $1
        ORDER BY scheduled_at
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired triggers: %w", err)
	}
	defer rows.Close()

	var trigs []models.ScheduledTrigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		trigs = append(trigs, trig)
	}
	return trigs, rows.Err()
}

// MarkCompleted flips a pending trigger to completed. Returns false when the
// trigger was already completed or cancelled by someone else, which the
// caller treats as losing the claim.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE scheduled_triggers SET status = 'completed', completed_at = $2
        WHERE id = $1 AND status = 'pending'
    `, id, now)
	if err != nil {
		return false, fmt.Errorf("complete trigger: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel marks the entity's pending triggers of one kind as cancelled and
// returns how many it closed.
func (r *Repository) Cancel(ctx context.Context, entityID string, kind models.TriggerKind, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE scheduled_triggers SET status = 'cancelled', completed_at = $3
        WHERE entity_id = $1 AND kind = $2 AND status = 'pending'
    `, entityID, kind, now)
	if err != nil {
		return 0, fmt.Errorf("cancel triggers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CancelForEntity cancels every pending trigger for the entity, used when a
// superseding event makes them all moot.
func (r *Repository) CancelForEntity(ctx context.Context, entityID string, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE scheduled_triggers SET status = 'cancelled', completed_at = $2
        WHERE entity_id = $1 AND status = 'pending'
    `, entityID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel entity triggers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_triggers WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending triggers: %w", err)
	}
	return count, nil
}

func scanTrigger(row pgx.Row) (models.ScheduledTrigger, error) {
	var trig models.ScheduledTrigger
	err := row.Scan(&trig.ID, &trig.EntityID, &trig.Kind, &trig.ScheduledAt, &trig.ActionPayload,
		&trig.Status, &trig.CompletedAt, &trig.CreatedAt)
	if err != nil {
		return models.ScheduledTrigger{}, err
	}
	return trig, nil
}
