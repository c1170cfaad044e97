// Package command implements the durable command queue and the dispatcher
// that drains it: workers pull, lease the target entity, execute, and resolve.
package command

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

// ErrNotFound is returned when a command id does not exist.
var ErrNotFound = errors.New("command not found")

const commandColumns = `id, tenant_id, entity_type, entity_id, operation, payload, priority, status,
        available_at, operation_id, correlation_id, retry_count, max_retries, error_message, created_at, updated_at`

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// EnqueueRequest describes one mutation request. The caller is responsible for
// payload validity; the pipeline does not validate business rules.
type EnqueueRequest struct {
	TenantID      uuid.UUID
	EntityType    string
	EntityID      string
	Operation     models.CommandOperation
	Payload       json.RawMessage
	Priority      models.CommandPriority
	OperationID   *string
	CorrelationID uuid.UUID
	MaxRetries    int
	AvailableAt   time.Time
}

// Enqueue inserts a pending command. A zero correlation id is replaced by a
// generated one so every command is traceable end to end.
func (r *Repository) Enqueue(ctx context.Context, req EnqueueRequest, now time.Time) (*models.Command, error) {
	cmd := models.Command{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Operation:     req.Operation,
		Payload:       req.Payload,
		Priority:      req.Priority,
		Status:        models.CommandStatusPending,
		AvailableAt:   req.AvailableAt,
		OperationID:   req.OperationID,
		CorrelationID: req.CorrelationID,
		MaxRetries:    req.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cmd.CorrelationID == uuid.Nil {
		cmd.CorrelationID = uuid.New()
	}
	if cmd.AvailableAt.IsZero() {
		cmd.AvailableAt = now
	}

	_, err := r.db.Exec(ctx, `
        INSERT INTO command_queue (id, tenant_id, entity_type, entity_id, operation, payload, priority, status,
                                   available_at, operation_id, correlation_id, retry_count, max_retries, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, 0, $11, $12, $12)
    `, cmd.ID, cmd.TenantID, cmd.EntityType, cmd.EntityID, cmd.Operation, cmd.Payload, cmd.Priority,
		cmd.AvailableAt, cmd.OperationID, cmd.CorrelationID, cmd.MaxRetries, now)
	if err != nil {
		return nil, fmt.Errorf("enqueue command: %w", err)
	}
	return &cmd, nil
}

// FetchBatch atomically claims up to limit eligible commands and flips them to
// processing. Rows already claimed by a concurrent fetch are skipped, so N
// workers drain disjoint batches without blocking each other. Ordering is
// strict priority rank, then oldest available first within a tier.
func (r *Repository) FetchBatch(ctx context.Context, limit int32, now time.Time) ([]models.Command, error) {
	rows, err := r.db.Query(ctx, `
        UPDATE command_queue
        SET status = 'processing', updated_at = $2
        WHERE id IN (
            SELECT id FROM command_queue
            WHERE status = 'pending' AND available_at <= $2
            ORDER BY
                CASE priority
                    WHEN 'critical' THEN 0
                    WHEN 'high' THEN 1
                    WHEN 'normal' THEN 2
                    ELSE 3
                END,
                available_at
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING `+commandColumns, limit, now)
	if err != nil {
		return nil, fmt.Errorf("fetch command batch: %w", err)
	}
	defer rows.Close()

	var batch []models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, cmd)
	}
	return batch, rows.Err()
}

// Get fetches a command by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	row := r.db.QueryRow(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE id = $1`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	return &cmd, nil
}

// CompleteTx marks a processing command completed inside the mutation
// transaction, so the command resolution commits atomically with the entity
// change and its outbox record.
func (r *Repository) CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error {
	_, err := tx.Exec(ctx, `
        UPDATE command_queue SET status = 'completed', error_message = NULL, updated_at = $2
        WHERE id = $1 AND status = 'processing'
    `, id, now)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	return nil
}

// Complete marks a command completed outside a transaction. Used by the
// idempotency short-circuit, where no mutation runs.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE command_queue SET status = 'completed', error_message = NULL, updated_at = $2
        WHERE id = $1 AND status = 'processing'
    `, id, now)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	return nil
}

// Release returns a claimed command to pending untouched. Lease contention is
// not a failure: no retry count increment, no backoff.
func (r *Repository) Release(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE command_queue SET status = 'pending', updated_at = $2
        WHERE id = $1 AND status = 'processing'
    `, id, now)
	if err != nil {
		return fmt.Errorf("release command: %w", err)
	}
	return nil
}

// ScheduleRetry re-queues a failed command with a delayed availability.
func (r *Repository) ScheduleRetry(ctx context.Context, id uuid.UUID, availableAt time.Time, errMsg string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE command_queue
        SET status = 'pending', retry_count = retry_count + 1, available_at = $2, error_message = $3, updated_at = $4
        WHERE id = $1 AND status = 'processing'
    `, id, availableAt, errMsg, now)
	if err != nil {
		return fmt.Errorf("schedule command retry: %w", err)
	}
	return nil
}

// MarkDead moves a command whose retry budget is exhausted to the terminal
// dead state. The row is kept for audit; the dead-letter store carries the
// inspection/replay copy.
func (r *Repository) MarkDead(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE command_queue
        SET status = 'dead', retry_count = retry_count + 1, error_message = $2, updated_at = $3
        WHERE id = $1 AND status = 'processing'
    `, id, errMsg, now)
	if err != nil {
		return fmt.Errorf("mark command dead: %w", err)
	}
	return nil
}

// RequeueDead resets a dead command to pending with a fresh retry budget.
// Administrative path.
func (r *Repository) RequeueDead(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE command_queue
        SET status = 'pending', retry_count = 0, available_at = $2, error_message = NULL, updated_at = $2
        WHERE id = $1 AND status = 'dead'
    `, id, now)
	if err != nil {
		return fmt.Errorf("requeue dead command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindCompletedByOperationID looks up a previously completed command carrying
// the caller-supplied idempotency token.
func (r *Repository) FindCompletedByOperationID(ctx context.Context, tenantID uuid.UUID, operationID string) (*models.Command, error) {
	row := r.db.QueryRow(ctx, `
        SELECT `+commandColumns+`
        FROM command_queue
        WHERE tenant_id = $1 AND operation_id = $2 AND status = 'completed'
        ORDER BY updated_at DESC
        LIMIT 1
    `, tenantID, operationID)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find command by operation id: %w", err)
	}
	return &cmd, nil
}

// CountByStatus returns queue depth per status for monitoring.
func (r *Repository) CountByStatus(ctx context.Context) (map[models.CommandStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM command_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count commands by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CommandStatus]int64)
	for rows.Next() {
		var status models.CommandStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan command count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Reinject re-enqueues a dead-lettered command from its preserved payload with
// the retry count reset. Satisfies the dead-letter store's replay hook.
func (r *Repository) Reinject(ctx context.Context, payload json.RawMessage, now time.Time) error {
	var cmd models.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decode dead-lettered command: %w", err)
	}

	_, err := r.Enqueue(ctx, EnqueueRequest{
		TenantID:      cmd.TenantID,
		EntityType:    cmd.EntityType,
		EntityID:      cmd.EntityID,
		Operation:     cmd.Operation,
		Payload:       cmd.Payload,
		Priority:      cmd.Priority,
		OperationID:   cmd.OperationID,
		CorrelationID: cmd.CorrelationID,
		MaxRetries:    cmd.MaxRetries,
	}, now)
	return err
}

func scanCommand(row pgx.Row) (models.Command, error) {
	var c models.Command
	err := row.Scan(&c.ID, &c.TenantID, &c.EntityType, &c.EntityID, &c.Operation, &c.Payload,
		&c.Priority, &c.Status, &c.AvailableAt, &c.OperationID, &c.CorrelationID,
		&c.RetryCount, &c.MaxRetries, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Command{}, err
	}
	return c, nil
}
