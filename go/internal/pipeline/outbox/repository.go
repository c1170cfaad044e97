// Package outbox implements the transactional outbox: change records written
// in the same transaction as the mutation they describe, drained by a
// publisher that marks them sent or escalates them to the dead-letter store.
package outbox

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

// ErrNotFound is returned when an outbox record id does not exist.
var ErrNotFound = errors.New("outbox record not found")

// SourceQueue names the outbox as a dead-letter source.
const SourceQueue = "outbox"

const outboxColumns = `id, tenant_id, entity_type, entity_id, operation, diff, snapshot, headers,
        correlation_id, sent_at, retry_count, error_message, created_at`

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertTx writes a change record inside the caller's transaction. This is
// the outbox invariant: the record commits with the mutation or not at all.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, rec *models.OutboxRecord) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO outbox (id, tenant_id, entity_type, entity_id, operation, diff, snapshot, headers,
                            correlation_id, retry_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
    `, rec.ID, rec.TenantID, rec.EntityType, rec.EntityID, rec.Operation, rec.Diff, rec.Snapshot,
		rec.Headers, rec.CorrelationID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// FetchUnsentTx claims up to limit unsent records oldest-first, skipping rows
// already locked by a concurrent publisher. Rows past the retry budget stay
// behind as a permanent audit trail and are never re-fetched.
func (r *Repository) FetchUnsentTx(ctx context.Context, tx pgx.Tx, limit int32, maxAttempts int) ([]models.OutboxRecord, error) {
	rows, err := tx.Query(ctx, `
        SELECT `+outboxColumns+`
        FROM outbox
        WHERE sent_at IS NULL AND retry_count < $2
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("fetch unsent outbox records: %w", err)
	}
	defer rows.Close()

	var recs []models.OutboxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkSentTx resolves published records within the publisher's transaction.
func (r *Repository) MarkSentTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
        UPDATE outbox SET sent_at = $2, error_message = NULL
        WHERE id = ANY($1)
    `, ids, now)
	if err != nil {
		return fmt.Errorf("mark outbox records sent: %w", err)
	}
	return nil
}

// MarkFailedTx annotates a record with its failure. The row is never deleted;
// once retry_count reaches the budget it simply stops being fetched.
func (r *Repository) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, retryCount int, errMsg string) error {
	_, err := tx.Exec(ctx, `
        UPDATE outbox SET retry_count = $2, error_message = $3
        WHERE id = $1
    `, id, retryCount, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox record failed: %w", err)
	}
	return nil
}

// MarkSent resolves a record outside a claim transaction. Used by the
// notification fast path.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.db.Exec(ctx, `
        UPDATE outbox SET sent_at = $2, error_message = NULL
        WHERE id = $1 AND sent_at IS NULL
    `, id, now)
	if err != nil {
		return fmt.Errorf("mark outbox record sent: %w", err)
	}
	return nil
}

// MarkFailed annotates a record outside a claim transaction.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, errMsg string) error {
	_, err := r.db.Exec(ctx, `
        UPDATE outbox SET retry_count = $2, error_message = $3
        WHERE id = $1 AND sent_at IS NULL
    `, id, retryCount, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox record failed: %w", err)
	}
	return nil
}

// FetchByID fetches one record, sent or not.
func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch outbox record: %w", err)
	}
	return &rec, nil
}

// PendingCount returns the number of unsent records, the publisher lag.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE sent_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox records: %w", err)
	}
	return count, nil
}

// Reinject inserts a fresh unsent record from a dead-lettered payload with the
// retry budget reset. Satisfies the dead-letter store's replay hook.
func (r *Repository) Reinject(ctx context.Context, payload json.RawMessage, now time.Time) error {
	var rec models.OutboxRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("decode dead-lettered outbox record: %w", err)
	}

	rec.ID = uuid.New()
	rec.SentAt = nil
	rec.RetryCount = 0
	rec.ErrorMessage = nil
	rec.CreatedAt = now

	_, err := r.db.Exec(ctx, `
        INSERT INTO outbox (id, tenant_id, entity_type, entity_id, operation, diff, snapshot, headers,
                            correlation_id, retry_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
    `, rec.ID, rec.TenantID, rec.EntityType, rec.EntityID, rec.Operation, rec.Diff, rec.Snapshot,
		rec.Headers, rec.CorrelationID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("reinject outbox record: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (models.OutboxRecord, error) {
	var rec models.OutboxRecord
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.EntityType, &rec.EntityID, &rec.Operation,
		&rec.Diff, &rec.Snapshot, &rec.Headers, &rec.CorrelationID, &rec.SentAt,
		&rec.RetryCount, &rec.ErrorMessage, &rec.CreatedAt)
	if err != nil {
		return models.OutboxRecord{}, err
	}
	return rec, nil
}
