// Package deadletter implements the terminal-failure sink for commands and
// outbound messages. Exhausted work is never silently dropped; it is preserved
// with full context for manual inspection, replay, or discard.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murielcore/pipeline/go/internal/models"
)

// ErrNotFound is returned when a dead-letter id does not exist.
var ErrNotFound = errors.New("dead letter not found")

// ErrTerminal is returned when replaying or discarding an already-resolved
// record.
var ErrTerminal = errors.New("dead letter already resolved")

const deadLetterColumns = `id, source, partition, offset_value, key, payload, error_message, stack_trace,
        retry_count, status, worker_group, exception_type, created_at, replayed_at`

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, rec *models.DeadLetterRecord) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO dead_letters (id, source, partition, offset_value, key, payload, error_message, stack_trace,
                                  retry_count, status, worker_group, exception_type, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10, $11, $12)
    `, rec.ID, rec.Source, rec.Partition, rec.Offset, rec.Key, rec.Payload, rec.ErrorMessage,
		rec.StackTrace, rec.RetryCount, rec.WorkerGroup, rec.ExceptionType, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.DeadLetterRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	rec, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return &rec, nil
}

// Filter narrows dead-letter listings.
type Filter struct {
	Source        string
	ExceptionType string
	Status        models.DeadLetterStatus
	Limit         int32
}

// List returns dead letters newest-first, filtered by source, exception type,
// and status where set.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.DeadLetterRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	rows, err := r.db.Query(ctx, `
        SELECT `+deadLetterColumns+`
        FROM dead_letters
        WHERE ($1 = '' OR source = $1)
          AND ($2 = '' OR exception_type = $2)
          AND ($3 = '' OR status = $3)
        ORDER BY created_at DESC
        LIMIT $4
    `, f.Source, f.ExceptionType, string(f.Status), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var recs []models.DeadLetterRecord
	for rows.Next() {
		rec, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkReplayed resolves a pending record as replayed. Terminal.
func (r *Repository) MarkReplayed(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE dead_letters SET status = 'replayed', replayed_at = $2
        WHERE id = $1 AND status = 'pending'
    `, id, now)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// MarkDiscarded resolves a pending record as administratively closed. Terminal.
func (r *Repository) MarkDiscarded(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE dead_letters SET status = 'discarded'
        WHERE id = $1 AND status = 'pending'
    `, id)
	if err != nil {
		return fmt.Errorf("mark dead letter discarded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (models.DeadLetterRecord, error) {
	var rec models.DeadLetterRecord
	err := row.Scan(&rec.ID, &rec.Source, &rec.Partition, &rec.Offset, &rec.Key, &rec.Payload,
		&rec.ErrorMessage, &rec.StackTrace, &rec.RetryCount, &rec.Status, &rec.WorkerGroup,
		&rec.ExceptionType, &rec.CreatedAt, &rec.ReplayedAt)
	if err != nil {
		return models.DeadLetterRecord{}, err
	}
	return rec, nil
}

// ExceptionType reduces an error to a coarse classifier for dead-letter
// filtering: the first wrap segment of the message, before the first colon.
func ExceptionType(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, ':'); i > 0 {
		return strings.TrimSpace(msg[:i])
	}
	return msg
}
