package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/deadletter"
	"github.com/murielcore/pipeline/go/internal/pipeline/retry"
)

// EventPublisher sends one committed change to the message bus.
type EventPublisher interface {
	Publish(ctx context.Context, rec *models.OutboxRecord) error
}

// Store is the outbox surface the publisher worker drives.
type Store interface {
	FetchUnsentTx(ctx context.Context, tx pgx.Tx, limit int32, maxAttempts int) ([]models.OutboxRecord, error)
	MarkSentTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, now time.Time) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, retryCount int, errMsg string) error
}

// DeadLetterStore receives records whose publish budget is exhausted.
type DeadLetterStore interface {
	Insert(ctx context.Context, rec *models.DeadLetterRecord) error
}

// Beginner opens the claim transaction. Satisfied by pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int32
	// Tier selects the retry/backoff policy applied to publish attempts.
	Tier models.CommandPriority
	// Group identifies this publisher fleet in dead-letter records.
	Group string
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		Tier:         models.PriorityNormal,
		Group:        "outbox-publisher",
	}
}

// Worker drains unsent outbox records: claim a batch under row locks, publish
// each with tier backoff, mark the survivors sent, and dead-letter the rest.
// Multiple instances can run concurrently; claimed rows are skipped by peers.
type Worker struct {
	db          Beginner
	store       Store
	publisher   EventPublisher
	deadLetters DeadLetterStore
	retries     retry.Table
	config      WorkerConfig
	clock       clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(db Beginner, store Store, publisher EventPublisher, deadLetters DeadLetterStore,
	retries retry.Table, cfg WorkerConfig, clock clockwork.Clock) *Worker {
	return &Worker{
		db:          db,
		store:       store,
		publisher:   publisher,
		deadLetters: deadLetters,
		retries:     retries,
		config:      cfg,
		clock:       clock,
		stopChan:    make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox publisher already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int32("batch_size", w.config.BatchSize).
		Str("tier", string(w.config.Tier)).
		Msg("outbox publisher started")
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox publisher not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("outbox publisher stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start
	w.processOutbox(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.processOutbox(ctx)
		}
	}
}

func (w *Worker) processOutbox(ctx context.Context) {
	policy := w.retries.ForPriority(w.config.Tier)

	tx, err := w.db.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to begin outbox transaction")
		return
	}
	defer tx.Rollback(ctx)

	recs, err := w.store.FetchUnsentTx(ctx, tx, w.config.BatchSize, policy.MaxAttempts)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch unsent records")
		return
	}
	if len(recs) == 0 {
		return
	}

	log.Debug().Int("count", len(recs)).Msg("publishing outbox records")

	var sent []uuid.UUID
	for i := range recs {
		rec := &recs[i]
		if err := w.publishWithRetry(ctx, rec); err != nil {
			if ctx.Err() != nil {
				// shutdown mid-drain, not an exhausted budget
				return
			}
			w.escalate(ctx, tx, rec, err)
			continue
		}
		sent = append(sent, rec.ID)
	}

	if err := w.store.MarkSentTx(ctx, tx, sent, w.clock.Now()); err != nil {
		log.Error().Err(err).Msg("failed to mark records sent")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("failed to commit outbox transaction")
		return
	}

	log.Info().Int("total", len(recs)).Int("sent", len(sent)).Msg("outbox batch processed")
}

// publishWithRetry walks the remaining attempt budget of a record, sleeping
// the tier backoff between attempts.
func (w *Worker) publishWithRetry(ctx context.Context, rec *models.OutboxRecord) error {
	policy := w.retries.ForPriority(w.config.Tier)
	var lastErr error

	for attempt := rec.RetryCount + 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > rec.RetryCount+1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(policy.Delay(attempt - 1)):
			}
		}

		if err := w.publisher.Publish(ctx, rec); err != nil {
			lastErr = err
			rec.RetryCount = attempt
			log.Warn().
				Err(err).
				Str("record_id", rec.ID.String()).
				Int("attempt", attempt).
				Msg("publish failed, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("publish exhausted after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// escalate annotates the exhausted record and writes the dead-letter copy.
// The outbox row itself stays behind as an audit trail.
func (w *Worker) escalate(ctx context.Context, tx pgx.Tx, rec *models.OutboxRecord, herr error) {
	if err := w.store.MarkFailedTx(ctx, tx, rec.ID, rec.RetryCount, herr.Error()); err != nil {
		log.Error().Err(err).Str("record_id", rec.ID.String()).Msg("failed to annotate outbox record")
	}
	w.deadLetter(ctx, rec, herr)
}

// deadLetter writes the dead-letter copy of an exhausted record. Shared by
// the batch drain and the listener's notification path, which annotates the
// row outside a transaction.
func (w *Worker) deadLetter(ctx context.Context, rec *models.OutboxRecord, herr error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	excType := deadletter.ExceptionType(herr)
	stack := string(debug.Stack())

	dl := &models.DeadLetterRecord{
		ID:            uuid.New(),
		Source:        SourceQueue,
		Key:           rec.PartitionKey(),
		Payload:       payload,
		ErrorMessage:  herr.Error(),
		StackTrace:    &stack,
		RetryCount:    rec.RetryCount,
		Status:        models.DeadLetterStatusPending,
		WorkerGroup:   w.config.Group,
		ExceptionType: &excType,
		CreatedAt:     w.clock.Now(),
	}
	if err := w.deadLetters.Insert(ctx, dl); err != nil {
		log.Error().Err(err).Str("record_id", rec.ID.String()).Msg("failed to write dead letter")
	}

	log.Error().
		Err(herr).
		Str("record_id", rec.ID.String()).
		Str("entity", rec.PartitionKey()).
		Msg("outbox record dead-lettered")
}
