package command

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
	"github.com/sqlc-dev/pqtype"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/deadletter"
	"github.com/murielcore/pipeline/go/internal/pipeline/retry"
)

// CommandStore is the queue surface the dispatcher drives.
type CommandStore interface {
	FetchBatch(ctx context.Context, limit int32, now time.Time) ([]models.Command, error)
	CompleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) error
	Complete(ctx context.Context, id uuid.UUID, now time.Time) error
	Release(ctx context.Context, id uuid.UUID, now time.Time) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, availableAt time.Time, errMsg string, now time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, errMsg string, now time.Time) error
	FindCompletedByOperationID(ctx context.Context, tenantID uuid.UUID, operationID string) (*models.Command, error)
}

// LeaseStore is the per-entity serialization surface.
type LeaseStore interface {
	TryAcquire(ctx context.Context, entityType, entityID, owner string, until, now time.Time) (bool, error)
	Release(ctx context.Context, entityType, entityID, owner string, now time.Time) error
	MarkError(ctx context.Context, entityType, entityID, owner, msg string, now time.Time) error
}

// OutboxStore inserts the change record inside the mutation transaction.
type OutboxStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, rec *models.OutboxRecord) error
}

// DeadLetterStore receives commands whose retry budget is exhausted.
type DeadLetterStore interface {
	Insert(ctx context.Context, rec *models.DeadLetterRecord) error
}

// TriggerCanceller cancels scheduled triggers superseded by an entity change.
type TriggerCanceller interface {
	CancelForEntity(ctx context.Context, entityID string, now time.Time) (int64, error)
}

// Beginner opens the mutation transaction. Satisfied by pgxpool.Pool.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int32
	LeaseTTL     time.Duration
	WorkerID     string
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    50,
		LeaseTTL:     2 * time.Minute,
		WorkerID:     "worker-" + uuid.NewString()[:8],
	}
}

// Dispatcher is the poll-loop worker that drains the command queue: claim a
// batch, lease each entity, run the handler, and commit mutation + outbox
// record + command resolution in one transaction.
type Dispatcher struct {
	db          Beginner
	commands    CommandStore
	leases      LeaseStore
	outbox      OutboxStore
	deadLetters DeadLetterStore
	triggers    TriggerCanceller
	registry    *Registry
	retries     retry.Table
	config      DispatcherConfig
	clock       clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewDispatcher(db Beginner, commands CommandStore, leases LeaseStore, outbox OutboxStore,
	deadLetters DeadLetterStore, triggers TriggerCanceller, registry *Registry,
	retries retry.Table, cfg DispatcherConfig, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		db:          db,
		commands:    commands,
		leases:      leases,
		outbox:      outbox,
		deadLetters: deadLetters,
		triggers:    triggers,
		registry:    registry,
		retries:     retries,
		config:      cfg,
		clock:       clock,
		stopChan:    make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	log.Info().
		Str("worker_id", d.config.WorkerID).
		Dur("poll_interval", d.config.PollInterval).
		Int32("batch_size", d.config.BatchSize).
		Dur("lease_ttl", d.config.LeaseTTL).
		Msg("command dispatcher started")
	return nil
}

func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	log.Info().Str("worker_id", d.config.WorkerID).Msg("command dispatcher stopped")
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	// Drain immediately on start
	d.processBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.Chan():
			d.processBatch(ctx)
		}
	}
}

func (d *Dispatcher) processBatch(ctx context.Context) {
	batch, err := d.commands.FetchBatch(ctx, d.config.BatchSize, d.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch command batch")
		return
	}
	if len(batch) == 0 {
		return
	}

	log.Debug().Str("worker_id", d.config.WorkerID).Int("count", len(batch)).Msg("processing command batch")

	for i := range batch {
		d.process(ctx, &batch[i])
	}
}

func (d *Dispatcher) process(ctx context.Context, cmd *models.Command) {
	now := d.clock.Now()

	// At-least-once delivery from the caller must not double-apply: a command
	// whose operation id already completed short-circuits without a handler run.
	done, err := d.shortCircuitDuplicate(ctx, cmd)
	if err != nil {
		d.release(ctx, cmd)
		return
	}
	if done {
		return
	}

	acquired, err := d.leases.TryAcquire(ctx, cmd.EntityType, cmd.EntityID, d.config.WorkerID, now.Add(d.config.LeaseTTL), now)
	if err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("lease acquisition failed")
		d.release(ctx, cmd)
		return
	}
	if !acquired {
		// Contention is not a failure: silent requeue, no backoff.
		d.release(ctx, cmd)
		log.Debug().
			Str("command_id", cmd.ID.String()).
			Str("entity", cmd.PartitionKey()).
			Msg("entity leased elsewhere, requeued")
		return
	}

	// Re-check under the lease: the pre-lease check races a duplicate still in
	// flight on another worker, and that copy may have completed while this one
	// waited for the entity.
	done, err = d.shortCircuitDuplicate(ctx, cmd)
	if err != nil || done {
		d.releaseLease(ctx, cmd)
		if err != nil {
			d.release(ctx, cmd)
		}
		return
	}

	if err := d.execute(ctx, cmd); err != nil {
		d.fail(ctx, cmd, err)
		return
	}

	d.releaseLease(ctx, cmd)

	// A delete supersedes whatever the entity's pending triggers were waiting on.
	if cmd.Operation == models.CommandOpDelete && d.triggers != nil {
		if cancelled, err := d.triggers.CancelForEntity(ctx, cmd.EntityID, d.clock.Now()); err != nil {
			log.Error().Err(err).Str("entity_id", cmd.EntityID).Msg("failed to cancel triggers")
		} else if cancelled > 0 {
			log.Info().Str("entity_id", cmd.EntityID).Int64("count", cancelled).Msg("cancelled superseded triggers")
		}
	}

	log.Info().
		Str("command_id", cmd.ID.String()).
		Str("entity", cmd.PartitionKey()).
		Str("operation", string(cmd.Operation)).
		Msg("command completed")
}

// shortCircuitDuplicate completes the command without a handler run when
// another command with the same operation id has already completed. Called
// once before lease acquisition for the cheap common case and again under
// the lease, where the answer is authoritative for the entity.
func (d *Dispatcher) shortCircuitDuplicate(ctx context.Context, cmd *models.Command) (bool, error) {
	if cmd.OperationID == nil {
		return false, nil
	}

	prior, err := d.commands.FindCompletedByOperationID(ctx, cmd.TenantID, *cmd.OperationID)
	if err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("idempotency lookup failed")
		return false, err
	}
	if prior == nil || prior.ID == cmd.ID {
		return false, nil
	}

	if err := d.commands.Complete(ctx, cmd.ID, d.clock.Now()); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("failed to short-circuit duplicate command")
		return false, err
	}
	log.Debug().
		Str("command_id", cmd.ID.String()).
		Str("operation_id", *cmd.OperationID).
		Str("prior_command_id", prior.ID.String()).
		Msg("duplicate operation id, short-circuited to completed")
	return true, nil
}

func (d *Dispatcher) releaseLease(ctx context.Context, cmd *models.Command) {
	if err := d.leases.Release(ctx, cmd.EntityType, cmd.EntityID, d.config.WorkerID, d.clock.Now()); err != nil {
		log.Error().Err(err).Str("entity", cmd.PartitionKey()).Msg("failed to release lease")
	}
}

// execute runs the handler and commits the mutation, the outbox record, and
// the command resolution atomically. This is the outbox invariant: the change
// record exists if and only if the mutation committed.
func (d *Dispatcher) execute(ctx context.Context, cmd *models.Command) error {
	handler, err := d.registry.Lookup(cmd)
	if err != nil {
		return err
	}

	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mutation transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	mut, err := handler(ctx, tx, cmd)
	if err != nil {
		return err
	}

	now := d.clock.Now()
	if err := d.outbox.InsertTx(ctx, tx, buildOutboxRecord(cmd, mut, now)); err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	if err := d.commands.CompleteTx(ctx, tx, cmd.ID, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mutation transaction: %w", err)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, cmd *models.Command, herr error) {
	now := d.clock.Now()
	attempt := cmd.RetryCount + 1

	if !IsUnrecoverable(herr) && attempt < cmd.MaxRetries {
		delay := d.retries.Backoff(cmd.Priority, attempt)
		if err := d.commands.ScheduleRetry(ctx, cmd.ID, now.Add(delay), herr.Error(), now); err != nil {
			log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("failed to schedule retry")
		}
		log.Warn().
			Err(herr).
			Str("command_id", cmd.ID.String()).
			Int("attempt", attempt).
			Int("max_retries", cmd.MaxRetries).
			Dur("backoff", delay).
			Msg("command failed, retrying")
	} else {
		if err := d.commands.MarkDead(ctx, cmd.ID, herr.Error(), now); err != nil {
			log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("failed to mark command dead")
		}
		if err := d.deadLetters.Insert(ctx, deadLetterFromCommand(cmd, herr, d.config.WorkerID, now)); err != nil {
			log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("failed to write dead letter")
		}
		log.Error().
			Err(herr).
			Str("command_id", cmd.ID.String()).
			Int("attempt", attempt).
			Msg("command retries exhausted, dead-lettered")
	}

	if IsUnrecoverable(herr) {
		if err := d.leases.MarkError(ctx, cmd.EntityType, cmd.EntityID, d.config.WorkerID, herr.Error(), now); err != nil {
			log.Error().Err(err).Str("entity", cmd.PartitionKey()).Msg("failed to fence lease")
		}
	} else {
		if err := d.leases.Release(ctx, cmd.EntityType, cmd.EntityID, d.config.WorkerID, now); err != nil {
			log.Error().Err(err).Str("entity", cmd.PartitionKey()).Msg("failed to release lease")
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, cmd *models.Command) {
	if err := d.commands.Release(ctx, cmd.ID, d.clock.Now()); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID.String()).Msg("failed to requeue command")
	}
}

func buildOutboxRecord(cmd *models.Command, mut *Mutation, now time.Time) *models.OutboxRecord {
	headers, _ := json.Marshal(map[string]string{
		"correlation_id": cmd.CorrelationID.String(),
		"tenant_id":      cmd.TenantID.String(),
		"origin":         "command-dispatcher",
	})

	rec := &models.OutboxRecord{
		ID:            uuid.New(),
		TenantID:      cmd.TenantID,
		EntityType:    cmd.EntityType,
		EntityID:      cmd.EntityID,
		Operation:     models.OutboxOperationFor(cmd.Operation),
		Diff:          mut.Diff,
		Headers:       headers,
		CorrelationID: cmd.CorrelationID,
		CreatedAt:     now,
	}
	if len(mut.Snapshot) > 0 {
		rec.Snapshot = pqtype.NullRawMessage{RawMessage: mut.Snapshot, Valid: true}
	}
	return rec
}

func deadLetterFromCommand(cmd *models.Command, herr error, workerID string, now time.Time) *models.DeadLetterRecord {
	payload, err := json.Marshal(cmd)
	if err != nil {
		payload = json.RawMessage(`{}`)
	}
	excType := deadletter.ExceptionType(herr)
	stack := string(debug.Stack())

	return &models.DeadLetterRecord{
		ID:            uuid.New(),
		Source:        SourceQueue,
		Key:           cmd.PartitionKey(),
		Payload:       payload,
		ErrorMessage:  herr.Error(),
		StackTrace:    &stack,
		RetryCount:    cmd.RetryCount + 1,
		Status:        models.DeadLetterStatusPending,
		WorkerGroup:   workerID,
		ExceptionType: &excType,
		CreatedAt:     now,
	}
}

// SourceQueue names the command queue as a dead-letter source.
const SourceQueue = "command_queue"
