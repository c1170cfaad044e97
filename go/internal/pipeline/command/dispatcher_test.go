package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/retry"
)

type fakeCommandStore struct {
	mu        sync.Mutex
	batch     []models.Command
	completed []uuid.UUID
	released  []uuid.UUID
	retried   []time.Time
	dead      []uuid.UUID
	priorByOp map[string]*models.Command
	// lateByOp surfaces only from the second lookup on, standing in for a
	// concurrent duplicate that completes after the pre-lease check.
	lateByOp  map[string]*models.Command
	findCalls int
}

func (s *fakeCommandStore) FetchBatch(_ context.Context, _ int32, _ time.Time) ([]models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.batch
	s.batch = nil
	return out, nil
}

func (s *fakeCommandStore) CompleteTx(_ context.Context, _ pgx.Tx, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeCommandStore) Complete(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeCommandStore) Release(_ context.Context, id uuid.UUID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	return nil
}

func (s *fakeCommandStore) ScheduleRetry(_ context.Context, _ uuid.UUID, availableAt time.Time, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, availableAt)
	return nil
}

func (s *fakeCommandStore) MarkDead(_ context.Context, id uuid.UUID, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, id)
	return nil
}

func (s *fakeCommandStore) FindCompletedByOperationID(_ context.Context, _ uuid.UUID, operationID string) (*models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findCalls++
	if prior := s.priorByOp[operationID]; prior != nil {
		return prior, nil
	}
	if s.findCalls > 1 {
		return s.lateByOp[operationID], nil
	}
	return nil, nil
}

type fakeLeaseStore struct {
	mu       sync.Mutex
	denied   bool
	acquired []string
	released []string
	errored  []string
}

func (s *fakeLeaseStore) TryAcquire(_ context.Context, entityType, entityID, _ string, _, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied {
		return false, nil
	}
	s.acquired = append(s.acquired, entityType+"#"+entityID)
	return true, nil
}

func (s *fakeLeaseStore) Release(_ context.Context, entityType, entityID, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, entityType+"#"+entityID)
	return nil
}

func (s *fakeLeaseStore) MarkError(_ context.Context, entityType, entityID, _, _ string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errored = append(s.errored, entityType+"#"+entityID)
	return nil
}

type fakeOutboxStore struct {
	mu   sync.Mutex
	recs []*models.OutboxRecord
}

func (s *fakeOutboxStore) InsertTx(_ context.Context, _ pgx.Tx, rec *models.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

type fakeDLQStore struct {
	mu   sync.Mutex
	recs []*models.DeadLetterRecord
}

func (s *fakeDLQStore) Insert(_ context.Context, rec *models.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

type fakeCanceller struct {
	mu       sync.Mutex
	entities []string
}

func (c *fakeCanceller) CancelForEntity(_ context.Context, entityID string, _ time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = append(c.entities, entityID)
	return 1, nil
}

// fakeTx satisfies pgx.Tx for the commit/rollback paths the dispatcher uses.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type fakeDB struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &fakeTx{}
	db.txs = append(db.txs, tx)
	return tx, nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	db         *fakeDB
	commands   *fakeCommandStore
	leases     *fakeLeaseStore
	outbox     *fakeOutboxStore
	dlq        *fakeDLQStore
	canceller  *fakeCanceller
	clock      *clockwork.FakeClock
}

func newDispatcherFixture(registry *Registry) *dispatcherFixture {
	f := &dispatcherFixture{
		db: &fakeDB{},
		commands: &fakeCommandStore{
			priorByOp: map[string]*models.Command{},
			lateByOp:  map[string]*models.Command{},
		},
		leases:    &fakeLeaseStore{},
		outbox:    &fakeOutboxStore{},
		dlq:       &fakeDLQStore{},
		canceller: &fakeCanceller{},
		clock:     clockwork.NewFakeClock(),
	}
	if registry == nil {
		registry = NewRegistry()
		registry.RegisterDefault(PassthroughHandler)
	}
	cfg := DefaultDispatcherConfig()
	cfg.WorkerID = "worker-test"
	f.dispatcher = NewDispatcher(f.db, f.commands, f.leases, f.outbox, f.dlq,
		f.canceller, registry, retry.DefaultTable(), cfg, f.clock)
	return f
}

func testCommand(op models.CommandOperation) models.Command {
	return models.Command{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		EntityType:    "ticket",
		EntityID:      "42",
		Operation:     op,
		Payload:       json.RawMessage(`{"state":"open"}`),
		Priority:      models.PriorityNormal,
		Status:        models.CommandStatusProcessing,
		CorrelationID: uuid.New(),
		MaxRetries:    3,
	}
}

func TestProcessHappyPath(t *testing.T) {
	f := newDispatcherFixture(nil)
	cmd := testCommand(models.CommandOpUpdate)

	f.dispatcher.process(context.Background(), &cmd)

	// Outbox record and completion in the same committed transaction.
	require.Len(t, f.db.txs, 1)
	assert.True(t, f.db.txs[0].committed)
	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.completed)

	require.Len(t, f.outbox.recs, 1)
	rec := f.outbox.recs[0]
	assert.Equal(t, models.OutboxOpUpdated, rec.Operation)
	assert.Equal(t, cmd.CorrelationID, rec.CorrelationID)
	assert.JSONEq(t, `{"state":"open"}`, string(rec.Diff))

	assert.Equal(t, []string{"ticket#42"}, f.leases.acquired)
	assert.Equal(t, []string{"ticket#42"}, f.leases.released)
	assert.Empty(t, f.commands.dead)
	assert.Empty(t, f.dlq.recs)
}

func TestProcessContentionRequeuesSilently(t *testing.T) {
	f := newDispatcherFixture(nil)
	f.leases.denied = true
	cmd := testCommand(models.CommandOpUpdate)

	f.dispatcher.process(context.Background(), &cmd)

	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.released)
	assert.Empty(t, f.commands.retried, "contention takes no backoff")
	assert.Empty(t, f.commands.completed)
	assert.Empty(t, f.db.txs, "no handler run without the lease")
}

func TestProcessRecoverableFailureSchedulesBackoff(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDefault(func(context.Context, pgx.Tx, *models.Command) (*Mutation, error) {
		return nil, errors.New("downstream timeout")
	})
	f := newDispatcherFixture(registry)
	cmd := testCommand(models.CommandOpUpdate)

	f.dispatcher.process(context.Background(), &cmd)

	require.Len(t, f.commands.retried, 1)
	// First failure of a normal command backs off by the tier's initial delay.
	assert.Equal(t, f.clock.Now().Add(5*time.Second), f.commands.retried[0])
	assert.Equal(t, []string{"ticket#42"}, f.leases.released, "lease freed on recoverable failure")
	assert.Empty(t, f.leases.errored)
	assert.Empty(t, f.dlq.recs)

	require.Len(t, f.db.txs, 1)
	assert.True(t, f.db.txs[0].rolledBack)
}

func TestProcessExhaustedRetriesDeadLetters(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDefault(func(context.Context, pgx.Tx, *models.Command) (*Mutation, error) {
		return nil, errors.New("downstream timeout")
	})
	f := newDispatcherFixture(registry)
	cmd := testCommand(models.CommandOpUpdate)
	cmd.RetryCount = 2 // attempt 3 of max 3

	f.dispatcher.process(context.Background(), &cmd)

	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.dead)
	require.Len(t, f.dlq.recs, 1)
	dl := f.dlq.recs[0]
	assert.Equal(t, SourceQueue, dl.Source)
	assert.Equal(t, "ticket#42", dl.Key)
	assert.Equal(t, 3, dl.RetryCount)
	require.NotNil(t, dl.ExceptionType)
	assert.Equal(t, "downstream timeout", *dl.ExceptionType)
	require.NotNil(t, dl.StackTrace)
	assert.Contains(t, *dl.StackTrace, "goroutine")
	assert.Empty(t, f.commands.retried)
}

func TestProcessUnrecoverableSkipsRetryAndFencesLease(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterDefault(func(context.Context, pgx.Tx, *models.Command) (*Mutation, error) {
		return nil, Unrecoverable(errors.New("malformed payload"))
	})
	f := newDispatcherFixture(registry)
	cmd := testCommand(models.CommandOpUpdate)

	f.dispatcher.process(context.Background(), &cmd)

	// First attempt, budget left, but unrecoverable goes straight to dead.
	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.dead)
	assert.Len(t, f.dlq.recs, 1)
	assert.Empty(t, f.commands.retried)
	assert.Equal(t, []string{"ticket#42"}, f.leases.errored, "lease fenced in error state")
	assert.Empty(t, f.leases.released)
}

func TestProcessDuplicateOperationShortCircuits(t *testing.T) {
	f := newDispatcherFixture(nil)
	opID := "op-dup"
	prior := testCommand(models.CommandOpUpdate)
	prior.Status = models.CommandStatusCompleted
	f.commands.priorByOp[opID] = &prior

	cmd := testCommand(models.CommandOpUpdate)
	cmd.OperationID = &opID

	f.dispatcher.process(context.Background(), &cmd)

	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.completed)
	assert.Empty(t, f.db.txs, "no handler run for a duplicate")
	assert.Empty(t, f.outbox.recs)
	assert.Empty(t, f.leases.acquired)
}

func TestProcessDuplicateCompletedDuringLeaseWaitAppliesOnce(t *testing.T) {
	registry := NewRegistry()
	handlerRuns := 0
	registry.RegisterDefault(func(_ context.Context, _ pgx.Tx, cmd *models.Command) (*Mutation, error) {
		handlerRuns++
		return &Mutation{Diff: cmd.Payload}, nil
	})
	f := newDispatcherFixture(registry)

	// The original copy of the operation completes on another worker between
	// this worker's pre-lease lookup and its lease acquisition.
	opID := "op-dup"
	prior := testCommand(models.CommandOpUpdate)
	prior.Status = models.CommandStatusCompleted
	f.commands.lateByOp[opID] = &prior

	cmd := testCommand(models.CommandOpUpdate)
	cmd.OperationID = &opID

	f.dispatcher.process(context.Background(), &cmd)

	assert.Equal(t, 0, handlerRuns, "operation must apply exactly once")
	assert.Empty(t, f.db.txs)
	assert.Empty(t, f.outbox.recs)
	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.completed)
	assert.Equal(t, []string{"ticket#42"}, f.leases.acquired)
	assert.Equal(t, []string{"ticket#42"}, f.leases.released, "lease freed after the short-circuit")
}

func TestProcessDeleteCancelsTriggers(t *testing.T) {
	f := newDispatcherFixture(nil)
	cmd := testCommand(models.CommandOpDelete)

	f.dispatcher.process(context.Background(), &cmd)

	assert.Equal(t, []string{"42"}, f.canceller.entities)
	require.Len(t, f.outbox.recs, 1)
	assert.Equal(t, models.OutboxOpDeleted, f.outbox.recs[0].Operation)
}

func TestDispatcherDrainsOnTicks(t *testing.T) {
	f := newDispatcherFixture(nil)
	cmd := testCommand(models.CommandOpCreate)
	f.commands.batch = []models.Command{cmd}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.dispatcher.Start(ctx))
	assert.Error(t, f.dispatcher.Start(ctx))

	f.clock.BlockUntilContext(ctx, 1)
	f.clock.Advance(f.dispatcher.config.PollInterval)

	require.NoError(t, f.dispatcher.Stop())
	assert.Error(t, f.dispatcher.Stop())

	f.commands.mu.Lock()
	defer f.commands.mu.Unlock()
	assert.Equal(t, []uuid.UUID{cmd.ID}, f.commands.completed)
}
