package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/command"
)

// Store is the trigger surface the worker polls.
type Store interface {
	FindExpired(ctx context.Context, now time.Time, limit int32) ([]models.ScheduledTrigger, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// Handler fires one trigger's side effect. A returned error leaves the
// trigger pending for the next poll cycle.
type Handler func(ctx context.Context, trig *models.ScheduledTrigger) error

// WorkerConfig tunes the trigger poll loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int32
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	}
}

// Worker polls for due triggers and dispatches them to kind-keyed handlers.
type Worker struct {
	store    Store
	handlers map[models.TriggerKind]Handler
	config   WorkerConfig
	clock    clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWorker(store Store, cfg WorkerConfig, clock clockwork.Clock) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerConfig().BatchSize
	}
	return &Worker{
		store:    store,
		handlers: make(map[models.TriggerKind]Handler),
		config:   cfg,
		clock:    clock,
	}
}

// Register binds a handler to a trigger kind. Wiring-time only.
func (w *Worker) Register(kind models.TriggerKind, h Handler) {
	w.handlers[kind] = h
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("timer worker already running")
	}

	w.running = true
	w.stopChan = make(chan struct{})
	w.wg.Add(1)
	go w.run(ctx)

	log.Info().
		Dur("pollInterval", w.config.PollInterval).
		Int32("batchSize", w.config.BatchSize).
		Msg("Timer worker started")
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("timer worker not running")
	}

	close(w.stopChan)
	w.wg.Wait()
	w.running = false

	log.Info().Msg("Timer worker stopped")
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.processExpired(ctx)
		}
	}
}

func (w *Worker) processExpired(ctx context.Context) {
	now := w.clock.Now()
	trigs, err := w.store.FindExpired(ctx, now, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to find expired triggers")
		return
	}
	if len(trigs) == 0 {
		return
	}

	log.Debug().Int("count", len(trigs)).Msg("firing expired triggers")

	for i := range trigs {
		w.fire(ctx, &trigs[i])
	}
}

// fire runs the kind handler, then flips the row to completed. The flip is
// conditional: losing it means another worker got there first, which is fine
// because handlers are idempotent.
func (w *Worker) fire(ctx context.Context, trig *models.ScheduledTrigger) {
	h, ok := w.handlers[trig.Kind]
	if !ok {
		log.Warn().
			Str("trigger_id", trig.ID.String()).
			Str("kind", string(trig.Kind)).
			Msg("no handler for trigger kind, skipping")
		return
	}

	if err := h(ctx, trig); err != nil {
		// Stays pending; the next cycle retries until someone cancels it.
		log.Error().
			Err(err).
			Str("trigger_id", trig.ID.String()).
			Str("entity_id", trig.EntityID).
			Str("kind", string(trig.Kind)).
			Msg("trigger handler failed")
		return
	}

	claimed, err := w.store.MarkCompleted(ctx, trig.ID, w.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("trigger_id", trig.ID.String()).Msg("failed to complete trigger")
		return
	}
	if !claimed {
		log.Debug().Str("trigger_id", trig.ID.String()).Msg("trigger already claimed elsewhere")
		return
	}

	log.Info().
		Str("trigger_id", trig.ID.String()).
		Str("entity_id", trig.EntityID).
		Str("kind", string(trig.Kind)).
		Msg("Trigger fired")
}

// CommandEnqueuer puts a new command onto the queue. Satisfied by
// command.Repository.
type CommandEnqueuer interface {
	Enqueue(ctx context.Context, req command.EnqueueRequest, now time.Time) (*models.Command, error)
}

// CommandAction is the action payload for triggers that fire by enqueuing a
// command: SLA escalations and auto-transitions.
type CommandAction struct {
	TenantID   uuid.UUID               `json:"tenant_id"`
	EntityType string                  `json:"entity_type"`
	Operation  models.CommandOperation `json:"operation"`
	Payload    json.RawMessage         `json:"payload"`
	Priority   models.CommandPriority  `json:"priority,omitempty"`
}

// NewCommandHandler returns a Handler that decodes the trigger's action
// payload as a CommandAction and enqueues it. Used for SLA_WARNING,
// SLA_BREACH, and AUTO_TRANSITION kinds; defaultPriority applies when the
// action carries none.
func NewCommandHandler(enqueuer CommandEnqueuer, clock clockwork.Clock, defaultPriority models.CommandPriority) Handler {
	return func(ctx context.Context, trig *models.ScheduledTrigger) error {
		var action CommandAction
		if err := json.Unmarshal(trig.ActionPayload, &action); err != nil {
			return fmt.Errorf("decode trigger action: %w", err)
		}

		priority := action.Priority
		if priority == "" {
			priority = defaultPriority
		}

		// The trigger id doubles as operation id so a re-fired trigger
		// short-circuits instead of enqueuing a duplicate.
		opID := "trigger-" + trig.ID.String()

		_, err := enqueuer.Enqueue(ctx, command.EnqueueRequest{
			TenantID:    action.TenantID,
			EntityType:  action.EntityType,
			EntityID:    trig.EntityID,
			Operation:   action.Operation,
			Payload:     action.Payload,
			Priority:    priority,
			OperationID: &opID,
		}, clock.Now())
		if err != nil {
			return fmt.Errorf("enqueue trigger command: %w", err)
		}
		return nil
	}
}

// NewReminderHandler returns a Handler for REMINDER triggers. Reminders have
// no queue side effect; they are surfaced through the log until a
// notification channel exists.
func NewReminderHandler() Handler {
	return func(_ context.Context, trig *models.ScheduledTrigger) error {
		log.Info().
			Str("trigger_id", trig.ID.String()).
			Str("entity_id", trig.EntityID).
			RawJSON("action", orEmptyJSON(trig.ActionPayload)).
			Msg("Reminder due")
		return nil
	}
}

func orEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}
