// Package pipeline is the inbound surface of the asynchronous command
// pipeline. Callers enqueue commands and schedule triggers here and get an
// immediate acknowledgment; outcomes are observed asynchronously through the
// published event stream or the dead-letter store.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/command"
	"github.com/murielcore/pipeline/go/internal/pipeline/retry"
	"github.com/murielcore/pipeline/go/internal/pipeline/timer"
)

// CommandQueue is the queue surface EnqueueCommand drives. Satisfied by
// command.Repository.
type CommandQueue interface {
	Enqueue(ctx context.Context, req command.EnqueueRequest, now time.Time) (*models.Command, error)
	FindCompletedByOperationID(ctx context.Context, tenantID uuid.UUID, operationID string) (*models.Command, error)
}

// TriggerScheduler is the trigger surface the service drives. Satisfied by
// timer.Repository.
type TriggerScheduler interface {
	Schedule(ctx context.Context, req timer.ScheduleRequest, now time.Time) (*models.ScheduledTrigger, error)
	Cancel(ctx context.Context, entityID string, kind models.TriggerKind, now time.Time) (int64, error)
}

// EnqueueRequest is the inbound enqueue contract. The caller is responsible
// for payload validity; business rules are not validated here.
type EnqueueRequest struct {
	TenantID    uuid.UUID               `json:"tenant_id"`
	EntityType  string                  `json:"entity_type"`
	EntityID    string                  `json:"entity_id"`
	Operation   models.CommandOperation `json:"operation"`
	Payload     json.RawMessage         `json:"payload"`
	Priority    models.CommandPriority  `json:"priority,omitempty"`
	OperationID *string                 `json:"operation_id,omitempty"`
}

func (r *EnqueueRequest) validate() error {
	if r.TenantID == uuid.Nil {
		return errors.New("tenant_id is required")
	}
	if r.EntityType == "" {
		return errors.New("entity_type is required")
	}
	if r.EntityID == "" {
		return errors.New("entity_id is required")
	}
	switch r.Operation {
	case models.CommandOpCreate, models.CommandOpUpdate, models.CommandOpDelete, models.CommandOpBulkUpdate:
	default:
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// Service fronts the pipeline's write paths.
type Service struct {
	commands CommandQueue
	triggers TriggerScheduler
	retries  retry.Table
	clock    clockwork.Clock
}

func NewService(commands CommandQueue, triggers TriggerScheduler, retries retry.Table, clock clockwork.Clock) *Service {
	if retries == nil {
		retries = retry.DefaultTable()
	}
	return &Service{
		commands: commands,
		triggers: triggers,
		retries:  retries,
		clock:    clock,
	}
}

// EnqueueCommand accepts a command for asynchronous processing and returns
// its id immediately. An operation id that already completed returns the
// existing command's id without enqueuing again.
func (s *Service) EnqueueCommand(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, fmt.Errorf("invalid enqueue request: %w", err)
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	if req.OperationID != nil {
		existing, err := s.commands.FindCompletedByOperationID(ctx, req.TenantID, *req.OperationID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("check operation id: %w", err)
		}
		if existing != nil {
			log.Debug().
				Str("operation_id", *req.OperationID).
				Str("command_id", existing.ID.String()).
				Msg("enqueue short-circuited by completed operation")
			return existing.ID, nil
		}
	}

	policy := s.retries.ForPriority(priority)
	cmd, err := s.commands.Enqueue(ctx, command.EnqueueRequest{
		TenantID:    req.TenantID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   req.Operation,
		Payload:     req.Payload,
		Priority:    priority,
		OperationID: req.OperationID,
		MaxRetries:  policy.MaxAttempts,
	}, s.clock.Now())
	if err != nil {
		return uuid.Nil, err
	}

	log.Info().
		Str("command_id", cmd.ID.String()).
		Str("entity", cmd.PartitionKey()).
		Str("operation", string(cmd.Operation)).
		Str("priority", string(priority)).
		Msg("Command enqueued")
	return cmd.ID, nil
}

// ScheduleTrigger registers a time-deferred side effect for an entity.
func (s *Service) ScheduleTrigger(ctx context.Context, req timer.ScheduleRequest) (uuid.UUID, error) {
	if req.EntityID == "" {
		return uuid.Nil, errors.New("entity_id is required")
	}
	switch req.Kind {
	case models.TriggerSLAWarning, models.TriggerSLABreach, models.TriggerAutoTransition, models.TriggerReminder:
	default:
		return uuid.Nil, fmt.Errorf("unknown trigger kind %q", req.Kind)
	}
	if req.ScheduledAt.IsZero() {
		return uuid.Nil, errors.New("scheduled_at is required")
	}

	trig, err := s.triggers.Schedule(ctx, req, s.clock.Now())
	if err != nil {
		return uuid.Nil, err
	}
	return trig.ID, nil
}

// CancelTrigger cancels the entity's pending triggers of one kind, used when
// a superseding event makes them moot.
func (s *Service) CancelTrigger(ctx context.Context, entityID string, kind models.TriggerKind) (int64, error) {
	return s.triggers.Cancel(ctx, entityID, kind, s.clock.Now())
}
