package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/murielcore/pipeline/go/internal/models"
)

// ErrUnrecoverable marks handler failures that must not be retried. The
// dispatcher fences the entity lease in error state instead of releasing it.
var ErrUnrecoverable = errors.New("unrecoverable")

// Unrecoverable wraps an error so the dispatcher classifies it as terminal.
func Unrecoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// IsUnrecoverable reports whether a handler failure is classified terminal.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

// Mutation is what a handler produced: the delta to publish and, optionally,
// the full post-state snapshot.
type Mutation struct {
	Diff     json.RawMessage
	Snapshot json.RawMessage
}

// Handler applies one command's mutation. It runs inside the dispatcher's
// transaction; the outbox record and command resolution commit with whatever
// the handler writes through tx. Handlers must be idempotent: a lease-holder
// crash means the command is re-executed by another worker after expiry.
type Handler func(ctx context.Context, tx pgx.Tx, cmd *models.Command) (*Mutation, error)

// Registry routes commands to handlers by (entityType, operation).
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func handlerKey(entityType string, op models.CommandOperation) string {
	return entityType + "/" + string(op)
}

// Register binds a handler to one (entityType, operation) pair.
func (r *Registry) Register(entityType string, op models.CommandOperation, h Handler) {
	r.handlers[handlerKey(entityType, op)] = h
}

// RegisterDefault binds the fallback handler used when no exact match exists.
func (r *Registry) RegisterDefault(h Handler) {
	r.fallback = h
}

// Lookup resolves the handler for a command, or an unrecoverable error when
// none is registered.
func (r *Registry) Lookup(cmd *models.Command) (Handler, error) {
	if h, ok := r.handlers[handlerKey(cmd.EntityType, cmd.Operation)]; ok {
		return h, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, Unrecoverable(fmt.Errorf("no handler for %s/%s", cmd.EntityType, cmd.Operation))
}

// PassthroughHandler treats the command payload as the change itself: CREATE
// publishes the payload as both diff and snapshot, UPDATE as diff only, and
// DELETE publishes a tombstone. Useful until entity-specific handlers are
// registered.
func PassthroughHandler(_ context.Context, _ pgx.Tx, cmd *models.Command) (*Mutation, error) {
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	switch cmd.Operation {
	case models.CommandOpCreate:
		return &Mutation{Diff: payload, Snapshot: payload}, nil
	case models.CommandOpDelete:
		tombstone, err := json.Marshal(map[string]any{"deleted": true, "entity_id": cmd.EntityID})
		if err != nil {
			return nil, fmt.Errorf("marshal tombstone: %w", err)
		}
		return &Mutation{Diff: tombstone}, nil
	default:
		return &Mutation{Diff: payload}, nil
	}
}
