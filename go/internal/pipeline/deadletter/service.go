package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
)

// Reinjector puts a dead letter's payload back onto its original channel.
// The command queue and outbox each register one under their source name.
type Reinjector interface {
	Reinject(ctx context.Context, payload json.RawMessage, now time.Time) error
}

// Store is the persistence surface Replay and Discard drive.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*models.DeadLetterRecord, error)
	MarkReplayed(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkDiscarded(ctx context.Context, id uuid.UUID) error
}

// Service coordinates replay and discard across the registered sources.
type Service struct {
	repo        Store
	clock       clockwork.Clock
	reinjectors map[string]Reinjector
}

func NewService(repo Store, clock clockwork.Clock) *Service {
	return &Service{
		repo:        repo,
		clock:       clock,
		reinjectors: make(map[string]Reinjector),
	}
}

// RegisterSource wires a reinjector for a dead-letter source. Wiring-time
// only; not safe to call concurrently with Replay.
func (s *Service) RegisterSource(source string, r Reinjector) {
	s.reinjectors[source] = r
}

// Replay pushes a pending dead letter back through its source channel with a
// fresh retry budget, then marks the record replayed. Already-resolved
// records return ErrTerminal.
func (s *Service) Replay(ctx context.Context, id uuid.UUID) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return ErrTerminal
	}

	r, ok := s.reinjectors[rec.Source]
	if !ok {
		return fmt.Errorf("no reinjector registered for source %q", rec.Source)
	}

	if err := r.Reinject(ctx, rec.Payload, s.clock.Now()); err != nil {
		return fmt.Errorf("reinject dead letter %s: %w", id, err)
	}

	if err := s.repo.MarkReplayed(ctx, id, s.clock.Now()); err != nil {
		return err
	}

	evt := log.Info().
		Str("deadLetterId", id.String()).
		Str("source", rec.Source)
	if rec.ExceptionType != nil {
		evt = evt.Str("exceptionType", *rec.ExceptionType)
	}
	evt.Msg("Dead letter replayed")
	return nil
}

// Discard closes a pending dead letter without re-execution.
func (s *Service) Discard(ctx context.Context, id uuid.UUID) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Pending() {
		return ErrTerminal
	}

	if err := s.repo.MarkDiscarded(ctx, id); err != nil {
		return err
	}

	log.Info().
		Str("deadLetterId", id.String()).
		Str("source", rec.Source).
		Msg("Dead letter discarded")
	return nil
}
