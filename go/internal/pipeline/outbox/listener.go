package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
)

type ListenerConfig struct {
	DatabaseURL      string
	NotifyChannel    string
	FallbackInterval time.Duration
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "pipeline_outbox",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
	}
}

// ListenerStore is the outbox surface the notification path drives. These
// run outside the batch drain's claim transaction.
type ListenerStore interface {
	FetchByID(ctx context.Context, id uuid.UUID) (*models.OutboxRecord, error)
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, errMsg string) error
}

// Listener is the low-latency drain path: a Postgres LISTEN/NOTIFY
// subscription that publishes records as soon as the dispatcher commits them,
// with a periodic fallback drain for notifications lost across reconnects.
// The dispatcher's mutation transaction is expected to NOTIFY the configured
// channel with the record id (trigger installed by the schema).
type Listener struct {
	worker   *Worker
	repo     ListenerStore
	listener *pq.Listener
	clock    clockwork.Clock
	cfg      ListenerConfig
}

func NewListener(worker *Worker, repo ListenerStore, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("listen on channel %s: %w", cfg.NotifyChannel, err)
	}

	log.Info().Str("channel", cfg.NotifyChannel).Msg("listening for outbox notifications")

	return &Listener{
		worker:   worker,
		repo:     repo,
		listener: l,
		clock:    worker.clock,
		cfg:      cfg,
	}, nil
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("outbox listener started")

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			if note == nil {
				// connection lost; pq reconnects, fallback covers the gap
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle outbox notification")
			}
		case <-fallbackTicker.Chan():
			l.worker.processOutbox(ctx)
		case <-pingTicker.Chan():
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping outbox listener")
			}
		}
	}
}

func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid record id in notification: %w", err)
	}

	rec, err := l.repo.FetchByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("fetch notified record: %w", err)
	}
	if rec.SentAt != nil {
		// already drained by a concurrent publisher
		return nil
	}

	if err := l.worker.publishWithRetry(ctx, rec); err != nil {
		if ctx.Err() != nil {
			// shutdown, not an exhausted budget; the fallback drain retries
			return err
		}
		// Budget spent. The annotated row drops out of the fallback drain's
		// fetch, so this path owns the dead-letter escalation.
		if mErr := l.repo.MarkFailed(ctx, rec.ID, rec.RetryCount, err.Error()); mErr != nil {
			log.Error().Err(mErr).Str("record_id", rec.ID.String()).Msg("failed to annotate record")
		}
		l.worker.deadLetter(ctx, rec, err)
		return err
	}

	if err := l.repo.MarkSent(ctx, rec.ID, l.clock.Now()); err != nil {
		return fmt.Errorf("mark notified record sent: %w", err)
	}

	log.Debug().Str("record_id", rec.ID.String()).Msg("published via notification")
	return nil
}
