package main

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline/admin"
	"github.com/murielcore/pipeline/go/internal/pipeline/config"
	"github.com/murielcore/pipeline/go/internal/pipeline/deadletter"
)

// deadLetterAdmin joins the repository's listing with the service's
// replay/discard into the surface the admin API wants.
type deadLetterAdmin struct {
	repo *deadletter.Repository
	svc  *deadletter.Service
}

func (a deadLetterAdmin) List(ctx context.Context, f deadletter.Filter) ([]models.DeadLetterRecord, error) {
	return a.repo.List(ctx, f)
}

func (a deadLetterAdmin) Replay(ctx context.Context, id uuid.UUID) error {
	return a.svc.Replay(ctx, id)
}

func (a deadLetterAdmin) Discard(ctx context.Context, id uuid.UUID) error {
	return a.svc.Discard(ctx, id)
}

func setupServer(services *Services, cfg *config.Config) *http.Server {
	counters := admin.Counters{
		OutboxPending:   services.Outbox.PendingCount,
		TriggersPending: services.Triggers.CountPending,
	}

	handlers := admin.NewHandlers(
		services.Pipeline,
		services.Commands,
		deadLetterAdmin{repo: services.DeadLetters, svc: services.DLQ},
		services.Leases,
		counters,
		services.Pool,
		clockwork.NewRealClock(),
	)

	router := admin.NewRouter(handlers, admin.RouterConfig{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Debug:          cfg.HTTP.Debug,
	})

	return &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}
}
