package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline"
	"github.com/murielcore/pipeline/go/internal/pipeline/command"
	"github.com/murielcore/pipeline/go/internal/pipeline/config"
	"github.com/murielcore/pipeline/go/internal/pipeline/deadletter"
	"github.com/murielcore/pipeline/go/internal/pipeline/lease"
	"github.com/murielcore/pipeline/go/internal/pipeline/outbox"
	"github.com/murielcore/pipeline/go/internal/pipeline/timer"
)

type Services struct {
	Pool        *pgxpool.Pool
	Commands    *command.Repository
	Leases      *lease.Repository
	Outbox      *outbox.Repository
	DeadLetters *deadletter.Repository
	Triggers    *timer.Repository

	Pipeline   *pipeline.Service
	DLQ        *deadletter.Service
	Dispatcher *command.Dispatcher
	Publisher  *outbox.Worker
	Listener   *outbox.Listener
	Timer      *timer.Worker
	Reaper     *lease.Reaper

	publisher outbox.EventPublisher
	closers   []func()
}

func setupServices(pool *pgxpool.Pool, dsn string, cfg *config.Config, clock clockwork.Clock) (*Services, error) {
	s := &Services{Pool: pool}

	// Repository layer
	s.Commands = command.NewRepository(pool)
	s.Leases = lease.NewRepository(pool)
	s.Outbox = outbox.NewRepository(pool)
	s.DeadLetters = deadletter.NewRepository(pool)
	s.Triggers = timer.NewRepository(pool)

	retries := cfg.RetryTable()

	// Event publisher: JetStream in real deployments, mock otherwise
	if cfg.NATS.Enabled {
		jsCfg := outbox.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.Stream
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		publisher, err := outbox.NewJetStreamPublisher(jsCfg)
		if err != nil {
			return nil, fmt.Errorf("create JetStream publisher: %w", err)
		}
		s.publisher = publisher
		s.closers = append(s.closers, func() {
			if err := publisher.Close(); err != nil {
				log.Error().Err(err).Msg("close publisher")
			}
		})
	} else {
		log.Warn().Msg("NATS disabled, events go to the mock publisher")
		s.publisher = outbox.NewMockPublisher()
	}

	// Command dispatcher
	registry := command.NewRegistry()
	registry.RegisterDefault(command.PassthroughHandler)

	dispatchCfg := command.DefaultDispatcherConfig()
	dispatchCfg.PollInterval = cfg.Dispatcher.PollInterval
	dispatchCfg.BatchSize = cfg.Dispatcher.BatchSize
	dispatchCfg.LeaseTTL = cfg.Dispatcher.LeaseTTL
	if cfg.Dispatcher.WorkerID != "" {
		dispatchCfg.WorkerID = cfg.Dispatcher.WorkerID
	}
	s.Dispatcher = command.NewDispatcher(pool, s.Commands, s.Leases, s.Outbox,
		s.DeadLetters, s.Triggers, registry, retries, dispatchCfg, clock)

	// Outbox publisher: interval drain, optionally fronted by LISTEN/NOTIFY
	workerCfg := outbox.DefaultWorkerConfig()
	workerCfg.PollInterval = cfg.Outbox.PollInterval
	workerCfg.BatchSize = cfg.Outbox.BatchSize
	workerCfg.Tier = cfg.Outbox.RetryTier
	s.Publisher = outbox.NewWorker(pool, s.Outbox, s.publisher, s.DeadLetters, retries, workerCfg, clock)

	if cfg.Outbox.UseListener {
		ltCfg := outbox.DefaultListenerConfig()
		ltCfg.DatabaseURL = dsn
		ltCfg.FallbackInterval = cfg.Outbox.PollInterval
		listener, err := outbox.NewListener(s.Publisher, s.Outbox, ltCfg)
		if err != nil {
			return nil, fmt.Errorf("create outbox listener: %w", err)
		}
		s.Listener = listener
	}

	// Timer worker with kind-keyed handlers
	s.Timer = timer.NewWorker(s.Triggers, timer.WorkerConfig{
		PollInterval: cfg.Timer.PollInterval,
		BatchSize:    cfg.Timer.BatchSize,
	}, clock)
	s.Timer.Register(models.TriggerSLAWarning, timer.NewCommandHandler(s.Commands, clock, models.PriorityHigh))
	s.Timer.Register(models.TriggerSLABreach, timer.NewCommandHandler(s.Commands, clock, models.PriorityCritical))
	s.Timer.Register(models.TriggerAutoTransition, timer.NewCommandHandler(s.Commands, clock, models.PriorityNormal))
	s.Timer.Register(models.TriggerReminder, timer.NewReminderHandler())

	// Lease reaper
	s.Reaper = lease.NewReaper(s.Leases, lease.ReaperConfig{Interval: cfg.Reaper.Interval}, clock)

	// Front services
	s.Pipeline = pipeline.NewService(s.Commands, s.Triggers, retries, clock)
	s.DLQ = deadletter.NewService(s.DeadLetters, clock)
	s.DLQ.RegisterSource(command.SourceQueue, s.Commands)
	s.DLQ.RegisterSource(outbox.SourceQueue, s.Outbox)

	return s, nil
}

func (s *Services) Start(ctx context.Context) error {
	if err := s.Dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := s.Publisher.Start(ctx); err != nil {
		return err
	}
	if s.Listener != nil {
		go func() {
			if err := s.Listener.Start(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("outbox listener exited unexpectedly")
			}
		}()
	}
	if err := s.Timer.Start(ctx); err != nil {
		return err
	}
	return s.Reaper.Start(ctx)
}

func (s *Services) Stop() {
	if err := s.Reaper.Stop(); err != nil {
		log.Error().Err(err).Msg("stop reaper")
	}
	if err := s.Timer.Stop(); err != nil {
		log.Error().Err(err).Msg("stop timer worker")
	}
	if err := s.Publisher.Stop(); err != nil {
		log.Error().Err(err).Msg("stop outbox publisher")
	}
	if err := s.Dispatcher.Stop(); err != nil {
		log.Error().Err(err).Msg("stop dispatcher")
	}
}

func (s *Services) Close() {
	for _, fn := range s.closers {
		fn()
	}
}
