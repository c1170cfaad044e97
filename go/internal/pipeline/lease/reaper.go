package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Store is the subset of the repository the reaper needs.
type Store interface {
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
}

type ReaperConfig struct {
	Interval time.Duration
}

func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{Interval: 5 * time.Minute}
}

// Reaper periodically forces expired updating leases back to idle, recovering
// entities whose worker crashed mid-handler. It does not touch rows already
// stolen by TryAcquire.
type Reaper struct {
	store  Store
	config ReaperConfig
	clock  clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewReaper(store Store, cfg ReaperConfig, clock clockwork.Clock) *Reaper {
	return &Reaper{
		store:    store,
		config:   cfg,
		clock:    clock,
		stopChan: make(chan struct{}),
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("lease reaper already running")
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	log.Info().Dur("interval", r.config.Interval).Msg("lease reaper started")
	return nil
}

func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("lease reaper not running")
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()

	log.Info().Msg("lease reaper stopped")
	return nil
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reclaimed, err := r.store.ReclaimExpired(ctx, r.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("failed to reclaim expired leases")
		return
	}
	if reclaimed > 0 {
		log.Warn().Int64("count", reclaimed).Msg("reclaimed expired leases")
	}
}
