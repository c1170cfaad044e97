// Package admin exposes the pipeline's operational HTTP surface: enqueue,
// queue inspection, dead-letter replay, and lease repair.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline"
	"github.com/murielcore/pipeline/go/internal/pipeline/command"
	"github.com/murielcore/pipeline/go/internal/pipeline/deadletter"
	"github.com/murielcore/pipeline/go/internal/pipeline/lease"
	"github.com/murielcore/pipeline/go/internal/pipeline/timer"
)

// Enqueuer is the pipeline write surface. Satisfied by pipeline.Service.
type Enqueuer interface {
	EnqueueCommand(ctx context.Context, req pipeline.EnqueueRequest) (uuid.UUID, error)
	ScheduleTrigger(ctx context.Context, req timer.ScheduleRequest) (uuid.UUID, error)
	CancelTrigger(ctx context.Context, entityID string, kind models.TriggerKind) (int64, error)
}

// CommandAdmin is the queue inspection surface. Satisfied by
// command.Repository.
type CommandAdmin interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Command, error)
	RequeueDead(ctx context.Context, id uuid.UUID, now time.Time) error
	CountByStatus(ctx context.Context) (map[models.CommandStatus]int64, error)
}

// DeadLetterAdmin is the dead-letter surface: the repository's List plus the
// service's replay and discard.
type DeadLetterAdmin interface {
	List(ctx context.Context, f deadletter.Filter) ([]models.DeadLetterRecord, error)
	Replay(ctx context.Context, id uuid.UUID) error
	Discard(ctx context.Context, id uuid.UUID) error
}

// LeaseAdmin repairs stuck leases. Satisfied by lease.Repository.
type LeaseAdmin interface {
	Get(ctx context.Context, entityType, entityID string) (*models.EntityLease, error)
	ForceRelease(ctx context.Context, entityType, entityID string, now time.Time) error
}

// Counters supply queue-depth numbers for the stats endpoint.
type Counters struct {
	OutboxPending   func(ctx context.Context) (int64, error)
	TriggersPending func(ctx context.Context) (int64, error)
}

// Pinger reports backend liveness. Satisfied by pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	pipeline    Enqueuer
	commands    CommandAdmin
	deadLetters DeadLetterAdmin
	leases      LeaseAdmin
	counters    Counters
	db          Pinger
	clock       clockwork.Clock
}

func NewHandlers(p Enqueuer, commands CommandAdmin, deadLetters DeadLetterAdmin,
	leases LeaseAdmin, counters Counters, db Pinger, clock clockwork.Clock) *Handlers {
	return &Handlers{
		pipeline:    p,
		commands:    commands,
		deadLetters: deadLetters,
		leases:      leases,
		counters:    counters,
		db:          db,
		clock:       clock,
	}
}

func (h *Handlers) EnqueueCommand(c *gin.Context) {
	var req pipeline.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	id, err := h.pipeline.EnqueueCommand(c.Request.Context(), req)
	if err != nil {
		abort(c, http.StatusBadRequest, err, "Enqueue failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command_id": id})
}

func (h *Handlers) GetCommand(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, err, "Invalid command id")
		return
	}

	cmd, err := h.commands.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			abort(c, http.StatusNotFound, err, "Command not found")
			return
		}
		abort(c, http.StatusInternalServerError, err, "Failed to load command")
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// RequeueCommand puts a dead command back on the queue with a fresh retry
// budget.
func (h *Handlers) RequeueCommand(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, err, "Invalid command id")
		return
	}

	if err := h.commands.RequeueDead(c.Request.Context(), id, h.clock.Now()); err != nil {
		if errors.Is(err, command.ErrNotFound) {
			abort(c, http.StatusNotFound, err, "No dead command with that id")
			return
		}
		abort(c, http.StatusInternalServerError, err, "Requeue failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"command_id": id, "status": models.CommandStatusPending})
}

func (h *Handlers) QueueStats(c *gin.Context) {
	ctx := c.Request.Context()

	byStatus, err := h.commands.CountByStatus(ctx)
	if err != nil {
		abort(c, http.StatusInternalServerError, err, "Failed to count commands")
		return
	}

	stats := gin.H{"commands": byStatus}
	if h.counters.OutboxPending != nil {
		if n, err := h.counters.OutboxPending(ctx); err == nil {
			stats["outbox_pending"] = n
		}
	}
	if h.counters.TriggersPending != nil {
		if n, err := h.counters.TriggersPending(ctx); err == nil {
			stats["triggers_pending"] = n
		}
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) ListDeadLetters(c *gin.Context) {
	f := deadletter.Filter{
		Source:        c.Query("source"),
		ExceptionType: c.Query("exception_type"),
		Status:        models.DeadLetterStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		if iv, err := strconv.ParseInt(v, 10, 32); err == nil {
			f.Limit = int32(iv)
		}
	}

	recs, err := h.deadLetters.List(c.Request.Context(), f)
	if err != nil {
		abort(c, http.StatusInternalServerError, err, "Failed to list dead letters")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": recs, "count": len(recs)})
}

func (h *Handlers) ReplayDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, err, "Invalid dead letter id")
		return
	}

	if err := h.deadLetters.Replay(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, deadletter.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, deadletter.ErrTerminal):
			status = http.StatusConflict
		}
		abort(c, status, err, "Replay failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letter_id": id, "status": models.DeadLetterStatusReplayed})
}

func (h *Handlers) DiscardDeadLetter(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, err, "Invalid dead letter id")
		return
	}

	if err := h.deadLetters.Discard(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, deadletter.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, deadletter.ErrTerminal):
			status = http.StatusConflict
		}
		abort(c, status, err, "Discard failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letter_id": id, "status": models.DeadLetterStatusDiscarded})
}

func (h *Handlers) GetLease(c *gin.Context) {
	l, err := h.leases.Get(c.Request.Context(), c.Param("entityType"), c.Param("entityId"))
	if err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			abort(c, http.StatusNotFound, err, "No lease for that entity")
			return
		}
		abort(c, http.StatusInternalServerError, err, "Failed to load lease")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lease":   l,
		"expired": l.Expired(h.clock.Now()),
	})
}

// ForceReleaseLease is the operator escape hatch for a lease wedged in error
// state. The held entity becomes claimable immediately.
func (h *Handlers) ForceReleaseLease(c *gin.Context) {
	entityType, entityID := c.Param("entityType"), c.Param("entityId")

	if err := h.leases.ForceRelease(c.Request.Context(), entityType, entityID, h.clock.Now()); err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			abort(c, http.StatusNotFound, err, "No lease for that entity")
			return
		}
		abort(c, http.StatusInternalServerError, err, "Force release failed")
		return
	}

	log.Warn().
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Msg("lease force-released by operator")
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ScheduleTrigger(c *gin.Context) {
	var req timer.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	id, err := h.pipeline.ScheduleTrigger(c.Request.Context(), req)
	if err != nil {
		abort(c, http.StatusBadRequest, err, "Schedule failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trigger_id": id})
}

func (h *Handlers) CancelTriggers(c *gin.Context) {
	entityID := c.Query("entity_id")
	kind := models.TriggerKind(c.Query("kind"))
	if entityID == "" || kind == "" {
		abort(c, http.StatusBadRequest, nil, "entity_id and kind are required")
		return
	}

	n, err := h.pipeline.CancelTrigger(c.Request.Context(), entityID, kind)
	if err != nil {
		abort(c, http.StatusInternalServerError, err, "Cancel failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) Readyz(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func abort(c *gin.Context, status int, err error, msg string) {
	if err != nil {
		log.Debug().Err(err).Int("status", status).Str("path", c.FullPath()).Msg(msg)
		c.AbortWithStatusJSON(status, gin.H{"error": msg, "detail": err.Error()})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
