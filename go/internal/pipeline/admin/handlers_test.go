package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murielcore/pipeline/go/internal/models"
	"github.com/murielcore/pipeline/go/internal/pipeline"
	"github.com/murielcore/pipeline/go/internal/pipeline/command"
	"github.com/murielcore/pipeline/go/internal/pipeline/deadletter"
	"github.com/murielcore/pipeline/go/internal/pipeline/lease"
	"github.com/murielcore/pipeline/go/internal/pipeline/timer"
)

type fakePipeline struct {
	enqueued  []pipeline.EnqueueRequest
	scheduled []timer.ScheduleRequest
	err       error
}

func (p *fakePipeline) EnqueueCommand(_ context.Context, req pipeline.EnqueueRequest) (uuid.UUID, error) {
	if p.err != nil {
		return uuid.Nil, p.err
	}
	p.enqueued = append(p.enqueued, req)
	return uuid.New(), nil
}

func (p *fakePipeline) ScheduleTrigger(_ context.Context, req timer.ScheduleRequest) (uuid.UUID, error) {
	if p.err != nil {
		return uuid.Nil, p.err
	}
	p.scheduled = append(p.scheduled, req)
	return uuid.New(), nil
}

func (p *fakePipeline) CancelTrigger(context.Context, string, models.TriggerKind) (int64, error) {
	return 2, nil
}

type fakeCommands struct {
	byID     map[uuid.UUID]*models.Command
	requeued []uuid.UUID
}

func (c *fakeCommands) Get(_ context.Context, id uuid.UUID) (*models.Command, error) {
	cmd, ok := c.byID[id]
	if !ok {
		return nil, command.ErrNotFound
	}
	return cmd, nil
}

func (c *fakeCommands) RequeueDead(_ context.Context, id uuid.UUID, _ time.Time) error {
	cmd, ok := c.byID[id]
	if !ok || cmd.Status != models.CommandStatusDead {
		return command.ErrNotFound
	}
	c.requeued = append(c.requeued, id)
	return nil
}

func (c *fakeCommands) CountByStatus(context.Context) (map[models.CommandStatus]int64, error) {
	return map[models.CommandStatus]int64{
		models.CommandStatusPending: 4,
		models.CommandStatusDead:    1,
	}, nil
}

type fakeDLQ struct {
	recs      []models.DeadLetterRecord
	replayed  []uuid.UUID
	discarded []uuid.UUID
	err       error
}

func (d *fakeDLQ) List(context.Context, deadletter.Filter) ([]models.DeadLetterRecord, error) {
	return d.recs, nil
}

func (d *fakeDLQ) Replay(_ context.Context, id uuid.UUID) error {
	if d.err != nil {
		return d.err
	}
	d.replayed = append(d.replayed, id)
	return nil
}

func (d *fakeDLQ) Discard(_ context.Context, id uuid.UUID) error {
	if d.err != nil {
		return d.err
	}
	d.discarded = append(d.discarded, id)
	return nil
}

type fakeLeases struct {
	leases   map[string]*models.EntityLease
	released []string
}

func leaseKey(entityType, entityID string) string { return entityType + "#" + entityID }

func (l *fakeLeases) Get(_ context.Context, entityType, entityID string) (*models.EntityLease, error) {
	el, ok := l.leases[leaseKey(entityType, entityID)]
	if !ok {
		return nil, lease.ErrNotFound
	}
	return el, nil
}

func (l *fakeLeases) ForceRelease(_ context.Context, entityType, entityID string, _ time.Time) error {
	key := leaseKey(entityType, entityID)
	if _, ok := l.leases[key]; !ok {
		return lease.ErrNotFound
	}
	l.released = append(l.released, key)
	return nil
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, p *fakePipeline, cmds *fakeCommands, dlq *fakeDLQ, leases *fakeLeases, ping okPinger) http.Handler {
	t.Helper()
	counters := Counters{
		OutboxPending:   func(context.Context) (int64, error) { return 7, nil },
		TriggersPending: func(context.Context) (int64, error) { return 3, nil },
	}
	h := NewHandlers(p, cmds, dlq, leases, counters, ping, clockwork.NewFakeClock())
	return NewRouter(h, RouterConfig{})
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestEnqueueCommandAccepted(t *testing.T) {
	p := &fakePipeline{}
	router := newTestRouter(t, p, &fakeCommands{}, &fakeDLQ{}, &fakeLeases{}, okPinger{})

	body := `{"tenant_id":"` + uuid.NewString() + `","entity_type":"ticket","entity_id":"42","operation":"UPDATE","payload":{"state":"open"},"priority":"high"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/commands", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["command_id"])

	require.Len(t, p.enqueued, 1)
	assert.Equal(t, models.PriorityHigh, p.enqueued[0].Priority)
}

func TestEnqueueCommandBadBody(t *testing.T) {
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, &fakeDLQ{}, &fakeLeases{}, okPinger{})
	w := doJSON(t, router, http.MethodPost, "/api/v1/commands", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCommand(t *testing.T) {
	cmd := &models.Command{ID: uuid.New(), EntityType: "ticket", EntityID: "42", Status: models.CommandStatusPending}
	cmds := &fakeCommands{byID: map[uuid.UUID]*models.Command{cmd.ID: cmd}}
	router := newTestRouter(t, &fakePipeline{}, cmds, &fakeDLQ{}, &fakeLeases{}, okPinger{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/commands/"+cmd.ID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/commands/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/commands/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequeueDeadCommand(t *testing.T) {
	dead := &models.Command{ID: uuid.New(), Status: models.CommandStatusDead}
	pending := &models.Command{ID: uuid.New(), Status: models.CommandStatusPending}
	cmds := &fakeCommands{byID: map[uuid.UUID]*models.Command{dead.ID: dead, pending.ID: pending}}
	router := newTestRouter(t, &fakePipeline{}, cmds, &fakeDLQ{}, &fakeLeases{}, okPinger{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/commands/"+dead.ID.String()+"/requeue", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{dead.ID}, cmds.requeued)

	// Only dead commands can be requeued.
	w = doJSON(t, router, http.MethodPost, "/api/v1/commands/"+pending.ID.String()+"/requeue", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStats(t *testing.T) {
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, &fakeDLQ{}, &fakeLeases{}, okPinger{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "commands")
	assert.JSONEq(t, `7`, string(resp["outbox_pending"]))
	assert.JSONEq(t, `3`, string(resp["triggers_pending"]))
}

func TestDeadLetterReplayAndDiscard(t *testing.T) {
	dlq := &fakeDLQ{}
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, dlq, &fakeLeases{}, okPinger{})

	id := uuid.New()
	w := doJSON(t, router, http.MethodPost, "/api/v1/dead-letters/"+id.String()+"/replay", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{id}, dlq.replayed)

	w = doJSON(t, router, http.MethodPost, "/api/v1/dead-letters/"+id.String()+"/discard", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{id}, dlq.discarded)
}

func TestDeadLetterReplayConflict(t *testing.T) {
	dlq := &fakeDLQ{err: deadletter.ErrTerminal}
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, dlq, &fakeLeases{}, okPinger{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/dead-letters/"+uuid.NewString()+"/replay", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetLeaseReportsExpiry(t *testing.T) {
	live := time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC)
	stale := time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)
	leases := &fakeLeases{leases: map[string]*models.EntityLease{
		leaseKey("ticket", "42"): {EntityType: "ticket", EntityID: "42", Status: models.LeaseStatusUpdating, LeasedUntil: &live},
		leaseKey("ticket", "43"): {EntityType: "ticket", EntityID: "43", Status: models.LeaseStatusUpdating, LeasedUntil: &stale},
	}}
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, &fakeDLQ{}, leases, okPinger{})

	w := doJSON(t, router, http.MethodGet, "/api/v1/leases/ticket/42", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Lease   models.EntityLease `json:"lease"`
		Expired bool               `json:"expired"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.Lease.EntityID)
	assert.False(t, resp.Expired)

	// A held claim past its expiry instant is surfaced as reapable.
	w = doJSON(t, router, http.MethodGet, "/api/v1/leases/ticket/43", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Expired)

	w = doJSON(t, router, http.MethodGet, "/api/v1/leases/ticket/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForceReleaseLease(t *testing.T) {
	leases := &fakeLeases{leases: map[string]*models.EntityLease{
		leaseKey("ticket", "42"): {EntityType: "ticket", EntityID: "42", Status: models.LeaseStatusError},
	}}
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, &fakeDLQ{}, leases, okPinger{})

	w := doJSON(t, router, http.MethodDelete, "/api/v1/leases/ticket/42", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"ticket#42"}, leases.released)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/leases/ticket/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleAndCancelTriggers(t *testing.T) {
	p := &fakePipeline{}
	router := newTestRouter(t, p, &fakeCommands{}, &fakeDLQ{}, &fakeLeases{}, okPinger{})

	body := `{"EntityID":"42","Kind":"SLA_BREACH","ScheduledAt":"2026-08-28T12:00:00Z"}`
	w := doJSON(t, router, http.MethodPost, "/api/v1/triggers", body)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, p.scheduled, 1)
	assert.Equal(t, models.TriggerSLABreach, p.scheduled[0].Kind)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/triggers?entity_id=42&kind=SLA_BREACH", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":2}`, w.Body.String())

	w = doJSON(t, router, http.MethodDelete, "/api/v1/triggers", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadiness(t *testing.T) {
	router := newTestRouter(t, &fakePipeline{}, &fakeCommands{}, &fakeDLQ{}, &fakeLeases{}, okPinger{})
	w := doJSON(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	router = newTestRouter(t, &fakePipeline{}, &fakeCommands{}, &fakeDLQ{}, &fakeLeases{}, okPinger{err: context.DeadlineExceeded})
	w = doJSON(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
