package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murielcore/pipeline/go/internal/models"
)

type fakeStore struct {
	records   map[uuid.UUID]*models.DeadLetterRecord
	replayed  []uuid.UUID
	discarded []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]*models.DeadLetterRecord)}
}

func (s *fakeStore) Get(_ context.Context, id uuid.UUID) (*models.DeadLetterRecord, error) {
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) MarkReplayed(_ context.Context, id uuid.UUID, now time.Time) error {
	rec, ok := s.records[id]
	if !ok || rec.Status != models.DeadLetterStatusPending {
		return ErrTerminal
	}
	rec.Status = models.DeadLetterStatusReplayed
	rec.ReplayedAt = &now
	s.replayed = append(s.replayed, id)
	return nil
}

func (s *fakeStore) MarkDiscarded(_ context.Context, id uuid.UUID) error {
	rec, ok := s.records[id]
	if !ok || rec.Status != models.DeadLetterStatusPending {
		return ErrTerminal
	}
	rec.Status = models.DeadLetterStatusDiscarded
	s.discarded = append(s.discarded, id)
	return nil
}

type fakeReinjector struct {
	payloads []json.RawMessage
	times    []time.Time
	err      error
}

func (r *fakeReinjector) Reinject(_ context.Context, payload json.RawMessage, now time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.payloads = append(r.payloads, payload)
	r.times = append(r.times, now)
	return nil
}

func pendingRecord(source string) *models.DeadLetterRecord {
	return &models.DeadLetterRecord{
		ID:           uuid.New(),
		Source:       source,
		Key:          "ticket#42",
		Payload:      json.RawMessage(`{"id":"42"}`),
		ErrorMessage: "handler failed: boom",
		RetryCount:   3,
		Status:       models.DeadLetterStatusPending,
		WorkerGroup:  "worker-1",
		CreatedAt:    time.Now().UTC(),
	}
}

func TestReplayReinjectsAndResolves(t *testing.T) {
	store := newFakeStore()
	rec := pendingRecord("command_queue")
	store.records[rec.ID] = rec

	reinjector := &fakeReinjector{}
	clock := clockwork.NewFakeClock()
	svc := NewService(store, clock)
	svc.RegisterSource("command_queue", reinjector)

	require.NoError(t, svc.Replay(context.Background(), rec.ID))

	require.Len(t, reinjector.payloads, 1)
	assert.JSONEq(t, `{"id":"42"}`, string(reinjector.payloads[0]))
	require.Len(t, reinjector.times, 1)
	assert.Equal(t, clock.Now(), reinjector.times[0])
	assert.Equal(t, models.DeadLetterStatusReplayed, store.records[rec.ID].Status)
	require.NotNil(t, store.records[rec.ID].ReplayedAt)
}

func TestReplayResolvedRecordFails(t *testing.T) {
	store := newFakeStore()
	rec := pendingRecord("command_queue")
	rec.Status = models.DeadLetterStatusDiscarded
	store.records[rec.ID] = rec

	svc := NewService(store, clockwork.NewFakeClock())
	svc.RegisterSource("command_queue", &fakeReinjector{})

	err := svc.Replay(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestReplayUnknownSourceFails(t *testing.T) {
	store := newFakeStore()
	rec := pendingRecord("some_other_queue")
	store.records[rec.ID] = rec

	svc := NewService(store, clockwork.NewFakeClock())

	err := svc.Replay(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reinjector registered")
	assert.Equal(t, models.DeadLetterStatusPending, store.records[rec.ID].Status)
}

func TestReplayKeepsRecordPendingWhenReinjectFails(t *testing.T) {
	store := newFakeStore()
	rec := pendingRecord("outbox")
	store.records[rec.ID] = rec

	svc := NewService(store, clockwork.NewFakeClock())
	svc.RegisterSource("outbox", &fakeReinjector{err: errors.New("queue unavailable")})

	err := svc.Replay(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Equal(t, models.DeadLetterStatusPending, store.records[rec.ID].Status)
	assert.Empty(t, store.replayed)
}

func TestReplayMissingRecord(t *testing.T) {
	svc := NewService(newFakeStore(), clockwork.NewFakeClock())
	err := svc.Replay(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscardResolvesWithoutReinject(t *testing.T) {
	store := newFakeStore()
	rec := pendingRecord("command_queue")
	store.records[rec.ID] = rec

	reinjector := &fakeReinjector{}
	svc := NewService(store, clockwork.NewFakeClock())
	svc.RegisterSource("command_queue", reinjector)

	require.NoError(t, svc.Discard(context.Background(), rec.ID))

	assert.Empty(t, reinjector.payloads)
	assert.Equal(t, models.DeadLetterStatusDiscarded, store.records[rec.ID].Status)
}

func TestDiscardResolvedRecordFails(t *testing.T) {
	store := newFakeStore()
	rec := pendingRecord("command_queue")
	rec.Status = models.DeadLetterStatusReplayed
	store.records[rec.ID] = rec

	svc := NewService(store, clockwork.NewFakeClock())

	err := svc.Discard(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestExceptionType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"wrapped chain", fmt.Errorf("handler failed: %w", errors.New("connection reset")), "handler failed"},
		{"bare message", errors.New("timeout"), "timeout"},
		{"leading colon", errors.New(": odd"), ": odd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExceptionType(tt.err))
		})
	}
}
