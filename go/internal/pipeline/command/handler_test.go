package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murielcore/pipeline/go/internal/models"
)

func TestUnrecoverableClassification(t *testing.T) {
	assert.True(t, IsUnrecoverable(Unrecoverable(errors.New("bad payload"))))
	assert.False(t, IsUnrecoverable(errors.New("timeout")))

	wrapped := Unrecoverable(errors.New("bad payload"))
	assert.Contains(t, wrapped.Error(), "bad payload")
}

func TestRegistryLookupPrecedence(t *testing.T) {
	specific := func(context.Context, pgx.Tx, *models.Command) (*Mutation, error) {
		return &Mutation{Diff: json.RawMessage(`"specific"`)}, nil
	}
	registry := NewRegistry()
	registry.Register("ticket", models.CommandOpUpdate, specific)
	registry.RegisterDefault(PassthroughHandler)

	cmd := &models.Command{EntityType: "ticket", Operation: models.CommandOpUpdate}
	h, err := registry.Lookup(cmd)
	require.NoError(t, err)
	mut, err := h(context.Background(), nil, cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `"specific"`, string(mut.Diff))

	// Unmatched pairs fall back.
	other := &models.Command{EntityType: "order", Operation: models.CommandOpUpdate, Payload: json.RawMessage(`{"x":1}`)}
	h, err = registry.Lookup(other)
	require.NoError(t, err)
	mut, err = h(context.Background(), nil, other)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(mut.Diff))
}

func TestRegistryLookupWithoutFallbackIsUnrecoverable(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Lookup(&models.Command{EntityType: "ticket", Operation: models.CommandOpUpdate})
	require.Error(t, err)
	assert.True(t, IsUnrecoverable(err))
}

func TestPassthroughHandlerShapes(t *testing.T) {
	payload := json.RawMessage(`{"state":"open"}`)

	tests := []struct {
		name string
		cmd  models.Command
		want Mutation
	}{
		{
			name: "create carries payload as diff and snapshot",
			cmd:  models.Command{Operation: models.CommandOpCreate, Payload: payload},
			want: Mutation{Diff: payload, Snapshot: payload},
		},
		{
			name: "update carries payload as diff only",
			cmd:  models.Command{Operation: models.CommandOpUpdate, Payload: payload},
			want: Mutation{Diff: payload},
		},
		{
			name: "bulk update behaves like update",
			cmd:  models.Command{Operation: models.CommandOpBulkUpdate, Payload: payload},
			want: Mutation{Diff: payload},
		},
		{
			name: "delete publishes a tombstone",
			cmd:  models.Command{Operation: models.CommandOpDelete, EntityID: "42", Payload: payload},
			want: Mutation{Diff: json.RawMessage(`{"deleted":true,"entity_id":"42"}`)},
		},
		{
			name: "empty payload becomes an empty object",
			cmd:  models.Command{Operation: models.CommandOpUpdate},
			want: Mutation{Diff: json.RawMessage(`{}`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PassthroughHandler(context.Background(), nil, &tt.cmd)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, *got); diff != "" {
				t.Errorf("mutation mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPartitionKey(t *testing.T) {
	cmd := models.Command{ID: uuid.New(), EntityType: "ticket", EntityID: "42"}
	assert.Equal(t, "ticket#42", cmd.PartitionKey())
}
