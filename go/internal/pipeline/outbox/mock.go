package outbox

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
)

// MockPublisher logs instead of publishing. For development without a bus.
type MockPublisher struct{}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (p *MockPublisher) Publish(_ context.Context, rec *models.OutboxRecord) error {
	log.Info().
		Str("record_id", rec.ID.String()).
		Str("key", rec.PartitionKey()).
		Str("operation", string(rec.Operation)).
		Str("correlation_id", rec.CorrelationID.String()).
		Msg("mock publish")
	return nil
}
