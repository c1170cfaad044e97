package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/murielcore/pipeline/go/internal/models"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "ENTITY_EVENTS",
		SubjectPrefix:   "core.entity.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamPublisher publishes entity change events to NATS JetStream. The
// record id doubles as the JetStream message id, so a crash between publish
// and mark-sent cannot produce a second copy inside the duplicate window.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamPublisher(cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: cfg}

	if err := p.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return p, nil
}

func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Entity change events drained from the transactional outbox",
		Subjects:    []string{fmt.Sprintf("%s.>", p.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}

	stream, err := p.js.Stream(ctx, p.config.StreamName)
	if err != nil {
		if _, err = p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", p.config.StreamName).Msg("created JetStream stream")
		return nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !isStreamConfigEqual(info.Config, sc) {
		if _, err = p.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		log.Info().Str("stream", p.config.StreamName).Msg("updated JetStream stream")
	}
	return nil
}

// Subject returns the per-entity-type subject a record publishes to:
// <prefix>.<entityType>, entity type lowercased.
func (p *JetStreamPublisher) Subject(rec *models.OutboxRecord) string {
	return fmt.Sprintf("%s.%s", p.config.SubjectPrefix, strings.ToLower(rec.EntityType))
}

func (p *JetStreamPublisher) Publish(ctx context.Context, rec *models.OutboxRecord) error {
	env := map[string]any{
		"eventId":       rec.ID.String(),
		"entityType":    rec.EntityType,
		"entityId":      rec.EntityID,
		"operation":     rec.Operation,
		"tenantId":      rec.TenantID.String(),
		"correlationId": rec.CorrelationID.String(),
		"timestamp":     rec.CreatedAt.UTC(),
	}
	if len(rec.Diff) > 0 {
		env["diff"] = json.RawMessage(rec.Diff)
	}
	if rec.Snapshot.Valid {
		env["snapshot"] = json.RawMessage(rec.Snapshot.RawMessage)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	header := nats.Header{
		"Correlation-Id": []string{rec.CorrelationID.String()},
		"Tenant-Id":      []string{rec.TenantID.String()},
		"Entity-Type":    []string{rec.EntityType},
		"Operation":      []string{string(rec.Operation)},
	}
	// Carry through whatever trace headers the dispatcher attached.
	if len(rec.Headers) > 0 {
		var extra map[string]string
		if err := json.Unmarshal(rec.Headers, &extra); err == nil {
			for k, v := range extra {
				header.Set(k, v)
			}
		}
	}

	ack, err := p.js.PublishMsg(ctx, &nats.Msg{
		Subject: p.Subject(rec),
		Data:    data,
		Header:  header,
	},
		jetstream.WithMsgID(rec.ID.String()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", p.Subject(rec)).
		Str("record_id", rec.ID.String()).
		Str("key", rec.PartitionKey()).
		Uint64("sequence", ack.Sequence).
		Msg("published entity event")

	return nil
}

// Conn exposes the underlying connection for health checks.
func (p *JetStreamPublisher) Conn() *nats.Conn {
	return p.nc
}

func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func isStreamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}
