package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/eventbus"
	"github.com/prequal/prequal/pkg/events"
	"github.com/prequal/prequal/pkg/metrics"
	"github.com/prequal/prequal/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
	IncrementAttempts(ctx context.Context, eventID uuid.UUID) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Relay republishes outbox events that were committed but never confirmed on the bus.
type Relay struct {
	repo         Repository
	publisher    Publisher
	dlqTopic     string
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	gracePeriod  time.Duration
	maxAttempts  int
	now          func() time.Time

	running     atomic.Bool
	published   atomic.Uint64
	failed      atomic.Uint64
	mu          sync.Mutex
	lastError   string
	lastErrorAt time.Time
}

type Message struct {
	EventID       string      `json:"event_id"`
	ApplicationID string      `json:"application_id"`
	EventType     string      `json:"event_type"`
	Topic         string      `json:"topic"`
	Payload       model.JSONB `json:"payload"`
	CreatedAt     time.Time   `json:"created_at"`
	Attempts      int         `json:"attempts"`
}

type DLQMessage struct {
	Event    Message   `json:"event"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// NewRelay builds a relay. Events are only picked up once they are older than the grace
// period, which leaves intake time to publish and confirm them itself.
func NewRelay(repo Repository, publisher Publisher, dlqTopic string, cfg config.OutboxRelayConfig, logger *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		dlqTopic:     dlqTopic,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		gracePeriod:  cfg.GracePeriod,
		maxAttempts:  cfg.MaxAttempts,
		now:          time.Now,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
		zap.Duration("grace_period", r.gracePeriod),
	)

	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Relay) processPending(ctx context.Context) int {
	pending, err := r.repo.ListPending(ctx, r.now().UTC().Add(-r.gracePeriod), r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return 0
	}

	published := 0
	for _, event := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := r.publishEvent(ctx, event); err != nil {
			r.recordFailure(err)
			r.logger.Warn("failed to relay outbox event",
				zap.Error(err),
				zap.String("event_id", event.EventID.String()),
				zap.String("application_id", event.ApplicationID.String()),
			)
			continue
		}
		published++
		r.published.Add(1)
	}
	return published
}

// Health reports the relay in the same shape as a consumer so it can share the health router.
func (r *Relay) Health() eventbus.Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eventbus.Health{
		Running:     r.running.Load(),
		Connected:   r.running.Load(),
		Processed:   r.published.Load(),
		Failed:      r.failed.Load(),
		LastError:   r.lastError,
		LastErrorAt: r.lastErrorAt,
	}
}

func (r *Relay) recordFailure(err error) {
	r.failed.Add(1)
	r.mu.Lock()
	r.lastError = err.Error()
	r.lastErrorAt = r.now().UTC()
	r.mu.Unlock()
}

func (r *Relay) publishEvent(ctx context.Context, event model.OutboxEvent) error {
	value, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}

	applicationID := event.ApplicationID.String()
	headers := eventbus.EventHeaders(events.EventIDFor(event.EventType, applicationID), event.EventType)

	if err := r.publisher.Publish(ctx, event.Topic, []byte(applicationID), value, headers...); err != nil {
		metrics.OutboxRelayed.WithLabelValues("failed").Inc()
		if incErr := r.repo.IncrementAttempts(ctx, event.EventID); incErr != nil {
			r.logger.Warn("failed to count outbox attempt", zap.Error(incErr), zap.String("event_id", event.EventID.String()))
		}
		if event.Attempts+1 >= r.maxAttempts {
			r.logger.Error("outbox event exhausted its attempts, sending to DLQ",
				zap.String("event_id", event.EventID.String()),
				zap.Int("attempts", event.Attempts+1),
			)
			event.Attempts++
			if dlqErr := r.publishDLQ(ctx, event, err); dlqErr != nil {
				return dlqErr
			}
		}
		return err
	}

	if err := r.repo.MarkPublished(ctx, event.EventID, r.now().UTC()); err != nil {
		r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", event.EventID.String()))
		return err
	}
	metrics.OutboxRelayed.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, event model.OutboxEvent, publishErr error) error {
	if r.dlqTopic != "" {
		dlq := DLQMessage{
			Event: Message{
				EventID:       event.EventID.String(),
				ApplicationID: event.ApplicationID.String(),
				EventType:     event.EventType,
				Topic:         event.Topic,
				Payload:       event.Payload,
				CreatedAt:     event.CreatedAt,
				Attempts:      event.Attempts,
			},
			Error:    publishErr.Error(),
			FailedAt: r.now().UTC(),
		}

		payload, err := json.Marshal(dlq)
		if err != nil {
			return err
		}

		if err := r.publisher.Publish(ctx, r.dlqTopic, []byte(event.ApplicationID.String()), payload); err != nil {
			return err
		}
	}

	if err := r.repo.MarkFailed(ctx, event.EventID); err != nil {
		r.logger.Warn("failed to mark event failed", zap.Error(err), zap.String("event_id", event.EventID.String()))
		return err
	}
	metrics.OutboxRelayed.WithLabelValues("dead_lettered").Inc()
	return nil
}
