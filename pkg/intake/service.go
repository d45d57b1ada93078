// Package intake accepts loan applications and announces them to the pipeline.
package intake

import (
	"context"
	"fmt"
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

type ApplicationStore interface {
	CreateWithOutbox(ctx context.Context, app *model.Application, event *model.OutboxEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Application, error)
}

type OutboxMarker interface {
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Applicant holds validated applicant attributes.
type Applicant struct {
	PANNumber     string
	Name          string
	MonthlyIncome float64
	LoanAmount    float64
	LoanType      model.LoanType
}

// Receipt is returned as soon as the application is durable. Published reports whether the
// submission event reached the bus during Submit; when false the outbox relay delivers it.
type Receipt struct {
	ApplicationID uuid.UUID               `json:"application_id"`
	Status        model.ApplicationStatus `json:"status"`
	Published     bool                    `json:"-"`
}

type Service struct {
	store     ApplicationStore
	outbox    OutboxMarker
	publisher Publisher
	topic     string
	config    config.IntakeConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store ApplicationStore, outbox OutboxMarker, publisher Publisher, topic string, cfg config.IntakeConfig, logger *zap.Logger) *Service {
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 1
	}
	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = 200 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &Service{
		store:     store,
		outbox:    outbox,
		publisher: publisher,
		topic:     topic,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit persists a PENDING application together with its outbox row, then publishes the
// submission event. A publish failure is not returned: the application is already durable
// and the outbox relay retries delivery.
func (s *Service) Submit(ctx context.Context, applicant Applicant) (Receipt, error) {
	now := s.now().UTC()
	app := model.NewApplication(
		applicant.PANNumber,
		applicant.Name,
		applicant.MonthlyIncome,
		applicant.LoanAmount,
		applicant.LoanType,
		now,
	)

	submission := events.NewSubmissionEvent(app)
	payload, err := events.Payload(submission)
	if err != nil {
		return Receipt{}, err
	}
	outboxEvent := &model.OutboxEvent{
		EventID:       uuid.New(),
		ApplicationID: app.ID,
		Topic:         s.topic,
		EventType:     events.TypeApplicationSubmitted,
		Payload:       payload,
		Status:        model.OutboxStatusPending,
		CreatedAt:     now,
	}

	if err := s.store.CreateWithOutbox(ctx, app, outboxEvent); err != nil {
		return Receipt{}, fmt.Errorf("create application: %w", err)
	}
	metrics.ApplicationsSubmitted.Inc()

	logger := s.logger.With(zap.String("application_id", app.ID.String()))
	logger.Info("application created", zap.String("loan_type", string(app.LoanType)))

	receipt := Receipt{ApplicationID: app.ID, Status: app.Status}

	value, err := events.Encode(submission)
	if err != nil {
		logger.Error("failed to encode submission event", zap.Error(err))
		return receipt, nil
	}

	headers := eventbus.EventHeaders(submission.EventID(), events.TypeApplicationSubmitted)
	if err := s.publish(ctx, submission.Key(), value, headers); err != nil {
		logger.Warn("submission event not published, leaving it to the outbox relay", zap.Error(err))
		return receipt, nil
	}
	receipt.Published = true

	if err := s.outbox.MarkPublished(ctx, outboxEvent.EventID, s.now().UTC()); err != nil {
		logger.Warn("failed to mark outbox event published", zap.Error(err))
	}

	logger.Info("submission event published", zap.String("topic", s.topic))
	return receipt, nil
}

// publish tries up to PublishAttempts times with exponential backoff between attempts.
func (s *Service) publish(ctx context.Context, key, value []byte, headers []kafka.Header) error {
	backoff := s.config.PublishBackoff
	var lastErr error
	for attempt := 1; attempt <= s.config.PublishAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
		lastErr = s.publisher.Publish(attemptCtx, s.topic, key, value, headers...)
		cancel()
		if lastErr == nil {
			return nil
		}
		if attempt == s.config.PublishAttempts {
			break
		}

		s.logger.Debug("publish attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return fmt.Errorf("publish after %d attempts: %w", s.config.PublishAttempts, lastErr)
}

// Status reads the current state of an application.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*model.Application, error) {
	return s.store.GetByID(ctx, id)
}
