// Package credit implements the scoring stage: submission events in, credit reports out.
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/eventbus"
	"github.com/prequal/prequal/pkg/events"
	"github.com/prequal/prequal/pkg/metrics"
	"github.com/prequal/prequal/pkg/model"
)

// ScoreFunc computes a credit score. scoring.Scorer.Score satisfies it.
type ScoreFunc func(pan string, monthlyIncome float64, loanType string) int

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

// Handler scores each submission and forwards a credit report keyed by the application id.
// It never touches the database.
type Handler struct {
	score     ScoreFunc
	publisher Publisher
	topic     string
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(score ScoreFunc, publisher Publisher, reportTopic string, logger *zap.Logger) *Handler {
	return &Handler{
		score:     score,
		publisher: publisher,
		topic:     reportTopic,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *Handler) Handle(ctx context.Context, message kafka.Message) error {
	submission, err := events.DecodeSubmission(message.Value)
	if err != nil {
		return eventbus.Permanent(err)
	}

	logger := h.logger.With(zap.String("application_id", submission.ApplicationID))
	report := h.creditReport(submission, logger)

	value, err := events.Encode(report)
	if err != nil {
		return eventbus.Permanent(err)
	}

	headers := eventbus.EventHeaders(report.EventID(), events.TypeCreditReportGenerated)
	if err := h.publisher.Publish(ctx, h.topic, report.Key(), value, headers...); err != nil {
		return fmt.Errorf("publish credit report: %w", err)
	}

	if report.Scored() {
		logger.Info("credit report published", zap.Int("cibil_score", *report.CIBILScore))
	} else {
		logger.Info("failed credit report published", zap.String("error", report.Error))
	}
	return nil
}

// creditReport always returns a report: scoring failures become a report without a score.
func (h *Handler) creditReport(submission events.SubmissionEvent, logger *zap.Logger) events.CreditReportEvent {
	score, err := h.safeScore(submission)
	completedAt := h.now()
	if err != nil {
		metrics.ScoringFailures.Inc()
		logger.Warn("credit check failed", zap.Error(err))
		return events.NewFailedCreditReport(submission, err, completedAt)
	}
	metrics.CreditScores.Observe(float64(score))
	return events.NewCreditReport(submission, score, completedAt)
}

func (h *Handler) safeScore(submission events.SubmissionEvent) (score int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("credit check failed: %v", r)
		}
	}()

	score = h.score(submission.PANNumber, submission.MonthlyIncome, submission.LoanType)
	if !model.ValidScore(score) {
		return 0, fmt.Errorf("credit check failed: score %d outside [%d, %d]", score, model.MinCreditScore, model.MaxCreditScore)
	}
	return score, nil
}
