// Package decision implements the decision stage: credit reports in, final status persisted.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	decide "github.com/prequal/prequal/pkg/decision"
	"github.com/prequal/prequal/pkg/eventbus"
	"github.com/prequal/prequal/pkg/events"
	"github.com/prequal/prequal/pkg/metrics"
	"github.com/prequal/prequal/pkg/model"
	"github.com/prequal/prequal/pkg/store/postgres"
)

type ApplicationStore interface {
	ApplyDecision(ctx context.Context, id uuid.UUID, status model.ApplicationStatus, score *int) (postgres.Outcome, error)
}

// DecideFunc maps a score and affordability to a terminal status.
type DecideFunc func(score int, monthlyIncome, loanAmount float64) model.ApplicationStatus

type Option func(*Handler)

func WithDecideFunc(fn DecideFunc) Option {
	return func(h *Handler) {
		h.decide = fn
	}
}

// Handler finalizes applications. Reports with a score are held until holdDelay after their
// completion time before the decision is stored; the hold only occupies the partition the
// report arrived on.
type Handler struct {
	store     ApplicationStore
	holdDelay time.Duration
	decide    DecideFunc
	logger    *zap.Logger
	now       func() time.Time
}

func NewHandler(store ApplicationStore, holdDelay time.Duration, logger *zap.Logger, opts ...Option) *Handler {
	if holdDelay < 0 {
		holdDelay = 0
	}
	h := &Handler{
		store:     store,
		holdDelay: holdDelay,
		decide:    decide.Decide,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, message kafka.Message) error {
	report, err := events.DecodeCreditReport(message.Value)
	if err != nil {
		return eventbus.Permanent(err)
	}

	id := report.ApplicationUUID()
	logger := h.logger.With(zap.String("application_id", report.ApplicationID))

	if !report.Scored() {
		logger.Info("credit check failed upstream, routing to manual review", zap.String("error", report.Error))
		return h.apply(ctx, logger, id, model.StatusManualReview, nil)
	}

	score := *report.CIBILScore
	if !model.ValidScore(score) {
		logger.Warn("credit score out of range, routing to manual review", zap.Int("cibil_score", score))
		return h.apply(ctx, logger, id, model.StatusManualReview, nil)
	}

	if err := h.hold(ctx, report.CompletedAt.Time); err != nil {
		return err
	}

	status, err := h.safeDecide(score, report.MonthlyIncome, report.LoanAmount)
	if err != nil {
		return err
	}

	logger.Info("decision computed",
		zap.Int("cibil_score", score),
		zap.Float64("monthly_income", report.MonthlyIncome),
		zap.Float64("required_payment", decide.RequiredMonthlyPayment(report.LoanAmount)),
		zap.String("status", string(status)),
	)
	return h.apply(ctx, logger, id, status, &score)
}

// hold waits until holdDelay has passed since completedAt. A redelivered report whose hold
// already elapsed is decided at once. Reports without a completion time are held for the
// full delay from now.
func (h *Handler) hold(ctx context.Context, completedAt time.Time) error {
	if h.holdDelay == 0 {
		return nil
	}

	now := h.now()
	wait := h.holdDelay
	if !completedAt.IsZero() {
		wait = completedAt.Add(h.holdDelay).Sub(now)
		if wait > h.holdDelay {
			wait = h.holdDelay
		}
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	metrics.DecisionHold.Observe(wait.Seconds())
	return nil
}

func (h *Handler) safeDecide(score int, monthlyIncome, loanAmount float64) (status model.ApplicationStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decide: %v", r)
		}
	}()
	return h.decide(score, monthlyIncome, loanAmount), nil
}

func (h *Handler) apply(ctx context.Context, logger *zap.Logger, id uuid.UUID, status model.ApplicationStatus, score *int) error {
	outcome, err := h.store.ApplyDecision(ctx, id, status, score)
	if err != nil {
		return fmt.Errorf("apply decision: %w", err)
	}
	metrics.Decisions.WithLabelValues(string(status), outcome.String()).Inc()

	switch outcome {
	case postgres.OutcomeNotFound:
		logger.Warn("application not found, skipping decision", zap.String("status", string(status)))
	case postgres.OutcomeIgnored:
		logger.Warn("application already decided differently, keeping the first decision", zap.String("status", string(status)))
	case postgres.OutcomeUnchanged:
		logger.Debug("decision already applied", zap.String("status", string(status)))
	default:
		logger.Info("application decided", zap.String("status", string(status)))
	}
	return nil
}
