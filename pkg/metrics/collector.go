package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/model"
)

type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.ApplicationStatus]int64, error)
}

// StatusCollector mirrors the application table's status counts into ApplicationsByStatus.
type StatusCollector struct {
	source   StatusCounter
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewStatusCollector(source StatusCounter, interval time.Duration, logger *zap.Logger) *StatusCollector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusCollector{
		source:   source,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   logger,
	}
}

func (c *StatusCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *StatusCollector) refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	counts, err := c.source.CountByStatus(ctx)
	if err != nil {
		CollectorRefreshFailures.Inc()
		c.logger.Warn("failed to refresh application counts", zap.Error(err))
		return false
	}
	for _, status := range model.Statuses {
		ApplicationsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return true
}
