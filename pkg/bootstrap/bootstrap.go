// Package bootstrap holds the wiring shared by the service binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/eventbus"
	"github.com/prequal/prequal/pkg/store/postgres"
	redisclient "github.com/prequal/prequal/pkg/store/redis"
)

const dedupePrefix = "prequal:seen:"

// OpenStore connects to Postgres and creates the schema when database.auto_migrate is set.
func OpenStore(cfg *config.Config, logger *zap.Logger) (*postgres.Store, error) {
	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("database schema migrated")
	}
	return db, nil
}

// NewDeduper prefers Redis so every replica of a consumer group shares one seen-set, and
// falls back to process memory when Redis is unreachable. It returns nil when dedupe is off.
// The returned close function is never nil.
func NewDeduper(ctx context.Context, cfg *config.Config, logger *zap.Logger) (eventbus.Deduper, func()) {
	noop := func() {}
	if !cfg.Dedupe.Enabled {
		logger.Info("event dedupe disabled")
		return nil, noop
	}
	if len(cfg.Redis.Addresses) > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := redisclient.NewClient(pingCtx, &cfg.Redis)
		if err == nil {
			logger.Info("using redis for event dedupe", zap.Strings("addresses", cfg.Redis.Addresses))
			return eventbus.NewRedisDeduper(client.Client(), dedupePrefix, cfg.Dedupe.TTL), func() { _ = client.Close() }
		}
		logger.Warn("redis unavailable, deduplicating in memory", zap.Error(err))
	}
	return eventbus.NewMemoryDeduper(cfg.Dedupe.TTL), noop
}

func NewProducer(cfg config.KafkaConfig) *eventbus.KafkaProducer {
	return eventbus.NewKafkaProducer(eventbus.KafkaProducerConfig{
		Brokers:  cfg.Brokers,
		ClientID: cfg.ClientID,
	})
}

// ConsumerConfig derives a consumer's settings, including its retry and dead-letter topics.
func ConsumerConfig(cfg config.KafkaConfig, groupID, topic string) eventbus.KafkaConsumerConfig {
	return eventbus.KafkaConsumerConfig{
		Brokers:         cfg.Brokers,
		ClientID:        cfg.ClientID,
		GroupID:         groupID,
		Topic:           topic,
		RetryTopic:      cfg.RetryTopic(topic),
		DLQTopic:        cfg.DLQTopic(topic),
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		PartitionBuffer: cfg.PartitionBuffer,
	}
}

// Serve runs server in the background. A listen failure other than a clean shutdown is fatal.
func Serve(server *http.Server, name string, logger *zap.Logger) {
	go func() {
		logger.Info("starting http server", zap.String("server", name), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.String("server", name), zap.Error(err))
		}
	}()
}

// Shutdown drains server within timeout.
func Shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.String("addr", server.Addr), zap.Error(err))
	}
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
