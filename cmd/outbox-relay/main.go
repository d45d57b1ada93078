package main

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/apiserver"
	"github.com/prequal/prequal/pkg/bootstrap"
	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/logging"
	"github.com/prequal/prequal/pkg/model"
	"github.com/prequal/prequal/pkg/outbox"
	"github.com/prequal/prequal/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.MustNew(cfg.Logging, "outbox-relay")
	defer logger.Sync()

	db, err := bootstrap.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	producer := bootstrap.NewProducer(cfg.Kafka)
	defer producer.Close()

	relay := outbox.NewRelay(
		postgres.NewOutboxRepository(db.DB()),
		producer,
		cfg.Kafka.DLQTopic(model.OutboxEvent{}.TableName()),
		cfg.Outbox,
		logger,
	)

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: apiserver.NewHealthRouter("outbox-relay", relay),
	}
	bootstrap.Serve(healthServer, "health", logger)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	if err := relay.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
		logger.Error("outbox relay stopped with error", zap.Error(err))
	}

	logger.Info("outbox relay shutting down")
	bootstrap.Shutdown(healthServer, cfg.Server.ShutdownTimeout, logger)
}
