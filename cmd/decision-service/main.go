package main

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/apiserver"
	"github.com/prequal/prequal/pkg/bootstrap"
	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/eventbus"
	"github.com/prequal/prequal/pkg/logging"
	"github.com/prequal/prequal/pkg/stage/decision"
	"github.com/prequal/prequal/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.MustNew(cfg.Logging, "decision-service")
	defer logger.Sync()

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	db, err := bootstrap.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	deduper, closeDeduper := bootstrap.NewDeduper(ctx, cfg, logger)
	defer closeDeduper()

	producer := bootstrap.NewProducer(cfg.Kafka)
	defer producer.Close()

	handler := decision.NewHandler(postgres.NewApplicationRepository(db.DB()), cfg.Decision.HoldDelay, logger)
	consumer := eventbus.NewKafkaConsumer(
		bootstrap.ConsumerConfig(cfg.Kafka, cfg.Kafka.DecisionGroup, cfg.Kafka.CreditReportTopic),
		producer, handler.Handle, deduper, logger,
	)

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: apiserver.NewHealthRouter("decision-service", consumer),
	}
	bootstrap.Serve(healthServer, "health", logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			logger.Error("decision consumer stopped with error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down decision service")
	_ = consumer.Close()
	<-done
	bootstrap.Shutdown(healthServer, cfg.Server.ShutdownTimeout, logger)
}
