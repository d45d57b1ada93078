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
	"github.com/prequal/prequal/pkg/scoring"
	"github.com/prequal/prequal/pkg/stage/credit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.MustNew(cfg.Logging, "credit-service")
	defer logger.Sync()

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	deduper, closeDeduper := bootstrap.NewDeduper(ctx, cfg, logger)
	defer closeDeduper()

	producer := bootstrap.NewProducer(cfg.Kafka)
	defer producer.Close()

	handler := credit.NewHandler(scoring.NewScorer().Score, producer, cfg.Kafka.CreditReportTopic, logger)
	consumer := eventbus.NewKafkaConsumer(
		bootstrap.ConsumerConfig(cfg.Kafka, cfg.Kafka.CreditGroup, cfg.Kafka.SubmissionTopic),
		producer, handler.Handle, deduper, logger,
	)

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: apiserver.NewHealthRouter("credit-service", consumer),
	}
	bootstrap.Serve(healthServer, "health", logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
			logger.Error("credit consumer stopped with error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down credit service")
	_ = consumer.Close()
	<-done
	bootstrap.Shutdown(healthServer, cfg.Server.ShutdownTimeout, logger)
}
