package main

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/prequal/prequal/pkg/apiserver"
	"github.com/prequal/prequal/pkg/bootstrap"
	"github.com/prequal/prequal/pkg/config"
	"github.com/prequal/prequal/pkg/intake"
	"github.com/prequal/prequal/pkg/logging"
	"github.com/prequal/prequal/pkg/metrics"
	"github.com/prequal/prequal/pkg/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.MustNew(cfg.Logging, "prequal-api")
	defer logger.Sync()

	db, err := bootstrap.OpenStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	producer := bootstrap.NewProducer(cfg.Kafka)
	defer producer.Close()

	applications := postgres.NewApplicationRepository(db.DB())
	service := intake.NewService(
		applications,
		postgres.NewOutboxRepository(db.DB()),
		producer,
		cfg.Kafka.SubmissionTopic,
		cfg.Intake,
		logger,
	)
	server := apiserver.NewServer(service, applications, cfg, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}
	bootstrap.Serve(httpServer, "api", logger)

	ctx, stop := bootstrap.SignalContext()
	defer stop()

	go func() {
		_ = metrics.NewStatusCollector(applications, cfg.Server.StatusRefresh, logger).Run(ctx)
	}()
	<-ctx.Done()

	logger.Info("shutting down api server")
	bootstrap.Shutdown(httpServer, cfg.Server.ShutdownTimeout, logger)
}
