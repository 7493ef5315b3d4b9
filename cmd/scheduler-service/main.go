package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/clipflow/scheduler/internal/archive"
	"github.com/clipflow/scheduler/internal/bandit"
	"github.com/clipflow/scheduler/internal/config"
	"github.com/clipflow/scheduler/internal/coordinator"
	"github.com/clipflow/scheduler/internal/httpserver"
	"github.com/clipflow/scheduler/internal/ingest"
	"github.com/clipflow/scheduler/internal/logging"
	"github.com/clipflow/scheduler/internal/metrics"
	"github.com/clipflow/scheduler/internal/reward"
	"github.com/clipflow/scheduler/internal/service"
	"github.com/clipflow/scheduler/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("scheduler", "info").Fatalf("config load: %v", err)
	}
	logger := logging.New("scheduler", cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping: %v", err)
	}

	st := store.NewPGStore(db)
	if err := st.EnsureSchema(context.Background()); err != nil {
		logger.Fatalf("ensure schema: %v", err)
	}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var archiver service.SnapshotArchiver
	if cfg.ArchiveBucket != "" {
		s3arch, err := archive.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			logger.Fatalf("archiver init: %v", err)
		}
		archiver = s3arch
	}

	svc := service.New(
		service.Config{
			Platforms: cfg.Platforms,
			TopK:      cfg.TopK,
			Horizon:   cfg.Horizon,
		},
		st,
		bandit.New(st),
		reward.New(cfg.RewardWindow, cfg.RewardMinSamples),
		coordinator.New(cfg.MinSeparation),
		archiver,
		m,
		logger,
	)

	if cfg.WarmStart {
		if _, err := svc.WarmStart(context.Background()); err != nil {
			logger.Fatalf("warm start: %v", err)
		}
	}

	server := httpserver.New(svc, st, logger, cfg.AuthSecret, registry)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := ingest.NewConsumer(ingest.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, svc, logger)
		if err != nil {
			logger.Fatalf("outcome consumer init: %v", err)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("outcome consumer exited")
			}
		}()
	}

	if cfg.DecayFactor < 1 && cfg.DecayInterval > 0 {
		go runDecayLoop(ctx, svc, cfg.DecayFactor, cfg.DecayInterval, logger)
	}

	go func() {
		logger.Infof("scheduler service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer, logger)
}

func runDecayLoop(ctx context.Context, svc *service.Service, factor float64, interval time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.DecaySweep(ctx, factor); err != nil {
				logger.Errorf("decay sweep: %v", err)
			}
		}
	}
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, logger *logrus.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Infof("shutting down")
	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
}
