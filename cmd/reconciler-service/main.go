package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/puzzlehealth/reconciler/pkg/common/config"
	"github.com/puzzlehealth/reconciler/pkg/common/database"
	"github.com/puzzlehealth/reconciler/pkg/common/kafka"
	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/common/middleware"
	"github.com/puzzlehealth/reconciler/pkg/export"
	"github.com/puzzlehealth/reconciler/pkg/extract"
	"github.com/puzzlehealth/reconciler/pkg/jobs"
	"github.com/puzzlehealth/reconciler/pkg/observability/metrics"
	"github.com/puzzlehealth/reconciler/pkg/terminology"
)

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	repo := jobs.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate reconciliation tables")
	}

	status := jobs.NewStatusStore(database.GetRedis(), cfg.StatusTTL)

	catalog := terminology.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = terminology.Load(cfg.CatalogPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load terminology catalog")
		}
	}

	producer := kafka.NewProducer(cfg.ProgressTopic)
	defer producer.Close()

	var dlqProducer *kafka.Producer
	if cfg.DLQTopic != "" {
		dlqProducer = kafka.NewProducer(cfg.DLQTopic)
		defer dlqProducer.Close()
	}

	opts := []jobs.ServiceOption{
		jobs.WithProducers(producer, dlqProducer),
		jobs.WithWorkers(cfg.ReconcileWorkers),
		jobs.WithPrefixLen(cfg.MatchPrefixLen),
	}
	if cfg.SheetsCredentialsFile != "" && cfg.SheetsSpreadsheetID != "" {
		uploader, err := export.NewSheetsUploader(cfg.SheetsCredentialsFile, cfg.SheetsSpreadsheetID, cfg.SheetsTimeout)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to configure sheets uploader")
		}
		opts = append(opts, jobs.WithSheetsUploader(uploader))
	}

	svc := jobs.NewService(repo, status, catalog, extract.NewCSVLoader(), opts...)
	handler := jobs.NewHandler(svc)

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(50, 100))
	router.Use(middleware.BodyLimit(cfg.MaxUploadBytes))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	handler.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Reconciler Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	if cfg.RequestsTopic != "" {
		consumer := kafka.NewConsumer(cfg.RequestsTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			if err := svc.ConsumeReplayRequests(ctx, consumer); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("replay consumer stopped")
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := svc.Cleanup(context.Background(), cfg.RunRetention); err != nil {
					logger.Log.WithError(err).Warn("cleanup job failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Reconciler Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	if err := database.ClosePostgres(); err != nil {
		logger.Log.WithError(err).Warn("failed to close postgres connection")
	}
	if err := database.CloseRedis(); err != nil {
		logger.Log.WithError(err).Warn("failed to close redis connection")
	}

	logger.Log.Info("Reconciler Service stopped")
}
