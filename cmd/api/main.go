package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/adreel/internal/api"
	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/lock"
	"github.com/bobarin/adreel/internal/merge"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/orchestrator"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/reconciler"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/bobarin/adreel/internal/worker"
)

func main() {
	log.Println("Starting AdReel API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	metrics.SetAppInfo("adreel-api")

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	objects, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Initialized %s storage (bucket: %s)", cfg.StorageBackend, objects.Bucket())

	// Scene generation and planning
	veoSvc := services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)
	var planner services.ScenePlanner
	if cfg.OpenAIKey != "" {
		planner = services.NewOpenAIService(cfg.OpenAIKey)
		log.Println("Scene planning enabled")
	} else {
		log.Println("No OPENAI_API_KEY set, job requests must carry explicit scenes")
	}

	orch := orchestrator.New(database, database, objects, veoSvc, planner, q, orchestrator.Options{
		PrimaryJobCost:   cfg.PrimaryJobCost,
		SecondaryJobCost: cfg.SecondaryJobCost,
		UpsellThreshold:  cfg.UpsellCreditThreshold,
		DefaultCrossfade: cfg.CrossfadeSeconds,
	})
	rec := reconciler.New(database, cfg.CallbackSecret).WithLocator(objects)

	// Create API handler
	handler := api.NewHandler(database, database, objects, orch, rec)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Verifier:           auth.NewJWT(cfg.AuthJWTSecret),
		Callback:           rec.Handler(),
	})

	if cfg.BackendAPIKey != "" {
		log.Println("Operator routes enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, /internal routes are disabled")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// The sweeper always runs with the API so every job ends terminal
	go reconciler.NewSweeper(database, cfg.StitchingTimeout, cfg.GenerationTimeout, cfg.SweepInterval).Start(bgCtx)

	// Start workers if enabled
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		go worker.New(q, orch).Start(bgCtx, cfg.MaxConcurrentJobs)

		ffmpegSvc := services.NewFFmpegService("/tmp/adreel", services.SilenceConfig{
			NoiseDB:    cfg.SilenceNoiseDB,
			MinSeconds: cfg.SilenceMinSeconds,
			TailPad:    cfg.SilenceTailPad,
		})
		mergeWorker := merge.NewWorker(objects, ffmpegSvc, merge.NewHTTPReporter(cfg.CallbackURL, cfg.CallbackSecret), merge.Options{
			DownloadConcurrency: cfg.DownloadConcurrency,
			DownloadRetries:     cfg.DownloadRetries,
			DefaultCrossfade:    cfg.CrossfadeSeconds,
		})
		consumer := merge.NewConsumer(q, lock.New(q.Client(), ""), mergeWorker, cfg.MergeTimeout)
		go consumer.Start(bgCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop workers and sweeper
	bgCancel()

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
