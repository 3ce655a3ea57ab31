// Command merge-worker consumes merge requests from Redis, stitches the scene
// clips with ffmpeg and reports each outcome to the API callback.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/lock"
	"github.com/bobarin/adreel/internal/merge"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
)

func main() {
	log.Println("Starting AdReel merge worker...")

	cfg, err := config.LoadMergeWorker()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	metrics.SetAppInfo("adreel-merge-worker")

	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()

	objects, err := storage.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	tempDir := os.Getenv("MERGE_TEMP_DIR")
	if tempDir == "" {
		tempDir = "/tmp/adreel-merge"
	}
	ffmpegSvc := services.NewFFmpegService(tempDir, services.SilenceConfig{
		NoiseDB:    cfg.SilenceNoiseDB,
		MinSeconds: cfg.SilenceMinSeconds,
		TailPad:    cfg.SilenceTailPad,
	})

	w := merge.NewWorker(objects, ffmpegSvc, merge.NewHTTPReporter(cfg.CallbackURL, cfg.CallbackSecret), merge.Options{
		DownloadConcurrency: cfg.DownloadConcurrency,
		DownloadRetries:     cfg.DownloadRetries,
		DefaultCrossfade:    cfg.CrossfadeSeconds,
	})
	consumer := merge.NewConsumer(q, lock.New(q.Client(), ""), w, cfg.MergeTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		log.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	consumer.Start(ctx, cfg.MaxConcurrentJobs)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Println("Merge worker exited")
}
