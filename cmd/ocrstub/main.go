// Command ocrstub is a local stand-in for the OCR backend. It accepts uploads,
// recognizes them with a tesseract-compatible CLI and serves previews, edits
// and exports over the same HTTP contract the ocrgate client consumes.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocrgate/ocrgate/internal/api"
	"github.com/ocrgate/ocrgate/internal/config"
	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/obs"
	"github.com/ocrgate/ocrgate/internal/queue"
)

const serviceName = "ocrstub"

func main() {
	shutdownObs, logger := obs.Init(serviceName)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(ctx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()

	if err := run(logger); err != nil {
		logger.Error("ocrstub failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadStub()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o700); err != nil {
		return err
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.New(cfg, store, queue.CLIRecognizer(cfg))
	if err := q.Recovery(ctx); err != nil {
		return err
	}
	q.Start(ctx)
	q.StartCleanup(ctx, cfg.JobTTL, time.Hour)

	mux := http.NewServeMux()
	api.NewHandler(store, q, cfg).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.RateLimit(ctx, cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      obs.WrapHTTP(serviceName, handler),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("ocrstub listening", "addr", cfg.ListenAddr, "ocr_path", cfg.OCRPath, "lang", cfg.OCRLang, "workers", cfg.Concurrency)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
