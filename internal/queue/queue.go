package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ocrgate/ocrgate/internal/config"
	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/obs"
	"github.com/ocrgate/ocrgate/internal/worker"
)

// Recognizer turns an uploaded file into text.
type Recognizer func(ctx context.Context, r *job.Record) (string, error)

// CLIRecognizer runs the configured OCR command through worker.Recognize.
func CLIRecognizer(cfg *config.StubConfig) Recognizer {
	tools := worker.Tools{
		OCRPath:    cfg.OCRPath,
		Lang:       cfg.OCRLang,
		RasterPath: cfg.RasterPath,
		DPI:        cfg.RasterDPI,
	}
	return func(ctx context.Context, r *job.Record) (string, error) {
		lines := 0
		text, err := worker.Recognize(ctx, tools, r.UploadPath, r.MIMEType, func(string) { lines++ })
		slog.Debug("ocr finished", "job_id", r.ID, "mime_type", r.MIMEType, "lines", lines, "error", err)
		return text, err
	}
}

// Queue manages the recognition queue and its workers.
type Queue struct {
	jobs      chan job.Handle
	store     job.Store
	recognize Recognizer
	cfg       *config.StubConfig
	logger    *slog.Logger
}

// New creates a new Queue.
func New(cfg *config.StubConfig, store job.Store, recognize Recognizer) *Queue {
	return &Queue{
		jobs:      make(chan job.Handle, cfg.QueueSize),
		store:     store,
		recognize: recognize,
		cfg:       cfg,
		logger:    slog.Default().With("component", "queue"),
	}
}

// Enqueue adds a record id to the queue. Returns an error if the queue is full.
func (q *Queue) Enqueue(id job.Handle) error {
	select {
	case q.jobs <- id:
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", id)
	}
}

// Start launches cfg.Concurrency workers as goroutines.
func (q *Queue) Start(ctx context.Context) {
	for range q.cfg.Concurrency {
		go q.runWorker(ctx)
	}
}

// Recovery re-enqueues records left processing by a previous run.
func (q *Queue) Recovery(ctx context.Context) error {
	ids, err := q.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			q.logger.Warn("recovery: enqueue failed", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		q.logger.Info("recovery: re-enqueued pending jobs", "count", len(ids))
	}
	return nil
}

// StartCleanup deletes finished records older than ttl, and their uploads, every interval.
func (q *Queue) StartCleanup(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Cleanup(ctx, time.Now().Add(-ttl)); err != nil {
					q.logger.Error("cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Cleanup deletes finished records created before the cutoff and returns how many were removed.
func (q *Queue) Cleanup(ctx context.Context, before time.Time) (int, error) {
	recs, err := q.store.DeleteFinishedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("delete finished: %w", err)
	}
	for _, r := range recs {
		removeUpload(q.logger, r)
	}
	if len(recs) > 0 {
		q.logger.Info("cleanup: removed expired jobs", "count", len(recs))
	}
	return len(recs), nil
}

// runWorker dequeues records and recognizes them until ctx is done.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.processJob(ctx, id)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, id job.Handle) {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		q.logger.Error("worker: get job", "job_id", id, "error", err)
		q.finish(ctx, id, "", fmt.Sprintf("failed to load job: %v", err))
		return
	}
	if r == nil {
		q.logger.Warn("worker: job not found (deleted?)", "job_id", id)
		return
	}
	if r.Status != job.StateProcessing {
		return
	}

	start := time.Now()
	text, runErr := q.recognize(ctx, r)
	obs.RecordRecognition(start, runErr)

	// A shutdown mid-recognition leaves the record pending for Recovery.
	if ctx.Err() != nil {
		return
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		q.logger.Warn("worker: recognition failed", "job_id", id, "error", runErr)
	} else {
		q.logger.Info("worker: recognition done", "job_id", id, "chars", len(text), "duration", time.Since(start))
	}
	q.finish(ctx, id, text, errMsg)
}

func (q *Queue) finish(ctx context.Context, id job.Handle, text, errMsg string) {
	if err := q.store.Finish(ctx, id, text, errMsg); err != nil {
		q.logger.Error("worker: finish job", "job_id", id, "error", err)
	}
}

func removeUpload(logger *slog.Logger, r *job.Record) {
	if r.UploadPath == "" {
		return
	}
	if err := os.Remove(r.UploadPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("cleanup: remove upload", "job_id", r.ID, "path", r.UploadPath, "error", err)
	}
}
