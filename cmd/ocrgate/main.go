// Command ocrgate uploads a scanned document to the OCR backend, waits for the
// text, optionally replaces it with an edited version and writes the exports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocrgate/ocrgate/internal/backend"
	"github.com/ocrgate/ocrgate/internal/config"
	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/obs"
	"github.com/ocrgate/ocrgate/internal/poller"
	"github.com/ocrgate/ocrgate/internal/webhook"
	"github.com/ocrgate/ocrgate/internal/workflow"
)

const (
	serviceName     = "ocrgate"
	maxParallel     = 4
	callbackTimeout = 2 * time.Minute
)

type options struct {
	file     string
	mimeType string
	editFile string
	formats  []job.Format
	outDir   string
	print    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	var formats string
	fs.StringVar(&opts.mimeType, "mime", "", "declared media type (sniffed from the file when empty)")
	fs.StringVar(&opts.editFile, "edit", "", "file whose content replaces the recognized text before export")
	fs.StringVar(&formats, "formats", "", "comma-separated export formats (all available when empty)")
	fs.StringVar(&opts.outDir, "out", ".", "directory for exported documents")
	fs.BoolVar(&opts.print, "print", false, "print the final text to stdout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <document>\n", serviceName)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return options{}, errors.New("exactly one document path is required")
	}
	opts.file = fs.Arg(0)
	for _, f := range strings.Split(formats, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			opts.formats = append(opts.formats, job.Format(f))
		}
	}
	return opts, nil
}

func main() {
	shutdownObs, logger := obs.Init(serviceName)

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, opts, os.Stdout)
	stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := shutdownObs(flushCtx); serr != nil {
		logger.Error("telemetry shutdown", "error", serr)
	}
	cancel()

	if err != nil {
		logger.Error("workflow failed", "kind", job.KindOf(err), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, stdout io.Writer) error {
	logger := slog.Default()

	data, err := os.ReadFile(opts.file)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	mimeType := opts.mimeType
	if mimeType == "" {
		mimeType = job.DetectMIME(opts.file, data)
	}

	notifyCtx, cancelNotify := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancelNotify()
	var notifier *webhook.Notifier
	if cfg.CallbackURL != "" {
		if notifier, err = webhook.New(cfg.CallbackURL); err != nil {
			return fmt.Errorf("OCRGATE_CALLBACK_URL: %w", err)
		}
		defer notifier.Wait()
	}
	notify := func(p webhook.Payload) {
		if notifier != nil {
			notifier.Notify(notifyCtx, p)
		}
	}

	session := workflow.New(backend.New(cfg.BackendURL, cfg.HTTPTimeout), poller.Policy{
		Interval:    cfg.PollInterval,
		MaxInterval: cfg.PollMaxInterval,
		Multiplier:  poller.DefaultPolicy().Multiplier,
		MaxAttempts: cfg.PollMaxAttempts,
		Timeout:     cfg.PollTimeout,
	})
	events := session.Subscribe()
	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		logEvents(logger, events)
	}()
	defer func() {
		session.Unsubscribe(events)
		<-logDone
	}()

	h, err := session.Submit(ctx, opts.file, data, mimeType)
	if err != nil {
		notify(failurePayload(h, err))
		return err
	}

	ready, err := session.AwaitReady(ctx)
	if err != nil {
		notify(failurePayload(h, err))
		return err
	}
	notify(webhook.Payload{JobID: string(h), Event: "ready", State: string(job.StateReady), Formats: formatNames(ready.Formats.Sorted())})

	if opts.editFile != "" {
		edited, err := os.ReadFile(opts.editFile)
		if err != nil {
			return fmt.Errorf("read edit: %w", err)
		}
		session.UpdateDraft(string(edited))
		if err := session.Commit(ctx); err != nil {
			notify(failurePayload(h, err))
			return err
		}
	}

	view := session.Snapshot()
	formats := opts.formats
	if len(formats) == 0 {
		formats = view.Formats.Sorted()
	}
	written, err := exportAll(ctx, session, formats, opts.outDir)
	if err != nil {
		notify(failurePayload(h, err))
		return err
	}
	for _, path := range written {
		logger.Info("export written", "job_id", h, "path", path)
	}
	notify(webhook.Payload{JobID: string(h), Event: "exported", State: string(job.StateReady), Formats: formatNames(formats)})

	if opts.print {
		fmt.Fprintln(stdout, view.ServerText)
	}
	return nil
}

// exportAll downloads the formats concurrently and writes each artifact to dir.
func exportAll(ctx context.Context, s *workflow.Session, formats []job.Format, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	paths := make([]string, len(formats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, f := range formats {
		g.Go(func() error {
			a, err := s.ExportAs(gctx, f)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, a.Name)
			if err := os.WriteFile(path, a.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			paths[i] = path
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func logEvents(logger *slog.Logger, events <-chan workflow.Event) {
	for ev := range events {
		attrs := []any{"event", ev.Type, "job_id", ev.Handle, "state", ev.State}
		switch ev.Type {
		case workflow.EventRetrying:
			logger.Info("still processing", append(attrs, "attempt", ev.Attempt, "retry_in", ev.Delay)...)
		case workflow.EventFailed:
			logger.Warn("workflow step failed", append(attrs, "format", ev.Format, "error", ev.Err)...)
		case workflow.EventExported:
			logger.Info("exported", append(attrs, "format", ev.Format)...)
		default:
			logger.Info("workflow event", attrs...)
		}
	}
}

func failurePayload(h job.Handle, err error) webhook.Payload {
	return webhook.Payload{
		JobID: string(h),
		Event: "failed",
		State: string(job.StateError),
		Error: err.Error(),
	}
}

func formatNames(fs []job.Format) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
