package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ocrgate/ocrgate/internal/backend"
	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/obs"
)

// API is the slice of the backend the poller needs.
type API interface {
	Preview(ctx context.Context, h job.Handle) (string, error)
	Outputs(ctx context.Context, h job.Handle) (job.Formats, error)
}

// Policy bounds the polling loop. A zero MaxAttempts or Timeout disables that bound.
type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPolicy starts at the 2s cadence the web editor used and backs off to 15s.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    2 * time.Second,
		MaxInterval: 15 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 120,
		Timeout:     10 * time.Minute,
	}
}

// Delay returns the wait after the given (1-based) not-ready attempt:
// min(MaxInterval, Interval * Multiplier^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Interval
	if d <= 0 {
		d = time.Second
	}
	limit := p.MaxInterval
	if limit < d {
		limit = d
	}
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * m)
		if d >= limit {
			return limit
		}
	}
	return d
}

// Retry describes one scheduled re-poll.
type Retry struct {
	Attempt int
	Delay   time.Duration
}

// Result is the outcome of a job that reached ready.
type Result struct {
	Text     string
	Formats  job.Formats
	Attempts int
}

// Poller waits for a submitted job to become ready.
type Poller struct {
	api    API
	policy Policy
	logger *slog.Logger
}

func New(api API, policy Policy) *Poller {
	return &Poller{
		api:    api,
		policy: policy,
		logger: slog.Default().With("component", "poller"),
	}
}

// Await polls the preview endpoint until the job is ready, then fetches its outputs.
// A 202 schedules another attempt after Policy.Delay; any other failure resolves
// immediately with a processing error. onRetry, when non-nil, is called before each wait.
// Cancelling ctx stops pending waits and returns ctx.Err().
func (p *Poller) Await(ctx context.Context, h job.Handle, onRetry func(Retry)) (Result, error) {
	pollCtx := ctx
	if p.policy.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.policy.Timeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		text, err := p.api.Preview(pollCtx, h)
		switch {
		case err == nil:
			obs.RecordPollAttempt("ready")
			// Outputs are only fetched once ready has been observed.
			formats, err := p.api.Outputs(pollCtx, h)
			if err != nil {
				return Result{}, p.fail(ctx, pollCtx, "outputs", h, attempt, err)
			}
			p.logger.InfoContext(ctx, "job ready", "job_id", h, "attempts", attempt, "formats", len(formats))
			return Result{Text: text, Formats: formats, Attempts: attempt}, nil
		case errors.Is(err, backend.ErrNotReady):
			obs.RecordPollAttempt("not_ready")
		default:
			obs.RecordPollAttempt("error")
			return Result{}, p.fail(ctx, pollCtx, "preview", h, attempt, err)
		}

		if p.policy.MaxAttempts > 0 && attempt >= p.policy.MaxAttempts {
			return Result{}, job.Errorf(job.KindTimeout, "await", h, "job not ready after %d attempts", attempt)
		}

		delay := p.policy.Delay(attempt)
		p.logger.DebugContext(ctx, "job not ready", "job_id", h, "attempt", attempt, "retry_in", delay)
		if onRetry != nil {
			onRetry(Retry{Attempt: attempt, Delay: delay})
		}

		timer := time.NewTimer(delay)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return Result{}, p.fail(ctx, pollCtx, "wait", h, attempt, pollCtx.Err())
		case <-timer.C:
		}
	}
}

// fail classifies an error: caller cancellation passes through untouched, the
// policy deadline becomes a timeout, everything else is a processing failure.
func (p *Poller) fail(parent, pollCtx context.Context, op string, h job.Handle, attempt int, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		return job.Errorf(job.KindTimeout, "await", h, "job not ready after %s (%d attempts)", p.policy.Timeout, attempt)
	}
	p.logger.WarnContext(parent, "poll failed", "job_id", h, "op", op, "attempt", attempt, "error", err)
	return job.NewError(job.KindProcessing, op, h, err)
}
