// Package workflow drives one OCR job from upload to export.
//
// A Session owns at most one job handle. Every asynchronous operation captures the
// session generation when it starts; Reset bumps the generation, so results that
// arrive afterwards change nothing and resolve with a state error.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/obs"
	"github.com/ocrgate/ocrgate/internal/poller"
)

// Backend is the OCR service as seen by a Session.
type Backend interface {
	poller.API
	Submit(ctx context.Context, name string, data []byte, mimeType string) (job.Handle, error)
	Edit(ctx context.Context, h job.Handle, text string) error
	Download(ctx context.Context, h job.Handle, f job.Format) ([]byte, string, error)
}

var errReset = errors.New("workflow was reset")

// Ready is the outcome of a job that finished processing.
type Ready struct {
	Handle  job.Handle
	Text    string
	Formats job.Formats
}

// View is a point-in-time copy of the session state.
type View struct {
	State        job.State
	Handle       job.Handle
	ServerText   string
	Draft        string
	Dirty        bool
	Formats      job.Formats
	FormatsStale bool
	Err          error
}

// Session is the explicit workflow object. It is safe for concurrent use.
type Session struct {
	api    Backend
	policy poller.Policy
	logger *slog.Logger
	tracer trace.Tracer

	mu           sync.Mutex
	gen          uint64
	state        job.State
	handle       job.Handle
	serverText   string
	draft        string
	draftRev     uint64
	formats      job.Formats
	formatsStale bool
	lastErr      error
	pollCancel   context.CancelFunc
	commitTail   chan struct{}
	exporting    []chan struct{}
	subs         []chan Event
}

// New creates an idle Session.
func New(api Backend, policy poller.Policy) *Session {
	return &Session{
		api:    api,
		policy: policy,
		logger: slog.Default().With("component", "workflow"),
		tracer: obs.Tracer("ocrgate/workflow"),
		state:  job.StateIdle,
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		State:        s.state,
		Handle:       s.handle,
		ServerText:   s.serverText,
		Draft:        s.draft,
		Dirty:        s.draft != s.serverText,
		Formats:      s.formats.Clone(),
		FormatsStale: s.formatsStale,
		Err:          s.lastErr,
	}
}

// Submit validates and uploads a document. It is only valid while idle; the
// request is sent exactly once and never retried.
func (s *Session) Submit(ctx context.Context, name string, data []byte, mimeType string) (h job.Handle, err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.submit", trace.WithAttributes(
		attribute.String("file.name", name),
		attribute.String("file.mime_type", mimeType),
		attribute.Int("file.size", len(data)),
	))
	defer func() { endSpan(span, err) }()

	if err := job.ValidateUpload(data, mimeType); err != nil {
		return "", job.NewError(job.KindValidation, "submit", "", err)
	}

	s.mu.Lock()
	if s.state != job.StateIdle {
		st := s.state
		s.mu.Unlock()
		return "", job.Errorf(job.KindState, "submit", "", "cannot submit in state %s: reset first", st)
	}
	gen := s.gen
	s.lastErr = nil
	s.setState(job.StateUploading)
	s.mu.Unlock()

	h, upErr := s.api.Submit(ctx, name, data, job.NormalizeMIME(mimeType))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return "", job.NewError(job.KindState, "submit", h, errReset)
	}
	if upErr != nil {
		err := job.NewError(job.KindUpload, "submit", "", upErr)
		s.failLocked(err)
		return "", err
	}
	s.handle = h
	span.SetAttributes(attribute.String("job.id", string(h)))
	s.logger.InfoContext(ctx, "document submitted", "job_id", h, "file", name, "size", len(data))
	s.setState(job.StateProcessing)
	return h, nil
}

// AwaitReady polls until the submitted job is ready and stores its text and export
// formats. Cancelling ctx stops polling and leaves the job in processing, so
// AwaitReady may be called again. A job that is already ready returns immediately.
func (s *Session) AwaitReady(ctx context.Context) (r Ready, err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.await_ready")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	switch {
	case s.state == job.StateReady:
		r = Ready{Handle: s.handle, Text: s.serverText, Formats: s.formats.Clone()}
		s.mu.Unlock()
		return r, nil
	case s.state != job.StateProcessing:
		st := s.state
		s.mu.Unlock()
		return Ready{}, job.Errorf(job.KindState, "await", "", "no job is processing (state %s)", st)
	case s.pollCancel != nil:
		h := s.handle
		s.mu.Unlock()
		return Ready{}, job.Errorf(job.KindState, "await", h, "already awaiting this job")
	}
	gen, h := s.gen, s.handle
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.mu.Unlock()
	defer cancel()

	span.SetAttributes(attribute.String("job.id", string(h)))
	res, pollErr := poller.New(s.api, s.policy).Await(pollCtx, h, func(rt poller.Retry) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen == gen {
			s.emit(Event{Type: EventRetrying, State: job.StateProcessing, Attempt: rt.Attempt, Delay: rt.Delay})
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return Ready{}, job.NewError(job.KindState, "await", h, errReset)
	}
	s.pollCancel = nil
	if pollErr != nil {
		if ctx.Err() != nil {
			return Ready{}, job.NewError(job.KindCanceled, "await", h, ctx.Err())
		}
		s.failLocked(pollErr)
		return Ready{}, pollErr
	}

	s.serverText = res.Text
	s.draft = res.Text
	s.draftRev++
	s.formats = res.Formats.Clone()
	s.formatsStale = false
	s.setState(job.StateReady)
	s.emit(Event{Type: EventReady, State: job.StateReady, Attempt: res.Attempts})
	span.SetAttributes(attribute.Int("poll.attempts", res.Attempts))
	return Ready{Handle: h, Text: res.Text, Formats: res.Formats.Clone()}, nil
}

// UpdateDraft replaces the local draft. It never contacts the backend.
func (s *Session) UpdateDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.draftRev++
	s.mu.Unlock()
}

// Commit sends the draft, as it is at call time, to the backend. Commits from one
// session reach the backend in call order, so the last commit called wins. On
// success the export formats are re-fetched; a failed re-fetch is a processing
// error even though the text was saved.
func (s *Session) Commit(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.commit")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	if s.state != job.StateReady {
		st := s.state
		s.mu.Unlock()
		return job.Errorf(job.KindState, "commit", "", "job is not ready (state %s)", st)
	}
	gen, h := s.gen, s.handle
	text, rev := s.draft, s.draftRev
	// Wait for the previous commit and for exports that started before this one.
	waitFor := append(s.exporting, s.commitTail)
	s.exporting = nil
	mine := make(chan struct{})
	s.commitTail = mine
	s.mu.Unlock()

	span.SetAttributes(attribute.String("job.id", string(h)))
	if err := awaitAll(ctx, waitFor); err != nil {
		// Later commits still wait for the ones before this one.
		go func() {
			drainAll(waitFor)
			close(mine)
		}()
		return job.NewError(job.KindCanceled, "commit", h, err)
	}
	defer close(mine)

	if !s.current(gen) {
		return job.NewError(job.KindState, "commit", h, errReset)
	}

	editErr := s.api.Edit(ctx, h, text)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return job.NewError(job.KindState, "commit", h, errReset)
	}
	if editErr != nil {
		err := job.NewError(job.KindCommit, "commit", h, editErr)
		s.lastErr = err
		s.emit(Event{Type: EventFailed, State: s.state, Err: err})
		s.mu.Unlock()
		return err
	}
	s.serverText = text
	if s.draftRev == rev {
		s.draft = text
	}
	s.formatsStale = true
	s.lastErr = nil
	s.emit(Event{Type: EventCommitted, State: s.state})
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "draft committed", "job_id", h, "length", len(text))

	formats, outErr := s.api.Outputs(ctx, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return job.NewError(job.KindState, "commit", h, errReset)
	}
	if outErr != nil {
		err := job.NewError(job.KindProcessing, "outputs", h, outErr)
		s.lastErr = err
		s.emit(Event{Type: EventFailed, State: s.state, Err: err})
		return err
	}
	s.formats = formats.Clone()
	s.formatsStale = false
	return nil
}

// ExportAs downloads the artifact for one format. The format must be in the
// last fetched export set. An export waits for commits called before it, and
// commits called later wait for the export. Exports may run concurrently with
// each other.
func (s *Session) ExportAs(ctx context.Context, f job.Format) (a job.Artifact, err error) {
	ctx, span := s.tracer.Start(ctx, "workflow.export", trace.WithAttributes(attribute.String("export.format", string(f))))
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	if s.state != job.StateReady {
		st := s.state
		s.mu.Unlock()
		return job.Artifact{}, job.Errorf(job.KindState, "export", "", "job never reached ready (state %s)", st)
	}
	gen, h := s.gen, s.handle
	tail := s.commitTail
	// A commit in flight may add the format when it refreshes the set.
	if !s.formats.Has(f) && !pending(tail) {
		s.mu.Unlock()
		return job.Artifact{}, job.Errorf(job.KindValidation, "export", h, "format %q is not available", f)
	}
	done := make(chan struct{})
	s.exporting = append(s.exporting, done)
	s.mu.Unlock()
	defer s.finishExport(done)

	if tail != nil {
		select {
		case <-tail:
		case <-ctx.Done():
			return job.Artifact{}, job.NewError(job.KindCanceled, "export", h, ctx.Err())
		}
		s.mu.Lock()
		switch {
		case s.gen != gen:
			s.mu.Unlock()
			return job.Artifact{}, job.NewError(job.KindState, "export", h, errReset)
		case !s.formats.Has(f):
			s.mu.Unlock()
			return job.Artifact{}, job.Errorf(job.KindValidation, "export", h, "format %q is not available", f)
		}
		s.mu.Unlock()
	}

	data, contentType, dlErr := s.api.Download(ctx, h, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return job.Artifact{}, job.NewError(job.KindState, "export", h, errReset)
	}
	if dlErr != nil {
		err := job.NewError(job.KindExport, "export", h, dlErr)
		s.emit(Event{Type: EventFailed, State: s.state, Format: f, Err: err})
		return job.Artifact{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	s.emit(Event{Type: EventExported, State: s.state, Format: f})
	return job.Artifact{
		Format:      f,
		Name:        job.DocumentName(f),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// Reset abandons the current job. Pending polls stop and in-flight results are
// discarded when they arrive.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	h := s.handle
	s.handle = ""
	s.serverText = ""
	s.draft = ""
	s.draftRev++
	s.formats = nil
	s.formatsStale = false
	s.lastErr = nil
	s.commitTail = nil
	s.exporting = nil
	s.state = job.StateIdle
	obs.RecordTransition(string(job.StateIdle))
	s.emit(Event{Type: EventReset, Handle: h, State: job.StateIdle})
}

// finishExport releases commits waiting on an export.
func (s *Session) finishExport(done chan struct{}) {
	s.mu.Lock()
	s.exporting = slices.DeleteFunc(s.exporting, func(c chan struct{}) bool { return c == done })
	s.mu.Unlock()
	close(done)
}

func pending(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

// awaitAll waits until every non-nil channel is closed or ctx is done.
func awaitAll(ctx context.Context, chs []chan struct{}) error {
	for _, ch := range chs {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func drainAll(chs []chan struct{}) {
	for _, ch := range chs {
		if ch != nil {
			<-ch
		}
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// setState must be called with s.mu held.
func (s *Session) setState(st job.State) {
	s.state = st
	obs.RecordTransition(string(st))
	s.emit(Event{Type: EventState, State: st})
}

// failLocked moves the session to error. s.mu must be held.
func (s *Session) failLocked(err error) {
	s.lastErr = err
	s.setState(job.StateError)
	s.emit(Event{Type: EventFailed, State: job.StateError, Err: err})
	s.logger.Warn("workflow failed", "job_id", s.handle, "kind", job.KindOf(err), "error", err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
