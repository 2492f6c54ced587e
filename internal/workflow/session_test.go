package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ocrgate/ocrgate/internal/backend"
	"github.com/ocrgate/ocrgate/internal/job"
)

func TestSubmit_AllowedTypes(t *testing.T) {
	t.Parallel()
	for _, mt := range []string{"image/jpeg", "image/png", "image/bmp", "application/pdf", "IMAGE/PNG; charset=binary"} {
		t.Run(mt, func(t *testing.T) {
			t.Parallel()
			fb := newFake()
			s := New(fb, testPolicy())

			h, err := s.Submit(context.Background(), "doc", []byte("data"), mt)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if h != "job-123" {
				t.Errorf("handle = %q, want job-123", h)
			}
			if submits, _, _, _ := fb.counts(); submits != 1 {
				t.Errorf("submits = %d, want 1", submits)
			}
			if v := s.Snapshot(); v.State != job.StateProcessing || v.Handle != "job-123" {
				t.Errorf("snapshot = %+v", v)
			}
		})
	}
}

func TestSubmit_RejectsBeforeSending(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		mime string
	}{
		{"gif", []byte("GIF89a"), "image/gif"},
		{"text", []byte("hello"), "text/plain"},
		{"empty mime", []byte("data"), ""},
		{"empty file", nil, "image/png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fb := newFake()
			s := New(fb, testPolicy())

			_, err := s.Submit(context.Background(), "doc", tt.data, tt.mime)
			if !errors.Is(err, job.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if submits, _, _, _ := fb.counts(); submits != 0 {
				t.Errorf("submits = %d, want 0", submits)
			}
			if st := s.Snapshot().State; st != job.StateIdle {
				t.Errorf("state = %s, want idle", st)
			}
		})
	}
}

func TestSubmit_RequiresIdle(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := New(fb, testPolicy())
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	_, err := s.Submit(context.Background(), "b.png", []byte("y"), "image/png")
	if !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
	if submits, _, _, _ := fb.counts(); submits != 1 {
		t.Errorf("submits = %d, want 1", submits)
	}

	s.Reset()
	if _, err := s.Submit(context.Background(), "b.png", []byte("y"), "image/png"); err != nil {
		t.Fatalf("Submit after Reset: %v", err)
	}
}

func TestSubmit_UploadFailure(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.submitErr = &backend.StatusError{Op: "submit", Code: 413, Msg: "file too large"}
	s := New(fb, testPolicy())
	events := s.Subscribe()

	_, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png")
	if !errors.Is(err, job.ErrUpload) {
		t.Fatalf("err = %v, want upload error", err)
	}
	if !strings.Contains(err.Error(), "file too large") {
		t.Errorf("underlying message lost: %v", err)
	}
	v := s.Snapshot()
	if v.State != job.StateError || !errors.Is(v.Err, job.ErrUpload) {
		t.Errorf("snapshot = %+v", v)
	}
	if submits, _, _, _ := fb.counts(); submits != 1 {
		t.Errorf("submits = %d, want 1 (no retry)", submits)
	}

	var states []job.State
	failed := false
	for _, ev := range collect(events) {
		switch ev.Type {
		case EventState:
			states = append(states, ev.State)
		case EventFailed:
			failed = true
		}
	}
	if len(states) != 2 || states[0] != job.StateUploading || states[1] != job.StateError {
		t.Errorf("state events = %v, want [uploading error]", states)
	}
	if !failed {
		t.Error("no failed event")
	}
}

func TestAwaitReady_ProcessingThenReady(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.notReady = 2
	s := New(fb, testPolicy())
	events := s.Subscribe()
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	r, err := s.AwaitReady(context.Background())
	if err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if r.Text != "Hello" || len(r.Formats) != 2 || !r.Formats.Has("txt") || !r.Formats.Has("pdf") {
		t.Errorf("ready = %+v", r)
	}
	_, previews, outputs, _ := fb.counts()
	if previews > 3 {
		t.Errorf("previews = %d, want at most 3", previews)
	}
	if outputs != 1 {
		t.Errorf("outputs = %d, want 1", outputs)
	}
	v := s.Snapshot()
	if v.State != job.StateReady || v.Draft != "Hello" || v.ServerText != "Hello" || v.Dirty {
		t.Errorf("snapshot = %+v", v)
	}

	retrying, ready := 0, 0
	for _, ev := range collect(events) {
		switch ev.Type {
		case EventRetrying:
			retrying++
		case EventReady:
			ready++
		case EventFailed:
			t.Errorf("unexpected failed event: %+v", ev)
		}
	}
	if retrying != 2 || ready != 1 {
		t.Errorf("retrying = %d, ready = %d, want 2 and 1", retrying, ready)
	}

	again, err := s.AwaitReady(context.Background())
	if err != nil || again.Text != "Hello" {
		t.Errorf("second AwaitReady = %+v, %v", again, err)
	}
	if _, previews2, _, _ := fb.counts(); previews2 != previews {
		t.Error("AwaitReady on a ready job polled again")
	}
}

func TestAwaitReady_RequiresSubmission(t *testing.T) {
	t.Parallel()
	s := New(newFake(), testPolicy())
	if _, err := s.AwaitReady(context.Background()); !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
}

func TestAwaitReady_ProcessingFailure(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.previewErr = &backend.StatusError{Op: "preview", Code: 500, Msg: "recognizer crashed"}
	s := New(fb, testPolicy())
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err := s.AwaitReady(context.Background())
	if !errors.Is(err, job.ErrProcessing) {
		t.Fatalf("err = %v, want processing error", err)
	}
	if !strings.Contains(err.Error(), "recognizer crashed") {
		t.Errorf("message lost: %v", err)
	}
	if st := s.Snapshot().State; st != job.StateError {
		t.Errorf("state = %s, want error", st)
	}
}

func TestAwaitReady_Timeout(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.notReady = 1 << 30
	policy := testPolicy()
	policy.MaxAttempts = 3
	s := New(fb, policy)
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := s.AwaitReady(context.Background()); !errors.Is(err, job.ErrTimeout) {
		t.Fatalf("err = %v, want timeout error", err)
	}
	if st := s.Snapshot().State; st != job.StateError {
		t.Errorf("state = %s, want error", st)
	}
}

func TestAwaitReady_CallerCancelKeepsProcessing(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.notReady = 1 << 30
	policy := testPolicy()
	policy.Interval, policy.MaxInterval = time.Hour, time.Hour
	s := New(fb, policy)
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := s.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ev := range events {
			if ev.Type == EventRetrying {
				cancel()
				return
			}
		}
	}()

	_, err := s.AwaitReady(ctx)
	if !errors.Is(err, context.Canceled) || job.KindOf(err) != job.KindCanceled {
		t.Fatalf("err = %v, want canceled error wrapping context.Canceled", err)
	}
	if st := s.Snapshot().State; st != job.StateProcessing {
		t.Errorf("state = %s, want processing", st)
	}
}

func TestReset_DuringRetryWait(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.notReady = 1 << 30
	policy := testPolicy()
	policy.Interval, policy.MaxInterval = time.Hour, time.Hour
	s := New(fb, policy)
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := s.Subscribe()
	go func() {
		for ev := range events {
			if ev.Type == EventRetrying {
				s.Reset()
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := s.AwaitReady(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, job.ErrState) {
			t.Fatalf("err = %v, want state error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not stop the pending poll")
	}
	if v := s.Snapshot(); v.State != job.StateIdle || v.Handle != "" {
		t.Errorf("snapshot = %+v, want idle without handle", v)
	}
}

func TestReset_LateResultIsDiscarded(t *testing.T) {
	t.Parallel()
	fb := newFake()
	gate := make(chan struct{})
	fb.previewGate = gate
	fb.previewEntered = make(chan struct{})
	s := New(fb, testPolicy())
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.AwaitReady(context.Background())
		done <- err
	}()

	<-fb.previewEntered
	s.Reset()
	close(gate)

	if err := <-done; !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
	v := s.Snapshot()
	if v.State != job.StateIdle || v.ServerText != "" || v.Draft != "" || v.Formats != nil {
		t.Errorf("late response mutated the session: %+v", v)
	}
}

func TestUpdateDraft_IsLocal(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)

	s.UpdateDraft("Hello world")
	v := s.Snapshot()
	if v.Draft != "Hello world" || v.ServerText != "Hello" || !v.Dirty {
		t.Errorf("snapshot = %+v", v)
	}
	if fb.lastEdit() != "" {
		t.Error("UpdateDraft contacted the backend")
	}
}

func TestCommit_RequiresReady(t *testing.T) {
	t.Parallel()
	s := New(newFake(), testPolicy())
	s.UpdateDraft("text")
	if err := s.Commit(context.Background()); !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
}

func TestCommit_RefreshesFormats(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.formatsAfterEdit = job.Formats{"txt": "", "pdf": "", "docx": ""}
	s := readySession(t, fb)
	events := s.Subscribe()

	s.UpdateDraft("Hello world")
	if err := s.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := fb.lastEdit(); got != "Hello world" {
		t.Errorf("backend text = %q", got)
	}
	v := s.Snapshot()
	if v.ServerText != "Hello world" || v.Draft != "Hello world" || v.Dirty {
		t.Errorf("snapshot = %+v", v)
	}
	if v.FormatsStale || len(v.Formats) != 3 || !v.Formats.Has("docx") {
		t.Errorf("formats = %v (stale %v)", v.Formats, v.FormatsStale)
	}

	committed := false
	for _, ev := range collect(events) {
		if ev.Type == EventCommitted {
			committed = true
		}
	}
	if !committed {
		t.Error("no committed event")
	}
}

func TestCommit_FailureKeepsDraft(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	fb.mu.Lock()
	fb.editErr = &backend.StatusError{Op: "edit", Code: 500, Msg: "disk full"}
	fb.mu.Unlock()

	s.UpdateDraft("Hello world")
	err := s.Commit(context.Background())
	if !errors.Is(err, job.ErrCommit) {
		t.Fatalf("err = %v, want commit error", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("message lost: %v", err)
	}
	v := s.Snapshot()
	if v.Draft != "Hello world" || v.ServerText != "Hello" || v.State != job.StateReady {
		t.Errorf("snapshot = %+v", v)
	}
}

func TestCommit_OutputsFailureIsProcessing(t *testing.T) {
	t.Parallel()
	fb := newFake()
	fb.outputsAfterErr = errors.New("renderer offline")
	s := readySession(t, fb)

	s.UpdateDraft("Hello world")
	err := s.Commit(context.Background())
	if !errors.Is(err, job.ErrProcessing) {
		t.Fatalf("err = %v, want processing error", err)
	}
	v := s.Snapshot()
	if v.ServerText != "Hello world" {
		t.Errorf("server text = %q, want saved text", v.ServerText)
	}
	if !v.FormatsStale {
		t.Error("formats should stay stale after a failed refresh")
	}
}

func TestCommit_LastCallWins(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.mu.Unlock()

	errA := make(chan error, 1)
	s.UpdateDraft("A")
	go func() { errA <- s.Commit(context.Background()) }()
	if got := <-entered; got != "A" {
		t.Fatalf("first edit = %q, want A", got)
	}

	errB := make(chan error, 1)
	s.UpdateDraft("B")
	go func() { errB <- s.Commit(context.Background()) }()

	// B must not reach the backend while A is outstanding.
	time.Sleep(20 * time.Millisecond)
	if got := fb.lastEdit(); got != "" {
		t.Fatalf("edit %q reached the backend before A completed", got)
	}
	close(gate)

	if err := <-errA; err != nil {
		t.Fatalf("commit A: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("commit B: %v", err)
	}
	if got := fb.lastEdit(); got != "B" {
		t.Errorf("backend final text = %q, want B", got)
	}
	if v := s.Snapshot(); v.ServerText != "B" || v.Draft != "B" {
		t.Errorf("snapshot = %+v", v)
	}
}

func TestCommit_DraftEditedDuringCommitIsKept(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.mu.Unlock()

	s.UpdateDraft("first")
	done := make(chan error, 1)
	go func() { done <- s.Commit(context.Background()) }()
	<-entered

	s.UpdateDraft("first and more")
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v := s.Snapshot()
	if v.ServerText != "first" {
		t.Errorf("server text = %q, want the snapshot", v.ServerText)
	}
	if v.Draft != "first and more" || !v.Dirty {
		t.Errorf("draft = %q, newer edit was overwritten", v.Draft)
	}
}

func TestCommit_CancelledWaiterKeepsOrder(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.mu.Unlock()

	s.UpdateDraft("A")
	errA := make(chan error, 1)
	go func() { errA <- s.Commit(context.Background()) }()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	s.UpdateDraft("B")
	errB := make(chan error, 1)
	go func() { errB <- s.Commit(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errB; !errors.Is(err, context.Canceled) {
		t.Fatalf("commit B err = %v, want context.Canceled", err)
	}

	s.UpdateDraft("C")
	errC := make(chan error, 1)
	go func() { errC <- s.Commit(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	if got := fb.lastEdit(); got != "" {
		t.Fatalf("edit %q overtook the outstanding commit", got)
	}
	close(gate)

	if err := <-errA; err != nil {
		t.Fatalf("commit A: %v", err)
	}
	if err := <-errC; err != nil {
		t.Fatalf("commit C: %v", err)
	}
	if got := fb.lastEdit(); got != "C" {
		t.Errorf("backend final text = %q, want C", got)
	}
}

func TestExportAs_BeforeReady(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := New(fb, testPolicy())
	if _, err := s.ExportAs(context.Background(), "pdf"); !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
	if _, err := s.Submit(context.Background(), "a.png", []byte("x"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.ExportAs(context.Background(), "pdf"); !errors.Is(err, job.ErrState) {
		t.Fatalf("err while processing = %v, want state error", err)
	}
	if _, _, _, downloads := fb.counts(); downloads != 0 {
		t.Errorf("downloads = %d, want 0", downloads)
	}
}

func TestExportAs_AbsentFormatSendsNothing(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)

	_, err := s.ExportAs(context.Background(), "docx")
	if !errors.Is(err, job.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if _, _, _, downloads := fb.counts(); downloads != 0 {
		t.Errorf("downloads = %d, want 0", downloads)
	}
}

func TestExportAs_Artifact(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)

	a, err := s.ExportAs(context.Background(), "pdf")
	if err != nil {
		t.Fatalf("ExportAs: %v", err)
	}
	if a.Name != "document.pdf" || a.Format != "pdf" || a.ContentType != "application/pdf" {
		t.Errorf("artifact = %+v", a)
	}
	if string(a.Data) != "%PDF-1.4 Hello" {
		t.Errorf("data = %q", a.Data)
	}
}

func TestExportAs_DownloadFailure(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	fb.mu.Lock()
	fb.downloadErr = errors.New("connection reset")
	fb.mu.Unlock()

	_, err := s.ExportAs(context.Background(), "txt")
	if !errors.Is(err, job.ErrExport) {
		t.Fatalf("err = %v, want export error", err)
	}
	if st := s.Snapshot().State; st != job.StateReady {
		t.Errorf("state = %s, want ready", st)
	}
}

func TestExportAs_WaitsForCommit(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.artifacts["pdf"] = []byte("%PDF-1.4 Hello world")
	fb.mu.Unlock()

	s.UpdateDraft("Hello world")
	commitErr := make(chan error, 1)
	go func() { commitErr <- s.Commit(context.Background()) }()
	<-entered

	type result struct {
		a   job.Artifact
		err error
	}
	exported := make(chan result, 1)
	go func() {
		a, err := s.ExportAs(context.Background(), "pdf")
		exported <- result{a, err}
	}()
	time.Sleep(20 * time.Millisecond)
	if _, _, _, downloads := fb.counts(); downloads != 0 {
		t.Fatalf("downloads = %d while the edit was in flight, want 0", downloads)
	}

	close(gate)
	if err := <-commitErr; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	r := <-exported
	if r.err != nil {
		t.Fatalf("ExportAs: %v", r.err)
	}
	if string(r.a.Data) != "%PDF-1.4 Hello world" {
		t.Errorf("data = %q", r.a.Data)
	}
	if _, _, outputs, _ := fb.counts(); outputs != 2 {
		t.Errorf("outputs calls = %d, want 2 (ready + refresh before download)", outputs)
	}
}

func TestExportAs_FormatAddedByPendingCommit(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.formatsAfterEdit = job.Formats{"txt": "", "pdf": "", "docx": ""}
	fb.artifacts["docx"] = []byte("PK docx")
	fb.mu.Unlock()

	commitErr := make(chan error, 1)
	go func() { commitErr <- s.Commit(context.Background()) }()
	<-entered

	exportErr := make(chan error, 1)
	go func() {
		_, err := s.ExportAs(context.Background(), "docx")
		exportErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(gate)

	if err := <-commitErr; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := <-exportErr; err != nil {
		t.Fatalf("ExportAs(docx): %v", err)
	}
}

func TestExportAs_CancelWhileWaitingForCommit(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.mu.Unlock()

	commitErr := make(chan error, 1)
	go func() { commitErr <- s.Commit(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.ExportAs(ctx, "txt")
	if !errors.Is(err, job.ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want canceled error", err)
	}
	close(gate)
	if err := <-commitErr; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, _, _, downloads := fb.counts(); downloads != 0 {
		t.Errorf("downloads = %d, want 0", downloads)
	}
}

func TestCommit_WaitsForEarlierExport(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	fb.mu.Lock()
	fb.downloadGate = make(chan struct{})
	fb.downloadEntered = make(chan struct{})
	gate, entered := fb.downloadGate, fb.downloadEntered
	fb.mu.Unlock()

	exportErr := make(chan error, 1)
	go func() {
		_, err := s.ExportAs(context.Background(), "txt")
		exportErr <- err
	}()
	<-entered

	s.UpdateDraft("Hello world")
	commitErr := make(chan error, 1)
	go func() { commitErr <- s.Commit(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	if got := fb.lastEdit(); got != "" {
		t.Fatalf("edit %q sent while a download was in flight", got)
	}

	close(gate)
	if err := <-exportErr; err != nil {
		t.Fatalf("ExportAs: %v", err)
	}
	if err := <-commitErr; err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := fb.lastEdit(); got != "Hello world" {
		t.Errorf("backend text = %q, want Hello world", got)
	}
}

func TestReset_DuringCommit(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	gate := make(chan struct{})
	entered := make(chan string, 1)
	fb.mu.Lock()
	fb.editGate = gate
	fb.editEntered = entered
	fb.mu.Unlock()
	_, _, outputsBefore, _ := fb.counts()

	s.UpdateDraft("Hello world")
	done := make(chan error, 1)
	go func() { done <- s.Commit(context.Background()) }()
	<-entered

	s.Reset()
	close(gate)

	if err := <-done; !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
	v := s.Snapshot()
	if v.State != job.StateIdle || v.ServerText != "" || v.Draft != "" || v.Formats != nil {
		t.Errorf("late edit response mutated the session: %+v", v)
	}
	if _, _, outputs, _ := fb.counts(); outputs != outputsBefore {
		t.Errorf("outputs calls = %d, want %d (no refresh after reset)", outputs, outputsBefore)
	}
}

func TestReset_DuringExport(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	fb.mu.Lock()
	fb.downloadGate = make(chan struct{})
	fb.downloadEntered = make(chan struct{})
	gate, entered := fb.downloadGate, fb.downloadEntered
	fb.mu.Unlock()
	events := s.Subscribe()

	done := make(chan error, 1)
	go func() {
		_, err := s.ExportAs(context.Background(), "pdf")
		done <- err
	}()
	<-entered

	s.Reset()
	close(gate)

	if err := <-done; !errors.Is(err, job.ErrState) {
		t.Fatalf("err = %v, want state error", err)
	}
	if st := s.Snapshot().State; st != job.StateIdle {
		t.Errorf("state = %s, want idle", st)
	}
	for _, ev := range collect(events) {
		if ev.Type == EventExported {
			t.Errorf("exported event after reset: %+v", ev)
		}
	}
}

func TestReset_ClearsEverything(t *testing.T) {
	t.Parallel()
	fb := newFake()
	s := readySession(t, fb)
	events := s.Subscribe()
	s.UpdateDraft("edited")

	s.Reset()
	v := s.Snapshot()
	if v.State != job.StateIdle || v.Handle != "" || v.Draft != "" || v.ServerText != "" || v.Formats != nil {
		t.Errorf("snapshot after Reset = %+v", v)
	}
	evs := collect(events)
	if len(evs) != 1 || evs[0].Type != EventReset || evs[0].Handle != "job-123" {
		t.Errorf("events = %+v, want one reset event for job-123", evs)
	}
	if _, err := s.ExportAs(context.Background(), "txt"); !errors.Is(err, job.ErrState) {
		t.Errorf("ExportAs after Reset err = %v, want state error", err)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	t.Parallel()
	s := New(newFake(), testPolicy())
	ch := s.Subscribe()
	s.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	// Events after unsubscribing must not panic.
	s.Reset()
}
