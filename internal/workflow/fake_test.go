package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ocrgate/ocrgate/internal/backend"
	"github.com/ocrgate/ocrgate/internal/job"
	"github.com/ocrgate/ocrgate/internal/poller"
)

// fakeBackend is an in-process Backend with scripted answers and call counters.
type fakeBackend struct {
	mu sync.Mutex

	handle    job.Handle
	submitErr error
	submits   int

	notReady   int
	text       string
	previewErr error
	previews   int
	// previewGate, when set, holds the first ready preview until closed.
	previewGate    chan struct{}
	previewEntered chan struct{}

	formats          job.Formats
	formatsAfterEdit job.Formats
	outputsErr       error
	outputsAfterErr  error
	outputs          int

	edits   []string
	editErr error
	// editGate, when set, holds the first edit until closed.
	editGate    chan struct{}
	editEntered chan string

	artifacts   map[job.Format][]byte
	downloadErr error
	downloads   int
	// downloadGate, when set, holds the first download until closed.
	downloadGate    chan struct{}
	downloadEntered chan struct{}
}

func newFake() *fakeBackend {
	return &fakeBackend{
		handle:  "job-123",
		text:    "Hello",
		formats: job.Formats{"txt": "", "pdf": ""},
		artifacts: map[job.Format][]byte{
			"txt": []byte("Hello"),
			"pdf": []byte("%PDF-1.4 Hello"),
		},
	}
}

func (f *fakeBackend) Submit(ctx context.Context, name string, data []byte, mimeType string) (job.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.handle, nil
}

func (f *fakeBackend) Preview(ctx context.Context, h job.Handle) (string, error) {
	f.mu.Lock()
	f.previews++
	n := f.previews
	gate, entered := f.previewGate, f.previewEntered
	f.previewGate = nil
	f.mu.Unlock()

	if f.previewErr != nil {
		return "", f.previewErr
	}
	if n <= f.notReady {
		return "", backend.ErrNotReady
	}
	if gate != nil {
		if entered != nil {
			close(entered)
		}
		<-gate
	}
	return f.text, nil
}

func (f *fakeBackend) Outputs(ctx context.Context, h job.Handle) (job.Formats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs++
	if len(f.edits) > 0 {
		if f.outputsAfterErr != nil {
			return nil, f.outputsAfterErr
		}
		if f.formatsAfterEdit != nil {
			return f.formatsAfterEdit.Clone(), nil
		}
	}
	if f.outputsErr != nil {
		return nil, f.outputsErr
	}
	return f.formats.Clone(), nil
}

func (f *fakeBackend) Edit(ctx context.Context, h job.Handle, text string) error {
	f.mu.Lock()
	gate, entered := f.editGate, f.editEntered
	f.editGate = nil
	f.mu.Unlock()

	if entered != nil && gate != nil {
		entered <- text
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeBackend) Download(ctx context.Context, h job.Handle, format job.Format) ([]byte, string, error) {
	f.mu.Lock()
	f.downloads++
	gate, entered := f.downloadGate, f.downloadEntered
	f.downloadGate = nil
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			close(entered)
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	data, ok := f.artifacts[format]
	if !ok {
		return nil, "", &backend.StatusError{Op: "download", Code: 404, Msg: "no such format"}
	}
	return data, "application/" + string(format), nil
}

func (f *fakeBackend) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeBackend) counts() (submits, previews, outputs, downloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.previews, f.outputs, f.downloads
}

func testPolicy() poller.Policy {
	return poller.Policy{
		Interval:    time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 100,
		Timeout:     5 * time.Second,
	}
}

// readySession returns a session whose job has reached ready.
func readySession(t *testing.T, fb *fakeBackend) *Session {
	t.Helper()
	s := New(fb, testPolicy())
	if _, err := s.Submit(context.Background(), "scan.png", []byte("png"), "image/png"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.AwaitReady(context.Background()); err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	return s
}

// collect drains ch until it has been quiet for a short while.
func collect(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}
