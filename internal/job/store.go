package job

import (
	"context"
	"time"
)

// Record is the backend stand-in's persisted view of one submitted document.
type Record struct {
	ID         Handle     `json:"job_id"`
	FileName   string     `json:"file_name"`
	MIMEType   string     `json:"mime_type"`
	UploadPath string     `json:"-"`
	Status     State      `json:"status"`
	Text       string     `json:"text,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
}

// Store persists and retrieves records for the backend stand-in.
type Store interface {
	Create(ctx context.Context, r *Record) error
	// Get returns nil, nil when the record does not exist.
	Get(ctx context.Context, id Handle) (*Record, error)
	// Finish moves a record to ready (errMsg empty) or error.
	Finish(ctx context.Context, id Handle, text, errMsg string) error
	// UpdateText replaces the recognized text of a ready record. It reports false
	// when no ready record with that id exists.
	UpdateText(ctx context.Context, id Handle, text string) (bool, error)
	// Pending returns the ids of records still processing, oldest first.
	// Called at startup to re-enqueue work interrupted by a crash.
	Pending(ctx context.Context) ([]Handle, error)
	DeleteFinishedBefore(ctx context.Context, before time.Time) ([]*Record, error)
}
