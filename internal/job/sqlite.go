package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// :memory: databases are per-connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id          TEXT PRIMARY KEY,
			file_name   TEXT NOT NULL DEFAULT '',
			mime_type   TEXT NOT NULL,
			upload_path TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'processing',
			text        TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL,
			ready_at    DATETIME,
			edited_at   DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_documents_status     ON documents(status);
		CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);
	`)
	return err
}

const recordColumns = `id, file_name, mime_type, upload_path, status, text, error, created_at, ready_at, edited_at`

func (s *SQLiteStore) Create(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, file_name, mime_type, upload_path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.FileName,
		r.MIMEType,
		r.UploadPath,
		StateProcessing,
		r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id Handle) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM documents WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id Handle, text, errMsg string) error {
	status := StateReady
	if errMsg != "" {
		status = StateError
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, text = ?, error = ?, ready_at = ?
		WHERE id = ? AND status = ?
	`, status, text, errMsg, time.Now().UTC(), id, StateProcessing)
	if err != nil {
		return fmt.Errorf("finish record %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateText(ctx context.Context, id Handle, text string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET text = ?, edited_at = ? WHERE id = ? AND status = ?
	`, text, time.Now().UTC(), id, StateReady)
	if err != nil {
		return false, fmt.Errorf("update text for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update text for %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]Handle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents WHERE status = ? ORDER BY created_at
	`, StateProcessing)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()

	var ids []Handle
	for rows.Next() {
		var id Handle
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending records: %w", err)
	}
	return ids, nil
}

// DeleteFinishedBefore removes ready/error records finished before the cutoff and
// returns them so the caller can clean up their uploads.
func (s *SQLiteStore) DeleteFinishedBefore(ctx context.Context, before time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM documents
		WHERE status IN (?, ?) AND ready_at IS NOT NULL AND ready_at < ?
	`, StateReady, StateError, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query finished records: %w", err)
	}
	var old []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		old = append(old, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finished records: %w", err)
	}

	for _, r := range old {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, r.ID); err != nil {
			return nil, fmt.Errorf("delete record %s: %w", r.ID, err)
		}
	}
	return old, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var readyAt, editedAt sql.NullTime
	if err := row.Scan(
		&r.ID, &r.FileName, &r.MIMEType, &r.UploadPath, &r.Status,
		&r.Text, &r.Error, &r.CreatedAt, &readyAt, &editedAt,
	); err != nil {
		return nil, err
	}
	if readyAt.Valid {
		t := readyAt.Time
		r.ReadyAt = &t
	}
	if editedAt.Valid {
		t := editedAt.Time
		r.EditedAt = &t
	}
	return r, nil
}
