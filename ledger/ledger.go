package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"lessonvoice/uploader"
)

const (
	StatusUploaded = "uploaded"
	StatusFailed   = "failed"
)

// Ledger is a local SQLite record of every upload outcome. It is history
// only; nothing is retried from it.
type Ledger struct {
	db *sql.DB
}

type Entry struct {
	VoiceID      string
	LessonID     string
	Ordinal      int
	StartTimeSec float64
	DurationSec  float64
	Bytes        int
	Status       string
	Attempts     int
	Error        string
	URL          string
	CreatedAt    time.Time
}

func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// Uploads finish on several goroutines; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS voices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		voice_id TEXT NOT NULL UNIQUE,
		lesson_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		start_sec REAL NOT NULL,
		duration_sec REAL NOT NULL,
		bytes INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_voices_lesson ON voices(lesson_id, ordinal);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create voices table: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record stores the final outcome of one upload. It satisfies
// uploader.Recorder.
func (l *Ledger) Record(ctx context.Context, r uploader.Result) error {
	status, errText := StatusUploaded, ""
	if r.Err != nil {
		status, errText = StatusFailed, r.Err.Error()
	}
	query := `
	INSERT INTO voices (voice_id, lesson_id, ordinal, start_sec, duration_sec, bytes, status, attempts, error, url, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(voice_id) DO UPDATE SET
		status = excluded.status,
		attempts = excluded.attempts,
		error = excluded.error,
		url = excluded.url
	`
	_, err := l.db.ExecContext(ctx, query, r.VoiceID, r.LessonID, r.Ordinal, r.StartTimeSec, r.DurationSec,
		r.Bytes, status, r.Attempts, errText, r.URL, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record voice %s: %w", r.VoiceID, err)
	}
	return nil
}

// List returns the lesson's entries in ordinal order. An empty lessonID
// lists the most recent entries of every lesson.
func (l *Ledger) List(ctx context.Context, lessonID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	cols := `voice_id, lesson_id, ordinal, start_sec, duration_sec, bytes, status, attempts, error, url, created_at`
	if lessonID != "" {
		rows, err = l.db.QueryContext(ctx,
			`SELECT `+cols+` FROM voices WHERE lesson_id = ? ORDER BY ordinal LIMIT ?`, lessonID, limit)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT `+cols+` FROM voices ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.VoiceID, &e.LessonID, &e.Ordinal, &e.StartTimeSec, &e.DurationSec,
			&e.Bytes, &e.Status, &e.Attempts, &e.Error, &e.URL, &created); err != nil {
			return nil, fmt.Errorf("failed to scan voice: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary counts uploaded and failed voices for a lesson.
func (l *Ledger) Summary(ctx context.Context, lessonID string) (uploaded, failed int, err error) {
	row := l.db.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
	FROM voices WHERE lesson_id = ?`, StatusUploaded, StatusFailed, lessonID)
	if err := row.Scan(&uploaded, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to summarize lesson %s: %w", lessonID, err)
	}
	return uploaded, failed, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
