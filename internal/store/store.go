// Package store persists transcriptions and their segments in SQLite. One
// row per task, N rows per segment; the single queue worker serializes all
// writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/task"
)

const driverName = "sqlite3"

const timeFormat = time.RFC3339Nano

// Store wraps the SQLite connection with task-lifecycle operations.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and reconciles its
// schema against the pristine one.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One writer: the DB identity is owned by the worker thread.
	db.SetMaxOpenConns(1)

	if _, err := Migrate(db, Schema, false, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateTranscription inserts a queued row for the task. The OpenAI access
// token is deliberately not part of the row.
func (s *Store) CreateTranscription(t *task.Task) error {
	formats := make([]string, 0, len(t.FileOptions.OutputFormats))
	for _, f := range t.FileOptions.OutputFormats {
		formats = append(formats, string(f))
	}

	opts := t.TranscriptionOptions
	_, err := s.db.Exec(`
		INSERT INTO transcription (
			id, status, task, model_type, whisper_model_size,
			hugging_face_model_id, language, file, url, source,
			output_folder, export_formats, word_level_timings,
			extract_speech, progress, time_queued
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID.String(), string(task.StatusQueued), string(opts.Task),
		string(opts.Model.Type), string(opts.Model.Size),
		opts.Model.HuggingFaceModelID, opts.Language, t.FilePath, t.URL,
		string(t.Source), t.OutputDirectory, strings.Join(formats, ", "),
		opts.WordLevelTimings, opts.ExtractSpeech,
		t.QueuedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	return nil
}

// MarkStarted moves a queued task into in_progress and stamps the start
// time.
func (s *Store) MarkStarted(id uuid.UUID) error {
	_, err := s.db.Exec(`
		UPDATE transcription
		SET status = ?, time_started = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(task.StatusInProgress), time.Now().Format(timeFormat),
		id.String(), string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCanceled),
	)
	return err
}

// MarkFailed records a terminal failure with its message.
func (s *Store) MarkFailed(id uuid.UUID, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE transcription
		SET status = ?, time_ended = ?, error_message = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(task.StatusFailed), time.Now().Format(timeFormat), errMsg,
		id.String(), string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCanceled),
	)
	return err
}

// MarkCanceled records a user-initiated abort.
func (s *Store) MarkCanceled(id uuid.UUID) error {
	_, err := s.db.Exec(`
		UPDATE transcription
		SET status = ?, time_ended = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(task.StatusCanceled), time.Now().Format(timeFormat),
		id.String(), string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCanceled),
	)
	return err
}

// MarkCompleted records completion and bulk-inserts the final segment list.
func (s *Store) MarkCompleted(id uuid.UUID, segments []task.Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE transcription
		SET status = ?, time_ended = ?, progress = 1.0
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(task.StatusCompleted), time.Now().Format(timeFormat),
		id.String(), string(task.StatusCompleted), string(task.StatusFailed), string(task.StatusCanceled),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Already terminal; segments must not be attached to a row that
		// never went completed.
		return nil
	}

	if err := insertSegments(tx, id, segments); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateProgress advances the progress fraction of a running task. It never
// touches rows already in a terminal state.
func (s *Store) UpdateProgress(id uuid.UUID, progress float64) error {
	_, err := s.db.Exec(`
		UPDATE transcription
		SET status = ?, progress = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(task.StatusInProgress), progress,
		id.String(), string(task.StatusQueued), string(task.StatusInProgress),
	)
	return err
}

// ReplaceSegments deletes and re-inserts a task's segments. Used by resize
// and regroup operations; segments are never updated in place except for
// their translation.
func (s *Store) ReplaceSegments(id uuid.UUID, segments []task.Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM transcription_segment WHERE transcription_id = ?`, id.String()); err != nil {
		return err
	}
	if err := insertSegments(tx, id, segments); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSegmentTranslation fills in the translation field of one segment.
func (s *Store) UpdateSegmentTranslation(segmentID int64, translation string) error {
	_, err := s.db.Exec(`
		UPDATE transcription_segment SET translation = ? WHERE id = ?`,
		translation, segmentID,
	)
	return err
}

func insertSegments(tx *sql.Tx, id uuid.UUID, segments []task.Segment) error {
	stmt, err := tx.Prepare(`
		INSERT INTO transcription_segment (transcription_id, start_time, end_time, text, translation)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err := stmt.Exec(id.String(), seg.Start, seg.End, seg.Text, seg.Translation); err != nil {
			return err
		}
	}
	return nil
}

// CancelUnfinished forces any row left in queued or in_progress into
// canceled. Runs at startup: whatever process owned those rows has died.
func (s *Store) CancelUnfinished() error {
	_, err := s.db.Exec(`
		UPDATE transcription
		SET status = ?, time_ended = ?
		WHERE status IN (?, ?)`,
		string(task.StatusCanceled), time.Now().Format(timeFormat),
		string(task.StatusQueued), string(task.StatusInProgress),
	)
	return err
}

// CopyTranscription clones a row under a fresh id, re-queued now, with no
// segments. Used when a user re-runs a post-processing pass.
func (s *Store) CopyTranscription(id uuid.UUID) (uuid.UUID, error) {
	newID := uuid.New()
	_, err := s.db.Exec(`
		INSERT INTO transcription (
			id, status, task, model_type, whisper_model_size,
			hugging_face_model_id, language, file, url, source,
			output_folder, export_formats, word_level_timings,
			extract_speech, progress, time_queued, name, notes
		)
		SELECT ?, ?, task, model_type, whisper_model_size,
			hugging_face_model_id, language, file, url, source,
			output_folder, export_formats, word_level_timings,
			extract_speech, 0, ?, name, notes
		FROM transcription WHERE id = ?`,
		newID.String(), string(task.StatusQueued),
		time.Now().Format(timeFormat), id.String(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("copy transcription: %w", err)
	}
	return newID, nil
}

// Transcription is one row of the transcription table.
type Transcription struct {
	ID               uuid.UUID
	Status           task.Status
	Task             task.Kind
	ModelType        task.ModelType
	WhisperModelSize task.ModelSize
	Language         string
	File             string
	URL              string
	Source           task.Source
	OutputFolder     string
	ExportFormats    string
	WordLevelTimings bool
	ExtractSpeech    bool
	Progress         float64
	ErrorMessage     string
	TimeQueued       time.Time
	TimeStarted      *time.Time
	TimeEnded        *time.Time
}

// GetTranscription loads one row.
func (s *Store) GetTranscription(id uuid.UUID) (*Transcription, error) {
	row := s.db.QueryRow(`
		SELECT id, status, task, model_type, whisper_model_size, language,
			file, url, source, output_folder, export_formats,
			word_level_timings, extract_speech, progress, error_message,
			time_queued, time_started, time_ended
		FROM transcription WHERE id = ?`, id.String())

	var (
		t                            Transcription
		idStr                        string
		taskKind, modelType, size    sql.NullString
		language, file, url, source  sql.NullString
		outputFolder, formats        sql.NullString
		errMsg                       sql.NullString
		queued                       string
		started, ended               sql.NullString
	)
	err := row.Scan(&idStr, &t.Status, &taskKind, &modelType, &size,
		&language, &file, &url, &source, &outputFolder, &formats,
		&t.WordLevelTimings, &t.ExtractSpeech, &t.Progress, &errMsg,
		&queued, &started, &ended)
	if err != nil {
		return nil, err
	}

	t.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	t.Task = task.Kind(taskKind.String)
	t.ModelType = task.ModelType(modelType.String)
	t.WhisperModelSize = task.ModelSize(size.String)
	t.Language = language.String
	t.File = file.String
	t.URL = url.String
	t.Source = task.Source(source.String)
	t.OutputFolder = outputFolder.String
	t.ExportFormats = formats.String
	t.ErrorMessage = errMsg.String

	if t.TimeQueued, err = time.Parse(timeFormat, queued); err != nil {
		return nil, err
	}
	if started.Valid {
		ts, err := time.Parse(timeFormat, started.String)
		if err != nil {
			return nil, err
		}
		t.TimeStarted = &ts
	}
	if ended.Valid {
		ts, err := time.Parse(timeFormat, ended.String)
		if err != nil {
			return nil, err
		}
		t.TimeEnded = &ts
	}
	return &t, nil
}

// SegmentRow is one row of the transcription_segment table.
type SegmentRow struct {
	ID      int64
	Segment task.Segment
}

// GetSegments loads a task's segments ordered by start time.
func (s *Store) GetSegments(id uuid.UUID) ([]SegmentRow, error) {
	rows, err := s.db.Query(`
		SELECT id, start_time, end_time, text, translation
		FROM transcription_segment
		WHERE transcription_id = ?
		ORDER BY start_time ASC, id ASC`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []SegmentRow
	for rows.Next() {
		var r SegmentRow
		if err := rows.Scan(&r.ID, &r.Segment.Start, &r.Segment.End, &r.Segment.Text, &r.Segment.Translation); err != nil {
			return nil, err
		}
		segments = append(segments, r)
	}
	return segments, rows.Err()
}
