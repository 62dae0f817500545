// Package queue owns the serial transcription dispatch loop. At most one
// transcriber child process exists at any time.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/audio"
	"github.com/transcore/transcore/internal/download"
	"github.com/transcore/transcore/internal/export"
	"github.com/transcore/transcore/internal/model"
	"github.com/transcore/transcore/internal/store"
	"github.com/transcore/transcore/internal/task"
	"github.com/transcore/transcore/internal/transcriber"
)

// Config carries everything the worker hands down to transcribers and the
// exporter.
type Config struct {
	Transcriber      transcriber.Config
	ExportTemplate   string
	ParagraphSplitMs int64
}

// Worker consumes tasks one at a time, runs them to a terminal state and
// persists every transition.
type Worker struct {
	store   *store.Store
	decoder *audio.Decoder
	fetcher *download.Fetcher
	models  *model.Manager
	cfg     Config
	logger  *zap.Logger

	tasks chan *task.Task // nil is the stop sentinel

	mu              sync.Mutex
	canceled        map[uuid.UUID]bool
	current         *task.Task
	currentStopper  interface{ Stop() }
	currentDownload *model.Cancel

	// newTranscriber is swappable in tests.
	newTranscriber func(*task.Task) (transcriber.Transcriber, error)

	done chan struct{}
}

func New(st *store.Store, decoder *audio.Decoder, fetcher *download.Fetcher, models *model.Manager, cfg Config, logger *zap.Logger) *Worker {
	w := &Worker{
		store:    st,
		decoder:  decoder,
		fetcher:  fetcher,
		models:   models,
		cfg:      cfg,
		logger:   logger,
		tasks:    make(chan *task.Task, 256),
		canceled: make(map[uuid.UUID]bool),
		done:     make(chan struct{}),
	}
	w.newTranscriber = func(t *task.Task) (transcriber.Transcriber, error) {
		return transcriber.New(t, decoder, fetcher, cfg.Transcriber, logger)
	}
	return w
}

// Enqueue persists the task as queued and appends it to the dispatch queue.
// Re-enqueueing an id clears any stale cancellation for it.
func (w *Worker) Enqueue(t *task.Task) error {
	if err := w.store.CreateTranscription(t); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.canceled, t.ID)
	w.mu.Unlock()
	w.tasks <- t
	return nil
}

// Cancel marks a task id canceled. If that task is currently running, its
// transcriber and any in-flight model download are stopped.
func (w *Worker) Cancel(id uuid.UUID) {
	w.mu.Lock()
	w.canceled[id] = true
	isCurrent := w.current != nil && w.current.ID == id
	stopper := w.currentStopper
	dl := w.currentDownload
	w.mu.Unlock()

	if !isCurrent {
		// Not started yet: the row goes terminal right away, and the
		// dispatch loop skips it when it surfaces.
		if err := w.store.MarkCanceled(id); err != nil {
			w.logger.Error("persist cancellation", zap.String("id", id.String()), zap.Error(err))
		}
		return
	}
	if dl != nil {
		dl.Set()
	}
	if stopper != nil {
		stopper.Stop()
	}
}

// Stop drains nothing: it stops the current task if any and tells Run to
// exit once the sentinel surfaces.
func (w *Worker) Stop() {
	w.mu.Lock()
	stopper := w.currentStopper
	dl := w.currentDownload
	w.mu.Unlock()
	if dl != nil {
		dl.Set()
	}
	if stopper != nil {
		stopper.Stop()
	}
	w.tasks <- nil
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) isCanceled(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled[id]
}

// Run is the dispatch loop. It returns after Stop's sentinel surfaces.
func (w *Worker) Run() {
	defer close(w.done)
	for t := range w.tasks {
		if t == nil {
			return
		}
		w.dispatch(t)
	}
}

func (w *Worker) dispatch(t *task.Task) {
	logger := w.logger.With(zap.String("id", t.ID.String()), zap.String("file", t.FilePath))

	if w.isCanceled(t.ID) {
		w.persistCanceled(t, logger)
		return
	}

	if err := w.ensureModel(t); err != nil {
		if errors.Is(err, model.ErrCanceled) || w.isCanceled(t.ID) {
			w.persistCanceled(t, logger)
			return
		}
		logger.Error("model unavailable", zap.Error(err))
		w.persistFailed(t, fmt.Sprintf("model unavailable: %s", err), logger)
		return
	}

	tr, err := w.newTranscriber(t)
	if err != nil {
		w.persistFailed(t, err.Error(), logger)
		return
	}

	// The cancellation set is re-checked in the window between dequeue and
	// inference start.
	w.mu.Lock()
	if w.canceled[t.ID] {
		w.mu.Unlock()
		w.persistCanceled(t, logger)
		return
	}
	w.current = t
	w.currentStopper = tr
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.current = nil
		w.currentStopper = nil
		w.mu.Unlock()
	}()

	if err := w.store.MarkStarted(t.ID); err != nil {
		logger.Error("persist start", zap.Error(err))
	}
	t.Status = task.StatusInProgress
	logger.Info("transcription started",
		zap.String("model_type", string(t.TranscriptionOptions.Model.Type)),
		zap.String("language", task.HumanizeLanguage(t.TranscriptionOptions.Language)))

	events := make(chan transcriber.Event, 64)
	runDone := make(chan struct{})
	go func() {
		tr.Run(events)
		close(runDone)
	}()

	terminal := false
	for !terminal {
		select {
		case event := <-events:
			terminal = w.handleEvent(t, event, logger)
		case <-runDone:
			// Run returned, but its terminal event may still be sitting in
			// the channel buffer. Apply everything buffered before deciding
			// the run was stopped.
			for !terminal {
				select {
				case event := <-events:
					terminal = w.handleEvent(t, event, logger)
				default:
					w.persistCanceled(t, logger)
					return
				}
			}
		}
	}

	// Drain any stragglers so the run goroutine can finish.
	for {
		select {
		case event := <-events:
			w.handleEvent(t, event, logger)
		case <-runDone:
			for {
				select {
				case event := <-events:
					w.handleEvent(t, event, logger)
				default:
					return
				}
			}
		}
	}
}

// handleEvent applies one transcriber event, returning true on a terminal
// one. Events for canceled tasks never overwrite the terminal status.
func (w *Worker) handleEvent(t *task.Task, event transcriber.Event, logger *zap.Logger) bool {
	switch e := event.(type) {
	case transcriber.Progress:
		if t.Status.Terminal() || w.isCanceled(t.ID) {
			return false
		}
		fraction := 0.0
		if e.Total > 0 {
			fraction = float64(e.Current) / float64(e.Total)
		}
		t.Progress = fraction
		if err := w.store.UpdateProgress(t.ID, fraction); err != nil {
			logger.Error("persist progress", zap.Error(err))
		}
		return false

	case transcriber.DownloadProgress:
		logger.Debug("download progress", zap.Float64("fraction", e.Fraction))
		return false

	case transcriber.Completed:
		if t.Status.Terminal() {
			return false
		}
		if w.isCanceled(t.ID) {
			// Cancellation wins even over a completed run.
			w.persistCanceled(t, logger)
			return true
		}
		t.Segments = e.Segments
		t.Status = task.StatusCompleted
		if err := w.store.MarkCompleted(t.ID, e.Segments); err != nil {
			logger.Error("persist completion", zap.Error(err))
		}
		w.finishArtifacts(t, logger)
		logger.Info("transcription completed", zap.Int("segments", len(e.Segments)))
		return true

	case transcriber.Failed:
		if t.Status.Terminal() {
			return false
		}
		if w.isCanceled(t.ID) || e.Message == transcriber.ErrStopped.Error() {
			w.persistCanceled(t, logger)
			return true
		}
		w.persistFailed(t, e.Message, logger)
		return true
	}
	return false
}

func (w *Worker) persistCanceled(t *task.Task, logger *zap.Logger) {
	t.Status = task.StatusCanceled
	if err := w.store.MarkCanceled(t.ID); err != nil {
		logger.Error("persist cancellation", zap.Error(err))
	}
	logger.Info("transcription canceled")
}

func (w *Worker) persistFailed(t *task.Task, message string, logger *zap.Logger) {
	t.Status = task.StatusFailed
	t.Error = message
	if err := w.store.MarkFailed(t.ID, message); err != nil {
		logger.Error("persist failure", zap.Error(err))
	}
	logger.Warn("transcription failed", zap.String("error", message))
}

// ensureModel resolves the task's model to a local artifact, downloading it
// when missing.
func (w *Worker) ensureModel(t *task.Task) error {
	if w.models == nil || t.ModelPath != "" {
		return nil
	}

	cancel := &model.Cancel{}
	w.mu.Lock()
	w.current = t
	w.currentDownload = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.currentDownload = nil
		w.mu.Unlock()
	}()

	path, err := w.models.Fetch(t.TranscriptionOptions.Model, func(done, total int64) {
		w.logger.Debug("model download progress", zap.Int64("done", done), zap.Int64("total", total))
	}, cancel)
	if err != nil {
		return err
	}
	t.ModelPath = path
	return nil
}

// finishArtifacts writes the export files and, for folder-watch tasks, moves
// the source file into the output directory.
func (w *Worker) finishArtifacts(t *task.Task, logger *zap.Logger) {
	if len(t.FileOptions.OutputFormats) > 0 {
		paths, err := export.WriteAll(t, w.cfg.ExportTemplate, w.cfg.ParagraphSplitMs)
		if err != nil {
			logger.Error("write exports", zap.Error(err))
		} else {
			logger.Info("exports written", zap.Strings("paths", paths))
		}
	}

	if t.Source == task.SourceFolderWatch && t.OutputDirectory != "" {
		src := t.OriginalFilePath
		if src == "" {
			src = t.FilePath
		}
		dst := filepath.Join(t.OutputDirectory, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			logger.Error("move watched source file", zap.String("from", src), zap.String("to", dst), zap.Error(err))
		}
	}
}
