// Package watcher observes configured input folders and enqueues a task for
// every new media file that appears in them.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/task"
)

var supportedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true,
	".opus": true, ".flac": true, ".mp4": true, ".webm": true,
	".ogm": true, ".mov": true, ".mkv": true, ".avi": true, ".wmv": true,
}

const speechSuffix = "_speech.mp3"

// Folder pairs one watched input directory with its output directory and the
// options every auto-enqueued task gets.
type Folder struct {
	InputDirectory  string
	OutputDirectory string
	Options         task.TranscriptionOptions
	FileOptions     task.FileTranscriptionOptions
}

// Watcher emits FolderWatch tasks on Tasks until Close.
type Watcher struct {
	folders []Folder
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[string]bool

	Tasks chan *task.Task
	done  chan struct{}
}

// New starts watching every folder's tree. Subdirectories present at boot
// are watched recursively; hidden directories are skipped.
func New(folders []Folder, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		folders: folders,
		watcher: fsw,
		logger:  logger,
		seen:    make(map[string]bool),
		Tasks:   make(chan *task.Task, 64),
		done:    make(chan struct{}),
	}

	for _, folder := range folders {
		if err := w.watchTree(folder.InputDirectory); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	go w.loop()

	// Pick up files that were dropped in while we were not running. The scan
	// runs off the constructor so a backlog larger than the Tasks buffer
	// waits for the consumer instead of blocking New.
	go w.scanAll()

	return w, nil
}

func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// New directories need their own watch before their
			// contents produce events.
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if !strings.HasPrefix(filepath.Base(event.Name), ".") {
					if err := w.watchTree(event.Name); err != nil {
						w.logger.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			w.scanAll()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("folder watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// scanAll walks every watched tree and emits a task per new eligible file.
func (w *Watcher) scanAll() {
	for _, folder := range w.folders {
		w.scanFolder(folder)
	}
}

func (w *Watcher) scanFolder(folder Folder) {
	_ = filepath.WalkDir(folder.InputDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != folder.InputDirectory && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Eligible(path) {
			return nil
		}

		w.mu.Lock()
		known := w.seen[path]
		if !known {
			w.seen[path] = true
		}
		w.mu.Unlock()
		if known {
			return nil
		}

		outputDir, err := mirrorOutputDir(folder, path)
		if err != nil {
			w.logger.Warn("create output directory", zap.String("file", path), zap.Error(err))
			return nil
		}

		t := task.New(path, folder.Options, folder.FileOptions)
		t.Source = task.SourceFolderWatch
		t.OutputDirectory = outputDir

		w.logger.Info("enqueueing watched file", zap.String("file", path))
		w.Tasks <- t
		return nil
	})
}

// mirrorOutputDir maps a file's subdirectory under the input root onto the
// same subdirectory under the output root, creating it if missing.
func mirrorOutputDir(folder Folder, path string) (string, error) {
	rel, err := filepath.Rel(folder.InputDirectory, filepath.Dir(path))
	if err != nil {
		return "", err
	}
	outputDir := filepath.Join(folder.OutputDirectory, rel)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	return outputDir, nil
}

// Eligible reports whether a path names a media file worth transcribing.
// Hidden files, temp conversion artifacts with a doubled media suffix, and
// our own speech-extraction outputs are skipped.
func Eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !supportedExtensions[ext] {
		return false
	}
	if strings.HasSuffix(name, speechSuffix) {
		return false
	}
	stem := strings.TrimSuffix(name, ext)
	if supportedExtensions[strings.ToLower(filepath.Ext(stem))] {
		return false
	}
	return true
}

// Close stops the watch loop. The Tasks channel stays open; consumers stop
// receiving once the loop exits.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
