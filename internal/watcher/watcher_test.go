package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/transcore/transcore/internal/task"
)

func TestEligible(t *testing.T) {
	for path, want := range map[string]bool{
		"/in/song.mp3":          true,
		"/in/video.MKV":         true,
		"/in/clip.wav":          true,
		"/in/.hidden.mp3":       false,
		"/in/notes.txt":         false,
		"/in/clip.mp4.mp3":      false,
		"/in/track_speech.mp3":  false,
		"/in/speech.mp3":        true,
		"/in/noextension":       false,
	} {
		assert.Equal(t, want, Eligible(path), path)
	}
}

func waitForTask(t *testing.T, w *Watcher) *task.Task {
	t.Helper()
	select {
	case tk := <-w.Tasks:
		return tk
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a task")
		return nil
	}
}

func TestEmitsTaskForExistingFile(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	mediaPath := filepath.Join(inputDir, "existing.mp3")
	require.NoError(t, os.WriteFile(mediaPath, []byte("audio"), 0o644))

	w, err := New([]Folder{{
		InputDirectory:  inputDir,
		OutputDirectory: outputDir,
		Options:         task.TranscriptionOptions{Task: task.KindTranscribe},
	}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	tk := waitForTask(t, w)
	assert.Equal(t, task.SourceFolderWatch, tk.Source)
	assert.Equal(t, mediaPath, tk.FilePath)
	assert.Equal(t, outputDir, tk.OutputDirectory)
}

func TestEmitsTaskForNewFile(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	w, err := New([]Folder{{InputDirectory: inputDir, OutputDirectory: outputDir}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	mediaPath := filepath.Join(inputDir, "dropped.wav")
	require.NoError(t, os.WriteFile(mediaPath, []byte("audio"), 0o644))

	tk := waitForTask(t, w)
	assert.Equal(t, mediaPath, tk.FilePath)
}

func TestBootBacklogLargerThanBuffer(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	// More files than the Tasks buffer holds. New must not wait for a
	// consumer to drain them before returning.
	const backlog = 100
	for i := 0; i < backlog; i++ {
		path := filepath.Join(inputDir, fmt.Sprintf("clip-%03d.mp3", i))
		require.NoError(t, os.WriteFile(path, []byte("audio"), 0o644))
	}

	type result struct {
		w   *Watcher
		err error
	}
	constructed := make(chan result, 1)
	go func() {
		w, err := New([]Folder{{InputDirectory: inputDir, OutputDirectory: outputDir}}, zaptest.NewLogger(t))
		constructed <- result{w, err}
	}()

	var w *Watcher
	select {
	case res := <-constructed:
		require.NoError(t, res.err)
		w = res.w
	case <-time.After(5 * time.Second):
		t.Fatal("New blocked on the boot scan")
	}
	defer w.Close()

	got := make(map[string]bool)
	for i := 0; i < backlog; i++ {
		got[waitForTask(t, w).FilePath] = true
	}
	assert.Len(t, got, backlog)
}

func TestDedupesAlreadyEmittedFiles(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	mediaPath := filepath.Join(inputDir, "once.mp3")
	require.NoError(t, os.WriteFile(mediaPath, []byte("audio"), 0o644))

	w, err := New([]Folder{{InputDirectory: inputDir, OutputDirectory: outputDir}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	first := waitForTask(t, w)
	assert.Equal(t, mediaPath, first.FilePath)

	// Touching the file again must not enqueue a second task.
	require.NoError(t, os.WriteFile(mediaPath, []byte("audio again"), 0o644))
	select {
	case tk := <-w.Tasks:
		t.Fatalf("unexpected duplicate task for %s", tk.FilePath)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMirrorsSubdirectoryIntoOutput(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	subDir := filepath.Join(inputDir, "podcasts", "2024")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	mediaPath := filepath.Join(subDir, "episode.mp3")
	require.NoError(t, os.WriteFile(mediaPath, []byte("audio"), 0o644))

	w, err := New([]Folder{{InputDirectory: inputDir, OutputDirectory: outputDir}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	tk := waitForTask(t, w)
	wantDir := filepath.Join(outputDir, "podcasts", "2024")
	assert.Equal(t, wantDir, tk.OutputDirectory)

	info, err := os.Stat(wantDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSkipsHiddenDirectories(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	hiddenDir := filepath.Join(inputDir, ".trash")
	require.NoError(t, os.MkdirAll(hiddenDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hiddenDir, "old.mp3"), []byte("audio"), 0o644))

	w, err := New([]Folder{{InputDirectory: inputDir, OutputDirectory: outputDir}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Close()

	select {
	case tk := <-w.Tasks:
		t.Fatalf("unexpected task for hidden directory file %s", tk.FilePath)
	case <-time.After(500 * time.Millisecond):
	}
}
