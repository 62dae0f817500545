package queue

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/transcore/transcore/internal/store"
	"github.com/transcore/transcore/internal/task"
	"github.com/transcore/transcore/internal/transcriber"
)

// fakeTranscriber scripts a run: it emits the given events, or blocks until
// Stop when blocking is set.
type fakeTranscriber struct {
	events   []transcriber.Event
	blocking bool

	mu      sync.Mutex
	stopped chan struct{}
	started chan struct{}
}

func newFakeTranscriber(blocking bool, events ...transcriber.Event) *fakeTranscriber {
	return &fakeTranscriber{
		events:   events,
		blocking: blocking,
		stopped:  make(chan struct{}),
		started:  make(chan struct{}),
	}
}

func (f *fakeTranscriber) Run(events chan<- transcriber.Event) {
	close(f.started)
	if f.blocking {
		<-f.stopped
		events <- transcriber.Failed{Message: transcriber.ErrStopped.Error()}
		return
	}
	for _, e := range f.events {
		events <- e
	}
}

func (f *fakeTranscriber) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.stopped:
	default:
		close(f.stopped)
	}
}

func testWorker(t *testing.T) (*Worker, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w := New(st, nil, nil, nil, Config{ParagraphSplitMs: 2000}, zaptest.NewLogger(t))
	return w, st
}

func newQueueTask(formats ...task.OutputFormat) *task.Task {
	return task.New("/tmp/in.mp3", task.TranscriptionOptions{
		Task:  task.KindTranscribe,
		Model: task.Model{Type: task.ModelTypeWhisperCpp, Size: task.ModelSizeTiny},
	}, task.FileTranscriptionOptions{OutputFormats: formats})
}

func waitForStatus(t *testing.T, st *store.Store, tk *task.Task, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		row, err := st.GetTranscription(tk.ID)
		return err == nil && row.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task never reached %s", want)
}

func TestCompletedTaskPersistsSegmentsAndExports(t *testing.T) {
	w, st := testWorker(t)

	outputDir := t.TempDir()
	tk := newQueueTask(task.OutputFormatSRT)
	tk.OutputDirectory = outputDir

	segments := []task.Segment{
		{Start: 0, End: 1000, Text: "Hello"},
		{Start: 1000, End: 2000, Text: "world"},
	}
	w.newTranscriber = func(*task.Task) (transcriber.Transcriber, error) {
		return newFakeTranscriber(false,
			transcriber.Progress{Current: 50, Total: 100},
			transcriber.Completed{Segments: segments},
		), nil
	}

	go w.Run()
	defer w.Stop()

	require.NoError(t, w.Enqueue(tk))
	waitForStatus(t, st, tk, task.StatusCompleted)

	rows, err := st.GetSegments(tk.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Hello", rows[0].Segment.Text)

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".srt", filepath.Ext(entries[0].Name()))
}

func TestCancelRunningTaskThenNextCompletes(t *testing.T) {
	w, st := testWorker(t)

	long := newQueueTask()
	short := newQueueTask()

	longRun := newFakeTranscriber(true)
	w.newTranscriber = func(tk *task.Task) (transcriber.Transcriber, error) {
		if tk.ID == long.ID {
			return longRun, nil
		}
		return newFakeTranscriber(false, transcriber.Completed{
			Segments: []task.Segment{{Start: 0, End: 100, Text: "ok"}},
		}), nil
	}

	go w.Run()
	defer w.Stop()

	require.NoError(t, w.Enqueue(long))
	require.NoError(t, w.Enqueue(short))

	<-longRun.started
	w.Cancel(long.ID)

	waitForStatus(t, st, long, task.StatusCanceled)
	waitForStatus(t, st, short, task.StatusCompleted)

	// A canceled task keeps no segments.
	rows, err := st.GetSegments(long.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCancelBeforeStartSkipsInference(t *testing.T) {
	w, st := testWorker(t)

	tk := newQueueTask()
	var constructed int
	w.newTranscriber = func(*task.Task) (transcriber.Transcriber, error) {
		constructed++
		return newFakeTranscriber(false, transcriber.Completed{}), nil
	}

	require.NoError(t, w.Enqueue(tk))
	w.Cancel(tk.ID)

	go w.Run()
	defer w.Stop()

	waitForStatus(t, st, tk, task.StatusCanceled)
	assert.Zero(t, constructed)
}

func TestFailureMessagePersisted(t *testing.T) {
	w, st := testWorker(t)

	tk := newQueueTask()
	w.newTranscriber = func(*task.Task) (transcriber.Transcriber, error) {
		return newFakeTranscriber(false, transcriber.Failed{Message: "whisper_cpp exited with code 1"}), nil
	}

	go w.Run()
	defer w.Stop()

	require.NoError(t, w.Enqueue(tk))
	waitForStatus(t, st, tk, task.StatusFailed)

	row, err := st.GetTranscription(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "whisper_cpp exited with code 1", row.ErrorMessage)
}

func TestFastRunTerminalEventNotLost(t *testing.T) {
	w, st := testWorker(t)

	w.newTranscriber = func(*task.Task) (transcriber.Transcriber, error) {
		return newFakeTranscriber(false,
			transcriber.Progress{Current: 100, Total: 100},
			transcriber.Completed{Segments: []task.Segment{{Start: 0, End: 1, Text: "x"}}},
		), nil
	}

	// A run can buffer its terminal event and return before the dispatch
	// loop gets scheduled. That must never be mistaken for a stopped run.
	for i := 0; i < 50; i++ {
		tk := newQueueTask()
		require.NoError(t, st.CreateTranscription(tk))
		w.dispatch(tk)

		row, err := st.GetTranscription(tk.ID)
		require.NoError(t, err)
		require.Equal(t, task.StatusCompleted, row.Status)

		rows, err := st.GetSegments(tk.ID)
		require.NoError(t, err)
		require.Len(t, rows, 1)
	}
}

func TestProgressAfterTerminalIsDropped(t *testing.T) {
	w, st := testWorker(t)

	tk := newQueueTask()
	w.newTranscriber = func(*task.Task) (transcriber.Transcriber, error) {
		return newFakeTranscriber(false,
			transcriber.Completed{Segments: []task.Segment{{Start: 0, End: 1, Text: "x"}}},
			transcriber.Progress{Current: 10, Total: 100},
		), nil
	}

	go w.Run()
	defer w.Stop()

	require.NoError(t, w.Enqueue(tk))
	waitForStatus(t, st, tk, task.StatusCompleted)

	row, err := st.GetTranscription(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, row.Status)
	assert.Equal(t, 1.0, row.Progress)
}

func TestFolderWatchTaskMovesSourceFile(t *testing.T) {
	w, st := testWorker(t)

	inputDir := t.TempDir()
	outputDir := t.TempDir()
	src := filepath.Join(inputDir, "episode.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))

	tk := task.New(src, task.TranscriptionOptions{
		Task:  task.KindTranscribe,
		Model: task.Model{Type: task.ModelTypeWhisperCpp, Size: task.ModelSizeTiny},
	}, task.FileTranscriptionOptions{})
	tk.Source = task.SourceFolderWatch
	tk.OutputDirectory = outputDir

	w.newTranscriber = func(*task.Task) (transcriber.Transcriber, error) {
		return newFakeTranscriber(false, transcriber.Completed{
			Segments: []task.Segment{{Start: 0, End: 1, Text: "x"}},
		}), nil
	}

	go w.Run()
	defer w.Stop()

	require.NoError(t, w.Enqueue(tk))
	waitForStatus(t, st, tk, task.StatusCompleted)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(outputDir, "episode.mp3"))
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestStopExitsRunLoop(t *testing.T) {
	w, _ := testWorker(t)

	go w.Run()
	w.Stop()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
