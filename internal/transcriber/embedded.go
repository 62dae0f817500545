package transcriber

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/lineproto"
	"github.com/transcore/transcore/internal/proc"
	"github.com/transcore/transcore/internal/task"
)

// Embedded runs the Whisper, Faster Whisper and Hugging Face model backends.
// The model runs in a spawned worker process that writes the stderr line
// protocol: progress percentages, a final "segments = <json>" line and the
// stop sentinel.
type Embedded struct {
	base
	command  []string
	forceCPU bool
}

func (e *Embedded) Run(events chan<- Event) {
	if err := e.prepareInput(events); err != nil {
		e.fail(events, err)
		return
	}

	opts := e.task.TranscriptionOptions

	args := append([]string(nil), e.command[1:]...)
	args = append(args,
		"--model-type", string(opts.Model.Type),
		"--model-path", e.task.ModelPath,
		"--task", string(opts.Task),
		"--file", e.task.FilePath,
	)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.WordLevelTimings {
		args = append(args, "--word-timestamps")
	}
	if opts.Model.HuggingFaceModelID != "" {
		args = append(args, "--hugging-face-model-id", opts.Model.HuggingFaceModelID)
	}
	if opts.InitialPrompt != "" {
		args = append(args, "--initial-prompt", opts.InitialPrompt)
	}
	if len(opts.Temperature) > 0 {
		args = append(args, "--temperature", joinFloats(opts.Temperature))
	}
	if e.forceCPU {
		args = append(args, "--force-cpu")
	}

	cmd := exec.CommandContext(e.ctx, e.command[0], args...)
	proc.Hide(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		e.fail(events, err)
		return
	}

	e.logger.Debug("starting transcription worker", zap.String("command", e.command[0]), zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		e.fail(events, fmt.Errorf("start transcription worker: %w", err))
		return
	}

	// The reader runs concurrently with Wait; it exits on the stop token
	// or when the pipe closes.
	var (
		mu       sync.Mutex
		segments []task.Segment
		lastLine string
	)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		lineproto.Read(stderr, lineproto.Handler{
			Progress: func(current, total int64) {
				events <- Progress{Current: current, Total: total}
			},
			Segments: func(s []task.Segment) {
				mu.Lock()
				segments = s
				mu.Unlock()
			},
			Unknown: func(line string) {
				mu.Lock()
				lastLine = line
				mu.Unlock()
			},
		}, e.logger)
	}()

	err = cmd.Wait()
	<-readDone

	if e.stopped() {
		e.fail(events, ErrStopped)
		return
	}
	if err != nil {
		mu.Lock()
		msg := lastLine
		mu.Unlock()
		if msg == "" {
			msg = "Unknown error"
		}
		e.logger.Debug("transcription worker failed", zap.Error(err), zap.String("message", msg))
		events <- Failed{Message: msg}
		return
	}

	mu.Lock()
	defer mu.Unlock()
	events <- Completed{Segments: segments}
}

func joinFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
