// Package transcriber implements the five interchangeable transcription
// backends behind a single run-once contract. Inference always happens in a
// child process so it can be killed without taking the host down.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/audio"
	"github.com/transcore/transcore/internal/download"
	"github.com/transcore/transcore/internal/task"
)

// Event is one message from a running transcription. Within one run, the
// order is: (Progress | DownloadProgress)* then exactly one of Completed or
// Failed.
type Event interface{ isEvent() }

// Progress reports units of work done out of a total.
type Progress struct {
	Current int64
	Total   int64
}

// DownloadProgress reports a fraction in [0,1] while the input media is
// being fetched.
type DownloadProgress struct {
	Fraction float64
}

// Completed carries the final segment list.
type Completed struct {
	Segments []task.Segment
}

// Failed carries a terminal error message.
type Failed struct {
	Message string
}

func (Progress) isEvent()         {}
func (DownloadProgress) isEvent() {}
func (Completed) isEvent()        {}
func (Failed) isEvent()           {}

// ErrStopped is reported when a run terminates because Stop was called.
var ErrStopped = errors.New("canceled")

// Transcriber runs one transcription to a terminal outcome.
//
// Run blocks until done and emits exactly one Completed or Failed event
// before returning. Stop signals early termination: a stopped run either
// emits Failed("canceled") or returns without emitting Completed.
type Transcriber interface {
	Run(events chan<- Event)
	Stop()
}

// base carries the collaborators every backend needs, plus the shared URL
// import preamble.
type base struct {
	task    *task.Task
	decoder *audio.Decoder
	fetcher *download.Fetcher
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newBase(t *task.Task, decoder *audio.Decoder, fetcher *download.Fetcher, logger *zap.Logger) base {
	ctx, cancel := context.WithCancel(context.Background())
	return base{task: t, decoder: decoder, fetcher: fetcher, logger: logger, ctx: ctx, cancel: cancel}
}

func (b *base) Stop() {
	b.cancel()
}

func (b *base) stopped() bool {
	return b.ctx.Err() != nil
}

// prepareInput downloads URL inputs and runs the optional speech-extraction
// pre-pass, rewriting the task's file path while preserving the original.
func (b *base) prepareInput(events chan<- Event) error {
	if b.task.Source == task.SourceURLImport {
		path, err := b.fetcher.Fetch(b.ctx, b.task.URL, func(fraction float64) {
			events <- DownloadProgress{Fraction: fraction}
		})
		if err != nil {
			return err
		}

		// Backends want plain 16 kHz WAV, not whatever the site served.
		wavPath, err := b.decoder.DecodeToWAV(b.ctx, path)
		os.Remove(path)
		if err != nil {
			return err
		}
		b.task.FilePath = wavPath
	}

	if b.task.TranscriptionOptions.ExtractSpeech {
		speechPath, err := b.fetcher.ExtractSpeech(b.ctx, b.task.FilePath)
		if err != nil {
			return err
		}
		if b.task.OriginalFilePath == "" {
			b.task.OriginalFilePath = b.task.FilePath
		}
		b.task.FilePath = speechPath
	}

	return nil
}

// fail emits the terminal error event, mapping cancellation onto the fixed
// "canceled" message.
func (b *base) fail(events chan<- Event, err error) {
	if b.stopped() || errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
		events <- Failed{Message: ErrStopped.Error()}
		return
	}
	events <- Failed{Message: err.Error()}
}

// New selects a backend implementation by the task's model type.
func New(t *task.Task, decoder *audio.Decoder, fetcher *download.Fetcher, cfg Config, logger *zap.Logger) (Transcriber, error) {
	b := newBase(t, decoder, fetcher, logger)
	switch t.TranscriptionOptions.Model.Type {
	case task.ModelTypeWhisperCpp:
		if cfg.UseLocalServer {
			return &LocalServer{base: b, serverPath: cfg.WhisperServerPath, nThreads: cfg.NThreads}, nil
		}
		return &WhisperCpp{base: b, binPath: cfg.WhisperCppPath, forceCPU: cfg.ForceCPU}, nil
	case task.ModelTypeOpenAIWhisperAPI:
		baseURL := cfg.OpenAIBaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return &OpenAIAPI{base: b, baseURL: baseURL, token: t.TranscriptionOptions.OpenAIAccessToken}, nil
	case task.ModelTypeWhisper, task.ModelTypeFasterWhisper, task.ModelTypeHuggingFace:
		return &Embedded{base: b, command: cfg.WorkerCommand, forceCPU: cfg.ForceCPU}, nil
	default:
		return nil, fmt.Errorf("unknown model type: %s", t.TranscriptionOptions.Model.Type)
	}
}

// Config carries the external binaries and endpoints backends shell out to.
type Config struct {
	WhisperCppPath    string
	WhisperServerPath string
	WorkerCommand     []string
	OpenAIBaseURL     string
	ForceCPU          bool
	NThreads          int
	// UseLocalServer routes Whisper.cpp tasks through a spawned
	// whisper-server instead of the CLI binary.
	UseLocalServer bool
}

// needsWAVConversion reports whether the native backend must convert the
// input before inference.
func needsWAVConversion(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3", ".wav", ".flac":
		return false
	}
	return true
}
