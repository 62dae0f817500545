package task

import (
	"time"

	"github.com/google/uuid"
)

// Kind selects between plain transcription and Whisper's built-in
// translate-to-English mode.
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindTranslate  Kind = "translate"
)

// Status represents the current state of a transcription task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status is sticky: once reached, no later
// event may change it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Source records how a task entered the queue.
type Source string

const (
	SourceFileImport  Source = "file_import"
	SourceURLImport   Source = "url_import"
	SourceFolderWatch Source = "folder_watch"
)

// ModelType identifies the transcription backend.
type ModelType string

const (
	ModelTypeWhisper          ModelType = "Whisper"
	ModelTypeWhisperCpp       ModelType = "Whisper.cpp"
	ModelTypeHuggingFace      ModelType = "Hugging Face"
	ModelTypeFasterWhisper    ModelType = "Faster Whisper"
	ModelTypeOpenAIWhisperAPI ModelType = "OpenAI Whisper API"
)

// ModelSize is a Whisper model size. Only meaningful for the Whisper,
// Whisper.cpp and Faster Whisper model types.
type ModelSize string

const (
	ModelSizeTiny         ModelSize = "tiny"
	ModelSizeBase         ModelSize = "base"
	ModelSizeSmall        ModelSize = "small"
	ModelSizeMedium       ModelSize = "medium"
	ModelSizeLarge        ModelSize = "large"
	ModelSizeLargeV2      ModelSize = "large-v2"
	ModelSizeLargeV3      ModelSize = "large-v3"
	ModelSizeLargeV3Turbo ModelSize = "large-v3-turbo"
	ModelSizeCustom       ModelSize = "custom"
)

// Model pairs a backend type with the artifact that backend should load.
type Model struct {
	Type               ModelType `json:"model_type"`
	Size               ModelSize `json:"whisper_model_size,omitempty"`
	HuggingFaceModelID string    `json:"hugging_face_model_id,omitempty"`
}

// OutputFormat is an export file format.
type OutputFormat string

const (
	OutputFormatTXT OutputFormat = "txt"
	OutputFormatSRT OutputFormat = "srt"
	OutputFormatVTT OutputFormat = "vtt"
)

// DefaultTemperature is the fallback temperature schedule used when a
// degenerate decode triggers a retry at a higher temperature.
var DefaultTemperature = []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}

// TranscriptionOptions configure a single inference run. The access token is
// excluded from JSON so it never reaches the task table.
type TranscriptionOptions struct {
	Language         string    `json:"language,omitempty"` // ISO code; empty means detect
	Task             Kind      `json:"task"`
	Model            Model     `json:"model"`
	WordLevelTimings bool      `json:"word_level_timings"`
	ExtractSpeech    bool      `json:"extract_speech"`
	Temperature      []float64 `json:"temperature,omitempty"`
	InitialPrompt    string    `json:"initial_prompt,omitempty"`
	OpenAIAccessToken string   `json:"-"`

	// Optional post-pass through an LLM translation endpoint.
	EnableLLMTranslation bool   `json:"enable_llm_translation,omitempty"`
	LLMModel             string `json:"llm_model,omitempty"`
	LLMPrompt            string `json:"llm_prompt,omitempty"`
}

// FileTranscriptionOptions describe where the input comes from and which
// artifacts to export. Exactly one of FilePath or URL is set.
type FileTranscriptionOptions struct {
	FilePaths     []string       `json:"file_paths,omitempty"`
	URL           string         `json:"url,omitempty"`
	OutputFormats []OutputFormat `json:"output_formats,omitempty"`
}

// Segment is one timestamped span of transcript text.
type Segment struct {
	Start       int64  `json:"start"` // ms
	End         int64  `json:"end"`   // ms
	Text        string `json:"text"`
	Translation string `json:"translation,omitempty"`
}

// Task is one unit of transcription work.
type Task struct {
	ID                   uuid.UUID
	Source               Source
	FilePath             string
	OriginalFilePath     string // preserved when FilePath is rewritten
	URL                  string
	TranscriptionOptions TranscriptionOptions
	FileOptions          FileTranscriptionOptions
	ModelPath            string
	OutputDirectory      string

	Status    Status
	Progress  float64
	Error     string
	Segments  []Segment
	QueuedAt  time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// New creates a queued task for a local file.
func New(filePath string, opts TranscriptionOptions, fileOpts FileTranscriptionOptions) *Task {
	return &Task{
		ID:                   uuid.New(),
		Source:               SourceFileImport,
		FilePath:             filePath,
		OriginalFilePath:     filePath,
		TranscriptionOptions: opts,
		FileOptions:          fileOpts,
		Status:               StatusQueued,
		QueuedAt:             time.Now(),
	}
}

// NewFromURL creates a queued task whose input is downloaded before
// transcription.
func NewFromURL(url string, opts TranscriptionOptions, fileOpts FileTranscriptionOptions) *Task {
	t := New("", opts, fileOpts)
	t.Source = SourceURLImport
	t.URL = url
	return t
}
