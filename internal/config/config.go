package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// Config carries the process-wide paths and environment toggles. It is built
// once in main and passed into each component's constructor.
type Config struct {
	DataPath  string // SQLite file and settings live here
	CachePath string // downloaded models live here
	DBPath    string

	FFmpegPath        string // decoder binary
	FFprobePath       string
	WhisperCppPath    string // whisper.cpp CLI binary
	WhisperServerPath string
	YtDlpPath         string
	// SpeechExtractorPath runs the source-separation pre-pass that strips
	// music and noise before inference.
	SpeechExtractorPath string
	// WorkerCommand runs the in-process style backends (Whisper,
	// Faster Whisper, Hugging Face) in a child that speaks the stderr
	// line protocol.
	WorkerCommand []string

	ForceCPU           bool
	ParagraphSplitMs   int64
	DownloadCookieFile string
	TranslationBaseURL string
	TranslationAPIKey  string
	WhisperCppNThreads int
}

// DefaultParagraphSplitMs is the TXT paragraph break threshold when
// BUZZ_PARAGRAPH_SPLIT_TIME is not set.
const DefaultParagraphSplitMs = 2000

func Load() *Config {
	dataPath := getEnv("BUZZ_DATA_PATH", defaultDataPath())
	cachePath := getEnv("BUZZ_CACHE_PATH", defaultCachePath())

	splitMs, err := strconv.ParseInt(os.Getenv("BUZZ_PARAGRAPH_SPLIT_TIME"), 10, 64)
	if err != nil || splitMs <= 0 {
		splitMs = DefaultParagraphSplitMs
	}

	nThreads, _ := strconv.Atoi(os.Getenv("BUZZ_WHISPERCPP_N_THREADS"))
	if nThreads <= 0 {
		nThreads = max(runtime.NumCPU()/2, 1)
	}

	return &Config{
		DataPath:            dataPath,
		CachePath:           cachePath,
		DBPath:              getEnv("BUZZ_DB_PATH", filepath.Join(dataPath, "transcore.db")),
		FFmpegPath:          getEnv("BUZZ_FFMPEG_PATH", "ffmpeg"),
		FFprobePath:         getEnv("BUZZ_FFPROBE_PATH", "ffprobe"),
		WhisperCppPath:      getEnv("BUZZ_WHISPERCPP_PATH", "whisper-cli"),
		WhisperServerPath:   getEnv("BUZZ_WHISPER_SERVER_PATH", "whisper-server"),
		YtDlpPath:           getEnv("BUZZ_YTDLP_PATH", "yt-dlp"),
		SpeechExtractorPath: getEnv("BUZZ_SPEECH_EXTRACTOR_PATH", "demucs"),
		WorkerCommand:       []string{getEnv("BUZZ_WORKER_PATH", "transcore-worker")},
		ForceCPU:            getEnv("BUZZ_FORCE_CPU", "false") != "false",
		ParagraphSplitMs:    splitMs,
		DownloadCookieFile:  os.Getenv("BUZZ_DOWNLOAD_COOKIEFILE"),
		TranslationBaseURL:  getEnv("BUZZ_TRANSLATION_API_BASE_URL", "https://api.openai.com/v1"),
		TranslationAPIKey:   os.Getenv("BUZZ_TRANSLATION_API_KEY"),
		WhisperCppNThreads:  nThreads,
	}
}

func defaultDataPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "transcore")
	}
	return ".transcore"
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "transcore")
	}
	return ".transcore-cache"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
