package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/audio"
	"github.com/transcore/transcore/internal/config"
	"github.com/transcore/transcore/internal/download"
	"github.com/transcore/transcore/internal/export"
	"github.com/transcore/transcore/internal/logging"
	"github.com/transcore/transcore/internal/model"
	"github.com/transcore/transcore/internal/queue"
	"github.com/transcore/transcore/internal/settings"
	"github.com/transcore/transcore/internal/store"
	"github.com/transcore/transcore/internal/task"
	"github.com/transcore/transcore/internal/transcriber"
	"github.com/transcore/transcore/internal/translate"
	"github.com/transcore/transcore/internal/watcher"
)

func main() {
	// A .env file is optional; real environment variables win.
	godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	os.MkdirAll(cfg.DataPath, 0o755)
	os.MkdirAll(cfg.CachePath, 0o755)

	prefs, err := settings.Open(cfg.DataPath, logger)
	if err != nil {
		logger.Fatal("open settings", zap.Error(err))
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer st.Close()

	// Rows owned by a previous process that died mid-run go terminal now.
	if err := st.CancelUnfinished(); err != nil {
		logger.Fatal("cancel unfinished tasks", zap.Error(err))
	}

	decoder := &audio.Decoder{FFmpegPath: cfg.FFmpegPath, FFprobePath: cfg.FFprobePath}
	fetcher := &download.Fetcher{
		YtDlpPath:      cfg.YtDlpPath,
		ExtractorPath:  cfg.SpeechExtractorPath,
		CookieFilePath: cfg.DownloadCookieFile,
		Logger:         logger,
	}
	models := model.NewManager(cfg.CachePath, logger)

	exportTemplate := prefs.ExportTemplate()
	if exportTemplate == "" {
		exportTemplate = export.DefaultTemplate
	}

	worker := queue.New(st, decoder, fetcher, models, queue.Config{
		Transcriber: transcriber.Config{
			WhisperCppPath:    cfg.WhisperCppPath,
			WhisperServerPath: cfg.WhisperServerPath,
			WorkerCommand:     cfg.WorkerCommand,
			OpenAIBaseURL:     prefs.OpenAIBaseURL(),
			ForceCPU:          cfg.ForceCPU,
			NThreads:          cfg.WhisperCppNThreads,
			UseLocalServer:    prefs.UseLocalServer(),
		},
		ExportTemplate:   exportTemplate,
		ParagraphSplitMs: cfg.ParagraphSplitMs,
	}, logger)
	go worker.Run()

	translator := translate.New(translate.Config{
		BaseURL: cfg.TranslationBaseURL,
		APIKey:  cfg.TranslationAPIKey,
		Model:   "gpt-4o",
		Prompt:  "",
	}, func(segmentID int64, translation string) {
		if err := st.UpdateSegmentTranslation(segmentID, translation); err != nil {
			logger.Error("persist translation", zap.Int64("segment_id", segmentID), zap.Error(err))
		}
	}, logger)
	go translator.Run()

	watched, err := prefs.WatchedFolders()
	if err != nil {
		logger.Fatal("read watched folders", zap.Error(err))
	}
	var folderWatcher *watcher.Watcher
	if len(watched) > 0 {
		folders := make([]watcher.Folder, 0, len(watched))
		for _, f := range watched {
			folders = append(folders, watcher.Folder{
				InputDirectory:  f.InputDirectory,
				OutputDirectory: f.OutputDirectory,
				Options: task.TranscriptionOptions{
					Task:  task.KindTranscribe,
					Model: task.Model{Type: task.ModelTypeWhisperCpp, Size: task.ModelSizeTiny},
				},
				FileOptions: task.FileTranscriptionOptions{
					OutputFormats: []task.OutputFormat{task.OutputFormatTXT, task.OutputFormatSRT},
				},
			})
		}
		folderWatcher, err = watcher.New(folders, logger)
		if err != nil {
			logger.Fatal("start folder watcher", zap.Error(err))
		}
		go func() {
			for t := range folderWatcher.Tasks {
				t.TranscriptionOptions.OpenAIAccessToken = prefs.OpenAIAccessToken()
				if err := worker.Enqueue(t); err != nil {
					logger.Error("enqueue watched file", zap.String("file", t.FilePath), zap.Error(err))
				}
			}
		}()
		logger.Info("folder watcher started", zap.Int("folders", len(folders)))
	}

	logger.Info("transcore started",
		zap.String("db", cfg.DBPath),
		zap.String("cache", cfg.CachePath),
		zap.String("export_template", exportTemplate))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if folderWatcher != nil {
		folderWatcher.Close()
	}
	translator.Stop()
	worker.Stop()
	<-worker.Done()
}
