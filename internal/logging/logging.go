package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. Level and format come from LOG_LEVEL and
// LOG_FORMAT; the default is a human-readable console logger at info.
func New() (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = level

	return cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
}
