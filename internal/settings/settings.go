// Package settings stores user preferences in a YAML file under the data
// directory and secrets in the OS keyring.
package settings

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const (
	keyringService = "transcore"
	keyringUser    = "openai_api_key"
)

// WatchedFolder is one configured input/output directory pair for the folder
// watcher.
type WatchedFolder struct {
	InputDirectory  string `mapstructure:"input_directory" yaml:"input_directory"`
	OutputDirectory string `mapstructure:"output_directory" yaml:"output_directory"`
}

// Settings wraps the preferences file. Not safe for concurrent writers; the
// host serializes settings changes.
type Settings struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger
}

// Open loads settings.yaml from dataPath, creating defaults in memory when
// the file does not exist yet.
func Open(dataPath string, logger *zap.Logger) (*Settings, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("settings")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataPath)

	v.SetDefault("export_template", "")
	v.SetDefault("use_local_server", false)
	v.SetDefault("openai_base_url", "")
	v.SetDefault("watched_folders", []WatchedFolder{})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return &Settings{
		v:      v,
		path:   filepath.Join(dataPath, "settings.yaml"),
		logger: logger,
	}, nil
}

// Save writes the current values back to settings.yaml.
func (s *Settings) Save() error {
	return s.v.WriteConfigAs(s.path)
}

// ExportTemplate is the output filename template; empty selects the built-in
// default.
func (s *Settings) ExportTemplate() string {
	return s.v.GetString("export_template")
}

func (s *Settings) SetExportTemplate(template string) {
	s.v.Set("export_template", template)
}

// UseLocalServer routes Whisper.cpp tasks through a spawned whisper-server.
func (s *Settings) UseLocalServer() bool {
	return s.v.GetBool("use_local_server")
}

func (s *Settings) SetUseLocalServer(enabled bool) {
	s.v.Set("use_local_server", enabled)
}

// OpenAIBaseURL overrides the remote transcription endpoint; empty selects
// the official API.
func (s *Settings) OpenAIBaseURL() string {
	return s.v.GetString("openai_base_url")
}

func (s *Settings) SetOpenAIBaseURL(url string) {
	s.v.Set("openai_base_url", url)
}

// WatchedFolders returns the configured folder-watch pairs.
func (s *Settings) WatchedFolders() ([]WatchedFolder, error) {
	var folders []WatchedFolder
	if err := s.v.UnmarshalKey("watched_folders", &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

func (s *Settings) SetWatchedFolders(folders []WatchedFolder) {
	s.v.Set("watched_folders", folders)
}

// OpenAIAccessToken resolves the API token: the OPENAI_API_KEY environment
// variable wins, then the OS keyring. A missing token is not an error; the
// remote backend reports it when actually used.
func (s *Settings) OpenAIAccessToken() string {
	if token := os.Getenv("OPENAI_API_KEY"); token != "" {
		return token
	}
	token, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			s.logger.Warn("read access token from keyring", zap.Error(err))
		}
		return ""
	}
	return token
}

// SetOpenAIAccessToken stores the token in the OS keyring.
func (s *Settings) SetOpenAIAccessToken(token string) error {
	if token == "" {
		err := keyring.Delete(keyringService, keyringUser)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return keyring.Set(keyringService, keyringUser, token)
}
