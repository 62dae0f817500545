package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaults(t *testing.T) {
	s, err := Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "", s.ExportTemplate())
	assert.False(t, s.UseLocalServer())
	assert.Equal(t, "", s.OpenAIBaseURL())

	folders, err := s.WatchedFolders()
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	s, err := Open(dir, logger)
	require.NoError(t, err)

	s.SetExportTemplate("{{ input_file_name }}")
	s.SetUseLocalServer(true)
	s.SetOpenAIBaseURL("http://localhost:8080/v1")
	s.SetWatchedFolders([]WatchedFolder{
		{InputDirectory: "/in", OutputDirectory: "/out"},
	})
	require.NoError(t, s.Save())

	_, err = os.Stat(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, err)

	reloaded, err := Open(dir, logger)
	require.NoError(t, err)
	assert.Equal(t, "{{ input_file_name }}", reloaded.ExportTemplate())
	assert.True(t, reloaded.UseLocalServer())
	assert.Equal(t, "http://localhost:8080/v1", reloaded.OpenAIBaseURL())

	folders, err := reloaded.WatchedFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "/in", folders[0].InputDirectory)
	assert.Equal(t, "/out", folders[0].OutputDirectory)
}

func TestAccessTokenEnvOverride(t *testing.T) {
	s, err := Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	assert.Equal(t, "sk-from-env", s.OpenAIAccessToken())
}
