package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestNew(t *testing.T) {
	tk := New("/media/a.mp3", TranscriptionOptions{Task: KindTranscribe}, FileTranscriptionOptions{})

	assert.NotEqual(t, "", tk.ID.String())
	assert.Equal(t, SourceFileImport, tk.Source)
	assert.Equal(t, StatusQueued, tk.Status)
	assert.Equal(t, "/media/a.mp3", tk.FilePath)
	assert.Equal(t, "/media/a.mp3", tk.OriginalFilePath)
	assert.False(t, tk.QueuedAt.IsZero())
}

func TestNewFromURL(t *testing.T) {
	tk := NewFromURL("https://example.com/v", TranscriptionOptions{}, FileTranscriptionOptions{})

	assert.Equal(t, SourceURLImport, tk.Source)
	assert.Equal(t, "https://example.com/v", tk.URL)
	assert.Equal(t, "", tk.FilePath)
}

func TestHumanizeLanguage(t *testing.T) {
	assert.Equal(t, "Detect Language", HumanizeLanguage(""))
	assert.Equal(t, "Latvian", HumanizeLanguage("lv"))
	assert.Equal(t, "Haitian Creole", HumanizeLanguage("ht"))
	assert.Equal(t, "xx", HumanizeLanguage("xx"))
}
