package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProgress(t *testing.T) {
	downloaded, total, ok := parseProgress("1024/4096")
	assert.True(t, ok)
	assert.Equal(t, int64(1024), downloaded)
	assert.Equal(t, int64(4096), total)

	// yt-dlp prints "NA" before sizes are known.
	_, _, ok = parseProgress("NA/NA")
	assert.False(t, ok)

	_, _, ok = parseProgress("no-separator")
	assert.False(t, ok)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "a_b_c_d_e_f_g_h_i_j",
		SanitizeFileName(`a/b\c:d*e?f"g<h>i|j`))
	assert.Equal(t, "plain name.mp3", SanitizeFileName("plain name.mp3"))
}
