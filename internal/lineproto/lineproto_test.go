package lineproto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/task"
)

func TestReadSegments(t *testing.T) {
	input := `segments = [{"start":40,"end":299,"text":"Bien"},{"start":299,"end":329,"text":"venue dans"}]
--STOP--
`
	var got []task.Segment
	err := Read(strings.NewReader(input), Handler{
		Segments: func(segments []task.Segment) { got = segments },
	}, zap.NewNop())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, task.Segment{Start: 40, End: 299, Text: "Bien"}, got[0])
	assert.Equal(t, task.Segment{Start: 299, End: 329, Text: "venue dans"}, got[1])
}

func TestReadProgress(t *testing.T) {
	input := "0%\n45%\n100%\n--STOP--\n"

	var percents []int64
	err := Read(strings.NewReader(input), Handler{
		Progress: func(current, total int64) {
			assert.EqualValues(t, 100, total)
			percents = append(percents, current)
		},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 45, 100}, percents)
}

func TestReadTqdmProgress(t *testing.T) {
	input := "37%|####      | 223/600 [00:03<00:06, 60.97 seconds/s]\n--STOP--\n"

	var current int64 = -1
	err := Read(strings.NewReader(input), Handler{
		Progress: func(c, _ int64) { current = c },
	}, zap.NewNop())
	require.NoError(t, err)
	assert.EqualValues(t, 37, current)
}

func TestReadPercentMidLineIsNotProgress(t *testing.T) {
	input := "resampling audio at 100% quality\nfoo 250% bar\n--STOP--\n"

	var unknown []string
	err := Read(strings.NewReader(input), Handler{
		Progress: func(c, _ int64) { t.Fatalf("unexpected progress %d", c) },
		Unknown:  func(line string) { unknown = append(unknown, line) },
	}, zap.NewNop())
	require.NoError(t, err)

	// Chatter mentioning a percentage still surfaces through Unknown.
	assert.Equal(t, []string{"resampling audio at 100% quality", "foo 250% bar"}, unknown)
}

func TestReadOutOfRangePercentIsNotProgress(t *testing.T) {
	input := "250% something odd\n--STOP--\n"

	var unknown string
	err := Read(strings.NewReader(input), Handler{
		Progress: func(c, _ int64) { t.Fatalf("unexpected progress %d", c) },
		Unknown:  func(line string) { unknown = line },
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "250% something odd", unknown)
}

func TestReadIgnoresUnknownLines(t *testing.T) {
	input := "loading model\nwarning: something\n--STOP--\n"

	err := Read(strings.NewReader(input), Handler{
		Progress: func(c, _ int64) { t.Fatalf("unexpected progress %d", c) },
		Segments: func([]task.Segment) { t.Fatal("unexpected segments") },
	}, zap.NewNop())
	require.NoError(t, err)
}

func TestReadStopsAtEOF(t *testing.T) {
	// No stop token: the reader returns once the pipe closes.
	err := Read(strings.NewReader("12%\n"), Handler{}, zap.NewNop())
	require.NoError(t, err)
}

func TestReadLaterSegmentsReplaceEarlier(t *testing.T) {
	input := `segments = [{"start":0,"end":100,"text":"a"}]
segments = [{"start":0,"end":100,"text":"a"},{"start":100,"end":200,"text":"b"}]
--STOP--
`
	var got []task.Segment
	err := Read(strings.NewReader(input), Handler{
		Segments: func(segments []task.Segment) { got = segments },
	}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Text)
}
