// Package lineproto implements the text-line protocol a transcription child
// process writes to its stderr pipe: percent progress lines, a JSON segment
// list, and a terminating sentinel.
package lineproto

import (
	"bufio"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/task"
)

// StopToken ends the transmission. The child always writes it on the success
// path; abnormal termination is observed via the child exit code instead.
const StopToken = "--STOP--"

const segmentsPrefix = "segments = "

// Progress lines start with the percent: plain "N%" or tqdm's "N%| 27/60".
// A percent buried mid-sentence in ordinary stderr chatter is not progress.
var progressRe = regexp.MustCompile(`^(\d+(\.\d+)?)%`)

// Handler receives decoded protocol events. Segments replaces the full
// segment list each time it is called.
type Handler struct {
	Progress func(current, total int64)
	Segments func(segments []task.Segment)
	// Unknown observes non-empty lines outside the protocol, after they
	// are logged. Used to surface a child's dying words as an error.
	Unknown func(line string)
}

// Read consumes lines from the pipe until the stop token or EOF. Unparseable
// lines are logged at debug and skipped; they never fail the read loop.
func Read(r io.Reader, h Handler, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == StopToken {
			return nil
		}

		if strings.HasPrefix(line, segmentsPrefix) {
			var segments []task.Segment
			if err := json.Unmarshal([]byte(line[len(segmentsPrefix):]), &segments); err != nil {
				logger.Debug("unparseable segments line", zap.String("line", line), zap.Error(err))
				continue
			}
			if h.Segments != nil {
				h.Segments(segments)
			}
			continue
		}

		if match := progressRe.FindStringSubmatch(line); match != nil {
			percent, err := strconv.ParseFloat(match[1], 64)
			if err == nil && percent <= 100 {
				if h.Progress != nil {
					h.Progress(int64(percent), 100)
				}
				continue
			}
		}

		if line != "" {
			logger.Debug("child stderr", zap.String("line", line))
			if h.Unknown != nil {
				h.Unknown(line)
			}
		}
	}
	return scanner.Err()
}
