package transcriber

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"

	"github.com/transcore/transcore/internal/lineproto"
	"github.com/transcore/transcore/internal/proc"
	"github.com/transcore/transcore/internal/task"
)

// WhisperCpp runs the native whisper.cpp CLI binary in a child process and
// collects its JSON sidecar output.
type WhisperCpp struct {
	base
	binPath  string
	forceCPU bool

	cmd *exec.Cmd
}

var specialTokenRe = regexp.MustCompile(`^\[_.*\]$`)

func (w *WhisperCpp) Run(events chan<- Event) {
	if err := w.prepareInput(events); err != nil {
		w.fail(events, err)
		return
	}

	input := w.task.FilePath
	if needsWAVConversion(input) {
		wavPath, err := w.decoder.DecodeToWAV(w.ctx, input)
		if err != nil {
			w.fail(events, err)
			return
		}
		defer os.Remove(wavPath)
		input = wavPath
	}

	sidecarPath := input + ".json"
	defer os.Remove(sidecarPath)

	lang := w.task.TranscriptionOptions.Language
	if lang == "" {
		lang = "auto"
	}

	args := []string{
		"-m", w.task.ModelPath,
		"-l", lang,
		"--print-progress",
		"--suppress-nst",
		"--output-json-full",
	}
	if w.task.TranscriptionOptions.Task == task.KindTranslate {
		args = append(args, "--translate")
	}
	if w.task.TranscriptionOptions.WordLevelTimings {
		args = append(args, "-ml", "1")
	}
	if w.forceCPU {
		args = append(args, "--no-gpu")
	}
	args = append(args, "-f", input)

	w.cmd = exec.CommandContext(w.ctx, w.binPath, args...)
	proc.Hide(w.cmd)

	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		w.fail(events, err)
		return
	}

	w.logger.Debug("starting whisper.cpp", zap.Strings("args", args))

	if err := w.cmd.Start(); err != nil {
		w.fail(events, fmt.Errorf("start whisper.cpp: %w", err))
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		lineproto.Read(stderr, lineproto.Handler{
			Progress: func(current, total int64) {
				events <- Progress{Current: current, Total: total}
			},
		}, w.logger)
	}()

	err = w.cmd.Wait()
	<-readDone

	if w.stopped() {
		w.fail(events, ErrStopped)
		return
	}
	if err != nil && !proc.ExitedWithSegfault(err) {
		w.fail(events, fmt.Errorf("whisper.cpp exited: %w", err))
		return
	}
	if err != nil {
		// The binary wrote complete output, then segfaulted during
		// tear-down. Known issue in the upstream binary; keep loud
		// until it is fixed there.
		w.logger.Warn("whisper.cpp segfaulted after writing output, treating as success",
			zap.String("file", input))
	}

	segments, err := w.readSidecar(sidecarPath)
	if err != nil {
		w.fail(events, err)
		return
	}

	events <- Completed{Segments: segments}
}

// sidecar mirrors whisper.cpp's --output-json-full schema. Only the fields
// the collector needs are decoded.
type sidecar struct {
	Transcription []sidecarSegment `json:"transcription"`
}

type sidecarSegment struct {
	Offsets sidecarOffsets `json:"offsets"`
	Text    string         `json:"text"`
	Tokens  []sidecarToken `json:"tokens"`
}

type sidecarToken struct {
	Text    string         `json:"text"`
	Offsets sidecarOffsets `json:"offsets"`
}

type sidecarOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// readSidecar reads the generated JSON with latin-1 framing so that raw
// bytes survive the decode, then reinterprets each text field as UTF-8.
// whisper.cpp splits multibyte codepoints across tokens, so the bytes only
// become valid UTF-8 once whole words are reassembled.
func (w *WhisperCpp) readSidecar(path string) ([]task.Segment, error) {
	doc, err := readLatin1JSON(path)
	if err != nil {
		return nil, err
	}

	if w.task.TranscriptionOptions.WordLevelTimings {
		return collectWords(doc), nil
	}

	segments := make([]task.Segment, 0, len(doc.Transcription))
	for _, seg := range doc.Transcription {
		raw := latin1Bytes(seg.Text)
		text := string(raw)
		if !utf8.Valid(raw) {
			// Not UTF-8 after all; keep the latin-1 reading.
			text = seg.Text
		}
		segments = append(segments, task.Segment{
			Start: seg.Offsets.From,
			End:   seg.Offsets.To,
			Text:  norm.NFC.String(text),
		})
	}
	return segments, nil
}

// collectWords accumulates token bytes into word-level segments. A token
// beginning with a space starts a new word; a token beginning with ", "
// closes the previous word with a comma attached. Bytes that do not yet
// decode as UTF-8 are a split multibyte codepoint and keep accumulating.
func collectWords(doc *sidecar) []task.Segment {
	var words []task.Segment
	var buf []byte
	var start, end int64

	for _, seg := range doc.Transcription {
		for _, token := range seg.Tokens {
			if specialTokenRe.MatchString(token.Text) {
				continue
			}

			txt := latin1Bytes(token.Text)

			if len(buf) == 0 {
				start = token.Offsets.From
			}

			if len(txt) > 0 && txt[0] == ' ' {
				if appendWord(&words, buf, start, end) {
					buf = append([]byte(nil), txt...)
					start = token.Offsets.From
					end = token.Offsets.To
					continue
				}
			}

			if len(txt) >= 2 && txt[0] == ',' && txt[1] == ' ' {
				buf = append(buf, ',')
				if appendWord(&words, buf, start, end) {
					buf = append([]byte(nil), txt[1:]...)
					start = token.Offsets.From
					end = token.Offsets.To
					continue
				}
				// Split codepoint still in flight: undo the comma and keep
				// accumulating instead of throwing the bytes away.
				buf = buf[:len(buf)-1]
			}

			buf = append(buf, txt...)
			end = token.Offsets.To
		}

		if appendWord(&words, buf, start, end) {
			buf = nil
		}
	}

	return words
}

// appendWord emits the accumulated bytes as a segment once they decode as
// UTF-8 and are non-empty after trimming. Returns whether the buffer was
// consumed.
func appendWord(words *[]task.Segment, buf []byte, start, end int64) bool {
	if !utf8.Valid(buf) {
		return false
	}
	text := strings.TrimSpace(string(buf))
	if text == "" {
		return false
	}
	*words = append(*words, task.Segment{Start: start, End: end, Text: norm.NFC.String(text)})
	return true
}

// latin1Bytes reverses the latin-1 framing applied by readLatin1JSON,
// recovering the raw bytes whisper.cpp wrote.
func latin1Bytes(s string) []byte {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		b = append(b, byte(r))
	}
	return b
}

func readLatin1JSON(path string) (*sidecar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcription output: %w", err)
	}
	// Decoding as latin-1 maps every byte to the codepoint of the same
	// value, giving valid UTF-8 for the JSON parser without losing bytes.
	framed, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode transcription output: %w", err)
	}
	doc := &sidecar{}
	if err := json.Unmarshal(framed, doc); err != nil {
		return nil, fmt.Errorf("parse transcription output: %w", err)
	}
	return doc, nil
}
