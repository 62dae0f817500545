// Package export renders completed transcripts into plain-text and subtitle
// files.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/transcore/transcore/internal/task"
)

// Field selects which per-segment string is exported.
type Field string

const (
	FieldText        Field = "text"
	FieldTranslation Field = "translation"
)

func (f Field) from(seg task.Segment) string {
	if f == FieldTranslation {
		return seg.Translation
	}
	return seg.Text
}

// DefaultTemplate names exported files after the input plus what was done to
// it and when.
const DefaultTemplate = "{{ input_file_name }} ({{ task }}d on {{ date_time }})"

const dateTimeLayout = "02-Jan-2006 15-04-05"

// Timestamp renders milliseconds as HH:MM:SS<sep>mmm. SRT separates the
// millisecond part with a comma, VTT with a period.
func Timestamp(ms int64, sep string) string {
	hours := ms / (1000 * 60 * 60)
	minutes := ms / (1000 * 60) % 60
	seconds := ms / 1000 % 60
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hours, minutes, seconds, sep, millis)
}

// ParseTimestamp inverts Timestamp, accepting either separator.
func ParseTimestamp(s string) (int64, error) {
	var hours, minutes, seconds, millis int64
	normalized := strings.Replace(s, ",", ".", 1)
	if _, err := fmt.Sscanf(normalized, "%d:%d:%d.%d", &hours, &minutes, &seconds, &millis); err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return ((hours*60+minutes)*60+seconds)*1000 + millis, nil
}

// TXT joins segment texts with spaces, starting a new paragraph wherever the
// silence between consecutive segments reaches paragraphSplitMs.
func TXT(segments []task.Segment, field Field, paragraphSplitMs int64) string {
	var b strings.Builder
	var prevEnd int64 = -1
	for _, seg := range segments {
		text := strings.TrimSpace(field.from(seg))
		if text == "" {
			continue
		}
		if prevEnd >= 0 {
			if seg.Start-prevEnd >= paragraphSplitMs {
				b.WriteString("\n\n")
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(text)
		prevEnd = seg.End
	}
	return b.String()
}

// SRT renders numbered cues with comma-millisecond timestamps.
func SRT(segments []task.Segment, field Field) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, Timestamp(seg.Start, ","), Timestamp(seg.End, ","),
			strings.TrimSpace(field.from(seg)))
	}
	return b.String()
}

// VTT renders a WEBVTT file with period-millisecond timestamps.
func VTT(segments []task.Segment, field Field) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			Timestamp(seg.Start, "."), Timestamp(seg.End, "."),
			strings.TrimSpace(field.from(seg)))
	}
	return b.String()
}

// Render produces the file content for one output format.
func Render(format task.OutputFormat, segments []task.Segment, field Field, paragraphSplitMs int64) (string, error) {
	switch format {
	case task.OutputFormatTXT:
		return TXT(segments, field, paragraphSplitMs), nil
	case task.OutputFormatSRT:
		return SRT(segments, field), nil
	case task.OutputFormatVTT:
		return VTT(segments, field), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", format)
	}
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// FileName renders the output filename template. Supported placeholders,
// with or without inner spaces, are {{ input_file_name }}, {{ task }},
// {{ language }}, {{ model_type }}, {{ model_size }} and {{ date_time }}.
func FileName(template string, t *task.Task, format task.OutputFormat, now time.Time) string {
	if template == "" {
		template = DefaultTemplate
	}
	inputPath := t.OriginalFilePath
	if inputPath == "" {
		inputPath = t.FilePath
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))

	values := map[string]string{
		"input_file_name": stem,
		"task":            string(t.TranscriptionOptions.Task),
		"language":        t.TranscriptionOptions.Language,
		"model_type":      string(t.TranscriptionOptions.Model.Type),
		"model_size":      string(t.TranscriptionOptions.Model.Size),
		"date_time":       now.Format(dateTimeLayout),
	}
	rendered := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if value, ok := values[key]; ok {
			return value
		}
		return match
	})
	return rendered + "." + string(format)
}

// WriteAll exports every requested format next to the input file, or into the
// task's output directory when one is set. Returns the paths written.
func WriteAll(t *task.Task, template string, paragraphSplitMs int64) ([]string, error) {
	dir := t.OutputDirectory
	if dir == "" {
		inputPath := t.OriginalFilePath
		if inputPath == "" {
			inputPath = t.FilePath
		}
		dir = filepath.Dir(inputPath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	now := time.Now()
	var paths []string
	for _, format := range t.FileOptions.OutputFormats {
		content, err := Render(format, t.Segments, FieldText, paragraphSplitMs)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, FileName(template, t, format, now))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s export: %w", format, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
