// Package audio converts any supported input container to the 16 kHz mono
// PCM that the transcription backends expect, by shelling out to ffmpeg.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/transcore/transcore/internal/proc"
)

// SampleRate is the decode target sample rate required by Whisper models.
const SampleRate = 16000

// DecoderError wraps ffmpeg's stderr output when a decode fails.
type DecoderError struct {
	Stderr string
}

func (e *DecoderError) Error() string {
	return fmt.Sprintf("decoder: %s", strings.TrimSpace(e.Stderr))
}

// Decoder invokes ffmpeg/ffprobe. The input file is never mutated.
type Decoder struct {
	FFmpegPath  string
	FFprobePath string
}

func NewDecoder(ffmpegPath, ffprobePath string) *Decoder {
	return &Decoder{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// DecodeToPCM decodes the file to 16 kHz mono float32 samples, piped over
// stdout. Any stderr output or a non-zero exit is a DecoderError.
func (d *Decoder) DecodeToPCM(ctx context.Context, path string) ([]float32, error) {
	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-nostdin",
		"-threads", "0",
		"-i", path,
		"-f", "s16le",
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(SampleRate),
		"-loglevel", "panic",
		"-",
	)
	proc.Hide(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil || stderr.Len() > 0 {
		return nil, &DecoderError{Stderr: stderr.String()}
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}

// DecodeToWAV decodes the file into a temp 16 kHz mono WAV and returns its
// path. Used by backends that only accept file paths. The caller removes the
// file.
func (d *Decoder) DecodeToWAV(ctx context.Context, path string) (string, error) {
	return d.decodeToFile(ctx, path, ".wav", []string{
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(SampleRate),
	})
}

// DecodeToMP3 re-encodes the file to MP3, used for API uploads where file
// size matters.
func (d *Decoder) DecodeToMP3(ctx context.Context, path string) (string, error) {
	return d.decodeToFile(ctx, path, ".mp3", []string{
		"-acodec", "libmp3lame",
		"-q:a", "4",
	})
}

func (d *Decoder) decodeToFile(ctx context.Context, path, ext string, codecArgs []string) (string, error) {
	tmp, err := os.CreateTemp("", "transcore-audio-*"+ext)
	if err != nil {
		return "", err
	}
	tmp.Close()

	args := []string{
		"-nostdin",
		"-threads", "0",
		"-i", path,
		"-vn",
	}
	args = append(args, codecArgs...)
	args = append(args, "-loglevel", "panic", "-y", tmp.Name())

	cmd := exec.CommandContext(ctx, d.FFmpegPath, args...)
	proc.Hide(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil || stderr.Len() > 0 {
		os.Remove(tmp.Name())
		return "", &DecoderError{Stderr: stderr.String()}
	}
	return tmp.Name(), nil
}

// Duration probes the media duration.
func (d *Decoder) Duration(ctx context.Context, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, d.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	proc.Hide(cmd)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return time.Duration(math.Round(secs * float64(time.Second))), nil
}

// CopyChunk cuts [start, end) out of the file with a stream copy, writing a
// sibling temp file with the same extension.
func (d *Decoder) CopyChunk(ctx context.Context, path string, start, end time.Duration) (string, error) {
	tmp, err := os.CreateTemp("", "transcore-chunk-*"+strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return "", err
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-nostdin",
		"-i", path,
		"-ss", fmt.Sprintf("%.3f", start.Seconds()),
		"-to", fmt.Sprintf("%.3f", end.Seconds()),
		"-c", "copy",
		"-loglevel", "panic",
		"-y", tmp.Name(),
	)
	proc.Hide(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(tmp.Name())
		return "", &DecoderError{Stderr: stderr.String()}
	}
	return tmp.Name(), nil
}
