// Package download fetches remote media with yt-dlp and runs the optional
// speech-extraction pre-pass.
package download

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/proc"
)

// progressTemplate makes yt-dlp print one machine-readable line per progress
// tick: "download:<downloaded>/<total>".
const progressTemplate = "download:%(progress.downloaded_bytes)s/%(progress.total_bytes)s"

// Fetcher downloads URLs to temp files, reporting progress as a fraction.
type Fetcher struct {
	YtDlpPath      string
	ExtractorPath  string // source-separation binary for speech extraction
	CookieFilePath string
	Logger         *zap.Logger
}

func NewFetcher(ytDlpPath, extractorPath, cookieFilePath string, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		YtDlpPath:      ytDlpPath,
		ExtractorPath:  extractorPath,
		CookieFilePath: cookieFilePath,
		Logger:         logger,
	}
}

// Fetch downloads audio-only best quality to a temp directory and returns
// the downloaded file path. onProgress receives downloaded/total fractions.
func (f *Fetcher) Fetch(ctx context.Context, url string, onProgress func(float64)) (string, error) {
	title, err := f.title(ctx, url)
	if err != nil {
		return "", err
	}

	f.Logger.Debug("downloading media", zap.String("url", url), zap.String("title", title))

	dir, err := os.MkdirTemp("", "transcore-download-*")
	if err != nil {
		return "", err
	}

	outTemplate := filepath.Join(dir, SanitizeFileName(title)+".%(ext)s")
	args := []string{
		"-f", "bestaudio/best",
		"--newline",
		"--progress-template", progressTemplate,
		"-o", outTemplate,
	}
	if f.CookieFilePath != "" {
		args = append(args, "--cookies", f.CookieFilePath)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, f.YtDlpPath, args...)
	proc.Hide(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start downloader: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "download:") {
			continue
		}
		downloaded, total, ok := parseProgress(strings.TrimPrefix(line, "download:"))
		if ok && total > 0 && onProgress != nil {
			onProgress(float64(downloaded) / float64(total))
		}
	}

	if err := cmd.Wait(); err != nil {
		os.RemoveAll(dir)
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("download failed: %s", msg)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		os.RemoveAll(dir)
		return "", fmt.Errorf("download produced no file")
	}
	return filepath.Join(dir, entries[0].Name()), nil
}

// title extracts the media title used to derive the local filename.
func (f *Fetcher) title(ctx context.Context, url string) (string, error) {
	args := []string{"--get-title", "--no-playlist"}
	if f.CookieFilePath != "" {
		args = append(args, "--cookies", f.CookieFilePath)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, f.YtDlpPath, args...)
	proc.Hide(cmd)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("download failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("download failed: %w", err)
	}
	title := strings.TrimSpace(string(output))
	if title == "" {
		title = "media"
	}
	return title, nil
}

// ExtractSpeech runs the configured source-separation tool and returns the
// path of the generated "<stem>_speech.mp3" file next to the input.
func (f *Fetcher) ExtractSpeech(ctx context.Context, path string) (string, error) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	outPath := stem + "_speech.mp3"

	cmd := exec.CommandContext(ctx, f.ExtractorPath, path, outPath)
	proc.Hide(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("speech extraction failed: %s", strings.TrimSpace(stderr.String()))
	}
	return outPath, nil
}

func parseProgress(s string) (downloaded, total int64, ok bool) {
	downloadedStr, totalStr, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, false
	}
	// yt-dlp prints "NA" before sizes are known.
	downloaded, err1 := strconv.ParseInt(strings.TrimSpace(downloadedStr), 10, 64)
	total, err2 := strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return downloaded, total, true
}

// SanitizeFileName replaces characters that are unsafe in filenames.
func SanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}
