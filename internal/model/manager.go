// Package model resolves transcription models to local artifacts,
// downloading and checksum-verifying them on first use.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/transcore/transcore/internal/task"
)

// whisperCppChecksums holds the published SHA-256 digests of the ggml model
// files, keyed by size.
var whisperCppChecksums = map[task.ModelSize]string{
	task.ModelSizeTiny:         "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21",
	task.ModelSizeBase:         "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe",
	task.ModelSizeSmall:        "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b",
	task.ModelSizeMedium:       "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208",
	task.ModelSizeLarge:        "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	task.ModelSizeLargeV2:      "9a423fe4d40c82774b6af34115b8b935f34152246eb19e80e376071d3f999487",
	task.ModelSizeLargeV3:      "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2",
	task.ModelSizeLargeV3Turbo: "1fc70f774d38eb169993ac391eea357ef47c88757ef72ee5943879b7e8e2bc69",
}

const whisperCppBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

const whisperPtBaseURL = "https://openaipublic.azureedge.net/main/whisper/models"

// whisperPtURLs holds the published download URLs of the PyTorch Whisper
// checkpoints. The second-to-last path segment of each URL is the
// artifact's SHA-256.
var whisperPtURLs = map[task.ModelSize]string{
	task.ModelSizeTiny:         whisperPtBaseURL + "/65147644a518d12f04e32d6f3b26facc3f8dd46e5390956a9424a650c0ce22b9/tiny.pt",
	task.ModelSizeBase:         whisperPtBaseURL + "/ed3a0b6b1c0edf879ad9b11b1af5a0e6ab5db9205f891f668f8b0e6c6326e34e/base.pt",
	task.ModelSizeSmall:        whisperPtBaseURL + "/9ecf779972d90ba49c06d968637d720dd632c55bbf19d441fb42bf17a411e794/small.pt",
	task.ModelSizeMedium:       whisperPtBaseURL + "/345ae4da62f9b3d59415adc60127b97c714f32e89e936602e85993674d08dcb1/medium.pt",
	task.ModelSizeLarge:        whisperPtBaseURL + "/e5b1a55b89c1367dacf97e3e19bfd829a01529dbfdeefa8caeb59b3f1b81dadb/large-v3.pt",
	task.ModelSizeLargeV2:      whisperPtBaseURL + "/81f7c96c852ee8fc832187b0132e569d6c3065a3252ed18e56effd0b6a73e524/large-v2.pt",
	task.ModelSizeLargeV3:      whisperPtBaseURL + "/e5b1a55b89c1367dacf97e3e19bfd829a01529dbfdeefa8caeb59b3f1b81dadb/large-v3.pt",
	task.ModelSizeLargeV3Turbo: whisperPtBaseURL + "/aff26ae408abcba5fbf8813c21e62b0941638c5f6eebfb145be0c9839262a19a/large-v3-turbo.pt",
}

// Manager locates and fetches model artifacts under the cache directory.
type Manager struct {
	cacheDir string
	baseURL  string
	client   *http.Client
	logger   *zap.Logger
}

func NewManager(cacheDir string, logger *zap.Logger) *Manager {
	return &Manager{
		cacheDir: cacheDir,
		baseURL:  whisperCppBaseURL,
		client:   &http.Client{Timeout: 15 * time.Minute},
		logger:   logger,
	}
}

// Path resolves where a model's artifact lives, without fetching it. The
// remote API backend needs no local artifact and resolves to "".
func (m *Manager) Path(model task.Model) string {
	switch model.Type {
	case task.ModelTypeWhisperCpp:
		return filepath.Join(m.cacheDir, "whisper-cpp", fmt.Sprintf("ggml-%s.bin", model.Size))
	case task.ModelTypeWhisper:
		return filepath.Join(m.cacheDir, "whisper", fmt.Sprintf("%s.pt", model.Size))
	case task.ModelTypeHuggingFace:
		return filepath.Join(m.cacheDir, "huggingface", snapshotDirName(model.HuggingFaceModelID))
	case task.ModelTypeFasterWhisper:
		if model.Size == task.ModelSizeCustom {
			return filepath.Join(m.cacheDir, "faster-whisper", snapshotDirName(model.HuggingFaceModelID))
		}
		return filepath.Join(m.cacheDir, "faster-whisper", string(model.Size))
	default:
		return ""
	}
}

func snapshotDirName(modelID string) string {
	return "models--" + strings.ReplaceAll(modelID, "/", "--")
}

// Cancel aborts an in-flight Fetch when set.
type Cancel struct {
	flag atomic.Bool
}

func (c *Cancel) Set()           { c.flag.Store(true) }
func (c *Cancel) canceled() bool { return c.flag.Load() }

var (
	// ErrCanceled is returned when a download is aborted by its cancel flag.
	ErrCanceled = errors.New("model download canceled")
	// ErrChecksumMismatch is returned when a downloaded artifact does not
	// hash to the published digest.
	ErrChecksumMismatch = errors.New("model checksum mismatch")
)

// Fetch ensures the model's artifact exists locally, downloading and
// verifying it if needed, and returns its path. Hugging Face and
// faster-whisper snapshots are fetched by the inference worker itself, and
// the remote API backend needs no artifact.
func (m *Manager) Fetch(model task.Model, progress func(done, total int64), cancel *Cancel) (string, error) {
	switch model.Type {
	case task.ModelTypeWhisperCpp:
		return m.fetchWhisperCpp(model, progress, cancel)
	case task.ModelTypeWhisper:
		url, ok := whisperPtURLs[model.Size]
		if !ok {
			path := m.Path(model)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
			return "", fmt.Errorf("no download source for whisper model %q", model.Size)
		}
		return m.FetchURL(url, progress, cancel)
	default:
		return m.Path(model), nil
	}
}

func (m *Manager) fetchWhisperCpp(model task.Model, progress func(done, total int64), cancel *Cancel) (string, error) {
	path := m.Path(model)

	expected, known := whisperCppChecksums[model.Size]
	if known {
		ok, err := fileMatchesChecksum(path, expected)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	} else if _, err := os.Stat(path); err == nil {
		// Custom and unlisted sizes are trusted as-is once present.
		return path, nil
	}

	url := fmt.Sprintf("%s/ggml-%s.bin", m.baseURL, model.Size)
	if err := m.download(url, path, expected, progress, cancel); err != nil {
		return "", err
	}
	return path, nil
}

// FetchURL downloads a model file into the whisper cache by URL. When the
// URL embeds a SHA-256 digest as its second-to-last path segment, as the
// published checkpoint URLs do, the cached copy and the download are
// verified against it; other URLs are trusted as-is once present.
func (m *Manager) FetchURL(url string, progress func(done, total int64), cancel *Cancel) (string, error) {
	path := filepath.Join(m.cacheDir, "whisper", filepath.Base(url))
	expected := urlChecksum(url)
	if expected != "" {
		ok, err := fileMatchesChecksum(path, expected)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
	} else if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := m.download(url, path, expected, progress, cancel); err != nil {
		return "", err
	}
	return path, nil
}

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// urlChecksum extracts the digest embedded in a checkpoint URL, or "".
func urlChecksum(url string) string {
	parts := strings.Split(url, "/")
	if len(parts) < 2 {
		return ""
	}
	if seg := parts[len(parts)-2]; hexDigestRe.MatchString(seg) {
		return seg
	}
	return ""
}

func (m *Manager) download(url, path, expectedSHA string, progress func(done, total int64), cancel *Cancel) error {
	m.logger.Info("downloading model", zap.String("url", url), zap.String("path", path))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	resp, err := m.client.Get(url)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: status %d from %s", resp.StatusCode, url)
	}

	// Write to a temp file and rename so a partial download never looks
	// like a finished artifact.
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	var done int64
	buf := make([]byte, 32*1024)
	for {
		if cancel != nil && cancel.canceled() {
			tmp.Close()
			return ErrCanceled
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := tmp.Write(buf[:n]); err != nil {
				tmp.Close()
				return err
			}
			hash.Write(buf[:n])
			done += int64(n)
			if progress != nil {
				progress(done, resp.ContentLength)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			return readErr
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if expectedSHA != "" {
		actual := hex.EncodeToString(hash.Sum(nil))
		if actual != expectedSHA {
			return fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, actual, expectedSHA)
		}
	}

	return os.Rename(tmp.Name(), path)
}

func fileMatchesChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(hash.Sum(nil)) == expected, nil
}
