package transcriber

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/transcore/transcore/internal/task"
)

// maxChunkSize is the API upload limit; larger files are split by time.
const maxChunkSize = 25 * 1024 * 1024

// OpenAIAPI transcribes through the hosted Whisper API (or any server with a
// compatible surface, like a local whisper-server).
type OpenAIAPI struct {
	base
	baseURL    string
	token      string
	httpClient *http.Client
}

func (o *OpenAIAPI) client() *http.Client {
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return o.httpClient
}

func (o *OpenAIAPI) Run(events chan<- Event) {
	if err := o.prepareInput(events); err != nil {
		o.fail(events, err)
		return
	}

	mp3Path, err := o.decoder.DecodeToMP3(o.ctx, o.task.FilePath)
	if err != nil {
		o.fail(events, err)
		return
	}
	defer os.Remove(mp3Path)

	info, err := os.Stat(mp3Path)
	if err != nil {
		o.fail(events, err)
		return
	}

	events <- Progress{Current: 0, Total: 100}

	if info.Size() <= maxChunkSize {
		segments, err := o.transcribeFile(mp3Path, 0)
		if err != nil {
			o.fail(events, err)
			return
		}
		events <- Progress{Current: 1, Total: 1}
		events <- Completed{Segments: segments}
		return
	}

	duration, err := o.decoder.Duration(o.ctx, mp3Path)
	if err != nil {
		o.fail(events, err)
		return
	}

	numChunks := int(math.Ceil(float64(info.Size()) / float64(maxChunkSize)))
	chunkDuration := duration / time.Duration(numChunks)

	o.logger.Debug("splitting upload",
		zap.Int64("size", info.Size()),
		zap.Int("chunks", numChunks),
		zap.Duration("chunk_duration", chunkDuration))

	var segments []task.Segment
	for i := 0; i < numChunks; i++ {
		if o.stopped() {
			o.fail(events, ErrStopped)
			return
		}

		chunkStart := time.Duration(i) * chunkDuration
		chunkEnd := min(chunkStart+chunkDuration, duration)

		chunkPath, err := o.decoder.CopyChunk(o.ctx, mp3Path, chunkStart, chunkEnd)
		if err != nil {
			o.fail(events, err)
			return
		}

		chunkSegments, err := o.transcribeFile(chunkPath, chunkStart.Milliseconds())
		os.Remove(chunkPath)
		if err != nil {
			o.fail(events, err)
			return
		}
		segments = append(segments, chunkSegments...)

		events <- Progress{Current: int64(i + 1), Total: int64(numChunks)}
	}

	events <- Completed{Segments: segments}
}

// verboseResponse is the verbose-JSON transcription schema; start/end are
// seconds.
type verboseResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (o *OpenAIAPI) transcribeFile(path string, offsetMs int64) ([]task.Segment, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}

	writer.WriteField("model", "whisper-1")
	writer.WriteField("response_format", "verbose_json")
	if o.task.TranscriptionOptions.Language != "" {
		writer.WriteField("language", o.task.TranscriptionOptions.Language)
	}
	if o.task.TranscriptionOptions.InitialPrompt != "" {
		writer.WriteField("prompt", o.task.TranscriptionOptions.InitialPrompt)
	}
	writer.Close()

	endpoint := o.baseURL + "/audio/transcriptions"
	if o.task.TranscriptionOptions.Task == task.KindTranslate {
		endpoint = o.baseURL + "/audio/translations"
	}

	req, err := http.NewRequestWithContext(o.ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription API error (status %d): %s", resp.StatusCode, string(body))
	}

	var decoded verboseResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse transcription response: %w", err)
	}

	segments := make([]task.Segment, 0, len(decoded.Segments))
	for _, s := range decoded.Segments {
		segments = append(segments, task.Segment{
			Start: int64(s.Start*1000) + offsetMs,
			End:   int64(s.End*1000) + offsetMs,
			Text:  norm.NFC.String(s.Text),
		})
	}
	return segments, nil
}
