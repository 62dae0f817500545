// Package translate post-processes transcript segments through a
// chat-completion endpoint, batching requests to cut round trips.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// BatchSize caps how many queued segments ride in one API call.
	BatchSize = 10

	requestTimeout = 60 * time.Second

	// ErrorPlaceholder is emitted in place of a translation when a request
	// fails or the response omits an index.
	ErrorPlaceholder = "[translation failed]"
)

// DefaultPrompt is used when the task does not carry its own.
const DefaultPrompt = "You are a professional translator. Translate the user's text to English. Reply with the translation only."

var indexedLineRe = regexp.MustCompile(`\[(\d+)\]\s*`)

// Item is one segment awaiting translation.
type Item struct {
	Text      string
	SegmentID int64
}

// Config points the worker at a chat-completion endpoint. BaseURL and APIKey
// default from BUZZ_TRANSLATION_API_BASE_URL and BUZZ_TRANSLATION_API_KEY.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Prompt  string
}

// Translator is a single-consumer batching worker. Enqueue from any
// goroutine; Run consumes until Stop.
type Translator struct {
	cfg    Config
	client *http.Client
	queue  chan *Item
	emit   func(segmentID int64, translation string)
	logger *zap.Logger
}

// New builds a worker that reports each finished translation through emit.
func New(cfg Config, emit func(segmentID int64, translation string), logger *zap.Logger) *Translator {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	return &Translator{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		queue:  make(chan *Item, 512),
		emit:   emit,
		logger: logger,
	}
}

// Enqueue appends one segment to the work queue.
func (t *Translator) Enqueue(text string, segmentID int64) {
	t.queue <- &Item{Text: text, SegmentID: segmentID}
}

// Stop enqueues the termination sentinel. Items enqueued before Stop are
// still translated.
func (t *Translator) Stop() {
	t.queue <- nil
}

// Run consumes the queue until the sentinel, batching up to BatchSize items
// per API call. A failed call emits the placeholder for every item in the
// batch and keeps going.
func (t *Translator) Run() {
	for {
		item := <-t.queue
		if item == nil {
			return
		}

		batch := []*Item{item}
		stopping := false
	drain:
		for len(batch) < BatchSize {
			select {
			case next := <-t.queue:
				if next == nil {
					stopping = true
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		t.translateBatch(batch)

		if stopping {
			return
		}
	}
}

func (t *Translator) translateBatch(batch []*Item) {
	if len(batch) == 1 {
		text, err := t.complete(t.cfg.Prompt, batch[0].Text)
		if err != nil {
			t.logger.Warn("translation request failed", zap.Error(err))
			t.emit(batch[0].SegmentID, ErrorPlaceholder)
			return
		}
		t.emit(batch[0].SegmentID, strings.TrimSpace(text))
		return
	}

	var user strings.Builder
	for i, item := range batch {
		fmt.Fprintf(&user, "[%d] %s\n", i+1, item.Text)
	}
	system := t.cfg.Prompt +
		"\nThe user message contains numbered lines of the form [n] text." +
		" Reply with one line per input in the same [n] numbered format."

	response, err := t.complete(system, user.String())
	if err != nil {
		t.logger.Warn("batched translation request failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		for _, item := range batch {
			t.emit(item.SegmentID, ErrorPlaceholder)
		}
		return
	}

	translations := parseNumbered(response)
	for i, item := range batch {
		translation, ok := translations[i+1]
		if !ok {
			translation = ErrorPlaceholder
		}
		t.emit(item.SegmentID, translation)
	}
}

// parseNumbered splits "[1] foo [2] bar" style responses into index → text.
func parseNumbered(response string) map[int]string {
	matches := indexedLineRe.FindAllStringSubmatchIndex(response, -1)
	out := make(map[int]string, len(matches))
	for i, m := range matches {
		index, err := strconv.Atoi(response[m[2]:m[3]])
		if err != nil {
			continue
		}
		end := len(response)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		out[index] = strings.TrimSpace(response[m[1]:end])
	}
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (t *Translator) complete(system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: t.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode translation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil {
			return "", fmt.Errorf("translation API: %s", decoded.Error.Message)
		}
		return "", fmt.Errorf("translation API returned status %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("translation API returned no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}
