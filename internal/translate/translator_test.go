package translate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type emitted struct {
	id          int64
	translation string
}

type collector struct {
	mu   sync.Mutex
	got  []emitted
	done chan struct{}
	want int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) emit(id int64, translation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, emitted{id: id, translation: translation})
	if len(c.got) == c.want {
		close(c.done)
	}
}

func chatServer(t *testing.T, reply func(system, user string) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)

		content := reply(req.Messages[0].Content, req.Messages[1].Content)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
}

func TestSingleItemTranslation(t *testing.T) {
	srv := chatServer(t, func(system, user string) string {
		assert.Equal(t, "bonjour", user)
		return " hello "
	})
	defer srv.Close()

	c := newCollector(1)
	tr := New(Config{BaseURL: srv.URL, Model: "gpt-4o"}, c.emit, zaptest.NewLogger(t))

	go tr.Run()
	tr.Enqueue("bonjour", 7)
	tr.Stop()

	<-c.done
	assert.Equal(t, []emitted{{id: 7, translation: "hello"}}, c.got)
}

func TestBatchedTranslationKeepsOrderAndIDs(t *testing.T) {
	srv := chatServer(t, func(system, user string) string {
		assert.Contains(t, system, "[n]")
		assert.Contains(t, user, "[1] un\n")
		assert.Contains(t, user, "[2] deux\n")
		assert.Contains(t, user, "[3] trois\n")
		// Out-of-order reply still maps back by index.
		return "[2] two\n[1] one\n[3] three"
	})
	defer srv.Close()

	c := newCollector(3)
	tr := New(Config{BaseURL: srv.URL, Model: "gpt-4o"}, c.emit, zaptest.NewLogger(t))

	// Fill the queue before starting the loop so the drain sees a batch.
	tr.Enqueue("un", 1)
	tr.Enqueue("deux", 2)
	tr.Enqueue("trois", 3)
	tr.Stop()
	go tr.Run()

	<-c.done
	assert.Equal(t, []emitted{
		{id: 1, translation: "one"},
		{id: 2, translation: "two"},
		{id: 3, translation: "three"},
	}, c.got)
}

func TestMissingIndexEmitsPlaceholder(t *testing.T) {
	srv := chatServer(t, func(system, user string) string {
		return "[1] one"
	})
	defer srv.Close()

	c := newCollector(2)
	tr := New(Config{BaseURL: srv.URL, Model: "gpt-4o"}, c.emit, zaptest.NewLogger(t))

	tr.Enqueue("un", 1)
	tr.Enqueue("deux", 2)
	tr.Stop()
	go tr.Run()

	<-c.done
	assert.Equal(t, []emitted{
		{id: 1, translation: "one"},
		{id: 2, translation: ErrorPlaceholder},
	}, c.got)
}

func TestRequestFailureEmitsPlaceholderAndContinues(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := newCollector(2)
	tr := New(Config{BaseURL: srv.URL, Model: "gpt-4o"}, c.emit, zaptest.NewLogger(t))

	go tr.Run()
	tr.Enqueue("first", 1)

	// Wait for the failed emit before queueing the next item so the two
	// items land in separate batches.
	for {
		c.mu.Lock()
		n := len(c.got)
		c.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	tr.Enqueue("second", 2)
	tr.Stop()

	<-c.done
	assert.Equal(t, ErrorPlaceholder, c.got[0].translation)
	assert.Equal(t, "ok", c.got[1].translation)
}

func TestParseNumbered(t *testing.T) {
	got := parseNumbered("[1] alpha\n[2] beta gamma\n[4] delta")
	assert.Equal(t, map[int]string{1: "alpha", 2: "beta gamma", 4: "delta"}, got)

	assert.Empty(t, parseNumbered("no indices here"))
}

func TestDefaultPromptApplied(t *testing.T) {
	var gotSystem string
	srv := chatServer(t, func(system, user string) string {
		gotSystem = system
		return "x"
	})
	defer srv.Close()

	c := newCollector(1)
	tr := New(Config{BaseURL: srv.URL, Model: "gpt-4o"}, c.emit, zaptest.NewLogger(t))
	go tr.Run()
	tr.Enqueue("y", 1)
	tr.Stop()

	<-c.done
	assert.True(t, strings.HasPrefix(gotSystem, DefaultPrompt))
}
