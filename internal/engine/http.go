package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/internal/config"
)

// HTTPEngine talks to the engine over HTTP with SSE streaming responses.
type HTTPEngine struct {
	baseURL string
	apiKey  string
	// client carries no timeout; stream lifetime is bounded by the caller's
	// context. apiClient serves the short non-streaming calls.
	client    *http.Client
	apiClient *http.Client
	logger    *slog.Logger
}

// NewHTTPEngine creates an engine client for cfg. Streamed requests carry no
// client-side timeout; lifetime is bounded by the caller's context.
func NewHTTPEngine(log *slog.Logger, cfg config.EngineConfig) *HTTPEngine {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPEngine{
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		client:    &http.Client{},
		apiClient: &http.Client{Timeout: 30 * time.Second},
		logger:    log.With(slog.String("service", "engine")),
	}
}

type invokePayload struct {
	ThreadID     string `json:"thread_id"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Text         string `json:"text"`
}

type streamPayload struct {
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

// Invoke submits the turn and returns a stream over the SSE response body.
func (e *HTTPEngine) Invoke(ctx context.Context, req InvokeRequest) (Stream, error) {
	provider, model := SplitModel(req.Model)
	body, err := json.Marshal(invokePayload{
		ThreadID:     req.ThreadID,
		Provider:     provider,
		Model:        model,
		SystemPrompt: req.SystemPrompt,
		Text:         req.Text,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("engine error: %s", strings.TrimSpace(string(payload)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// Memory fetches the engine's memory digest for a thread.
func (e *HTTPEngine) Memory(ctx context.Context, threadID string) (string, error) {
	url := fmt.Sprintf("%s/threads/%s/memory", e.baseURL, threadID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.apiClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	// Reading the body to EOF keeps the connection reusable.
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoMemory
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("engine error: %s", strings.TrimSpace(string(payload)))
	}

	var parsed struct {
		Memory string `json:"memory"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", err
	}
	return parsed.Memory, nil
}

// sseStream reads `data:` lines from an SSE body until the [DONE] sentinel.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			s.body.Close()
			return Chunk{}, io.EOF
		}
		var payload streamPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			// Engines may stream bare text lines.
			return Chunk{Text: data}, nil
		}
		if payload.Error != "" {
			s.done = true
			s.body.Close()
			return Chunk{}, fmt.Errorf("engine stream: %s", payload.Error)
		}
		if payload.Delta == "" {
			continue
		}
		return Chunk{Text: payload.Delta}, nil
	}

	s.done = true
	s.body.Close()
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
