// Package enginetest provides a scripted in-memory engine for tests.
package enginetest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/switchboardhq/switchboard/internal/engine"
)

// Script describes a single scripted response.
type Script struct {
	Chunks []string
	// Delay inserted before each chunk is handed out.
	Delay time.Duration
	// Err, when set, is returned after the chunks instead of io.EOF.
	Err error
	// InvokeErr fails Invoke itself.
	InvokeErr error
}

// Engine replays scripts in order, one per Invoke call. When scripts run out
// the last script is reused. It records every request it sees.
type Engine struct {
	mu       sync.Mutex
	scripts  []Script
	next     int
	requests []engine.InvokeRequest
	memories map[string]string
}

func New(scripts ...Script) *Engine {
	if len(scripts) == 0 {
		scripts = []Script{{Chunks: []string{"ok"}}}
	}
	return &Engine{scripts: scripts, memories: map[string]string{}}
}

// SetMemory registers the memory digest returned for a thread.
func (e *Engine) SetMemory(threadID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memories[threadID] = text
}

// Requests returns a copy of all requests seen so far.
func (e *Engine) Requests() []engine.InvokeRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.InvokeRequest, len(e.requests))
	copy(out, e.requests)
	return out
}

func (e *Engine) Invoke(ctx context.Context, req engine.InvokeRequest) (engine.Stream, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	script := e.scripts[e.next]
	if e.next < len(e.scripts)-1 {
		e.next++
	}
	e.mu.Unlock()

	if script.InvokeErr != nil {
		return nil, script.InvokeErr
	}
	return &stream{ctx: ctx, script: script}, nil
}

func (e *Engine) Memory(ctx context.Context, threadID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	text, ok := e.memories[threadID]
	if !ok {
		return "", engine.ErrNoMemory
	}
	return text, nil
}

type stream struct {
	ctx    context.Context
	script Script
	pos    int
	closed bool
}

func (s *stream) Recv() (engine.Chunk, error) {
	if s.closed {
		return engine.Chunk{}, io.EOF
	}
	if s.script.Delay > 0 {
		select {
		case <-time.After(s.script.Delay):
		case <-s.ctx.Done():
			return engine.Chunk{}, s.ctx.Err()
		}
	}
	if s.pos >= len(s.script.Chunks) {
		if s.script.Err != nil {
			return engine.Chunk{}, s.script.Err
		}
		return engine.Chunk{}, io.EOF
	}
	chunk := engine.Chunk{Text: s.script.Chunks[s.pos]}
	s.pos++
	return chunk, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
