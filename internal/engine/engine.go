// Package engine defines the contract with the external conversational
// engine and provides the HTTP streaming client. The engine owns all
// conversation content, keyed by an opaque thread id; the coordinator only
// submits turns and consumes the ordered token stream.
package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrNoMemory is returned when the engine does not expose a memory surface.
var ErrNoMemory = errors.New("engine memory surface not available")

// InvokeRequest is one user turn submitted to the engine.
type InvokeRequest struct {
	ThreadID     string
	Model        string // provider:model selector
	SystemPrompt string
	Text         string
}

// Chunk is one ordered token chunk of a streamed response.
type Chunk struct {
	Text string
}

// Stream yields response chunks in order. Recv returns io.EOF after the
// final chunk, or the engine error that ended the stream. Close releases the
// underlying transport and is safe to call at any point.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Engine is the conversational engine consumed by the orchestrator.
type Engine interface {
	// Invoke submits a turn for a thread and returns its token stream.
	Invoke(ctx context.Context, req InvokeRequest) (Stream, error)
	// Memory returns the engine's long-term memory digest for a thread,
	// or ErrNoMemory when the engine has no memory surface.
	Memory(ctx context.Context, threadID string) (string, error)
}

// SplitModel splits a provider:model selector into its parts. A selector
// without a provider prefix yields an empty provider.
func SplitModel(selector string) (provider, model string) {
	selector = strings.TrimSpace(selector)
	if i := strings.Index(selector, ":"); i >= 0 {
		return selector[:i], selector[i+1:]
	}
	return "", selector
}
