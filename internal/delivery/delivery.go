// Package delivery moves engine token streams onto channel outbound streams.
// It owns the pacing policy: direct-echo channels get every delta as it
// arrives, coalescing channels get batched edits on a fixed cadence plus an
// independent "still working" signal.
package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/engine"
	"github.com/switchboardhq/switchboard/internal/logger"
)

// Pump drains src into out, preserving delta order. It always pushes a
// started status first and ends the stream with exactly one terminal event:
// a final (full text) on success, or an error event carrying the failure
// after whatever partial output was buffered. The accumulated text is
// returned either way.
func Pump(ctx context.Context, src engine.Stream, out channel.OutboundStream) (string, error) {
	defer src.Close()

	log := logger.FromContext(ctx)
	if err := out.Push(ctx, channel.StreamEvent{
		Type:   channel.StreamEventStatus,
		Status: channel.StreamStatusStarted,
	}); err != nil {
		return "", err
	}

	var full strings.Builder
	for {
		chunk, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn("engine stream failed mid-turn", slog.String("error", err.Error()))
			pushErr := out.Push(ctx, channel.StreamEvent{
				Type:  channel.StreamEventError,
				Error: err.Error(),
			})
			if pushErr != nil {
				log.Error("error event delivery failed", slog.String("error", pushErr.Error()))
			}
			return full.String(), err
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		if err := out.Push(ctx, channel.StreamEvent{
			Type:  channel.StreamEventDelta,
			Delta: chunk.Text,
		}); err != nil {
			return full.String(), err
		}
	}

	if err := out.Push(ctx, channel.StreamEvent{
		Type:  channel.StreamEventFinal,
		Final: full.String(),
	}); err != nil {
		return full.String(), err
	}
	err := out.Push(ctx, channel.StreamEvent{
		Type:   channel.StreamEventStatus,
		Status: channel.StreamStatusCompleted,
	})
	return full.String(), err
}
