package delivery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/switchboardhq/switchboard/internal/channel"
)

// ErrorMarker is appended after partial output when a stream dies mid-turn.
const ErrorMarker = "⚠️ response interrupted"

// workingCursor trails in-progress edits so the recipient can tell the
// message is still growing.
const workingCursor = " ▌"

// Editor is what a coalescing stream needs from its channel: one visible
// message it can keep rewriting, follow-up messages for overflow chunks, and
// a transient typing signal.
type Editor interface {
	SendText(ctx context.Context, text string) (messageID string, err error)
	EditText(ctx context.Context, messageID, text string) error
	Typing(ctx context.Context) error
}

// CoalescerOptions tune a coalescing stream. Zero intervals fall back to
// sane defaults; Limit must match the channel's message length cap in runes.
type CoalescerOptions struct {
	EditInterval   time.Duration
	TypingInterval time.Duration
	Limit          int
}

// Coalescer implements channel.OutboundStream for edit-capable channels. It
// buffers deltas and rewrites a single placeholder message on a fixed
// cadence; the full text is re-rendered and chunked once the final event
// arrives. A background ticker keeps the typing signal alive between edits.
type Coalescer struct {
	editor Editor
	logger *slog.Logger
	opts   CoalescerOptions

	mu       sync.Mutex
	buf      strings.Builder
	msgID    string
	rendered string
	finished bool

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stop      chan struct{}
	loopDone  chan struct{}
}

func NewCoalescer(log *slog.Logger, editor Editor, opts CoalescerOptions) *Coalescer {
	if log == nil {
		log = slog.Default()
	}
	if opts.EditInterval <= 0 {
		opts.EditInterval = time.Second
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = 4 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 4096
	}
	return &Coalescer{
		editor:   editor,
		logger:   log,
		opts:     opts,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Push consumes one stream event. Deltas only touch the buffer; the ticker
// loop decides when the recipient sees an update.
func (c *Coalescer) Push(ctx context.Context, event channel.StreamEvent) error {
	switch event.Type {
	case channel.StreamEventStatus:
		if event.Status == channel.StreamStatusStarted {
			if err := c.editor.Typing(ctx); err != nil {
				c.logger.Debug("typing signal failed", slog.String("error", err.Error()))
			}
			c.startOnce.Do(func() {
				c.started = true
				go c.loop()
			})
		}
		return nil
	case channel.StreamEventDelta:
		c.mu.Lock()
		c.buf.WriteString(event.Delta)
		c.mu.Unlock()
		return nil
	case channel.StreamEventFinal:
		c.halt()
		return c.finalize(ctx, event.Final, "")
	case channel.StreamEventError:
		c.halt()
		c.mu.Lock()
		partial := c.buf.String()
		c.mu.Unlock()
		return c.finalize(ctx, partial, ErrorMarker)
	default:
		return nil
	}
}

// Close stops the ticker loop. If no terminal event arrived the last
// in-progress render is left as-is.
func (c *Coalescer) Close(ctx context.Context) error {
	c.halt()
	return nil
}

func (c *Coalescer) halt() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// loop drives periodic edits and typing signals until halted. It uses a
// background context so a canceled turn cannot strand a half-edited message.
func (c *Coalescer) loop() {
	defer close(c.loopDone)
	editTick := time.NewTicker(c.opts.EditInterval)
	typingTick := time.NewTicker(c.opts.TypingInterval)
	defer editTick.Stop()
	defer typingTick.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-editTick.C:
			c.renderProgress()
		case <-typingTick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.editor.Typing(ctx); err != nil {
				c.logger.Debug("typing signal failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// renderProgress pushes the current buffer into the placeholder message.
// Only the tail that fits the channel limit is shown while streaming; the
// final render re-chunks the whole text properly.
func (c *Coalescer) renderProgress() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	text := c.buf.String()
	changed := text != c.rendered
	c.rendered = text
	msgID := c.msgID
	c.mu.Unlock()

	if !changed || strings.TrimSpace(text) == "" {
		return
	}

	display := text + workingCursor
	if over := runeLen(display) - c.opts.Limit; over > 0 {
		runes := []rune(display)
		display = string(runes[over:])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if msgID == "" {
		id, err := c.editor.SendText(ctx, display)
		if err != nil {
			c.logger.Warn("progress send failed", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		c.msgID = id
		c.mu.Unlock()
		return
	}
	if err := c.editor.EditText(ctx, msgID, display); err != nil {
		c.logger.Warn("progress edit failed", slog.String("error", err.Error()))
	}
}

// finalize renders the complete text, chunked to the channel limit. The
// first chunk replaces the placeholder message, the rest go out as fresh
// messages in order.
func (c *Coalescer) finalize(ctx context.Context, text, marker string) error {
	if c.started {
		<-c.loopDone
	}

	c.mu.Lock()
	c.finished = true
	msgID := c.msgID
	c.mu.Unlock()

	if marker != "" {
		if strings.TrimSpace(text) == "" {
			text = marker
		} else {
			text = strings.TrimRight(text, "\n") + "\n\n" + marker
		}
	}
	if strings.TrimSpace(text) == "" {
		text = "(empty response)"
	}

	chunks := channel.ChunkMarkdown(text, c.opts.Limit)
	for i, chunk := range chunks {
		if i == 0 && msgID != "" {
			if err := c.editor.EditText(ctx, msgID, chunk); err != nil {
				c.logger.Warn("final edit failed, sending fresh message", slog.String("error", err.Error()))
				if _, err := c.editor.SendText(ctx, chunk); err != nil {
					return err
				}
			}
			continue
		}
		if _, err := c.editor.SendText(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
