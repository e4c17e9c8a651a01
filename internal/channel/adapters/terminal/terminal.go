// Package terminal is the local stdio channel adapter. It reads lines from
// stdin and echoes engine tokens directly as they arrive, which makes it the
// reference direct-echo channel and the fastest way to talk to the
// coordinator during development.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/switchboardhq/switchboard/internal/channel"
)

// LocalUID is the channel-local identifier of the single terminal user.
const LocalUID = "local"

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Adapter wires stdin/stdout into the channel contract.
type Adapter struct {
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

func New(log *slog.Logger) *Adapter {
	return NewWithIO(log, os.Stdin, os.Stdout)
}

// NewWithIO exists for tests.
func NewWithIO(log *slog.Logger, in io.Reader, out io.Writer) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("channel", string(channel.TypeTerminal))),
		in:     in,
		out:    out,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeTerminal
}

// Capabilities: direct echo with no practical message size limit.
func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{DirectEcho: true}
}

// Connect starts the read loop. Each line becomes one inbound message and is
// handled synchronously; a terminal session is a single conversation, so
// there is nothing to parallelize.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	readCtx, cancel := context.WithCancel(ctx)

	go func() {
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		a.prompt()
		for scanner.Scan() {
			if readCtx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				a.prompt()
				continue
			}
			msg := channel.NewInbound(channel.TypeTerminal, LocalUID, line)
			// Stop only halts intake; a turn already running keeps its
			// context so the shutdown drain can let it finish.
			if err := handler(context.WithoutCancel(readCtx), msg, &echoStream{adapter: a}); err != nil {
				a.logger.Error("message handling failed", slog.String("error", err.Error()))
			}
			a.prompt()
		}
		if err := scanner.Err(); err != nil {
			a.logger.Error("stdin read failed", slog.String("error", err.Error()))
		}
	}()

	return channel.NewConnection(channel.TypeTerminal, func(context.Context) error {
		cancel()
		return nil
	}), nil
}

func (a *Adapter) SendText(ctx context.Context, channelUID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := fmt.Fprintln(a.out, text)
	return err
}

// OpenStream returns a direct-echo stream: every delta is written the moment
// it arrives, a newline closes the response.
func (a *Adapter) OpenStream(ctx context.Context, channelUID string) (channel.OutboundStream, error) {
	return &echoStream{adapter: a}, nil
}

func (a *Adapter) prompt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprint(a.out, promptStyle.Render("you> "))
}

// echoStream writes tokens straight through. It tracks whether any delta was
// printed so one-shot final replies (command output, error notices) still
// render.
type echoStream struct {
	adapter *Adapter
	echoed  bool
}

func (s *echoStream) Push(ctx context.Context, event channel.StreamEvent) error {
	a := s.adapter
	a.mu.Lock()
	defer a.mu.Unlock()

	switch event.Type {
	case channel.StreamEventStatus:
		if event.Status == channel.StreamStatusStarted {
			_, err := fmt.Fprint(a.out, statusStyle.Render("…")+"\r")
			return err
		}
		return nil
	case channel.StreamEventDelta:
		s.echoed = true
		_, err := fmt.Fprint(a.out, event.Delta)
		return err
	case channel.StreamEventFinal:
		if s.echoed {
			_, err := fmt.Fprintln(a.out)
			return err
		}
		_, err := fmt.Fprintln(a.out, event.Final)
		return err
	case channel.StreamEventError:
		if s.echoed {
			fmt.Fprintln(a.out)
		}
		_, err := fmt.Fprintln(a.out, errorStyle.Render("error: "+event.Error))
		return err
	default:
		return nil
	}
}

func (s *echoStream) Close(ctx context.Context) error {
	return nil
}
