// Package orchestrator is the routing core: it takes inbound messages from
// any channel adapter, resolves identity, classifies commands, serializes
// turns per thread, and drives the engine stream out through the channel's
// delivery stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/command"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/delivery"
	"github.com/switchboardhq/switchboard/internal/engine"
	"github.com/switchboardhq/switchboard/internal/identity"
	"github.com/switchboardhq/switchboard/internal/threadlock"
)

const busyReply = "Still working on your previous message, hold on."
const retryReply = "Something went wrong on my side, please try again."

// Resolver maps a (channel, channel_uid) pair to a canonical user.
type Resolver interface {
	Resolve(ctx context.Context, channel, channelUID string) (identity.User, error)
}

var _ Resolver = (*identity.Service)(nil)

// Orchestrator routes inbound messages end to end. One instance serves all
// channels; per-thread FIFO ordering is enforced by the lock registry, never
// by blocking an adapter's receive loop.
type Orchestrator struct {
	logger        *slog.Logger
	identities    Resolver
	conversations command.Catalog
	locks         *threadlock.Registry
	engine        engine.Engine
	commands      *command.Dispatcher
	drain         time.Duration

	wg sync.WaitGroup
	// abort is closed when the drain window expires; every in-flight turn
	// context is cancelled through it.
	abort     chan struct{}
	abortOnce sync.Once
}

func New(log *slog.Logger, identities Resolver, conversations command.Catalog, locks *threadlock.Registry, eng engine.Engine, drain time.Duration) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		logger:        log.With(slog.String("service", "orchestrator")),
		identities:    identities,
		conversations: conversations,
		locks:         locks,
		engine:        eng,
		commands:      &command.Dispatcher{Conversations: conversations, Engine: eng},
		drain:         drain,
		abort:         make(chan struct{}),
	}
}

// HandleMessage processes one inbound message to completion: the reply (or
// error notice) has been pushed to out when it returns. Adapters call it
// from a per-message goroutine; ordering within a thread is handled here.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg channel.InboundMessage, out channel.OutboundStream) error {
	o.wg.Add(1)
	defer o.wg.Done()

	ctx, cancel := o.turnScope(ctx)
	defer cancel()
	defer out.Close(ctx)

	text := msg.Trimmed()
	if text == "" {
		return nil
	}

	log := o.logger.With(
		slog.String("channel", string(msg.Channel)),
		slog.String("channel_uid", msg.ChannelUID),
	)

	user, err := o.identities.Resolve(ctx, string(msg.Channel), msg.ChannelUID)
	if err != nil {
		log.Error("identity resolution failed", slog.String("error", err.Error()))
		return o.reply(ctx, out, retryReply)
	}
	log = log.With(slog.String("user_id", user.ID))

	parsed := command.Classify(text)
	if parsed.Kind != command.KindTurn {
		return o.handleCommand(ctx, log, out, user, msg.Channel, parsed)
	}

	conv, err := o.conversations.GetActive(ctx, user.ID)
	if err != nil {
		log.Error("active conversation lookup failed", slog.String("error", err.Error()))
		return o.reply(ctx, out, retryReply)
	}

	err = o.locks.Do(ctx, conv.ThreadID, func(ctx context.Context) error {
		return o.runTurn(ctx, log, out, conv, text)
	})
	if errors.Is(err, threadlock.ErrBusy) {
		log.Info("thread queue full, turn rejected", slog.String("thread_id", conv.ThreadID))
		return o.reply(ctx, out, busyReply)
	}
	return err
}

func (o *Orchestrator) handleCommand(ctx context.Context, log *slog.Logger, out channel.OutboundStream, user identity.User, ch channel.ChannelType, parsed command.Parsed) error {
	reply, err := o.commands.Execute(ctx, command.Request{User: user, Channel: ch, Parsed: parsed})
	if err != nil {
		log.Error("command failed",
			slog.String("command", parsed.Name),
			slog.String("error", err.Error()))
		return o.reply(ctx, out, retryReply)
	}
	log.Info("command handled", slog.String("command", parsed.Name))
	return o.reply(ctx, out, reply)
}

// runTurn executes one serialized conversational turn. The thread lock is
// held for the full duration, stream drain included.
func (o *Orchestrator) runTurn(ctx context.Context, log *slog.Logger, out channel.OutboundStream, conv conversation.Conversation, text string) error {
	started := time.Now()
	stream, err := o.engine.Invoke(ctx, engine.InvokeRequest{
		ThreadID:     conv.ThreadID,
		Model:        conv.Model,
		SystemPrompt: conv.SystemPrompt,
		Text:         text,
	})
	if err != nil {
		log.Error("engine invoke failed",
			slog.String("thread_id", conv.ThreadID),
			slog.String("error", err.Error()))
		return o.reply(ctx, out, retryReply)
	}

	full, err := delivery.Pump(ctx, stream, out)
	if err != nil {
		log.Warn("turn ended with stream error",
			slog.String("thread_id", conv.ThreadID),
			slog.String("error", err.Error()))
		return nil
	}
	log.Info("turn completed",
		slog.String("thread_id", conv.ThreadID),
		slog.Int("response_runes", len([]rune(full))),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}

// turnScope derives the context a turn runs under. Adapters hand over
// contexts that survive connection Stop, so a graceful shutdown first lets
// the turn stream to completion; only an expired drain window cancels it.
func (o *Orchestrator) turnScope(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-o.abort:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// reply delivers a one-shot text response through the stream contract.
func (o *Orchestrator) reply(ctx context.Context, out channel.OutboundStream, text string) error {
	if err := out.Push(ctx, channel.StreamEvent{Type: channel.StreamEventFinal, Final: text}); err != nil {
		return fmt.Errorf("push reply: %w", err)
	}
	return out.Push(ctx, channel.StreamEvent{Type: channel.StreamEventStatus, Status: channel.StreamStatusCompleted})
}

// Drain waits for in-flight turns to finish, up to the configured drain
// timeout. New messages should already have been cut off by the adapters.
// Past the timeout the remaining turn contexts are cancelled.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	timeout := o.drain
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		o.abortTurns()
		return errors.New("drain timeout: turns still in flight")
	case <-ctx.Done():
		o.abortTurns()
		return ctx.Err()
	}
}

func (o *Orchestrator) abortTurns() {
	o.abortOnce.Do(func() { close(o.abort) })
}
