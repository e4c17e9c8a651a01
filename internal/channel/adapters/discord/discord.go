// Package discord adapts a Discord gateway session to the channel contract.
// Discord caps messages at 2000 characters and rate limits edits, so replies
// stream as coalesced edits with chunked finals, same shape as telegram but
// with Discord's tighter size cap.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/delivery"
)

// MaxMessageLength is Discord's per-message character cap.
const MaxMessageLength = 2000

const deniedReply = "You are not on the allow list for this bot."

type Adapter struct {
	logger  *slog.Logger
	session *discordgo.Session
	limits  config.LimitsConfig
	allowed map[string]struct{}
}

func New(log *slog.Logger, cfg config.DiscordConfig, limits config.LimitsConfig) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(cfg.BotToken))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	allowed := make(map[string]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		u = strings.TrimSpace(u)
		if u != "" {
			allowed[u] = struct{}{}
		}
	}
	return &Adapter{
		logger:  log.With(slog.String("adapter", "discord")),
		session: session,
		limits:  limits,
		allowed: allowed,
	}, nil
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeDiscord
}

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{MaxMessageLength: MaxMessageLength}
}

// Connect opens the gateway session and registers the message handler. Bot
// and unlisted senders are filtered before anything reaches the handler.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	connCtx, cancel := context.WithCancel(ctx)

	a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			return
		}
		if !a.allow(m.Author.ID, m.Author.Username) {
			a.logger.Warn("message from unlisted sender dropped",
				slog.String("user_id", m.Author.ID),
				slog.String("username", m.Author.Username))
			if _, err := s.ChannelMessageSend(m.ChannelID, deniedReply); err != nil {
				a.logger.Error("denial reply failed", slog.Any("error", err))
			}
			return
		}

		msg := channel.NewInbound(channel.TypeDiscord, m.Author.ID, text)
		a.logger.Info("inbound received",
			slog.String("user_id", m.Author.ID),
			slog.String("channel_id", m.ChannelID),
			slog.Int("chars", len(text)))

		go func() {
			out := a.streamFor(m.ChannelID)
			// Stop only closes the gateway; in-flight turns keep their
			// context so the shutdown drain can let them finish.
			if err := handler(context.WithoutCancel(connCtx), msg, out); err != nil {
				a.logger.Error("handle inbound failed", slog.Any("error", err))
			}
		}()
	})

	if err := a.session.Open(); err != nil {
		cancel()
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	a.logger.Info("start", slog.String("bot", a.session.State.User.Username))

	stop := func(context.Context) error {
		a.logger.Info("stop")
		cancel()
		return a.session.Close()
	}
	return channel.NewConnection(channel.TypeDiscord, stop), nil
}

// SendText delivers a complete text to a Discord channel, chunked to the cap.
func (a *Adapter) SendText(ctx context.Context, channelUID, text string) error {
	for _, chunk := range channel.ChunkMarkdown(text, MaxMessageLength) {
		if _, err := a.session.ChannelMessageSend(channelUID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// OpenStream returns a coalescing stream over one Discord channel.
func (a *Adapter) OpenStream(ctx context.Context, channelUID string) (channel.OutboundStream, error) {
	return a.streamFor(channelUID), nil
}

func (a *Adapter) allow(uid, username string) bool {
	if len(a.allowed) == 0 {
		return true
	}
	if _, ok := a.allowed[uid]; ok {
		return true
	}
	_, ok := a.allowed[username]
	return ok
}

func (a *Adapter) streamFor(channelID string) channel.OutboundStream {
	return delivery.NewCoalescer(a.logger, &editor{session: a.session, channelID: channelID}, delivery.CoalescerOptions{
		EditInterval:   a.limits.EditInterval(),
		TypingInterval: a.limits.TypingInterval(),
		Limit:          MaxMessageLength,
	})
}

type editor struct {
	session   *discordgo.Session
	channelID string
}

func (e *editor) SendText(ctx context.Context, text string) (string, error) {
	msg, err := e.session.ChannelMessageSend(e.channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (e *editor) EditText(ctx context.Context, messageID, text string) error {
	_, err := e.session.ChannelMessageEdit(e.channelID, messageID, text, discordgo.WithContext(ctx))
	return err
}

func (e *editor) Typing(ctx context.Context) error {
	return e.session.ChannelTyping(e.channelID, discordgo.WithContext(ctx))
}
