// Package telegram adapts Telegram long polling to the channel contract.
// Telegram caps messages at 4096 characters and throttles edits, so replies
// stream as coalesced edits of a placeholder message and long finals are
// chunked across messages.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/delivery"
)

// MaxMessageLength is Telegram's hard per-message character cap.
const MaxMessageLength = 4096

const deniedReply = "You are not on the allow list for this bot."

type Adapter struct {
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
	limits  config.LimitsConfig
	allowed map[string]struct{}
	// Telegram throttles sends and edits per chat, roughly one per second,
	// so each chat gets its own limiter.
	limitersMu sync.Mutex
	limiters   map[int64]*rate.Limiter
}

func New(log *slog.Logger, cfg config.TelegramConfig, limits config.LimitsConfig) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		u = strings.TrimSpace(strings.TrimPrefix(u, "@"))
		if u != "" {
			allowed[u] = struct{}{}
		}
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "telegram")),
		bot:      bot,
		limits:   limits,
		allowed:  allowed,
		limiters: make(map[int64]*rate.Limiter),
	}, nil
}

func (a *Adapter) limiterFor(chatID int64) *rate.Limiter {
	a.limitersMu.Lock()
	defer a.limitersMu.Unlock()
	lim, ok := a.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 2)
		a.limiters[chatID] = lim
	}
	return lim
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeTelegram
}

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{MaxMessageLength: MaxMessageLength}
}

// Connect starts long polling. Each accepted message is handled in its own
// goroutine; ordering is the orchestrator's job, not the poll loop's.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	a.logger.Info("start", slog.String("bot", a.bot.Self.UserName))

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := a.bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-connCtx.Done():
				a.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed")
					return
				}
				if update.Message == nil {
					continue
				}
				text := strings.TrimSpace(update.Message.Text)
				if text == "" {
					continue
				}
				uid, username := senderIDs(update.Message)
				if uid == "" {
					continue
				}
				if !a.allow(uid, username) {
					a.logger.Warn("message from unlisted sender dropped",
						slog.String("user_id", uid),
						slog.String("username", username))
					a.sendTo(update.Message.Chat.ID, deniedReply)
					continue
				}

				msg := channel.NewInbound(channel.TypeTelegram, uid, text)
				a.logger.Info("inbound received",
					slog.String("user_id", uid),
					slog.String("username", username),
					slog.Int("chars", len(text)))

				chatID := update.Message.Chat.ID
				go func() {
					out := a.streamFor(chatID)
					// Stop only halts polling; in-flight turns keep their
					// context so the shutdown drain can let them finish.
					if err := handler(context.WithoutCancel(connCtx), msg, out); err != nil {
						a.logger.Error("handle inbound failed", slog.Any("error", err))
					}
				}()
			}
		}
	}()

	stop := func(context.Context) error {
		a.logger.Info("stop")
		cancel()
		a.bot.StopReceivingUpdates()
		return nil
	}
	return channel.NewConnection(channel.TypeTelegram, stop), nil
}

// SendText delivers a complete text, chunked to the message cap.
func (a *Adapter) SendText(ctx context.Context, channelUID, text string) error {
	chatID, err := strconv.ParseInt(channelUID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram channel uid must be a chat id: %w", err)
	}
	lim := a.limiterFor(chatID)
	for _, chunk := range channel.ChunkMarkdown(text, MaxMessageLength) {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := a.sendTo(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// OpenStream returns a coalescing stream that edits a placeholder message on
// the configured cadence and keeps the typing action alive while working.
func (a *Adapter) OpenStream(ctx context.Context, channelUID string) (channel.OutboundStream, error) {
	chatID, err := strconv.ParseInt(channelUID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram channel uid must be a chat id: %w", err)
	}
	return a.streamFor(chatID), nil
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

func (a *Adapter) sendTo(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := a.bot.Send(msg); err != nil {
		a.logger.Error("send failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
		return err
	}
	return nil
}

func (a *Adapter) streamFor(chatID int64) channel.OutboundStream {
	ed := &editor{adapter: a, chatID: chatID, limiter: a.limiterFor(chatID)}
	return delivery.NewCoalescer(a.logger, ed, delivery.CoalescerOptions{
		EditInterval:   a.limits.EditInterval(),
		TypingInterval: a.limits.TypingInterval(),
		Limit:          MaxMessageLength,
	})
}

// editor drives one chat's placeholder message through the Telegram API,
// within that chat's rate budget.
type editor struct {
	adapter *Adapter
	chatID  int64
	limiter *rate.Limiter
}

func (e *editor) SendText(ctx context.Context, text string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	sent, err := e.adapter.bot.Send(tgbotapi.NewMessage(e.chatID, text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (e *editor) EditText(ctx context.Context, messageID, text string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = e.adapter.bot.Send(tgbotapi.NewEditMessageText(e.chatID, id, text))
	return err
}

func (e *editor) Typing(ctx context.Context) error {
	_, err := e.adapter.bot.Request(tgbotapi.NewChatAction(e.chatID, tgbotapi.ChatTyping))
	return err
}

func senderIDs(msg *tgbotapi.Message) (uid, username string) {
	if msg.From == nil {
		return "", ""
	}
	return strconv.FormatInt(msg.From.ID, 10), strings.TrimSpace(msg.From.UserName)
}
