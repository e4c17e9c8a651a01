// Package command parses and dispatches slash commands. Anything starting
// with "/" is a control message and never reaches the engine; unknown
// commands get a usage reply instead of becoming a conversational turn.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/switchboardhq/switchboard/internal/channel"
	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/engine"
	"github.com/switchboardhq/switchboard/internal/identity"
)

var _ Catalog = (*conversation.Service)(nil)

// Kind classifies an inbound message.
type Kind int

const (
	// KindTurn is a plain conversational turn for the engine.
	KindTurn Kind = iota
	// KindCommand is a recognized slash command.
	KindCommand
	// KindUnknown is a slash message that matches no command.
	KindUnknown
)

// Parsed is the result of classifying an inbound message text.
type Parsed struct {
	Kind Kind
	Name string // command name without the slash
	Args string // remainder after the command, trimmed
}

// Classify splits text into turn / command / unknown. Only a leading "/"
// marks a command; slashes elsewhere are ordinary text.
func Classify(text string) Parsed {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Parsed{Kind: KindTurn}
	}
	name, args, _ := strings.Cut(trimmed[1:], " ")
	name = strings.ToLower(strings.TrimSpace(name))
	args = strings.TrimSpace(args)
	if name == "" {
		return Parsed{Kind: KindUnknown}
	}
	if _, ok := handlers[name]; !ok {
		return Parsed{Kind: KindUnknown, Name: name, Args: args}
	}
	return Parsed{Kind: KindCommand, Name: name, Args: args}
}

// Catalog is the slice of the conversation service commands need.
type Catalog interface {
	GetActive(ctx context.Context, userID string) (conversation.Conversation, error)
	CreateNew(ctx context.Context, userID, model, systemPrompt string) (conversation.Conversation, error)
	SwitchActive(ctx context.Context, userID, ref string) (conversation.Conversation, error)
	UpdateModel(ctx context.Context, conversationID, model string) error
	UpdateSystemPrompt(ctx context.Context, conversationID, systemPrompt string) error
	UpdateTitle(ctx context.Context, conversationID, title string) error
	ListFor(ctx context.Context, userID string) ([]conversation.Conversation, error)
}

// MemorySource exposes the engine's memory surface.
type MemorySource interface {
	Memory(ctx context.Context, threadID string) (string, error)
}

// Dispatcher executes slash commands against the catalog and the engine.
type Dispatcher struct {
	Conversations Catalog
	Engine        MemorySource
}

// Request carries the resolved context a command runs in.
type Request struct {
	User    identity.User
	Channel channel.ChannelType
	Parsed  Parsed
}

type handlerFunc func(ctx context.Context, d *Dispatcher, req Request) (string, error)

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"new":     cmdNew,
		"history": cmdHistory,
		"switch":  cmdSwitch,
		"title":   cmdTitle,
		"model":   cmdModel,
		"system":  cmdSystem,
		"memory":  cmdMemory,
		"help":    cmdHelp,
	}
}

const usageText = `Commands:
/new - start a fresh conversation
/history - list recent conversations
/switch <id|thread-prefix> - activate an earlier conversation
/title <text> - name the active conversation
/model [selector] - show or set the model
/system <prompt> - set the system prompt
/memory - show what the engine remembers
/help - this message`

// Execute runs a classified command and returns the reply text. Unknown
// commands return the usage text with no error.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (string, error) {
	if req.Parsed.Kind == KindUnknown {
		if req.Parsed.Name != "" {
			return fmt.Sprintf("Unknown command /%s.\n\n%s", req.Parsed.Name, usageText), nil
		}
		return usageText, nil
	}
	h, ok := handlers[req.Parsed.Name]
	if !ok {
		return usageText, nil
	}
	return h(ctx, d, req)
}

func cmdNew(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	conv, err := d.Conversations.CreateNew(ctx, req.User.ID, "", "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Started a new conversation (%s).", shortThread(conv.ThreadID)), nil
}

func cmdHistory(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	convs, err := d.Conversations.ListFor(ctx, req.User.ID)
	if err != nil {
		return "", err
	}
	if len(convs) == 0 {
		return "No conversations yet. Just say something to start one.", nil
	}
	var b strings.Builder
	b.WriteString("Conversations:\n")
	for _, c := range convs {
		marker := "  "
		if c.IsActive {
			marker = "* "
		}
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%s%s  %s  %s\n", marker, shortThread(c.ThreadID), c.UpdatedAt.Format("2006-01-02 15:04"), title)
	}
	b.WriteString("\nUse /switch <thread-prefix> to change.")
	return b.String(), nil
}

func cmdSwitch(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	if req.Parsed.Args == "" {
		return "Usage: /switch <id|thread-prefix>", nil
	}
	conv, err := d.Conversations.SwitchActive(ctx, req.User.ID, req.Parsed.Args)
	if errors.Is(err, conversation.ErrConversationNotFound) {
		return fmt.Sprintf("No conversation matches %q. Try /history.", req.Parsed.Args), nil
	}
	if err != nil {
		return "", err
	}
	title := conv.Title
	if title == "" {
		title = shortThread(conv.ThreadID)
	}
	return fmt.Sprintf("Switched to %s.", title), nil
}

func cmdTitle(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	if req.Parsed.Args == "" {
		return "Usage: /title <text>", nil
	}
	conv, err := d.Conversations.GetActive(ctx, req.User.ID)
	if err != nil {
		return "", err
	}
	if err := d.Conversations.UpdateTitle(ctx, conv.ID, req.Parsed.Args); err != nil {
		return "", err
	}
	return fmt.Sprintf("Conversation titled %q.", req.Parsed.Args), nil
}

func cmdModel(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	conv, err := d.Conversations.GetActive(ctx, req.User.ID)
	if err != nil {
		return "", err
	}
	if req.Parsed.Args == "" {
		return fmt.Sprintf("Current model: %s", conv.Model), nil
	}
	if err := d.Conversations.UpdateModel(ctx, conv.ID, req.Parsed.Args); err != nil {
		return "", err
	}
	return fmt.Sprintf("Model set to %s.", req.Parsed.Args), nil
}

func cmdSystem(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	if req.Parsed.Args == "" {
		return "Usage: /system <prompt>", nil
	}
	conv, err := d.Conversations.GetActive(ctx, req.User.ID)
	if err != nil {
		return "", err
	}
	if err := d.Conversations.UpdateSystemPrompt(ctx, conv.ID, req.Parsed.Args); err != nil {
		return "", err
	}
	return "System prompt updated.", nil
}

func cmdMemory(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	conv, err := d.Conversations.GetActive(ctx, req.User.ID)
	if err != nil {
		return "", err
	}
	text, err := d.Engine.Memory(ctx, conv.ThreadID)
	if errors.Is(err, engine.ErrNoMemory) {
		return "The engine has no memory surface for this conversation.", nil
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "Nothing remembered yet.", nil
	}
	return text, nil
}

func cmdHelp(ctx context.Context, d *Dispatcher, req Request) (string, error) {
	return usageText, nil
}

func shortThread(threadID string) string {
	if _, err := uuid.Parse(threadID); err == nil && len(threadID) >= 8 {
		return threadID[:8]
	}
	if len(threadID) > 16 {
		return threadID[:16]
	}
	return threadID
}
