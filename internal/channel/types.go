// Package channel defines the transport-agnostic contract between the
// orchestrator and concrete channel adapters: inbound messages, capability
// profiles, outbound streams, and text chunking.
package channel

import (
	"strings"
	"time"
)

// ChannelType names a transport (e.g. "terminal", "telegram", "discord").
type ChannelType string

const (
	TypeTerminal ChannelType = "terminal"
	TypeTelegram ChannelType = "telegram"
	TypeDiscord  ChannelType = "discord"
)

// Capabilities is the declared delivery profile of a channel.
type Capabilities struct {
	// MaxMessageLength is the largest single message the transport accepts,
	// in runes. Final output longer than this is chunked.
	MaxMessageLength int
	// DirectEcho reports whether the transport supports unbounded
	// low-latency incremental writes. Channels without it receive
	// rate-limited coalesced edits instead.
	DirectEcho bool
}

// InboundMessage is a normalized message from any channel. It is ephemeral:
// produced by an adapter, consumed once by the orchestrator, never persisted.
type InboundMessage struct {
	Channel    ChannelType
	ChannelUID string
	Text       string
	ReceivedAt time.Time
}

// NewInbound stamps a normalized inbound message with the receive time.
func NewInbound(ch ChannelType, channelUID, text string) InboundMessage {
	return InboundMessage{
		Channel:    ch,
		ChannelUID: channelUID,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

// Trimmed returns the message text with surrounding whitespace removed.
func (m InboundMessage) Trimmed() string {
	return strings.TrimSpace(m.Text)
}
