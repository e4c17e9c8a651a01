package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is invoked by a Receiver for every normalized inbound
// message, together with an outbound stream bound to the message's reply
// target. The handler owns the stream and closes it when the turn ends.
type InboundHandler func(ctx context.Context, msg InboundMessage, out OutboundStream) error

// Adapter is the base contract every channel transport implements.
type Adapter interface {
	Type() ChannelType
	Capabilities() Capabilities
}

// Receiver connects a transport and feeds inbound messages to the handler.
type Receiver interface {
	Connect(ctx context.Context, handler InboundHandler) (Connection, error)
}

// Sender delivers a complete, non-streamed text to a channel-local recipient.
// Texts longer than the channel limit are chunked by the adapter.
type Sender interface {
	SendText(ctx context.Context, channelUID, text string) error
}

// Streamer opens an outbound stream bound to one channel-local recipient.
// The stream applies the channel's own cadence and size policies.
type Streamer interface {
	OpenStream(ctx context.Context, channelUID string) (OutboundStream, error)
}

// Connection represents a live transport connection.
type Connection interface {
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection implements Connection around a stop callback.
type BaseConnection struct {
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a running BaseConnection for channelType.
func NewConnection(channelType ChannelType, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		channelType: channelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	err := c.stop(ctx)
	if err == nil {
		c.running.Store(false)
	}
	return err
}

func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
