package core

import (
	"context"
	"time"

	"github.com/kalifun/fleetlink/pkg/types"
)

// Sink is the outbound side of a device connection. Implementations must
// serialize concurrent Send calls so records never interleave.
type Sink interface {
	Send(ctx context.Context, raw []byte) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, raw []byte) error

func (f SinkFunc) Send(ctx context.Context, raw []byte) error {
	return f(ctx, raw)
}

// Broadcaster mirrors packets to monitoring observers. Publishing never waits
// for observers.
type Broadcaster interface {
	Publish(ctx context.Context, frame *types.Frame) error
}

// EventBus is the broadcast sink observers subscribe to. Subscribing to
// types.PacketTypeWildcard receives every frame.
type EventBus interface {
	LifecycleComponent
	Broadcaster
	Subscribe(ctx context.Context, topic types.PacketType) (<-chan *types.Frame, error)
	Unsubscribe(ctx context.Context, topic types.PacketType, sub <-chan *types.Frame) error
}

// Processor handles one packet type after it has been mirrored and the sender
// bound.
type Processor interface {
	Process(ctx context.Context, pkt *types.Packet) error
	Type() types.PacketType // Returns the packet type this processor handles
}

// Transport defines the interface for message transport
type Transport interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)
}

// PublishOptions for publishing messages
type PublishOptions struct {
	QoS     byte
	Retain  bool
	TimeOut time.Duration
}

type MessageHandler = func(ctx context.Context, msg *Message) error

// Message represents a transport-level message
type Message struct {
	Topic   string
	Payload []byte
	Meta    map[string]string
	Time    time.Time
}

// Subscription represents a message subscription
type Subscription interface {
	Unsubscribe(ctx context.Context) error
	Topic() string
}
