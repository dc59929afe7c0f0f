package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// MemoryEventBus is an in-memory implementation of the EventBus interface.
// Frames are delivered to subscribers of their packet type and to wildcard
// subscribers. A subscriber whose buffer is full misses the frame.
type MemoryEventBus struct {
	id          string
	mu          sync.RWMutex
	subscribers map[types.PacketType][]chan *types.Frame
	bufferSize  int
	ctx         context.Context
	cancel      context.CancelFunc
	dropped     atomic.Int64
	logger      *logrus.Entry
}

func NewMemoryEventBus(id string, bufferSize int) *MemoryEventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MemoryEventBus{
		id:          id,
		subscribers: make(map[types.PacketType][]chan *types.Frame),
		bufferSize:  bufferSize,
		logger:      logrus.WithField("component", id),
	}
}

func (b *MemoryEventBus) ID() string {
	return b.id
}

func (b *MemoryEventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return fmt.Errorf("event bus %s is already running", b.id)
	}

	// The bus outlives the start context; Stop ends it.
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.logger.Info("Event bus started")
	return nil
}

func (b *MemoryEventBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel == nil {
		return fmt.Errorf("event bus %s is not running", b.id)
	}

	b.cancel()
	b.cancel = nil // Mark as stopped

	// Close all subscriber channels to signal completion
	for topic, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
	b.logger.Info("Event bus stopped")
	return nil
}

func (b *MemoryEventBus) Publish(ctx context.Context, frame *types.Frame) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.runningErr(); err != nil {
		return err
	}

	targets := make([]chan *types.Frame, 0, len(b.subscribers[frame.Type])+len(b.subscribers[types.PacketTypeWildcard]))
	targets = append(targets, b.subscribers[frame.Type]...)
	if frame.Type != types.PacketTypeWildcard {
		targets = append(targets, b.subscribers[types.PacketTypeWildcard]...)
	}
	if len(targets) == 0 {
		b.logger.WithField("topic", frame.Type).Debug("No subscribers for topic")
		return nil
	}

	b.logger.WithFields(logrus.Fields{
		"topic": frame.Type,
		"count": len(targets),
	}).Debug("Publishing frame to subscribers")

	for _, ch := range targets {
		// Use a non-blocking send to prevent a slow subscriber from blocking the publisher.
		select {
		case ch <- frame:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.dropped.Add(1)
			b.logger.WithField("topic", frame.Type).Warn("Subscriber channel is full. Frame dropped.")
		}
	}

	return nil
}

func (b *MemoryEventBus) Subscribe(ctx context.Context, topic types.PacketType) (<-chan *types.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.runningErr(); err != nil {
		return nil, err
	}

	ch := make(chan *types.Frame, b.bufferSize)
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.logger.WithField("topic", topic).Debug("New subscription added")
	return ch, nil
}

func (b *MemoryEventBus) Unsubscribe(ctx context.Context, topic types.PacketType, sub <-chan *types.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.runningErr(); err != nil {
		return err
	}

	subscribers, ok := b.subscribers[topic]
	if !ok {
		return fmt.Errorf("no subscribers for topic: %s", topic)
	}

	for i, ch := range subscribers {
		if ch == sub {
			close(ch)
			// Remove from slice without preserving order for efficiency
			subscribers[i] = subscribers[len(subscribers)-1]
			b.subscribers[topic] = subscribers[:len(subscribers)-1]
			b.logger.WithField("topic", topic).Debug("Subscription removed")
			return nil
		}
	}
	return fmt.Errorf("subscription channel not found for topic: %s", topic)
}

// Dropped returns how many frames were lost to full subscriber buffers.
func (b *MemoryEventBus) Dropped() int64 {
	return b.dropped.Load()
}

// runningErr must be called with b.mu held.
func (b *MemoryEventBus) runningErr() error {
	if b.ctx == nil {
		return fmt.Errorf("event bus %s is not started", b.id)
	}
	if b.ctx.Err() != nil {
		return fmt.Errorf("event bus is stopped: %w", b.ctx.Err())
	}
	return nil
}
