package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// Mirror republishes every broadcast frame to <prefix>/<sender_id>/<type>.
type Mirror struct {
	id        string
	bus       core.EventBus
	transport core.Transport
	prefix    string
	opts      core.PublishOptions
	frames    <-chan *types.Frame
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	logger    *logrus.Entry
}

func NewMirror(id string, bus core.EventBus, transport core.Transport, prefix string, opts core.PublishOptions) *Mirror {
	if prefix == "" {
		prefix = "fleet/monitor"
	}
	return &Mirror{
		id:        id,
		bus:       bus,
		transport: transport,
		prefix:    strings.TrimRight(prefix, "/"),
		opts:      opts,
		logger:    logrus.WithField("component", id),
	}
}

func (m *Mirror) ID() string {
	return m.id
}

// Topic returns the topic a frame is mirrored to.
func (m *Mirror) Topic(frame *types.Frame) string {
	return fmt.Sprintf("%s/%s/%s", m.prefix, frame.SenderID, frame.Type)
}

func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return errors.ConfigurationError.Args("mirror " + m.id + " is already running")
	}

	frames, err := m.bus.Subscribe(ctx, types.PacketTypeWildcard)
	if err != nil {
		return fmt.Errorf("mirror failed to subscribe to broadcast bus: %w", err)
	}
	m.frames = frames

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(runCtx, frames)

	m.logger.WithField("prefix", m.prefix).Info("MQTT mirror started")
	return nil
}

func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.cancel = nil
	frames := m.frames
	m.frames = nil
	m.mu.Unlock()

	if err := m.bus.Unsubscribe(ctx, types.PacketTypeWildcard, frames); err != nil {
		m.logger.WithError(err).Debug("Mirror unsubscribe failed")
	}
	m.wg.Wait()
	m.logger.Info("MQTT mirror stopped")
	return nil
}

func (m *Mirror) run(ctx context.Context, frames <-chan *types.Frame) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			topic := m.Topic(frame)
			if err := m.transport.Publish(ctx, topic, frame.Raw, m.opts); err != nil {
				m.logger.WithError(err).WithField("topic", topic).Warn("Mirror publish failed")
			}
		}
	}
}
