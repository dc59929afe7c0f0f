package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/codec"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// Connection is one device link as seen by the router.
type Connection interface {
	core.Sink
	io.Reader
	Close() error
	RemoteAddr() string
}

// Router reads packets from device connections, mirrors every one of them to
// the broadcaster, binds the sender in the registry and hands the packet to the
// processor registered for its type.
type Router struct {
	id          string
	registry    *core.Registry
	broadcaster core.Broadcaster
	processors  map[types.PacketType]core.Processor
	metrics     *Metrics
	logger      *logrus.Entry
}

// New creates a new Router. A later processor for the same type replaces an
// earlier one.
func New(registry *core.Registry, broadcaster core.Broadcaster, processors ...core.Processor) *Router {
	id := fmt.Sprintf("router-%s", uuid.New().String())
	procMap := make(map[types.PacketType]core.Processor)
	for _, p := range processors {
		procMap[p.Type()] = p
	}

	return &Router{
		id:          id,
		registry:    registry,
		broadcaster: broadcaster,
		processors:  procMap,
		metrics:     newMetrics(),
		logger:      logrus.WithField("component", id),
	}
}

// ID returns the unique identifier of the router.
func (r *Router) ID() string {
	return r.id
}

// ServeConn runs the inbound loop for one connection until the peer closes it,
// a read fails or ctx is cancelled. The device ID bound by the first packet is
// removed from the registry on the way out.
func (r *Router) ServeConn(ctx context.Context, conn Connection) error {
	logger := r.logger.WithField("remote", conn.RemoteAddr())
	logger.Info("Connection opened")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	var deviceID string
	defer func() {
		if deviceID != "" {
			r.registry.Remove(deviceID)
			logger.WithField("device_id", deviceID).Info("Device disconnected")
		}
		_ = conn.Close()
	}()

	var readErr error
	reader := codec.NewReader(conn)
	for {
		line, err := reader.Next()
		if err != nil {
			if errors.Is(err, errors.DecodeFailed) {
				r.metrics.decodeFailed()
				logger.WithError(err).Warn("Discarding oversized record")
				continue
			}
			if err != io.EOF {
				readErr = err
			}
			break
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		pkt, err := codec.Decode(line)
		if err != nil {
			r.metrics.decodeFailed()
			logger.WithError(err).Warn("Discarding malformed packet")
			continue
		}

		// The reader reuses its buffer; the frame outlives this iteration.
		raw := append([]byte(nil), line...)
		r.mirror(ctx, types.NewFrame(pkt, raw))

		if deviceID == "" {
			deviceID = pkt.Header.SenderID
			r.registry.Register(deviceID, conn)
			logger = logger.WithField("device_id", deviceID)
			logger.Info("Device registered")
		} else {
			r.registry.Touch(deviceID)
		}

		r.dispatch(core.WithDevice(ctx, deviceID), pkt)
	}

	if readErr != nil && ctx.Err() == nil {
		logger.WithError(readErr).Warn("Connection read failed")
		return errors.ConnectionClosed.Args(deviceID).Wrap(readErr)
	}
	return nil
}

// Route mirrors and dispatches a packet that did not arrive on a device
// connection.
func (r *Router) Route(ctx context.Context, pkt *types.Packet) error {
	frame, err := codec.Frame(pkt)
	if err != nil {
		return err
	}
	r.mirror(ctx, frame)
	if pkt.Header.SenderID != "" {
		r.registry.Touch(pkt.Header.SenderID)
	}
	r.dispatch(ctx, pkt)
	return nil
}

// Metrics returns a snapshot of the routing counters.
func (r *Router) Metrics() Snapshot {
	return r.metrics.snapshot()
}

func (r *Router) mirror(ctx context.Context, frame *types.Frame) {
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Publish(ctx, frame); err != nil {
		r.logger.WithError(err).WithField("type", frame.Type).Debug("Broadcast failed")
	}
}

func (r *Router) dispatch(ctx context.Context, pkt *types.Packet) {
	fields := logrus.Fields{
		"type":      pkt.Header.Type,
		"sender_id": pkt.Header.SenderID,
	}

	proc, exists := r.processors[pkt.Header.Type]
	if !exists {
		r.metrics.unhandled()
		if pkt.Header.Type.Known() {
			r.logger.WithFields(fields).Debug("No processor for packet type")
		} else {
			r.logger.WithFields(fields).Warn("Received packet of unknown type")
		}
		return
	}

	start := time.Now()
	err := proc.Process(ctx, pkt)
	r.metrics.record(pkt.Header.Type, err, time.Since(start))
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Error("Error processing packet")
	}
}
