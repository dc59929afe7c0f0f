// Package bridge lets VDA5050 robots on an MQTT broker take part in the relay.
// Their state and connection messages enter the router as STATUS packets, and
// an ONLINE robot is registered with a sink that turns COMMAND packets into
// instant actions.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/kalifun/fleetlink/pkg/codec"
	"github.com/kalifun/fleetlink/pkg/converter"
	"github.com/kalifun/fleetlink/pkg/converter/vda5050"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/kalifun/fleetlink/pkg/types"
	"github.com/sirupsen/logrus"
)

// Router is the part of the relay router the bridge feeds.
type Router interface {
	Route(ctx context.Context, pkt *types.Packet) error
}

// Converter translates VDA5050 messages and names the topics to subscribe to.
type Converter interface {
	converter.Converter
	StateTopic() string
	ConnectionTopic() string
}

type Bridge struct {
	id            string
	transport     core.Transport
	converter     Converter
	registry      *core.Registry
	router        Router
	publish       core.PublishOptions
	mu            sync.Mutex
	subscriptions []core.Subscription
	online        map[string]struct{}
	logger        *logrus.Entry
}

func New(id string, transport core.Transport, conv Converter, registry *core.Registry, router Router, publish core.PublishOptions) *Bridge {
	return &Bridge{
		id:        id,
		transport: transport,
		converter: conv,
		registry:  registry,
		router:    router,
		publish:   publish,
		online:    make(map[string]struct{}),
		logger:    logrus.WithField("component", id),
	}
}

func (b *Bridge) ID() string {
	return b.id
}

// Start subscribes to robot state and connection topics. The transport must
// already be running.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range []string{b.converter.ConnectionTopic(), b.converter.StateTopic()} {
		sub, err := b.transport.Subscribe(ctx, topic, b.HandleMessage)
		if err != nil {
			b.unsubscribeLocked(ctx)
			return fmt.Errorf("bridge failed to subscribe to topic %s: %w", topic, err)
		}
		b.subscriptions = append(b.subscriptions, sub)
	}
	b.logger.Info("VDA5050 bridge started")
	return nil
}

// Stop unsubscribes and unregisters every robot the bridge registered.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.unsubscribeLocked(ctx)
	for serial := range b.online {
		b.registry.Remove(serial)
		delete(b.online, serial)
	}
	b.logger.Info("VDA5050 bridge stopped")
	return nil
}

// HandleMessage converts one robot message and routes it. Connection changes
// register or remove the robot first.
func (b *Bridge) HandleMessage(ctx context.Context, msg *core.Message) error {
	topic, err := vda5050.ParseTopic(msg.Topic)
	if err != nil {
		return err
	}

	if topic.Kind == vda5050.TopicConnection {
		state, err := vda5050.ConnectionState(msg.Payload)
		if err != nil {
			return err
		}
		b.setOnline(topic.SerialNumber, state == vda5050.ConnectionOnline)
	}

	pkt, err := b.converter.ToPacket(ctx, &types.TransportMessage{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		Meta:    map[string]interface{}{"source": msg.Meta["source"]},
	})
	if err != nil {
		return err
	}
	return b.router.Route(ctx, pkt)
}

func (b *Bridge) setOnline(serial string, online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logger := b.logger.WithField("device_id", serial)
	if online {
		b.registry.Register(serial, &robotSink{bridge: b, serial: serial})
		b.online[serial] = struct{}{}
		logger.Info("VDA5050 robot online")
		return
	}
	if _, ok := b.online[serial]; ok {
		b.registry.Remove(serial)
		delete(b.online, serial)
		logger.Info("VDA5050 robot offline")
	}
}

func (b *Bridge) unsubscribeLocked(ctx context.Context) {
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(ctx); err != nil {
			b.logger.WithError(err).WithField("topic", sub.Topic()).Warn("Unsubscribe failed")
		}
	}
	b.subscriptions = nil
}

// robotSink delivers relay packets to one VDA5050 robot.
type robotSink struct {
	bridge *Bridge
	serial string
}

func (s *robotSink) Send(ctx context.Context, raw []byte) error {
	pkt, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	pub, err := s.bridge.converter.FromPacket(ctx, pkt)
	if err != nil {
		return err
	}
	return s.bridge.transport.Publish(ctx, pub.Topic, pub.Payload, s.bridge.publish)
}
