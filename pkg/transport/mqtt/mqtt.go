package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kalifun/fleetlink/errors"
	"github.com/kalifun/fleetlink/pkg/core"
	"github.com/sirupsen/logrus"
)

// Transport is a paho client with a start/stop lifecycle. The relay uses it to
// mirror traffic to a broker and to talk to VDA5050 robots.
type Transport struct {
	id            string
	config        Config
	client        mqtt.Client
	logger        *logrus.Entry
	mu            sync.RWMutex
	running       bool
	subscriptions map[string]*Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewTransport(id string, config Config) *Transport {
	return &Transport{
		id:            id,
		config:        config,
		logger:        logrus.WithField("component", id),
		subscriptions: make(map[string]*Subscription),
	}
}

func (mt *Transport) ID() string {
	return mt.id
}

// GetConfig returns the configuration the transport was built with.
func (mt *Transport) GetConfig() Config {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.config
}

func (mt *Transport) IsRunning() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.running
}

func (mt *Transport) Start(ctx context.Context) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.running {
		return errors.MqttTransportAlreadyRunning
	}

	if err := validateConfig(&mt.config); err != nil {
		return err
	}

	mt.logger.WithFields(logrus.Fields{
		"broker":    mt.config.Broker,
		"client_id": mt.config.ClientID,
	}).Info("Starting MQTT transport")

	// Handlers run with this context; it must exist before the first message.
	mt.ctx, mt.cancel = context.WithCancel(context.Background())
	if err := mt.connect(); err != nil {
		mt.cancel()
		return errors.ConnectionFailed.Wrap(err)
	}

	mt.running = true
	mt.logger.Info("MQTT transport started successfully")

	return nil
}

func (mt *Transport) Stop(ctx context.Context) error {
	mt.mu.Lock()

	if !mt.running {
		mt.mu.Unlock()
		return errors.MqttTransportNotRunning
	}

	mt.logger.Info("Stopping MQTT transport")

	mt.cancel()

	if mt.client != nil && mt.client.IsConnected() {
		mt.client.Disconnect(250)
	}

	subs := make([]*Subscription, 0, len(mt.subscriptions))
	for topic, sub := range mt.subscriptions {
		subs = append(subs, sub)
		delete(mt.subscriptions, topic)
	}
	mt.running = false
	mt.mu.Unlock()

	// Subscription locks are taken after the transport lock is released.
	for _, sub := range subs {
		sub.deactivate()
	}

	mt.logger.Info("MQTT transport stopped successfully")
	return nil
}

func (mt *Transport) Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if !mt.running {
		return errors.MqttTransportNotRunning
	}

	if mt.client == nil || !mt.client.IsConnected() {
		return errors.ClientNotConnected
	}

	mt.logger.WithFields(logrus.Fields{
		"topic":        topic,
		"payload_size": len(payload),
		"qos":          opts.QoS,
		"retain":       opts.Retain,
	}).Debug("Publishing MQTT message")

	token := mt.client.Publish(topic, opts.QoS, opts.Retain, payload)
	if opts.TimeOut > 0 {
		select {
		case <-token.Done():
			if token.Error() != nil {
				mt.logger.WithError(token.Error()).Error("MQTT publish failed")
				return errors.PublishFailed.Wrap(token.Error())
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.TimeOut):
			return errors.TimeoutError
		}
	} else {
		// QoS 0 tokens complete immediately; fire and forget for the rest.
		if err := token.Error(); err != nil {
			mt.logger.WithError(err).Error("MQTT publish failed")
			return errors.PublishFailed.Wrap(err)
		}
	}

	return nil
}

func (mt *Transport) Subscribe(ctx context.Context, topic string, handler core.MessageHandler) (core.Subscription, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if !mt.running {
		return nil, errors.MqttTransportNotRunning
	}

	if mt.client == nil || !mt.client.IsConnected() {
		return nil, errors.ClientNotConnected
	}

	mt.logger.WithFields(logrus.Fields{
		"topic": topic,
		"qos":   mt.config.QoS,
	}).Info("Subscribing to MQTT topic")

	token := mt.client.Subscribe(topic, mt.config.QoS, func(c mqtt.Client, m mqtt.Message) {
		mt.handleMessage(m, handler)
	})
	if !token.WaitTimeout(mt.config.ConnectTimeout) {
		return nil, errors.TimeoutError
	}
	if err := token.Error(); err != nil {
		mt.logger.WithError(err).Error("MQTT subscription failed")
		return nil, errors.SubscriptionFailed.Wrap(err)
	}

	sub := &Subscription{
		topic:     topic,
		transport: mt,
		active:    true,
	}
	mt.subscriptions[topic] = sub

	mt.logger.WithField("topic", topic).Info("Successfully subscribed to MQTT topic")
	return sub, nil
}

func (mt *Transport) connect() error {
	mqttOpts := mqtt.NewClientOptions()
	mqttOpts.AddBroker(mt.config.Broker)
	mqttOpts.SetClientID(mt.config.ClientID)
	mqttOpts.SetUsername(mt.config.Username)
	mqttOpts.SetPassword(mt.config.Password)
	mqttOpts.SetCleanSession(mt.config.CleanSession)
	mqttOpts.SetKeepAlive(time.Duration(mt.config.KeepAlive) * time.Second)
	mqttOpts.SetAutoReconnect(mt.config.AutoReconnect)
	mqttOpts.SetMaxReconnectInterval(mt.config.MaxReconnectInterval)
	mqttOpts.SetConnectTimeout(mt.config.ConnectTimeout)

	if mt.config.TLSConfig != nil {
		tlsConfig, err := mt.config.TLSConfig.build()
		if err != nil {
			return err
		}
		mqttOpts.SetTLSConfig(tlsConfig)
	}

	if mt.config.WillMessage != nil {
		mqttOpts.SetWill(mt.config.WillMessage.Topic,
			mt.config.WillMessage.Payload,
			mt.config.WillMessage.QoS,
			mt.config.WillMessage.Retained)
	}

	mqttOpts.OnConnect = mt.onConnect
	mqttOpts.OnReconnecting = mt.onReconnecting
	mqttOpts.OnConnectionLost = mt.onConnectionLost

	mt.client = mqtt.NewClient(mqttOpts)
	connectToken := mt.client.Connect()
	if connectToken.WaitTimeout(mt.config.ConnectTimeout) {
		return connectToken.Error()
	}

	return errors.TimeoutError
}

func (mt *Transport) onConnect(client mqtt.Client) {
	mt.logger.WithField("broker", mt.config.Broker).Info("MQTT connection established")
}

func (mt *Transport) onConnectionLost(client mqtt.Client, err error) {
	mt.logger.WithError(err).Error("MQTT connection lost")
}

func (mt *Transport) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	mt.logger.WithField("broker", mt.config.Broker).Info("Attempting to reconnect to MQTT broker")
}

// handleMessage processes incoming MQTT messages
func (mt *Transport) handleMessage(msg mqtt.Message, handler core.MessageHandler) {
	mt.logger.WithFields(logrus.Fields{
		"topic":        msg.Topic(),
		"payload_size": len(msg.Payload()),
		"qos":          msg.Qos(),
		"retained":     msg.Retained(),
	}).Debug("Received MQTT message")

	message := toMessage(msg)
	ctx := mt.ctx

	go func() {
		if err := handler(ctx, message); err != nil {
			mt.logger.WithFields(logrus.Fields{
				"topic": msg.Topic(),
				"error": err.Error(),
			}).Error("MQTT message handler error")
		}

		msg.Ack()
	}()
}

func toMessage(msg mqtt.Message) *core.Message {
	return &core.Message{
		Topic:   msg.Topic(),
		Payload: msg.Payload(),
		Meta: map[string]string{
			"source":     "mqtt",
			"qos":        fmt.Sprintf("%d", msg.Qos()),
			"retained":   fmt.Sprintf("%t", msg.Retained()),
			"message_id": fmt.Sprintf("%d", msg.MessageID()),
		},
		Time: time.Now(),
	}
}

// removeSubscription removes a subscription from internal tracking
func (mt *Transport) removeSubscription(topic string) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	delete(mt.subscriptions, topic)
}
