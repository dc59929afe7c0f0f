package mqtt

import (
	"context"
	"sync"

	"github.com/kalifun/fleetlink/errors"
)

// Subscription is one active topic filter on a Transport.
type Subscription struct {
	topic     string
	transport *Transport
	mu        sync.RWMutex
	active    bool
}

func (ms *Subscription) Unsubscribe(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.active {
		return errors.SubscriptionNotActive.Args(ms.topic)
	}

	client := ms.transport.client
	if client == nil || !client.IsConnected() {
		return errors.ClientNotConnected
	}

	logger := ms.transport.logger.WithField("topic", ms.topic)
	logger.Info("Unsubscribing from MQTT topic")

	token := client.Unsubscribe(ms.topic)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		logger.WithError(err).Error("MQTT unsubscribe failed")
		return errors.UnsubscribeFailed.Args(ms.topic, err)
	}

	ms.transport.removeSubscription(ms.topic)
	ms.active = false

	logger.Info("Successfully unsubscribed from MQTT topic")
	return nil
}

func (ms *Subscription) Topic() string {
	return ms.topic
}

// Active reports whether the subscription still receives messages.
func (ms *Subscription) Active() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.active
}

func (ms *Subscription) deactivate() {
	ms.mu.Lock()
	ms.active = false
	ms.mu.Unlock()
}
