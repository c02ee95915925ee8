package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Broker is the publish/subscribe transport used by the control plane.
type Broker interface {
	Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTBroker implements Broker on a paho client with automatic reconnect.
type MQTTBroker struct {
	url      string
	clientID string
	client   mqtt.Client
	logger   *slog.Logger

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// BrokerStats are the publish counters of an MQTTBroker.
type BrokerStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTTBroker returns an unconnected broker for url (tcp://host:port).
func NewMQTTBroker(url, clientID string, logger *slog.Logger) *MQTTBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTBroker{
		url:       url,
		clientID:  clientID,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes the connection to the broker.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.url)
	opts.SetClientID(b.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		b.setConnected(true)
		b.logger.Info("control: mqtt connection established", "broker", b.url, "client_id", b.clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.setConnected(false)
		b.logger.Warn("control: mqtt connection lost, will auto-reconnect", "broker", b.url, "error", err)
	}

	b.client = mqtt.NewClient(opts)
	b.logger.Info("control: connecting to mqtt broker", "broker", b.url)

	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("control: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: mqtt connection failed: %w", err)
	}
	b.setConnected(true)
	return nil
}

// Subscribe registers fn for messages on topic.
func (b *MQTTBroker) Subscribe(topic string, qos byte, fn func(topic string, payload []byte)) error {
	if b.client == nil {
		return fmt.Errorf("control: mqtt not connected")
	}
	token := b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("control: subscription to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription to %s failed: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription on topic.
func (b *MQTTBroker) Unsubscribe(topic string) error {
	if b.client == nil || !b.client.IsConnected() {
		return nil
	}
	token := b.client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("control: unsubscribe from %s timed out", topic)
	}
	return token.Error()
}

// Publish sends payload to topic.
func (b *MQTTBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !b.isConnected() {
		b.countError()
		return fmt.Errorf("control: mqtt not connected")
	}

	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.countError()
		return fmt.Errorf("control: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		b.countError()
		return fmt.Errorf("control: publish to %s failed: %w", topic, err)
	}

	b.mu.Lock()
	b.published[topic]++
	b.mu.Unlock()
	return nil
}

// Disconnect closes the connection with a short grace period.
func (b *MQTTBroker) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
		b.logger.Info("control: mqtt disconnected")
	}
	b.setConnected(false)
}

// Stats returns a copy of the publish counters.
func (b *MQTTBroker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	published := make(map[string]uint64, len(b.published))
	for k, v := range b.published {
		published[k] = v
	}
	return BrokerStats{Connected: b.connected, Published: published, Errors: b.errors}
}

func (b *MQTTBroker) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

func (b *MQTTBroker) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MQTTBroker) countError() {
	b.mu.Lock()
	b.errors++
	b.mu.Unlock()
}
