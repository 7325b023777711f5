// Package mqtt bridges session event streams onto an MQTT broker so
// dashboards and external automations can follow agent progress
// without holding a websocket open.
package mqtt

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/inframinds/agentcore/internal/events"
)

// Client wraps the Paho MQTT client.
type Client struct {
	client paho.Client
	mu     sync.Mutex
}

// BrokerURL returns the MQTT broker URL from env or default.
func BrokerURL() string {
	if url := os.Getenv("MQTT_URL"); url != "" {
		return url
	}
	return "tcp://localhost:1883"
}

// NewClient creates a new MQTT client but does not connect.
func NewClient(clientID string) *Client {
	opts := paho.NewClientOptions().
		AddBroker(BrokerURL()).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return &Client{
		client: paho.NewClient(opts),
	}
}

// Connect attempts to connect to the broker without blocking forever.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return &ConnectTimeoutError{}
	}
	return token.Error()
}

// Publish sends a payload to a topic at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return &PublishTimeoutError{Topic: topic}
	}
	return token.Error()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct{}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout"
}

// PublishTimeoutError indicates a publish timed out.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}

// Bridge subscribes to a session's event bus and republishes every
// event to inframinds/<session_id>/events. Stops when the subscriber
// channel closes.
type Bridge struct {
	client    *Client
	sessionID string
	sub       events.Subscriber
	bus       *events.Bus
	done      chan struct{}
}

// StartBridge connects and begins forwarding. Connection failure is
// logged and forwarding is skipped; the engine never depends on the
// broker being up.
func StartBridge(client *Client, bus *events.Bus, sessionID string) *Bridge {
	if err := client.Connect(); err != nil {
		log.Printf("mqtt: failed to connect to %s: %v", BrokerURL(), err)
		return nil
	}

	b := &Bridge{
		client:    client,
		sessionID: sessionID,
		sub:       bus.Subscribe(),
		bus:       bus,
		done:      make(chan struct{}),
	}
	go b.forward()
	log.Printf("mqtt: bridging session %s to %s", sessionID, b.topic())
	return b
}

func (b *Bridge) topic() string {
	return "inframinds/" + b.sessionID + "/events"
}

func (b *Bridge) forward() {
	defer close(b.done)
	for event := range b.sub {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := b.client.Publish(b.topic(), payload); err != nil {
			log.Printf("mqtt: publish failed for %s: %v", b.topic(), err)
		}
	}
}

// Stop detaches from the bus and waits for the forwarder to drain.
func (b *Bridge) Stop() {
	b.bus.Unsubscribe(b.sub)
	<-b.done
}
