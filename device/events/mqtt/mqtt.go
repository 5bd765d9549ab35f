// Package mqtt publishes device events to an MQTT broker.
//
// Every event is sent as JSON to "{prefix}/{device}/events". State and
// connection events are also retained on "{prefix}/{device}/state" so late
// subscribers see the current status.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/wavephoenix-go/device/events"
)

// Compile-time interface check.
var _ events.Publisher = (*Publisher)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "wavephoenix"
	// DefaultDevice is the topic segment used when no device is configured.
	DefaultDevice = "receiver"
)

// Config holds the configuration for an MQTT publisher.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "wavephoenix").
	TopicPrefix string
	// Device is the topic segment identifying the receiver, typically its
	// address.
	Device string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Publisher implements events.Publisher over MQTT.
type Publisher struct {
	cfg       Config
	log       *slog.Logger
	mu        sync.RWMutex
	client    client
	connected bool
}

// New creates a new MQTT publisher with the given configuration.
func New(cfg Config) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Publisher{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker.
func (p *Publisher) Start(ctx context.Context) error {
	if p.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "wpdfu-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(p.onConnected).
		SetConnectionLostHandler(p.onConnectionLost).
		SetReconnectingHandler(p.onReconnecting)

	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
	}
	if p.cfg.Password != "" {
		opts.SetPassword(p.cfg.Password)
	}
	if p.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	c := paho.NewClient(opts)
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()

	token := c.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.client.Disconnect(1000)
		p.connected = false
	}
	return nil
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.client != nil && p.client.IsConnected()
}

// EventsTopic is where every event is published.
func (p *Publisher) EventsTopic() string {
	return p.cfg.TopicPrefix + "/" + topicSegment(p.cfg.Device) + "/events"
}

// StateTopic holds the latest retained state or connection event.
func (p *Publisher) StateTopic() string {
	return p.cfg.TopicPrefix + "/" + topicSegment(p.cfg.Device) + "/state"
}

// Publish implements events.Publisher. Events are dropped while the broker
// is unreachable; Publish never blocks the caller on the network.
func (p *Publisher) Publish(e events.Event) {
	if !p.IsConnected() {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Debug("failed to encode event", "kind", e.Kind, "error", err)
		return
	}

	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()

	p.watch(c.Publish(p.EventsTopic(), 0, false, payload), e.Kind)
	if retained(e.Kind) {
		p.watch(c.Publish(p.StateTopic(), 1, true, payload), e.Kind)
	}
}

func retained(k events.Kind) bool {
	switch k {
	case events.KindState, events.KindConnected, events.KindDisconnected:
		return true
	default:
		return false
	}
}

func (p *Publisher) watch(token paho.Token, kind events.Kind) {
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			p.log.Debug("timeout publishing event", "kind", kind)
			return
		}
		if err := token.Error(); err != nil {
			p.log.Debug("failed to publish event", "kind", kind, "error", err)
		}
	}()
}

// topicSegment strips MQTT wildcard and level characters from s.
func topicSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

func (p *Publisher) onConnected(_ paho.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	p.log.Info("connected to MQTT broker", "broker", p.cfg.Broker, "topic", p.EventsTopic())
}

func (p *Publisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.log.Error("MQTT connection lost", "error", err)
}

func (p *Publisher) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	p.log.Info("reconnecting to MQTT broker")
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
