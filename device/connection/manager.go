// Package connection owns the single active link to a receiver: it picks
// the protocol client from the advertised services, tracks the link
// through disconnect events and reconnects after an expected reboot.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/events"
	"github.com/kabili207/wavephoenix-go/transport"
)

const (
	// DefaultDiscoveryTimeout bounds the initial link used for service
	// discovery.
	DefaultDiscoveryTimeout = 10 * time.Second
	// DefaultConnectTimeout bounds the client's own connect.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultReconnectAttempts is the reconnect budget after a reboot.
	DefaultReconnectAttempts = 15
	// DefaultReconnectDelay is the fixed delay between reconnect attempts.
	DefaultReconnectDelay = time.Second
	// DefaultReconnectWait bounds the wait for the rebooting receiver to
	// drop the link.
	DefaultReconnectWait = 10 * time.Second
)

var (
	// ErrUnknownService is returned when the peripheral exposes none of the
	// known protocol services.
	ErrUnknownService = errors.New("unknown device: no supported service")
	// ErrSlotOccupied is returned when connecting while another connection
	// is still held.
	ErrSlotOccupied = errors.New("a device connection is already active")
	// ErrNoDevice is returned by Reconnect when nothing was connected.
	ErrNoDevice = errors.New("no device to reconnect to")
)

// Precedence orders the protocol modes when a peripheral exposes more than
// one known service.
var Precedence = []client.Mode{client.ModeManagement, client.ModeMigration, client.ModeLegacy}

// SelectMode picks the highest-precedence mode whose service is present.
func SelectMode(services []uuid.UUID) (client.Mode, bool) {
	for _, mode := range Precedence {
		want := mode.Service()
		for _, s := range services {
			if s == want {
				return mode, true
			}
		}
	}
	return client.ModeUnknown, false
}

// Connection is the active client and its mode.
type Connection struct {
	Client client.Client
	Mode   client.Mode
	Since  time.Time
}

// Config configures a Manager.
type Config struct {
	// DiscoveryTimeout defaults to 10s.
	DiscoveryTimeout time.Duration
	// ConnectTimeout defaults to 15s.
	ConnectTimeout time.Duration
	// ReconnectAttempts defaults to 15.
	ReconnectAttempts uint
	// ReconnectDelay defaults to 1s.
	ReconnectDelay time.Duration
	// ReconnectWait defaults to 10s.
	ReconnectWait time.Duration
	// Device labels events, typically the peripheral address.
	Device string
	// Client is passed to every client the manager creates.
	Client client.Config
	// Events receives connection events. Optional.
	Events events.Publisher
	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// slot is the owned connection.
type slot struct {
	conn      *Connection
	transport transport.Transport
	handler   transport.HandlerID
	gone      chan struct{}
}

// Manager owns at most one connection at a time.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	events events.Publisher

	mu   sync.Mutex
	slot *slot
	// last is the transport of the most recent connection, kept for
	// Reconnect after the slot is released by a disconnect.
	last transport.Transport
	// gone is closed when the most recent connection drops.
	gone chan struct{}

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewManager creates a connection manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultReconnectWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = logger
	}
	return &Manager{
		cfg:    cfg,
		log:    logger.WithGroup("connection"),
		events: events.OrDiscard(cfg.Events),
		nowFn:  time.Now,
	}
}

func newClient(mode client.Mode, t transport.Transport, cfg client.Config) client.Client {
	switch mode {
	case client.ModeManagement:
		return client.NewManagement(t, cfg)
	case client.ModeMigration:
		return client.NewMigration(t, cfg)
	default:
		return client.NewLegacy(t, cfg)
	}
}

// Connect links to the peripheral behind t, discovers its services, builds
// the matching client and takes the slot.
func (m *Manager) Connect(ctx context.Context, t transport.Transport) (*Connection, error) {
	m.mu.Lock()
	occupied := m.slot != nil
	m.mu.Unlock()
	if occupied {
		return nil, ErrSlotOccupied
	}

	if err := t.Connect(ctx, m.cfg.DiscoveryTimeout); err != nil {
		return nil, fmt.Errorf("connecting for discovery: %w", err)
	}

	services, err := t.Services(ctx)
	if err != nil {
		t.Disconnect()
		return nil, fmt.Errorf("discovering services: %w", err)
	}

	mode, ok := SelectMode(services)
	if !ok {
		t.Disconnect()
		return nil, fmt.Errorf("%w: %v", ErrUnknownService, services)
	}

	c := newClient(mode, t, m.cfg.Client)
	if err := c.Connect(ctx, m.cfg.ConnectTimeout); err != nil {
		t.Disconnect()
		return nil, fmt.Errorf("connecting %s client: %w", mode, err)
	}

	conn := &Connection{Client: c, Mode: mode, Since: m.nowFn()}
	s := &slot{conn: conn, transport: t, gone: make(chan struct{})}

	m.mu.Lock()
	if m.slot != nil {
		m.mu.Unlock()
		return nil, ErrSlotOccupied
	}
	m.slot = s
	m.last = t
	m.gone = s.gone
	m.mu.Unlock()

	id := c.AddDisconnectHandler(func() { m.dropped(s) })
	m.mu.Lock()
	s.handler = id
	m.mu.Unlock()
	if !c.Connected() {
		// The link dropped before the handler was registered.
		m.dropped(s)
		return nil, fmt.Errorf("connecting %s client: %w", mode, transport.ErrNotConnected)
	}

	e := events.Event{Kind: events.KindConnected, Time: m.nowFn(), Device: m.cfg.Device, Mode: mode.String()}
	if v, ok := c.(client.Versioner); ok {
		if ver, err := v.Version(ctx); err == nil {
			e.Version = ver.String()
		}
	}
	m.log.Info("device connected", "mode", mode, "version", e.Version)
	m.events.Publish(e)
	return conn, nil
}

// dropped clears the slot if it still holds s.
func (m *Manager) dropped(s *slot) {
	m.mu.Lock()
	if m.slot != s {
		m.mu.Unlock()
		return
	}
	m.slot = nil
	close(s.gone)
	id := s.handler
	m.mu.Unlock()

	s.transport.RemoveDisconnectHandler(id)
	m.log.Info("device disconnected", "mode", s.conn.Mode)
	m.events.Publish(events.Event{
		Kind:   events.KindDisconnected,
		Time:   m.nowFn(),
		Device: m.cfg.Device,
		Mode:   s.conn.Mode.String(),
	})
}

// Current returns the active connection.
func (m *Manager) Current() (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return nil, false
	}
	return m.slot.conn, true
}

// Release disconnects and frees the slot. It is a no-op when nothing is
// connected.
func (m *Manager) Release() error {
	m.mu.Lock()
	s := m.slot
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	err := s.conn.Client.Disconnect()
	m.dropped(s)
	return err
}

// Reconnect re-establishes the link after an expected reboot. It first
// waits for the current connection to drop, then retries Connect with a
// fixed delay. Only timeout-class errors are retried.
func (m *Manager) Reconnect(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	t, gone := m.last, m.gone
	m.mu.Unlock()
	if t == nil {
		return nil, ErrNoDevice
	}

	if gone != nil {
		wait := time.NewTimer(m.cfg.ReconnectWait)
		select {
		case <-gone:
			wait.Stop()
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		case <-wait.C:
			m.log.Warn("device did not drop the link, releasing it", "waited", m.cfg.ReconnectWait)
			if err := m.Release(); err != nil {
				m.log.Debug("release failed", "error", err)
			}
		}
	}

	var conn *Connection
	err := retry.Do(
		func() error {
			c, err := m.Connect(ctx, t)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(m.cfg.ReconnectAttempts),
		retry.Delay(m.cfg.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(transport.IsTimeout),
		retry.OnRetry(func(n uint, err error) {
			m.log.Debug("reconnect attempt failed", "attempt", n+1, "error", err)
			m.events.Publish(events.Event{
				Kind:    events.KindReconnecting,
				Time:    m.nowFn(),
				Device:  m.cfg.Device,
				Attempt: n + 1,
				Err:     err.Error(),
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("reconnecting: %w", err)
	}
	return conn, nil
}
