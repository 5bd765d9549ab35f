// Package bluez implements transport.Transport over the BlueZ D-Bus API.
//
// The system bus connection is the process-wide shared one returned by
// dbus.SystemBus and is never closed here.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/transport"
)

// BlueZ D-Bus names.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattService  = "org.bluez.GattService1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

const (
	// DefaultAdapter is the adapter used when Config.Adapter is empty.
	DefaultAdapter = "hci0"
	// DefaultNamePrefix matches WavePhoenix receivers during scans.
	DefaultNamePrefix = "WavePhoenix"

	resolvePollInterval = 200 * time.Millisecond
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// Config configures a BlueZ transport.
type Config struct {
	// Adapter is the HCI adapter name. Defaults to "hci0".
	Adapter string
	// Address is the peripheral's MAC address. When empty, Connect scans
	// for the strongest device whose name starts with NamePrefix.
	Address string
	// NamePrefix filters scan results. Defaults to "WavePhoenix".
	NamePrefix string
	// ScanTimeout bounds the scan used when Address is empty.
	ScanTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Transport is a GATT client for one BlueZ device.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	conn       *dbus.Conn
	address    string
	devicePath dbus.ObjectPath
	services   []uuid.UUID
	chars      map[transport.Attribute]dbus.ObjectPath
	connected  bool
	stopCh     chan struct{}

	handlers transport.Handlers

	// systemBus allows overriding the bus connection for testing.
	systemBus func() (*dbus.Conn, error)
}

// New returns a disconnected transport.
func New(cfg Config) (*Transport, error) {
	adapter, err := sanitizeAdapter(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	cfg.Adapter = adapter
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.Address != "" {
		if err := ValidateAddress(cfg.Address); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:       cfg,
		log:       logger.WithGroup("bluez"),
		address:   cfg.Address,
		systemBus: dbus.SystemBus,
	}, nil
}

// Address returns the peripheral address, which is only known before
// Connect when it was configured.
func (t *Transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// Connect connects to the device, waits for BlueZ to resolve its GATT
// services and indexes the characteristics. A link not up within timeout
// returns transport.ErrTimeout.
func (t *Transport) Connect(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	conn, err := t.systemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	t.conn = conn

	if t.address == "" {
		dev, err := findDevice(ctx, conn, ScanConfig{
			Adapter:    t.cfg.Adapter,
			NamePrefix: t.cfg.NamePrefix,
			Timeout:    t.cfg.ScanTimeout,
		}, t.log)
		if err != nil {
			return err
		}
		t.address = dev.Address
	}
	t.devicePath = devicePath(t.cfg.Adapter, t.address)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stop := make(chan struct{})
	if err := t.watch(conn, t.devicePath, stop); err != nil {
		return err
	}

	fail := func(err error) error {
		close(stop)
		conn.Object(bluezBus, t.devicePath).Call(bluezDevice1+".Disconnect", 0)
		return asTimeout(ctx, cctx, err)
	}

	device := conn.Object(bluezBus, t.devicePath)
	if connected, err := getProperty[bool](conn, t.devicePath, bluezDevice1, "Connected"); err != nil || !connected {
		if call := device.CallWithContext(cctx, bluezDevice1+".Connect", 0); call.Err != nil {
			return fail(fmt.Errorf("connecting to %s: %w", t.address, mapError(call.Err)))
		}
	}

	if err := waitResolved(cctx, conn, t.devicePath); err != nil {
		return fail(err)
	}

	services, chars, err := t.discover(conn)
	if err != nil {
		return fail(err)
	}

	t.services = services
	t.chars = chars
	t.stopCh = stop
	t.connected = true
	t.log.Info("connected", "address", t.address, "adapter", t.cfg.Adapter, "services", len(services))
	return nil
}

// asTimeout converts the expiry of the connect deadline, but not of the
// caller's context, into transport.ErrTimeout.
func asTimeout(parent, ctx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	return err
}

func waitResolved(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath) error {
	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		resolved, err := getProperty[bool](conn, path, bluezDevice1, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for service discovery: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *Transport) discover(conn *dbus.Conn) ([]uuid.UUID, map[transport.Attribute]dbus.ObjectPath, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, nil, fmt.Errorf("listing objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, nil, fmt.Errorf("decoding objects: %w", err)
	}
	services, chars := gattTree(objects, t.devicePath)
	return services, chars, nil
}

// watch subscribes to the device's PropertiesChanged signal and marks the
// transport disconnected when Connected turns false.
func (t *Transport) watch(conn *dbus.Conn, path dbus.ObjectPath, stop chan struct{}) error {
	rule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, path,
	)
	if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return fmt.Errorf("adding signal match: %w", call.Err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)

	go func() {
		defer func() {
			conn.RemoveSignal(sigCh)
			conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		}()
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if isDisconnectSignal(sig, path) {
					t.log.Debug("link dropped by peer", "path", path)
					t.markDisconnected()
					return
				}
			}
		}
	}()
	return nil
}

// markDisconnected clears the link state and fires the handlers once per
// disconnect event.
func (t *Transport) markDisconnected() {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.chars = nil
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	t.mu.Unlock()

	if was {
		t.log.Info("disconnected", "address", t.Address())
		t.handlers.Fire()
	}
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn, path := t.conn, t.devicePath
	t.mu.Unlock()

	var err error
	if conn != nil && path != "" {
		if call := conn.Object(bluezBus, path).Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
			err = mapError(call.Err)
			if errors.Is(err, transport.ErrNotConnected) {
				err = nil
			}
		}
	}
	t.markDisconnected()
	return err
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Services implements transport.Transport. Services are reported in handle
// order.
func (t *Transport) Services(_ context.Context) ([]uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, transport.ErrNotConnected
	}
	return append([]uuid.UUID(nil), t.services...), nil
}

func (t *Transport) charPath(attr transport.Attribute) (*dbus.Conn, dbus.ObjectPath, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, "", transport.ErrNotConnected
	}
	path, ok := t.chars[attr]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", transport.ErrAttributeNotFound, attr)
	}
	return t.conn, path, nil
}

// ReadValue implements transport.Transport.
func (t *Transport) ReadValue(ctx context.Context, attr transport.Attribute) ([]byte, error) {
	conn, path, err := t.charPath(attr)
	if err != nil {
		return nil, err
	}
	call := conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("reading %s: %w", attr.Characteristic, mapError(call.Err))
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, fmt.Errorf("decoding read result: %w", err)
	}
	return data, nil
}

// WriteValue implements transport.Transport. Acknowledged writes use the
// "request" type and unacknowledged writes the "command" type.
func (t *Transport) WriteValue(ctx context.Context, attr transport.Attribute, data []byte, mode transport.WriteMode) error {
	conn, path, err := t.charPath(attr)
	if err != nil {
		return err
	}
	call := conn.Object(bluezBus, path).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, data, writeOptions(mode))
	if call.Err != nil {
		return fmt.Errorf("writing %s: %w", attr.Characteristic, mapError(call.Err))
	}
	return nil
}

func writeOptions(mode transport.WriteMode) map[string]dbus.Variant {
	typ := "request"
	if mode == transport.WithoutResponse {
		typ = "command"
	}
	return map[string]dbus.Variant{"type": dbus.MakeVariant(typ)}
}

// AddDisconnectHandler implements transport.Transport.
func (t *Transport) AddDisconnectHandler(fn transport.DisconnectHandler) transport.HandlerID {
	return t.handlers.Add(fn)
}

// RemoveDisconnectHandler implements transport.Transport.
func (t *Transport) RemoveDisconnectHandler(id transport.HandlerID) {
	t.handlers.Remove(id)
}

// getProperty reads a property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
