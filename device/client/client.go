// Package client implements the three GATT protocols a WavePhoenix receiver
// can expose: the management service of current firmware, the migration
// service of the migration firmware and the Gecko bootloader OTA service of
// legacy firmware.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/transport"
)

// DefaultConnectTimeout bounds Client.Connect when no timeout is given.
const DefaultConnectTimeout = 15 * time.Second

var (
	// ErrServiceNotFound is returned by Connect when the peripheral does not
	// expose the client's service.
	ErrServiceNotFound = errors.New("service not found")
	// ErrShortValue is returned when a characteristic read is shorter than
	// its encoding.
	ErrShortValue = errors.New("characteristic value too short")
)

// Mode identifies which firmware, and so which protocol, a receiver runs.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeManagement
	ModeMigration
	ModeLegacy
)

func (m Mode) String() string {
	switch m {
	case ModeManagement:
		return "management"
	case ModeMigration:
		return "migration"
	case ModeLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParseMode parses the String form of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "management":
		return ModeManagement, nil
	case "migration":
		return ModeMigration, nil
	case "legacy":
		return ModeLegacy, nil
	default:
		return ModeUnknown, fmt.Errorf("unknown mode %q", s)
	}
}

// Service returns the GATT service identifying the mode.
func (m Mode) Service() uuid.UUID {
	switch m {
	case ModeManagement:
		return ManagementService
	case ModeMigration:
		return MigrationService
	case ModeLegacy:
		return LegacyService
	default:
		return uuid.Nil
	}
}

// Client is the behaviour shared by every protocol client.
type Client interface {
	Mode() Mode
	// Connect brings the link up and verifies the service is present.
	Connect(ctx context.Context, timeout time.Duration) error
	Disconnect() error
	Connected() bool
	AddDisconnectHandler(fn transport.DisconnectHandler) transport.HandlerID
	RemoveDisconnectHandler(id transport.HandlerID)
	// Reboot asks the receiver to restart. The link dropping as a result is
	// not an error.
	Reboot(ctx context.Context) error
}

// Flasher is a client that can upload a firmware image.
type Flasher interface {
	Client
	WriteFirmware(ctx context.Context, data []byte, opts dfu.Options) error
}

// Versioner is a client that can report the running firmware version.
type Versioner interface {
	Version(ctx context.Context) (*semver.Version, error)
}

// Config holds optional client settings.
type Config struct {
	// Counters receives transfer statistics. Optional.
	Counters *dfu.Counters
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// base holds the transport plumbing shared by the clients.
type base struct {
	t        transport.Transport
	service  uuid.UUID
	counters *dfu.Counters
	log      *slog.Logger
}

func newBase(t transport.Transport, service uuid.UUID, group string, cfg Config) base {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		t:        t,
		service:  service,
		counters: cfg.Counters,
		log:      logger.WithGroup(group),
	}
}

func (b *base) connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if !b.t.IsConnected() {
		if err := b.t.Connect(ctx, timeout); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
	}

	services, err := b.t.Services(ctx)
	if err != nil {
		return fmt.Errorf("discovering services: %w", err)
	}
	if !slices.Contains(services, b.service) {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, b.service)
	}
	return nil
}

// Disconnect tears the link down. It is a no-op when already disconnected.
func (b *base) Disconnect() error {
	if !b.t.IsConnected() {
		return nil
	}
	return b.t.Disconnect()
}

// Connected reports whether the link is up.
func (b *base) Connected() bool {
	return b.t.IsConnected()
}

// AddDisconnectHandler registers fn to run when the link drops.
func (b *base) AddDisconnectHandler(fn transport.DisconnectHandler) transport.HandlerID {
	return b.t.AddDisconnectHandler(fn)
}

// RemoveDisconnectHandler unregisters a handler.
func (b *base) RemoveDisconnectHandler(id transport.HandlerID) {
	b.t.RemoveDisconnectHandler(id)
}

func (b *base) attr(char uuid.UUID) transport.Attribute {
	return transport.Attribute{Service: b.service, Characteristic: char}
}

// command writes a single opcode byte with response.
func (b *base) command(ctx context.Context, char uuid.UUID, op byte, name string) error {
	if err := b.t.WriteValue(ctx, b.attr(char), []byte{op}, transport.WithResponse); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	b.log.Debug("command sent", "command", name)
	return nil
}

// expectDisconnect swallows the not-connected class only. A receiver that
// reboots may drop the link before acknowledging the write.
func expectDisconnect(err error) error {
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

func (b *base) session(data uuid.UUID, begin, finish func(context.Context) error) *dfu.Session {
	return &dfu.Session{
		Transport: b.t,
		Data:      b.attr(data),
		Begin:     begin,
		Finish:    finish,
		Counters:  b.counters,
		Logger:    b.log,
	}
}
