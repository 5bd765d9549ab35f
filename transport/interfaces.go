// Package transport defines the GATT link contract the protocol clients are
// written against, and the error classes implementations report.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Transport is a connection to one BLE peripheral's GATT server.
//
// Implementations must be safe for one writer plus disconnect
// notifications arriving from another goroutine. Operations on a single
// transport are issued sequentially by the clients.
type Transport interface {
	// Connect establishes the link. It returns ErrTimeout when the link is
	// not up within timeout.
	Connect(ctx context.Context, timeout time.Duration) error
	// Disconnect tears the link down. Disconnect handlers fire.
	Disconnect() error
	// IsConnected reports whether the link is currently up.
	IsConnected() bool
	// Services lists the peripheral's primary services in discovery order.
	Services(ctx context.Context) ([]uuid.UUID, error)
	// ReadValue reads a characteristic.
	ReadValue(ctx context.Context, attr Attribute) ([]byte, error)
	// WriteValue writes a characteristic. WithResponse blocks until the
	// peer acknowledges; WithoutResponse returns once the write is queued.
	WriteValue(ctx context.Context, attr Attribute, data []byte, mode WriteMode) error
	// AddDisconnectHandler registers fn to run on every disconnect event.
	AddDisconnectHandler(fn DisconnectHandler) HandlerID
	// RemoveDisconnectHandler unregisters a handler. Unknown ids are ignored.
	RemoveDisconnectHandler(id HandlerID)
}

// DisconnectHandler is called once per disconnect event.
type DisconnectHandler func()

// HandlerID identifies a registered disconnect handler.
type HandlerID uint64

// Attribute addresses one characteristic within a service.
type Attribute struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
}

func (a Attribute) String() string {
	return a.Service.String() + "/" + a.Characteristic.String()
}

// WriteMode selects acknowledged or unacknowledged writes.
type WriteMode int

const (
	// WithResponse is an acknowledged write request.
	WithResponse WriteMode = iota
	// WithoutResponse is a write command; the caller must pace itself.
	WithoutResponse
)

func (m WriteMode) String() string {
	switch m {
	case WithResponse:
		return "with-response"
	case WithoutResponse:
		return "without-response"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is returned when a connect or response deadline passes.
	ErrTimeout = errors.New("operation timed out")
	// ErrNotConnected is returned by operations on a link that is already
	// down, including the write that made the peer drop it.
	ErrNotConnected = errors.New("not connected")
	// ErrAttributeNotFound is returned for unknown services or characteristics.
	ErrAttributeNotFound = errors.New("attribute not found")
)

// IsTimeout reports whether err belongs to the timeout class.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// bluetoothBase is the Bluetooth SIG base UUID 00000000-0000-1000-8000-00805f9b34fb.
var bluetoothBase = uuid.UUID{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// ShortUUID expands a 16-bit assigned number into its canonical 128-bit form.
func ShortUUID(n uint16) uuid.UUID {
	id := bluetoothBase
	id[2] = byte(n >> 8)
	id[3] = byte(n)
	return id
}
