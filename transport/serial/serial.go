// Package serial provides a transport for a GATT bridge dongle attached to
// a serial port.
//
// The dongle performs the BLE connection itself and relays GATT operations.
// Requests and responses are bridge messages carried in RS232 frames with
// Fletcher-16 checksums; responses echo the request's sequence number and
// the dongle reports link loss with an unsolicited disconnected event.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/core/codec"
	"github.com/kabili207/wavephoenix-go/transport"
	"go.bug.st/serial"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for bridge dongles.
	DefaultBaudRate = 115200
	// DefaultResponseTimeout bounds requests other than connect.
	DefaultResponseTimeout = 5 * time.Second

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

var (
	// ErrPortClosed is returned for requests after the port is closed.
	ErrPortClosed = errors.New("serial port closed")
	// ErrBridgeFailure is returned when the dongle reports a failed operation.
	ErrBridgeFailure = errors.New("bridge operation failed")
)

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyACM0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Address is the peripheral the dongle should connect to. When empty
	// the dongle picks the first WavePhoenix receiver it sees.
	Address string
	// ResponseTimeout defaults to 5s.
	ResponseTimeout time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a bridge dongle.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	port      io.ReadWriteCloser
	open      bool
	connected bool
	done      chan struct{}
	seq       uint8
	pending   map[uint8]chan codec.Message

	writeMu  sync.Mutex
	handlers transport.Handlers

	// openPort allows overriding the serial port for testing.
	openPort func() (io.ReadWriteCloser, error)
}

// New creates a new serial transport with the given configuration. The port
// is opened on the first Connect.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Transport{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("serial"),
		pending: make(map[uint8]chan codec.Message),
	}
	t.openPort = t.openSerial
	return t
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

func (t *Transport) openSerial() (io.ReadWriteCloser, error) {
	if t.cfg.Port == "" {
		return nil, errors.New("serial port is required")
	}
	port, err := serial.Open(t.cfg.Port, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("opening serial port: %w", err)
	}
	return port, nil
}

// ensureOpen opens the port and starts the read loop if needed.
func (t *Transport) ensureOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		return nil
	}

	port, err := t.openPort()
	if err != nil {
		return err
	}
	t.port = port
	t.open = true
	t.done = make(chan struct{})
	go t.readLoop(port, t.done)

	t.log.Info("opened serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)
	return nil
}

// Connect asks the dongle to connect to the peripheral.
func (t *Transport) Connect(ctx context.Context, timeout time.Duration) error {
	if t.IsConnected() {
		return nil
	}
	if err := t.ensureOpen(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := t.request(cctx, codec.OpConnect, []byte(t.cfg.Address)); err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: connecting via bridge", transport.ErrTimeout)
		}
		return fmt.Errorf("connecting via bridge: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	t.log.Info("connected", "address", t.cfg.Address)
	return nil
}

// Disconnect asks the dongle to drop the link. Disconnect handlers fire.
func (t *Transport) Disconnect() error {
	if !t.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ResponseTimeout)
	defer cancel()

	_, err := t.request(ctx, codec.OpDisconnect, nil)
	if errors.Is(err, transport.ErrNotConnected) {
		err = nil
	}
	t.markDisconnected()
	return err
}

// Close disconnects, closes the port and waits for the read loop to exit.
func (t *Transport) Close() error {
	disconnectErr := t.Disconnect()

	t.mu.Lock()
	port, done := t.port, t.done
	t.open = false
	t.port = nil
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
		if done != nil {
			<-done
		}
	}
	return errors.Join(disconnectErr, err)
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Services implements transport.Transport.
func (t *Transport) Services(ctx context.Context) ([]uuid.UUID, error) {
	if !t.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	value, err := t.request(ctx, codec.OpServices, nil)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	return codec.DecodeUUIDs(value)
}

// ReadValue implements transport.Transport.
func (t *Transport) ReadValue(ctx context.Context, attr transport.Attribute) ([]byte, error) {
	if !t.IsConnected() {
		return nil, transport.ErrNotConnected
	}
	value, err := t.request(ctx, codec.OpRead, codec.AttributeBody(attr.Service, attr.Characteristic, nil))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", attr.Characteristic, err)
	}
	return value, nil
}

// WriteValue implements transport.Transport. Both write modes wait for the
// dongle's response; for write commands it is sent once the write is queued.
func (t *Transport) WriteValue(ctx context.Context, attr transport.Attribute, data []byte, mode transport.WriteMode) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	op := codec.OpWriteRequest
	if mode == transport.WithoutResponse {
		op = codec.OpWriteCommand
	}
	if _, err := t.request(ctx, op, codec.AttributeBody(attr.Service, attr.Characteristic, data)); err != nil {
		return fmt.Errorf("writing %s: %w", attr.Characteristic, err)
	}
	return nil
}

// AddDisconnectHandler implements transport.Transport.
func (t *Transport) AddDisconnectHandler(fn transport.DisconnectHandler) transport.HandlerID {
	return t.handlers.Add(fn)
}

// RemoveDisconnectHandler implements transport.Transport.
func (t *Transport) RemoveDisconnectHandler(id transport.HandlerID) {
	t.handlers.Remove(id)
}

// request sends a message and waits for the matching response. Requests
// without their own deadline are bounded by ResponseTimeout.
func (t *Transport) request(ctx context.Context, op codec.Op, body []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ResponseTimeout)
		defer cancel()
	}

	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return nil, ErrPortClosed
	}
	t.seq++
	if t.seq == 0 {
		t.seq = 1
	}
	seq := t.seq
	ch := make(chan codec.Message, 1)
	t.pending[seq] = ch
	port := t.port
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
	}()

	payload, err := codec.Message{Op: op, Seq: seq, Body: body}.Encode()
	if err != nil {
		return nil, err
	}
	frame, err := codec.EncodeFrame(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	t.writeMu.Lock()
	_, err = port.Write(frame)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing to serial port: %w", err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s response", transport.ErrTimeout, op)
		}
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrPortClosed
		}
		status, value, err := codec.ParseResponseBody(msg.Body)
		if err != nil {
			return nil, err
		}
		return value, statusError(status)
	}
}

func statusError(s codec.Status) error {
	switch s {
	case codec.StatusOK:
		return nil
	case codec.StatusNotConnected:
		return transport.ErrNotConnected
	case codec.StatusNotFound:
		return transport.ErrAttributeNotFound
	case codec.StatusTimeout:
		return transport.ErrTimeout
	default:
		return fmt.Errorf("%w: %s", ErrBridgeFailure, s)
	}
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		n, err := port.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Error("serial read error", "error", err)
			}
			t.handlePortClosed()
			return
		}
		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete frames from the buffer and dispatches
// them. Returns any remaining bytes that don't form a complete frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		payload, remaining, err := codec.DecodeFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data // wait for more data
			}
			// Bad frame, resync on the next magic.
			if idx := codec.FindMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}
		data = remaining

		msg, err := codec.DecodeMessage(payload)
		if err != nil {
			t.log.Debug("dropping malformed bridge message", "error", err)
			continue
		}
		t.dispatch(msg)
	}
	return data
}

func (t *Transport) dispatch(msg codec.Message) {
	switch msg.Op {
	case codec.OpResponse:
		t.mu.Lock()
		ch, ok := t.pending[msg.Seq]
		t.mu.Unlock()
		if !ok {
			t.log.Debug("response for unknown request", "seq", msg.Seq)
			return
		}
		select {
		case ch <- msg:
		default:
		}
	case codec.OpDisconnected:
		t.log.Debug("link dropped by peer")
		t.markDisconnected()
	default:
		t.log.Debug("unexpected bridge message", "op", msg.Op)
	}
}

func (t *Transport) markDisconnected() {
	t.mu.Lock()
	was := t.connected
	t.connected = false
	t.mu.Unlock()

	if was {
		t.log.Info("disconnected")
		t.handlers.Fire()
	}
}

// handlePortClosed fails every pending request and reports a disconnect.
func (t *Transport) handlePortClosed() {
	t.mu.Lock()
	t.open = false
	for seq, ch := range t.pending {
		close(ch)
		delete(t.pending, seq)
	}
	t.mu.Unlock()
	t.markDisconnected()
}
