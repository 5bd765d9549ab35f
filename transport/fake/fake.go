// Package fake provides an in-memory GATT peripheral implementing
// transport.Transport, for exercising clients and workflows in tests.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Peripheral)(nil)

// Write is a recorded characteristic write.
type Write struct {
	Attr transport.Attribute
	Data []byte
	Mode transport.WriteMode
}

// Peripheral is a scripted GATT server.
type Peripheral struct {
	mu          sync.Mutex
	services    []uuid.UUID
	values      map[transport.Attribute][]byte
	readHooks   map[transport.Attribute]func() ([]byte, error)
	writeHook   func(w Write) error
	connectErrs []error
	connected   bool
	writes      []Write
	connects    int
	handlers    transport.Handlers
}

// New returns a disconnected peripheral advertising the given services.
func New(services ...uuid.UUID) *Peripheral {
	return &Peripheral{
		services:  services,
		values:    make(map[transport.Attribute][]byte),
		readHooks: make(map[transport.Attribute]func() ([]byte, error)),
	}
}

// SetValue sets the value returned by reads of attr.
func (p *Peripheral) SetValue(attr transport.Attribute, value []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[attr] = append([]byte(nil), value...)
}

// OnRead installs a read hook for attr, taking precedence over SetValue.
func (p *Peripheral) OnRead(attr transport.Attribute, fn func() ([]byte, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readHooks[attr] = fn
}

// OnWrite installs a hook run after every write is recorded. A non-nil
// error is returned from WriteValue.
func (p *Peripheral) OnWrite(fn func(w Write) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHook = fn
}

// FailConnect queues errors returned by successive Connect calls.
func (p *Peripheral) FailConnect(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErrs = append(p.connectErrs, errs...)
}

// Writes returns every recorded write.
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// WritesTo returns the recorded writes to attr.
func (p *Peripheral) WritesTo(attr transport.Attribute) []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Write
	for _, w := range p.writes {
		if w.Attr == attr {
			out = append(out, w)
		}
	}
	return out
}

// ConnectCalls returns how many times Connect was called.
func (p *Peripheral) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// HandlerCount returns the number of registered disconnect handlers.
func (p *Peripheral) HandlerCount() int {
	return p.handlers.Len()
}

// Drop simulates the peer dropping the link.
func (p *Peripheral) Drop() {
	p.mu.Lock()
	was := p.connected
	p.connected = false
	p.mu.Unlock()

	if was {
		p.handlers.Fire()
	}
}

// Connect implements transport.Transport.
func (p *Peripheral) Connect(ctx context.Context, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if len(p.connectErrs) > 0 {
		err := p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	p.connected = true
	return nil
}

// Disconnect implements transport.Transport.
func (p *Peripheral) Disconnect() error {
	p.Drop()
	return nil
}

// IsConnected implements transport.Transport.
func (p *Peripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Services implements transport.Transport.
func (p *Peripheral) Services(_ context.Context) ([]uuid.UUID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, transport.ErrNotConnected
	}
	return append([]uuid.UUID(nil), p.services...), nil
}

// ReadValue implements transport.Transport.
func (p *Peripheral) ReadValue(_ context.Context, attr transport.Attribute) ([]byte, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	hook := p.readHooks[attr]
	value, ok := p.values[attr]
	p.mu.Unlock()

	if hook != nil {
		return hook()
	}
	if !ok {
		return nil, transport.ErrAttributeNotFound
	}
	return append([]byte(nil), value...), nil
}

// WriteValue implements transport.Transport.
func (p *Peripheral) WriteValue(_ context.Context, attr transport.Attribute, data []byte, mode transport.WriteMode) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return transport.ErrNotConnected
	}
	w := Write{Attr: attr, Data: append([]byte(nil), data...), Mode: mode}
	p.writes = append(p.writes, w)
	hook := p.writeHook
	p.mu.Unlock()

	if hook != nil {
		return hook(w)
	}
	return nil
}

// AddDisconnectHandler implements transport.Transport.
func (p *Peripheral) AddDisconnectHandler(fn transport.DisconnectHandler) transport.HandlerID {
	return p.handlers.Add(fn)
}

// RemoveDisconnectHandler implements transport.Transport.
func (p *Peripheral) RemoveDisconnectHandler(id transport.HandlerID) {
	p.handlers.Remove(id)
}
