// Package events carries connection and workflow progress to observers:
// the log, the HTTP status API and MQTT.
package events

import (
	"log/slog"
	"time"
)

// Kind classifies an event.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindReconnecting Kind = "reconnecting"
	KindState        Kind = "state"
	KindProgress     Kind = "progress"
	KindError        Kind = "error"
)

// Event is a single observation. Fields that do not apply to the kind are
// left zero.
type Event struct {
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
	Device   string    `json:"device,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Version  string    `json:"version,omitempty"`
	Workflow string    `json:"workflow,omitempty"`
	State    string    `json:"state,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Progress float64   `json:"progress"`
	Critical bool      `json:"critical,omitempty"`
	Warning  string    `json:"warning,omitempty"`
	Attempt  uint      `json:"attempt,omitempty"`
	Message  string    `json:"message,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Publisher receives events. Publish must not block for long; it is called
// from transfer loops.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(e Event) { f(e) }

// Multi fans an event out to several publishers in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// OrDiscard returns p, or Discard when p is nil.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// LogPublisher writes events to a logger. Progress events are logged at
// debug level, errors at warn and everything else at info.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a publisher logging to logger, or slog.Default()
// when nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{log: logger.WithGroup("events")}
}

// Publish implements Publisher.
func (l *LogPublisher) Publish(e Event) {
	attrs := []any{"kind", string(e.Kind)}
	if e.Device != "" {
		attrs = append(attrs, "device", e.Device)
	}
	if e.Mode != "" {
		attrs = append(attrs, "mode", e.Mode)
	}
	if e.State != "" {
		attrs = append(attrs, "state", e.State)
	}
	if e.Phase != "" {
		attrs = append(attrs, "phase", e.Phase)
	}
	if e.Attempt != 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}

	switch e.Kind {
	case KindProgress:
		l.log.Debug("progress", append(attrs, "percent", e.Progress)...)
	case KindError:
		l.log.Warn(e.Message, append(attrs, "error", e.Err)...)
	default:
		msg := e.Message
		if msg == "" {
			msg = string(e.Kind)
		}
		l.log.Info(msg, attrs...)
	}
}
