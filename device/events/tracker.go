package events

import (
	"sync"
	"time"
)

// Status is the latest known state of the device and workflow.
type Status struct {
	Connected bool      `json:"connected"`
	Device    string    `json:"device,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Version   string    `json:"version,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	State     string    `json:"state,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Progress  float64   `json:"progress"`
	Critical  bool      `json:"critical"`
	Warning   string    `json:"warning,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Updated   time.Time `json:"updated"`
}

// Tracker folds events into a Status snapshot.
type Tracker struct {
	mu     sync.RWMutex
	status Status
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Publish implements Publisher.
func (t *Tracker) Publish(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.status
	s.Updated = e.Time
	if e.Device != "" {
		s.Device = e.Device
	}

	switch e.Kind {
	case KindConnected:
		s.Connected = true
		s.Mode = e.Mode
		s.Version = e.Version
	case KindDisconnected:
		s.Connected = false
	case KindState:
		s.Workflow = e.Workflow
		s.State = e.State
		s.Phase = e.Phase
		s.Progress = e.Progress
		s.Critical = e.Critical
		s.Warning = e.Warning
		if e.Err != "" {
			s.LastError = e.Err
		}
	case KindProgress:
		s.Phase = e.Phase
		s.Progress = e.Progress
	case KindError:
		s.LastError = e.Err
	}
}

// Status returns a copy of the current status.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}
