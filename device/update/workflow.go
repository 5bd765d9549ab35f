// Package update flashes a single firmware image over whichever protocol
// client is connected.
package update

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/device/events"
)

const workflowName = "update"

var (
	// ErrNoFirmware is returned by Run before a file is selected.
	ErrNoFirmware = errors.New("no firmware selected")
	// ErrInvalidState is returned when an action is not allowed in the
	// current state.
	ErrInvalidState = errors.New("action not allowed in the current state")
)

// State is an update workflow state.
type State string

const (
	StateSelecting State = "selecting"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Config configures a Workflow.
type Config struct {
	Options dfu.Options
	// Device labels events.
	Device string
	Events events.Publisher
	Logger *slog.Logger
}

// Workflow is the single-image update state machine.
type Workflow struct {
	c      client.Flasher
	cfg    Config
	log    *slog.Logger
	events events.Publisher

	mu       sync.Mutex
	state    State
	progress float64
	fw       *Firmware
	lastErr  error

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New returns a workflow in StateSelecting for the connected client c.
func New(c client.Flasher, cfg Config) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		c:      c,
		cfg:    cfg,
		log:    logger.WithGroup(workflowName),
		events: events.OrDiscard(cfg.Events),
		state:  StateSelecting,
		nowFn:  time.Now,
	}
}

// Select validates data for the client's mode. A rejected file clears the
// selection.
func (w *Workflow) Select(data []byte) (*Firmware, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateSelecting {
		return nil, ErrInvalidState
	}
	fw, err := Select(w.c.Mode(), data)
	w.fw = fw
	return fw, err
}

// Selected returns the accepted firmware, if any.
func (w *Workflow) Selected() *Firmware {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fw
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) Progress() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Busy reports whether an upload is running. Disconnect events during an
// upload surface as the upload's own failure.
func (w *Workflow) Busy() bool {
	return w.State() == StateUploading
}

func (w *Workflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Run uploads the selected firmware. Cancelling ctx returns the workflow
// to StateSelecting with the selection cleared and returns the
// cancellation error; upload failures are reported as StateFailed.
func (w *Workflow) Run(ctx context.Context) (State, error) {
	w.mu.Lock()
	if w.state != StateSelecting {
		state := w.state
		w.mu.Unlock()
		return state, ErrInvalidState
	}
	fw := w.fw
	w.mu.Unlock()
	if fw == nil {
		return StateSelecting, ErrNoFirmware
	}

	w.log.Info("flashing firmware", "kind", fw.Kind, "version", fw.Version, "size", len(fw.Data))
	w.transition(StateUploading, 0, nil)

	opts := w.cfg.Options
	opts.Progress = w.setProgress
	err := w.c.WriteFirmware(ctx, fw.Data, opts)
	switch {
	case err == nil:
		w.log.Info("firmware update complete")
		w.transition(StateCompleted, 100, nil)
		return StateCompleted, nil
	case dfu.IsCancelled(err):
		w.log.Info("firmware update cancelled")
		w.mu.Lock()
		w.fw = nil
		w.mu.Unlock()
		w.transition(StateSelecting, 0, nil)
		return StateSelecting, err
	default:
		w.log.Error("firmware update failed", "error", err)
		w.transition(StateFailed, w.Progress(), err)
		return StateFailed, nil
	}
}

// Reset leaves StateFailed for StateSelecting with the selection cleared.
func (w *Workflow) Reset() error {
	w.mu.Lock()
	if w.state != StateFailed {
		w.mu.Unlock()
		return ErrInvalidState
	}
	w.fw = nil
	w.lastErr = nil
	w.mu.Unlock()

	w.transition(StateSelecting, 0, nil)
	return nil
}

// Reboot restarts the receiver after a completed update. Management
// firmware reboots on command; the bootloaders install on disconnect.
func (w *Workflow) Reboot(ctx context.Context) error {
	if w.State() != StateCompleted {
		return ErrInvalidState
	}
	if w.c.Mode() == client.ModeManagement {
		return w.c.Reboot(ctx)
	}
	return w.c.Disconnect()
}

func (w *Workflow) setProgress(p float64) {
	w.mu.Lock()
	w.progress = p
	w.mu.Unlock()

	w.events.Publish(events.Event{
		Kind:     events.KindProgress,
		Time:     w.nowFn(),
		Device:   w.cfg.Device,
		Mode:     w.c.Mode().String(),
		Workflow: workflowName,
		State:    string(StateUploading),
		Progress: p,
	})
}

func (w *Workflow) transition(state State, progress float64, err error) {
	w.mu.Lock()
	w.state = state
	w.progress = progress
	if err != nil {
		w.lastErr = err
	}
	w.mu.Unlock()

	e := events.Event{
		Kind:     events.KindState,
		Time:     w.nowFn(),
		Device:   w.cfg.Device,
		Mode:     w.c.Mode().String(),
		Workflow: workflowName,
		State:    string(state),
		Progress: progress,
	}
	if err != nil {
		e.Err = err.Error()
	}
	w.events.Publish(e)
}
