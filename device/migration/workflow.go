// Package migration moves a receiver from the legacy bootloader to MCUboot.
// The application is staged first; the bootloader is then written in a
// critical section that is retried and cannot be cancelled.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/device/events"
)

const (
	// DefaultAttempts is the bootloader upload budget.
	DefaultAttempts = 3
	// DefaultRetryDelay is the fixed delay between bootloader attempts.
	DefaultRetryDelay = time.Second

	workflowName = "migration"
)

// Warning is shown while the workflow is in StateFailedBootloader.
const Warning = "The bootloader failed to upload after multiple retries. " +
	"If you unplug your WavePhoenix now, you may no longer be able to flash firmware using Bluetooth. " +
	"Keep the device connected and try again."

var (
	// ErrNotReady is returned by Run before both files are accepted.
	ErrNotReady = errors.New("select both an app firmware and a bootloader")
	// ErrInvalidState is returned when an action is not allowed in the
	// current state.
	ErrInvalidState = errors.New("action not allowed in the current state")
	// ErrDigestMismatch is returned when the digest read back from the
	// device differs from the local one.
	ErrDigestMismatch = errors.New("SHA-256 mismatch")
)

// State is a migration workflow state.
type State string

const (
	StateSelecting        State = "selecting"
	StateUploading        State = "uploading"
	StateCompleted        State = "completed"
	StateFailedApp        State = "failed-app"
	StateFailedBootloader State = "failed-btl"
)

// Phase is the upload phase within StateUploading.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseApp
	PhaseBootloader
)

func (p Phase) String() string {
	switch p {
	case PhaseApp:
		return "app"
	case PhaseBootloader:
		return "bootloader"
	default:
		return "none"
	}
}

// Device is the subset of the migration client the workflow drives.
type Device interface {
	FlashApp(ctx context.Context, data []byte, opts dfu.Options) error
	FlashBootloader(ctx context.Context, data []byte, opts dfu.Options) error
	Digest(ctx context.Context) ([32]byte, error)
	Reboot(ctx context.Context) error
}

// Config configures a Workflow.
type Config struct {
	// Options apply to the app upload. The bootloader upload always uses
	// acknowledged writes.
	Options dfu.Options
	// Attempts defaults to 3.
	Attempts uint
	// RetryDelay defaults to 1s.
	RetryDelay time.Duration
	// Device labels events.
	Device string
	// Events receives state and progress events. Optional.
	Events events.Publisher
	// Logger falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Selection is the current file selection. A rejected file leaves its
// slot empty and records the reason.
type Selection struct {
	App           *AppFile
	AppErr        error
	Bootloader    *BootloaderFile
	BootloaderErr error
}

// Workflow is the migration state machine.
type Workflow struct {
	dev    Device
	cfg    Config
	log    *slog.Logger
	events events.Publisher

	mu       sync.Mutex
	state    State
	phase    Phase
	progress float64
	sel      Selection
	lastErr  error

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// New returns a workflow in StateSelecting.
func New(dev Device, cfg Config) *Workflow {
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		dev:    dev,
		cfg:    cfg,
		log:    logger.WithGroup("workflow"),
		events: events.OrDiscard(cfg.Events),
		state:  StateSelecting,
		nowFn:  time.Now,
	}
}

// SelectApp validates data and selects it as the application image.
func (w *Workflow) SelectApp(data []byte) (*AppFile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateSelecting {
		return nil, ErrInvalidState
	}
	app, err := ValidateApp(data)
	w.sel.App, w.sel.AppErr = app, err
	return app, err
}

// SelectBootloader validates data and selects it as the bootloader image.
func (w *Workflow) SelectBootloader(data []byte) (*BootloaderFile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateSelecting {
		return nil, ErrInvalidState
	}
	btl, err := ValidateBootloader(data)
	w.sel.Bootloader, w.sel.BootloaderErr = btl, err
	return btl, err
}

// Selection returns the current file selection.
func (w *Workflow) Selection() Selection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sel
}

// Ready reports whether both files are accepted and the upload may start.
func (w *Workflow) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateSelecting && w.sel.App != nil && w.sel.Bootloader != nil
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Progress returns the overall progress in percent.
func (w *Workflow) Progress() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.progress
}

// Critical reports whether leaving the workflow now risks the device.
func (w *Workflow) Critical() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return critical(w.state)
}

func critical(s State) bool {
	return s == StateUploading || s == StateFailedBootloader
}

// Warning returns the no-disconnect warning in StateFailedBootloader.
func (w *Workflow) Warning() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateFailedBootloader {
		return Warning
	}
	return ""
}

// LastError returns the failure behind the current failed state.
func (w *Workflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Reset returns a failed workflow to StateSelecting. Both files are
// cleared so the operator selects them again.
func (w *Workflow) Reset() error {
	w.mu.Lock()
	if w.state != StateFailedApp && w.state != StateFailedBootloader {
		w.mu.Unlock()
		return ErrInvalidState
	}
	w.sel = Selection{}
	w.lastErr = nil
	w.mu.Unlock()

	w.transition(StateSelecting, PhaseNone, 0, nil)
	return nil
}

// Reboot restarts the device so it installs the staged images. Only
// allowed once the migration completed.
func (w *Workflow) Reboot(ctx context.Context) error {
	if w.State() != StateCompleted {
		return ErrInvalidState
	}
	return w.dev.Reboot(ctx)
}

// Run uploads the application then the bootloader and returns the
// resulting state. Upload and integrity failures are reported as states;
// the error is non-nil only for misuse or cancellation of the app phase.
func (w *Workflow) Run(ctx context.Context) (State, error) {
	w.mu.Lock()
	if w.state != StateSelecting {
		state := w.state
		w.mu.Unlock()
		return state, ErrInvalidState
	}
	if w.sel.App == nil || w.sel.Bootloader == nil {
		w.mu.Unlock()
		return StateSelecting, ErrNotReady
	}
	app, btl := w.sel.App, w.sel.Bootloader
	w.mu.Unlock()

	w.log.Info("starting migration", "app", app.Version, "bootloader", btl.Version, "board", btl.Board)
	w.transition(StateUploading, PhaseApp, 0, nil)

	if err := w.uploadApp(ctx, app); err != nil {
		if dfu.IsCancelled(err) {
			w.log.Info("migration cancelled")
			w.transition(StateSelecting, PhaseNone, 0, nil)
			return StateSelecting, err
		}
		w.log.Error("app upload failed", "error", err)
		w.transition(StateFailedApp, PhaseNone, w.Progress(), err)
		return StateFailedApp, nil
	}

	// Last point at which stopping is safe.
	if ctx.Err() != nil {
		err := fmt.Errorf("%w: %w", dfu.ErrCancelled, context.Cause(ctx))
		w.log.Info("migration cancelled before bootloader upload")
		w.transition(StateSelecting, PhaseNone, 0, nil)
		return StateSelecting, err
	}

	w.transition(StateUploading, PhaseBootloader, 50, nil)
	if err := w.uploadBootloader(context.WithoutCancel(ctx), btl); err != nil {
		w.log.Error("bootloader upload failed", "attempts", w.cfg.Attempts, "error", err)
		w.transition(StateFailedBootloader, PhaseNone, w.Progress(), err)
		return StateFailedBootloader, nil
	}

	w.log.Info("migration complete, reboot to apply")
	w.transition(StateCompleted, PhaseNone, 100, nil)
	return StateCompleted, nil
}

func (w *Workflow) uploadApp(ctx context.Context, app *AppFile) error {
	opts := w.cfg.Options
	opts.Progress = func(p float64) { w.setProgress(p / 2) }
	err := w.dev.FlashApp(ctx, app.Data, opts)
	if err == nil {
		err = w.verify(ctx, app.Digest)
	}
	// A cancel that lands in apply or the digest read surfaces as a plain
	// transport error.
	if err != nil && !dfu.IsCancelled(err) && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", dfu.ErrCancelled, context.Cause(ctx))
	}
	return err
}

// uploadBootloader runs in the critical section: ctx must not carry the
// caller's cancellation.
func (w *Workflow) uploadBootloader(ctx context.Context, btl *BootloaderFile) error {
	opts := w.cfg.Options
	opts.Reliable = true
	opts.Progress = func(p float64) { w.setProgress(p/2 + 50) }

	return retry.Do(
		func() error {
			if err := w.dev.FlashBootloader(ctx, btl.Data, opts); err != nil {
				return err
			}
			return w.verify(ctx, btl.Digest)
		},
		retry.Attempts(w.cfg.Attempts),
		retry.Delay(w.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			w.log.Warn("bootloader upload failed, retrying", "attempt", n+1, "error", err)
			w.events.Publish(events.Event{
				Kind:     events.KindError,
				Time:     w.nowFn(),
				Device:   w.cfg.Device,
				Workflow: workflowName,
				State:    string(StateUploading),
				Phase:    PhaseBootloader.String(),
				Critical: true,
				Attempt:  n + 1,
				Message:  "bootloader upload failed, retrying",
				Err:      err.Error(),
			})
		}),
	)
}

func (w *Workflow) verify(ctx context.Context, want [32]byte) error {
	got, err := w.dev.Digest(ctx)
	if err != nil {
		return fmt.Errorf("reading digest: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: device %x, expected %x", ErrDigestMismatch, got, want)
	}
	return nil
}

func (w *Workflow) setProgress(p float64) {
	w.mu.Lock()
	w.progress = p
	state, phase := w.state, w.phase
	w.mu.Unlock()

	w.events.Publish(events.Event{
		Kind:     events.KindProgress,
		Time:     w.nowFn(),
		Device:   w.cfg.Device,
		Workflow: workflowName,
		State:    string(state),
		Phase:    phase.String(),
		Progress: p,
		Critical: critical(state),
	})
}

func (w *Workflow) transition(state State, phase Phase, progress float64, err error) {
	w.mu.Lock()
	w.state = state
	w.phase = phase
	w.progress = progress
	if err != nil {
		w.lastErr = err
	}
	w.mu.Unlock()

	e := events.Event{
		Kind:     events.KindState,
		Time:     w.nowFn(),
		Device:   w.cfg.Device,
		Workflow: workflowName,
		State:    string(state),
		Phase:    phase.String(),
		Progress: progress,
		Critical: critical(state),
	}
	if state == StateFailedBootloader {
		e.Warning = Warning
	}
	if err != nil {
		e.Err = err.Error()
	}
	w.events.Publish(e)
}
