package migration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/wavephoenix-go/core/image/mcuboot"
	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/device/events"
	"github.com/kabili207/wavephoenix-go/transport"
	"github.com/kabili207/wavephoenix-go/transport/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	commandAttr = transport.Attribute{Service: client.MigrationService, Characteristic: client.MigrationCommandChar}
	dataAttr    = transport.Attribute{Service: client.MigrationService, Characteristic: client.MigrationDataChar}
	digestAttr  = transport.Attribute{Service: client.MigrationService, Characteristic: client.MigrationDigestChar}
)

// receiver emulates the migration firmware: it stages data written between
// a begin command and reports the SHA-256 of the last staged upload.
type receiver struct {
	mu                sync.Mutex
	staged            []byte
	target            byte
	btlAttempts       int
	corruptApp        bool
	corruptBootloader int
	onCommand         func(op byte)
}

func newReceiver(t *testing.T) (*receiver, *fake.Peripheral, *client.Migration) {
	t.Helper()
	r := &receiver{}
	p := fake.New(client.MigrationService)
	p.OnWrite(func(w fake.Write) error {
		r.mu.Lock()
		switch w.Attr {
		case commandAttr:
			switch w.Data[0] {
			case client.MigrationBeginApp:
				r.staged, r.target = nil, client.MigrationBeginApp
			case client.MigrationBeginBootloader:
				r.staged, r.target = nil, client.MigrationBeginBootloader
				r.btlAttempts++
			}
		case dataAttr:
			r.staged = append(r.staged, w.Data...)
		}
		hook := r.onCommand
		r.mu.Unlock()

		if hook != nil && w.Attr == commandAttr {
			hook(w.Data[0])
		}
		return nil
	})
	p.OnRead(digestAttr, func() ([]byte, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		sum := sha256.Sum256(r.staged)
		if r.target == client.MigrationBeginApp && r.corruptApp {
			sum[0] ^= 0xff
		}
		if r.target == client.MigrationBeginBootloader && r.btlAttempts <= r.corruptBootloader {
			sum[0] ^= 0xff
		}
		return sum[:], nil
	})

	c := client.NewMigration(p, client.Config{})
	require.NoError(t, c.Connect(context.Background(), time.Second))
	return r, p, c
}

func (r *receiver) bootloaderAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.btlAttempts
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == events.KindState {
			out = append(out, e.State+"/"+e.Phase)
		}
	}
	return out
}

func appImage(appID []byte) []byte {
	b := &mcuboot.Builder{
		Version: semver.Version{Major: 2, Minor: 1},
		Payload: bytes.Repeat([]byte{0xa5}, 200),
	}
	if appID != nil {
		b.TLVs = []mcuboot.TLV{{Type: mcuboot.TLVAppID, Value: appID}}
	}
	return b.Build()
}

func knownBootloader(t *testing.T) []byte {
	t.Helper()
	data := bytes.Repeat([]byte{0xb7}, 300)
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	KnownBootloaders[key] = BootloaderInfo{Version: semver.Version{Minor: 11}, Board: "test-board"}
	t.Cleanup(func() { delete(KnownBootloaders, key) })
	return data
}

func newWorkflow(t *testing.T, dev Device, rec *recorder) *Workflow {
	t.Helper()
	w := New(dev, Config{
		Options:    dfu.Options{Wait: time.Microsecond},
		RetryDelay: time.Millisecond,
		Events:     rec,
	})
	_, err := w.SelectApp(appImage(mcuboot.WavePhoenixAppID))
	require.NoError(t, err)
	_, err = w.SelectBootloader(knownBootloader(t))
	require.NoError(t, err)
	require.True(t, w.Ready())
	return w
}

func TestValidateApp(t *testing.T) {
	app, err := ValidateApp(appImage(mcuboot.WavePhoenixAppID))
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", app.Version.String())
	assert.Equal(t, sha256.Sum256(app.Data), app.Digest)

	_, err = ValidateApp(appImage(nil))
	assert.ErrorIs(t, err, ErrNotWavePhoenixApp)

	_, err = ValidateApp(appImage([]byte("XX")))
	assert.ErrorIs(t, err, ErrNotWavePhoenixApp)

	corrupt := appImage(mcuboot.WavePhoenixAppID)
	corrupt[mcuboot.HeaderSize+10] ^= 0xff
	_, err = ValidateApp(corrupt)
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.ErrorIs(t, err, mcuboot.ErrDigestMismatch)

	_, err = ValidateApp([]byte("definitely not firmware"))
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestValidateBootloader(t *testing.T) {
	info, ok := KnownBootloaders["839b035dcddddd422848df8c116622b57f961061a53388e68ecee49fbff15597"]
	require.True(t, ok)
	assert.Equal(t, "0.10.0", info.Version.String())
	assert.Equal(t, "minireceiver", info.Board)

	_, err := ValidateBootloader([]byte("unknown bootloader"))
	assert.ErrorIs(t, err, ErrUnknownBootloader)

	data := knownBootloader(t)
	btl, err := ValidateBootloader(data)
	require.NoError(t, err)
	assert.Equal(t, "0.11.0", btl.Version.String())
	assert.Equal(t, "test-board", btl.Board)
	assert.Equal(t, sha256.Sum256(data), btl.Digest)
}

func TestWorkflow_SelectionRecordsRejections(t *testing.T) {
	_, _, c := newReceiver(t)
	w := New(c, Config{})

	_, err := w.SelectApp(appImage(nil))
	require.ErrorIs(t, err, ErrNotWavePhoenixApp)
	_, err = w.SelectBootloader([]byte("nope"))
	require.ErrorIs(t, err, ErrUnknownBootloader)

	sel := w.Selection()
	assert.Nil(t, sel.App)
	assert.ErrorIs(t, sel.AppErr, ErrNotWavePhoenixApp)
	assert.Nil(t, sel.Bootloader)
	assert.ErrorIs(t, sel.BootloaderErr, ErrUnknownBootloader)
	assert.False(t, w.Ready())

	state, err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateSelecting, state)
}

func TestWorkflow_Completes(t *testing.T) {
	r, p, c := newReceiver(t)
	rec := &recorder{}
	w := newWorkflow(t, c, rec)

	state, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, StateCompleted, w.State())
	assert.Equal(t, 100.0, w.Progress())
	assert.False(t, w.Critical())
	assert.Empty(t, w.Warning())
	assert.Equal(t, 1, r.bootloaderAttempts())

	var ops []byte
	for _, wr := range p.WritesTo(commandAttr) {
		ops = append(ops, wr.Data[0])
	}
	assert.Equal(t, []byte{
		client.MigrationBeginApp, client.MigrationApplyApp,
		client.MigrationBeginBootloader, client.MigrationApplyBootloader,
	}, ops)

	// App chunks follow the caller's mode, bootloader chunks are always acknowledged.
	appChunks := (len(appImage(mcuboot.WavePhoenixAppID)) + dfu.DefaultChunkSize - 1) / dfu.DefaultChunkSize
	data := p.WritesTo(dataAttr)
	require.Greater(t, len(data), appChunks)
	for i, wr := range data {
		if i < appChunks {
			assert.Equal(t, transport.WithoutResponse, wr.Mode, "app chunk %d", i)
		} else {
			assert.Equal(t, transport.WithResponse, wr.Mode, "bootloader chunk %d", i)
		}
	}

	assert.Equal(t, []string{"uploading/app", "uploading/bootloader", "completed/none"}, rec.states())
	for _, e := range rec.events {
		if e.Kind != events.KindProgress {
			continue
		}
		switch e.Phase {
		case "app":
			assert.Less(t, e.Progress, 50.0)
		case "bootloader":
			assert.GreaterOrEqual(t, e.Progress, 50.0)
			assert.Less(t, e.Progress, 100.0)
		}
		assert.True(t, e.Critical)
	}

	require.NoError(t, w.Reboot(context.Background()))
	last := p.Writes()[len(p.Writes())-1]
	assert.Equal(t, []byte{client.MigrationReboot}, last.Data)
}

func TestWorkflow_BootloaderRetrySucceeds(t *testing.T) {
	r, _, c := newReceiver(t)
	r.corruptBootloader = 2
	w := newWorkflow(t, c, &recorder{})

	state, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 3, r.bootloaderAttempts())
	assert.NoError(t, w.LastError())
}

func TestWorkflow_BootloaderExhausted(t *testing.T) {
	r, _, c := newReceiver(t)
	r.corruptBootloader = 3
	rec := &recorder{}
	w := newWorkflow(t, c, rec)

	state, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFailedBootloader, state)
	assert.Equal(t, 3, r.bootloaderAttempts())
	assert.True(t, w.Critical())
	assert.Equal(t, Warning, w.Warning())
	assert.ErrorIs(t, w.LastError(), ErrDigestMismatch)

	last := rec.events[len(rec.events)-1]
	assert.Equal(t, events.KindState, last.Kind)
	assert.Equal(t, string(StateFailedBootloader), last.State)
	assert.Equal(t, Warning, last.Warning)
	assert.True(t, last.Critical)

	assert.ErrorIs(t, w.Reboot(context.Background()), ErrInvalidState)

	// Retrying requires selecting both files again.
	require.NoError(t, w.Reset())
	assert.Equal(t, StateSelecting, w.State())
	assert.False(t, w.Ready())
	assert.Equal(t, Selection{}, w.Selection())
	assert.False(t, w.Critical())
}

func TestWorkflow_AppDigestMismatch(t *testing.T) {
	r, p, c := newReceiver(t)
	r.corruptApp = true
	w := newWorkflow(t, c, &recorder{})

	state, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFailedApp, state)
	assert.ErrorIs(t, w.LastError(), ErrDigestMismatch)
	assert.False(t, w.Critical())
	assert.Empty(t, w.Warning())
	assert.Equal(t, 0, r.bootloaderAttempts())

	for _, wr := range p.WritesTo(commandAttr) {
		assert.NotEqual(t, client.MigrationBeginBootloader, wr.Data[0])
	}

	require.NoError(t, w.Reset())
	assert.Equal(t, StateSelecting, w.State())
}

func TestWorkflow_AppTransportFailure(t *testing.T) {
	r, p, c := newReceiver(t)
	r.onCommand = func(op byte) {
		if op == client.MigrationBeginApp {
			p.Drop()
		}
	}
	w := newWorkflow(t, c, &recorder{})

	state, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFailedApp, state)
	assert.ErrorIs(t, w.LastError(), transport.ErrNotConnected)
}

func TestWorkflow_CancelDuringApp(t *testing.T) {
	r, p, c := newReceiver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.onCommand = func(op byte) {
		if op == client.MigrationBeginApp {
			cancel()
		}
	}
	w := newWorkflow(t, c, &recorder{})

	state, err := w.Run(ctx)
	require.Error(t, err)
	assert.True(t, dfu.IsCancelled(err))
	assert.Equal(t, StateSelecting, state)
	assert.Equal(t, StateSelecting, w.State())
	assert.Equal(t, 0.0, w.Progress())
	assert.True(t, w.Ready(), "cancel keeps the selection")
	assert.Equal(t, 0, r.bootloaderAttempts())

	for _, wr := range p.WritesTo(commandAttr) {
		assert.NotEqual(t, client.MigrationApplyApp, wr.Data[0])
	}
}

// ctxDevice fails digest reads once ctx is done, as the BlueZ transport does.
type ctxDevice struct {
	*client.Migration
}

func (d ctxDevice) Digest(ctx context.Context) ([32]byte, error) {
	if err := ctx.Err(); err != nil {
		return [32]byte{}, fmt.Errorf("reading digest: %w", err)
	}
	return d.Migration.Digest(ctx)
}

func TestWorkflow_CancelBeforeAppDigest(t *testing.T) {
	r, _, c := newReceiver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.onCommand = func(op byte) {
		if op == client.MigrationApplyApp {
			cancel()
		}
	}
	w := newWorkflow(t, ctxDevice{c}, &recorder{})

	state, err := w.Run(ctx)
	require.Error(t, err)
	assert.True(t, dfu.IsCancelled(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateSelecting, state)
	assert.Equal(t, StateSelecting, w.State())
	assert.NoError(t, w.LastError())
	assert.Equal(t, 0, r.bootloaderAttempts())
}

func TestWorkflow_BootloaderIgnoresCancel(t *testing.T) {
	r, _, c := newReceiver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.onCommand = func(op byte) {
		if op == client.MigrationBeginBootloader {
			cancel()
		}
	}
	w := newWorkflow(t, c, &recorder{})

	state, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
}

func TestWorkflow_InvalidStateActions(t *testing.T) {
	_, _, c := newReceiver(t)
	w := newWorkflow(t, c, &recorder{})

	assert.ErrorIs(t, w.Reset(), ErrInvalidState)
	assert.ErrorIs(t, w.Reboot(context.Background()), ErrInvalidState)

	_, err := w.Run(context.Background())
	require.NoError(t, err)

	_, err = w.SelectApp(appImage(mcuboot.WavePhoenixAppID))
	assert.ErrorIs(t, err, ErrInvalidState)
	state, err := w.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateCompleted, state)
}
