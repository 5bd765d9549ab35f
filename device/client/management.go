package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/transport"
)

// Management service and characteristics.
var (
	ManagementService   = transport.ShortUUID(0x5750)
	SettingsChar        = transport.ShortUUID(0x5751)
	CommandsChar        = transport.ShortUUID(0x5752)
	FirmwareDataChar    = transport.ShortUUID(0x5753)
	FirmwareVersionChar = transport.ShortUUID(0x5754)
)

// Management commands.
const (
	CmdReboot        byte = 0x00
	CmdEnterSettings byte = 0x01
	CmdLeaveSettings byte = 0x02
	CmdBeginPairing  byte = 0x03
	CmdEndPairing    byte = 0x04
	CmdBeginDFU      byte = 0x05
	CmdApplyDFU      byte = 0x06
)

// Setting codes.
const (
	SettingWirelessChannel byte = 0x00
	SettingControllerType  byte = 0x01
	SettingPinWirelessID   byte = 0x02
	SettingPairingButtons  byte = 0x03
)

// Compile-time interface checks.
var (
	_ Flasher   = (*Management)(nil)
	_ Versioner = (*Management)(nil)
)

// Management speaks the receiver's management protocol.
//
// Settings are read by writing the setting code and then reading the
// settings characteristic; they are written as the code followed by the
// value. Commands are single acknowledged bytes.
type Management struct {
	base

	mu      sync.Mutex
	version *semver.Version
}

// NewManagement returns a management client over t.
func NewManagement(t transport.Transport, cfg Config) *Management {
	return &Management{base: newBase(t, ManagementService, "management", cfg)}
}

// Mode implements Client.
func (m *Management) Mode() Mode { return ModeManagement }

// Connect connects, verifies the management service and prefetches the
// firmware version.
func (m *Management) Connect(ctx context.Context, timeout time.Duration) error {
	if err := m.connect(ctx, timeout); err != nil {
		return err
	}
	return m.FetchVersion(ctx)
}

// Reboot restarts the receiver.
func (m *Management) Reboot(ctx context.Context) error {
	return expectDisconnect(m.command(ctx, CommandsChar, CmdReboot, "reboot"))
}

// EnterSettings puts the receiver into settings mode.
func (m *Management) EnterSettings(ctx context.Context) error {
	return m.command(ctx, CommandsChar, CmdEnterSettings, "enter settings")
}

// LeaveSettings leaves settings mode. The receiver restarts to apply them.
func (m *Management) LeaveSettings(ctx context.Context) error {
	return expectDisconnect(m.command(ctx, CommandsChar, CmdLeaveSettings, "leave settings"))
}

// BeginPairing starts controller pairing.
func (m *Management) BeginPairing(ctx context.Context) error {
	return m.command(ctx, CommandsChar, CmdBeginPairing, "begin pairing")
}

// EndPairing stops controller pairing.
func (m *Management) EndPairing(ctx context.Context) error {
	return m.command(ctx, CommandsChar, CmdEndPairing, "end pairing")
}

// BeginDFU prepares the receiver for an image upload.
func (m *Management) BeginDFU(ctx context.Context) error {
	return m.command(ctx, CommandsChar, CmdBeginDFU, "begin dfu")
}

// ApplyDFU tells the receiver the upload is complete.
func (m *Management) ApplyDFU(ctx context.Context) error {
	return m.command(ctx, CommandsChar, CmdApplyDFU, "apply dfu")
}

// WriteFirmware uploads an MCUboot image.
func (m *Management) WriteFirmware(ctx context.Context, data []byte, opts dfu.Options) error {
	return m.session(FirmwareDataChar, m.BeginDFU, m.ApplyDFU).Write(ctx, data, opts)
}

// FetchVersion reads the firmware version and caches it.
func (m *Management) FetchVersion(ctx context.Context) error {
	raw, err := m.t.ReadValue(ctx, m.attr(FirmwareVersionChar))
	if err != nil {
		return fmt.Errorf("reading version: %w", err)
	}
	v, err := semver.FromDeviceBytes(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.version = &v
	m.mu.Unlock()
	m.log.Debug("firmware version", "version", v.String())
	return nil
}

// Version returns the cached firmware version, fetching it if needed.
func (m *Management) Version(ctx context.Context) (*semver.Version, error) {
	if v := m.CachedVersion(); v != nil {
		return v, nil
	}
	if err := m.FetchVersion(ctx); err != nil {
		return nil, err
	}
	return m.CachedVersion(), nil
}

// CachedVersion returns the version read at connect time, or nil.
func (m *Management) CachedVersion() *semver.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version == nil {
		return nil
	}
	v := *m.version
	return &v
}

func (m *Management) readSetting(ctx context.Context, code byte, size int) ([]byte, error) {
	attr := m.attr(SettingsChar)
	if err := m.t.WriteValue(ctx, attr, []byte{code}, transport.WithResponse); err != nil {
		return nil, fmt.Errorf("selecting setting 0x%02x: %w", code, err)
	}
	raw, err := m.t.ReadValue(ctx, attr)
	if err != nil {
		return nil, fmt.Errorf("reading setting 0x%02x: %w", code, err)
	}
	if len(raw) < size {
		return nil, fmt.Errorf("setting 0x%02x: %w: got %d bytes, want %d", code, ErrShortValue, len(raw), size)
	}
	return raw, nil
}

func (m *Management) writeSetting(ctx context.Context, code byte, value ...byte) error {
	buf := append([]byte{code}, value...)
	if err := m.t.WriteValue(ctx, m.attr(SettingsChar), buf, transport.WithResponse); err != nil {
		return fmt.Errorf("writing setting 0x%02x: %w", code, err)
	}
	return nil
}

// WirelessChannel returns the 0-based wireless channel.
func (m *Management) WirelessChannel(ctx context.Context) (uint8, error) {
	raw, err := m.readSetting(ctx, SettingWirelessChannel, 1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// SetWirelessChannel sets the 0-based wireless channel.
func (m *Management) SetWirelessChannel(ctx context.Context, ch uint8) error {
	if ch >= NumChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, ch)
	}
	return m.writeSetting(ctx, SettingWirelessChannel, ch)
}

// ControllerType returns the emulated controller type.
func (m *Management) ControllerType(ctx context.Context) (ControllerType, error) {
	raw, err := m.readSetting(ctx, SettingControllerType, 1)
	if err != nil {
		return 0, err
	}
	return ControllerType(raw[0]), nil
}

// SetControllerType sets the emulated controller type.
func (m *Management) SetControllerType(ctx context.Context, c ControllerType) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidControllerType, uint8(c))
	}
	return m.writeSetting(ctx, SettingControllerType, byte(c))
}

// PinWirelessID reports whether the wireless id is pinned.
func (m *Management) PinWirelessID(ctx context.Context) (bool, error) {
	raw, err := m.readSetting(ctx, SettingPinWirelessID, 1)
	if err != nil {
		return false, err
	}
	return raw[0] == 1, nil
}

// SetPinWirelessID pins or unpins the wireless id.
func (m *Management) SetPinWirelessID(ctx context.Context, pinned bool) error {
	var v byte
	if pinned {
		v = 1
	}
	return m.writeSetting(ctx, SettingPinWirelessID, v)
}

// PairingButtons returns the button combination that starts pairing.
func (m *Management) PairingButtons(ctx context.Context) (Buttons, error) {
	raw, err := m.readSetting(ctx, SettingPairingButtons, 2)
	if err != nil {
		return 0, err
	}
	return Buttons(binary.LittleEndian.Uint16(raw)), nil
}

// SetPairingButtons sets the button combination that starts pairing.
func (m *Management) SetPairingButtons(ctx context.Context, b Buttons) error {
	return m.writeSetting(ctx, SettingPairingButtons, binary.LittleEndian.AppendUint16(nil, uint16(b))...)
}

// Settings reads every setting.
func (m *Management) Settings(ctx context.Context) (Settings, error) {
	var (
		s   Settings
		err error
	)
	if s.WirelessChannel, err = m.WirelessChannel(ctx); err != nil {
		return s, err
	}
	if s.ControllerType, err = m.ControllerType(ctx); err != nil {
		return s, err
	}
	if s.PinWirelessID, err = m.PinWirelessID(ctx); err != nil {
		return s, err
	}
	if s.PairingButtons, err = m.PairingButtons(ctx); err != nil {
		return s, err
	}
	return s, nil
}
