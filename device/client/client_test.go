package client

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/transport"
	"github.com/kabili207/wavephoenix-go/transport/fake"
)

func connected(t *testing.T, services ...uuid.UUID) *fake.Peripheral {
	t.Helper()
	p := fake.New(services...)
	if err := p.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p
}

func mgmtAttr(char uuid.UUID) transport.Attribute {
	return transport.Attribute{Service: ManagementService, Characteristic: char}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		m    Mode
		want string
	}{
		{ModeManagement, "management"},
		{ModeMigration, "migration"},
		{ModeLegacy, "legacy"},
		{ModeUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.m, got, tt.want)
		}
		if tt.m == ModeUnknown {
			continue
		}
		back, err := ParseMode(tt.want)
		if err != nil || back != tt.m {
			t.Errorf("ParseMode(%q) = %v, %v", tt.want, back, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("ParseMode(bogus) should fail")
	}
}

func TestManagementConnectFetchesVersion(t *testing.T) {
	p := fake.New(ManagementService)
	p.SetValue(mgmtAttr(FirmwareVersionChar), []byte{4, 3, 2, 1})

	m := NewManagement(p, Config{})
	if err := m.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	v := m.CachedVersion()
	if v == nil {
		t.Fatal("CachedVersion() = nil after Connect")
	}
	if got := v.String(); got != "1.2.3+4" {
		t.Errorf("version = %q, want %q", got, "1.2.3+4")
	}
}

func TestConnectServiceNotFound(t *testing.T) {
	p := fake.New(LegacyService)
	m := NewManagement(p, Config{})
	err := m.Connect(context.Background(), time.Second)
	if !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestManagementCommands(t *testing.T) {
	tests := []struct {
		name string
		call func(*Management, context.Context) error
		want byte
	}{
		{"reboot", (*Management).Reboot, CmdReboot},
		{"enter settings", (*Management).EnterSettings, CmdEnterSettings},
		{"leave settings", (*Management).LeaveSettings, CmdLeaveSettings},
		{"begin pairing", (*Management).BeginPairing, CmdBeginPairing},
		{"end pairing", (*Management).EndPairing, CmdEndPairing},
		{"begin dfu", (*Management).BeginDFU, CmdBeginDFU},
		{"apply dfu", (*Management).ApplyDFU, CmdApplyDFU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := connected(t, ManagementService)
			m := NewManagement(p, Config{})
			if err := tt.call(m, context.Background()); err != nil {
				t.Fatalf("err = %v", err)
			}
			writes := p.WritesTo(mgmtAttr(CommandsChar))
			if len(writes) != 1 {
				t.Fatalf("writes = %d, want 1", len(writes))
			}
			if !bytes.Equal(writes[0].Data, []byte{tt.want}) {
				t.Errorf("data = %x, want %02x", writes[0].Data, tt.want)
			}
			if writes[0].Mode != transport.WithResponse {
				t.Errorf("mode = %v, want %v", writes[0].Mode, transport.WithResponse)
			}
		})
	}
}

func TestRebootSwallowsOnlyNotConnected(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		p := connected(t, ManagementService)
		p.OnWrite(func(fake.Write) error { return transport.ErrNotConnected })
		m := NewManagement(p, Config{})
		if err := m.Reboot(context.Background()); err != nil {
			t.Errorf("Reboot() = %v, want nil", err)
		}
		if err := m.LeaveSettings(context.Background()); err != nil {
			t.Errorf("LeaveSettings() = %v, want nil", err)
		}
	})

	t.Run("other error", func(t *testing.T) {
		boom := errors.New("gatt failure")
		p := connected(t, ManagementService)
		p.OnWrite(func(fake.Write) error { return boom })
		m := NewManagement(p, Config{})
		if err := m.Reboot(context.Background()); !errors.Is(err, boom) {
			t.Errorf("Reboot() = %v, want %v", err, boom)
		}
	})

	t.Run("begin pairing is not swallowed", func(t *testing.T) {
		p := connected(t, ManagementService)
		p.OnWrite(func(fake.Write) error { return transport.ErrNotConnected })
		m := NewManagement(p, Config{})
		if err := m.BeginPairing(context.Background()); !errors.Is(err, transport.ErrNotConnected) {
			t.Errorf("BeginPairing() = %v, want ErrNotConnected", err)
		}
	})
}

// settingsDevice emulates the select-then-read settings characteristic.
func settingsDevice(t *testing.T, values map[byte][]byte) *fake.Peripheral {
	t.Helper()
	p := connected(t, ManagementService)
	attr := mgmtAttr(SettingsChar)
	var selected byte
	p.OnWrite(func(w fake.Write) error {
		if w.Attr == attr && len(w.Data) == 1 {
			selected = w.Data[0]
		}
		return nil
	})
	p.OnRead(attr, func() ([]byte, error) {
		return values[selected], nil
	})
	return p
}

func TestManagementReadSettings(t *testing.T) {
	p := settingsDevice(t, map[byte][]byte{
		SettingWirelessChannel: {7},
		SettingControllerType:  {2},
		SettingPinWirelessID:   {1},
		SettingPairingButtons:  {0x00, 0x1c},
	})
	m := NewManagement(p, Config{})

	s, err := m.Settings(context.Background())
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	want := Settings{
		WirelessChannel: 7,
		ControllerType:  ControllerWiredNoMotor,
		PinWirelessID:   true,
		PairingButtons:  ButtonX | ButtonY | ButtonStart,
	}
	if s != want {
		t.Errorf("Settings = %+v, want %+v", s, want)
	}
}

func TestManagementShortSetting(t *testing.T) {
	p := settingsDevice(t, map[byte][]byte{SettingPairingButtons: {0x01}})
	m := NewManagement(p, Config{})
	if _, err := m.PairingButtons(context.Background()); !errors.Is(err, ErrShortValue) {
		t.Errorf("err = %v, want ErrShortValue", err)
	}
}

func TestManagementWriteSettings(t *testing.T) {
	ctx := context.Background()
	p := connected(t, ManagementService)
	m := NewManagement(p, Config{})

	if err := m.SetWirelessChannel(ctx, 15); err != nil {
		t.Fatal(err)
	}
	if err := m.SetControllerType(ctx, ControllerWired); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPinWirelessID(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPairingButtons(ctx, ButtonX|ButtonY|ButtonStart); err != nil {
		t.Fatal(err)
	}

	want := [][]byte{
		{SettingWirelessChannel, 15},
		{SettingControllerType, 1},
		{SettingPinWirelessID, 1},
		{SettingPairingButtons, 0x00, 0x1c},
	}
	writes := p.WritesTo(mgmtAttr(SettingsChar))
	if len(writes) != len(want) {
		t.Fatalf("writes = %d, want %d", len(writes), len(want))
	}
	for i, w := range writes {
		if !bytes.Equal(w.Data, want[i]) {
			t.Errorf("write %d = %x, want %x", i, w.Data, want[i])
		}
	}
}

func TestManagementRejectsInvalidSettings(t *testing.T) {
	ctx := context.Background()
	p := connected(t, ManagementService)
	m := NewManagement(p, Config{})

	if err := m.SetWirelessChannel(ctx, 16); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("SetWirelessChannel(16) = %v, want ErrInvalidChannel", err)
	}
	if err := m.SetControllerType(ctx, ControllerType(9)); !errors.Is(err, ErrInvalidControllerType) {
		t.Errorf("SetControllerType(9) = %v, want ErrInvalidControllerType", err)
	}
	if n := len(p.Writes()); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestManagementWriteFirmware(t *testing.T) {
	p := connected(t, ManagementService)
	m := NewManagement(p, Config{})

	data := bytes.Repeat([]byte{0xab}, 100)
	if err := m.WriteFirmware(context.Background(), data, dfu.Options{Reliable: true}); err != nil {
		t.Fatalf("WriteFirmware: %v", err)
	}

	writes := p.Writes()
	if len(writes) != 4 {
		t.Fatalf("writes = %d, want 4", len(writes))
	}
	if writes[0].Attr.Characteristic != CommandsChar || writes[0].Data[0] != CmdBeginDFU {
		t.Errorf("first write = %v %x, want begin dfu", writes[0].Attr, writes[0].Data)
	}
	for _, w := range writes[1:3] {
		if w.Attr.Characteristic != FirmwareDataChar {
			t.Errorf("data write to %v", w.Attr)
		}
	}
	if writes[3].Attr.Characteristic != CommandsChar || writes[3].Data[0] != CmdApplyDFU {
		t.Errorf("last write = %v %x, want apply dfu", writes[3].Attr, writes[3].Data)
	}
}

func TestMigrationFlash(t *testing.T) {
	tests := []struct {
		name         string
		flash        func(*Migration, context.Context, []byte, dfu.Options) error
		begin, apply byte
	}{
		{"app", (*Migration).FlashApp, MigrationBeginApp, MigrationApplyApp},
		{"bootloader", (*Migration).FlashBootloader, MigrationBeginBootloader, MigrationApplyBootloader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := connected(t, MigrationService)
			m := NewMigration(p, Config{})
			if err := tt.flash(m, context.Background(), make([]byte, 10), dfu.Options{Reliable: true}); err != nil {
				t.Fatal(err)
			}
			cmds := p.WritesTo(transport.Attribute{Service: MigrationService, Characteristic: MigrationCommandChar})
			if len(cmds) != 2 {
				t.Fatalf("commands = %d, want 2", len(cmds))
			}
			if cmds[0].Data[0] != tt.begin || cmds[1].Data[0] != tt.apply {
				t.Errorf("commands = %x %x, want %02x %02x", cmds[0].Data, cmds[1].Data, tt.begin, tt.apply)
			}
			data := p.WritesTo(transport.Attribute{Service: MigrationService, Characteristic: MigrationDataChar})
			if len(data) != 1 || data[0].Mode != transport.WithResponse {
				t.Errorf("data writes = %+v", data)
			}
		})
	}
}

func TestMigrationIsNotFlasher(t *testing.T) {
	var c Client = NewMigration(connected(t, MigrationService), Config{})
	if _, ok := c.(Flasher); ok {
		t.Error("migration client must not accept single-image uploads")
	}
}

func TestMigrationDigest(t *testing.T) {
	attr := transport.Attribute{Service: MigrationService, Characteristic: MigrationDigestChar}

	p := connected(t, MigrationService)
	m := NewMigration(p, Config{})

	want := bytes.Repeat([]byte{0x5a}, 32)
	p.SetValue(attr, want)
	got, err := m.Digest(context.Background())
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if !bytes.Equal(got[:], want) {
		t.Errorf("Digest = %x, want %x", got, want)
	}

	p.SetValue(attr, want[:31])
	if _, err := m.Digest(context.Background()); !errors.Is(err, ErrShortValue) {
		t.Errorf("short Digest err = %v, want ErrShortValue", err)
	}
}

func TestLegacyReboot(t *testing.T) {
	control := transport.Attribute{Service: LegacyService, Characteristic: OTAControlChar}

	t.Run("close then disconnect", func(t *testing.T) {
		p := connected(t, LegacyService)
		l := NewLegacy(p, Config{})
		if err := l.Reboot(context.Background()); err != nil {
			t.Fatalf("Reboot: %v", err)
		}
		writes := p.WritesTo(control)
		if len(writes) != 1 || writes[0].Data[0] != OTACloseConnection {
			t.Errorf("control writes = %+v, want close connection", writes)
		}
		if p.IsConnected() {
			t.Error("still connected after Reboot")
		}
	})

	t.Run("peer already gone", func(t *testing.T) {
		p := connected(t, LegacyService)
		p.OnWrite(func(fake.Write) error {
			p.Drop()
			return transport.ErrNotConnected
		})
		l := NewLegacy(p, Config{})
		if err := l.Reboot(context.Background()); err != nil {
			t.Errorf("Reboot() = %v, want nil", err)
		}
	})
}

func TestLegacyWriteFirmware(t *testing.T) {
	p := connected(t, LegacyService)
	l := NewLegacy(p, Config{})
	if err := l.WriteFirmware(context.Background(), make([]byte, 64), dfu.Options{Reliable: true}); err != nil {
		t.Fatal(err)
	}
	writes := p.Writes()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(writes))
	}
	if writes[0].Data[0] != OTAStart || writes[2].Data[0] != OTAFinish {
		t.Errorf("control = %x %x, want start/finish", writes[0].Data, writes[2].Data)
	}
	if writes[1].Attr.Characteristic != OTADataChar {
		t.Errorf("data write to %v", writes[1].Attr)
	}
}

func TestLegacyVersion(t *testing.T) {
	p := connected(t, LegacyService)
	p.SetValue(transport.Attribute{Service: LegacyService, Characteristic: AppVersionChar}, []byte{0, 3, 2, 1})
	l := NewLegacy(p, Config{})
	v, err := l.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := v.String(); got != "1.2.3" {
		t.Errorf("Version = %q, want %q", got, "1.2.3")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	p := connected(t, MigrationService)
	m := NewMigration(p, Config{})

	fired := 0
	m.AddDisconnectHandler(func() { fired++ })
	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if fired != 1 {
		t.Errorf("handler fired %d times, want 1", fired)
	}
	if m.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
}
