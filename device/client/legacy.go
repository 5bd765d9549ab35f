package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/transport"
)

// Gecko bootloader OTA service and characteristics.
//
// See https://docs.silabs.com/bluetooth/latest/using-gecko-bootloader-with-bluetooth-apps/03-bluetooth-ota-upgrade
var (
	LegacyService  = uuid.MustParse("1d14d6ee-fd63-4fa1-bfa4-8f47b42119f0")
	OTAControlChar = uuid.MustParse("f7bf3564-fb6d-4e53-88a4-5e37e0326063")
	OTADataChar    = uuid.MustParse("984227f3-34fc-4045-a5d0-2c581f81a153")
	AppVersionChar = uuid.MustParse("0d77cc11-4ac1-49f2-bfa9-cd96ac7a92f8")
)

// OTA control opcodes.
const (
	OTAStart           byte = 0x00
	OTAFinish          byte = 0x03
	OTACloseConnection byte = 0x04
)

var (
	_ Flasher   = (*Legacy)(nil)
	_ Versioner = (*Legacy)(nil)
)

// Legacy speaks the Gecko bootloader OTA protocol of older receivers.
type Legacy struct {
	base
}

// NewLegacy returns an OTA client over t.
func NewLegacy(t transport.Transport, cfg Config) *Legacy {
	return &Legacy{base: newBase(t, LegacyService, "legacy", cfg)}
}

// Mode implements Client.
func (l *Legacy) Mode() Mode { return ModeLegacy }

// Connect connects and verifies the OTA service.
func (l *Legacy) Connect(ctx context.Context, timeout time.Duration) error {
	return l.connect(ctx, timeout)
}

func (l *Legacy) StartOTA(ctx context.Context) error {
	return l.command(ctx, OTAControlChar, OTAStart, "start ota")
}

func (l *Legacy) FinishOTA(ctx context.Context) error {
	return l.command(ctx, OTAControlChar, OTAFinish, "finish ota")
}

// CloseConnection asks the bootloader to drop the link and boot the
// application.
func (l *Legacy) CloseConnection(ctx context.Context) error {
	return l.command(ctx, OTAControlChar, OTACloseConnection, "close connection")
}

// Reboot closes the OTA connection, which boots the application, and then
// drops the link locally.
func (l *Legacy) Reboot(ctx context.Context) error {
	if err := expectDisconnect(l.CloseConnection(ctx)); err != nil {
		return err
	}
	return l.Disconnect()
}

// WriteFirmware uploads a GBL image.
func (l *Legacy) WriteFirmware(ctx context.Context, data []byte, opts dfu.Options) error {
	return l.session(OTADataChar, l.StartOTA, l.FinishOTA).Write(ctx, data, opts)
}

// Version reads the application version.
func (l *Legacy) Version(ctx context.Context) (*semver.Version, error) {
	raw, err := l.t.ReadValue(ctx, l.attr(AppVersionChar))
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	v, err := semver.FromDeviceBytes(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
