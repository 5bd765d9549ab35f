package update

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/core/image/gbl"
	"github.com/kabili207/wavephoenix-go/core/image/mcuboot"
	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/client"
)

// GBL product ids of the firmware the legacy bootloader accepts.
var (
	ReceiverAppProductID  = uuid.MustParse("cb39eacc-7190-4435-8f77-fced4d0b96eb")
	MigrationAppProductID = uuid.MustParse("d9478783-0b31-6b07-c387-878eb96c77a0")
)

var (
	// ErrNotFirmware is wrapped by every rejection together with the
	// specific reason.
	ErrNotFirmware = errors.New("not a valid firmware image")
	// ErrNotWavePhoenixApp is returned for valid MCUboot images without
	// the WavePhoenix application id.
	ErrNotWavePhoenixApp = errors.New("MCUboot image is not a WavePhoenix application")
	// ErrNoApplicationInfo is returned for GBL images without an
	// application info tag.
	ErrNoApplicationInfo = errors.New("GBL image has no application info")
	// ErrUnknownProduct is returned for GBL images built for another product.
	ErrUnknownProduct = errors.New("GBL image is for an unknown product")
	// ErrMigrationMode is returned for receivers running the migration
	// firmware, which only take the app and bootloader pair.
	ErrMigrationMode = errors.New("receiver is running the migration firmware, use migrate")
	// ErrUnsupportedMode is returned for a mode no firmware can be
	// selected for.
	ErrUnsupportedMode = errors.New("no firmware can be flashed in this mode")
)

// Kind identifies the firmware family of a selected file.
type Kind string

const (
	// KindZephyr is a WavePhoenix MCUboot application image.
	KindZephyr Kind = "zephyr"
	// KindLegacy is the legacy receiver application in GBL format.
	KindLegacy Kind = "legacy"
	// KindMigration is the migration application in GBL format.
	KindMigration Kind = "migration"
)

// Firmware is an accepted firmware file.
type Firmware struct {
	Kind    Kind
	Data    []byte
	Version semver.Version
}

// Select validates data as firmware for a device in the given mode.
// Management mode takes WavePhoenix MCUboot images and legacy mode takes
// GBL images with a known product id. Migration mode is rejected.
func Select(mode client.Mode, data []byte) (*Firmware, error) {
	switch mode {
	case client.ModeManagement:
		return selectMCUboot(data)
	case client.ModeLegacy:
		return selectGBL(data)
	case client.ModeMigration:
		return nil, ErrMigrationMode
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
}

func selectMCUboot(data []byte) (*Firmware, error) {
	img, err := mcuboot.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFirmware, err)
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFirmware, err)
	}
	if !img.IsWavePhoenixApp() {
		return nil, fmt.Errorf("%w: %w", ErrNotFirmware, ErrNotWavePhoenixApp)
	}
	return &Firmware{Kind: KindZephyr, Data: data, Version: img.Version()}, nil
}

func selectGBL(data []byte) (*Firmware, error) {
	img, err := gbl.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFirmware, err)
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFirmware, err)
	}
	if img.Application == nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFirmware, ErrNoApplicationInfo)
	}

	fw := &Firmware{Data: data}
	if v := img.ApplicationVersionSemantic(); v != nil {
		fw.Version = *v
	}
	id, _ := img.ProductID()
	switch id {
	case MigrationAppProductID:
		fw.Kind = KindMigration
	case ReceiverAppProductID:
		fw.Kind = KindLegacy
	default:
		return nil, fmt.Errorf("%w: %w %s", ErrNotFirmware, ErrUnknownProduct, id)
	}
	return fw, nil
}
