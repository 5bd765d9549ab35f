package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kabili207/wavephoenix-go/core/image/mcuboot"
	"github.com/kabili207/wavephoenix-go/core/semver"
)

var (
	// ErrInvalidImage is returned for application files that are not a
	// valid MCUboot image.
	ErrInvalidImage = errors.New("not a valid MCUboot image")
	// ErrNotWavePhoenixApp is returned for valid MCUboot images without the
	// WavePhoenix application id.
	ErrNotWavePhoenixApp = errors.New("not a valid WavePhoenix firmware image")
	// ErrUnknownBootloader is returned for bootloader files whose digest is
	// not in KnownBootloaders.
	ErrUnknownBootloader = errors.New("unknown bootloader image")
)

// BootloaderInfo describes a released bootloader build.
type BootloaderInfo struct {
	Version semver.Version
	Board   string
}

// KnownBootloaders maps the hex SHA-256 of released bootloader images to
// their description. Only these images may be written.
var KnownBootloaders = map[string]BootloaderInfo{
	"839b035dcddddd422848df8c116622b57f961061a53388e68ecee49fbff15597": {
		Version: semver.Version{Major: 0, Minor: 10, Patch: 0},
		Board:   "minireceiver",
	},
}

// AppFile is an accepted application image.
type AppFile struct {
	Data    []byte
	Version semver.Version
	Digest  [sha256.Size]byte
}

// BootloaderFile is an accepted bootloader image.
type BootloaderFile struct {
	Data    []byte
	Version semver.Version
	Board   string
	Digest  [sha256.Size]byte
}

// ValidateApp accepts a valid MCUboot image carrying the WavePhoenix
// application id.
func ValidateApp(data []byte) (*AppFile, error) {
	img, err := mcuboot.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if !img.IsWavePhoenixApp() {
		return nil, ErrNotWavePhoenixApp
	}
	return &AppFile{
		Data:    data,
		Version: img.Version(),
		Digest:  sha256.Sum256(data),
	}, nil
}

// ValidateBootloader accepts only bootloader images listed in
// KnownBootloaders.
func ValidateBootloader(data []byte) (*BootloaderFile, error) {
	sum := sha256.Sum256(data)
	info, ok := KnownBootloaders[hex.EncodeToString(sum[:])]
	if !ok {
		return nil, fmt.Errorf("%w: sha256 %x", ErrUnknownBootloader, sum)
	}
	return &BootloaderFile{
		Data:    data,
		Version: info.Version,
		Board:   info.Board,
		Digest:  sum,
	}, nil
}
