// Package semver holds the firmware version type shared by image parsers and
// protocol clients.
package semver

import (
	"cmp"
	"errors"
	"fmt"
)

// ErrShortVersion is returned when a device version read has fewer than 4 bytes.
var ErrShortVersion = errors.New("version value too short: expected 4 bytes")

// Version is a firmware version. Patch is 16 bits wide because MCUboot
// headers carry it that way; device and GBL versions only use the low byte.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint16
	Build uint32
}

// String returns "major.minor.patch", with "+build" appended when build is
// non-zero.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Build != 0 {
		s += fmt.Sprintf("+%d", v.Build)
	}
	return s
}

// Format renders v, or "(unknown)" when v is nil.
func Format(v *Version) string {
	if v == nil {
		return "(unknown)"
	}
	return v.String()
}

// FromUint32 unpacks a version stored most significant byte first:
// major, minor, patch, build.
func FromUint32(n uint32) Version {
	return Version{
		Major: uint8(n >> 24),
		Minor: uint8(n >> 16),
		Patch: uint16(uint8(n >> 8)),
		Build: uint32(uint8(n)),
	}
}

// FromDeviceBytes decodes the 4-byte version characteristic exposed by the
// receiver. Byte order is build, patch, minor, major.
func FromDeviceBytes(b []byte) (Version, error) {
	if len(b) < 4 {
		return Version{}, fmt.Errorf("%w: got %d", ErrShortVersion, len(b))
	}
	return Version{
		Major: b[3],
		Minor: b[2],
		Patch: uint16(b[1]),
		Build: uint32(b[0]),
	}, nil
}

// Compare returns -1, 0 or 1 ordering a against b.
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return cmp.Compare(a.Major, b.Major)
	case a.Minor != b.Minor:
		return cmp.Compare(a.Minor, b.Minor)
	case a.Patch != b.Patch:
		return cmp.Compare(a.Patch, b.Patch)
	default:
		return cmp.Compare(a.Build, b.Build)
	}
}
