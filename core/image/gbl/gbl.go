// Package gbl parses Gecko Bootloader (GBL) images, the tagged-chunk format
// used by the legacy Silicon Labs OTA firmware.
//
// A GBL file is a sequence of little-endian (type u32, length u32, data)
// records. The last record is an END tag carrying a CRC-32 over every byte
// that precedes the CRC value itself.
package gbl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/core/semver"
)

// Version is the GBL container format version this package understands.
const Version = 0x03000000

// Tag identifiers.
const (
	TagHeader            uint32 = 0x03a617eb
	TagVersionDependency uint32 = 0x76a617eb
	TagApplicationInfo   uint32 = 0xf40a0af4
	TagSEUpgrade         uint32 = 0x5ea617eb
	TagBootloader        uint32 = 0xf50909f5
	TagProgramData       uint32 = 0xfe0101fe
	TagProgramData2      uint32 = 0xfd0303fd
	TagDelta             uint32 = 0xf80a0af8
	TagProgramLZ4        uint32 = 0xfd0505fd
	TagDeltaLZ4          uint32 = 0xf80b0bf8
	TagProgramLZMA       uint32 = 0xfd0707fd
	TagDeltaLZMA         uint32 = 0xf80c0cf8
	TagMetadata          uint32 = 0xf60808f6
	TagCertificate       uint32 = 0xf30b0bf3
	TagSignature         uint32 = 0xf70a0af7
	TagEnd               uint32 = 0xfc0404fc
)

const (
	tagPrefixSize      = 8
	headerTagSize      = 8
	appInfoTagSize     = 28
	programDataMinSize = 4
	endTagSize         = 4
	productIDSize      = 16
)

var (
	ErrInvalidTagLength = errors.New("invalid tag length")
	ErrTruncated        = errors.New("image truncated")
	ErrMissingHeader    = errors.New("missing header tag")
	ErrMissingEnd       = errors.New("missing end tag")
	ErrCRCMismatch      = errors.New("CRC32 mismatch")
)

// ParseError describes where in the image a parse failure happened.
type ParseError struct {
	Tag    uint32
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("gbl: tag %s at offset %d: %v", TagName(e.Tag), e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HeaderTag is the GBL header.
type HeaderTag struct {
	Version   uint32
	TypeFlags uint32
}

// ApplicationInfoTag describes the application carried by the image.
type ApplicationInfoTag struct {
	Type         uint32
	Version      uint32
	Capabilities uint32
	ProductID    [productIDSize]byte
}

// ProgramDataTag is one block of flash contents.
type ProgramDataTag struct {
	FlashStartAddress uint32
	Data              []byte
}

// EndTag terminates the image.
type EndTag struct {
	CRC32 uint32
}

// RawTag records a tag this package does not interpret.
type RawTag struct {
	Type   uint32
	Offset int
	Length uint32
}

// Image is a parsed GBL file. Tag data slices alias the buffer passed to Parse.
type Image struct {
	Header      *HeaderTag
	Application *ApplicationInfoTag
	ProgramData []ProgramDataTag
	End         *EndTag
	Unknown     []RawTag

	raw []byte
}

// Open reads and parses the GBL file at path.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return Parse(data)
}

// Parse walks every tag in data. Tags other than header, application info,
// program data and end are recorded in Unknown and skipped.
func Parse(data []byte) (*Image, error) {
	img := &Image{raw: data}

	offset := 0
	for offset < len(data) {
		if len(data)-offset < tagPrefixSize {
			return nil, &ParseError{Offset: offset, Err: ErrTruncated}
		}
		tagType := binary.LittleEndian.Uint32(data[offset:])
		tagLen := binary.LittleEndian.Uint32(data[offset+4:])
		start := offset + tagPrefixSize
		if uint64(tagLen) > uint64(len(data)-start) {
			return nil, &ParseError{Tag: tagType, Offset: offset, Err: ErrTruncated}
		}
		body := data[start : start+int(tagLen)]

		var err error
		switch tagType {
		case TagHeader:
			img.Header, err = parseHeader(body)
		case TagApplicationInfo:
			img.Application, err = parseApplicationInfo(body)
		case TagProgramData, TagProgramData2:
			var pd ProgramDataTag
			pd, err = parseProgramData(body)
			if err == nil {
				img.ProgramData = append(img.ProgramData, pd)
			}
		case TagEnd:
			img.End, err = parseEnd(body)
		default:
			img.Unknown = append(img.Unknown, RawTag{Type: tagType, Offset: offset, Length: tagLen})
		}
		if err != nil {
			return nil, &ParseError{Tag: tagType, Offset: offset, Err: err}
		}

		offset = start + int(tagLen)
	}

	return img, nil
}

func parseHeader(b []byte) (*HeaderTag, error) {
	if len(b) != headerTagSize {
		return nil, ErrInvalidTagLength
	}
	return &HeaderTag{
		Version:   binary.LittleEndian.Uint32(b[0:]),
		TypeFlags: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

func parseApplicationInfo(b []byte) (*ApplicationInfoTag, error) {
	if len(b) != appInfoTagSize {
		return nil, ErrInvalidTagLength
	}
	info := &ApplicationInfoTag{
		Type:         binary.LittleEndian.Uint32(b[0:]),
		Version:      binary.LittleEndian.Uint32(b[4:]),
		Capabilities: binary.LittleEndian.Uint32(b[8:]),
	}
	copy(info.ProductID[:], b[12:])
	return info, nil
}

func parseProgramData(b []byte) (ProgramDataTag, error) {
	if len(b) < programDataMinSize {
		return ProgramDataTag{}, ErrInvalidTagLength
	}
	return ProgramDataTag{
		FlashStartAddress: binary.LittleEndian.Uint32(b[0:]),
		Data:              b[4:],
	}, nil
}

func parseEnd(b []byte) (*EndTag, error) {
	if len(b) != endTagSize {
		return nil, ErrInvalidTagLength
	}
	return &EndTag{CRC32: binary.LittleEndian.Uint32(b)}, nil
}

// CalculateCRC32 computes the IEEE CRC-32 over everything except the final
// four bytes of the image.
func (img *Image) CalculateCRC32() uint32 {
	if len(img.raw) < endTagSize {
		return crc32.ChecksumIEEE(nil)
	}
	return crc32.ChecksumIEEE(img.raw[:len(img.raw)-endTagSize])
}

// Validate returns nil when the image has a header, an end tag and a
// matching CRC, or the first reason it does not.
func (img *Image) Validate() error {
	if img.Header == nil {
		return ErrMissingHeader
	}
	if img.End == nil {
		return ErrMissingEnd
	}
	if got := img.CalculateCRC32(); got != img.End.CRC32 {
		return fmt.Errorf("%w: computed %08x, stored %08x", ErrCRCMismatch, got, img.End.CRC32)
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (img *Image) IsValid() bool {
	return img.Validate() == nil
}

// ApplicationVersion returns the raw packed application version.
func (img *Image) ApplicationVersion() (uint32, bool) {
	if img.Application == nil {
		return 0, false
	}
	return img.Application.Version, true
}

// ApplicationVersionSemantic unpacks the application version, or returns nil
// when the image has no application info tag.
func (img *Image) ApplicationVersionSemantic() *semver.Version {
	v, ok := img.ApplicationVersion()
	if !ok {
		return nil
	}
	sv := semver.FromUint32(v)
	return &sv
}

// ProductID returns the application's product identifier.
func (img *Image) ProductID() (uuid.UUID, bool) {
	if img.Application == nil {
		return uuid.Nil, false
	}
	return uuid.UUID(img.Application.ProductID), true
}

// ProgramSize is the number of flash bytes carried in program data tags.
func (img *Image) ProgramSize() int {
	n := 0
	for _, pd := range img.ProgramData {
		n += len(pd.Data)
	}
	return n
}

// Bytes returns the buffer the image was parsed from.
func (img *Image) Bytes() []byte {
	return img.raw
}

var tagNames = map[uint32]string{
	TagHeader:            "HEADER",
	TagVersionDependency: "VERSION_DEPENDENCY",
	TagApplicationInfo:   "APPLICATION_INFO",
	TagSEUpgrade:         "SE_UPGRADE",
	TagBootloader:        "BOOTLOADER",
	TagProgramData:       "PROGRAM_DATA",
	TagProgramData2:      "PROGRAM_DATA2",
	TagDelta:             "DELTA",
	TagProgramLZ4:        "PROGRAM_LZ4",
	TagDeltaLZ4:          "DELTA_LZ4",
	TagProgramLZMA:       "PROGRAM_LZMA",
	TagDeltaLZMA:         "DELTA_LZMA",
	TagMetadata:          "METADATA",
	TagCertificate:       "CERTIFICATE",
	TagSignature:         "SIGNATURE",
	TagEnd:               "END",
}

// TagName returns a readable name for a tag id.
func TagName(tag uint32) string {
	if name, ok := tagNames[tag]; ok {
		return name
	}
	return fmt.Sprintf("0x%08x", tag)
}
