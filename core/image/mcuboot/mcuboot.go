// Package mcuboot parses MCUboot application images: a fixed header, the
// raw payload, an optional protected TLV area and the TLV trailer.
//
// See https://docs.mcuboot.com/design.html for the layout.
package mcuboot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/kabili207/wavephoenix-go/core/semver"
)

const (
	// ImageMagic identifies an MCUboot image header.
	ImageMagic uint32 = 0x96f3b83d

	// TLVInfoMagic starts the unprotected TLV area.
	TLVInfoMagic uint16 = 0x6907
	// TLVProtInfoMagic starts the protected TLV area.
	TLVProtInfoMagic uint16 = 0x6908

	// HeaderSize is the size of the fixed header fields. The header region
	// declared by the image (HdrSize) may be larger and is zero padded.
	HeaderSize = 32

	tlvInfoSize = 4
	tlvHdrSize  = 4
)

// Header flags.
const (
	FlagPIC             uint32 = 1 << 0
	FlagEncryptedAES128 uint32 = 1 << 2
	FlagEncryptedAES256 uint32 = 1 << 3
	FlagNonBootable     uint32 = 1 << 4
	FlagRAMLoad         uint32 = 1 << 5
)

// TLV types.
const (
	TLVKeyHash    uint16 = 0x01
	TLVSHA256     uint16 = 0x10
	TLVRSA2048PSS uint16 = 0x20
	TLVECDSA224   uint16 = 0x21
	TLVECDSASig   uint16 = 0x22
	TLVRSA3072PSS uint16 = 0x23
	TLVED25519    uint16 = 0x24
	TLVSigPure    uint16 = 0x25
	TLVEncRSA2048 uint16 = 0x30
	TLVEncKW      uint16 = 0x31
	TLVEncEC256   uint16 = 0x32
	TLVEncX25519  uint16 = 0x33
	TLVDependency uint16 = 0x40
	TLVSecCnt     uint16 = 0x50

	// TLVAppID is the vendor TLV WavePhoenix firmware uses to tag its
	// application images.
	TLVAppID uint16 = 0xc001
)

// WavePhoenixAppID is the value stored under TLVAppID ("WP").
var WavePhoenixAppID = []byte{0x57, 0x50}

var (
	ErrTruncated        = errors.New("image truncated")
	ErrInvalidHeader    = errors.New("invalid header size")
	ErrTLVMagicMismatch = errors.New("TLV area magic mismatch")
	ErrBadMagic         = errors.New("bad image magic")
	ErrMissingDigest    = errors.New("missing SHA256 TLV")
	ErrDigestMismatch   = errors.New("SHA256 mismatch")
)

// ParseError reports the parse stage and offset of a failure.
type ParseError struct {
	Op     string
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("mcuboot: %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Header is the fixed MCUboot image header.
type Header struct {
	Magic          uint32
	LoadAddr       uint32
	HdrSize        uint16
	ProtectTLVSize uint16
	ImgSize        uint32
	Flags          uint32
	Version        semver.Version
}

// HasFlag reports whether all bits in flag are set.
func (h Header) HasFlag(flag uint32) bool {
	return h.Flags&flag == flag
}

// Image is a parsed MCUboot image. Payload and TLV values alias the parsed
// buffer.
type Image struct {
	Header        Header
	Payload       []byte
	ProtectedTLVs map[uint16][]byte
	TLVs          map[uint16][]byte

	// tlvOrder keeps the trailer order for display.
	tlvOrder []uint16
	raw      []byte
}

// Open reads and parses the image at path.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return Parse(data)
}

// Parse decodes the header, payload, protected TLVs (when declared) and the
// TLV area, strictly in that order.
func Parse(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, &ParseError{Op: "header", Err: ErrTruncated}
	}

	img := &Image{
		Header:        parseHeader(data),
		ProtectedTLVs: make(map[uint16][]byte),
		TLVs:          make(map[uint16][]byte),
		raw:           data,
	}
	h := img.Header

	if h.HdrSize < HeaderSize {
		return nil, &ParseError{Op: "header", Offset: 8, Err: ErrInvalidHeader}
	}

	end := uint64(h.HdrSize) + uint64(h.ImgSize)
	if end > uint64(len(data)) {
		return nil, &ParseError{Op: "payload", Offset: int(h.HdrSize), Err: ErrTruncated}
	}
	img.Payload = data[h.HdrSize:end]

	offset := int(end)
	var err error
	if h.ProtectTLVSize != 0 {
		offset, err = img.parseTLVs(offset, img.ProtectedTLVs, TLVProtInfoMagic, false)
		if err != nil {
			return nil, err
		}
	}
	if _, err = img.parseTLVs(offset, img.TLVs, TLVInfoMagic, true); err != nil {
		return nil, err
	}

	return img, nil
}

func parseHeader(data []byte) Header {
	le := binary.LittleEndian
	return Header{
		Magic:          le.Uint32(data[0:]),
		LoadAddr:       le.Uint32(data[4:]),
		HdrSize:        le.Uint16(data[8:]),
		ProtectTLVSize: le.Uint16(data[10:]),
		ImgSize:        le.Uint32(data[12:]),
		Flags:          le.Uint32(data[16:]),
		Version: semver.Version{
			Major: data[20],
			Minor: data[21],
			Patch: le.Uint16(data[22:]),
			Build: le.Uint32(data[24:]),
		},
	}
}

func (img *Image) parseTLVs(offset int, out map[uint16][]byte, magic uint16, record bool) (int, error) {
	op := "tlv area"
	if magic == TLVProtInfoMagic {
		op = "protected tlv area"
	}

	data := img.raw
	if offset+tlvInfoSize > len(data) {
		return 0, &ParseError{Op: op, Offset: offset, Err: ErrTruncated}
	}
	got := binary.LittleEndian.Uint16(data[offset:])
	total := int(binary.LittleEndian.Uint16(data[offset+2:]))
	if got != magic {
		return 0, &ParseError{
			Op:     op,
			Offset: offset,
			Err:    fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrTLVMagicMismatch, got, magic),
		}
	}

	tlvEnd := offset + total
	if tlvEnd > len(data) {
		return 0, &ParseError{Op: op, Offset: offset, Err: ErrTruncated}
	}
	offset += tlvInfoSize

	for offset < tlvEnd {
		if offset+tlvHdrSize > tlvEnd {
			return 0, &ParseError{Op: op, Offset: offset, Err: ErrTruncated}
		}
		tlvType := binary.LittleEndian.Uint16(data[offset:])
		tlvLen := int(binary.LittleEndian.Uint16(data[offset+2:]))
		offset += tlvHdrSize
		if offset+tlvLen > tlvEnd {
			return 0, &ParseError{Op: op, Offset: offset, Err: ErrTruncated}
		}
		out[tlvType] = data[offset : offset+tlvLen]
		if record {
			img.tlvOrder = append(img.tlvOrder, tlvType)
		}
		offset += tlvLen
	}

	return offset, nil
}

// HashedRegion returns the bytes covered by the SHA256 TLV: header, payload
// and the protected TLV area.
func (img *Image) HashedRegion() []byte {
	n := int(img.Header.HdrSize) + int(img.Header.ImgSize) + int(img.Header.ProtectTLVSize)
	if n > len(img.raw) {
		n = len(img.raw)
	}
	return img.raw[:n]
}

// Digest computes the SHA-256 of the hashed region.
func (img *Image) Digest() [sha256.Size]byte {
	return sha256.Sum256(img.HashedRegion())
}

// Validate checks the magic, then the SHA256 TLV against the computed
// digest. The magic check is done first so that foreign files are rejected
// without hashing them.
func (img *Image) Validate() error {
	if img.Header.Magic != ImageMagic {
		return fmt.Errorf("%w: 0x%08x", ErrBadMagic, img.Header.Magic)
	}
	expected, ok := img.TLV(TLVSHA256)
	if !ok {
		return ErrMissingDigest
	}
	actual := img.Digest()
	if !bytes.Equal(expected, actual[:]) {
		return ErrDigestMismatch
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (img *Image) IsValid() bool {
	return img.Validate() == nil
}

// Version returns the image version from the header.
func (img *Image) Version() semver.Version {
	return img.Header.Version
}

// TLV looks up a TLV value, preferring the unprotected area.
func (img *Image) TLV(tlvType uint16) ([]byte, bool) {
	if v, ok := img.TLVs[tlvType]; ok {
		return v, true
	}
	v, ok := img.ProtectedTLVs[tlvType]
	return v, ok
}

// TLVTypes returns the unprotected TLV types in trailer order.
func (img *Image) TLVTypes() []uint16 {
	return append([]uint16(nil), img.tlvOrder...)
}

// IsWavePhoenixApp reports whether the image carries the WavePhoenix
// application id TLV.
func (img *Image) IsWavePhoenixApp() bool {
	v, ok := img.TLV(TLVAppID)
	return ok && bytes.Equal(v, WavePhoenixAppID)
}

// Bytes returns the buffer the image was parsed from.
func (img *Image) Bytes() []byte {
	return img.raw
}

var tlvNames = map[uint16]string{
	TLVKeyHash:    "KEYHASH",
	TLVSHA256:     "SHA256",
	TLVRSA2048PSS: "RSA2048_PSS",
	TLVECDSA224:   "ECDSA224",
	TLVECDSASig:   "ECDSA_SIG",
	TLVRSA3072PSS: "RSA3072_PSS",
	TLVED25519:    "ED25519",
	TLVSigPure:    "SIG_PURE",
	TLVEncRSA2048: "ENC_RSA2048",
	TLVEncKW:      "ENC_KW",
	TLVEncEC256:   "ENC_EC256",
	TLVEncX25519:  "ENC_X25519",
	TLVDependency: "DEPENDENCY",
	TLVSecCnt:     "SEC_CNT",
	TLVAppID:      "APP_ID",
}

// TLVName returns a readable name for a TLV type.
func TLVName(t uint16) string {
	if name, ok := tlvNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", t)
}
