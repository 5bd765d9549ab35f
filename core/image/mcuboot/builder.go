package mcuboot

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/kabili207/wavephoenix-go/core/semver"
)

// TLV is a single type-length-value record.
type TLV struct {
	Type  uint16
	Value []byte
}

// SignFunc produces the signature TLVs (KEYHASH plus a signature) for an
// image. digest is the image SHA-256 and region the bytes it covers.
type SignFunc func(digest, region []byte) []TLV

// Builder assembles MCUboot images. The SHA256 TLV is always emitted first
// in the unprotected area.
type Builder struct {
	HeaderSize uint16
	LoadAddr   uint32
	Flags      uint32
	Version    semver.Version
	Payload    []byte
	Protected  []TLV
	TLVs       []TLV
	Sign       SignFunc
}

// Build returns the encoded image.
func (b *Builder) Build() []byte {
	hdrSize := b.HeaderSize
	if hdrSize < HeaderSize {
		hdrSize = HeaderSize
	}

	var prot []byte
	if len(b.Protected) > 0 {
		prot = encodeTLVArea(TLVProtInfoMagic, b.Protected)
	}

	hdr := make([]byte, hdrSize)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], ImageMagic)
	le.PutUint32(hdr[4:], b.LoadAddr)
	le.PutUint16(hdr[8:], hdrSize)
	le.PutUint16(hdr[10:], uint16(len(prot)))
	le.PutUint32(hdr[12:], uint32(len(b.Payload)))
	le.PutUint32(hdr[16:], b.Flags)
	hdr[20] = b.Version.Major
	hdr[21] = b.Version.Minor
	le.PutUint16(hdr[22:], b.Version.Patch)
	le.PutUint32(hdr[24:], b.Version.Build)

	region := append(hdr, b.Payload...)
	region = append(region, prot...)
	digest := sha256.Sum256(region)

	tlvs := []TLV{{Type: TLVSHA256, Value: digest[:]}}
	if b.Sign != nil {
		tlvs = append(tlvs, b.Sign(digest[:], region)...)
	}
	tlvs = append(tlvs, b.TLVs...)

	return append(region, encodeTLVArea(TLVInfoMagic, tlvs)...)
}

func encodeTLVArea(magic uint16, tlvs []TLV) []byte {
	total := tlvInfoSize
	for _, t := range tlvs {
		total += tlvHdrSize + len(t.Value)
	}
	out := make([]byte, 0, total)
	out = binary.LittleEndian.AppendUint16(out, magic)
	out = binary.LittleEndian.AppendUint16(out, uint16(total))
	for _, t := range tlvs {
		out = binary.LittleEndian.AppendUint16(out, t.Type)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(t.Value)))
		out = append(out, t.Value...)
	}
	return out
}
