package gbl

import (
	"encoding/binary"
	"hash/crc32"
)

// Builder assembles GBL images tag by tag. Build appends the END tag with a
// CRC over everything written before it.
type Builder struct {
	buf []byte
}

// NewBuilder returns a builder that starts with a header tag.
func NewBuilder(typeFlags uint32) *Builder {
	b := &Builder{}
	hdr := make([]byte, headerTagSize)
	binary.LittleEndian.PutUint32(hdr[0:], Version)
	binary.LittleEndian.PutUint32(hdr[4:], typeFlags)
	return b.Tag(TagHeader, hdr)
}

// Tag appends a raw tag.
func (b *Builder) Tag(tagType uint32, data []byte) *Builder {
	var prefix [tagPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[0:], tagType)
	binary.LittleEndian.PutUint32(prefix[4:], uint32(len(data)))
	b.buf = append(b.buf, prefix[:]...)
	b.buf = append(b.buf, data...)
	return b
}

// Application appends an application info tag.
func (b *Builder) Application(appType, version, capabilities uint32, productID [16]byte) *Builder {
	body := make([]byte, appInfoTagSize)
	binary.LittleEndian.PutUint32(body[0:], appType)
	binary.LittleEndian.PutUint32(body[4:], version)
	binary.LittleEndian.PutUint32(body[8:], capabilities)
	copy(body[12:], productID[:])
	return b.Tag(TagApplicationInfo, body)
}

// Program appends a program data tag.
func (b *Builder) Program(address uint32, data []byte) *Builder {
	body := make([]byte, programDataMinSize+len(data))
	binary.LittleEndian.PutUint32(body, address)
	copy(body[programDataMinSize:], data)
	return b.Tag(TagProgramData, body)
}

// Build terminates the image with an END tag and returns its bytes.
func (b *Builder) Build() []byte {
	var prefix [tagPrefixSize]byte
	binary.LittleEndian.PutUint32(prefix[0:], TagEnd)
	binary.LittleEndian.PutUint32(prefix[4:], endTagSize)
	out := append(append([]byte{}, b.buf...), prefix[:]...)
	var crc [endTagSize]byte
	binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(out))
	return append(out, crc[:]...)
}
