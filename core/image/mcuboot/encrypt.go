package mcuboot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// eciesInfo is the HKDF info string used by imgtool for ECIES key wrapping.
const eciesInfo = "MCUBoot_ECIES_v1"

var (
	ErrNotEncrypted = errors.New("image is not encrypted")
	ErrKeyMAC       = errors.New("encrypted key MAC mismatch")
	ErrKeyFormat    = errors.New("malformed ENC_X25519 TLV")
)

// KeySize returns the AES key size implied by the header flags, or 0 when
// the image is not encrypted.
func (h Header) KeySize() int {
	switch {
	case h.HasFlag(FlagEncryptedAES256):
		return 32
	case h.HasFlag(FlagEncryptedAES128):
		return 16
	default:
		return 0
	}
}

// UnwrapKeyX25519 recovers the payload key from the ENC_X25519 TLV using the
// device's X25519 private key. The TLV holds the ephemeral public key, an
// HMAC-SHA256 tag and the AES-CTR wrapped key, in that order.
func (img *Image) UnwrapKeyX25519(priv []byte) ([]byte, error) {
	keySize := img.Header.KeySize()
	if keySize == 0 {
		return nil, ErrNotEncrypted
	}
	tlv, ok := img.TLV(TLVEncX25519)
	if !ok {
		return nil, fmt.Errorf("%w: no ENC_X25519 TLV", ErrNotEncrypted)
	}
	if len(tlv) != curve25519.PointSize+sha256.Size+keySize {
		return nil, fmt.Errorf("%w: length %d", ErrKeyFormat, len(tlv))
	}

	ephemeral := tlv[:curve25519.PointSize]
	tag := tlv[curve25519.PointSize : curve25519.PointSize+sha256.Size]
	wrapped := tlv[curve25519.PointSize+sha256.Size:]

	shared, err := curve25519.X25519(priv, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	encKey, macKey, err := deriveKeys(shared, keySize)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(wrapped)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrKeyMAC
	}

	return ctr(encKey, wrapped)
}

// WrapKeyX25519 wraps key for the holder of pub, producing an ENC_X25519 TLV
// value. rand supplies the ephemeral private key.
func WrapKeyX25519(pub, key []byte, rand io.Reader) ([]byte, error) {
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, ephPriv); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, pub)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	encKey, macKey, err := deriveKeys(shared, len(key))
	if err != nil {
		return nil, err
	}
	wrapped, err := ctr(encKey, key)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(wrapped)

	out := append([]byte{}, ephPub...)
	out = append(out, mac.Sum(nil)...)
	return append(out, wrapped...), nil
}

// DecryptPayload returns a decrypted copy of the payload. MCUboot encrypts
// the payload with AES-CTR and a zero initial counter.
func (img *Image) DecryptPayload(key []byte) ([]byte, error) {
	if img.Header.KeySize() == 0 {
		return nil, ErrNotEncrypted
	}
	return ctr(key, img.Payload)
}

func deriveKeys(shared []byte, keySize int) (encKey, macKey []byte, err error) {
	okm := make([]byte, keySize+sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(eciesInfo)), okm); err != nil {
		return nil, nil, fmt.Errorf("deriving keys: %w", err)
	}
	return okm[:keySize], okm[keySize:], nil
}

func ctr(key, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, make([]byte, aes.BlockSize)).XORKeyStream(out, in)
	return out, nil
}
