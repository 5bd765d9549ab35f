package mcuboot

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"filippo.io/edwards25519"
)

var (
	ErrUnsigned             = errors.New("image has no signature")
	ErrMissingKeyHash       = errors.New("signature present without KEYHASH TLV")
	ErrUnknownKey           = errors.New("no trusted key matches KEYHASH")
	ErrBadSignature         = errors.New("signature verification failed")
	ErrUnsupportedSignature = errors.New("unsupported signature type")
	ErrUnsupportedKey       = errors.New("unsupported public key type")
)

// Key is a trusted signing key. Hash is the SHA-256 of the key's PKIX DER
// encoding, which is what imgtool stores in the KEYHASH TLV.
type Key struct {
	Public any
	Hash   [sha256.Size]byte
}

// ParseKey parses a PKIX DER public key. Ed25519 keys are also checked to
// decode to a valid curve point.
func ParseKey(der []byte) (Key, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return Key{}, fmt.Errorf("parsing public key: %w", err)
	}
	switch k := pub.(type) {
	case ed25519.PublicKey:
		if _, err := new(edwards25519.Point).SetBytes(k); err != nil {
			return Key{}, fmt.Errorf("invalid Ed25519 public key: %w", err)
		}
	case *ecdsa.PublicKey:
	default:
		return Key{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
	return Key{Public: pub, Hash: sha256.Sum256(der)}, nil
}

// LoadKeyFile reads a PEM or DER public key file.
func LoadKeyFile(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Key{}, fmt.Errorf("reading key: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return ParseKey(data)
}

// Keyring is a set of trusted keys.
type Keyring []Key

func (kr Keyring) lookup(hash []byte) (Key, bool) {
	for _, k := range kr {
		if bytes.Equal(k.Hash[:], hash) {
			return k, true
		}
	}
	return Key{}, false
}

// IsSigned reports whether the image carries a supported or unsupported
// signature TLV.
func (img *Image) IsSigned() bool {
	for _, t := range []uint16{TLVED25519, TLVECDSASig, TLVECDSA224, TLVRSA2048PSS, TLVRSA3072PSS} {
		if _, ok := img.TLVs[t]; ok {
			return true
		}
	}
	return false
}

// VerifySignature checks the image signature against the keyring. The
// KEYHASH TLV selects the key. Signatures cover the image digest, or the
// hashed region itself when the SIG_PURE TLV is present.
func (img *Image) VerifySignature(keys Keyring) error {
	if err := img.Validate(); err != nil {
		return err
	}
	if !img.IsSigned() {
		return ErrUnsigned
	}

	keyHash, ok := img.TLVs[TLVKeyHash]
	if !ok {
		return ErrMissingKeyHash
	}
	key, ok := keys.lookup(keyHash)
	if !ok {
		return ErrUnknownKey
	}

	digest := img.Digest()
	msg := digest[:]
	if _, pure := img.TLV(TLVSigPure); pure {
		msg = img.HashedRegion()
	}

	if sig, ok := img.TLVs[TLVED25519]; ok {
		pub, ok := key.Public.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ED25519 signature with %T key", ErrUnsupportedKey, key.Public)
		}
		if !ed25519.Verify(pub, msg, sig) {
			return ErrBadSignature
		}
		return nil
	}

	if sig, ok := img.TLVs[TLVECDSASig]; ok {
		pub, ok := key.Public.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ECDSA signature with %T key", ErrUnsupportedKey, key.Public)
		}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return ErrBadSignature
		}
		return nil
	}

	return ErrUnsupportedSignature
}
