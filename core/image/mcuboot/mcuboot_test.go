package mcuboot

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kabili207/wavephoenix-go/core/semver"
	"golang.org/x/crypto/curve25519"
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestParse_ValidImage(t *testing.T) {
	b := &Builder{
		HeaderSize: 0x200,
		LoadAddr:   0x1000,
		Version:    semver.Version{Major: 1, Minor: 2, Patch: 3, Build: 7},
		Payload:    testPayload(300),
		TLVs:       []TLV{{Type: TLVAppID, Value: WavePhoenixAppID}},
	}
	data := b.Build()

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := img.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if img.Header.HdrSize != 0x200 || img.Header.ImgSize != 300 || img.Header.LoadAddr != 0x1000 {
		t.Errorf("Header = %+v", img.Header)
	}
	if got := img.Version().String(); got != "1.2.3+7" {
		t.Errorf("Version() = %q, want 1.2.3+7", got)
	}
	if !bytes.Equal(img.Payload, b.Payload) {
		t.Error("Payload does not match")
	}
	if !img.IsWavePhoenixApp() {
		t.Error("IsWavePhoenixApp() = false")
	}
	types := img.TLVTypes()
	if len(types) != 2 || types[0] != TLVSHA256 || types[1] != TLVAppID {
		t.Errorf("TLVTypes() = %v", types)
	}
}

func TestValidate_DigestCoversHashedRegion(t *testing.T) {
	data := (&Builder{Payload: testPayload(64)}).Build()
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	hdr := int(img.Header.HdrSize)
	want := sha256.Sum256(data[:hdr+64])
	got, _ := img.TLV(TLVSHA256)
	if !bytes.Equal(got, want[:]) {
		t.Errorf("SHA256 TLV = %x, want %x", got, want)
	}
}

func TestValidate_PayloadMutation(t *testing.T) {
	data := (&Builder{Payload: testPayload(64)}).Build()
	data[HeaderSize+10] ^= 0x01

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if img.Header.Magic != ImageMagic {
		t.Fatal("magic should still match")
	}
	if !errors.Is(img.Validate(), ErrDigestMismatch) {
		t.Errorf("Validate() = %v, want ErrDigestMismatch", img.Validate())
	}
}

func TestParse_TruncatedByOneByte(t *testing.T) {
	data := (&Builder{Payload: testPayload(64)}).Build()

	img, err := Parse(data[:len(data)-1])
	if err == nil && img.IsValid() {
		t.Error("truncated image should not be valid")
	}
}

func TestValidate_BadMagicSkipsHash(t *testing.T) {
	data := (&Builder{Payload: testPayload(16)}).Build()
	binary.LittleEndian.PutUint32(data, 0xdeadbeef)

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !errors.Is(img.Validate(), ErrBadMagic) {
		t.Errorf("Validate() = %v, want ErrBadMagic", img.Validate())
	}
}

func TestParse_ProtectedTLVs(t *testing.T) {
	data := (&Builder{
		Payload:   testPayload(32),
		Protected: []TLV{{Type: TLVSecCnt, Value: []byte{1, 0, 0, 0}}, {Type: TLVAppID, Value: []byte("XX")}},
		TLVs:      []TLV{{Type: TLVAppID, Value: WavePhoenixAppID}},
	}).Build()

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if img.Header.ProtectTLVSize != 4+8+6 {
		t.Errorf("ProtectTLVSize = %d, want 18", img.Header.ProtectTLVSize)
	}
	if err := img.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if v, ok := img.TLV(TLVSecCnt); !ok || !bytes.Equal(v, []byte{1, 0, 0, 0}) {
		t.Errorf("TLV(SEC_CNT) = %v, %v", v, ok)
	}
	// Unprotected area wins on duplicates.
	if !img.IsWavePhoenixApp() {
		t.Error("IsWavePhoenixApp() = false, want unprotected value to win")
	}
}

func TestParse_TLVMagicMismatch(t *testing.T) {
	data := (&Builder{Payload: testPayload(8)}).Build()
	binary.LittleEndian.PutUint16(data[HeaderSize+8:], 0x1234)

	_, err := Parse(data)
	if !errors.Is(err, ErrTLVMagicMismatch) {
		t.Errorf("Parse() error = %v, want ErrTLVMagicMismatch", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Offset != HeaderSize+8 {
		t.Errorf("Parse() error = %#v, want ParseError at %d", err, HeaderSize+8)
	}
}

func TestParse_ShortInputs(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", make([]byte, 20), ErrTruncated},
		{"header size too small", func() []byte {
			d := make([]byte, 64)
			binary.LittleEndian.PutUint16(d[8:], 8)
			return d
		}(), ErrInvalidHeader},
		{"payload past end", func() []byte {
			d := make([]byte, 64)
			binary.LittleEndian.PutUint16(d[8:], HeaderSize)
			binary.LittleEndian.PutUint32(d[12:], 1000)
			return d
		}(), ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHeader_Flags(t *testing.T) {
	h := Header{Flags: FlagPIC | FlagEncryptedAES256}
	if !h.HasFlag(FlagPIC) || h.HasFlag(FlagRAMLoad) {
		t.Errorf("HasFlag() mismatch for %08x", h.Flags)
	}
	if h.KeySize() != 32 {
		t.Errorf("KeySize() = %d, want 32", h.KeySize())
	}
	if (Header{}).KeySize() != 0 {
		t.Error("KeySize() of plain header should be 0")
	}
}

func ed25519Signer(t *testing.T, priv ed25519.PrivateKey, keyDER []byte) SignFunc {
	t.Helper()
	hash := sha256.Sum256(keyDER)
	return func(digest, _ []byte) []TLV {
		return []TLV{
			{Type: TLVKeyHash, Value: hash[:]},
			{Type: TLVED25519, Value: ed25519.Sign(priv, digest)},
		}
	}
}

func TestVerifySignature_Ed25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ParseKey(der)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}

	data := (&Builder{Payload: testPayload(100), Sign: ed25519Signer(t, priv, der)}).Build()
	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !img.IsSigned() {
		t.Fatal("IsSigned() = false")
	}
	if err := img.VerifySignature(Keyring{key}); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	otherDER, _ := x509.MarshalPKIXPublicKey(otherPub)
	other, err := ParseKey(otherDER)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.VerifySignature(Keyring{other}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("VerifySignature(other) error = %v, want ErrUnknownKey", err)
	}
}

func TestVerifySignature_Ed25519Tampered(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	der, _ := x509.MarshalPKIXPublicKey(pub)
	key, err := ParseKey(der)
	if err != nil {
		t.Fatal(err)
	}
	hash := sha256.Sum256(der)

	data := (&Builder{
		Payload: testPayload(100),
		Sign: func(digest, _ []byte) []TLV {
			bad := append([]byte{}, digest...)
			bad[0] ^= 0xff
			return []TLV{
				{Type: TLVKeyHash, Value: hash[:]},
				{Type: TLVED25519, Value: ed25519.Sign(priv, bad)},
			}
		},
	}).Build()

	img, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.VerifySignature(Keyring{key}); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifySignature() error = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignature_ECDSA(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	key, err := ParseKey(der)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	hash := sha256.Sum256(der)

	data := (&Builder{
		Payload: testPayload(77),
		Sign: func(digest, _ []byte) []TLV {
			sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
			if err != nil {
				t.Fatal(err)
			}
			return []TLV{
				{Type: TLVKeyHash, Value: hash[:]},
				{Type: TLVECDSASig, Value: sig},
			}
		},
	}).Build()

	img, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.VerifySignature(Keyring{key}); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}
}

func TestVerifySignature_Unsigned(t *testing.T) {
	img, err := Parse((&Builder{Payload: testPayload(8)}).Build())
	if err != nil {
		t.Fatal(err)
	}
	if err := img.VerifySignature(nil); !errors.Is(err, ErrUnsigned) {
		t.Errorf("VerifySignature() error = %v, want ErrUnsigned", err)
	}
}

func TestParseKey_Rejects(t *testing.T) {
	if _, err := ParseKey([]byte{1, 2, 3}); err == nil {
		t.Error("ParseKey(garbage) should fail")
	}
}

func TestUnwrapKeyX25519_RoundTrip(t *testing.T) {
	devPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(devPriv); err != nil {
		t.Fatal(err)
	}
	devPub, err := curve25519.X25519(devPriv, curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}

	imageKey := make([]byte, 16)
	rand.Read(imageKey)
	plain := testPayload(50)
	encrypted, err := ctr(imageKey, plain)
	if err != nil {
		t.Fatal(err)
	}
	tlv, err := WrapKeyX25519(devPub, imageKey, rand.Reader)
	if err != nil {
		t.Fatalf("WrapKeyX25519() error = %v", err)
	}

	data := (&Builder{
		Flags:   FlagEncryptedAES128,
		Payload: encrypted,
		TLVs:    []TLV{{Type: TLVEncX25519, Value: tlv}},
	}).Build()
	img, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	key, err := img.UnwrapKeyX25519(devPriv)
	if err != nil {
		t.Fatalf("UnwrapKeyX25519() error = %v", err)
	}
	if !bytes.Equal(key, imageKey) {
		t.Errorf("UnwrapKeyX25519() = %x, want %x", key, imageKey)
	}

	got, err := img.DecryptPayload(key)
	if err != nil {
		t.Fatalf("DecryptPayload() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("DecryptPayload() did not restore the payload")
	}

	wrongPriv := make([]byte, curve25519.ScalarSize)
	rand.Read(wrongPriv)
	if _, err := img.UnwrapKeyX25519(wrongPriv); !errors.Is(err, ErrKeyMAC) {
		t.Errorf("UnwrapKeyX25519(wrong) error = %v, want ErrKeyMAC", err)
	}
}

func TestUnwrapKeyX25519_NotEncrypted(t *testing.T) {
	img, err := Parse((&Builder{Payload: testPayload(8)}).Build())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.UnwrapKeyX25519(make([]byte, 32)); !errors.Is(err, ErrNotEncrypted) {
		t.Errorf("UnwrapKeyX25519() error = %v, want ErrNotEncrypted", err)
	}
}

func TestTLVName(t *testing.T) {
	if TLVName(TLVAppID) != "APP_ID" || TLVName(0x7777) != "0x7777" {
		t.Errorf("TLVName mismatch: %s %s", TLVName(TLVAppID), TLVName(0x7777))
	}
}
