package payload

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/unkn0wn-root/clinicache/internal/wire"
)

func testKey() []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = byte(i * 7)
	}
	return k
}

func newCodec(t *testing.T, cfg Config) *Codec {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRoundTripPlain(t *testing.T) {
	c := newCodec(t, Config{})

	raw, etag, err := c.Encode("schemas", "hello", time.Minute, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if etag == "" {
		t.Fatalf("expected non-empty etag")
	}

	v, entry, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != "hello" {
		t.Fatalf("round trip value %v", v)
	}
	if entry.Category != "schemas" || entry.ETag != etag || entry.TTLSecs != 60 {
		t.Fatalf("unexpected envelope: %+v", entry)
	}
	if entry.Compressed() || entry.Encrypted() {
		t.Fatalf("small plain payload should carry no flags: %+v", entry)
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	c := newCodec(t, Config{Key: testKey()})

	secret := "diagnosis: confidential"
	raw, _, err := c.Encode("phi", secret, time.Minute, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Contains(raw, []byte("confidential")) {
		t.Fatalf("plaintext visible in encoded bytes")
	}

	v, entry, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != secret || !entry.Encrypted() {
		t.Fatalf("round trip failed: v=%v entry=%+v", v, entry)
	}
}

func TestRoundTripCompressedAndEncrypted(t *testing.T) {
	c := newCodec(t, Config{Key: testKey()})

	big := strings.Repeat("clinical narrative text ", 200) // very compressible
	raw, _, err := c.Encode("phi", big, 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw) >= len(big) {
		t.Fatalf("compressible payload did not shrink: %d >= %d", len(raw), len(big))
	}

	v, entry, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != big {
		t.Fatalf("round trip corrupted value")
	}
	if !entry.Compressed() || !entry.Encrypted() {
		t.Fatalf("expected both flags set: %+v", entry)
	}
}

// Below the threshold no compression happens even for compressible data.
func TestCompressionThreshold(t *testing.T) {
	c := newCodec(t, Config{CompressMin: 1 << 20})
	big := strings.Repeat("x", 10_000)

	raw, _, err := c.Encode("schemas", big, 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	entry, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	if entry.Compressed() {
		t.Fatalf("payload under threshold was compressed")
	}

	// negative threshold disables compression outright
	c2 := newCodec(t, Config{CompressMin: -1})
	raw2, _, err := c2.Encode("schemas", big, 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	entry2, _ := wire.Decode(raw2)
	if entry2.Compressed() {
		t.Fatalf("compression ran while disabled")
	}
}

// Incompressible data is stored uncompressed even above the threshold;
// a gzip frame larger than its input is a net loss.
func TestCompressionSkippedWhenNoGain(t *testing.T) {
	c := newCodec(t, Config{})
	noise := make([]byte, 4096)
	x := uint32(2463534242)
	for i := range noise {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		noise[i] = byte(x)
	}
	raw, _, err := c.Encode("schemas", string(noise), 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	entry, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	if entry.Compressed() {
		t.Fatalf("incompressible payload was stored compressed")
	}
	v, _, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != string(noise) {
		t.Fatalf("round trip corrupted value")
	}
}

func TestEncryptWithoutKey(t *testing.T) {
	c := newCodec(t, Config{})
	if c.CanEncrypt() {
		t.Fatalf("CanEncrypt should be false without key material")
	}
	if _, _, err := c.Encode("phi", "v", 0, true); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestBadKeyLength(t *testing.T) {
	if _, err := New(Config{Key: []byte("too-short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

// Flipping any ciphertext byte must fail authentication, never return
// corrupted plaintext.
func TestTamperDetection(t *testing.T) {
	c := newCodec(t, Config{Key: testKey()})
	raw, _, err := c.Encode("phi", "sensitive", time.Minute, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	entry, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}

	// flip one byte of the sealed payload and re-frame
	tampered := append([]byte(nil), entry.Payload...)
	tampered[len(tampered)/2] ^= 0x01
	entry.Payload = tampered
	reframed := wire.Encode(entry)

	if _, _, err := c.Decode(reframed); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth on tampered ciphertext, got %v", err)
	}
}

// A ciphertext re-framed under a different category fails authentication:
// the category is bound in as associated data.
func TestCategoryBinding(t *testing.T) {
	c := newCodec(t, Config{Key: testKey()})
	raw, _, err := c.Encode("phi", "sensitive", time.Minute, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	entry, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	entry.Category = "schemas"
	moved := wire.Encode(entry)

	if _, _, err := c.Decode(moved); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth across categories, got %v", err)
	}
}

func TestDecodeWithWrongKey(t *testing.T) {
	c1 := newCodec(t, Config{Key: testKey()})
	raw, _, err := c1.Encode("phi", "sensitive", 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	other := make([]byte, KeySize)
	other[0] = 0xFF
	c2 := newCodec(t, Config{Key: other})
	if _, _, err := c2.Decode(raw); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth with wrong key, got %v", err)
	}
}

func TestDecodeTruncatedCiphertext(t *testing.T) {
	c := newCodec(t, Config{Key: testKey()})
	entry := wire.Entry{
		Flags:    wire.FlagEncrypted,
		Category: "phi",
		Payload:  []byte("way-too-short"),
	}
	if _, _, err := c.Decode(wire.Encode(entry)); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth on truncated ciphertext, got %v", err)
	}
}

// The etag is a function of the serialized plaintext only: identical values
// produce identical etags regardless of compression or encryption, and the
// nonce makes the ciphertext itself differ between encodings.
func TestETagStableAcrossPipelines(t *testing.T) {
	plainC := newCodec(t, Config{CompressMin: -1})
	encC := newCodec(t, Config{Key: testKey()})

	v := strings.Repeat("value ", 400)
	_, e1, err := plainC.Encode("c", v, 0, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw2a, e2, err := encC.Encode("c", v, 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw2b, e3, err := encC.Encode("c", v, 0, true)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if e1 != e2 || e2 != e3 {
		t.Fatalf("etags differ across pipelines: %q %q %q", e1, e2, e3)
	}
	if bytes.Equal(raw2a, raw2b) {
		t.Fatalf("two encryptions produced identical bytes; nonce reuse?")
	}
}

func TestTTLSecondsClamp(t *testing.T) {
	c := newCodec(t, Config{})

	raw, _, err := c.Encode("c", "v", 500*time.Millisecond, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	entry, _ := wire.Decode(raw)
	if entry.TTLSecs != 1 {
		t.Fatalf("sub-second TTL should round up to 1, got %d", entry.TTLSecs)
	}

	raw, _, err = c.Encode("c", "v", -time.Minute, false)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	entry, _ = wire.Decode(raw)
	if entry.TTLSecs != 0 {
		t.Fatalf("negative TTL should record 0, got %d", entry.TTLSecs)
	}
}
