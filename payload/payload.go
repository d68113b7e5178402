// Package payload turns values into remote-tier bytes and back.
//
// Encoding pipeline, in order: serialize, compress (only when the serialized
// form exceeds a threshold; tiny payloads are not worth the CPU), encrypt
// (only when the category's policy requires it). Decoding reverses the
// pipeline and fails closed: a payload that does not authenticate or parse
// is an error, never partial data.
//
// Encryption is XChaCha20-Poly1305 with a fresh random 24-byte nonce per
// call, nonce prepended to the ciphertext. The entry's category rides as
// associated data, so a ciphertext copied under a different category's key
// name fails authentication.
package payload

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/unkn0wn-root/clinicache/codec"
	"github.com/unkn0wn-root/clinicache/internal/util"
	"github.com/unkn0wn-root/clinicache/internal/wire"
)

// DefaultCompressMin is the serialized size above which payloads are
// compressed before storage.
const DefaultCompressMin = 1024

var (
	// ErrNoKey means an encryption-requiring category was encoded or
	// decoded without key material configured.
	ErrNoKey = errors.New("payload: encryption required but no key configured")

	// ErrAuth means ciphertext failed AEAD authentication: tampering,
	// truncation, or the wrong key.
	ErrAuth = errors.New("payload: ciphertext authentication failed")
)

// KeySize is the required encryption key length.
const KeySize = chacha20poly1305.KeySize

type Config struct {
	// Codec serializes values; nil => codec.Msgpack[any].
	Codec codec.Codec[any]

	// Key enables encryption when KeySize bytes long. Leave nil for
	// deployments with no encryption-requiring categories.
	Key []byte

	// CompressMin overrides DefaultCompressMin; <0 disables compression.
	CompressMin int
}

type Codec struct {
	ser         codec.Codec[any]
	aead        cipher.AEAD // nil when no key configured
	compressMin int
}

func New(cfg Config) (*Codec, error) {
	c := &Codec{
		ser:         cfg.Codec,
		compressMin: cfg.CompressMin,
	}
	if c.ser == nil {
		c.ser = codec.Msgpack[any]{}
	}
	if c.compressMin == 0 {
		c.compressMin = DefaultCompressMin
	}
	if len(cfg.Key) > 0 {
		if len(cfg.Key) != KeySize {
			return nil, fmt.Errorf("payload: encryption key must be %d bytes, got %d", KeySize, len(cfg.Key))
		}
		aead, err := chacha20poly1305.NewX(cfg.Key)
		if err != nil {
			return nil, err
		}
		c.aead = aead
	}
	return c, nil
}

// CanEncrypt reports whether key material is configured.
func (c *Codec) CanEncrypt() bool { return c.aead != nil }

// Encode runs the pipeline and frames the result. The returned etag is a
// short content hash of the serialized plaintext, stable across compression
// and encryption settings.
func (c *Codec) Encode(category string, v any, ttl time.Duration, encrypt bool) ([]byte, string, error) {
	data, err := c.ser.Encode(v)
	if err != nil {
		return nil, "", err
	}
	etag := util.ShortHash(string(data))

	var flags byte
	if c.compressMin >= 0 && len(data) > c.compressMin {
		if gz, gzErr := gzipBytes(data); gzErr == nil && len(gz) < len(data) {
			data = gz
			flags |= wire.FlagCompressed
		}
		// on gzip failure keep the uncompressed payload; a cached kilobyte
		// is worth less than a cache write
	}

	if encrypt {
		if !c.CanEncrypt() {
			return nil, "", ErrNoKey
		}
		sealed, sealErr := c.seal(category, data)
		if sealErr != nil {
			return nil, "", sealErr
		}
		data = sealed
		flags |= wire.FlagEncrypted
	}

	raw := wire.Encode(wire.Entry{
		Flags:     flags,
		CreatedAt: time.Now().Unix(),
		TTLSecs:   ttlSecs(ttl),
		Category:  category,
		ETag:      etag,
		Payload:   data,
	})
	return raw, etag, nil
}

// Decode unframes raw bytes and reverses the pipeline. Any failure -
// corrupt envelope, authentication mismatch, bad compression stream,
// serializer error - is returned as-is for the caller to treat as a miss.
func (c *Codec) Decode(raw []byte) (any, wire.Entry, error) {
	entry, err := wire.Decode(raw)
	if err != nil {
		return nil, wire.Entry{}, err
	}

	data := entry.Payload
	if entry.Encrypted() {
		if !c.CanEncrypt() {
			return nil, entry, ErrNoKey
		}
		data, err = c.open(entry.Category, data)
		if err != nil {
			return nil, entry, err
		}
	}

	if entry.Compressed() {
		data, err = gunzipBytes(data)
		if err != nil {
			return nil, entry, err
		}
	}

	v, err := c.ser.Decode(data)
	if err != nil {
		return nil, entry, err
	}
	return v, entry, nil
}

func (c *Codec) seal(category string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, []byte(category)), nil
}

func (c *Codec) open(category string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+c.aead.Overhead() {
		return nil, ErrAuth
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, ct, []byte(category))
	if err != nil {
		return nil, ErrAuth
	}
	return plain, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func ttlSecs(ttl time.Duration) uint32 {
	if ttl <= 0 {
		return 0
	}
	s := int64(ttl / time.Second)
	if s > int64(^uint32(0)) {
		return ^uint32(0)
	}
	if s == 0 {
		s = 1
	}
	return uint32(s)
}
