// Package wire defines the binary envelope for remote-tier cache entries.
//
// Every value stored in the remote tier is framed so that readers can tell,
// without out-of-band state, whether the payload is compressed and/or
// encrypted, which data category wrote it, when, and with which TTL. Strict
// validation on decode lets readers treat any foreign or truncated value as
// corruption and self-heal by deleting it.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

// Flag bits recorded in the envelope header.
const (
	FlagCompressed byte = 1 << 0
	FlagEncrypted  byte = 1 << 1
)

var (
	ErrCorrupt = errors.New("wire: corrupt entry")
	magic4     = [...]byte{'C', 'L', 'N', 'C'}
)

// Entry is the decoded envelope. Payload is still in its stored form
// (possibly compressed and/or encrypted); package payload reverses those.
type Entry struct {
	Flags     byte
	CreatedAt int64  // unix seconds
	TTLSecs   uint32 // advisory; the remote store's own expiry governs deletion
	Category  string
	ETag      string
	Payload   []byte
}

func (e Entry) Compressed() bool { return e.Flags&FlagCompressed != 0 }
func (e Entry) Encrypted() bool  { return e.Flags&FlagEncrypted != 0 }

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames an entry:
//
//	magic(4) | ver(1) | flags(1) | createdAt(u64 be) | ttl(u32 be) |
//	catLen(u16 be) | cat | etagLen(u16 be) | etag | plen(u32 be) | payload
func Encode(e Entry) []byte {
	if len(e.Category) > 0xFFFF || len(e.ETag) > 0xFFFF {
		panic("wire: category or etag too long")
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + 2 + len(e.Category) + 2 + len(e.ETag) + 4 + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(e.Flags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.CreatedAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], e.TTLSecs)
	buf.Write(u4[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Category)))
	buf.Write(u2[:])
	buf.WriteString(e.Category)

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.ETag)))
	buf.Write(u2[:])
	buf.WriteString(e.ETag)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])
	buf.Write(e.Payload)

	return buf.Bytes()
}

// Decode parses a framed entry. Returns ErrCorrupt on any structural
// violation, including trailing bytes.
func Decode(b []byte) (Entry, error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}

	var e Entry
	e.Flags = b[5]
	off := 6

	e.CreatedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	e.TTLSecs = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	// category
	if off+2 > len(b) {
		return Entry{}, ErrCorrupt
	}
	clen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if clen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.Category = string(b[off : off+clen])
	off += clen

	// etag
	if off+2 > len(b) {
		return Entry{}, ErrCorrupt
	}
	elen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if elen > len(b)-off {
		return Entry{}, ErrCorrupt
	}
	e.ETag = string(b[off : off+elen])
	off += elen

	// payload
	if off+4 > len(b) {
		return Entry{}, ErrCorrupt
	}
	plen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if plen < 0 || plen != len(b)-off { // overflow-safe bound check
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off : off+plen]

	return e, nil
}
