package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	version      byte = 1
	kindAsset    byte = 1
	kindManifest byte = 2
)

var (
	ErrCorrupt = errors.New("sitecache: corrupt entry")
	magic4     = [...]byte{'S', 'C', 'A', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Asset is a decoded asset frame. Body aliases the input buffer.
type Asset struct {
	StoredAtMs  int64
	ContentType string
	Body        []byte
}

// Asset: magic(4) | ver(1) | kind(1=asset) | storedAt(u64 be, unix ms) |
// ctLen(u16 be) | contentType(ctLen) | blen(u32 be) | body(blen)
func EncodeAsset(a Asset) ([]byte, error) {
	if len(a.ContentType) > 0xFFFF {
		return nil, fmt.Errorf("sitecache: content type too long (%d)", len(a.ContentType))
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 2 + len(a.ContentType) + 4 + len(a.Body))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindAsset)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(a.StoredAtMs))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(a.ContentType)))
	buf.Write(u2[:])
	buf.WriteString(a.ContentType)

	binary.BigEndian.PutUint32(u4[:], uint32(len(a.Body)))
	buf.Write(u4[:])
	buf.Write(a.Body)
	return buf.Bytes(), nil
}

func DecodeAsset(b []byte) (Asset, error) {
	const hdr = 4 + 1 + 1 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindAsset {
		return Asset{}, ErrCorrupt
	}
	off := 6

	storedAt := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	ctLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if ctLen > len(b)-off {
		return Asset{}, ErrCorrupt
	}
	ct := string(b[off : off+ctLen])
	off += ctLen

	body, off, err := readBlock(b, off)
	if err != nil {
		return Asset{}, err
	}
	if off != len(b) {
		return Asset{}, ErrCorrupt
	}
	return Asset{StoredAtMs: storedAt, ContentType: ct, Body: body}, nil
}

// Manifest: magic(4) | ver(1) | kind(2=manifest) | dlen(u16 be) | digest(dlen) |
// plen(u32 be) | payload(plen)
//
// The digest is the manifest fingerprint computed before encoding; readers
// recompute it after decoding to detect damaged payloads.
func EncodeManifest(digest string, payload []byte) ([]byte, error) {
	if len(digest) == 0 || len(digest) > 0xFFFF {
		return nil, fmt.Errorf("sitecache: invalid digest length %d", len(digest))
	}
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 2 + len(digest) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindManifest)

	var u4 [4]byte
	var u2 [2]byte
	binary.BigEndian.PutUint16(u2[:], uint16(len(digest)))
	buf.Write(u2[:])
	buf.WriteString(digest)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

func DecodeManifest(b []byte) (digest string, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindManifest {
		return "", nil, ErrCorrupt
	}
	off := 6
	dlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if dlen <= 0 || dlen > len(b)-off {
		return "", nil, ErrCorrupt
	}
	digest = string(b[off : off+dlen])
	off += dlen

	payload, off, err = readBlock(b, off)
	if err != nil {
		return "", nil, err
	}
	if off != len(b) {
		return "", nil, ErrCorrupt
	}
	return digest, payload, nil
}

// readBlock reads a u32-length-prefixed block at off.
func readBlock(b []byte, off int) ([]byte, int, error) {
	if off+4 > len(b) {
		return nil, 0, ErrCorrupt
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n < 0 || n > len(b)-off { // overflow-safe bound check
		return nil, 0, ErrCorrupt
	}
	return b[off : off+n], off + n, nil
}
