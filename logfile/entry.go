package logfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// LSN is a log address: the segment number in the high 32 bits and the byte
// offset inside that segment in the low 32 bits. LSNs grow with the log, so
// comparing two of them tells which entry was written later.
type LSN uint64

// NullLSN never addresses a real entry (offsets start after the file header).
const NullLSN LSN = 0

// MakeLSN packs a segment number and offset.
func MakeLSN(segment, offset uint32) LSN {
	return LSN(uint64(segment)<<32 | uint64(offset))
}

// Segment returns the segment number.
func (l LSN) Segment() uint32 { return uint32(l >> 32) }

// Offset returns the byte offset within the segment.
func (l LSN) Offset() uint32 { return uint32(l) }

func (l LSN) String() string {
	if l == NullLSN {
		return "null"
	}
	return fmt.Sprintf("%d/0x%x", l.Segment(), l.Offset())
}

// Kind says what an entry holds.
type Kind uint8

const (
	KindLN        Kind = 1 // record key + value
	KindDeletedLN Kind = 2 // record tombstone
	KindBIN       Kind = 3 // leaf node image
	KindIN        Kind = 4 // internal node image
)

// IsNode reports whether the entry is an index node image.
func (k Kind) IsNode() bool { return k == KindBIN || k == KindIN }

// IsLN reports whether the entry is a record or tombstone.
func (k Kind) IsLN() bool { return k == KindLN || k == KindDeletedLN }

func (k Kind) String() string {
	switch k {
	case KindLN:
		return "LN"
	case KindDeletedLN:
		return "DEL_LN"
	case KindBIN:
		return "BIN"
	case KindIN:
		return "IN"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HeaderSize is the fixed per-entry overhead:
// length(4) crc(4) kind(1) codec(1) db(4) keylen(4).
const HeaderSize = 4 + 4 + 1 + 1 + 4 + 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptEntry means an entry failed its checksum or was cut short.
var ErrCorruptEntry = errors.New("log entry corrupt")

// Entry is one logged item. LSN and Size are filled in by Append and by the
// readers; callers only set the rest.
type Entry struct {
	Kind    Kind
	Codec   uint8 // compression.Type of Payload
	DB      uint32
	Key     []byte
	Payload []byte

	LSN  LSN
	Size int
}

// EncodedSize is the number of bytes the entry occupies in a segment.
func (e *Entry) EncodedSize() int {
	return HeaderSize + len(e.Key) + len(e.Payload)
}

// encode writes e into buf, which must hold EncodedSize bytes.
func (e *Entry) encode(buf []byte) int {
	n := e.EncodedSize()
	binary.LittleEndian.PutUint32(buf[0:], uint32(n))
	buf[8] = uint8(e.Kind)
	buf[9] = e.Codec
	binary.LittleEndian.PutUint32(buf[10:], e.DB)
	binary.LittleEndian.PutUint32(buf[14:], uint32(len(e.Key)))
	copy(buf[HeaderSize:], e.Key)
	copy(buf[HeaderSize+len(e.Key):], e.Payload)
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(buf[8:n], crcTable))
	return n
}

// decodeEntry parses a complete encoded entry. Key and Payload are copied out
// of buf so the caller can recycle it.
func decodeEntry(buf []byte) (*Entry, error) {
	if len(buf) < HeaderSize {
		return nil, errors.Wrap(ErrCorruptEntry, "short header")
	}
	n := int(binary.LittleEndian.Uint32(buf[0:]))
	if n < HeaderSize || n > len(buf) {
		return nil, errors.Wrapf(ErrCorruptEntry, "bad length %d", n)
	}
	if crc32.Checksum(buf[8:n], crcTable) != binary.LittleEndian.Uint32(buf[4:]) {
		return nil, errors.Wrap(ErrCorruptEntry, "checksum mismatch")
	}
	keyLen := int(binary.LittleEndian.Uint32(buf[14:]))
	if HeaderSize+keyLen > n {
		return nil, errors.Wrapf(ErrCorruptEntry, "key length %d exceeds entry", keyLen)
	}
	e := &Entry{
		Kind:  Kind(buf[8]),
		Codec: buf[9],
		DB:    binary.LittleEndian.Uint32(buf[10:]),
		Size:  n,
	}
	e.Key = append([]byte(nil), buf[HeaderSize:HeaderSize+keyLen]...)
	if n > HeaderSize+keyLen {
		e.Payload = append([]byte(nil), buf[HeaderSize+keyLen:n]...)
	}
	return e, nil
}
