package logfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/bufferpool"
)

// SegmentReader walks one segment front to back. The cleaner, recovery and
// the CLI's dump/verify commands all use it.
type SegmentReader struct {
	num    uint32
	file   *os.File
	reader *bufio.Reader
	offset uint32
}

// OpenSegmentReader opens segment num in dir for a sequential scan.
func OpenSegmentReader(dir string, num uint32) (*SegmentReader, error) {
	f, err := os.Open(SegmentPath(dir, num))
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d", num)
	}
	if err := checkSegmentHeader(f, num); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(FirstOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seek segment %d", num)
	}
	return &SegmentReader{
		num:    num,
		file:   f,
		reader: bufio.NewReaderSize(f, 64*1024),
		offset: FirstOffset,
	}, nil
}

// Segment returns the segment number being read.
func (r *SegmentReader) Segment() uint32 { return r.num }

// Offset is where the next entry would start.
func (r *SegmentReader) Offset() uint32 { return r.offset }

// Next returns the next entry, io.EOF at a clean end of segment, and
// ErrCorruptEntry for a torn or damaged tail.
func (r *SegmentReader) Next() (*Entry, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(ErrCorruptEntry, "segment %d offset %d: truncated length", r.num, r.offset)
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n == 0 {
		// Zero fill past the last write, e.g. after a crash with preallocation.
		return nil, io.EOF
	}
	if n < HeaderSize {
		return nil, errors.Wrapf(ErrCorruptEntry, "segment %d offset %d: length %d", r.num, r.offset, n)
	}

	buf := bufferpool.Get(n)
	defer bufferpool.Put(buf)
	copy(buf, lenBuf[:])
	if _, err := io.ReadFull(r.reader, buf[4:]); err != nil {
		return nil, errors.Wrapf(ErrCorruptEntry, "segment %d offset %d: truncated entry", r.num, r.offset)
	}
	e, err := decodeEntry(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "segment %d offset %d", r.num, r.offset)
	}
	e.LSN = MakeLSN(r.num, r.offset)
	r.offset += uint32(n)
	return e, nil
}

// Close releases the file.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// ScanSegment calls fn for every entry of segment num. A torn tail ends the
// scan with the corruption error so callers can decide whether it matters.
func ScanSegment(dir string, num uint32, fn func(*Entry) error) error {
	r, err := OpenSegmentReader(dir, num)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
