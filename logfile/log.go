// Package logfile is the append-only, segmented log every record and index
// node image is written to. Segments have a fixed capacity; an entry that would
// cross it starts a new segment. Nothing is ever overwritten in place.
package logfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/bufferpool"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("log is closed")

// ErrReadOnly is returned by Append on a log opened read-only.
var ErrReadOnly = errors.New("log is read-only")

// WriteHook runs before every append. Returning an error fails the append as
// if the disk had; tests use it to inject I/O failures.
type WriteHook func(e *Entry) error

// Options configures a Log.
type Options struct {
	Dir         string
	SegmentSize int64
	ReadOnly    bool

	// OpenFiles bounds the number of segment handles kept for random reads.
	OpenFiles int

	// OnNewSegment is called (under the log mutex, keep it cheap) each time
	// a new segment is started.
	OnNewSegment func(num uint32)

	WriteHook WriteHook
	Logger    *slog.Logger
}

// Log is the segmented log. Appends are serialized; reads may run
// concurrently with appends and with each other.
type Log struct {
	dir     string
	segSize int64
	ro      bool
	logger  *slog.Logger
	files   *fileCache

	mu       sync.Mutex
	cur      *os.File
	writer   *bufio.Writer
	curNum   uint32
	offset   uint32 // next write offset, buffered bytes included
	flushed  uint32 // bytes of cur known to be in the file
	closed   bool
	onNew    func(uint32)
	hook     WriteHook
	written  int64
	lastSync LSN
}

// Open opens (or creates) the log in opts.Dir. A writable log resumes the
// last segment after trimming any torn tail left by a crash.
func Open(opts Options) (*Log, error) {
	if opts.SegmentSize < FirstOffset+HeaderSize {
		return nil, errors.Errorf("segment size %d too small", opts.SegmentSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %s", opts.Dir)
		}
	}

	l := &Log{
		dir:     opts.Dir,
		segSize: opts.SegmentSize,
		ro:      opts.ReadOnly,
		logger:  logger.With("component", "log"),
		files:   newFileCache(opts.Dir, max(opts.OpenFiles, 16)),
		onNew:   opts.OnNewSegment,
		hook:    opts.WriteHook,
	}

	segs, err := ListSegments(opts.Dir)
	if err != nil {
		return nil, err
	}

	if len(segs) == 0 {
		if l.ro {
			l.curNum, l.offset, l.flushed = 0, FirstOffset, FirstOffset
			return l, nil
		}
		if err := l.startSegment(1); err != nil {
			return nil, err
		}
		return l, nil
	}

	last := segs[len(segs)-1]
	end, err := validEnd(opts.Dir, last)
	if err != nil {
		return nil, err
	}
	l.curNum, l.offset, l.flushed = last, end, end
	if l.ro {
		return l, nil
	}

	f, err := os.OpenFile(SegmentPath(opts.Dir, last), os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "reopen segment %d", last)
	}
	if err := f.Truncate(int64(end)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "trim segment %d", last)
	}
	if _, err := f.Seek(int64(end), io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seek segment %d", last)
	}
	l.cur = f
	l.writer = bufio.NewWriterSize(f, 64*1024)
	l.logger.Debug("LOG_RESUMED", "segment", last, "offset", end)
	return l, nil
}

// validEnd scans a segment and returns the offset after its last good entry.
func validEnd(dir string, num uint32) (uint32, error) {
	r, err := OpenSegmentReader(dir, num)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	for {
		_, err := r.Next()
		if err == io.EOF || errors.Is(err, ErrCorruptEntry) {
			return r.Offset(), nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// startSegment must be called with l.mu held (or before l is shared).
func (l *Log) startSegment(num uint32) error {
	f, err := os.OpenFile(SegmentPath(l.dir, num), os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "create segment %d", num)
	}
	if err := writeSegmentHeader(f, num); err != nil {
		f.Close()
		return errors.Wrapf(err, "write header of segment %d", num)
	}
	if _, err := f.Seek(FirstOffset, io.SeekStart); err != nil {
		f.Close()
		return errors.Wrapf(err, "seek segment %d", num)
	}
	l.cur = f
	l.writer = bufio.NewWriterSize(f, 64*1024)
	l.curNum = num
	l.offset = FirstOffset
	l.flushed = FirstOffset
	if l.onNew != nil {
		l.onNew(num)
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.writer.Flush(); err != nil {
		return errors.Wrapf(err, "flush segment %d", l.curNum)
	}
	if err := l.cur.Sync(); err != nil {
		return errors.Wrapf(err, "sync segment %d", l.curNum)
	}
	if err := l.cur.Close(); err != nil {
		return errors.Wrapf(err, "close segment %d", l.curNum)
	}
	prev := l.curNum
	if err := l.startSegment(prev + 1); err != nil {
		return err
	}
	l.logger.Debug("SEGMENT_ROTATED", "from", prev, "to", l.curNum)
	return nil
}

// Append writes e at the head of the log and returns its LSN. e.LSN and
// e.Size are set as a side effect.
func (l *Log) Append(e *Entry) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return NullLSN, ErrClosed
	}
	if l.ro {
		return NullLSN, ErrReadOnly
	}
	if l.hook != nil {
		if err := l.hook(e); err != nil {
			return NullLSN, errors.Wrap(err, "append")
		}
	}

	n := e.EncodedSize()
	if int64(l.offset)+int64(n) > l.segSize && l.offset > FirstOffset {
		if err := l.rotateLocked(); err != nil {
			return NullLSN, err
		}
	}

	buf := bufferpool.Get(n)
	defer bufferpool.Put(buf)
	e.encode(buf)
	if _, err := l.writer.Write(buf[:n]); err != nil {
		return NullLSN, errors.Wrapf(err, "write segment %d", l.curNum)
	}

	lsn := MakeLSN(l.curNum, l.offset)
	l.offset += uint32(n)
	l.written += int64(n)
	e.LSN = lsn
	e.Size = n
	return lsn, nil
}

// Head is the LSN the next append will get (unless it rotates).
func (l *Log) Head() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return MakeLSN(l.curNum, l.offset)
}

// CurrentSegment is the segment currently being appended to.
func (l *Log) CurrentSegment() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curNum
}

// BytesWritten is the number of bytes appended since Open.
func (l *Log) BytesWritten() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Flush pushes buffered entries to the OS.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if l.writer == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return errors.Wrapf(err, "flush segment %d", l.curNum)
	}
	l.flushed = l.offset
	return nil
}

// Sync flushes and fsyncs the current segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.ro {
		return nil
	}
	head := MakeLSN(l.curNum, l.offset)
	if head == l.lastSync {
		return nil
	}
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.cur.Sync(); err != nil {
		return errors.Wrapf(err, "sync segment %d", l.curNum)
	}
	l.lastSync = head
	return nil
}

// Read fetches the entry at lsn.
func (l *Log) Read(lsn LSN) (*Entry, error) {
	if lsn == NullLSN {
		return nil, errors.New("read of null LSN")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if lsn.Segment() == l.curNum && lsn.Offset() >= l.flushed {
		if err := l.flushLocked(); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}
	l.mu.Unlock()

	cf, err := l.files.acquire(lsn.Segment())
	if err != nil {
		return nil, err
	}
	defer l.files.release(cf)

	var lenBuf [4]byte
	if _, err := cf.file.ReadAt(lenBuf[:], int64(lsn.Offset())); err != nil {
		return nil, errors.Wrapf(err, "read length at %s", lsn)
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n < HeaderSize {
		return nil, errors.Wrapf(ErrCorruptEntry, "entry at %s has length %d", lsn, n)
	}
	buf := bufferpool.Get(n)
	defer bufferpool.Put(buf)
	if _, err := cf.file.ReadAt(buf, int64(lsn.Offset())); err != nil {
		return nil, errors.Wrapf(err, "read entry at %s", lsn)
	}
	e, err := decodeEntry(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "entry at %s", lsn)
	}
	e.LSN = lsn
	return e, nil
}

// Segments lists the segments on disk.
func (l *Log) Segments() ([]uint32, error) {
	return ListSegments(l.dir)
}

// Dir returns the directory holding the segments.
func (l *Log) Dir() string { return l.dir }

// DeleteSegment removes segment num. The active segment cannot be deleted.
func (l *Log) DeleteSegment(num uint32) error {
	l.mu.Lock()
	active := num == l.curNum && !l.ro
	l.mu.Unlock()
	if active {
		return errors.Errorf("segment %d is the active segment", num)
	}
	l.files.evict(num)
	if err := os.Remove(SegmentPath(l.dir, num)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove segment %d", num)
	}
	return nil
}

// Close syncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.files.close()
	if l.cur == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		l.cur.Close()
		return errors.Wrapf(err, "flush segment %d", l.curNum)
	}
	if err := l.cur.Sync(); err != nil {
		l.cur.Close()
		return errors.Wrapf(err, "sync segment %d", l.curNum)
	}
	return l.cur.Close()
}
