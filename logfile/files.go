package logfile

import (
	"container/list"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// fileCache keeps a bounded number of segment files open for random reads.
// Handles are reference counted so an LRU eviction or a segment deletion
// never closes a file underneath a read in flight.
type fileCache struct {
	dir      string
	capacity int

	mu      sync.Mutex
	entries map[uint32]*cachedFile
	lru     *list.List
	closed  bool
}

type cachedFile struct {
	num     uint32
	file    *os.File
	refs    int
	dead    bool
	element *list.Element
}

func newFileCache(dir string, capacity int) *fileCache {
	return &fileCache{
		dir:      dir,
		capacity: max(capacity, 1),
		entries:  make(map[uint32]*cachedFile),
		lru:      list.New(),
	}
}

// acquire returns an open handle for segment num. Call release when done.
func (fc *fileCache) acquire(num uint32) (*cachedFile, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil, ErrClosed
	}

	if cf, ok := fc.entries[num]; ok {
		cf.refs++
		fc.lru.MoveToFront(cf.element)
		return cf, nil
	}

	f, err := os.Open(SegmentPath(fc.dir, num))
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d", num)
	}
	cf := &cachedFile{num: num, file: f, refs: 1}
	cf.element = fc.lru.PushFront(cf)
	fc.entries[num] = cf

	for fc.lru.Len() > fc.capacity {
		oldest := fc.lru.Back().Value.(*cachedFile)
		if oldest == cf {
			break
		}
		fc.dropLocked(oldest)
	}
	return cf, nil
}

func (fc *fileCache) release(cf *cachedFile) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	cf.refs--
	if cf.dead && cf.refs == 0 {
		cf.file.Close()
	}
}

// evict forgets segment num, closing it once the last reader is done.
func (fc *fileCache) evict(num uint32) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if cf, ok := fc.entries[num]; ok {
		fc.dropLocked(cf)
	}
}

func (fc *fileCache) dropLocked(cf *cachedFile) {
	fc.lru.Remove(cf.element)
	delete(fc.entries, cf.num)
	cf.dead = true
	if cf.refs == 0 {
		cf.file.Close()
	}
}

func (fc *fileCache) close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.closed = true
	for _, cf := range fc.entries {
		fc.dropLocked(cf)
	}
}
