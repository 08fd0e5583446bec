//go:build !windows

package lskv

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Locker is an interface for a file-based lock.
type Locker interface {
	// Lock acquires the lock without blocking.
	Lock() error
	// Unlock releases the lock.
	Unlock() error
}

// fileLocker implements the Locker interface using syscall.Flock.
type fileLocker struct {
	file *os.File
}

// newFileLocker creates the writer lock for the environment directory. The
// lock file is named "LOCK" and placed inside the directory.
func newFileLocker(dir string) (Locker, error) {
	lockPath := filepath.Join(dir, "LOCK")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", lockPath)
	}
	return &fileLocker{file: file}, nil
}

// Lock acquires an exclusive lock on the file descriptor.
// It will not block if the lock is unavailable.
func (l *fileLocker) Lock() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		l.file.Close()
		return ErrDBAlreadyOpen
	}
	if err != nil {
		l.file.Close()
		return errors.Wrap(err, "acquire file lock")
	}
	return nil
}

// Unlock releases the file lock and closes the file.
func (l *fileLocker) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Wrap(err, "release file lock")
	}
	return errors.Wrap(l.file.Close(), "close lock file")
}

const (
	readerLockPrefix = "reader-"
	readerLockExt    = ".lck"
)

// readerLock is held by a read-only process while it is open. The file
// records the highest segment the process may read; the writer leaves that
// segment and every older one alone until the lock goes away.
type readerLock struct {
	file *os.File
	path string
}

func acquireReaderLock(dir string, lastSegment uint32) (*readerLock, error) {
	path := filepath.Join(dir, readerLockPrefix+uuid.NewString()+readerLockExt)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create reader lock %s", path)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_SH|syscall.LOCK_NB); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "lock %s", path)
	}
	if _, err := file.WriteString(strconv.FormatUint(uint64(lastSegment), 10)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "write %s", path)
	}
	return &readerLock{file: file, path: path}, nil
}

func (r *readerLock) Release() error {
	syscall.Flock(int(r.file.Fd()), syscall.LOCK_UN)
	err := r.file.Close()
	if rerr := os.Remove(r.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return errors.Wrapf(err, "release reader lock %s", r.path)
}

// readerFloor returns the highest segment some live read-only process
// depends on, and false when there is none. Lock files nobody holds are
// left over from a crashed reader and are removed.
func readerFloor(dir string) (uint32, bool, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, errors.Wrapf(err, "list %s", dir)
	}
	var (
		floor uint32
		found bool
	)
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, readerLockPrefix) || !strings.HasSuffix(name, readerLockExt) {
			continue
		}
		path := filepath.Join(dir, name)
		seg, held, err := probeReaderLock(path)
		if err != nil {
			return 0, false, err
		}
		if !held {
			os.Remove(path)
			continue
		}
		if !found || seg > floor {
			floor, found = seg, true
		}
	}
	return floor, found, nil
}

func probeReaderLock(path string) (uint32, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()
	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		return 0, false, nil
	}
	if err != syscall.EWOULDBLOCK {
		return 0, false, errors.Wrapf(err, "probe %s", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false, errors.Wrapf(err, "read %s", path)
	}
	seg, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		// Still being written; hold everything back.
		return ^uint32(0), true, nil
	}
	return uint32(seg), true, nil
}
