package logfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	segmentExt = ".lsk"

	// FirstOffset is where the first entry of every segment starts.
	FirstOffset = 16
)

var segmentMagic = [8]byte{'L', 'S', 'K', 'V', 'S', 'E', 'G', '1'}

// ErrBadSegment is returned when a file does not look like one of ours.
var ErrBadSegment = errors.New("not a log segment")

// SegmentPath returns the file name for segment num in dir.
func SegmentPath(dir string, num uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", num, segmentExt))
}

// ListSegments returns the segment numbers present in dir, ascending.
func ListSegments(dir string) ([]uint32, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list segments in %s", dir)
	}
	var nums []uint32
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 32)
		if err != nil {
			continue
		}
		nums = append(nums, uint32(n))
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func writeSegmentHeader(f *os.File, num uint32) error {
	var hdr [FirstOffset]byte
	copy(hdr[:8], segmentMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:], num)
	_, err := f.WriteAt(hdr[:], 0)
	return err
}

func checkSegmentHeader(f io.ReaderAt, num uint32) error {
	var hdr [FirstOffset]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return errors.Wrapf(ErrBadSegment, "segment %d header: %v", num, err)
	}
	if [8]byte(hdr[:8]) != segmentMagic {
		return errors.Wrapf(ErrBadSegment, "segment %d magic", num)
	}
	if got := binary.LittleEndian.Uint32(hdr[8:]); got != num {
		return errors.Wrapf(ErrBadSegment, "segment %d claims to be %d", num, got)
	}
	return nil
}
