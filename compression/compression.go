// Package compression encodes record payloads before they are appended to the
// log. Every stored payload carries the Type that produced it so a reader never
// needs to know how the writer was configured.
package compression

import (
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
)

// Type identifies a payload encoding. The numeric values are written to disk.
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
	S2
)

// MinPayloadSize is the smallest payload worth compressing. Below this the
// encoder overhead eats whatever we would save.
const MinPayloadSize = 256

// ErrUnknownType is returned for an encoding byte we do not understand.
var ErrUnknownType = errors.New("unknown compression type")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseType maps a config string onto a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	}
	return None, errors.Wrapf(ErrUnknownType, "%q", s)
}

// Config selects the codec used for new payloads.
type Config struct {
	Type Type

	// MinReductionPercent is how much smaller the encoded form must be
	// before we keep it. Anything less and the payload is stored raw.
	MinReductionPercent int
}

// DefaultConfig is S2 with a 12% cutoff.
func DefaultConfig() Config {
	return Config{Type: S2, MinReductionPercent: 12}
}

// Codec compresses payloads for one environment. Safe for concurrent use.
type Codec struct {
	cfg Config
}

// NewCodec validates cfg and returns a codec.
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.Type > S2 {
		return nil, errors.Wrapf(ErrUnknownType, "type %d", cfg.Type)
	}
	if cfg.MinReductionPercent < 0 || cfg.MinReductionPercent > 100 {
		return nil, errors.Errorf("min reduction percent %d out of range", cfg.MinReductionPercent)
	}
	return &Codec{cfg: cfg}, nil
}

// Type returns the configured encoding.
func (c *Codec) Type() Type {
	return c.cfg.Type
}

// Encode compresses src into dst when it pays off. It returns the bytes to
// store and the Type they were stored with, which is None when compression
// was skipped.
func (c *Codec) Encode(dst, src []byte) ([]byte, Type) {
	if c == nil || c.cfg.Type == None || len(src) < MinPayloadSize {
		return raw(dst, src), None
	}

	var out []byte
	switch c.cfg.Type {
	case Snappy:
		out = snappy.Encode(dst[:cap(dst)], src)
	case S2:
		out = s2.Encode(dst[:cap(dst)], src)
	case Zstd:
		out = zstdEncode(dst[:0], src)
	}

	saved := (len(src) - len(out)) * 100 / len(src)
	if saved < c.cfg.MinReductionPercent {
		return raw(dst, src), None
	}
	return out, c.cfg.Type
}

// Decode reverses Encode for a payload stored with t.
func Decode(dst, src []byte, t Type) ([]byte, error) {
	switch t {
	case None:
		return raw(dst, src), nil
	case Snappy:
		out, err := snappy.Decode(dst[:cap(dst)], src)
		return out, errors.Wrap(err, "snappy decode")
	case S2:
		out, err := s2.Decode(dst[:cap(dst)], src)
		return out, errors.Wrap(err, "s2 decode")
	case Zstd:
		return zstdDecode(dst[:0], src)
	}
	return nil, errors.Wrapf(ErrUnknownType, "type %d", t)
}

func raw(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}
