package evictor

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/tree"
)

// CacheMode biases how an operation affects the cache.
type CacheMode uint8

const (
	// Unset defers to the next level of configuration.
	Unset CacheMode = iota
	// Default bumps the generation of every node on the path.
	Default
	// Unchanged leaves generations alone.
	Unchanged
	// KeepHot pins touched nodes so LRU never picks them.
	KeepHot
	// MakeCold drops the leaf to the coldest generation and evicts it when
	// the cache is over budget.
	MakeCold
	// EvictLN drops the record value once the operation moves off it.
	EvictLN
	// EvictBIN evicts the leaf once the operation moves off it.
	EvictBIN
	// Dynamic asks the Strategy.
	Dynamic
)

var modeNames = map[CacheMode]string{
	Unset:     "UNSET",
	Default:   "DEFAULT",
	Unchanged: "UNCHANGED",
	KeepHot:   "KEEP_HOT",
	MakeCold:  "MAKE_COLD",
	EvictLN:   "EVICT_LN",
	EvictBIN:  "EVICT_BIN",
	Dynamic:   "DYNAMIC",
}

func (m CacheMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// ErrUnknownCacheMode is returned by ParseCacheMode.
var ErrUnknownCacheMode = errors.New("unknown cache mode")

// ParseCacheMode accepts the names printed by String, case-insensitively.
func ParseCacheMode(s string) (CacheMode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Unset, errors.Wrapf(ErrUnknownCacheMode, "%q", s)
}

// Strategy picks the mode of one operation when Dynamic is in effect.
type Strategy func() CacheMode

// Resolve returns the mode in effect for an operation: the operation's own
// mode, else its database's, else the environment's. Dynamic consults
// strategy once; no strategy, or one that answers Dynamic or Unset, means
// Default.
func Resolve(op, container, env CacheMode, strategy Strategy) CacheMode {
	m := Default
	for _, c := range []CacheMode{op, container, env} {
		if c != Unset {
			m = c
			break
		}
	}
	if m != Dynamic {
		return m
	}
	if strategy == nil {
		return Default
	}
	switch m = strategy(); m {
	case Unset, Dynamic:
		return Default
	}
	return m
}

// Touch is the generation policy of the mode.
func (m CacheMode) Touch() tree.Touch {
	switch m {
	case Unchanged:
		return tree.Touch{Upper: tree.GenKeep, Leaf: tree.GenKeep}
	case KeepHot:
		return tree.Touch{Upper: tree.GenMax, Leaf: tree.GenMax}
	case MakeCold:
		return tree.Touch{Upper: tree.GenKeep, Leaf: tree.GenMin}
	case EvictBIN:
		return tree.Touch{Upper: tree.GenKeep, Leaf: tree.GenKeep}
	default:
		return tree.DefaultTouch
	}
}

// CacheValue reports whether a record value read from the log should be
// kept in the BIN.
func (m CacheMode) CacheValue() bool {
	return m != EvictLN && m != EvictBIN
}
