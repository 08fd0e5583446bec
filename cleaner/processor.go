package cleaner

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/logfile"
	"github.com/twlk9/lskv/tree"
)

// Index answers liveness questions against the live trees.
type Index interface {
	// ProcessEntry reports whether e is still referenced and, unless mode is
	// tree.CheckOnly, migrates it when it is. Entries of databases that were
	// removed or truncated are never live.
	ProcessEntry(e *logfile.Entry, mode tree.MigrateMode) (bool, error)
}

// FatalError wraps a failure that leaves the log behind the cache, such as a
// failed write during migration. The environment must stop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "cleaner: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Hooks observe the processor's decision points. All may be nil.
type Hooks struct {
	// BeforeEntry runs before an entry's liveness is checked.
	BeforeEntry func(seg uint32, e *logfile.Entry)
	// AfterEntry runs once the entry was judged and, if live, migrated.
	AfterEntry func(seg uint32, e *logfile.Entry, live bool)
}

// Result is what processing one segment found.
type Result struct {
	Segment    uint32
	Probe      bool
	Entries    int
	Live       int
	Migrated   int
	Obsolete   int
	Estimated  FileSummary
	True       FileSummary
	Adjustment Adjustment
	Duration   time.Duration
}

// Processor reads a segment front to back and decides the fate of every entry.
type Processor struct {
	dir     string
	profile *Profile
	calc    *Calculator
	index   Index
	lazy    bool
	hooks   Hooks
	logger  *slog.Logger
}

// NewProcessor builds a processor over the segments in dir.
func NewProcessor(dir string, profile *Profile, calc *Calculator, index Index, lazy bool, hooks Hooks, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		dir:     dir,
		profile: profile,
		calc:    calc,
		index:   index,
		lazy:    lazy,
		hooks:   hooks,
		logger:  logger,
	}
}

// Process reads every entry of seg. A probe only measures; otherwise live
// entries are migrated, eagerly or lazily. Either way the full read yields the
// segment's true summary, which feeds the calculator. Cancelling ctx aborts
// between entries; the segment can simply be processed again later.
func (p *Processor) Process(ctx context.Context, seg uint32, probe bool) (Result, error) {
	start := time.Now()
	res := Result{Segment: seg, Probe: probe, Estimated: p.profile.Summary(seg)}

	mode := tree.Eager
	switch {
	case probe:
		mode = tree.CheckOnly
	case p.lazy:
		mode = tree.Lazy
	}

	r, err := logfile.OpenSegmentReader(p.dir, seg)
	if err != nil {
		return res, err
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, err
		}
		if p.hooks.BeforeEntry != nil {
			p.hooks.BeforeEntry(seg, e)
		}

		live, err := p.index.ProcessEntry(e, mode)
		if err != nil {
			return res, &FatalError{Err: errors.Wrapf(err, "segment %d entry %s", seg, e.LSN)}
		}
		res.Entries++
		res.True.addNew(e.Kind, e.Size)
		if live {
			res.Live++
			if mode != tree.CheckOnly {
				res.Migrated++
			}
		} else {
			res.Obsolete++
			res.True.addObsolete(e.Kind, e.Size)
		}

		if p.hooks.AfterEntry != nil {
			p.hooks.AfterEntry(seg, e, live)
		}
	}

	res.Adjustment = p.calc.Adjust(seg, res.Estimated, res.True, probe)
	res.Duration = time.Since(start)
	return res, nil
}
