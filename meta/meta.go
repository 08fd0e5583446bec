// Package meta is the durable metadata of an environment: the last
// checkpoint, the database registry, the per-segment utilization rows and
// the cleaner's calculator state. It lives in a bbolt file next to the log.
// The file is opened only for the duration of a load or a save so that
// read-only processes can open it between checkpoints.
package meta

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/twlk9/lskv/cleaner"
)

// FileName is the metadata file inside the environment directory.
const FileName = "META"

var (
	checkpointBucket  = []byte("checkpoint")
	databasesBucket   = []byte("databases")
	utilizationBucket = []byte("utilization")
	cleanerBucket     = []byte("cleaner")

	checkpointKey = []byte("cp")
	calculatorKey = []byte("calc")
)

// ErrNotFound is returned by Load when no checkpoint was ever saved.
var ErrNotFound = errors.New("no metadata")

// Checkpoint locates the last completed checkpoint in the log. Replay starts
// at StartLSN; entries before EndLSN are already counted in the utilization
// rows.
type Checkpoint struct {
	Seq      uint64 `msgpack:"seq"`
	StartLSN uint64 `msgpack:"start"`
	EndLSN   uint64 `msgpack:"end"`
	NextDBID uint32 `msgpack:"next_db"`
	UnixNano int64  `msgpack:"time"`
}

// Database is one registry row.
type Database struct {
	ID        uint32 `msgpack:"id"`
	Name      string `msgpack:"name"`
	RootLSN   uint64 `msgpack:"root"`
	CacheMode uint8  `msgpack:"cache_mode"`
}

// State is everything a checkpoint records.
type State struct {
	Checkpoint  Checkpoint
	Databases   []Database
	Calculator  cleaner.CalculatorState
	Utilization map[uint32]cleaner.FileSummary
}

// Store reads and writes the metadata file.
type Store struct {
	path     string
	readOnly bool
	timeout  time.Duration
	retries  uint64
	logger   *slog.Logger
}

// New returns a store for the metadata file in dir.
func New(dir string, readOnly bool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		path:     filepath.Join(dir, FileName),
		readOnly: readOnly,
		timeout:  200 * time.Millisecond,
		retries:  10,
		logger:   logger.With("component", "meta"),
	}
}

// Path returns the metadata file path.
func (s *Store) Path() string { return s.path }

// open opens the bolt file, retrying while another process holds it.
func (s *Store) open(readOnly bool) (*bolt.DB, error) {
	var db *bolt.DB
	op := func() error {
		var err error
		db, err = bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
		if err == nil {
			return nil
		}
		if errors.Is(err, bolt.ErrTimeout) {
			s.logger.Debug("META_BUSY", "path", s.path)
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.retries)
	if err := backoff.Retry(op, b); err != nil {
		return nil, errors.Wrapf(err, "open %q", s.path)
	}
	return db, nil
}

// Load reads the saved state. ErrNotFound means a fresh environment.
func (s *Store) Load() (*State, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	db, err := s.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	st := &State{Utilization: make(map[uint32]cleaner.FileSummary)}
	err = db.View(func(tx *bolt.Tx) error {
		cp := tx.Bucket(checkpointBucket)
		if cp == nil {
			return ErrNotFound
		}
		raw := cp.Get(checkpointKey)
		if raw == nil {
			return ErrNotFound
		}
		if err := msgpack.Unmarshal(raw, &st.Checkpoint); err != nil {
			return errors.Wrap(err, "decode checkpoint")
		}

		if b := tx.Bucket(databasesBucket); b != nil {
			if err := b.ForEach(func(_, v []byte) error {
				var d Database
				if err := msgpack.Unmarshal(v, &d); err != nil {
					return errors.Wrap(err, "decode database")
				}
				st.Databases = append(st.Databases, d)
				return nil
			}); err != nil {
				return err
			}
		}

		if b := tx.Bucket(utilizationBucket); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var fs cleaner.FileSummary
				if err := msgpack.Unmarshal(v, &fs); err != nil {
					return errors.Wrapf(err, "decode utilization of segment %d", segFromKey(k))
				}
				st.Utilization[segFromKey(k)] = fs
				return nil
			}); err != nil {
				return err
			}
		}

		if b := tx.Bucket(cleanerBucket); b != nil {
			if raw := b.Get(calculatorKey); raw != nil {
				if err := msgpack.Unmarshal(raw, &st.Calculator); err != nil {
					return errors.Wrap(err, "decode calculator state")
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Save writes a checkpoint in one transaction. The registry and calculator
// state are replaced; only the utilization rows in changed are written and
// the ones in removed deleted.
func (s *Store) Save(cp Checkpoint, dbs []Database, calc cleaner.CalculatorState,
	changed map[uint32]cleaner.FileSummary, removed []uint32) error {
	if s.readOnly {
		return errors.New("metadata store is read-only")
	}
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		cpb, err := tx.CreateBucketIfNotExists(checkpointBucket)
		if err != nil {
			return errors.Wrap(err, "create checkpoint bucket")
		}
		raw, err := msgpack.Marshal(&cp)
		if err != nil {
			return errors.Wrap(err, "encode checkpoint")
		}
		if err := cpb.Put(checkpointKey, raw); err != nil {
			return errors.Wrap(err, "put checkpoint")
		}

		if tx.Bucket(databasesBucket) != nil {
			if err := tx.DeleteBucket(databasesBucket); err != nil {
				return errors.Wrap(err, "reset databases")
			}
		}
		dbb, err := tx.CreateBucket(databasesBucket)
		if err != nil {
			return errors.Wrap(err, "create databases bucket")
		}
		for _, d := range dbs {
			raw, err := msgpack.Marshal(&d)
			if err != nil {
				return errors.Wrapf(err, "encode database %q", d.Name)
			}
			if err := dbb.Put([]byte(d.Name), raw); err != nil {
				return errors.Wrapf(err, "put database %q", d.Name)
			}
		}

		ub, err := tx.CreateBucketIfNotExists(utilizationBucket)
		if err != nil {
			return errors.Wrap(err, "create utilization bucket")
		}
		for seg, fs := range changed {
			raw, err := msgpack.Marshal(&fs)
			if err != nil {
				return errors.Wrapf(err, "encode utilization of segment %d", seg)
			}
			if err := ub.Put(segKey(seg), raw); err != nil {
				return errors.Wrapf(err, "put utilization of segment %d", seg)
			}
		}
		for _, seg := range removed {
			if err := ub.Delete(segKey(seg)); err != nil {
				return errors.Wrapf(err, "delete utilization of segment %d", seg)
			}
		}

		cb, err := tx.CreateBucketIfNotExists(cleanerBucket)
		if err != nil {
			return errors.Wrap(err, "create cleaner bucket")
		}
		raw, err = msgpack.Marshal(&calc)
		if err != nil {
			return errors.Wrap(err, "encode calculator state")
		}
		return errors.Wrap(cb.Put(calculatorKey, raw), "put calculator state")
	})
}

func segKey(seg uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, seg)
	return k
}

func segFromKey(k []byte) uint32 {
	if len(k) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(k)
}
