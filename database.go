package lskv

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/twlk9/lskv/evictor"
	"github.com/twlk9/lskv/logfile"
	"github.com/twlk9/lskv/tree"
)

// DatabaseConfig controls OpenDatabase.
type DatabaseConfig struct {
	// AllowCreate creates the database if it does not exist.
	AllowCreate bool
	// Exclusive fails with ErrDatabaseExists if it does.
	Exclusive bool
	// CacheMode is the database's default cache mode. CacheUnset defers to
	// the environment. It is only applied when the database is created; use
	// SetCacheMode to change an existing one.
	CacheMode CacheMode
}

// Database is a named, ordered key space inside an environment. Handles are
// safe for concurrent use.
type Database struct {
	env  *DB
	id   uint32
	name string
	tree *tree.Tree

	mode    atomic.Uint32
	removed atomic.Bool
}

func (db *DB) newDatabase(id uint32, name string, mode CacheMode, rootLSN logfile.LSN) *Database {
	d := &Database{
		env:  db,
		id:   id,
		name: name,
		tree: db.env.OpenTree(id, rootLSN),
	}
	d.mode.Store(uint32(mode))
	return d
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// ID returns the internal id records of this database are logged under.
func (d *Database) ID() uint32 { return d.id }

// CacheMode returns the database's default cache mode.
func (d *Database) CacheMode() CacheMode { return CacheMode(d.mode.Load()) }

// SetCacheMode changes the database's default cache mode. It is persisted by
// the next checkpoint.
func (d *Database) SetCacheMode(m CacheMode) error {
	if m > CacheDynamic {
		return ErrInvalidCacheMode
	}
	d.mode.Store(uint32(m))
	return nil
}

// OpenDatabase returns the database called name, creating it when cfg allows.
// A creation is checkpointed before OpenDatabase returns.
func (db *DB) OpenDatabase(name string, cfg *DatabaseConfig) (*Database, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &DatabaseConfig{}
	}
	if name == "" {
		return nil, errors.Wrap(ErrDatabaseNotFound, "empty database name")
	}
	if cfg.CacheMode > CacheDynamic {
		return nil, ErrInvalidCacheMode
	}

	db.dbMu.Lock()
	if d, ok := db.databases.Load(name); ok {
		db.dbMu.Unlock()
		if cfg.Exclusive {
			return nil, errors.Wrapf(ErrDatabaseExists, "%q", name)
		}
		return d, nil
	}
	if !cfg.AllowCreate {
		db.dbMu.Unlock()
		return nil, errors.Wrapf(ErrDatabaseNotFound, "%q", name)
	}
	if db.options.ReadOnly {
		db.dbMu.Unlock()
		return nil, ErrReadOnly
	}
	id := db.nextDBID
	db.nextDBID++
	d := db.newDatabase(id, name, cfg.CacheMode, logfile.NullLSN)
	db.databases.Store(name, d)
	db.byID.Store(id, d)
	db.dbMu.Unlock()

	db.logger.Info("DATABASE_CREATED", "name", name, "id", id)
	if err := db.checkpoint(true); err != nil {
		return nil, err
	}
	return d, nil
}

// DatabaseNames lists the databases of the environment.
func (db *DB) DatabaseNames() []string {
	var names []string
	db.databases.Range(func(name string, _ *Database) bool {
		names = append(names, name)
		return true
	})
	return names
}

// RemoveDatabase deletes the database and counts everything it referenced as
// obsolete. Open handles fail with ErrDatabaseNotFound afterwards.
func (db *DB) RemoveDatabase(name string) error {
	if err := db.usable(); err != nil {
		return err
	}
	if db.options.ReadOnly {
		return ErrReadOnly
	}
	db.opMu.Lock()
	err := db.dropLocked(name)
	db.opMu.Unlock()
	if err != nil {
		return err
	}
	db.logger.Info("DATABASE_REMOVED", "name", name)
	return db.checkpoint(true)
}

// TruncateDatabase empties the database by replacing it with a fresh one of
// the same name and cache mode. The returned handle replaces the old one.
func (db *DB) TruncateDatabase(name string) (*Database, error) {
	if err := db.usable(); err != nil {
		return nil, err
	}
	if db.options.ReadOnly {
		return nil, ErrReadOnly
	}
	db.opMu.Lock()
	old, ok := db.databases.Load(name)
	if !ok {
		db.opMu.Unlock()
		return nil, errors.Wrapf(ErrDatabaseNotFound, "%q", name)
	}
	if err := db.dropLocked(name); err != nil {
		db.opMu.Unlock()
		return nil, err
	}
	db.dbMu.Lock()
	id := db.nextDBID
	db.nextDBID++
	d := db.newDatabase(id, name, old.CacheMode(), logfile.NullLSN)
	db.databases.Store(name, d)
	db.byID.Store(id, d)
	db.dbMu.Unlock()
	db.opMu.Unlock()

	db.logger.Info("DATABASE_TRUNCATED", "name", name, "old_id", old.id, "id", id)
	if err := db.checkpoint(true); err != nil {
		return nil, err
	}
	return d, nil
}

// dropLocked unregisters name. The caller holds opMu exclusively.
func (db *DB) dropLocked(name string) error {
	db.dbMu.Lock()
	d, ok := db.databases.Load(name)
	if ok {
		db.databases.Delete(name)
		db.byID.Delete(d.id)
		d.removed.Store(true)
	}
	db.dbMu.Unlock()
	if !ok {
		return errors.Wrapf(ErrDatabaseNotFound, "%q", name)
	}
	if err := d.tree.CountAllObsolete(); err != nil {
		return db.fail(errors.Wrapf(err, "count obsolete entries of %q", name))
	}
	db.env.DropTree(d.id)
	return nil
}

// enter admits one operation on d. On success the caller must call
// d.env.opMu.RUnlock.
func (d *Database) enter(write bool) error {
	if err := d.env.enter(write); err != nil {
		return err
	}
	if d.removed.Load() {
		d.env.opMu.RUnlock()
		return errors.Wrapf(ErrDatabaseNotFound, "%q", d.name)
	}
	return nil
}

func (d *Database) resolve(op CacheMode) CacheMode {
	return evictor.Resolve(op, d.CacheMode(), d.env.options.CacheMode, d.env.options.CacheModeStrategy)
}

// afterOp applies the cache mode once the operation left bin.
func (d *Database) afterOp(mode CacheMode, bin *tree.Node, key []byte) error {
	if bin == nil {
		return nil
	}
	var err error
	switch mode {
	case CacheEvictLN:
		d.env.evictor.EvictLN(d.tree, bin, key)
	case CacheEvictBIN:
		err = d.env.evictor.EvictBIN(bin)
	case CacheMakeCold:
		err = d.env.evictor.MakeCold(bin)
	}
	if err != nil {
		return d.env.fail(err)
	}
	return nil
}

// Put stores value under key.
func (d *Database) Put(key, value []byte, opts *WriteOptions) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if !validValue(value) {
		return ErrInvalidValue
	}
	if opts == nil {
		opts = d.env.defaultWriteOpts
	}
	if err := d.enter(true); err != nil {
		return err
	}
	mode := d.resolve(opts.CacheMode)
	bin, err := d.tree.Put(key, value, mode.Touch())
	if err == nil {
		err = d.afterOp(mode, bin, key)
	} else {
		err = d.env.fail(errors.Wrap(err, "put"))
	}
	d.env.opMu.RUnlock()
	if err != nil {
		return err
	}
	return d.env.finishWrite(opts)
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Database) Delete(key []byte, opts *WriteOptions) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if opts == nil {
		opts = d.env.defaultWriteOpts
	}
	if err := d.enter(true); err != nil {
		return err
	}
	mode := d.resolve(opts.CacheMode)
	bin, err := d.tree.Delete(key, mode.Touch())
	switch {
	case errors.Is(err, tree.ErrNotFound):
		err = d.afterOp(mode, bin, key)
	case err != nil:
		err = d.env.fail(errors.Wrap(err, "delete"))
	default:
		err = d.afterOp(mode, bin, key)
	}
	d.env.opMu.RUnlock()
	if err != nil {
		return err
	}
	return d.env.finishWrite(opts)
}

// Get returns the value of key, or ErrNotFound.
func (d *Database) Get(key []byte, opts *ReadOptions) ([]byte, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	if opts == nil {
		opts = DefaultReadOptions()
	}
	if err := d.enter(false); err != nil {
		return nil, err
	}
	defer d.env.opMu.RUnlock()
	e := d.env.epochs.Enter()
	defer d.env.epochs.Exit(e)

	mode := d.resolve(opts.CacheMode)
	value, bin, err := d.tree.Get(key, mode.Touch(), mode.CacheValue())
	if errors.Is(err, tree.ErrNotFound) {
		if aerr := d.afterOp(mode, bin, key); aerr != nil {
			return nil, aerr
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, d.env.fail(errors.Wrap(err, "get"))
	}
	if err := d.afterOp(mode, bin, key); err != nil {
		return nil, err
	}
	return value, nil
}

// finishWrite syncs when asked and nudges the checkpointer.
func (db *DB) finishWrite(opts *WriteOptions) error {
	if opts.Sync {
		if err := db.log.Sync(); err != nil {
			return db.fail(errors.Wrap(err, "sync log"))
		}
	}
	db.maybeCheckpoint()
	return nil
}
