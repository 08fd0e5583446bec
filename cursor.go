package lskv

import (
	"github.com/pkg/errors"

	"github.com/twlk9/lskv/tree"
)

// Cursor walks a database in key order. It is not safe for concurrent use.
// The cursor's cache mode takes effect as it moves: with CacheEvictLN the
// value of the record it leaves is dropped, with CacheEvictBIN or
// CacheMakeCold the leaf it leaves is evicted.
//
// A cursor sees each record as of the moment it steps onto it; it is not a
// snapshot.
type Cursor struct {
	d     *Database
	mode  CacheMode
	epoch uint64

	key   []byte
	value []byte
	bin   *tree.Node
	valid bool
	err   error

	closed bool
}

// NewCursor opens a cursor positioned nowhere; call First or Seek.
func (d *Database) NewCursor(opts *ReadOptions) (*Cursor, error) {
	if err := d.env.usable(); err != nil {
		return nil, err
	}
	if d.removed.Load() {
		return nil, errors.Wrapf(ErrDatabaseNotFound, "%q", d.name)
	}
	if opts == nil {
		opts = DefaultReadOptions()
	}
	return &Cursor{
		d:     d,
		mode:  d.resolve(opts.CacheMode),
		epoch: d.env.epochs.Enter(),
	}, nil
}

// First moves to the smallest key.
func (c *Cursor) First() bool {
	return c.move(nil, false)
}

// Seek moves to the first key >= target.
func (c *Cursor) Seek(target []byte) bool {
	return c.move(target, false)
}

// Next moves to the following key.
func (c *Cursor) Next() bool {
	if !c.valid {
		return false
	}
	return c.move(c.key, true)
}

func (c *Cursor) move(from []byte, strict bool) bool {
	if c.closed {
		c.err = ErrCursorClosed
		return false
	}
	if c.err != nil {
		return false
	}
	if err := c.d.enter(false); err != nil {
		c.err = err
		c.valid = false
		return false
	}
	defer c.d.env.opMu.RUnlock()

	key, value, bin, err := c.d.tree.Next(from, strict, c.mode.Touch(), c.mode.CacheValue())
	if err != nil && !errors.Is(err, tree.ErrNotFound) {
		c.err = c.d.env.fail(errors.Wrap(err, "cursor"))
		c.valid = false
		return false
	}
	if lerr := c.leave(key, bin); lerr != nil {
		c.err = lerr
		c.valid = false
		return false
	}
	if err != nil {
		c.key, c.value, c.bin, c.valid = nil, nil, nil, false
		return false
	}
	c.key, c.value, c.bin, c.valid = key, value, bin, true
	return true
}

// leave applies the cache mode to the position being left for (key, bin).
func (c *Cursor) leave(key []byte, bin *tree.Node) error {
	if !c.valid || c.bin == nil {
		return nil
	}
	switch c.mode {
	case CacheEvictLN:
		if key == nil || string(key) != string(c.key) {
			c.d.env.evictor.EvictLN(c.d.tree, c.bin, c.key)
		}
	case CacheEvictBIN, CacheMakeCold:
		if bin != c.bin {
			return c.d.afterOp(c.mode, c.bin, c.key)
		}
	}
	return nil
}

// Valid reports whether the cursor is on a record.
func (c *Cursor) Valid() bool { return c.valid && c.err == nil }

// Key returns the current key. The slice belongs to the caller.
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.key
}

// Value returns the current value. The slice belongs to the caller.
func (c *Cursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.value
}

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Close applies the cache mode to the last position and releases the cursor.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.d.env.epochs.Exit(c.epoch)
	if c.valid && c.d.env.usable() == nil && !c.d.removed.Load() {
		c.d.env.opMu.RLock()
		err := c.leave(nil, nil)
		c.d.env.opMu.RUnlock()
		c.valid = false
		return err
	}
	c.valid = false
	return nil
}
