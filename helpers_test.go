package lskv

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testOptions returns options for a fresh environment with the background
// workers off so tests drive cleaning and eviction themselves.
func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	opts.SegmentSize = 4 * KiB
	opts.DisableCleaner = true
	opts.DisableEvictor = true
	opts.Sync = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func openTest(t *testing.T, opts *Options) *DB {
	t.Helper()
	db, err := Open(opts)
	require.NoError(t, err)
	return db
}

func openDB(t *testing.T, db *DB, name string) *Database {
	t.Helper()
	d, err := db.OpenDatabase(name, &DatabaseConfig{AllowCreate: true})
	require.NoError(t, err)
	return d
}

// StateValidator tracks what a database should hold and checks it through
// point reads and a full cursor walk.
type StateValidator struct {
	d         *Database
	t         *testing.T
	knownData map[string][]byte
	mu        sync.RWMutex
}

func NewStateValidator(t *testing.T, d *Database) *StateValidator {
	return &StateValidator{d: d, t: t, knownData: make(map[string][]byte)}
}

func (sv *StateValidator) TrackPut(key, value []byte) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.knownData[string(key)] = bytes.Clone(value)
}

func (sv *StateValidator) TrackDelete(key []byte) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.knownData, string(key))
}

// Put writes and tracks.
func (sv *StateValidator) Put(key, value []byte) {
	sv.t.Helper()
	require.NoError(sv.t, sv.d.Put(key, value, nil))
	sv.TrackPut(key, value)
}

// Delete deletes and tracks.
func (sv *StateValidator) Delete(key []byte) {
	sv.t.Helper()
	require.NoError(sv.t, sv.d.Delete(key, nil))
	sv.TrackDelete(key)
}

// Rebind points the validator at a handle of a reopened environment.
func (sv *StateValidator) Rebind(d *Database) { sv.d = d }

func (sv *StateValidator) ValidateConsistency() {
	sv.t.Helper()
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	sv.validateAllDataPresent()
	sv.validateCursorConsistency()
}

func (sv *StateValidator) validateAllDataPresent() {
	for keyStr, expectedValue := range sv.knownData {
		actualValue, err := sv.d.Get([]byte(keyStr), nil)
		if err != nil {
			sv.t.Errorf("Key %q should exist but got error: %v", keyStr, err)
			continue
		}
		if !bytes.Equal(expectedValue, actualValue) {
			sv.t.Errorf("Key %q: expected %q, got %q", keyStr, expectedValue, actualValue)
		}
	}
}

// validateCursorConsistency walks the database and compares against the
// tracked keys in order; anything extra is phantom data.
func (sv *StateValidator) validateCursorConsistency() {
	expectedKeys := make([]string, 0, len(sv.knownData))
	for key := range sv.knownData {
		expectedKeys = append(expectedKeys, key)
	}
	sort.Strings(expectedKeys)

	c, err := sv.d.NewCursor(nil)
	if err != nil {
		sv.t.Errorf("NewCursor: %v", err)
		return
	}
	defer c.Close()

	var seenKeys []string
	for ok := c.First(); ok; ok = c.Next() {
		keyStr := string(c.Key())
		seenKeys = append(seenKeys, keyStr)
		expectedValue, exists := sv.knownData[keyStr]
		if !exists {
			sv.t.Errorf("Found phantom key %q that should not exist", keyStr)
			continue
		}
		if !bytes.Equal(expectedValue, c.Value()) {
			sv.t.Errorf("Cursor key %q: expected %q, got %q", keyStr, expectedValue, c.Value())
		}
	}
	if err := c.Err(); err != nil {
		sv.t.Errorf("Cursor error: %v", err)
	}
	if len(seenKeys) != len(expectedKeys) {
		sv.t.Errorf("Cursor saw %d keys, expected %d", len(seenKeys), len(expectedKeys))
	}
}

// RandomDataGenerator provides deterministic random data generation.
type RandomDataGenerator struct {
	rng *rand.Rand
}

func NewRandomDataGenerator(seed int64) *RandomDataGenerator {
	return &RandomDataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Key picks one of n keys.
func (g *RandomDataGenerator) Key(n int) []byte {
	return []byte(fmt.Sprintf("key-%05d", g.rng.Intn(n)))
}

// Value returns a value of size bytes.
func (g *RandomDataGenerator) Value(size int) []byte {
	v := make([]byte, size)
	for i := range v {
		v[i] = byte('a' + g.rng.Intn(26))
	}
	return v
}

// Intn exposes the generator for choosing operations.
func (g *RandomDataGenerator) Intn(n int) int { return g.rng.Intn(n) }
