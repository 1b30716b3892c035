// Package kvstore implements the KeyValueStore contract (spec.md §4.2):
// an abstract, prefix-scoped, byte-string map. Memory, file, and
// Postgres backends all satisfy the same Store interface so callers
// (KeyshareStore, Session) can swap persistence without caring which
// is in use.
package kvstore

import "errors"

// ErrNotFound is returned by Get when key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the abstract persistent byte-string map. Implementations
// MUST be concurrency-safe for independent keys. Keys passed to and
// returned from a Store are always unprefixed; the prefix supplied at
// construction is an implementation detail hidden from callers.
type Store interface {
	// Save writes value under key, replacing any existing value.
	Save(key string, value []byte) error
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Remove deletes key. Removing an absent key is not an error.
	Remove(key string) error
	// Clear deletes every key owned by this store (i.e. within its
	// prefix scope).
	Clear() error
	// Keys returns every key currently stored, unprefixed.
	Keys() ([]string, error)
	// IsAvailable reports whether the backing medium is currently
	// reachable (e.g. a live DB connection), without mutating state.
	IsAvailable() bool
}
