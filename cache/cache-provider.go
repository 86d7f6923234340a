// Package cache holds the named cache stores the offline proxy reads from
// and writes to, and the storage backends that persist them.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreNotFound is returned when writing to a store that no longer exists,
// e.g. because activation deleted it while a request was still using it.
var ErrStoreNotFound = errors.New("cache: store not found")

// Storage is the set of named stores available to the proxy.
// A store name carries its version, e.g. "ifd-shell-v1".
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the store with the given name, creating it if absent.
	// Opening is idempotent.
	Open(ctx context.Context, name string) (Store, error)
	// Get returns the store with the given name if it exists. It never creates one.
	Get(ctx context.Context, name string) (Store, bool, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names returns the names of all stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the store and all its entries.
	// It reports whether a store was actually removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the resources held by the storage.
	Close() error
}

// Store maps request keys to serialized response snapshots.
// Writes are atomic per key: a reader sees either the old or the new entry,
// never a partial one.
type Store interface {
	Name() string
	// Match returns the entry stored under key, if it exists.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	// A replaced entry moves to the end of the insertion order.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// Match looks key up in every store of the storage, in store creation order,
// and returns the first entry found.
// Stores deleted between listing and lookup are skipped.
func Match(ctx context.Context, s Storage, key string) (Entry, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, name := range names {
		store, ok, err := s.Get(ctx, name)
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			continue
		}
		entry, ok, err := store.Match(ctx, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}
