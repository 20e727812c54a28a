// Package storage defines the string key/value store the config cache persists into.
package storage

import "context"

// Store is a string-keyed persistent store with prefix listing.
// Values are opaque strings; callers serialize records themselves.
type Store interface {
	// Get returns the stored value and whether the key exists
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key, overwriting any prior value
	Set(ctx context.Context, key, value string) error
	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present without reading its value
	Exists(ctx context.Context, key string) (bool, error)
	// Keys lists every key starting with prefix, in no particular order
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
