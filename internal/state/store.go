// Package state holds the key-ordered partition state store.
//
// Keys are strings compared byte-wise; every component that needs an
// ordered index (deadline keys, distribution records) encodes the order into
// the key itself. A store is owned by one partition actor and is not safe
// for concurrent use unless the implementation says otherwise.
package state

import (
	"errors"
	"strings"
)

// ErrStoreClosed is returned by every operation after Close.
var ErrStoreClosed = errors.New("state store is closed")

// Entry is one key/value pair.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// ScanFunc receives entries in ascending key order. Returning false stops
// the scan. It must not mutate the store it is scanning.
type ScanFunc func(key string, value []byte) bool

// Reader is the read side handed to scheduled tasks and queries.
type Reader interface {
	Get(key string) ([]byte, bool, error)
	// Scan visits every key >= from in ascending order.
	Scan(from string, fn ScanFunc) error
}

// Store is a key-ordered store with forward scans from a cursor.
type Store interface {
	Reader
	Put(key string, value []byte) error
	Delete(key string) error

	// Export returns every entry in key order; Import replaces the whole
	// content. Both back partition snapshots.
	Export() ([]Entry, error)
	Import(entries []Entry) error

	Close() error
}

// ScanPrefix visits keys that start with prefix and are >= from. An empty
// from (or one sorting before prefix) starts at the first prefixed key.
func ScanPrefix(r Reader, prefix, from string, fn ScanFunc) error {
	if from < prefix {
		from = prefix
	}
	return r.Scan(from, func(key string, value []byte) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return fn(key, value)
	})
}

// Count returns the number of keys under prefix.
func Count(r Reader, prefix string) (int, error) {
	n := 0
	err := ScanPrefix(r, prefix, "", func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}
