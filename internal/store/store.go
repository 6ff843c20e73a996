// Package store defines the key–value capability the node consumes and
// its in-memory implementation. Persistence and eviction are out of
// scope; the node only needs point operations and a size.
package store

import "slotkv/internal/status"

// KeyValueStore is the contract between the node and its storage
// backend. Keys are UTF-8 strings, values owned byte sequences.
type KeyValueStore interface {
	Put(key string, value []byte) status.Status
	Get(key string) ([]byte, status.Status)
	Erase(key string) status.Status
	Contains(key string) bool
	Size() uint64
}
