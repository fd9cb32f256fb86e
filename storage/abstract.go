package storage

import "github.com/pkg/errors"

var (
	ErrNotFound   = errors.New("key not found")
	ErrInvalidKey = errors.New("key is not valid utf-8")
)

// KV is the keyspace as seen by the transport. Implementations must be safe
// for concurrent use.
type KV interface {
	// Get returns the visible value of key or ErrNotFound.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}
