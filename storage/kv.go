package storage

import (
	"errors"
)

var ErrKeyNotFound error = errors.New("key not found")

// KV is the persistence contract the core depends on. Values are opaque blobs;
// the core never assumes a file or database layout behind them.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Del(key string) error
	Has(key string) (bool, error)
	// Hash is a deterministic digest of the full contents, used to detect a
	// store that diverged from its committed state.
	Hash() string
}

type KVFactory func() KV

func CreateSimpleKV() KV {
	return NewSimpleKV()
}
