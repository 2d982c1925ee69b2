package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelKV is the durable KV, backed by a goleveldb store on disk.
type LevelKV struct {
	path string
	db   *leveldb.DB
}

// OpenLevelKV opens (creating if needed) a leveldb store at path.
func OpenLevelKV(path string) (*LevelKV, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 16,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb error: %w", err)
	}
	return &LevelKV{path: path, db: db}, nil
}

func (l *LevelKV) Get(key string) ([]byte, error) {
	value, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get error: %w", err)
	}
	return value, nil
}

func (l *LevelKV) Put(key string, value []byte) error {
	if err := l.db.Put([]byte(key), value, nil); err != nil {
		return fmt.Errorf("leveldb put error: %w", err)
	}
	return nil
}

func (l *LevelKV) Del(key string) error {
	has, err := l.db.Has([]byte(key), nil)
	if err != nil {
		return fmt.Errorf("leveldb del error: %w", err)
	}
	if !has {
		return ErrKeyNotFound
	}
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb del error: %w", err)
	}
	return nil
}

func (l *LevelKV) Has(key string) (bool, error) {
	has, err := l.db.Has([]byte(key), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has error: %w", err)
	}
	return has, nil
}

// Hash walks the full key range; leveldb iterates in sorted key order already.
func (l *LevelKV) Hash() string {
	h := sha256.New()
	iter := l.db.NewIterator(&util.Range{}, nil)
	for iter.Next() {
		h.Write(iter.Key())
		h.Write(iter.Value())
	}
	iter.Release()
	return hex.EncodeToString(h.Sum(nil))
}

func (l *LevelKV) Close() error {
	return l.db.Close()
}
