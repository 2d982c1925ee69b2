package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
)

// SimpleKV is the in-memory KV used by tests and the CLI demo.
type SimpleKV struct {
	mu       sync.RWMutex
	internal map[string][]byte
}

func NewSimpleKV() *SimpleKV {
	return &SimpleKV{internal: make(map[string][]byte)}
}

func (skv *SimpleKV) Get(key string) ([]byte, error) {
	skv.mu.RLock()
	defer skv.mu.RUnlock()
	value, ok := skv.internal[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (skv *SimpleKV) Put(key string, value []byte) error {
	skv.mu.Lock()
	defer skv.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	skv.internal[key] = cp
	return nil
}

func (skv *SimpleKV) Del(key string) error {
	skv.mu.Lock()
	defer skv.mu.Unlock()
	if _, ok := skv.internal[key]; !ok {
		return ErrKeyNotFound
	}
	delete(skv.internal, key)
	return nil
}

func (skv *SimpleKV) Has(key string) (bool, error) {
	skv.mu.RLock()
	defer skv.mu.RUnlock()
	_, ok := skv.internal[key]
	return ok, nil
}

// Hash digests keys in sorted order so the result is stable across runs.
func (skv *SimpleKV) Hash() string {
	skv.mu.RLock()
	defer skv.mu.RUnlock()
	keys := make([]string, 0, len(skv.internal))
	for key := range skv.internal {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write(skv.internal[key])
	}
	return hex.EncodeToString(h.Sum(nil))
}
