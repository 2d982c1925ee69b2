package engine

import (
	"math"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.dedis.ch/notary/types"
)

// backoffCap keeps interval doubling from overflowing.
const backoffCap = math.MaxInt64 / 2

// Backoff tracks contracts the notary has not produced yet. Each unknown id
// carries a retry interval in scheduler ticks: a download fires when
// tick % interval == 0, and a failure doubles the interval (capped). Success
// moves the contract into the known cache and drops the id entirely, so
// legitimately-missing contracts keep getting retried without hammering the
// notary.
type Backoff struct {
	mu        sync.Mutex
	intervals map[types.ContractID]int64
	known     *gocache.Cache
}

func NewBackoff() *Backoff {
	return &Backoff{
		intervals: make(map[types.ContractID]int64),
		known:     gocache.New(gocache.NoExpiration, 0),
	}
}

// Track adds an id to the unknown set with the initial 1-tick interval.
// Already-known or already-tracked ids are left alone.
func (b *Backoff) Track(id types.ContractID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.known.Get(string(id)); ok {
		return
	}
	if _, ok := b.intervals[id]; !ok {
		b.intervals[id] = 1
	}
}

// Fail doubles the retry interval for id, capped.
func (b *Backoff) Fail(id types.ContractID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	iv, ok := b.intervals[id]
	if !ok {
		return
	}
	if iv > backoffCap/2 {
		iv = backoffCap
	} else {
		iv *= 2
	}
	b.intervals[id] = iv
}

// Succeed caches the downloaded contract and removes id from the unknown set.
func (b *Backoff) Succeed(id types.ContractID, blob []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.intervals, id)
	b.known.Set(string(id), blob, gocache.NoExpiration)
}

// Due lists the unknown ids whose interval divides the current tick.
func (b *Backoff) Due(tick int64) []types.ContractID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var due []types.ContractID
	for id, iv := range b.intervals {
		if tick%iv == 0 {
			due = append(due, id)
		}
	}
	return due
}

// Interval exposes the current interval for an unknown id.
func (b *Backoff) Interval(id types.ContractID) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	iv, ok := b.intervals[id]
	return iv, ok
}

// Known reads a contract from the resolved cache.
func (b *Backoff) Known(id types.ContractID) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.known.Get(string(id))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}
