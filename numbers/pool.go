package numbers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/types"
)

var (
	// ErrInsufficient means the pool holds fewer available numbers than asked.
	ErrInsufficient = errors.New("insufficient transaction numbers")
	// ErrNotIssued means the number is not currently issued, so it cannot be
	// consumed. Consuming twice hits this.
	ErrNotIssued = errors.New("number not issued")
	// ErrNeverIssued means the pool has no record of the number at all;
	// harvesting it would fabricate a number.
	ErrNeverIssued = errors.New("number never issued")
	// ErrAlreadyKnown means the notary granted a number the pool has already
	// seen. The accounting has diverged from the notary's view.
	ErrAlreadyKnown = errors.New("number already known")
)

type state int

const (
	available state = iota // granted by the notary, not yet attached to a use
	issued                 // reserved for one in-flight or standing use
	closed                 // fully settled
)

// Pool tracks the transaction numbers one nym holds on one notary. Mutations
// happen only inside the owning context worker; Snapshot serves external
// readers.
type Pool struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	nums map[types.TxNumber]state
}

func NewPool(ctx types.ContextID) *Pool {
	p := &Pool{nums: make(map[types.TxNumber]state)}
	p.logger = logging.RootLogger.With().Str("NumberPool", ctx.String()).Logger()
	return p
}

// Grant records numbers signed out by the notary in a get-numbers exchange.
// This is the only way a number enters the pool.
func (p *Pool) Grant(ns ...types.TxNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range ns {
		if _, ok := p.nums[n]; ok {
			return fmt.Errorf("grant %d: %w", n, ErrAlreadyKnown)
		}
	}
	for _, n := range ns {
		p.nums[n] = available
	}
	p.logger.Debug().Msgf("granted %v", ns)
	return nil
}

// Reserve marks count available numbers as issued and returns them, lowest
// first. It never talks to the notary; the engine tops the pool up when this
// fails with ErrInsufficient.
func (p *Pool) Reserve(count int) ([]types.TxNumber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := make([]types.TxNumber, 0, count)
	for n, st := range p.nums {
		if st == available {
			free = append(free, n)
		}
	}
	if len(free) < count {
		return nil, fmt.Errorf("reserve %d, have %d: %w", count, len(free), ErrInsufficient)
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	free = free[:count]
	for _, n := range free {
		p.nums[n] = issued
	}
	return free, nil
}

// Consume settles an issued number forever. A number consumed twice, or never
// issued, is an accounting invariant violation.
func (p *Pool) Consume(n types.TxNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.nums[n]
	if !ok {
		return fmt.Errorf("consume %d: %w", n, ErrNeverIssued)
	}
	if st != issued {
		return fmt.Errorf("consume %d (state %d): %w", n, st, ErrNotIssued)
	}
	p.nums[n] = closed
	return nil
}

// Harvest returns an issued-but-unused number to the available set. On an
// already-closed number it is a logged no-op, never a double-credit.
func (p *Pool) Harvest(n types.TxNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.nums[n]
	if !ok {
		return fmt.Errorf("harvest %d: %w", n, ErrNeverIssued)
	}
	switch st {
	case closed:
		p.logger.Warn().Msgf("harvest of closed number %d skipped", n)
		return nil
	case available:
		// already harvested; idempotent
		return nil
	}
	p.nums[n] = available
	return nil
}

// IssuedHeld reports whether n is currently issued to this nym. Authorization
// checks call this against the live pool, never a cached copy.
func (p *Pool) IssuedHeld(n types.TxNumber) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nums[n] == issued
}

// AvailableCount is the "can I afford N more transactions" read.
func (p *Pool) AvailableCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, st := range p.nums {
		if st == available {
			count++
		}
	}
	return count
}

// Snapshot is a read-only copy of the pool's membership.
type Snapshot struct {
	Available []types.TxNumber
	Issued    []types.TxNumber
	Closed    []types.TxNumber
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var snap Snapshot
	for n, st := range p.nums {
		switch st {
		case available:
			snap.Available = append(snap.Available, n)
		case issued:
			snap.Issued = append(snap.Issued, n)
		case closed:
			snap.Closed = append(snap.Closed, n)
		}
	}
	sort.Slice(snap.Available, func(i, j int) bool { return snap.Available[i] < snap.Available[j] })
	sort.Slice(snap.Issued, func(i, j int) bool { return snap.Issued[i] < snap.Issued[j] })
	sort.Slice(snap.Closed, func(i, j int) bool { return snap.Closed[i] < snap.Closed[j] })
	return snap
}
