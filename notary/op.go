package notary

import (
	"sync"
	"time"

	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/types"
)

// Op is the operation.Operation bound to an in-process Server: one exchange
// occupies the slot at a time, exactly like a wire transport would.
type Op struct {
	srv     *Server
	latency time.Duration

	mu   sync.Mutex
	busy bool
	fut  *types.Future
	down bool
}

type OpOption func(*Op)

// WithLatency delays each exchange, so "slot busy" retries are observable.
func WithLatency(d time.Duration) OpOption {
	return func(o *Op) { o.latency = d }
}

func NewOperation(srv *Server, opts ...OpOption) *Op {
	o := &Op{srv: srv}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins the exchange unless one is already in flight or the operation
// has shut down.
func (o *Op) Start(req operation.Request) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy || o.down {
		return false
	}
	o.busy = true
	fut := types.NewFuture()
	o.fut = fut
	go func() {
		if o.latency > 0 {
			time.Sleep(o.latency)
		}
		res := o.srv.Handle(req)
		fut.Resolve(res)
		o.mu.Lock()
		o.busy = false
		o.mu.Unlock()
	}()
	return true
}

func (o *Op) GetFuture() *types.Future {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fut
}

// Shutdown resolves any in-flight future as shutdown and refuses new starts.
func (o *Op) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down = true
	if o.fut != nil {
		o.fut.Resolve(types.Result{Status: types.StatusShutdown})
	}
}
