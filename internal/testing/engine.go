package testing

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/engine"
	"go.dedis.ch/notary/notary"
	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

type configTemplate struct {
	conf      engine.Config
	srv       *notary.Server
	latency   time.Duration
	kvFactory storage.KVFactory
	keys      map[types.NymID]*ecdsa.PrivateKey
	observe   func(operation.Request)
}

func newConfigTemplate() configTemplate {
	return configTemplate{
		conf: engine.Config{
			Quantum:       5 * time.Millisecond,
			StatePoll:     5 * time.Millisecond,
			RetryInterval: 2 * time.Millisecond,
			TopUpCount:    5,
		},
		srv:       notary.NewServer("notary.test"),
		kvFactory: storage.CreateSimpleKV,
		keys:      make(map[types.NymID]*ecdsa.PrivateKey),
	}
}

// Option tweaks the test setup.
type Option func(*configTemplate)

// WithNotary substitutes a prepared mock notary.
func WithNotary(srv *notary.Server) Option {
	return func(ct *configTemplate) { ct.srv = srv }
}

// WithLatency adds artificial round-trip delay to every exchange.
func WithLatency(d time.Duration) Option {
	return func(ct *configTemplate) { ct.latency = d }
}

// WithQuantum overrides the scheduling quantum.
func WithQuantum(d time.Duration) Option {
	return func(ct *configTemplate) { ct.conf.Quantum = d }
}

// WithTopUpCount overrides the numbers requested per refill.
func WithTopUpCount(n int) Option {
	return func(ct *configTemplate) { ct.conf.TopUpCount = n }
}

// WithAdminPassword makes every context claim the admin role.
func WithAdminPassword(pw string) Option {
	return func(ct *configTemplate) { ct.conf.AdminPassword = pw }
}

// WithExchangeObserver calls fn for every exchange the moment its submission
// is accepted, so tests can assert on attempt order.
func WithExchangeObserver(fn func(operation.Request)) Option {
	return func(ct *configTemplate) { ct.observe = fn }
}

// WithKVFactory substitutes the storage backend.
func WithKVFactory(f storage.KVFactory) Option {
	return func(ct *configTemplate) { ct.kvFactory = f }
}

// WithNymKey pins a signing key for one nym.
func WithNymKey(nym types.NymID, key *ecdsa.PrivateKey) Option {
	return func(ct *configTemplate) { ct.keys[nym] = key }
}

// NewTestRegistry builds a registry wired to an in-process mock notary. The
// registry is shut down when the test ends.
func NewTestRegistry(t *testing.T, opts ...Option) (*engine.Registry, *notary.Server) {
	template := newConfigTemplate()
	for _, opt := range opts {
		opt(&template)
	}
	makeOp := func(id types.ContextID) operation.Operation {
		var op operation.Operation
		if template.latency > 0 {
			op = notary.NewOperation(template.srv, notary.WithLatency(template.latency))
		} else {
			op = notary.NewOperation(template.srv)
		}
		if template.observe != nil {
			op = observedOp{Operation: op, observe: template.observe}
		}
		return op
	}
	regOpts := []engine.Option{engine.WithKVFactory(template.kvFactory)}
	for nym, key := range template.keys {
		regOpts = append(regOpts, engine.WithNymKey(nym, key))
	}
	reg := engine.NewRegistry(template.conf, makeOp, regOpts...)
	t.Cleanup(reg.Shutdown)
	return reg, template.srv
}

// observedOp reports every accepted submission before delegating.
type observedOp struct {
	operation.Operation
	observe func(operation.Request)
}

func (o observedOp) Start(req operation.Request) bool {
	if !o.Operation.Start(req) {
		return false
	}
	o.observe(req)
	return true
}

// RunTask submits one task and waits for its result.
func RunTask(t *testing.T, reg *engine.Registry, task types.Task, timeout time.Duration) types.Result {
	_, fut, err := reg.StartTask(task)
	require.NoError(t, err)
	return WaitFuture(t, fut, timeout)
}

// WaitFuture blocks on one future with a deadline.
func WaitFuture(t *testing.T, fut *types.Future, timeout time.Duration) types.Result {
	select {
	case <-fut.Done():
		res, ok := fut.Poll()
		require.True(t, ok)
		return res
	case <-time.After(timeout):
		t.Fatal("timed out waiting for task result")
		return types.Result{}
	}
}
