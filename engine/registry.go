package engine

import (
	"crypto/ecdsa"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/metrics"
	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

// ErrShutdown rejects submissions after the registry has been stopped.
var ErrShutdown = errors.New("registry is shut down")

const drainWait = 2 * time.Second

// OperationFactory builds the single operation slot bound to one context.
type OperationFactory func(id types.ContextID) operation.Operation

// TaskEvent is the completion notification delivered to subscribers.
type TaskEvent struct {
	ID      types.TaskID
	Context types.ContextID
	Kind    types.TaskKind
	Status  types.TaskStatus
}

// pendingTask pairs an outstanding future with the task it waits on, so a
// forced resolution still knows what it is resolving.
type pendingTask struct {
	task types.Task
	fut  *types.Future
}

// MessagabilityEvent reports the outcome of one check-nym lookup.
type MessagabilityEvent struct {
	Nym    types.NymID
	Target types.NymID
	Status types.ReplyStatus
}

// Registry owns all contexts of the process and is the sole entry point for
// task submission. One context, one worker goroutine; the registry only
// routes and bookkeeps.
type Registry struct {
	logger zerolog.Logger

	conf    Config
	makeOp  OperationFactory
	makeKV  storage.KVFactory
	keyring map[types.NymID]*ecdsa.PrivateKey

	nextTask uint64 // atomic

	mu       sync.Mutex
	contexts map[types.ContextID]*Context
	futures  map[types.TaskID]pendingTask
	down     bool

	refreshes uint64 // atomic

	taskEvents chan TaskEvent
	msgEvents  chan MessagabilityEvent

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option customizes a registry at construction time.
type Option func(*Registry)

// WithKVFactory substitutes the per-context storage backend.
func WithKVFactory(f storage.KVFactory) Option {
	return func(r *Registry) { r.makeKV = f }
}

// WithNymKey pins the signing key used for one nym. Contexts of nyms without
// a pinned key get a freshly generated one.
func WithNymKey(nym types.NymID, key *ecdsa.PrivateKey) Option {
	return func(r *Registry) { r.keyring[nym] = key }
}

// NewRegistry builds a registry whose contexts talk through operations from
// makeOp.
func NewRegistry(conf Config, makeOp OperationFactory, opts ...Option) *Registry {
	conf.applyDefaults()
	r := &Registry{
		conf:       conf,
		makeOp:     makeOp,
		makeKV:     storage.CreateSimpleKV,
		keyring:    make(map[types.NymID]*ecdsa.PrivateKey),
		contexts:   make(map[types.ContextID]*Context),
		futures:    make(map[types.TaskID]pendingTask),
		taskEvents: make(chan TaskEvent, 64),
		msgEvents:  make(chan MessagabilityEvent, 64),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.RootLogger.With().Str("Registry", "engine").Logger()
	return r
}

// StartTask accepts one task, routes it to its context and returns the task
// id and future its eventual Result resolves. A task equal to one already
// queued is not queued again: the holder's id and future come back instead,
// so both callers observe the same single execution.
func (r *Registry) StartTask(task types.Task) (types.TaskID, *types.Future, error) {
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return 0, nil, ErrShutdown
	}
	c := r.contextLocked(task.Context())
	r.mu.Unlock()

	id := types.TaskID(atomic.AddUint64(&r.nextTask, 1))
	fut := types.NewFuture()
	r.mu.Lock()
	r.futures[id] = pendingTask{task: task, fut: fut}
	r.mu.Unlock()

	holder, fresh := c.enqueue(id, task)
	if !fresh {
		r.mu.Lock()
		delete(r.futures, id)
		held, ok := r.futures[holder]
		if !ok {
			// the holder was queued internally; attach a future so its
			// resolution reaches this caller too
			held = pendingTask{task: task, fut: types.NewFuture()}
			r.futures[holder] = held
		}
		r.mu.Unlock()
		if !ok && !c.queueHolds(task) {
			// holder finished before the future was attached; its result is
			// gone
			held.fut.Resolve(types.Result{Status: types.StatusUnknown})
		}
		r.logger.Debug().Msgf("task %s deduplicated onto %d", task, holder)
		return holder, held.fut, nil
	}
	metrics.TasksStarted.WithLabelValues(task.Context().String(), task.Kind().String()).Inc()
	r.logger.Debug().Msgf("task %d accepted: %s", id, task)
	return id, fut, nil
}

// Status reports the registry's view of one task id.
func (r *Registry) Status(id types.TaskID) types.TaskStatus {
	r.mu.Lock()
	p, ok := r.futures[id]
	r.mu.Unlock()
	if !ok {
		return types.TaskError
	}
	res, done := p.fut.Poll()
	if !done {
		return types.TaskRunning
	}
	return taskStatusOf(res)
}

func taskStatusOf(res types.Result) types.TaskStatus {
	switch {
	case res.Succeeded():
		return types.TaskFinishedSuccess
	case res.Status == types.StatusShutdown:
		return types.TaskShutdown
	default:
		return types.TaskFinishedFailed
	}
}

// Refresh queues a nymbox download on every context, pulling in whatever the
// notaries delivered since the last cycle.
func (r *Registry) Refresh() {
	r.mu.Lock()
	contexts := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		contexts = append(contexts, c)
	}
	r.mu.Unlock()
	for _, c := range contexts {
		c.enqueue(types.TaskID(atomic.AddUint64(&r.nextTask, 1)),
			types.DownloadNymboxTask{Party: c.party()})
	}
	atomic.AddUint64(&r.refreshes, 1)
	metrics.RefreshCycles.Inc()
}

// RefreshCount reports how many refresh cycles ran.
func (r *Registry) RefreshCount() uint64 {
	return atomic.LoadUint64(&r.refreshes)
}

// Context returns the (possibly new) context for id, starting its worker on
// first use.
func (r *Registry) Context(id types.ContextID) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contextLocked(id)
}

func (r *Registry) contextLocked(id types.ContextID) *Context {
	if c, ok := r.contexts[id]; ok {
		return c
	}
	key, ok := r.keyring[id.Nym]
	if !ok {
		generated, err := crypto.GenerateKey()
		if err != nil {
			// entropy failure; nothing sensible to do
			panic(err)
		}
		key = generated
		r.keyring[id.Nym] = key
	}
	c := newContext(id, r, r.makeOp(id), r.makeKV(), key, r.conf)
	r.contexts[id] = c
	go c.run()
	r.logger.Info().Msgf("context %s created", id)
	return c
}

// TaskEvents is the completion notification stream. Slow consumers lose
// events rather than blocking the engine.
func (r *Registry) TaskEvents() <-chan TaskEvent {
	return r.taskEvents
}

// MessagabilityEvents streams check-nym outcomes.
func (r *Registry) MessagabilityEvents() <-chan MessagabilityEvent {
	return r.msgEvents
}

// Shutdown stops all workers and resolves every outstanding future with the
// shutdown status. Safe to call more than once.
func (r *Registry) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.down = true
		r.mu.Unlock()
		close(r.shutdownCh)

		deadline := time.Now().Add(drainWait)
		for time.Now().Before(deadline) {
			r.mu.Lock()
			left := len(r.futures)
			r.mu.Unlock()
			if left == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		r.mu.Lock()
		leftover := make(map[types.TaskID]pendingTask, len(r.futures))
		for id, p := range r.futures {
			leftover[id] = p
		}
		r.mu.Unlock()
		// force-resolve through the normal path so the stream and gauges see
		// these tasks too
		for id, p := range leftover {
			r.resolve(id, p.task, types.Result{Status: types.StatusShutdown})
		}
		r.logger.Info().Msg("registry shut down")
	})
}

// resolve delivers one terminal result: future first, then metrics and the
// notification stream. Tasks queued internally have no future; that is fine.
func (r *Registry) resolve(id types.TaskID, task types.Task, res types.Result) {
	r.mu.Lock()
	p, ok := r.futures[id]
	if ok {
		delete(r.futures, id)
	}
	r.mu.Unlock()
	if ok {
		p.fut.Resolve(res)
	}

	ctx := task.Context()
	metrics.TasksCompleted.WithLabelValues(ctx.String(), task.Kind().String(),
		res.Status.String()).Inc()
	metrics.QueueDepth.WithLabelValues(ctx.String()).Dec()

	select {
	case r.taskEvents <- TaskEvent{ID: id, Context: ctx, Kind: task.Kind(), Status: taskStatusOf(res)}:
	default:
		r.logger.Warn().Msg("task event dropped, subscriber lagging")
	}
}

// observeInternal records engine-originated work that has no caller waiting.
func (r *Registry) observeInternal(ctx types.ContextID, task types.Task, res types.Result) {
	metrics.TasksCompleted.WithLabelValues(ctx.String(), task.Kind().String(),
		res.Status.String()).Inc()
	if !res.Succeeded() && res.Status != types.StatusShutdown {
		r.logger.Warn().Msgf("internal %s on %s: %s", task.Kind(), ctx, res)
	}
}

// startInternal queues engine-originated follow-up work through the normal
// dedup path.
func (r *Registry) startInternal(task types.Task) {
	r.mu.Lock()
	if r.down {
		r.mu.Unlock()
		return
	}
	c := r.contextLocked(task.Context())
	r.mu.Unlock()
	c.enqueue(types.TaskID(atomic.AddUint64(&r.nextTask, 1)), task)
}

// publishMessagability fans one check-nym outcome to subscribers.
func (r *Registry) publishMessagability(nym, target types.NymID, status types.ReplyStatus) {
	select {
	case r.msgEvents <- MessagabilityEvent{Nym: nym, Target: target, Status: status}:
	default:
	}
}
