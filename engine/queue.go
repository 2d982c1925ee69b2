package engine

import (
	"sync"

	"github.com/gammazero/deque"
	"go.dedis.ch/notary/types"
)

type queueItem struct {
	id   types.TaskID
	task types.Task
}

// Queue is the per-kind task queue: FIFO within the kind, with
// at-most-one-in-flight per payload. A payload's key stays held from Push
// until Finish, so re-pushing a task that is queued or running dedups against
// it.
type Queue struct {
	kind types.TaskKind

	mu   sync.Mutex
	dq   deque.Deque
	keys map[string]types.TaskID // queued + in-flight payloads
}

func NewQueue(kind types.TaskKind) *Queue {
	return &Queue{kind: kind, keys: make(map[string]types.TaskID)}
}

// Push enqueues unless an equal payload is already queued or in flight. On a
// duplicate it reports the holding TaskID and false.
func (q *Queue) Push(id types.TaskID, task types.Task) (types.TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := types.TaskKey(task)
	if holder, ok := q.keys[key]; ok {
		return holder, false
	}
	q.keys[key] = id
	q.dq.PushBack(queueItem{id: id, task: task})
	return id, true
}

// Pop removes and returns the next item. The payload key stays held until
// Finish.
func (q *Queue) Pop() (types.TaskID, types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dq.Len() == 0 {
		return 0, nil, false
	}
	it := q.dq.PopFront().(queueItem)
	return it.id, it.task, true
}

// Finish releases the payload key once the task has resolved.
func (q *Queue) Finish(task types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.keys, types.TaskKey(task))
}

// Holds reports whether an equal payload is queued or executing.
func (q *Queue) Holds(task types.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[types.TaskKey(task)]
	return ok
}

// CancelByValue removes a queued-but-not-started match, reporting its TaskID
// so the caller can resolve the abandoned future.
func (q *Queue) CancelByValue(task types.Task) (types.TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := types.TaskKey(task)
	for i := 0; i < q.dq.Len(); i++ {
		it := q.dq.At(i).(queueItem)
		if types.TaskKey(it.task) == key {
			q.removeAt(i)
			delete(q.keys, key)
			return it.id, true
		}
	}
	return 0, false
}

// removeAt rebuilds the deque without index i; cancellation is rare enough
// that linear cost does not matter.
func (q *Queue) removeAt(i int) {
	n := q.dq.Len()
	for j := 0; j < n; j++ {
		it := q.dq.PopFront()
		if j != i {
			q.dq.PushBack(it)
		}
	}
}

// Drain empties the queue, returning everything still pending.
func (q *Queue) Drain() []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queueItem, 0, q.dq.Len())
	for q.dq.Len() > 0 {
		it := q.dq.PopFront().(queueItem)
		delete(q.keys, types.TaskKey(it.task))
		out = append(out, it)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dq.Len()
}
