package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/types"
)

func msgTask(text string) types.SendMessageTask {
	return types.SendMessageTask{
		Party:     types.Party{Nym: "alice", Notary: "notary.test"},
		Recipient: "bob",
		Message:   text,
	}
}

func Test_Queue_FIFO(t *testing.T) {
	q := NewQueue(types.KindSendMessage)
	q.Push(1, msgTask("one"))
	q.Push(2, msgTask("two"))

	id, task, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, types.TaskID(1), id)
	require.Equal(t, "one", task.(types.SendMessageTask).Message)

	id, _, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, types.TaskID(2), id)

	_, _, ok = q.Pop()
	require.False(t, ok)
}

func Test_Queue_DedupByPayload(t *testing.T) {
	q := NewQueue(types.KindSendMessage)
	holder, fresh := q.Push(1, msgTask("hi"))
	require.True(t, fresh)
	require.Equal(t, types.TaskID(1), holder)

	// identical payload folds onto the holder
	holder, fresh = q.Push(2, msgTask("hi"))
	require.False(t, fresh)
	require.Equal(t, types.TaskID(1), holder)
	require.Equal(t, 1, q.Len())

	// a different payload is its own entry
	_, fresh = q.Push(3, msgTask("other"))
	require.True(t, fresh)
	require.Equal(t, 2, q.Len())
}

func Test_Queue_InFlightStillDedups(t *testing.T) {
	q := NewQueue(types.KindSendMessage)
	q.Push(1, msgTask("hi"))

	id, task, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, types.TaskID(1), id)

	// popped but not finished: the payload is still held
	holder, fresh := q.Push(2, msgTask("hi"))
	require.False(t, fresh)
	require.Equal(t, types.TaskID(1), holder)

	q.Finish(task)
	_, fresh = q.Push(3, msgTask("hi"))
	require.True(t, fresh)
}

func Test_Queue_CancelByValue(t *testing.T) {
	q := NewQueue(types.KindSendMessage)
	q.Push(1, msgTask("one"))
	q.Push(2, msgTask("two"))
	q.Push(3, msgTask("three"))

	id, ok := q.CancelByValue(msgTask("two"))
	require.True(t, ok)
	require.Equal(t, types.TaskID(2), id)
	require.Equal(t, 2, q.Len())

	_, ok = q.CancelByValue(msgTask("two"))
	require.False(t, ok)

	// remaining order intact
	id, _, _ = q.Pop()
	require.Equal(t, types.TaskID(1), id)
	id, _, _ = q.Pop()
	require.Equal(t, types.TaskID(3), id)
}

func Test_Queue_Drain(t *testing.T) {
	q := NewQueue(types.KindSendMessage)
	q.Push(1, msgTask("one"))
	q.Push(2, msgTask("two"))

	items := q.Drain()
	require.Len(t, items, 2)
	require.Equal(t, 0, q.Len())
}
