package numbers

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/types"
)

func testPool() *Pool {
	return NewPool(types.ContextID{Nym: "alice", Notary: "notary.test"})
}

func Test_Pool_GrantReserveConsume(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(5, 3, 9))
	require.Equal(t, 3, p.AvailableCount())

	ns, err := p.Reserve(2)
	require.NoError(t, err)
	// lowest first
	require.Equal(t, []types.TxNumber{3, 5}, ns)
	require.True(t, p.IssuedHeld(3))
	require.Equal(t, 1, p.AvailableCount())

	require.NoError(t, p.Consume(3))
	require.False(t, p.IssuedHeld(3))
}

func Test_Pool_GrantRejectsKnownNumber(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(7))
	err := p.Grant(7)
	require.ErrorIs(t, err, ErrAlreadyKnown)
}

func Test_Pool_ReserveInsufficient(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(1))
	_, err := p.Reserve(2)
	require.ErrorIs(t, err, ErrInsufficient)
	// the failed reserve must not have issued anything
	require.Equal(t, 1, p.AvailableCount())
}

func Test_Pool_DoubleConsume(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(4))
	ns, err := p.Reserve(1)
	require.NoError(t, err)
	require.NoError(t, p.Consume(ns[0]))

	err = p.Consume(ns[0])
	require.ErrorIs(t, err, ErrNotIssued)
}

func Test_Pool_ConsumeUnknown(t *testing.T) {
	p := testPool()
	require.ErrorIs(t, p.Consume(42), ErrNeverIssued)
}

func Test_Pool_HarvestLifecycle(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(10, 11))
	ns, err := p.Reserve(1)
	require.NoError(t, err)

	require.NoError(t, p.Harvest(ns[0]))
	require.Equal(t, 2, p.AvailableCount())

	// harvesting twice is idempotent
	require.NoError(t, p.Harvest(ns[0]))
	require.Equal(t, 2, p.AvailableCount())
}

func Test_Pool_HarvestClosedIsNoop(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(8))
	ns, err := p.Reserve(1)
	require.NoError(t, err)
	require.NoError(t, p.Consume(ns[0]))

	// no double-credit: the number stays closed
	require.NoError(t, p.Harvest(ns[0]))
	require.Equal(t, 0, p.AvailableCount())
	snap := p.Snapshot()
	require.Equal(t, []types.TxNumber{8}, snap.Closed)
}

func Test_Pool_HarvestNeverIssued(t *testing.T) {
	p := testPool()
	require.ErrorIs(t, p.Harvest(99), ErrNeverIssued)
}

func Test_Pool_Snapshot(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Grant(1, 2, 3))
	_, err := p.Reserve(1)
	require.NoError(t, err)
	require.NoError(t, p.Consume(1))
	_, err = p.Reserve(1)
	require.NoError(t, err)

	snap := p.Snapshot()
	require.ElementsMatch(t, []types.TxNumber{3}, snap.Available)
	require.ElementsMatch(t, []types.TxNumber{2}, snap.Issued)
	require.ElementsMatch(t, []types.TxNumber{1}, snap.Closed)
}
