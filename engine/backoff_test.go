package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/types"
)

func Test_Backoff_DoublesAndCaps(t *testing.T) {
	b := NewBackoff()
	b.Track("srv-1")

	iv, ok := b.Interval("srv-1")
	require.True(t, ok)
	require.Equal(t, int64(1), iv)

	want := int64(1)
	for i := 0; i < 80; i++ {
		b.Fail("srv-1")
		iv, _ := b.Interval("srv-1")
		if want > backoffCap/2 {
			want = backoffCap
		} else {
			want *= 2
		}
		require.Equal(t, want, iv)
	}
	// interval never exceeds the cap, however many failures pile up
	iv, _ = b.Interval("srv-1")
	require.Equal(t, int64(backoffCap), iv)
	b.Fail("srv-1")
	iv, _ = b.Interval("srv-1")
	require.Equal(t, int64(backoffCap), iv)
}

func Test_Backoff_DueByTickModulo(t *testing.T) {
	b := NewBackoff()
	b.Track("srv-1")
	b.Fail("srv-1") // interval 2

	require.Empty(t, b.Due(3))
	require.Equal(t, []types.ContractID{"srv-1"}, b.Due(4))
}

func Test_Backoff_SucceedMovesToKnown(t *testing.T) {
	b := NewBackoff()
	b.Track("srv-1")
	b.Succeed("srv-1", []byte("contract"))

	_, tracked := b.Interval("srv-1")
	require.False(t, tracked)
	blob, ok := b.Known("srv-1")
	require.True(t, ok)
	require.Equal(t, []byte("contract"), blob)

	// re-tracking a known id is a no-op
	b.Track("srv-1")
	require.Empty(t, b.Due(0))
}

func Test_Backoff_TrackIsIdempotent(t *testing.T) {
	b := NewBackoff()
	b.Track("srv-1")
	b.Fail("srv-1")
	b.Track("srv-1")

	iv, ok := b.Interval("srv-1")
	require.True(t, ok)
	require.Equal(t, int64(2), iv)
}
