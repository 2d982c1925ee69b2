package types

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Future_ResolveOnce(t *testing.T) {
	f := NewFuture()

	_, ok := f.Poll()
	require.False(t, ok)

	require.True(t, f.Resolve(Result{Status: StatusMessageSuccess}))
	// the first write wins
	require.False(t, f.Resolve(Result{Status: StatusMessageFailure}))

	res, ok := f.Poll()
	require.True(t, ok)
	require.Equal(t, StatusMessageSuccess, res.Status)
}

func Test_Future_WaitDelivers(t *testing.T) {
	f := NewFuture()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Resolve(Result{Status: StatusMessageSuccess})
	}()

	res, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, res.Succeeded())
}

func Test_Future_WaitHonorsContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_TaskKey_DistinguishesPayloads(t *testing.T) {
	p := Party{Nym: "alice", Notary: "notary.test"}

	a := SendMessageTask{Party: p, Recipient: "bob", Message: "hi"}
	b := SendMessageTask{Party: p, Recipient: "bob", Message: "hi"}
	c := SendMessageTask{Party: p, Recipient: "bob", Message: "yo"}
	require.Equal(t, TaskKey(a), TaskKey(b))
	require.NotEqual(t, TaskKey(a), TaskKey(c))

	// slice-bearing payloads still fingerprint by value
	d := ProcessInboxTask{Party: p, Account: "acct-1", Accept: []TxNumber{1, 2}}
	e := ProcessInboxTask{Party: p, Account: "acct-1", Accept: []TxNumber{1, 2}}
	g := ProcessInboxTask{Party: p, Account: "acct-1", Accept: []TxNumber{1, 3}}
	require.Equal(t, TaskKey(d), TaskKey(e))
	require.NotEqual(t, TaskKey(d), TaskKey(g))

	// same fields, different kind
	require.NotEqual(t,
		TaskKey(DownloadContractTask{Party: p, ID: "x"}),
		TaskKey(PublishContractTask{Party: p, ID: "x"}))
}

// Fields that String() leaves out of its one-liner must still count toward
// identity, otherwise two different payloads collapse onto one execution.
func Test_TaskKey_CoversFieldsOmittedFromString(t *testing.T) {
	p := Party{Nym: "alice", Notary: "notary.test"}

	require.NotEqual(t,
		TaskKey(SendMessageTask{Party: p, Recipient: "bob", Message: "one"}),
		TaskKey(SendMessageTask{Party: p, Recipient: "bob", Message: "two"}))

	require.NotEqual(t,
		TaskKey(SendChequeTask{Party: p, Account: "a", Recipient: "bob", Amount: 5, Memo: "rent"}),
		TaskKey(SendChequeTask{Party: p, Account: "a", Recipient: "bob", Amount: 5, Memo: "loan"}))

	require.NotEqual(t,
		TaskKey(RequestAdminTask{Party: p, Password: "alpha"}),
		TaskKey(RequestAdminTask{Party: p, Password: "beta"}))

	require.NotEqual(t,
		TaskKey(IssueUnitTask{Party: p, Unit: "gold", Terms: "standard"}),
		TaskKey(IssueUnitTask{Party: p, Unit: "gold", Terms: "revised"}))
}

func Test_ContextID_String(t *testing.T) {
	id := ContextID{Nym: "alice", Notary: "notary.test"}
	require.Equal(t, "alice@notary.test", id.String())
}
