package notary_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/cron"
	z "go.dedis.ch/notary/internal/testing"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

// The full payment-plan walk: numbers granted through the engine, the item
// proposed, confirmed and activated on the notary, then removed, with final
// receipts landing in every box and closing numbers settled only by explicit
// acceptance.
func Test_E2E_PaymentPlan(t *testing.T) {
	aliceKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	bobKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	reg, srv := z.NewTestRegistry(t,
		z.WithNymKey("alice", aliceKey),
		z.WithNymKey("bob", bobKey))

	notaryID := types.NotaryID("notary.test")
	alice := types.Party{Nym: "alice", Notary: notaryID}
	bob := types.Party{Nym: "bob", Notary: notaryID}

	res := z.RunTask(t, reg, types.IssueUnitTask{Party: alice, Unit: "gold", Terms: "grams"},
		10*time.Second)
	require.True(t, res.Succeeded())
	aliceAcct := types.AccountID(res.Reply.Note)

	res = z.RunTask(t, reg, types.RegisterAccountTask{Party: bob, Unit: "gold"},
		10*time.Second)
	require.True(t, res.Succeeded())
	bobAcct := types.AccountID(res.Reply.Note)

	res = z.RunTask(t, reg, types.GetNumbersTask{Party: alice, Count: 4}, 10*time.Second)
	require.True(t, res.Succeeded())
	res = z.RunTask(t, reg, types.GetNumbersTask{Party: bob, Count: 4}, 10*time.Second)
	require.True(t, res.Succeeded())

	aliceCtx := reg.Context(alice.Context())
	bobCtx := reg.Context(bob.Context())
	aliceAcctRef, ok := aliceCtx.Account(aliceAcct)
	require.True(t, ok)
	bobAcctRef, ok := bobCtx.Account(bobAcct)
	require.True(t, ok)

	aliceSide := &cron.Side{Nym: "alice", Key: aliceKey, Pool: aliceCtx.Pool(),
		Nymbox: aliceCtx.Nymbox(), Acct: aliceAcctRef, KV: storage.NewSimpleKV()}
	bobSide := &cron.Side{Nym: "bob", Key: bobKey, Pool: bobCtx.Pool(),
		Nymbox: bobCtx.Nymbox(), Acct: bobAcctRef, KV: storage.NewSimpleKV()}
	aliceBefore := aliceSide.Pool.AvailableCount()
	bobBefore := bobSide.Pool.AvailableCount()

	item := cron.NewItemBuilder(cron.Agreement, notaryID).
		WithSender("alice", aliceAcct).
		WithRecipient("bob", bobAcct).
		WithAgreement(5, 24*time.Hour).
		Build()
	require.NoError(t, cron.Propose(item, aliceSide))
	require.NoError(t, cron.Confirm(item, bobSide, &aliceKey.PublicKey))
	require.NoError(t, cron.Activate(item, srv.SubmitCron))

	// all four numbers stay issued while the plan is live
	for _, n := range []types.TxNumber{
		item.Sender.Numbers.Opening, item.Sender.Numbers.Closing} {
		require.True(t, srv.IssuedTo("alice", n))
		require.True(t, aliceSide.Pool.IssuedHeld(n))
	}
	for _, n := range []types.TxNumber{
		item.Recipient.Numbers.Opening, item.Recipient.Numbers.Closing} {
		require.True(t, srv.IssuedTo("bob", n))
		require.True(t, bobSide.Pool.IssuedHeld(n))
	}

	require.NoError(t, cron.RequestRemoval(item, "alice", aliceSide.Pool))
	require.NoError(t, cron.Remove(item, aliceSide, bobSide, srv.NextReceipt))
	srv.CloseNumber("alice", item.Sender.Numbers.Opening)
	srv.CloseNumber("bob", item.Recipient.Numbers.Opening)
	srv.DropCron(item)
	require.Empty(t, srv.CronItems())

	// receipts in all four boxes
	require.Equal(t, 1, aliceSide.Nymbox.Count())
	require.Equal(t, 1, bobSide.Nymbox.Count())
	require.Equal(t, 1, aliceSide.Acct.Inbox.Count())
	require.Equal(t, 1, bobSide.Acct.Inbox.Count())

	// closing numbers settle only through acceptance
	require.True(t, aliceSide.Pool.IssuedHeld(item.Sender.Numbers.Closing))
	for _, side := range []*cron.Side{aliceSide, bobSide} {
		receipt := side.Acct.Inbox.Entries()[0]
		require.Equal(t, ledger.TypeFinalReceipt, receipt.Type)
		require.NoError(t, cron.AcceptFinalReceipt(side, receipt))
	}
	require.False(t, aliceSide.Pool.IssuedHeld(item.Sender.Numbers.Closing))
	require.False(t, bobSide.Pool.IssuedHeld(item.Recipient.Numbers.Closing))

	// each side spent exactly its opening/closing pair
	require.Equal(t, aliceBefore-2, aliceSide.Pool.AvailableCount())
	require.Equal(t, bobBefore-2, bobSide.Pool.AvailableCount())
	require.Len(t, aliceSide.Pool.Snapshot().Closed, 2)
	require.Len(t, bobSide.Pool.Snapshot().Closed, 2)
}
