package cron

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/numbers"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

func testSide(t *testing.T, nym types.NymID, grant ...types.TxNumber) *Side {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pool := numbers.NewPool(types.ContextID{Nym: nym, Notary: "notary.test"})
	require.NoError(t, pool.Grant(grant...))
	acct := ledger.NewAccount(types.AccountID("acct-"+string(nym)), nym, "notary.test", "gold")
	return &Side{
		Nym:    nym,
		Key:    key,
		Pool:   pool,
		Nymbox: ledger.NewLedger(ledger.Nymbox, nym, "", "notary.test"),
		Acct:   acct,
		KV:     storage.NewSimpleKV(),
	}
}

func agreementItem(sender, recipient *Side) *Item {
	return NewItemBuilder(Agreement, "notary.test").
		WithSender(sender.Nym, sender.Acct.ID).
		WithRecipient(recipient.Nym, recipient.Acct.ID).
		WithAgreement(5, 24*time.Hour).
		Build()
}

func Test_Lifecycle_ProposeConfirmActivate(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.Equal(t, Proposed, item.State)
	require.Equal(t, types.TxNumber(101), item.Sender.Numbers.Opening)
	require.Equal(t, types.TxNumber(102), item.Sender.Numbers.Closing)
	require.True(t, item.VerifySignature(&alice.Key.PublicKey))

	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))
	require.Equal(t, Confirmed, item.State)
	require.NotEmpty(t, item.OriginatorCopy)
	require.True(t, item.VerifySignature(&bob.Key.PublicKey))

	// all four numbers committed and issued
	require.True(t, alice.Pool.IssuedHeld(101))
	require.True(t, alice.Pool.IssuedHeld(102))
	require.True(t, bob.Pool.IssuedHeld(201))
	require.True(t, bob.Pool.IssuedHeld(202))

	submitted := false
	require.NoError(t, Activate(item, func(*Item) error {
		submitted = true
		return nil
	}))
	require.True(t, submitted)
	require.Equal(t, Active, item.State)
}

func Test_Lifecycle_ConfirmSignatureBindsState(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))

	// the confirmer signed the confirmed state, not the draft
	require.True(t, item.VerifySignature(&bob.Key.PublicKey))
	item.State = Proposed
	require.False(t, item.VerifySignature(&bob.Key.PublicKey))
	item.State = Confirmed
	require.True(t, item.VerifySignature(&bob.Key.PublicKey))
}

func Test_Lifecycle_ProposeRequiresOriginator(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.ErrorIs(t, Propose(item, bob), ErrNotAuthorized)
}

func Test_Lifecycle_ConfirmRejectsBadSignature(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))

	mallory, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.ErrorIs(t, Confirm(item, bob, &mallory.PublicKey), ErrBadSignature)

	// a tampered item fails even against the right key
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))
	item.Agreement.Value = 5000
	require.False(t, item.VerifySignature(&bob.Key.PublicKey))
}

func Test_Lifecycle_ConfirmRejectsMissingParties(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := NewItemBuilder(Agreement, "notary.test").
		WithSender(alice.Nym, "").
		WithRecipient(bob.Nym, bob.Acct.ID).
		WithAgreement(5, time.Hour).
		Build()
	require.NoError(t, Propose(item, alice))
	require.ErrorIs(t, Confirm(item, bob, &alice.Key.PublicKey), ErrBadParties)
}

func Test_Lifecycle_CancelAuthorization(t *testing.T) {
	alice := testSide(t, "alice", 101, 102, 103, 104)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))

	// no canceler named: nobody may cancel
	require.ErrorIs(t, CancelBeforeActivation(item, alice), ErrNotAuthorized)

	item = NewItemBuilder(Agreement, "notary.test").
		WithSender(alice.Nym, alice.Acct.ID).
		WithRecipient(bob.Nym, bob.Acct.ID).
		WithAgreement(5, time.Hour).
		WithCanceler(alice.Nym).
		Build()
	require.NoError(t, Propose(item, alice))
	require.ErrorIs(t, CancelBeforeActivation(item, bob), ErrNotAuthorized)
	require.NoError(t, CancelBeforeActivation(item, alice))
	require.Equal(t, Canceled, item.State)

	// not after activation
	require.ErrorIs(t, CancelBeforeActivation(item, alice), ErrBadState)
}

func Test_Lifecycle_HarvestFailedVerifiesIssued(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))

	// alice's opening was consumed through some other path in the meantime
	require.NoError(t, alice.Pool.Consume(101))

	require.NoError(t, HarvestFailed(item, alice))
	snap := alice.Pool.Snapshot()
	require.ElementsMatch(t, []types.TxNumber{102}, snap.Available)
	require.ElementsMatch(t, []types.TxNumber{101}, snap.Closed)

	require.NoError(t, HarvestFailed(item, bob))
	require.Equal(t, 2, bob.Pool.AvailableCount())

	charlie := testSide(t, "charlie", 301)
	require.ErrorIs(t, HarvestFailed(item, charlie), ErrNotAuthorized)
}

func Test_Lifecycle_RemoveSettlesOpenings(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))
	require.NoError(t, Activate(item, func(*Item) error { return nil }))

	next := types.TxNumber(900)
	nextReceipt := func() types.TxNumber {
		next++
		return next
	}
	require.NoError(t, Remove(item, alice, bob, nextReceipt))
	require.Equal(t, Removed, item.State)

	// openings closed, closings still issued
	require.False(t, alice.Pool.IssuedHeld(101))
	require.True(t, alice.Pool.IssuedHeld(102))
	require.False(t, bob.Pool.IssuedHeld(201))
	require.True(t, bob.Pool.IssuedHeld(202))

	// one notice in each nymbox, one receipt in each inbox
	require.Equal(t, 1, alice.Nymbox.Count())
	require.Equal(t, 1, bob.Nymbox.Count())
	require.Equal(t, 1, alice.Acct.Inbox.Count())
	require.Equal(t, 1, bob.Acct.Inbox.Count())
}

func Test_Lifecycle_RemoveIsIdempotent(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))
	require.NoError(t, Activate(item, func(*Item) error { return nil }))

	next := types.TxNumber(900)
	nextReceipt := func() types.TxNumber {
		next++
		return next
	}
	require.NoError(t, Remove(item, alice, bob, nextReceipt))
	require.NoError(t, Remove(item, alice, bob, nextReceipt))

	// nothing duplicated, nothing double-consumed
	require.Equal(t, 1, alice.Nymbox.Count())
	require.Equal(t, 1, alice.Acct.Inbox.Count())
	require.Equal(t, 1, bob.Nymbox.Count())
	require.Equal(t, 1, bob.Acct.Inbox.Count())
}

func Test_Lifecycle_AcceptFinalReceipt(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))
	require.NoError(t, Activate(item, func(*Item) error { return nil }))

	next := types.TxNumber(900)
	require.NoError(t, Remove(item, alice, bob, func() types.TxNumber {
		next++
		return next
	}))

	receipt := bob.Acct.Inbox.Entries()[0]
	require.Equal(t, types.TxNumber(202), receipt.ClosingRef)
	require.NoError(t, AcceptFinalReceipt(bob, receipt))
	require.False(t, bob.Pool.IssuedHeld(202))
	require.Equal(t, 0, bob.Acct.Inbox.Count())

	// accepting twice fails: the closing number is no longer issued
	require.Error(t, AcceptFinalReceipt(bob, receipt))
}

func Test_Lifecycle_RemovalAuthorization(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := agreementItem(alice, bob)
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))
	require.NoError(t, Activate(item, func(*Item) error { return nil }))

	// originator authorizes by opening number
	require.NoError(t, RequestRemoval(item, alice.Nym, alice.Pool))
	// recipient needs its whole pair
	require.NoError(t, RequestRemoval(item, bob.Nym, bob.Pool))

	// a party that lost its numbers can no longer request removal
	require.NoError(t, alice.Pool.Consume(101))
	require.Error(t, RequestRemoval(item, alice.Nym, alice.Pool))
}

func Test_Hooks_SmartContractRemovalNeedsNamedParty(t *testing.T) {
	alice := testSide(t, "alice", 101, 102)
	bob := testSide(t, "bob", 201, 202)

	item := NewItemBuilder(SmartContract, "notary.test").
		WithSender(alice.Nym, alice.Acct.ID).
		WithRecipient(bob.Nym, bob.Acct.ID).
		WithContract(SmartContractData{
			Parties: []SCParty{{Name: "payer", Nym: alice.Nym}},
		}).
		Build()
	require.NoError(t, Propose(item, alice))
	require.NoError(t, Confirm(item, bob, &alice.Key.PublicKey))

	// bob is a lifecycle party but not named in the contract arena
	require.ErrorIs(t, RequestRemoval(item, bob.Nym, bob.Pool), ErrNotAuthorized)
	require.NoError(t, RequestRemoval(item, alice.Nym, alice.Pool))
}

func Test_Item_WindowElapsed(t *testing.T) {
	item := NewItemBuilder(Agreement, "notary.test").
		WithWindow(time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)).
		Build()
	require.True(t, item.WindowElapsed(time.Now()))

	open := NewItemBuilder(Agreement, "notary.test").
		WithWindow(time.Now().Add(-time.Hour), time.Time{}).
		Build()
	require.False(t, open.WindowElapsed(time.Now()))
}
