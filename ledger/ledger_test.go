package ledger

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

func Test_Ledger_AddRejectsDuplicateNumber(t *testing.T) {
	l := NewLedger(Inbox, "alice", "acct-1", "notary.test")
	require.NoError(t, l.Add(&Transaction{Number: 10, Type: TypeTransfer, Amount: 5}))

	err := l.Add(&Transaction{Number: 10, Type: TypeCheque})
	require.ErrorIs(t, err, ErrDuplicateNumber)
	require.Equal(t, 1, l.Count())
}

func Test_Ledger_EntriesSorted(t *testing.T) {
	l := NewLedger(Nymbox, "alice", "", "notary.test")
	for _, n := range []types.TxNumber{30, 10, 20} {
		require.NoError(t, l.Add(&Transaction{Number: n, Type: TypeNotice}))
	}
	entries := l.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, types.TxNumber(10), entries[0].Number)
	require.Equal(t, types.TxNumber(30), entries[2].Number)
}

func Test_Ledger_SaveLoadRoundTrip(t *testing.T) {
	kv := storage.NewSimpleKV()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	l := NewLedger(Inbox, "alice", "acct-1", "notary.test")
	require.NoError(t, l.Add(&Transaction{Number: 7, Type: TypeTransfer, Amount: 12, Memo: "rent"}))
	require.NoError(t, l.Add(&Transaction{Number: 9, Type: TypeFinalReceipt, RefNum: 7, ClosingRef: 8}))
	require.NoError(t, l.Save(kv, key))

	loaded, err := Load(kv, Inbox, "alice", "acct-1", "notary.test")
	require.NoError(t, err)
	require.Equal(t, l.Hash(), loaded.Hash())

	txn, ok := loaded.Get(9)
	require.True(t, ok)
	require.Equal(t, types.TxNumber(8), txn.ClosingRef)
}

func Test_Ledger_LoadDetectsTamper(t *testing.T) {
	kv := storage.NewSimpleKV()
	l := NewLedger(Inbox, "alice", "acct-1", "notary.test")
	require.NoError(t, l.Add(&Transaction{Number: 7, Type: TypeTransfer, Amount: 12}))
	require.NoError(t, l.Save(kv, nil))

	raw, err := kv.Get("ledger/notary.test/alice/inbox/acct-1")
	require.NoError(t, err)
	var blob ledgerBlob
	require.NoError(t, json.Unmarshal(raw, &blob))
	blob.Full[0].Amount = 9999
	tampered, err := json.Marshal(blob)
	require.NoError(t, err)
	require.NoError(t, kv.Put("ledger/notary.test/alice/inbox/acct-1", tampered))

	_, err = Load(kv, Inbox, "alice", "acct-1", "notary.test")
	require.ErrorIs(t, err, ErrHashMismatch)
}

func Test_Ledger_MessageBoxNeverPersisted(t *testing.T) {
	kv := storage.NewSimpleKV()
	l := NewLedger(MessageBox, "alice", "", "notary.test")
	require.NoError(t, l.Add(&Transaction{Number: 1, Type: TypeMessage}))
	require.NoError(t, l.Save(kv, nil))

	ok, err := kv.Has("ledger/notary.test/alice/message/")
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Statement_RemovalSetRule(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	acct := NewAccount("acct-1", "alice", "notary.test", "gold")
	acct.Balance = 100

	// in-play: cheque keeps its number issued
	cheque := &Transaction{Number: 50, Type: TypeCheque, Amount: 30}
	stmt, err := GenerateBalanceStatement(-30, cheque, acct, acct.Outbox, key)
	require.NoError(t, err)
	require.False(t, stmt.Removes(50))
	require.Equal(t, int64(70), stmt.PredictedBalance)

	// self-closing: withdrawal removes its own number
	wd := &Transaction{Number: 51, Type: TypeWithdrawal, Amount: 10}
	stmt, err = GenerateBalanceStatement(-10, wd, acct, acct.Outbox, key)
	require.NoError(t, err)
	require.True(t, stmt.Removes(51))
}

func Test_Statement_SignVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	acct := NewAccount("acct-1", "alice", "notary.test", "gold")
	require.NoError(t, acct.Inbox.Add(&Transaction{Number: 3, Type: TypeTransfer, Amount: 8}))

	trigger := &Transaction{Number: 60, Type: TypeProcessInbox}
	stmt, err := GenerateBalanceStatement(8, trigger, acct, acct.Outbox, key)
	require.NoError(t, err)
	require.Len(t, stmt.InboxReport, 1)
	require.True(t, stmt.Verify(&key.PublicKey))

	// AddRemoval re-signs, so the statement stays verifiable
	require.NoError(t, stmt.AddRemoval(4, key))
	require.True(t, stmt.Verify(&key.PublicKey))
	require.True(t, stmt.Removes(4))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.False(t, stmt.Verify(&other.PublicKey))
}

func Test_Receipt_DropToNymbox(t *testing.T) {
	kv := storage.NewSimpleKV()
	box := NewLedger(Nymbox, "alice", "", "notary.test")

	require.NoError(t, DropFinalReceiptToNymbox(box, kv, nil, 200, 50, []byte("item")))
	txn, ok := box.Get(200)
	require.True(t, ok)
	require.Equal(t, TypeFinalReceipt, txn.Type)
	require.Equal(t, types.TxNumber(50), txn.RefNum)

	// the drop persisted the box
	ok, err := kv.Has("ledger/notary.test/alice/nymbox/")
	require.NoError(t, err)
	require.True(t, ok)
}

func Test_Receipt_DropRejectsWrongBox(t *testing.T) {
	kv := storage.NewSimpleKV()
	inbox := NewLedger(Inbox, "alice", "acct-1", "notary.test")
	nymbox := NewLedger(Nymbox, "alice", "", "notary.test")

	require.Error(t, DropFinalReceiptToNymbox(inbox, kv, nil, 200, 50, nil))
	require.Error(t, DropFinalReceiptToInbox(nymbox, kv, nil, 201, 50, 51, nil))
}
