package ledger

import (
	"crypto/ecdsa"
	"fmt"

	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

// Final receipts enter a box only through these two functions: one new entry,
// box re-signed and persisted, content hash updated with it. Ad hoc insertion
// would desynchronize the box hash from its committed contents.

// DropFinalReceiptToNymbox delivers the notice side of a cron item's removal:
// a final-receipt entry referencing the party's opening number and carrying
// the server-countersigned copy of the item.
func DropFinalReceiptToNymbox(box *Ledger, kv storage.KV, key *ecdsa.PrivateKey,
	receiptNum, openingNum types.TxNumber, signedItem []byte) error {

	if box.Type != Nymbox {
		return fmt.Errorf("drop final receipt: %s is not a nymbox", box.Type)
	}
	txn := &Transaction{
		Number:  receiptNum,
		Type:    TypeFinalReceipt,
		RefNum:  openingNum,
		Payload: signedItem,
	}
	if err := box.Add(txn); err != nil {
		return fmt.Errorf("drop final receipt error: %w", err)
	}
	if err := box.Save(kv, key); err != nil {
		box.Remove(receiptNum)
		return fmt.Errorf("drop final receipt error: %w", err)
	}
	return nil
}

// DropFinalReceiptToInbox delivers the settlement side into an account inbox.
// The receipt's closing reference is the owner's closing number, which stays
// issued until the owner accepts this receipt via process-inbox.
func DropFinalReceiptToInbox(box *Ledger, kv storage.KV, key *ecdsa.PrivateKey,
	receiptNum, openingNum, closingNum types.TxNumber, signedItem []byte) error {

	if box.Type != Inbox {
		return fmt.Errorf("drop final receipt: %s is not an inbox", box.Type)
	}
	txn := &Transaction{
		Number:     receiptNum,
		Type:       TypeFinalReceipt,
		RefNum:     openingNum,
		ClosingRef: closingNum,
		Payload:    signedItem,
	}
	if err := box.Add(txn); err != nil {
		return fmt.Errorf("drop final receipt error: %w", err)
	}
	if err := box.Save(kv, key); err != nil {
		box.Remove(receiptNum)
		return fmt.Errorf("drop final receipt error: %w", err)
	}
	return nil
}
