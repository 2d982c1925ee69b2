package ledger

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/notary/types"
)

// ReportLine is one open inbox/outbox item reported by a balance statement.
type ReportLine struct {
	Box    BoxType        `json:"box"`
	Number types.TxNumber `json:"number"`
	Type   TxType         `json:"type"`
	Amount int64          `json:"amount"`
}

// BalanceStatement is the client-signed agreement the notary requires before
// accepting a number-affecting transaction: the predicted post-transaction
// balance, a report line per open box item, and the exact numbers leaving the
// nym's issued list because of this operation.
type BalanceStatement struct {
	Account          types.AccountID  `json:"account"`
	Nym              types.NymID      `json:"nym"`
	Trigger          types.TxNumber   `json:"trigger"`
	PredictedBalance int64            `json:"predictedBalance"`
	InboxReport      []ReportLine     `json:"inboxReport"`
	OutboxReport     []ReportLine     `json:"outboxReport"`
	Removing         []types.TxNumber `json:"removing"`
	Signature        []byte           `json:"signature,omitempty"`
}

// GenerateBalanceStatement builds and signs the statement for trigger applied
// to acct with the given balance adjustment. The outbox is passed separately
// because the caller may be predicting an entry that is not committed yet.
//
// Removal-set rule: self-closing operations (deposit, withdrawal, cancel cron
// item, exchange basket, pay dividend, process inbox) remove their own number
// here; in-play operations leave their number issued until the matching
// receipt is accepted.
func GenerateBalanceStatement(adjustment int64, trigger *Transaction, acct *Account,
	outbox *Ledger, key *ecdsa.PrivateKey) (*BalanceStatement, error) {

	stmt := &BalanceStatement{
		Account:          acct.ID,
		Nym:              acct.Owner,
		Trigger:          trigger.Number,
		PredictedBalance: acct.Balance + adjustment,
	}
	for _, txn := range acct.Inbox.Entries() {
		stmt.InboxReport = append(stmt.InboxReport, ReportLine{
			Box: Inbox, Number: txn.Number, Type: txn.Type, Amount: txn.Amount,
		})
	}
	for _, txn := range outbox.Entries() {
		stmt.OutboxReport = append(stmt.OutboxReport, ReportLine{
			Box: Outbox, Number: txn.Number, Type: txn.Type, Amount: txn.Amount,
		})
	}
	if trigger.Type.SelfClosing() {
		stmt.Removing = append(stmt.Removing, trigger.Number)
	}
	if err := stmt.sign(key); err != nil {
		return nil, err
	}
	return stmt, nil
}

// AddRemoval adds n to the removal set and re-signs. Process-inbox uses this
// for the closing numbers of the receipts it accepts.
func (s *BalanceStatement) AddRemoval(n types.TxNumber, key *ecdsa.PrivateKey) error {
	s.Removing = append(s.Removing, n)
	return s.sign(key)
}

func (s *BalanceStatement) sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return nil
	}
	s.Signature = nil
	unsigned, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("statement marshal error: %w", err)
	}
	sig, err := crypto.Sign(crypto.Keccak256(unsigned), key)
	if err != nil {
		return fmt.Errorf("statement sign error: %w", err)
	}
	s.Signature = sig
	return nil
}

// Verify checks the statement signature against the signer's public key.
func (s *BalanceStatement) Verify(pub *ecdsa.PublicKey) bool {
	sig := s.Signature
	if len(sig) < 64 {
		return false
	}
	cp := *s
	cp.Signature = nil
	unsigned, err := json.Marshal(&cp)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(crypto.FromECDSAPub(pub), crypto.Keccak256(unsigned), sig[:64])
}

// Removes reports whether n is in the removal set.
func (s *BalanceStatement) Removes(n types.TxNumber) bool {
	for _, m := range s.Removing {
		if m == n {
			return true
		}
	}
	return false
}
