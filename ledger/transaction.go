package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/notary/types"
)

// TxType classifies a box entry.
type TxType int

const (
	TypeTransfer TxType = iota
	TypeCheque
	TypeDeposit
	TypeWithdrawal
	TypeMarketOffer
	TypePaymentPlan
	TypeSmartContract
	TypeCancelCronItem
	TypeExchangeBasket
	TypePayDividend
	TypeProcessInbox
	TypeFinalReceipt
	TypeNotice
	TypeMessage
)

func (t TxType) String() string {
	names := map[TxType]string{
		TypeTransfer:       "transfer",
		TypeCheque:         "cheque",
		TypeDeposit:        "deposit",
		TypeWithdrawal:     "withdrawal",
		TypeMarketOffer:    "marketOffer",
		TypePaymentPlan:    "paymentPlan",
		TypeSmartContract:  "smartContract",
		TypeCancelCronItem: "cancelCronItem",
		TypeExchangeBasket: "exchangeBasket",
		TypePayDividend:    "payDividend",
		TypeProcessInbox:   "processInbox",
		TypeFinalReceipt:   "finalReceipt",
		TypeNotice:         "notice",
		TypeMessage:        "message",
	}
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("txType(%d)", int(t))
}

// SelfClosing reports whether a transaction of this type settles its own
// number in one step. Self-closing operations put their own number in the
// balance statement's removal set; in-play operations (transfer, market offer,
// payment plan, smart contract, cheque) settle later, when their receipt is
// accepted.
func (t TxType) SelfClosing() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeCancelCronItem,
		TypeExchangeBasket, TypePayDividend, TypeProcessInbox:
		return true
	}
	return false
}

// Transaction is one entry in a box ledger.
type Transaction struct {
	Number     types.TxNumber `json:"number"`
	Type       TxType         `json:"type"`
	RefNum     types.TxNumber `json:"refNum"`     // "in reference to" number
	ClosingRef types.TxNumber `json:"closingRef"` // closing number a final receipt settles
	Amount     int64          `json:"amount"`
	Memo       string         `json:"memo"`
	ValidTo    int64          `json:"validTo,omitempty"` // unix seconds; zero means no expiry
	Payload    []byte         `json:"payload,omitempty"`
}

// ContentHash is the keccak digest an abbreviated entry must reproduce.
func (t *Transaction) ContentHash() string {
	blob, err := json.Marshal(t)
	if err != nil {
		// Transaction marshals from plain fields; this cannot fail.
		panic(fmt.Errorf("transaction marshal error: %w", err))
	}
	return hex.EncodeToString(crypto.Keccak256(blob))
}

func (t *Transaction) String() string {
	return fmt.Sprintf("{txn %d %s ref=%d closing=%d amount=%d}",
		t.Number, t.Type, t.RefNum, t.ClosingRef, t.Amount)
}
