package ledger

import (
	"fmt"

	"go.dedis.ch/notary/types"
)

// Account is the client-side record of one asset account: its balance as of
// the last signed agreement, plus its pending boxes.
type Account struct {
	ID      types.AccountID
	Owner   types.NymID
	Notary  types.NotaryID
	Unit    types.UnitID
	Balance int64

	Inbox  *Ledger
	Outbox *Ledger
}

func NewAccount(id types.AccountID, owner types.NymID, notary types.NotaryID, unit types.UnitID) *Account {
	return &Account{
		ID:     id,
		Owner:  owner,
		Notary: notary,
		Unit:   unit,
		Inbox:  NewLedger(Inbox, owner, id, notary),
		Outbox: NewLedger(Outbox, owner, id, notary),
	}
}

func (a *Account) String() string {
	return fmt.Sprintf("{account %s owner=%s unit=%s balance=%d}", a.ID, a.Owner, a.Unit, a.Balance)
}
