package types

import "fmt"

// NymID identifies a party (a cryptographic identity) in the protocol.
type NymID string

// NotaryID identifies one notary server.
type NotaryID string

// AccountID identifies an asset account hosted on a notary.
type AccountID string

// UnitID identifies a unit definition (asset type) contract.
type UnitID string

// ContractID identifies any downloadable contract: a nym credential, a notary
// contract, a unit definition or a mint.
type ContractID string

// TxNumber is a single-use ticket issued by a notary to a nym. It authorizes
// exactly one state-changing transaction, ever.
type TxNumber uint64

// TaskID is the caller-facing handle for one submitted task. Monotonically
// increasing, unique per process lifetime.
type TaskID uint64

// ContextID names the relationship between one nym and one notary. There is
// exactly one state machine per ContextID.
type ContextID struct {
	Nym    NymID
	Notary NotaryID
}

func (c ContextID) String() string {
	return fmt.Sprintf("%s@%s", c.Nym, c.Notary)
}
