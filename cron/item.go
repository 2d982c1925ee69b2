package cron

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/notary/types"
)

// Kind tags the cron item variants. Kind-specific behavior lives in the Hooks
// table, not in type hierarchies.
type Kind int

const (
	Trade Kind = iota
	Agreement
	SmartContract
)

func (k Kind) String() string {
	switch k {
	case Trade:
		return "trade"
	case Agreement:
		return "agreement"
	case SmartContract:
		return "smartContract"
	}
	return fmt.Sprintf("cronKind(%d)", int(k))
}

// State is the item's lifecycle position.
type State int

const (
	Proposed State = iota
	Confirmed
	Active
	Removed
	Expired
	Canceled
)

func (s State) String() string {
	names := map[State]string{
		Proposed: "proposed", Confirmed: "confirmed", Active: "active",
		Removed: "removed", Expired: "expired", Canceled: "canceled",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("cronState(%d)", int(s))
}

var (
	ErrBadState      = errors.New("cron item in wrong state")
	ErrNotAuthorized = errors.New("party not authorized")
	ErrBadSignature  = errors.New("cron item signature invalid")
	ErrBadParties    = errors.New("cron item party/account identifiers invalid")
)

// PartyNumbers is the one opening and one closing number a party commits to
// an item.
type PartyNumbers struct {
	Opening types.TxNumber `json:"opening"`
	Closing types.TxNumber `json:"closing"`
}

// PartyRef names one side of the item.
type PartyRef struct {
	Nym     types.NymID     `json:"nym"`
	Account types.AccountID `json:"account"`
	Numbers PartyNumbers    `json:"numbers"`
}

// AgreementData is the payment-plan payload: Value every Period within the
// validity window.
type AgreementData struct {
	Value  int64         `json:"value"`
	Period time.Duration `json:"period"`
}

// TradeData is the market-offer payload.
type TradeData struct {
	Market  string       `json:"market"`
	Selling types.UnitID `json:"selling"`
	Buying  types.UnitID `json:"buying"`
	Price   int64        `json:"price"`
}

// Smart-contract parties, accounts and agents are flat arenas with name
// lookups; entries reference each other by name, never by pointer.
type SCParty struct {
	Name  string      `json:"name"`
	Nym   types.NymID `json:"nym"`
	Agent string      `json:"agent"`
}

type SCAccount struct {
	Name  string          `json:"name"`
	ID    types.AccountID `json:"id"`
	Party string          `json:"party"`
}

type SCAgent struct {
	Name string      `json:"name"`
	Nym  types.NymID `json:"nym"`
}

type SmartContractData struct {
	Parties  []SCParty   `json:"parties"`
	Accounts []SCAccount `json:"accounts"`
	Agents   []SCAgent   `json:"agents"`
}

func (d *SmartContractData) FindParty(name string) (SCParty, bool) {
	for _, p := range d.Parties {
		if p.Name == name {
			return p, true
		}
	}
	return SCParty{}, false
}

func (d *SmartContractData) FindAccount(name string) (SCAccount, bool) {
	for _, a := range d.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return SCAccount{}, false
}

func (d *SmartContractData) FindAgent(name string) (SCAgent, bool) {
	for _, a := range d.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return SCAgent{}, false
}

// Item is one recurring obligation on a notary's cron list.
type Item struct {
	Kind   Kind           `json:"kind"`
	State  State          `json:"state"`
	Notary types.NotaryID `json:"notary"`

	Sender    PartyRef `json:"sender"`    // originator side
	Recipient PartyRef `json:"recipient"` // confirming side

	ValidFrom int64  `json:"validFrom"` // unix seconds
	ValidTo   int64  `json:"validTo"`   // 0 means no expiry
	Memo      string `json:"memo"`      // consideration

	// Canceler is the only identity allowed to cancel before activation.
	Canceler types.NymID `json:"canceler"`

	Agreement *AgreementData     `json:"agreement,omitempty"`
	Trade     *TradeData         `json:"trade,omitempty"`
	Contract  *SmartContractData `json:"contract,omitempty"`

	// OriginatorCopy is the pre-confirmation signed draft, retained verbatim
	// for dispute resolution: it stops verifying once the confirmer's numbers
	// are embedded and the item is re-signed.
	OriginatorCopy []byte `json:"originatorCopy,omitempty"`
	Signature      []byte `json:"signature,omitempty"`
}

// WindowElapsed reports whether the validity window has closed at now.
func (i *Item) WindowElapsed(now time.Time) bool {
	return i.ValidTo != 0 && now.Unix() >= i.ValidTo
}

func (i *Item) String() string {
	return fmt.Sprintf("{cron %s %s sender=%s recipient=%s window=[%d,%d)}",
		i.Kind, i.State, i.Sender.Nym, i.Recipient.Nym, i.ValidFrom, i.ValidTo)
}

// Sign re-signs the item with key, replacing any previous signature.
func (i *Item) Sign(key *ecdsa.PrivateKey) error {
	i.Signature = nil
	unsigned, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("cron item marshal error: %w", err)
	}
	sig, err := crypto.Sign(crypto.Keccak256(unsigned), key)
	if err != nil {
		return fmt.Errorf("cron item sign error: %w", err)
	}
	i.Signature = sig
	return nil
}

// VerifySignature checks the current signature against pub.
func (i *Item) VerifySignature(pub *ecdsa.PublicKey) bool {
	sig := i.Signature
	if len(sig) < 64 {
		return false
	}
	cp := *i
	cp.Signature = nil
	unsigned, err := json.Marshal(&cp)
	if err != nil {
		return false
	}
	return crypto.VerifySignature(crypto.FromECDSAPub(pub), crypto.Keccak256(unsigned), sig[:64])
}

// Bytes is the signed serialized form, as stored and as countersigned by the
// notary.
func (i *Item) Bytes() []byte {
	blob, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Errorf("cron item marshal error: %w", err))
	}
	return blob
}
