package ledger

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

var (
	// ErrDuplicateNumber means two entries in one box share a transaction
	// number. The box is corrupt.
	ErrDuplicateNumber = errors.New("duplicate transaction number in ledger")
	// ErrHashMismatch means an abbreviated entry does not match its full
	// record; the ledger load fails as a whole.
	ErrHashMismatch = errors.New("abbreviated entry hash mismatch")
)

// BoxType names the ledger flavors.
type BoxType int

const (
	Nymbox BoxType = iota // per-nym notices and new-number delivery
	Inbox                 // per-account pending items
	Outbox                // per-account items in transit out
	PaymentInbox
	RecordBox
	ExpiredBox
	MessageBox // ephemeral signed envelopes, never persisted as receipts
)

func (b BoxType) String() string {
	names := map[BoxType]string{
		Nymbox: "nymbox", Inbox: "inbox", Outbox: "outbox",
		PaymentInbox: "paymentInbox", RecordBox: "recordBox",
		ExpiredBox: "expiredBox", MessageBox: "message",
	}
	if n, ok := names[b]; ok {
		return n
	}
	return fmt.Sprintf("boxType(%d)", int(b))
}

// Ledger is one typed box of transactions for one account or one nym. It is
// owned by the context worker for its (nym, notary) pair; nobody else mutates
// it.
type Ledger struct {
	logger zerolog.Logger

	Type    BoxType
	Owner   types.NymID
	Account types.AccountID // empty for nym-level boxes
	Notary  types.NotaryID

	entries map[types.TxNumber]*Transaction
}

func NewLedger(box BoxType, owner types.NymID, account types.AccountID, notary types.NotaryID) *Ledger {
	l := &Ledger{
		Type:    box,
		Owner:   owner,
		Account: account,
		Notary:  notary,
		entries: make(map[types.TxNumber]*Transaction),
	}
	l.logger = logging.RootLogger.With().
		Str("Ledger", fmt.Sprintf("%s/%s/%s", box, owner, account)).Logger()
	return l
}

// Add inserts one entry. Duplicate numbers are an invariant violation.
func (l *Ledger) Add(txn *Transaction) error {
	if _, ok := l.entries[txn.Number]; ok {
		return fmt.Errorf("add %d to %s: %w", txn.Number, l.Type, ErrDuplicateNumber)
	}
	l.entries[txn.Number] = txn
	return nil
}

// Remove drops the entry for n, if present.
func (l *Ledger) Remove(n types.TxNumber) {
	delete(l.entries, n)
}

func (l *Ledger) Get(n types.TxNumber) (*Transaction, bool) {
	txn, ok := l.entries[n]
	return txn, ok
}

func (l *Ledger) Count() int {
	return len(l.entries)
}

// Entries returns the box contents in increasing number order.
func (l *Ledger) Entries() []*Transaction {
	nums := make([]types.TxNumber, 0, len(l.entries))
	for n := range l.entries {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	out := make([]*Transaction, 0, len(nums))
	for _, n := range nums {
		out = append(out, l.entries[n])
	}
	return out
}

// abbrevEntry is the hash line stored next to each full entry; on load the
// full entry must reproduce it.
type abbrevEntry struct {
	Number types.TxNumber `json:"number"`
	Type   TxType         `json:"type"`
	Hash   string         `json:"hash"`
}

type ledgerBlob struct {
	Box       BoxType         `json:"box"`
	Owner     types.NymID     `json:"owner"`
	Account   types.AccountID `json:"account"`
	Notary    types.NotaryID  `json:"notary"`
	Abbrev    []abbrevEntry   `json:"abbrev"`
	Full      []*Transaction  `json:"full"`
	Signature []byte          `json:"signature,omitempty"`
}

func (l *Ledger) storageKey() string {
	return fmt.Sprintf("ledger/%s/%s/%s/%s", l.Notary, l.Owner, l.Type, l.Account)
}

// Save signs and persists the box. Message-type ledgers are ephemeral
// envelopes and are never written down.
func (l *Ledger) Save(kv storage.KV, key *ecdsa.PrivateKey) error {
	if l.Type == MessageBox {
		return nil
	}
	blob := ledgerBlob{
		Box:     l.Type,
		Owner:   l.Owner,
		Account: l.Account,
		Notary:  l.Notary,
		Full:    l.Entries(),
	}
	for _, txn := range blob.Full {
		blob.Abbrev = append(blob.Abbrev, abbrevEntry{
			Number: txn.Number, Type: txn.Type, Hash: txn.ContentHash(),
		})
	}
	unsigned, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("ledger marshal error: %w", err)
	}
	if key != nil {
		sig, err := crypto.Sign(crypto.Keccak256(unsigned), key)
		if err != nil {
			return fmt.Errorf("ledger sign error: %w", err)
		}
		blob.Signature = sig
	}
	signed, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("ledger marshal error: %w", err)
	}
	if err := kv.Put(l.storageKey(), signed); err != nil {
		return fmt.Errorf("ledger store error: %w", err)
	}
	return nil
}

// Load reads the box back and verifies every abbreviated hash against its full
// entry. A mismatch fails the whole load.
func Load(kv storage.KV, box BoxType, owner types.NymID, account types.AccountID, notary types.NotaryID) (*Ledger, error) {
	l := NewLedger(box, owner, account, notary)
	raw, err := kv.Get(l.storageKey())
	if err != nil {
		return nil, fmt.Errorf("ledger load error: %w", err)
	}
	var blob ledgerBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("ledger unmarshal error: %w", err)
	}
	byNum := make(map[types.TxNumber]string, len(blob.Abbrev))
	for _, ab := range blob.Abbrev {
		byNum[ab.Number] = ab.Hash
	}
	for _, txn := range blob.Full {
		want, ok := byNum[txn.Number]
		if !ok || want != txn.ContentHash() {
			return nil, fmt.Errorf("ledger load %s entry %d: %w", box, txn.Number, ErrHashMismatch)
		}
		if err := l.Add(txn); err != nil {
			return nil, fmt.Errorf("ledger load error: %w", err)
		}
	}
	return l, nil
}

// Hash digests the current contents, abbreviated-entry style.
func (l *Ledger) Hash() string {
	h := make([]byte, 0, len(l.entries)*32)
	for _, txn := range l.Entries() {
		h = append(h, []byte(txn.ContentHash())...)
	}
	return fmt.Sprintf("%x", crypto.Keccak256(h))
}
