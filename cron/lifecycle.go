package cron

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/numbers"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

// Side bundles everything one party needs to run its half of the lifecycle:
// its pool, its nymbox, its account, and the store they persist to.
type Side struct {
	Nym    types.NymID
	Key    *ecdsa.PrivateKey
	Pool   *numbers.Pool
	Nymbox *ledger.Ledger
	Acct   *ledger.Account
	KV     storage.KV
}

// Hooks is the kind-specific capability table: shared lifecycle code calls
// through it instead of dispatching on the item type.
type Hooks struct {
	CanRemove      func(item *Item, requester types.NymID, pool *numbers.Pool) error
	OnRemoval      func(item *Item, logger zerolog.Logger)
	OnFinalReceipt func(item *Item, side *Side, receiptNum types.TxNumber)
}

// HooksFor returns the capability table for a kind.
func HooksFor(k Kind) Hooks {
	h := Hooks{
		CanRemove:      canRemoveByNumbers,
		OnRemoval:      func(*Item, zerolog.Logger) {},
		OnFinalReceipt: func(*Item, *Side, types.TxNumber) {},
	}
	switch k {
	case Trade:
		h.OnRemoval = func(item *Item, logger zerolog.Logger) {
			logger.Info().Msgf("market offer closed on %s", item.Trade.Market)
		}
	case SmartContract:
		h.CanRemove = func(item *Item, requester types.NymID, pool *numbers.Pool) error {
			named := false
			for _, p := range item.Contract.Parties {
				if p.Nym == requester {
					named = true
					break
				}
			}
			if !named {
				return fmt.Errorf("%s is not a contract party: %w", requester, ErrNotAuthorized)
			}
			return canRemoveByNumbers(item, requester, pool)
		}
	}
	return h
}

// canRemoveByNumbers re-verifies, against the live pool, that the requester
// still holds the numbers that authorize a removal request: the opening number
// (originator) or its own opening/closing pair (recipient).
func canRemoveByNumbers(item *Item, requester types.NymID, pool *numbers.Pool) error {
	switch requester {
	case item.Sender.Nym:
		if !pool.IssuedHeld(item.Sender.Numbers.Opening) {
			return fmt.Errorf("opening number %d not issued: %w",
				item.Sender.Numbers.Opening, ErrNotAuthorized)
		}
	case item.Recipient.Nym:
		ns := item.Recipient.Numbers
		if !pool.IssuedHeld(ns.Opening) || !pool.IssuedHeld(ns.Closing) {
			return fmt.Errorf("recipient pair (%d,%d) not issued: %w",
				ns.Opening, ns.Closing, ErrNotAuthorized)
		}
	default:
		return fmt.Errorf("%s is no party to the item: %w", requester, ErrNotAuthorized)
	}
	return nil
}

// RequestRemoval is the authorization gate in front of Remove.
func RequestRemoval(item *Item, requester types.NymID, pool *numbers.Pool) error {
	return HooksFor(item.Kind).CanRemove(item, requester, pool)
}

// -----------------------------------------------------------------------------
// ItemBuilder

// ItemBuilder assembles an unnumbered draft; Propose attaches the
// originator's numbers and signs it.
type ItemBuilder struct {
	item Item
}

func NewItemBuilder(kind Kind, notary types.NotaryID) *ItemBuilder {
	return &ItemBuilder{item: Item{Kind: kind, Notary: notary}}
}

func (b *ItemBuilder) WithSender(nym types.NymID, acct types.AccountID) *ItemBuilder {
	b.item.Sender.Nym = nym
	b.item.Sender.Account = acct
	return b
}

func (b *ItemBuilder) WithRecipient(nym types.NymID, acct types.AccountID) *ItemBuilder {
	b.item.Recipient.Nym = nym
	b.item.Recipient.Account = acct
	return b
}

func (b *ItemBuilder) WithWindow(from, to time.Time) *ItemBuilder {
	b.item.ValidFrom = from.Unix()
	if !to.IsZero() {
		b.item.ValidTo = to.Unix()
	}
	return b
}

func (b *ItemBuilder) WithMemo(memo string) *ItemBuilder {
	b.item.Memo = memo
	return b
}

func (b *ItemBuilder) WithCanceler(nym types.NymID) *ItemBuilder {
	b.item.Canceler = nym
	return b
}

func (b *ItemBuilder) WithAgreement(value int64, period time.Duration) *ItemBuilder {
	b.item.Agreement = &AgreementData{Value: value, Period: period}
	return b
}

func (b *ItemBuilder) WithTrade(data TradeData) *ItemBuilder {
	b.item.Trade = &data
	return b
}

func (b *ItemBuilder) WithContract(data SmartContractData) *ItemBuilder {
	b.item.Contract = &data
	return b
}

func (b *ItemBuilder) Build() *Item {
	item := b.item
	return &item
}

// -----------------------------------------------------------------------------
// Lifecycle

// Propose runs the originator side: reserve the opening/closing pair from its
// own pool, default the validity window, sign the draft.
func Propose(item *Item, originator *Side) error {
	if item.Sender.Nym != originator.Nym {
		return fmt.Errorf("propose by %s on %s's item: %w", originator.Nym, item.Sender.Nym, ErrNotAuthorized)
	}
	ns, err := originator.Pool.Reserve(2)
	if err != nil {
		return fmt.Errorf("propose error: %w", err)
	}
	item.Sender.Numbers = PartyNumbers{Opening: ns[0], Closing: ns[1]}
	if item.ValidFrom == 0 {
		item.ValidFrom = time.Now().Unix()
	}
	// ValidTo stays 0: no expiry unless the builder set one.
	if err := item.Sign(originator.Key); err != nil {
		return err
	}
	item.State = Proposed
	return nil
}

// Confirm runs the counterparty side: validate the draft's identifiers and
// the originator's signature, retain the originator's copy verbatim, reserve
// this side's pair, re-sign.
func Confirm(item *Item, confirmer *Side, originatorPub *ecdsa.PublicKey) error {
	if item.State != Proposed {
		return fmt.Errorf("confirm in state %s: %w", item.State, ErrBadState)
	}
	if item.Recipient.Nym != confirmer.Nym {
		return fmt.Errorf("confirm by %s on item for %s: %w", confirmer.Nym, item.Recipient.Nym, ErrNotAuthorized)
	}
	if item.Sender.Nym == "" || item.Sender.Account == "" ||
		item.Recipient.Nym == "" || item.Recipient.Account == "" {
		return ErrBadParties
	}
	if !item.VerifySignature(originatorPub) {
		return ErrBadSignature
	}
	item.OriginatorCopy = item.Bytes()
	ns, err := confirmer.Pool.Reserve(2)
	if err != nil {
		return fmt.Errorf("confirm error: %w", err)
	}
	item.Recipient.Numbers = PartyNumbers{Opening: ns[0], Closing: ns[1]}
	item.State = Confirmed
	return item.Sign(confirmer.Key)
}

// Activate submits the confirmed item as a notary transaction. On acceptance
// the item is live on cron and all four numbers stay issued.
func Activate(item *Item, submit func(*Item) error) error {
	if item.State != Confirmed {
		return fmt.Errorf("activate in state %s: %w", item.State, ErrBadState)
	}
	if err := submit(item); err != nil {
		return fmt.Errorf("activate error: %w", err)
	}
	item.State = Active
	return nil
}

// CancelBeforeActivation marks a never-submitted item canceled. Legal only
// for the canceling-authorized identity, and only before activation.
func CancelBeforeActivation(item *Item, canceler *Side) error {
	if item.State != Proposed && item.State != Confirmed {
		return fmt.Errorf("cancel in state %s: %w", item.State, ErrBadState)
	}
	if item.Canceler == "" || canceler.Nym != item.Canceler {
		return fmt.Errorf("cancel by %s: %w", canceler.Nym, ErrNotAuthorized)
	}
	item.State = Canceled
	return item.Sign(canceler.Key)
}

// HarvestFailed returns a party's own reserved numbers to its pool after a
// failed submission, verifying each is still issued first so that a number
// consumed by some other path is never double-credited.
func HarvestFailed(item *Item, side *Side) error {
	var ns PartyNumbers
	switch side.Nym {
	case item.Sender.Nym:
		ns = item.Sender.Numbers
	case item.Recipient.Nym:
		ns = item.Recipient.Numbers
	default:
		return fmt.Errorf("harvest by %s: %w", side.Nym, ErrNotAuthorized)
	}
	for _, n := range []types.TxNumber{ns.Opening, ns.Closing} {
		if n == 0 {
			continue
		}
		if !side.Pool.IssuedHeld(n) {
			continue
		}
		if err := side.Pool.Harvest(n); err != nil {
			return fmt.Errorf("harvest error: %w", err)
		}
	}
	return nil
}

// Remove performs the removal unit of work for both parties, idempotently:
// consume each opening number and drop a final-receipt notice into that
// party's nymbox, and drop a final-receipt transaction into each party's
// account inbox with that party's closing number as the receipt's closing
// reference. Closing numbers stay issued until their owners accept the inbox
// receipt via process-inbox. Re-running a partially applied removal completes
// what is missing and re-does nothing.
func Remove(item *Item, sender, recipient *Side, nextReceipt func() types.TxNumber) error {
	logger := logging.RootLogger.With().Str("Cron", item.Kind.String()).Logger()
	signed := item.Bytes()

	sides := []struct {
		side *Side
		ref  *PartyRef
	}{
		{sender, &item.Sender},
		{recipient, &item.Recipient},
	}
	hooks := HooksFor(item.Kind)
	for _, s := range sides {
		opening := s.ref.Numbers.Opening
		closing := s.ref.Numbers.Closing

		if s.side.Pool.IssuedHeld(opening) {
			if err := s.side.Pool.Consume(opening); err != nil {
				return fmt.Errorf("remove error: %w", err)
			}
		}
		if !hasReceiptFor(s.side.Nymbox, opening) {
			num := nextReceipt()
			if err := ledger.DropFinalReceiptToNymbox(
				s.side.Nymbox, s.side.KV, s.side.Key, num, opening, signed); err != nil {
				return err
			}
			hooks.OnFinalReceipt(item, s.side, num)
		}
		if !hasReceiptClosing(s.side.Acct.Inbox, closing) {
			num := nextReceipt()
			if err := ledger.DropFinalReceiptToInbox(
				s.side.Acct.Inbox, s.side.KV, s.side.Key, num, opening, closing, signed); err != nil {
				return err
			}
		}
	}
	item.State = Removed
	hooks.OnRemoval(item, logger)
	return nil
}

// AcceptFinalReceipt is the conscious settlement step: the owner accepts the
// inbox receipt, consuming its own closing number. There is no timeout path.
func AcceptFinalReceipt(side *Side, receipt *ledger.Transaction) error {
	if receipt.Type != ledger.TypeFinalReceipt {
		return fmt.Errorf("accept: %s is not a final receipt", receipt.Type)
	}
	if !side.Pool.IssuedHeld(receipt.ClosingRef) {
		return fmt.Errorf("accept receipt %d: closing %d: %w",
			receipt.Number, receipt.ClosingRef, numbers.ErrNotIssued)
	}
	if err := side.Pool.Consume(receipt.ClosingRef); err != nil {
		return fmt.Errorf("accept error: %w", err)
	}
	side.Acct.Inbox.Remove(receipt.Number)
	if err := side.Acct.Inbox.Save(side.KV, side.Key); err != nil {
		return fmt.Errorf("accept error: %w", err)
	}
	return nil
}

func hasReceiptFor(box *ledger.Ledger, opening types.TxNumber) bool {
	for _, txn := range box.Entries() {
		if txn.Type == ledger.TypeFinalReceipt && txn.RefNum == opening {
			return true
		}
	}
	return false
}

func hasReceiptClosing(box *ledger.Ledger, closing types.TxNumber) bool {
	for _, txn := range box.Entries() {
		if txn.Type == ledger.TypeFinalReceipt && txn.ClosingRef == closing {
			return true
		}
	}
	return false
}
