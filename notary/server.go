package notary

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.dedis.ch/notary/cron"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/types"
)

// Server is the in-process notary double used by tests and the CLI demo. It
// implements the server side of every verb the engine submits, with real
// number, balance and cron bookkeeping, over a direct in-process exchange
// instead of a network.
type Server struct {
	logger zerolog.Logger

	ID            types.NotaryID
	adminPassword string

	mu        sync.Mutex
	contracts map[types.ContractID][]byte
	mints     map[types.UnitID][]byte
	nyms      map[types.NymID]*nymRecord
	accounts  map[types.AccountID]*acctRecord
	escrows   map[types.TxNumber]escrowRecord
	admin     types.NymID
	nextTx    types.TxNumber
	nextAcct  int
	cronList  []*cron.Item
}

// escrowRecord remembers who wrote an outstanding cheque, keyed by the cheque
// number, so the deposit can route a receipt back to the writer's inbox.
type escrowRecord struct {
	writer  types.NymID
	account types.AccountID
}

type nymRecord struct {
	registered  bool
	requestNum  uint64
	issued      map[types.TxNumber]bool
	notices     []*ledger.Transaction // server-side nymbox
	credentials []byte
}

type acctRecord struct {
	owner   types.NymID
	unit    types.UnitID
	balance int64
	pending []*ledger.Transaction // server-side inbox
}

type ServerOption func(*Server)

func WithAdminPassword(pw string) ServerOption {
	return func(s *Server) { s.adminPassword = pw }
}

// WithContract preloads the notary's contract directory.
func WithContract(id types.ContractID, blob []byte) ServerOption {
	return func(s *Server) { s.contracts[id] = blob }
}

func WithMint(unit types.UnitID, blob []byte) ServerOption {
	return func(s *Server) { s.mints[unit] = blob }
}

func NewServer(id types.NotaryID, opts ...ServerOption) *Server {
	s := &Server{
		ID:        id,
		contracts: make(map[types.ContractID][]byte),
		mints:     make(map[types.UnitID][]byte),
		nyms:      make(map[types.NymID]*nymRecord),
		accounts:  make(map[types.AccountID]*acctRecord),
		escrows:   make(map[types.TxNumber]escrowRecord),
		nextTx:    1000, // first granted number; arbitrary but stable for tests
	}
	// the notary's own contract is always in its directory
	s.contracts[types.ContractID(id)] = []byte(fmt.Sprintf("notary contract %s", id))
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.RootLogger.With().Str("Notary", string(id)).Logger()
	return s
}

func (s *Server) nym(id types.NymID) *nymRecord {
	rec, ok := s.nyms[id]
	if !ok {
		rec = &nymRecord{issued: make(map[types.TxNumber]bool)}
		s.nyms[id] = rec
	}
	return rec
}

// NextReceipt hands out a fresh server transaction number for a receipt or
// notice entry.
func (s *Server) NextReceipt() types.TxNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextReceiptLocked()
}

func (s *Server) nextReceiptLocked() types.TxNumber {
	n := s.nextTx
	s.nextTx++
	return n
}

// Handle executes one exchange. Every path returns a terminal Result.
func (s *Server) Handle(req operation.Request) types.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.nym(req.Nym)
	rec.requestNum++
	reply := &types.Reply{Kind: req.Kind, RequestNum: rec.requestNum}

	fail := func(err error) types.Result {
		reply.Note = err.Error()
		s.logger.Debug().Msgf("%s from %s rejected: %v", req.Kind, req.Nym, err)
		return types.Result{Status: types.StatusMessageFailure, Reply: reply}
	}
	invalid := func(err error) types.Result {
		reply.Note = err.Error()
		return types.Result{Status: types.StatusMessageInvalid, Reply: reply}
	}

	// Contract-directory reads come before registration: a nym needs the
	// notary's contract in hand before it can register against it.
	if !rec.registered &&
		req.Kind != types.KindRegisterNym && req.Kind != types.KindDownloadContract {
		return fail(errors.New("nym not registered"))
	}

	var err error
	switch req.Kind {
	case types.KindRegisterNym:
		rec.registered = true
		rec.credentials = req.Blob
	case types.KindGetNumbers:
		task, ok := req.Task.(types.GetNumbersTask)
		if !ok {
			return invalid(errors.New("bad getNumbers payload"))
		}
		count := task.Count
		if count <= 0 {
			count = 10
		}
		for i := 0; i < count; i++ {
			n := s.nextReceiptLocked()
			rec.issued[n] = true
			reply.Numbers = append(reply.Numbers, n)
		}
	case types.KindDownloadNymbox:
		reply.Payload, err = json.Marshal(rec.notices)
		if err != nil {
			return invalid(fmt.Errorf("nymbox marshal error: %w", err))
		}
	case types.KindDownloadContract:
		task := req.Task.(types.DownloadContractTask)
		blob, ok := s.contracts[task.ID]
		if !ok {
			return fail(fmt.Errorf("contract %s unknown", task.ID))
		}
		reply.Payload = blob
	case types.KindDownloadMint:
		task := req.Task.(types.DownloadMintTask)
		blob, ok := s.mints[task.Unit]
		if !ok {
			return fail(fmt.Errorf("mint %s unknown", task.Unit))
		}
		reply.Payload = blob
	case types.KindSendMessage:
		task := req.Task.(types.SendMessageTask)
		if err := s.deliverNotice(task.Recipient, ledger.TypeMessage, task.Message, 0); err != nil {
			return fail(err)
		}
	case types.KindCheckNym:
		task := req.Task.(types.CheckNymTask)
		target, ok := s.nyms[task.Target]
		if !ok || !target.registered {
			return fail(fmt.Errorf("nym %s unknown", task.Target))
		}
		reply.Payload = target.credentials
	case types.KindRegisterAccount:
		task := req.Task.(types.RegisterAccountTask)
		s.nextAcct++
		id := types.AccountID(fmt.Sprintf("acct-%d-%s", s.nextAcct, req.Nym))
		s.accounts[id] = &acctRecord{owner: req.Nym, unit: task.Unit}
		reply.Note = string(id)
	case types.KindIssueUnit:
		task := req.Task.(types.IssueUnitTask)
		s.contracts[types.ContractID(task.Unit)] = []byte(task.Terms)
		s.nextAcct++
		id := types.AccountID(fmt.Sprintf("acct-%d-%s", s.nextAcct, req.Nym))
		s.accounts[id] = &acctRecord{owner: req.Nym, unit: task.Unit}
		reply.Note = string(id)
	case types.KindPublishContract:
		task := req.Task.(types.PublishContractTask)
		s.contracts[task.ID] = req.Blob
	case types.KindRequestAdmin:
		task := req.Task.(types.RequestAdminTask)
		if s.adminPassword == "" || task.Password != s.adminPassword {
			return fail(errors.New("admin password rejected"))
		}
		if s.admin != "" && s.admin != req.Nym {
			return fail(errors.New("admin role already claimed"))
		}
		s.admin = req.Nym
	case types.KindPeerRequest:
		task := req.Task.(types.PeerRequestTask)
		if err := s.deliverNotice(task.Recipient, ledger.TypeNotice, task.Body, 0); err != nil {
			return fail(err)
		}
	case types.KindPeerReply:
		task := req.Task.(types.PeerReplyTask)
		if err := s.deliverNotice(task.Recipient, ledger.TypeNotice, task.Body, 0); err != nil {
			return fail(err)
		}
	case types.KindSendCheque, types.KindSendTransfer, types.KindWithdrawCash,
		types.KindSendCash, types.KindDepositPayment, types.KindProcessInbox:
		if res, ok := s.notarize(req, rec, reply); !ok {
			return res
		}
	default:
		return invalid(fmt.Errorf("verb %s not handled", req.Kind))
	}

	reply.Success = true
	return types.Result{Status: types.StatusMessageSuccess, Reply: reply}
}

// notarize runs the common checks for number-affecting transactions, then the
// per-verb balance moves. It mirrors the client's removal-set rule: a
// self-closing verb must remove its own number in the statement (and the
// server closes it); an in-play verb must not.
func (s *Server) notarize(req operation.Request, rec *nymRecord, reply *types.Reply) (types.Result, bool) {
	fail := func(err error) (types.Result, bool) {
		reply.Note = err.Error()
		return types.Result{Status: types.StatusMessageFailure, Reply: reply}, false
	}

	if len(req.Numbers) == 0 {
		return fail(errors.New("transaction without number"))
	}
	for _, n := range req.Numbers {
		if !rec.issued[n] {
			return fail(fmt.Errorf("number %d not issued to %s", n, req.Nym))
		}
	}
	if req.Statement == nil {
		return fail(errors.New("transaction without balance statement"))
	}
	trigger := req.Numbers[0]

	var txType ledger.TxType
	var apply func() error
	switch task := req.Task.(type) {
	case types.SendChequeTask:
		txType = ledger.TypeCheque
		apply = func() error {
			acct, err := s.account(task.Account, req.Nym)
			if err != nil {
				return err
			}
			if acct.balance < task.Amount {
				return fmt.Errorf("insufficient funds in %s", task.Account)
			}
			// funds are escrowed at write time, credited at deposit time
			acct.balance -= task.Amount
			s.escrows[trigger] = escrowRecord{writer: req.Nym, account: task.Account}
			return s.deliverAmount(task.Recipient, ledger.TypeCheque, task.Memo, trigger, task.Amount)
		}
	case types.SendTransferTask:
		txType = ledger.TypeTransfer
		apply = func() error {
			from, err := s.account(task.From, req.Nym)
			if err != nil {
				return err
			}
			to, ok := s.accounts[task.To]
			if !ok {
				return fmt.Errorf("account %s unknown", task.To)
			}
			if from.balance < task.Amount {
				return fmt.Errorf("insufficient funds in %s", task.From)
			}
			from.balance -= task.Amount
			to.pending = append(to.pending, &ledger.Transaction{
				Number: s.nextReceiptLocked(),
				Type:   ledger.TypeTransfer,
				RefNum: trigger,
				Amount: task.Amount,
				Memo:   task.Memo,
			})
			return nil
		}
	case types.WithdrawCashTask:
		txType = ledger.TypeWithdrawal
		apply = func() error {
			acct, err := s.account(task.Account, req.Nym)
			if err != nil {
				return err
			}
			if acct.balance < task.Amount {
				return fmt.Errorf("insufficient funds in %s", task.Account)
			}
			acct.balance -= task.Amount
			return nil
		}
	case types.SendCashTask:
		txType = ledger.TypeWithdrawal // cash spend closes like a withdrawal
		apply = func() error {
			return s.deliverNotice(task.Recipient, ledger.TypeNotice,
				fmt.Sprintf("cash %d", task.Amount), trigger)
		}
	case types.DepositPaymentTask:
		txType = ledger.TypeDeposit
		apply = func() error {
			acct, err := s.account(task.Account, req.Nym)
			if err != nil {
				return err
			}
			idx := -1
			for j, n := range rec.notices {
				if n.Type == ledger.TypeCheque && n.RefNum == task.Ref {
					idx = j
					break
				}
			}
			if idx < 0 {
				return fmt.Errorf("payment %d not found", task.Ref)
			}
			amount := rec.notices[idx].Amount
			acct.balance += amount
			rec.notices = append(rec.notices[:idx], rec.notices[idx+1:]...)
			// the cleared cheque becomes a receipt in the writer's inbox, so
			// the writer's next process-inbox can close the in-play number
			if esc, ok := s.escrows[task.Ref]; ok {
				if writerAcct, ok := s.accounts[esc.account]; ok {
					writerAcct.pending = append(writerAcct.pending, &ledger.Transaction{
						Number: s.nextReceiptLocked(),
						Type:   ledger.TypeCheque,
						RefNum: task.Ref,
						Amount: amount,
					})
				}
				delete(s.escrows, task.Ref)
			}
			return nil
		}
	case types.ProcessInboxTask:
		txType = ledger.TypeProcessInbox
		apply = func() error {
			acct, err := s.account(task.Account, req.Nym)
			if err != nil {
				return err
			}
			for _, n := range task.Accept {
				idx := -1
				for j, p := range acct.pending {
					if p.Number == n {
						idx = j
						break
					}
				}
				if idx < 0 {
					return fmt.Errorf("inbox item %d unknown", n)
				}
				item := acct.pending[idx]
				if item.Type == ledger.TypeTransfer {
					acct.balance += item.Amount
				}
				acct.pending = append(acct.pending[:idx], acct.pending[idx+1:]...)
			}
			// closing numbers settled by this process-inbox
			for _, n := range req.Statement.Removing {
				delete(rec.issued, n)
			}
			return nil
		}
	default:
		reply.Note = "bad transaction payload"
		return types.Result{Status: types.StatusMessageInvalid, Reply: reply}, false
	}

	if txType.SelfClosing() && !req.Statement.Removes(trigger) {
		return fail(fmt.Errorf("statement must remove own number %d", trigger))
	}
	if !txType.SelfClosing() && req.Statement.Removes(trigger) {
		return fail(fmt.Errorf("statement removes in-play number %d", trigger))
	}
	if err := apply(); err != nil {
		return fail(err)
	}
	if txType.SelfClosing() {
		delete(rec.issued, trigger)
	}
	return types.Result{}, true
}

func (s *Server) account(id types.AccountID, owner types.NymID) (*acctRecord, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s unknown", id)
	}
	if acct.owner != owner {
		return nil, fmt.Errorf("account %s not owned by %s", id, owner)
	}
	return acct, nil
}

func (s *Server) deliverNotice(to types.NymID, txType ledger.TxType, memo string, ref types.TxNumber) error {
	return s.deliverAmount(to, txType, memo, ref, 0)
}

func (s *Server) deliverAmount(to types.NymID, txType ledger.TxType, memo string, ref types.TxNumber, amount int64) error {
	target, ok := s.nyms[to]
	if !ok || !target.registered {
		return fmt.Errorf("nym %s unknown", to)
	}
	target.notices = append(target.notices, &ledger.Transaction{
		Number: s.nextReceiptLocked(),
		Type:   txType,
		RefNum: ref,
		Memo:   memo,
		Amount: amount,
	})
	return nil
}

// -----------------------------------------------------------------------------
// Cron

// SubmitCron accepts a confirmed item onto the cron list. All four numbers
// must be issued on this notary to their respective owners.
func (s *Server) SubmitCron(item *cron.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := []struct {
		nym types.NymID
		ns  cron.PartyNumbers
	}{
		{item.Sender.Nym, item.Sender.Numbers},
		{item.Recipient.Nym, item.Recipient.Numbers},
	}
	for _, p := range pairs {
		rec, ok := s.nyms[p.nym]
		if !ok || !rec.registered {
			return fmt.Errorf("submit cron: nym %s unknown", p.nym)
		}
		for _, n := range []types.TxNumber{p.ns.Opening, p.ns.Closing} {
			if !rec.issued[n] {
				return fmt.Errorf("submit cron: number %d not issued to %s", n, p.nym)
			}
		}
	}
	s.cronList = append(s.cronList, item)
	s.logger.Info().Msgf("cron item accepted: %s", item)
	return nil
}

// CloseNumber settles n in the notary's books for nym, as removal and
// process-inbox do.
func (s *Server) CloseNumber(nym types.NymID, n types.TxNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.nyms[nym]; ok {
		delete(rec.issued, n)
	}
}

// CronItems returns the current cron list.
func (s *Server) CronItems() []*cron.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*cron.Item, len(s.cronList))
	copy(out, s.cronList)
	return out
}

// DropCron removes an item from the cron list once its removal settled.
func (s *Server) DropCron(item *cron.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.cronList {
		if it == item {
			s.cronList = append(s.cronList[:i], s.cronList[i+1:]...)
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Test observability

// Balance reads an account balance.
func (s *Server) Balance(id types.AccountID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return 0, false
	}
	return acct.balance, true
}

// Credit funds an account directly; tests use it to seed balances.
func (s *Server) Credit(id types.AccountID, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accounts[id]; ok {
		acct.balance += amount
	}
}

// PendingInbox returns an account's server-side inbox entries.
func (s *Server) PendingInbox(id types.AccountID) []*ledger.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil
	}
	out := make([]*ledger.Transaction, len(acct.pending))
	copy(out, acct.pending)
	return out
}

// Deregister forgets a nym's registration, as a notary-side reset would.
func (s *Server) Deregister(nym types.NymID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.nyms[nym]; ok {
		rec.registered = false
	}
}

// Registered reports whether a nym has registered.
func (s *Server) Registered(nym types.NymID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nyms[nym]
	return ok && rec.registered
}

// IssuedTo reports whether n is issued to nym in the notary's books.
func (s *Server) IssuedTo(nym types.NymID, n types.TxNumber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nyms[nym]
	return ok && rec.issued[n]
}
