package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/metrics"
	"go.dedis.ch/notary/numbers"
	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/types"
)

// step is what a task handler hands back to the scheduler: either "suspend
// and re-invoke me after a delay" or a terminal result. The scheduler owns
// the waiting; handlers never sleep themselves.
type step struct {
	retry bool
	after time.Duration
	res   types.Result
}

func retryStep(after time.Duration) step {
	return step{retry: true, after: after}
}

func doneStep(res types.Result) step {
	return step{res: res}
}

// runStep drives one handler to completion, interpreting retry suspensions.
// Shutdown unwinds the suspension immediately.
func (c *Context) runStep(fn func() step) types.Result {
	for {
		st := fn()
		if !st.retry {
			return st.res
		}
		select {
		case <-c.shutdown:
			return types.Result{Status: types.StatusShutdown}
		case <-time.After(st.after):
		}
	}
}

// exchange submits one request through the operation slot. Only the start is
// retried; once started, the worker blocks on the operation's future, and a
// shutdown while waiting abandons the exchange.
func (c *Context) exchange(req operation.Request) types.Result {
	res := c.runStep(func() step {
		if !c.op.Start(req) {
			return retryStep(c.conf.RetryInterval)
		}
		fut := c.op.GetFuture()
		select {
		case <-fut.Done():
			res, _ := fut.Poll()
			return doneStep(res)
		case <-c.shutdown:
			return doneStep(types.Result{Status: types.StatusShutdown})
		}
	})
	if c.state == ready && res.Status == types.StatusMessageFailure &&
		res.Reply != nil && strings.Contains(res.Reply.Note, "not registered") {
		// the notary no longer knows us; fall back to the registration state
		c.registered = false
		c.state = needsRegistration
		c.logger.Warn().Msgf("registration lost, state -> %s", c.state)
	}
	return res
}

// execute runs one task to completion and returns its terminal Result.
// Transient submission problems are retried inside; every distinct attempt
// that reaches the notary produces exactly one Result.
func (c *Context) execute(task types.Task) types.Result {
	switch t := task.(type) {
	case types.RegisterNymTask:
		return c.handleRegisterNym(t)
	case types.DownloadNymboxTask:
		return c.handleDownloadNymbox(t)
	case types.DownloadContractTask:
		return c.handleDownloadContract(t)
	case types.DownloadMintTask:
		return c.handleDownloadMint(t)
	case types.SendMessageTask:
		return c.exchange(operation.NewRequest(t))
	case types.PeerRequestTask:
		return c.exchange(operation.NewRequest(t))
	case types.PeerReplyTask:
		return c.exchange(operation.NewRequest(t))
	case types.PublishContractTask:
		return c.exchange(operation.NewRequest(t))
	case types.RequestAdminTask:
		return c.handleRequestAdmin(t)
	case types.CheckNymTask:
		return c.handleCheckNym(t)
	case types.GetNumbersTask:
		return c.handleGetNumbers(t)
	case types.RegisterAccountTask:
		return c.handleRegisterAccount(t)
	case types.IssueUnitTask:
		return c.handleIssueUnit(t)
	case types.SendChequeTask:
		return c.handleSendCheque(t)
	case types.SendTransferTask:
		return c.handleSendTransfer(t)
	case types.WithdrawCashTask:
		return c.handleWithdrawCash(t)
	case types.SendCashTask:
		return c.handleSendCash(t)
	case types.DepositPaymentTask:
		return c.handleDepositPayment(t)
	case types.ProcessInboxTask:
		return c.handleProcessInbox(t)
	}
	c.logger.Error().Msgf("no handler for %s", task.Kind())
	return types.Result{Status: types.StatusMessageInvalid}
}

// -----------------------------------------------------------------------------
// message-class handlers

func (c *Context) handleRegisterNym(t types.RegisterNymTask) types.Result {
	req := operation.NewRequest(t)
	req.Blob = []byte(fmt.Sprintf("credentials:%s", c.id.Nym))
	res := c.exchange(req)
	if res.Succeeded() {
		c.registered = true
	}
	return res
}

func (c *Context) handleRequestAdmin(t types.RequestAdminTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	if res.Succeeded() {
		c.adminGranted = true
	}
	return res
}

func (c *Context) handleCheckNym(t types.CheckNymTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	c.reg.publishMessagability(c.id.Nym, t.Target, res.Status)
	return res
}

func (c *Context) handleDownloadContract(t types.DownloadContractTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	switch {
	case res.Succeeded():
		c.backoff.Succeed(t.ID, res.Reply.Payload)
		// a queued duplicate download is moot now
		if id, ok := c.queues[types.KindDownloadContract].CancelByValue(t); ok {
			c.reg.resolve(id, t, res)
		}
	case res.Status != types.StatusShutdown:
		c.backoff.Track(t.ID)
		c.backoff.Fail(t.ID)
	}
	return res
}

func (c *Context) handleDownloadMint(t types.DownloadMintTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	if res.Succeeded() {
		c.backoff.Succeed(mintContractID(t.Unit), res.Reply.Payload)
	}
	return res
}

func mintContractID(unit types.UnitID) types.ContractID {
	return types.ContractID("mint/" + string(unit))
}

// handleDownloadNymbox merges the downloaded box into the local nymbox,
// routing cheque notices into the payment inbox where deposits pick them up.
func (c *Context) handleDownloadNymbox(t types.DownloadNymboxTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	if !res.Succeeded() {
		return res
	}
	var entries []*ledger.Transaction
	if err := json.Unmarshal(res.Reply.Payload, &entries); err != nil {
		c.logger.Error().Msgf("nymbox payload invalid: %v", err)
		return types.Result{Status: types.StatusMessageInvalid, Reply: res.Reply}
	}
	for _, txn := range entries {
		box := c.nymbox
		if txn.Type == ledger.TypeCheque {
			box = c.paymentInbox
		}
		if _, ok := box.Get(txn.Number); ok {
			continue
		}
		if err := box.Add(txn); err != nil {
			c.logger.Error().Msgf("nymbox merge: %v", err)
			return types.Result{Status: types.StatusMessageInvalid, Reply: res.Reply}
		}
	}
	if err := c.nymbox.Save(c.kv, c.key); err != nil {
		c.logger.Error().Msgf("nymbox save: %v", err)
	}
	if err := c.paymentInbox.Save(c.kv, c.key); err != nil {
		c.logger.Error().Msgf("payment inbox save: %v", err)
	}
	return res
}

func (c *Context) handleGetNumbers(t types.GetNumbersTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	if res.Succeeded() && res.Reply != nil {
		if err := c.pool.Grant(res.Reply.Numbers...); err != nil {
			// the pool already knows a granted number; accounting diverged
			c.logger.Error().Msgf("grant: %v", err)
			return types.Result{Status: types.StatusMessageInvalid, Reply: res.Reply}
		}
	}
	return res
}

func (c *Context) handleRegisterAccount(t types.RegisterAccountTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	if res.Succeeded() && res.Reply != nil {
		id := types.AccountID(res.Reply.Note)
		c.flagMu.Lock()
		c.accounts[id] = ledger.NewAccount(id, c.id.Nym, c.id.Notary, t.Unit)
		c.flagMu.Unlock()
		c.logger.Info().Msgf("account %s registered", id)
	}
	return res
}

func (c *Context) handleIssueUnit(t types.IssueUnitTask) types.Result {
	res := c.exchange(operation.NewRequest(t))
	if res.Succeeded() && res.Reply != nil {
		id := types.AccountID(res.Reply.Note)
		c.flagMu.Lock()
		c.accounts[id] = ledger.NewAccount(id, c.id.Nym, c.id.Notary, t.Unit)
		c.flagMu.Unlock()
		c.backoff.Succeed(types.ContractID(t.Unit), []byte(t.Terms))
	}
	return res
}

// -----------------------------------------------------------------------------
// number-affecting handlers

// reserve pulls count numbers from the pool, running get-numbers exchanges
// until the pool can serve it. This is the blocking top-up of the retry
// primitive; a definite refill failure fails the reservation.
func (c *Context) reserve(count int) ([]types.TxNumber, error) {
	for attempt := 0; ; attempt++ {
		ns, err := c.pool.Reserve(count)
		if err == nil {
			return ns, nil
		}
		if !errors.Is(err, numbers.ErrInsufficient) {
			return nil, err
		}
		if attempt >= 2 {
			return nil, fmt.Errorf("reserve error: %w", err)
		}
		res := c.handleGetNumbers(types.GetNumbersTask{Party: c.party(), Count: c.conf.TopUpCount})
		if res.Status == types.StatusShutdown {
			return nil, errShutdown
		}
		if !res.Succeeded() {
			return nil, fmt.Errorf("number refill rejected: %w", err)
		}
	}
}

var errShutdown = errors.New("context shut down")

// releaseFailed harvests the numbers a failed task reserved, each verified
// still issued first, and queues a refill so the next send finds the pool
// warm.
func (c *Context) releaseFailed(ns []types.TxNumber) {
	for _, n := range ns {
		if !c.pool.IssuedHeld(n) {
			continue
		}
		if err := c.pool.Harvest(n); err != nil {
			c.logger.Error().Msgf("harvest %d: %v", n, err)
			continue
		}
		metrics.NumbersHarvested.Inc()
	}
	c.reg.startInternal(types.GetNumbersTask{Party: c.party(), Count: c.conf.TopUpCount})
}

func (c *Context) failure(err error) types.Result {
	if errors.Is(err, errShutdown) {
		return types.Result{Status: types.StatusShutdown}
	}
	c.logger.Warn().Msgf("task failed locally: %v", err)
	return types.Result{Status: types.StatusMessageFailure, Reply: &types.Reply{Note: err.Error()}}
}

func (c *Context) account(id types.AccountID) (*ledger.Account, error) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	acct, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s not registered here", id)
	}
	return acct, nil
}

func (c *Context) handleSendCheque(t types.SendChequeTask) types.Result {
	acct, err := c.account(t.Account)
	if err != nil {
		return c.failure(err)
	}
	ns, err := c.reserve(1)
	if err != nil {
		return c.failure(err)
	}
	trigger := &ledger.Transaction{Number: ns[0], Type: ledger.TypeCheque, Amount: t.Amount, Memo: t.Memo}
	stmt, err := ledger.GenerateBalanceStatement(-t.Amount, trigger, acct, acct.Outbox, c.key)
	if err != nil {
		c.releaseFailed(ns)
		return c.failure(err)
	}
	req := operation.NewRequest(t)
	req.Numbers = ns
	req.Statement = stmt
	res := c.exchange(req)
	switch {
	case res.Succeeded():
		// cheque number stays in play until the recipient deposits
		acct.Balance -= t.Amount
	case res.Status != types.StatusShutdown:
		c.releaseFailed(ns)
	}
	return res
}

func (c *Context) handleSendTransfer(t types.SendTransferTask) types.Result {
	acct, err := c.account(t.From)
	if err != nil {
		return c.failure(err)
	}
	ns, err := c.reserve(1)
	if err != nil {
		return c.failure(err)
	}
	trigger := &ledger.Transaction{Number: ns[0], Type: ledger.TypeTransfer, Amount: t.Amount, Memo: t.Memo}
	// the outbox is predicted to carry the transfer once accepted
	predicted := ledger.NewLedger(ledger.Outbox, acct.Owner, acct.ID, acct.Notary)
	for _, txn := range acct.Outbox.Entries() {
		if err := predicted.Add(txn); err != nil {
			c.releaseFailed(ns)
			return c.failure(err)
		}
	}
	if err := predicted.Add(trigger); err != nil {
		c.releaseFailed(ns)
		return c.failure(err)
	}
	stmt, err := ledger.GenerateBalanceStatement(-t.Amount, trigger, acct, predicted, c.key)
	if err != nil {
		c.releaseFailed(ns)
		return c.failure(err)
	}
	req := operation.NewRequest(t)
	req.Numbers = ns
	req.Statement = stmt
	res := c.exchange(req)
	switch {
	case res.Succeeded():
		// transfer number stays in play until the transfer receipt clears
		acct.Balance -= t.Amount
		if err := acct.Outbox.Add(trigger); err != nil {
			c.logger.Error().Msgf("outbox: %v", err)
		} else if err := acct.Outbox.Save(c.kv, c.key); err != nil {
			c.logger.Error().Msgf("outbox save: %v", err)
		}
	case res.Status != types.StatusShutdown:
		c.releaseFailed(ns)
	}
	return res
}

func (c *Context) handleWithdrawCash(t types.WithdrawCashTask) types.Result {
	acct, err := c.account(t.Account)
	if err != nil {
		return c.failure(err)
	}
	ns, err := c.reserve(1)
	if err != nil {
		return c.failure(err)
	}
	trigger := &ledger.Transaction{Number: ns[0], Type: ledger.TypeWithdrawal, Amount: t.Amount}
	stmt, err := ledger.GenerateBalanceStatement(-t.Amount, trigger, acct, acct.Outbox, c.key)
	if err != nil {
		c.releaseFailed(ns)
		return c.failure(err)
	}
	req := operation.NewRequest(t)
	req.Numbers = ns
	req.Statement = stmt
	res := c.exchange(req)
	switch {
	case res.Succeeded():
		// withdrawal closes its own number in one step
		if err := c.pool.Consume(ns[0]); err != nil {
			c.logger.Error().Msgf("consume %d: %v", ns[0], err)
		}
		acct.Balance -= t.Amount
	case res.Status != types.StatusShutdown:
		c.releaseFailed(ns)
	}
	return res
}

// handleSendCash has no account of its own; the statement carries just the
// number disposition.
func (c *Context) handleSendCash(t types.SendCashTask) types.Result {
	ns, err := c.reserve(1)
	if err != nil {
		return c.failure(err)
	}
	stmt := &ledger.BalanceStatement{Nym: c.id.Nym, Trigger: ns[0], Removing: []types.TxNumber{ns[0]}}
	req := operation.NewRequest(t)
	req.Numbers = ns
	req.Statement = stmt
	res := c.exchange(req)
	switch {
	case res.Succeeded():
		if err := c.pool.Consume(ns[0]); err != nil {
			c.logger.Error().Msgf("consume %d: %v", ns[0], err)
		}
	case res.Status != types.StatusShutdown:
		c.releaseFailed(ns)
	}
	return res
}

func (c *Context) handleDepositPayment(t types.DepositPaymentTask) types.Result {
	acct, err := c.account(t.Account)
	if err != nil {
		return c.failure(err)
	}
	payment := c.findPayment(t.Ref)
	if payment == nil {
		return c.failure(fmt.Errorf("payment %d not in payment inbox", t.Ref))
	}
	if payment.ValidTo != 0 && time.Now().Unix() >= payment.ValidTo {
		c.expirePayment(payment)
		return c.failure(fmt.Errorf("payment %d expired", t.Ref))
	}
	ns, err := c.reserve(1)
	if err != nil {
		return c.failure(err)
	}
	trigger := &ledger.Transaction{Number: ns[0], Type: ledger.TypeDeposit, Amount: payment.Amount}
	stmt, err := ledger.GenerateBalanceStatement(payment.Amount, trigger, acct, acct.Outbox, c.key)
	if err != nil {
		c.releaseFailed(ns)
		return c.failure(err)
	}
	req := operation.NewRequest(t)
	req.Numbers = ns
	req.Statement = stmt
	res := c.exchange(req)
	switch {
	case res.Succeeded():
		if err := c.pool.Consume(ns[0]); err != nil {
			c.logger.Error().Msgf("consume %d: %v", ns[0], err)
		}
		acct.Balance += payment.Amount
		c.recordPayment(payment)
	case res.Status != types.StatusShutdown:
		c.releaseFailed(ns)
	}
	return res
}

func (c *Context) handleProcessInbox(t types.ProcessInboxTask) types.Result {
	acct, err := c.account(t.Account)
	if err != nil {
		return c.failure(err)
	}
	accepted := make([]*ledger.Transaction, 0, len(t.Accept))
	var adjustment int64
	for _, n := range t.Accept {
		txn, ok := acct.Inbox.Get(n)
		if !ok {
			return c.failure(fmt.Errorf("inbox item %d unknown", n))
		}
		if txn.Type == ledger.TypeTransfer {
			adjustment += txn.Amount
		}
		accepted = append(accepted, txn)
	}
	ns, err := c.reserve(1)
	if err != nil {
		return c.failure(err)
	}
	trigger := &ledger.Transaction{Number: ns[0], Type: ledger.TypeProcessInbox}
	stmt, err := ledger.GenerateBalanceStatement(adjustment, trigger, acct, acct.Outbox, c.key)
	if err != nil {
		c.releaseFailed(ns)
		return c.failure(err)
	}
	for _, txn := range accepted {
		if txn.Type == ledger.TypeFinalReceipt && txn.ClosingRef != 0 {
			// accepting a final receipt settles the owner's closing number
			if err := stmt.AddRemoval(txn.ClosingRef, c.key); err != nil {
				c.releaseFailed(ns)
				return c.failure(err)
			}
		}
		if txn.Type == ledger.TypeCheque && txn.RefNum != 0 {
			// a cheque receipt means the cheque was deposited; accepting it
			// closes the writer's in-play cheque number
			if err := stmt.AddRemoval(txn.RefNum, c.key); err != nil {
				c.releaseFailed(ns)
				return c.failure(err)
			}
		}
	}
	req := operation.NewRequest(t)
	req.Numbers = ns
	req.Statement = stmt
	res := c.exchange(req)
	switch {
	case res.Succeeded():
		if err := c.pool.Consume(ns[0]); err != nil {
			c.logger.Error().Msgf("consume %d: %v", ns[0], err)
		}
		for _, txn := range accepted {
			if txn.Type == ledger.TypeTransfer {
				acct.Balance += txn.Amount
			}
			if txn.Type == ledger.TypeFinalReceipt && txn.ClosingRef != 0 {
				if err := c.pool.Consume(txn.ClosingRef); err != nil {
					c.logger.Error().Msgf("consume closing %d: %v", txn.ClosingRef, err)
				}
			}
			if txn.Type == ledger.TypeCheque && txn.RefNum != 0 {
				if err := c.pool.Consume(txn.RefNum); err != nil {
					c.logger.Error().Msgf("consume cheque %d: %v", txn.RefNum, err)
				}
			}
			acct.Inbox.Remove(txn.Number)
		}
		if err := acct.Inbox.Save(c.kv, c.key); err != nil {
			c.logger.Error().Msgf("inbox save: %v", err)
		}
	case res.Status != types.StatusShutdown:
		c.releaseFailed(ns)
	}
	return res
}

// -----------------------------------------------------------------------------
// payment inbox bookkeeping

func (c *Context) findPayment(ref types.TxNumber) *ledger.Transaction {
	for _, txn := range c.paymentInbox.Entries() {
		if txn.RefNum == ref {
			return txn
		}
	}
	return nil
}

// recordPayment moves a deposited payment into the record box.
func (c *Context) recordPayment(txn *ledger.Transaction) {
	c.paymentInbox.Remove(txn.Number)
	if err := c.recordBox.Add(txn); err != nil {
		c.logger.Error().Msgf("record box: %v", err)
		return
	}
	if err := c.paymentInbox.Save(c.kv, c.key); err != nil {
		c.logger.Error().Msgf("payment inbox save: %v", err)
	}
	if err := c.recordBox.Save(c.kv, c.key); err != nil {
		c.logger.Error().Msgf("record box save: %v", err)
	}
}

// expirePayment moves a dead payment into the expired box.
func (c *Context) expirePayment(txn *ledger.Transaction) {
	c.paymentInbox.Remove(txn.Number)
	if err := c.expiredBox.Add(txn); err != nil {
		c.logger.Error().Msgf("expired box: %v", err)
		return
	}
	if err := c.paymentInbox.Save(c.kv, c.key); err != nil {
		c.logger.Error().Msgf("payment inbox save: %v", err)
	}
	if err := c.expiredBox.Save(c.kv, c.key); err != nil {
		c.logger.Error().Msgf("expired box save: %v", err)
	}
}
