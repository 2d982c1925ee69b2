package engine

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/logging"
	"go.dedis.ch/notary/metrics"
	"go.dedis.ch/notary/numbers"
	"go.dedis.ch/notary/operation"
	"go.dedis.ch/notary/storage"
	"go.dedis.ch/notary/types"
)

type ctxState int

const (
	needsNotaryContract ctxState = iota
	needsRegistration
	ready
)

func (s ctxState) String() string {
	switch s {
	case needsNotaryContract:
		return "needsNotaryContract"
	case needsRegistration:
		return "needsRegistration"
	case ready:
		return "ready"
	}
	return "unknown"
}

// Config tunes one context's scheduling. Tests shrink the intervals.
type Config struct {
	Quantum       time.Duration // one scheduling pass per quantum
	StatePoll     time.Duration // re-poll interval in the pre-ready states
	RetryInterval time.Duration // submission retry while the operation slot is busy
	TopUpCount    int           // numbers requested per refill
	AdminPassword string        // claim the admin role if set
}

func (c *Config) applyDefaults() {
	if c.Quantum == 0 {
		c.Quantum = 100 * time.Millisecond
	}
	if c.StatePoll == 0 {
		c.StatePoll = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.TopUpCount == 0 {
		c.TopUpCount = 10
	}
}

// passOrder is the fixed priority order of one ready pass. Queues earlier in
// the list are fully served before later ones; FIFO within each kind; no
// ordering across kinds beyond this list.
var passOrder = [][]types.TaskKind{
	{types.KindRegisterNym},
	{types.KindRequestAdmin},
	nil, // newly-learned server names, no queue
	{types.KindDownloadContract, types.KindDownloadMint},
	{types.KindDownloadNymbox},
	{types.KindSendMessage, types.KindPeerRequest, types.KindPeerReply, types.KindCheckNym},
	{types.KindGetNumbers},
	{types.KindSendCheque, types.KindSendTransfer, types.KindWithdrawCash,
		types.KindDepositPayment, types.KindSendCash},
	{types.KindRegisterAccount, types.KindIssueUnit, types.KindPublishContract},
	{types.KindProcessInbox},
}

// Context is the state machine for one (nym, notary) pair. Exactly one
// cooperative worker drives it; the pool, boxes and accounts it owns are
// mutated only from that worker.
type Context struct {
	logger zerolog.Logger

	id   types.ContextID
	reg  *Registry
	op   operation.Operation
	kv   storage.KV
	key  *ecdsa.PrivateKey
	conf Config

	pool         *numbers.Pool
	nymbox       *ledger.Ledger
	paymentInbox *ledger.Ledger
	recordBox    *ledger.Ledger
	expiredBox   *ledger.Ledger
	accounts     map[types.AccountID]*ledger.Account

	backoff *Backoff
	queues  map[types.TaskKind]*Queue

	state ctxState
	tick  int64

	// flags flipped from outside the worker, drained inside it
	flagMu          sync.Mutex
	identityChanged bool
	pendingServers  []types.ContractID

	adminGranted bool
	adminDenied  bool
	registered   bool

	wake     chan struct{}
	shutdown chan struct{}
}

func newContext(id types.ContextID, reg *Registry, op operation.Operation,
	kv storage.KV, key *ecdsa.PrivateKey, conf Config) *Context {

	conf.applyDefaults()
	c := &Context{
		id:           id,
		reg:          reg,
		op:           op,
		kv:           kv,
		key:          key,
		conf:         conf,
		pool:         numbers.NewPool(id),
		nymbox:       ledger.NewLedger(ledger.Nymbox, id.Nym, "", id.Notary),
		paymentInbox: ledger.NewLedger(ledger.PaymentInbox, id.Nym, "", id.Notary),
		recordBox:    ledger.NewLedger(ledger.RecordBox, id.Nym, "", id.Notary),
		expiredBox:   ledger.NewLedger(ledger.ExpiredBox, id.Nym, "", id.Notary),
		accounts:     make(map[types.AccountID]*ledger.Account),
		backoff:      NewBackoff(),
		queues:       make(map[types.TaskKind]*Queue),
		wake:         make(chan struct{}, 1),
		shutdown:     reg.shutdownCh,
	}
	for _, bucket := range passOrder {
		for _, kind := range bucket {
			c.queues[kind] = NewQueue(kind)
		}
	}
	c.logger = logging.RootLogger.With().Str("Context", id.String()).Logger()
	return c
}

func (c *Context) party() types.Party {
	return types.Party{Nym: c.id.Nym, Notary: c.id.Notary}
}

// enqueue routes one external task into its kind queue. On a duplicate
// payload the holding TaskID comes back with false.
func (c *Context) enqueue(id types.TaskID, task types.Task) (types.TaskID, bool) {
	q, ok := c.queues[task.Kind()]
	if !ok {
		return 0, false
	}
	holder, fresh := q.Push(id, task)
	if fresh {
		if dl, ok := task.(types.DownloadContractTask); ok {
			c.backoff.Track(dl.ID)
		}
		metrics.QueueDepth.WithLabelValues(c.id.String()).Inc()
		c.Wake()
	}
	return holder, fresh
}

func (c *Context) queueHolds(task types.Task) bool {
	q, ok := c.queues[task.Kind()]
	return ok && q.Holds(task)
}

// Wake nudges an idle worker; it never blocks.
func (c *Context) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// AddServerName records a newly-learned peer server name for resolution on
// the next pass.
func (c *Context) AddServerName(id types.ContractID) {
	c.flagMu.Lock()
	c.pendingServers = append(c.pendingServers, id)
	c.flagMu.Unlock()
	c.Wake()
}

// MarkIdentityChanged asks the next pass to re-register the nym.
func (c *Context) MarkIdentityChanged() {
	c.flagMu.Lock()
	c.identityChanged = true
	c.flagMu.Unlock()
	c.Wake()
}

// Pool exposes the read-only number view.
func (c *Context) Pool() *numbers.Pool {
	return c.pool
}

// Account looks up a registered account.
func (c *Context) Account(id types.AccountID) (*ledger.Account, bool) {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	a, ok := c.accounts[id]
	return a, ok
}

// Nymbox exposes the nym's notice box.
func (c *Context) Nymbox() *ledger.Ledger {
	return c.nymbox
}

// PaymentInbox exposes the client-side payment tracking box.
func (c *Context) PaymentInbox() *ledger.Ledger {
	return c.paymentInbox
}

// -----------------------------------------------------------------------------
// worker

func (c *Context) run() {
	c.logger.Info().Msg("context worker started")
	for {
		select {
		case <-c.shutdown:
			c.drain()
			return
		default:
		}
		switch c.state {
		case needsNotaryContract:
			if c.ensureNotaryContract() {
				c.state = needsRegistration
				c.logger.Info().Msgf("state -> %s", c.state)
				continue
			}
			c.sleep(c.conf.StatePoll)
		case needsRegistration:
			if c.ensureRegistered() {
				c.state = ready
				c.logger.Info().Msgf("state -> %s", c.state)
				continue
			}
			c.sleep(c.conf.StatePoll)
		case ready:
			worked := c.readyPass()
			c.tick++
			if !worked && c.queuedTotal() == 0 {
				c.idle()
			} else {
				c.sleep(c.conf.Quantum)
			}
		}
	}
}

// readyPass runs one full scheduling pass in the fixed priority order.
func (c *Context) readyPass() bool {
	worked := false

	// 1. re-register if the local identity changed, then queued registrations
	if c.takeIdentityChanged() {
		c.execInternal(types.RegisterNymTask{Party: c.party(), Resync: true})
		worked = true
	}
	worked = c.serveQueue(types.KindRegisterNym) || worked

	// 2. admin claim
	if c.conf.AdminPassword != "" && !c.adminGranted && !c.adminDenied {
		res := c.execute(types.RequestAdminTask{Party: c.party(), Password: c.conf.AdminPassword})
		switch {
		case res.Succeeded():
			c.adminGranted = true
		case res.Status == types.StatusMessageFailure:
			// a rejected password will not start working on its own
			c.adminDenied = true
		}
		worked = true
	}
	worked = c.serveQueue(types.KindRequestAdmin) || worked

	// 3. newly-learned server names
	for _, id := range c.takePendingServers() {
		c.execInternal(types.DownloadContractTask{Party: c.party(), ID: id})
		worked = true
	}

	// 4. contract downloads, with the unknown-target backoff scan
	for _, id := range c.backoff.Due(c.tick) {
		c.execInternal(types.DownloadContractTask{Party: c.party(), ID: id})
		worked = true
	}
	worked = c.serveQueue(types.KindDownloadContract) || worked
	worked = c.serveQueue(types.KindDownloadMint) || worked

	// 5. nymbox
	worked = c.serveQueue(types.KindDownloadNymbox) || worked

	// 6. messages, peer requests, peer replies, messagability checks
	worked = c.serveQueue(types.KindSendMessage) || worked
	worked = c.serveQueue(types.KindPeerRequest) || worked
	worked = c.serveQueue(types.KindPeerReply) || worked
	worked = c.serveQueue(types.KindCheckNym) || worked

	// 7. number top-up
	if c.accountCount() > 0 && c.pool.AvailableCount() == 0 {
		c.execInternal(types.GetNumbersTask{Party: c.party(), Count: c.conf.TopUpCount})
		worked = true
	}
	worked = c.serveQueue(types.KindGetNumbers) || worked

	// 8. number-affecting transfers
	worked = c.serveQueue(types.KindSendCheque) || worked
	worked = c.serveQueue(types.KindSendTransfer) || worked
	worked = c.serveQueue(types.KindWithdrawCash) || worked
	worked = c.serveQueue(types.KindDepositPayment) || worked
	worked = c.serveQueue(types.KindSendCash) || worked

	// 9. account registration, unit issuance, contract publication
	worked = c.serveQueue(types.KindRegisterAccount) || worked
	worked = c.serveQueue(types.KindIssueUnit) || worked
	worked = c.serveQueue(types.KindPublishContract) || worked

	// 10. process inbox
	worked = c.serveQueue(types.KindProcessInbox) || worked

	return worked
}

// serveQueue drains one kind queue, executing tasks to completion in FIFO
// order.
func (c *Context) serveQueue(kind types.TaskKind) bool {
	q := c.queues[kind]
	worked := false
	for {
		id, task, ok := q.Pop()
		if !ok {
			return worked
		}
		worked = true
		res := c.execute(task)
		q.Finish(task)
		c.reg.resolve(id, task, res)
	}
}

// execInternal runs engine-originated work through the same registry plumbing
// as an external task, so dedup and observability see it.
func (c *Context) execInternal(task types.Task) {
	res := c.execute(task)
	c.reg.observeInternal(c.id, task, res)
}

func (c *Context) queuedTotal() int {
	total := 0
	for _, q := range c.queues {
		total += q.Len()
	}
	return total
}

func (c *Context) accountCount() int {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	return len(c.accounts)
}

func (c *Context) takeIdentityChanged() bool {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	changed := c.identityChanged
	c.identityChanged = false
	return changed
}

func (c *Context) takePendingServers() []types.ContractID {
	c.flagMu.Lock()
	defer c.flagMu.Unlock()
	pending := c.pendingServers
	c.pendingServers = nil
	return pending
}

// sleep waits interruptibly; shutdown and wake both cut it short.
func (c *Context) sleep(d time.Duration) {
	select {
	case <-c.shutdown:
	case <-c.wake:
	case <-time.After(d):
	}
}

// idle parks the worker until a producer wakes it; the quantum re-invokes it
// regardless so periodic work (backoff scans) keeps running.
func (c *Context) idle() {
	select {
	case <-c.shutdown:
	case <-c.wake:
	case <-time.After(c.conf.Quantum):
	}
}

// drain resolves everything still queued as shutdown and closes the
// operation slot. No future is left pending.
func (c *Context) drain() {
	for _, q := range c.queues {
		for _, it := range q.Drain() {
			c.reg.resolve(it.id, it.task, types.Result{Status: types.StatusShutdown})
		}
	}
	c.op.Shutdown()
	c.logger.Info().Msg("context worker drained")
}

// -----------------------------------------------------------------------------
// pre-ready states

// ensureNotaryContract advances once the notary's own contract is locally
// known, downloading it otherwise.
func (c *Context) ensureNotaryContract() bool {
	id := types.ContractID(c.id.Notary)
	if _, ok := c.backoff.Known(id); ok {
		return true
	}
	res := c.execute(types.DownloadContractTask{Party: c.party(), ID: id})
	if res.Status == types.StatusShutdown {
		return false
	}
	_, ok := c.backoff.Known(id)
	return ok
}

// ensureRegistered retries the whole registration state until the notary
// accepts the nym.
func (c *Context) ensureRegistered() bool {
	if c.registered {
		return true
	}
	res := c.execute(types.RegisterNymTask{Party: c.party()})
	if res.Succeeded() {
		c.registered = true
	}
	return c.registered
}
