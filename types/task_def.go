package types

// Party names the (nym, notary) pair a task executes under. Every task embeds
// it; the registry routes on it.
type Party struct {
	Nym    NymID
	Notary NotaryID
}

func (p Party) Context() ContextID {
	return ContextID{Nym: p.Nym, Notary: p.Notary}
}

// PeerRequestType distinguishes the peer request flavors that share one queue.
type PeerRequestType int

const (
	PeerBailment PeerRequestType = iota
	PeerOutbailment
	PeerConnection
	PeerStoreSecret
	PeerVerification
)

// RegisterNymTask registers (or re-registers) the nym on the notary.
type RegisterNymTask struct {
	Party
	Resync bool // re-register after a local identity change
}

// DownloadNymboxTask fetches the nym's notice box from the notary.
type DownloadNymboxTask struct {
	Party
}

// DownloadContractTask fetches a contract (nym, server, unit) by id.
type DownloadContractTask struct {
	Party
	ID ContractID
}

// DownloadMintTask fetches the current mint for a unit definition.
type DownloadMintTask struct {
	Party
	Unit UnitID
}

// SendMessageTask delivers a plain message to another nym via the notary.
type SendMessageTask struct {
	Party
	Recipient NymID
	Message   string
}

// SendChequeTask writes and sends a cheque drawn on Account.
type SendChequeTask struct {
	Party
	Account   AccountID
	Recipient NymID
	Amount    int64
	Memo      string
	ValidFrom int64
	ValidTo   int64
}

// SendTransferTask moves funds between two accounts on the same notary.
type SendTransferTask struct {
	Party
	From   AccountID
	To     AccountID
	Amount int64
	Memo   string
}

// WithdrawCashTask withdraws cash tokens from Account.
type WithdrawCashTask struct {
	Party
	Account AccountID
	Amount  int64
}

// SendCashTask pays previously withdrawn cash to another nym.
type SendCashTask struct {
	Party
	Recipient NymID
	Amount    int64
}

// DepositPaymentTask deposits an incoming payment (cheque or cash) into
// Account. Ref is the payment-inbox entry being deposited.
type DepositPaymentTask struct {
	Party
	Account AccountID
	Ref     TxNumber
}

// PeerRequestTask sends a peer request (bailment, outbailment, connection,
// store-secret, verification) to another nym.
type PeerRequestTask struct {
	Party
	Recipient NymID
	Request   PeerRequestType
	Body      string
}

// PeerReplyTask answers a previously received peer request.
type PeerReplyTask struct {
	Party
	Recipient NymID
	InRef     string // request id being answered
	Body      string
}

// IssueUnitTask issues a new unit definition on the notary.
type IssueUnitTask struct {
	Party
	Unit  UnitID
	Terms string
}

// RegisterAccountTask opens an asset account denominated in Unit.
type RegisterAccountTask struct {
	Party
	Unit UnitID
}

// ProcessInboxTask accepts the listed account-inbox items, settling their
// numbers via a balance agreement.
type ProcessInboxTask struct {
	Party
	Account AccountID
	Accept  []TxNumber
}

// GetNumbersTask tops up the context's transaction number pool.
type GetNumbersTask struct {
	Party
	Count int
}

// PublishContractTask publishes a server contract to the notary's directory.
type PublishContractTask struct {
	Party
	ID ContractID
}

// RequestAdminTask claims the notary's admin role with a configured password.
type RequestAdminTask struct {
	Party
	Password string
}

// CheckNymTask asks the notary for another nym's credentials, to decide
// whether the target is messagable.
type CheckNymTask struct {
	Party
	Target NymID
}
