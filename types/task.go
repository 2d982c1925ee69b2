package types

import (
	"fmt"
	"reflect"
	"strings"
)

// TaskKind enumerates the closed set of protocol verbs a task can carry.
type TaskKind int

const (
	KindRegisterNym TaskKind = iota
	KindDownloadNymbox
	KindDownloadContract
	KindDownloadMint
	KindSendMessage
	KindSendCheque
	KindSendTransfer
	KindWithdrawCash
	KindSendCash
	KindDepositPayment
	KindPeerRequest
	KindPeerReply
	KindIssueUnit
	KindRegisterAccount
	KindProcessInbox
	KindGetNumbers
	KindPublishContract
	KindRequestAdmin
	KindCheckNym
)

func (k TaskKind) String() string {
	names := map[TaskKind]string{
		KindRegisterNym:      "registerNym",
		KindDownloadNymbox:   "downloadNymbox",
		KindDownloadContract: "downloadContract",
		KindDownloadMint:     "downloadMint",
		KindSendMessage:      "sendMessage",
		KindSendCheque:       "sendCheque",
		KindSendTransfer:     "sendTransfer",
		KindWithdrawCash:     "withdrawCash",
		KindSendCash:         "sendCash",
		KindDepositPayment:   "depositPayment",
		KindPeerRequest:      "peerRequest",
		KindPeerReply:        "peerReply",
		KindIssueUnit:        "issueUnit",
		KindRegisterAccount:  "registerAccount",
		KindProcessInbox:     "processInbox",
		KindGetNumbers:       "getNumbers",
		KindPublishContract:  "publishContract",
		KindRequestAdmin:     "requestAdmin",
		KindCheckNym:         "checkNym",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("taskKind(%d)", int(k))
}

// Task is the tagged union of protocol verbs. Payload equality (see TaskKey)
// defines identity for deduplication.
type Task interface {
	Kind() TaskKind
	Context() ContextID
	String() string
}

// TaskKey fingerprints a task payload. Two tasks with the same key are the
// same task for at-most-one-in-flight purposes. Fields are walked through
// reflection so the key covers the whole payload, not just what String
// chooses to print.
func TaskKey(t Task) string {
	v := reflect.ValueOf(t)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%T", t)
	for i := 0; i < v.NumField(); i++ {
		fmt.Fprintf(&b, "|%#v", v.Field(i))
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// Kind implementations

func (RegisterNymTask) Kind() TaskKind      { return KindRegisterNym }
func (DownloadNymboxTask) Kind() TaskKind   { return KindDownloadNymbox }
func (DownloadContractTask) Kind() TaskKind { return KindDownloadContract }
func (DownloadMintTask) Kind() TaskKind     { return KindDownloadMint }
func (SendMessageTask) Kind() TaskKind      { return KindSendMessage }
func (SendChequeTask) Kind() TaskKind       { return KindSendCheque }
func (SendTransferTask) Kind() TaskKind     { return KindSendTransfer }
func (WithdrawCashTask) Kind() TaskKind     { return KindWithdrawCash }
func (SendCashTask) Kind() TaskKind         { return KindSendCash }
func (DepositPaymentTask) Kind() TaskKind   { return KindDepositPayment }
func (PeerRequestTask) Kind() TaskKind      { return KindPeerRequest }
func (PeerReplyTask) Kind() TaskKind        { return KindPeerReply }
func (IssueUnitTask) Kind() TaskKind        { return KindIssueUnit }
func (RegisterAccountTask) Kind() TaskKind  { return KindRegisterAccount }
func (ProcessInboxTask) Kind() TaskKind     { return KindProcessInbox }
func (GetNumbersTask) Kind() TaskKind       { return KindGetNumbers }
func (PublishContractTask) Kind() TaskKind  { return KindPublishContract }
func (RequestAdminTask) Kind() TaskKind     { return KindRequestAdmin }
func (CheckNymTask) Kind() TaskKind         { return KindCheckNym }

// -----------------------------------------------------------------------------
// String implementations

func (t RegisterNymTask) String() string {
	return fmt.Sprintf("{registerNym %s resync=%v}", t.Context(), t.Resync)
}

func (t DownloadNymboxTask) String() string {
	return fmt.Sprintf("{downloadNymbox %s}", t.Context())
}

func (t DownloadContractTask) String() string {
	return fmt.Sprintf("{downloadContract %s id=%s}", t.Context(), t.ID)
}

func (t DownloadMintTask) String() string {
	return fmt.Sprintf("{downloadMint %s unit=%s}", t.Context(), t.Unit)
}

func (t SendMessageTask) String() string {
	return fmt.Sprintf("{sendMessage %s -> %s}", t.Context(), t.Recipient)
}

func (t SendChequeTask) String() string {
	return fmt.Sprintf("{sendCheque %s acct=%s -> %s amount=%d}", t.Context(), t.Account, t.Recipient, t.Amount)
}

func (t SendTransferTask) String() string {
	return fmt.Sprintf("{sendTransfer %s %s -> %s amount=%d}", t.Context(), t.From, t.To, t.Amount)
}

func (t WithdrawCashTask) String() string {
	return fmt.Sprintf("{withdrawCash %s acct=%s amount=%d}", t.Context(), t.Account, t.Amount)
}

func (t SendCashTask) String() string {
	return fmt.Sprintf("{sendCash %s -> %s amount=%d}", t.Context(), t.Recipient, t.Amount)
}

func (t DepositPaymentTask) String() string {
	return fmt.Sprintf("{depositPayment %s acct=%s ref=%d}", t.Context(), t.Account, t.Ref)
}

func (t PeerRequestTask) String() string {
	return fmt.Sprintf("{peerRequest %s -> %s type=%d}", t.Context(), t.Recipient, t.Request)
}

func (t PeerReplyTask) String() string {
	return fmt.Sprintf("{peerReply %s -> %s ref=%s}", t.Context(), t.Recipient, t.InRef)
}

func (t IssueUnitTask) String() string {
	return fmt.Sprintf("{issueUnit %s unit=%s}", t.Context(), t.Unit)
}

func (t RegisterAccountTask) String() string {
	return fmt.Sprintf("{registerAccount %s unit=%s}", t.Context(), t.Unit)
}

func (t ProcessInboxTask) String() string {
	return fmt.Sprintf("{processInbox %s acct=%s accept=%v}", t.Context(), t.Account, t.Accept)
}

func (t GetNumbersTask) String() string {
	return fmt.Sprintf("{getNumbers %s count=%d}", t.Context(), t.Count)
}

func (t PublishContractTask) String() string {
	return fmt.Sprintf("{publishContract %s id=%s}", t.Context(), t.ID)
}

func (t RequestAdminTask) String() string {
	return fmt.Sprintf("{requestAdmin %s}", t.Context())
}

func (t CheckNymTask) String() string {
	return fmt.Sprintf("{checkNym %s target=%s}", t.Context(), t.Target)
}
