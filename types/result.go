package types

import "fmt"

// ReplyStatus classifies the outcome of one exchange with the notary.
type ReplyStatus int

const (
	// StatusNotSent means the request never reached the notary.
	StatusNotSent ReplyStatus = iota
	// StatusUnknown means the exchange outcome could not be determined.
	StatusUnknown
	// StatusMessageSuccess means the notary accepted the message.
	StatusMessageSuccess
	// StatusMessageFailure means the notary processed and rejected it.
	StatusMessageFailure
	// StatusMessageInvalid means the notary could not parse or verify it.
	StatusMessageInvalid
	// StatusShutdown means the client shut down before the exchange finished.
	StatusShutdown
)

func (s ReplyStatus) String() string {
	switch s {
	case StatusNotSent:
		return "notSent"
	case StatusUnknown:
		return "unknown"
	case StatusMessageSuccess:
		return "messageSuccess"
	case StatusMessageFailure:
		return "messageFailure"
	case StatusMessageInvalid:
		return "messageInvalid"
	case StatusShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("replyStatus(%d)", int(s))
}

// Reply is the protocol-level answer carried inside a Result. The payload blob
// is opaque to the engine; handlers that care (contract downloads, number
// grants) interpret the typed fields instead.
type Reply struct {
	Kind       TaskKind
	Success    bool
	RequestNum uint64
	Numbers    []TxNumber // numbers granted by a get-numbers exchange
	Payload    []byte
	Note       string
}

// Result is what a task terminally resolves to. Exactly one Result is
// delivered per TaskID.
type Result struct {
	Status ReplyStatus
	Reply  *Reply
}

func (r Result) String() string {
	return fmt.Sprintf("{status: %s, reply: %v}", r.Status, r.Reply)
}

// Succeeded reports whether the exchange reached the notary and was accepted.
func (r Result) Succeeded() bool {
	return r.Status == StatusMessageSuccess && (r.Reply == nil || r.Reply.Success)
}

// TaskStatus is the registry's view of one submitted task.
type TaskStatus int

const (
	TaskRunning TaskStatus = iota
	TaskFinishedSuccess
	TaskFinishedFailed
	TaskShutdown
	TaskError
)

func (s TaskStatus) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskFinishedSuccess:
		return "finishedSuccess"
	case TaskFinishedFailed:
		return "finishedFailed"
	case TaskShutdown:
		return "shutdown"
	case TaskError:
		return "error"
	}
	return fmt.Sprintf("taskStatus(%d)", int(s))
}
