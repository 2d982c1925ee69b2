package operation

import (
	"github.com/rs/xid"
	"go.dedis.ch/notary/ledger"
	"go.dedis.ch/notary/types"
)

// Request is one protocol exchange bound for a notary. The engine fills the
// typed fields it has; everything else rides in Blob, opaque to this layer.
type Request struct {
	ID     xid.ID // per-attempt envelope id
	Kind   types.TaskKind
	Nym    types.NymID
	Notary types.NotaryID
	Task   types.Task

	// Statement and Numbers accompany number-affecting transactions.
	Statement *ledger.BalanceStatement
	Numbers   []types.TxNumber

	Blob []byte
}

// NewRequest stamps a fresh envelope id onto the exchange.
func NewRequest(task types.Task) Request {
	return Request{
		ID:     xid.New(),
		Kind:   task.Kind(),
		Nym:    task.Context().Nym,
		Notary: task.Context().Notary,
		Task:   task,
	}
}

// Operation performs one network round trip for a protocol verb against one
// notary. It owns its low-level retry-until-accepted semantics; the engine
// only needs "did it begin" and an eventual Result.
//
// One exchange occupies the slot at a time: Start returns false while a prior
// exchange is still in flight, and the engine retries the start, not the task.
type Operation interface {
	Start(req Request) bool
	GetFuture() *types.Future
	Shutdown()
}
