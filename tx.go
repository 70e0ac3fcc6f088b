package txpool

import (
	"context"

	"github.com/google/uuid"
)

// TxID identifies one logical transaction. A caller obtains one from its
// transaction manager (or NewTxID), carries it in its context with WithTx
// and passes it to Start/End/Prepare/Commit/Rollback. Acquire under a
// context carrying a TxID returns the connection already enlisted in it.
type TxID string

// NewTxID returns a fresh random transaction id.
func NewTxID() TxID {
	return TxID(uuid.NewString())
}

type txKey struct{}

// WithTx returns a copy of ctx carrying tx.
func WithTx(ctx context.Context, tx TxID) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (TxID, bool) {
	tx, ok := ctx.Value(txKey{}).(TxID)
	return tx, ok && tx != ""
}

// Flags modify Start and End, mirroring the XA resource flags.
type Flags int

const (
	TMNoFlags Flags = 0
	TMJoin    Flags = 1 << iota // Start: join a branch already started
	TMResume                    // Start: resume a suspended branch
	TMSuccess                   // End: work completed
	TMFail                      // End: work failed, roll back
	TMSuspend                   // End: suspend, keep the enlistment
)

func (f Flags) String() string {
	switch f {
	case TMNoFlags:
		return "TMNOFLAGS"
	case TMJoin:
		return "TMJOIN"
	case TMResume:
		return "TMRESUME"
	case TMSuccess:
		return "TMSUCCESS"
	case TMFail:
		return "TMFAIL"
	case TMSuspend:
		return "TMSUSPEND"
	}
	return "TM(?)"
}

// Vote is the result of Prepare.
type Vote int

const (
	VoteOK Vote = iota
	// VoteReadOnly means nothing was written; the coordinator may skip the
	// commit phase for this participant.
	VoteReadOnly
)

func (v Vote) String() string {
	if v == VoteReadOnly {
		return "XA_RDONLY"
	}
	return "XA_OK"
}
