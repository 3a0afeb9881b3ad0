// Package txn defines the configuration transaction contract: a staged
// document either becomes the live configuration as a whole or leaves
// it untouched.
package txn

import (
	"context"
	"fmt"

	"github.com/keapin/keapin/keaconf"
)

// Manager commits a full configuration document. Commit stages the
// document, validates it, atomically swaps it in and verifies the
// daemon afterwards; any failure after validation triggers exactly one
// restore of the previous configuration.
type Manager interface {
	Commit(ctx context.Context, doc *keaconf.Document) error
}

// State is the lifecycle state of a single transaction.
type State int

const (
	// Staged means the proposed document has been written to a
	// temporary location; the live configuration is untouched.
	Staged State = iota
	// Validated means the external checker accepted the staged
	// document.
	Validated
	// ApplyFailed means the swap or the daemon reload failed after
	// validation; a restore is pending.
	ApplyFailed
	// Committed means the staged document is now the live
	// configuration and the daemon is healthy. Terminal.
	Committed
	// RolledBack means the staged document was discarded or the
	// previous configuration was restored. Terminal.
	RolledBack
)

func (s State) String() string {
	switch s {
	case Staged:
		return "staged"
	case Validated:
		return "validated"
	case ApplyFailed:
		return "apply-failed"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	Staged:      {Validated, RolledBack},
	Validated:   {Committed, ApplyFailed, RolledBack},
	ApplyFailed: {RolledBack},
}

// Transaction tracks the state of one configuration mutation. The zero
// value is not usable; use Begin.
type Transaction struct {
	state State
}

// Begin starts a transaction in the Staged state.
func Begin() *Transaction {
	return &Transaction{state: Staged}
}

// State returns the current state.
func (t *Transaction) State() State {
	return t.state
}

// To advances the transaction to next, failing on transitions the
// state machine does not allow.
func (t *Transaction) To(next State) error {
	for _, allowed := range transitions[t.state] {
		if next == allowed {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal transaction transition %s -> %s", t.state, next)
}
