// Package mvcc implements the multi-version concurrency control engine used by
// the transactional graph storage.
//
// The package is graph-agnostic. It provides:
//   - Cell: a versioned storage cell holding committed (persistent) values keyed
//     by graph-wide version numbers, plus per-transaction uncommitted
//     (temporary) values keyed by a transaction-local savepoint counter
//   - Tx: the transaction state machine, savepoint stack and the table of
//     cells a transaction holds temporary values in
//   - Manager: the per-graph registry of active transactions, the version
//     counter, the three coordination locks and version reclamation
//
// The storage layer plugs its conflict detection and write application into a
// transaction through the Participant interface.
//
// Example:
//
//	m := mvcc.NewManager(mvcc.Options{})
//	cell := mvcc.NewPersistentCell(0, "initial")
//
//	tx := m.NewTransaction(nil, false)
//	_ = tx.Bot()
//	_ = cell.Set(tx, "changed", true)
//	fmt.Println(cell.Get(tx)) // "changed", invisible to other transactions
//	_ = tx.Commit(ctx)
package mvcc

import "fmt"

// Version is a graph-wide persistent version number. Version 0 is the state
// of a freshly created graph; every successful commit advances it by one.
type Version uint64

// State is the lifecycle state of a transaction.
//
//	NotRunning -> Running (Bot)
//	Running -> Validating -> Running (conflict probe)
//	Running -> Validating -> Writing -> Committing -> Committed (Commit)
//	Running -> Aborting -> Aborted (Abort, or Commit with a conflict)
type State int32

const (
	NotRunning State = iota
	Running
	Validating
	Writing
	Committing
	Committed
	Aborting
	Aborted
)

var stateNames = [...]string{
	NotRunning: "NOTRUNNING",
	Running:    "RUNNING",
	Validating: "VALIDATING",
	Writing:    "WRITING",
	Committing: "COMMITTING",
	Committed:  "COMMITTED",
	Aborting:   "ABORTING",
	Aborted:    "ABORTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Committed || s == Aborted
}
