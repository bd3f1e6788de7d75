package mvcc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Participant is the storage layer's part of a transaction. The manager calls
// it at the points where only the storage layer knows what changed.
type Participant interface {
	// Validate checks the transaction's changes against everything committed
	// after its start version. It returns nil if there is no conflict.
	Validate(tx *Tx) *Conflict

	// Write applies the transaction's changes. It runs in the Writing state
	// while the manager holds all coordination locks and must not fail.
	Write(tx *Tx)

	// Aborted releases resources the transaction reserved, such as element
	// ids. It runs in the Aborting state.
	Aborted(tx *Tx)
}

// Tx is a transaction: a unit of work with a fixed snapshot (its start
// version), a set of temporary values and a savepoint stack.
//
// A Tx is its own monitor. Its public methods serialize on an internal mutex
// so that two goroutines can never drive the same transaction concurrently.
type Tx struct {
	mu sync.Mutex

	id          uint64
	manager     *Manager
	participant Participant
	readOnly    bool
	createdAt   time.Time

	state         atomic.Int32
	startVersion  Version
	commitVersion Version

	ownedMu    sync.Mutex
	owned      map[Versioned]bool
	ownedOrder []Versioned

	savepoints    []*Savepoint
	nextSavepoint int
	spCount       atomic.Int32
	local         atomic.Uint64
}

func (tx *Tx) ID() uint64 {
	return tx.id
}

func (tx *Tx) Manager() *Manager {
	return tx.manager
}

// Participant returns the storage layer object driving this transaction.
func (tx *Tx) Participant() Participant {
	return tx.participant
}

func (tx *Tx) State() State {
	return State(tx.state.Load())
}

func (tx *Tx) setState(s State) {
	tx.state.Store(int32(s))
}

func (tx *Tx) IsReadOnly() bool {
	return tx.readOnly
}

// StartVersion is the persistent version tx reads. Fixed at BOT.
func (tx *Tx) StartVersion() Version {
	return tx.startVersion
}

// CommitVersion is the version tx's changes were written at. Zero until the
// writing phase starts.
func (tx *Tx) CommitVersion() Version {
	return tx.commitVersion
}

func (tx *Tx) hasSavepoints() bool {
	return tx.spCount.Load() > 0
}

func (tx *Tx) localVersion() Version {
	return Version(tx.local.Load())
}

func (tx *Tx) checkWritable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if st := tx.State(); st != Running {
		if st.Terminal() {
			return ErrTransactionClosed
		}
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	return nil
}

// CheckWritable returns nil if tx accepts changes.
func (tx *Tx) CheckWritable() error {
	return tx.checkWritable()
}

// CheckReadable returns nil if tx may read, which is the case from BOT until it
// terminates.
func (tx *Tx) CheckReadable() error {
	switch st := tx.State(); st {
	case Running, Validating, Writing, Committing:
		return nil
	case Committed, Aborted:
		return ErrTransactionClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
}

// Bot begins the transaction: its snapshot is fixed at the current persistent
// version and it joins the manager's active set.
func (tx *Tx) Bot() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if st := tx.State(); st != NotRunning {
		return fmt.Errorf("mvcc: transaction %d already started (%s)", tx.id, st)
	}
	return tx.manager.bot(tx)
}

// Commit validates tx against concurrently committed transactions and, if
// there is no conflict, makes its changes persistent. On conflict tx is
// aborted and a *ConflictError is returned. ctx carries tracing only; waiting
// for the commit lock is not cancellable.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch st := tx.State(); st {
	case Running:
	case Committed, Aborted:
		return ErrTransactionClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	return tx.manager.commit(ctx, tx)
}

// Abort discards every change of tx. Aborting an aborted transaction is a
// no-op.
func (tx *Tx) Abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.State() {
	case Aborted:
		return nil
	case Committed:
		return ErrTransactionClosed
	case NotRunning:
		tx.setState(Aborted)
		return nil
	}
	tx.manager.abort(tx)
	return nil
}

// Probe runs validation without committing and returns the conflict found, if
// any. It does not change tx.
func (tx *Tx) Probe(ctx context.Context) (*Conflict, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch st := tx.State(); st {
	case Running:
	case Committed, Aborted:
		return nil, ErrTransactionClosed
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	if tx.readOnly {
		return nil, nil
	}
	return tx.manager.probe(ctx, tx), nil
}

// own records c in tx's ownership table. The explicit flag is sticky.
func (tx *Tx) own(c Versioned, explicit bool) {
	tx.ownedMu.Lock()
	defer tx.ownedMu.Unlock()

	if tx.owned == nil {
		tx.owned = make(map[Versioned]bool)
	}
	prev, ok := tx.owned[c]
	if !ok {
		tx.ownedOrder = append(tx.ownedOrder, c)
	}
	tx.owned[c] = prev || explicit
}

// Owned returns the cells tx holds temporary values in, in the order they
// were first written.
func (tx *Tx) Owned() []Versioned {
	tx.ownedMu.Lock()
	defer tx.ownedMu.Unlock()
	out := make([]Versioned, len(tx.ownedOrder))
	copy(out, tx.ownedOrder)
	return out
}

// IsExplicit reports whether tx wrote c explicitly at least once.
func (tx *Tx) IsExplicit(c Versioned) bool {
	tx.ownedMu.Lock()
	defer tx.ownedMu.Unlock()
	return tx.owned[c]
}

func (tx *Tx) discardAll() {
	for _, c := range tx.Owned() {
		c.Discard(tx)
	}
	tx.ownedMu.Lock()
	tx.owned = nil
	tx.ownedOrder = nil
	tx.ownedMu.Unlock()
}

// =============================================================================
// Savepoints
// =============================================================================

// Savepoint marks a point within a transaction its temporary values can be
// rolled back to.
type Savepoint struct {
	id      int
	tx      *Tx
	version Version
}

func (sp *Savepoint) ID() int {
	return sp.id
}

// Tx returns the transaction that defined the savepoint.
func (sp *Savepoint) Tx() *Tx {
	return sp.tx
}

// DefineSavepoint pushes a new savepoint. Writes made afterwards can be
// undone with RestoreSavepoint.
func (tx *Tx) DefineSavepoint() (*Savepoint, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWritable(); err != nil {
		return nil, err
	}

	if len(tx.savepoints) == 0 {
		for _, c := range tx.Owned() {
			c.toMultiTemporary(tx)
		}
	}

	tx.nextSavepoint++
	sp := &Savepoint{id: tx.nextSavepoint, tx: tx, version: tx.localVersion()}
	tx.savepoints = append(tx.savepoints, sp)
	tx.spCount.Store(int32(len(tx.savepoints)))
	tx.local.Store(uint64(sp.version) + 1)
	return sp, nil
}

// RestoreSavepoint rolls every temporary value back to its state when sp was
// defined. Savepoints defined after sp become invalid; sp itself stays valid.
func (tx *Tx) RestoreSavepoint(sp *Savepoint) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWritable(); err != nil {
		return err
	}
	i := tx.savepointIndex(sp)
	if i < 0 {
		return ErrInvalidSavepoint
	}

	var kept []Versioned
	for _, c := range tx.Owned() {
		if c.pruneTemporary(tx, sp.version) {
			kept = append(kept, c)
		}
	}
	tx.ownedMu.Lock()
	owned := make(map[Versioned]bool, len(kept))
	for _, c := range kept {
		owned[c] = tx.owned[c]
	}
	tx.owned = owned
	tx.ownedOrder = kept
	tx.ownedMu.Unlock()

	for _, later := range tx.savepoints[i+1:] {
		later.tx = nil
	}
	tx.savepoints = tx.savepoints[:i+1]
	tx.spCount.Store(int32(len(tx.savepoints)))
	tx.local.Store(uint64(sp.version) + 1)
	return nil
}

// RemoveSavepoint forgets sp without touching any value. Once no savepoint is
// left, temporary values collapse back to their single-value form.
func (tx *Tx) RemoveSavepoint(sp *Savepoint) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkWritable(); err != nil {
		return err
	}
	i := tx.savepointIndex(sp)
	if i < 0 {
		return ErrInvalidSavepoint
	}

	sp.tx = nil
	tx.savepoints = append(tx.savepoints[:i], tx.savepoints[i+1:]...)
	tx.spCount.Store(int32(len(tx.savepoints)))

	if len(tx.savepoints) == 0 {
		for _, c := range tx.Owned() {
			c.collapseTemporary(tx)
		}
	}
	return nil
}

// Savepoints returns the valid savepoints, oldest first.
func (tx *Tx) Savepoints() []*Savepoint {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]*Savepoint, len(tx.savepoints))
	copy(out, tx.savepoints)
	return out
}

func (tx *Tx) savepointIndex(sp *Savepoint) int {
	if sp == nil || sp.tx != tx {
		return -1
	}
	for i, s := range tx.savepoints {
		if s == sp {
			return i
		}
	}
	return -1
}
