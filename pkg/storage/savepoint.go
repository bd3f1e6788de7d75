package storage

import (
	"github.com/orneryd/tgraph/pkg/mvcc"
)

// Savepoint is a point inside a transaction its pending changes can be rolled
// back to. It holds an immutable copy of the change set as it was when the
// savepoint was defined.
type Savepoint struct {
	sp *mvcc.Savepoint
	cs *changeSet
}

func (s *Savepoint) ID() int {
	return s.sp.ID()
}

// DefineSavepoint records the current state of the transaction's pending
// changes.
func (t *Transaction) DefineSavepoint() (*Savepoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sp, err := t.tx.DefineSavepoint()
	if err != nil {
		return nil, err
	}
	return &Savepoint{sp: sp, cs: t.cs.clone()}, nil
}

// RestoreSavepoint rolls back every change made after sp was defined.
// Savepoints defined after sp are invalidated; sp stays valid and can be
// restored again.
func (t *Transaction) RestoreSavepoint(sp *Savepoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sp == nil {
		return ErrInvalidSavepoint
	}
	if err := t.tx.RestoreSavepoint(sp.sp); err != nil {
		return err
	}
	t.cs = sp.cs.clone()
	return nil
}

// RemoveSavepoint forgets sp. The pending changes are kept.
func (t *Transaction) RemoveSavepoint(sp *Savepoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sp == nil {
		return ErrInvalidSavepoint
	}
	return t.tx.RemoveSavepoint(sp.sp)
}

// Savepoints returns the number of valid savepoints.
func (t *Transaction) Savepoints() int {
	return len(t.tx.Savepoints())
}
