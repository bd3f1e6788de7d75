package mvcc

import (
	"errors"
	"fmt"
)

var (
	ErrReadOnly          = errors.New("mvcc: transaction is read-only")
	ErrTransactionClosed = errors.New("mvcc: transaction already closed")
	ErrNotRunning        = errors.New("mvcc: transaction not running")
	ErrInvalidSavepoint  = errors.New("mvcc: invalid savepoint")
	ErrConflict          = errors.New("mvcc: commit conflict")
	ErrManagerFailed     = errors.New("mvcc: writing phase failed; graph state is undefined")
)

// Conflict describes why validation rejected a transaction.
type Conflict struct {
	// Check names the validation step that failed, e.g. "attribute".
	Check  string
	Reason string
}

// ConflictError is returned by Commit when validation detects a conflict with
// a concurrently committed transaction. The transaction is aborted; the
// caller may retry the whole unit of work in a new transaction.
type ConflictError struct {
	TxID   uint64
	Check  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mvcc: transaction %d in conflict (%s): %s", e.TxID, e.Check, e.Reason)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
