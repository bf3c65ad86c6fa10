package gbptree

import (
	"fmt"

	"tlog.app/go/errors"
)

var ( // errors
	ErrTreeInconsistency = errors.New("tree inconsistency")
	ErrLayoutMismatch    = errors.New("layout mismatch")
	ErrPageChecksum      = errors.New("page checksum mismatch")
	ErrNoValidState      = errors.New("no valid state page")
	ErrWriterBusy        = errors.New("writer busy")
	ErrClosed            = errors.New("tree closed")
	ErrReadOnly          = errors.New("tree is read only")
	ErrKeyTooLarge       = errors.New("entry too large")
	ErrCleanupPending    = errors.New("crash cleanup not completed")
	ErrWriteFailed       = errors.New("write failed, reopen to recover")
)

// errRetryPessimistic is returned by an optimistic write attempt
// that can't complete without structural changes.
var errRetryPessimistic = errors.New("retry pessimistic")

type (
	// TreeInconsistencyError reports structural corruption the tree can't recover from.
	TreeInconsistencyError struct {
		Op     string
		ID     int64
		Gen    int64
		Reason string
	}
)

func inconsistency(op string, id, gen int64, reason string, args ...interface{}) error {
	if len(args) != 0 {
		reason = fmt.Sprintf(reason, args...)
	}

	return &TreeInconsistencyError{
		Op:     op,
		ID:     id,
		Gen:    gen,
		Reason: reason,
	}
}

func (e *TreeInconsistencyError) Error() string {
	return fmt.Sprintf("tree inconsistency: %s: node %#x gen %d: %s", e.Op, e.ID, e.Gen, e.Reason)
}

func (e *TreeInconsistencyError) Is(target error) bool {
	return target == ErrTreeInconsistency
}
