package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindTransient    ErrorKind = "transient"
	KindInvariant    ErrorKind = "invariant"
	KindUndoConflict ErrorKind = "undo_conflict"
	KindBusy         ErrorKind = "busy"
)

var (
	ErrBusy              = errors.New("another operation is in progress")
	ErrRequired          = errors.New("required field is empty")
	ErrDuplicateKey      = errors.New("key already exists in structure")
	ErrInvalidKey        = errors.New("key may only contain letters, digits, '_', '-' and '.'")
	ErrTooLong           = errors.New("value is too long")
	ErrInvalidIntent     = errors.New("drop intent must be before, after or inside")
	ErrSelfMove          = errors.New("item cannot be dropped onto itself")
	ErrCycle             = errors.New("drop target lies inside the moved subtree")
	ErrAnchorNotFound    = errors.New("drop target not found")
	ErrItemNotFound      = errors.New("line item not found")
	ErrParentNotFound    = errors.New("parent line item not found")
	ErrStructureNotFound = errors.New("structure not found")
	ErrRowCountMismatch  = errors.New("updated row count does not match plan")
	ErrRankTaken         = errors.New("rank already used in structure")
	ErrEntryNotFound     = errors.New("change log entry not found")
	ErrAlreadyUndone     = errors.New("change log entry already undone")
	ErrSnapshotMissing   = errors.New("change log entry is missing required state")
	ErrHasChildren       = errors.New("line item has children")
)

// Error classifies a failure for callers outside the core. Op names the
// operation that failed, e.g. "move" or "undo".
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind. An err that already carries a kind keeps it; only Op
// is filled in when missing.
func E(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Op == "" && op != "" {
			return &Error{Kind: de.Kind, Op: op, Err: de.Err}
		}
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string; %w is honoured.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of err, or "" for an unclassified error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Classify gives a store error its kind. Errors that already carry a kind keep
// it; known sentinels map to conflict or not_found; everything else, including
// timeouts and cancellations, is transient.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrDuplicateKey), errors.Is(err, ErrRankTaken), errors.Is(err, ErrRowCountMismatch), errors.Is(err, ErrParentNotFound):
		return E(KindConflict, op, err)
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrStructureNotFound):
		return E(KindNotFound, op, err)
	case errors.Is(err, ErrAlreadyUndone):
		return E(KindUndoConflict, op, err)
	}
	return E(KindTransient, op, err)
}
