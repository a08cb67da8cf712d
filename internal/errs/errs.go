// Package errs defines the error kinds shared by the credit ledger and the
// subscription lifecycle. Domain packages declare coded errors that unwrap to
// one of these kinds so callers can branch on either.
package errs

import "errors"

var (
	ErrNotFound              = errors.New("not_found")
	ErrInvalidState          = errors.New("invalid_state")
	ErrInsufficientBalance   = errors.New("insufficient_balance")
	ErrExternalConfiguration = errors.New("external_configuration")
	ErrConcurrencyConflict   = errors.New("concurrency_conflict")
)

// Error is a coded domain error belonging to a kind.
type Error struct {
	Kind error
	Code string
}

// New returns a coded error of the given kind.
func New(kind error, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func (e *Error) Error() string { return e.Code }

func (e *Error) Unwrap() error { return e.Kind }

// KindOf reports the kind an error belongs to, or nil for foreign errors.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrNotFound,
		ErrInvalidState,
		ErrInsufficientBalance,
		ErrExternalConfiguration,
		ErrConcurrencyConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Label returns a low-cardinality label for metrics and logs.
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := KindOf(err); kind != nil {
		return kind.Error()
	}
	return "internal"
}
