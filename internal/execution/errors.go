package execution

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the human-readable reason is the
// error text.
var (
	ErrValidation         = errors.New("validation error")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrOrderNotFound      = errors.New("order not found")
)

// OrderError carries an error kind and the reason shown to the caller.
type OrderError struct {
	Kind   error
	Reason string
}

func (e *OrderError) Error() string { return e.Reason }
func (e *OrderError) Unwrap() error { return e.Kind }

func orderErr(kind error, format string, args ...any) error {
	return &OrderError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// isBusinessReject reports whether err means the order can never fill as
// things stand (as opposed to a transient or conflict error).
func isBusinessReject(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientShares)
}
