package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock is matched by every *InsufficientStockError.
	ErrInsufficientStock = errors.New("orders: insufficient stock")
	// ErrInvalidItem covers unknown or inactive products and non-positive quantities.
	ErrInvalidItem = errors.New("orders: invalid item")
	// ErrInvalidInput signals a malformed request outside of the item list.
	ErrInvalidInput = errors.New("orders: invalid input")
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("orders: invalid status transition")
	ErrNotFound          = errors.New("orders: not found")
	// ErrDuplicateOrder is returned when an external id is already taken.
	ErrDuplicateOrder = errors.New("orders: duplicate external id")
	// ErrTransient marks lock-wait timeouts, deadlocks and connectivity loss.
	// Callers may retry the whole operation; the engine never does.
	ErrTransient = errors.New("orders: transient failure")
	// ErrNoTransaction is returned by stock ledger calls made outside RunInTx.
	ErrNoTransaction = errors.New("orders: no enclosing transaction")
)

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("orders: insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("orders: invalid status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "orders: transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so that errors.Is(err, ErrTransient) holds. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// IsDomainRejection reports whether err is an expected, user-facing outcome
// that must not be logged as a system failure.
func IsDomainRejection(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidItem) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidTransition)
}
