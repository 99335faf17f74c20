package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. If constraint is non-empty the violated constraint must match.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrProductNotFound        = errors.New("product not found")
	ErrProductInactive        = errors.New("product inactive")
	ErrOrderNotFound          = errors.New("order not found")
	ErrAddressNotFound        = errors.New("address not found")
	ErrPaymentMethodNotFound  = errors.New("payment method not found")
	ErrInvalidAddress         = errors.New("invalid shipping address")
	ErrInvalidPaymentMethod   = errors.New("invalid payment method")
	ErrDuplicateSKU           = errors.New("sku already exists")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid order status transition")
	ErrValidation             = errors.New("validation failed")
	ErrOptimisticLockFailed   = errors.New("optimistic lock failed")
	ErrLockTimeout            = errors.New("lock timeout")
)

// InsufficientStockError names the product that could not be reserved.
// errors.Is(err, ErrInsufficientStock) holds for values of this type.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StateTransitionError records the rejected transition.
type StateTransitionError struct {
	From string
	To   string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot transition order from %q to %q", e.From, e.To)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// ValidationError carries the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
