package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientStockErrorIs(t *testing.T) {
	err := fmt.Errorf("create order: %w", &InsufficientStockError{
		ProductID: 7,
		Requested: 3,
		Available: 1,
	})

	assert.ErrorIs(t, err, ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(7), stockErr.ProductID)
	assert.Contains(t, stockErr.Error(), "requested 3, available 1")
}

func TestStateTransitionErrorIs(t *testing.T) {
	err := &StateTransitionError{From: "delivered", To: "cancelled"}
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.NotErrorIs(t, err, ErrInsufficientStock)
}

func TestValidationErrorIs(t *testing.T) {
	err := &ValidationError{Field: "quantity", Reason: "must be positive"}
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "invalid quantity: must be positive", err.Error())
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ErrorClassSerialization, ClassifyError(&pq.Error{Code: "40001"}))
	assert.Equal(t, ErrorClassDeadlock, ClassifyError(&pq.Error{Code: "40P01"}))
	assert.Equal(t, ErrorClassTransient, ClassifyError(&pq.Error{Code: "55P03"}))
	assert.Equal(t, ErrorClassPermanent, ClassifyError(&pq.Error{Code: "23505"}))
	assert.Equal(t, ErrorClassPermanent, ClassifyError(ErrOrderNotFound))
	assert.Equal(t, ErrorClassPermanent, ClassifyError(nil))

	wrapped := fmt.Errorf("commit: %w", &pq.Error{Code: "40001"})
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(ErrInsufficientStock))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("create order: %w", &pq.Error{Code: "23505", Constraint: "orders_order_number_key"})

	assert.True(t, IsUniqueViolation(err, "orders_order_number_key"))
	assert.True(t, IsUniqueViolation(err, ""))
	assert.False(t, IsUniqueViolation(err, "users_email_key"))
	assert.False(t, IsUniqueViolation(ErrOrderNotFound, ""))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}, ""))
}
