package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kervan/go-commerce-store/internal/database"
)

func TestParseOrderStatus(t *testing.T) {
	for _, valid := range []string{"pending", "shipped", "delivered", "cancelled"} {
		status, err := ParseOrderStatus(valid)
		require.NoError(t, err)
		assert.Equal(t, valid, status.String())
	}

	for _, invalid := range []string{"", "Pending", "refunded", "PENDING", "unknown"} {
		_, err := ParseOrderStatus(invalid)
		assert.ErrorIs(t, err, database.ErrValidation, "status %q", invalid)
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderStatusPending, OrderStatusShipped, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusDelivered, false},
		{OrderStatusPending, OrderStatusPending, false},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusCancelled, true},
		{OrderStatusShipped, OrderStatusPending, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusDelivered, OrderStatusShipped, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusCancelled, OrderStatusCancelled, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionError(t *testing.T) {
	_, err := OrderStatusDelivered.Transition(OrderStatusCancelled)
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrInvalidStateTransition)

	var transitionErr *database.StateTransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.Equal(t, "delivered", transitionErr.From)
	assert.Equal(t, "cancelled", transitionErr.To)
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.False(t, OrderStatusShipped.IsTerminal())
	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
}
