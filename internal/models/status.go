package models

import "github.com/kervan/go-commerce-store/internal/database"

// OrderStatus is a closed enumeration. Values outside the set are rejected
// at the boundary by ParseOrderStatus.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if _, ok := orderTransitions[status]; !ok {
		return "", &database.ValidationError{Field: "status", Reason: "unknown status " + s}
	}
	return status, nil
}

func (s OrderStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// CanTransition implements the transition table:
// pending -> shipped -> delivered, pending/shipped -> cancelled.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the move and returns a StateTransitionError naming
// both states when it is not allowed.
func (s OrderStatus) Transition(to OrderStatus) (OrderStatus, error) {
	if !s.CanTransition(to) {
		return s, &database.StateTransitionError{From: string(s), To: string(to)}
	}
	return to, nil
}
