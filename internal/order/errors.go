package order

import "errors"

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnauthorized      = errors.New("order does not belong to customer")
	ErrInvalidOrderState = errors.New("order is not cancelable in its current state")
)
