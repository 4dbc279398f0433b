package exchange

import (
	"context"
	"errors"
	"fmt"

	"stbbot/internal/model"
)

// OrderState is the execution state the exchange reports for one order.
type OrderState struct {
	Symbol    string
	Status    string // done, open or cancel
	Size      float64
	DealSize  float64
	DealFunds float64
}

// Gateway defines the standard interface to the exchange trade API.
type Gateway interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, size float64) (string, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, size, price float64) (string, error)
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
}

// Dialer opens an authenticated Gateway for one bot's credentials. Each
// cycle engine dials at the start of every cycle so a worker restart, or a
// credential rotation in the settings table, takes effect without a process
// restart.
type Dialer func(ctx context.Context, creds model.Credentials) (Gateway, error)

// ErrNotFound is returned when the exchange does not know the order id.
var ErrNotFound = errors.New("exchange: order not found")

// AuthError means the exchange refused the credentials. It is not retried
// within a cycle; the next cycle dials again with a fresh read of the
// settings row.
type AuthError struct {
	Code string
	Msg  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("exchange: authentication failed (code %s): %s", e.Code, e.Msg)
}

// RejectedError means the exchange understood and refused an order
// placement (insufficient balance, bad size, suspended symbol, ...).
type RejectedError struct {
	Code string
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange: order rejected (code %s): %s", e.Code, e.Msg)
}

// TransientError wraps network failures and 5xx responses that a later
// attempt may well succeed at.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("exchange: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retryable reports whether an error is worth another attempt within the
// same cycle. Authentication failures are not: the credentials will be the
// same on the next try.
func Retryable(err error) bool {
	var auth *AuthError
	return !errors.As(err, &auth)
}
