// Package store defines the persistence boundary for order payments and
// stored payment methods.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/checkout-payments/internal/payment"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadySettled is returned when an order is already settled with a
	// different transaction, or a failure is recorded on a settled order.
	ErrAlreadySettled = errors.New("store: order already settled")
)

// Status of a persisted order payment.
type Status string

const (
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// OrderPayment is the durable record of an order's payment outcome.
type OrderPayment struct {
	OrderRef      string
	Provider      payment.ProviderType
	Amount        payment.Amount
	CustomerID    string
	Status        Status
	TransactionID string
	Error         string
	Attempt       int
	Metadata      map[string]any
	UpdatedAt     time.Time

	// ReconciliationRequired marks a failure whose charge may have gone
	// through upstream.
	ReconciliationRequired bool
}

// Store is implemented by the memory and postgres backends.
type Store interface {
	// RecordSettlement marks the order settled. It is atomic per order ref:
	// recording the same transaction again is a no-op, recording a different
	// one fails with ErrAlreadySettled.
	RecordSettlement(ctx context.Context, p OrderPayment) error
	// RecordFailure stores the latest failed attempt. It never overwrites a
	// settlement.
	RecordFailure(ctx context.Context, p OrderPayment) error
	GetOrderPayment(ctx context.Context, orderRef string) (OrderPayment, error)

	// SavePaymentMethod upserts by (user, provider, method id). The first
	// method a user saves becomes the default; an upsert keeps the flag.
	SavePaymentMethod(ctx context.Context, userID string, m payment.StoredPaymentMethod) (payment.StoredPaymentMethod, error)
	ListPaymentMethods(ctx context.Context, userID string) ([]payment.StoredPaymentMethod, error)
}
