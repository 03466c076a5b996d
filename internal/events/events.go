// Package events publishes payment lifecycle events for downstream
// consumers (fulfilment, alerting).
package events

import (
	"context"
	"time"
)

type Type string

const (
	PaymentSettled                Type = "payment.settled"
	PaymentFailed                 Type = "payment.failed"
	PaymentReconciliationRequired Type = "payment.reconciliation_required"
	PaymentReconciled             Type = "payment.reconciled"
	// PaymentConfigurationError is an operational alert: a provider is
	// misconfigured and every attempt against it will fail.
	PaymentConfigurationError Type = "payment.configuration_error"
)

// Event is the wire shape of a payment event.
type Event struct {
	ID            string    `json:"event_id"`
	Type          Type      `json:"event_type"`
	Version       int       `json:"event_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	OrderRef      string    `json:"order_ref"`
	Provider      string    `json:"provider"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	CustomerID    string    `json:"customer_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Kind          string    `json:"error_kind,omitempty"`
	Code          string    `json:"error_code,omitempty"`
	Attempt       int       `json:"attempt"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
