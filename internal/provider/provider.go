// Package provider defines the contract every payment backend implements.
// Backends keep their request and response shapes to themselves: the
// orchestrator only sees payment.InitPayload, payment.Payload,
// payment.PaymentResult and payment.StoredPaymentMethod, and structural
// failures are reported as *Error for the classifier to normalize.
package provider

import (
	"context"

	"github.com/yourorg/checkout-payments/internal/payment"
)

// Provider is implemented by each payment backend adapter.
type Provider interface {
	// Type identifies the implementation for routing and logging.
	Type() payment.ProviderType

	// InitializePayment prepares the client-side handshake (client secret,
	// approval URL...). It must not charge anything.
	InitializePayment(ctx context.Context, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error)

	// ProcessPayment executes the charge. Business declines are returned as a
	// failed PaymentResult with a nil error; a non-nil error means the call
	// itself failed (transport, protocol, configuration).
	ProcessPayment(ctx context.Context, data payment.Payload) (payment.PaymentResult, error)

	// SavePaymentMethod stores a reusable instrument for the user. It does not
	// depend on a prior ProcessPayment call.
	SavePaymentMethod(ctx context.Context, userID string, data payment.Payload) (payment.StoredPaymentMethod, error)

	// IsSupported reports whether the backend can be used in this
	// environment. It has no side effects.
	IsSupported() bool
}
