// Package generic is the placeholder for a pluggable third backend. It is
// registered so the type resolves, but reports itself unsupported unless
// explicitly enabled, and every operation fails as not implemented.
package generic

import (
	"context"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

const name = "generic"

type Provider struct {
	enabled bool
}

var _ provider.Provider = (*Provider)(nil)

func New(enabled bool) *Provider {
	return &Provider{enabled: enabled}
}

func (p *Provider) Type() payment.ProviderType { return payment.ProviderGeneric }

func (p *Provider) IsSupported() bool { return p.enabled }

func (p *Provider) InitializePayment(context.Context, payment.Amount, payment.Customer) (payment.InitPayload, error) {
	return payment.InitPayload{}, notImplemented(provider.OpInitialize)
}

func (p *Provider) ProcessPayment(context.Context, payment.Payload) (payment.PaymentResult, error) {
	return payment.PaymentResult{}, notImplemented(provider.OpProcess)
}

func (p *Provider) SavePaymentMethod(context.Context, string, payment.Payload) (payment.StoredPaymentMethod, error) {
	return payment.StoredPaymentMethod{}, notImplemented(provider.OpSave)
}

func notImplemented(op string) *provider.Error {
	return provider.NewError(name, op, provider.ReasonNotImplemented, "generic provider has no backend configured")
}
