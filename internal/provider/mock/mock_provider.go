// Package mock provides a synthetic payment provider. Tests override its
// behavior through the *Func fields; the server uses the defaults in sandbox
// mode.
package mock

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

// DeclineKey in a payload makes the default ProcessPayment decline with its value.
const DeclineKey = "decline_code"

// Provider is a synthetic implementation of provider.Provider.
type Provider struct {
	ProviderType payment.ProviderType
	Supported    bool

	InitializeFunc func(ctx context.Context, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error)
	ProcessFunc    func(ctx context.Context, data payment.Payload) (payment.PaymentResult, error)
	SaveFunc       func(ctx context.Context, userID string, data payment.Payload) (payment.StoredPaymentMethod, error)

	initCalls    atomic.Int64
	processCalls atomic.Int64
	saveCalls    atomic.Int64
}

var _ provider.Provider = (*Provider)(nil)

// New creates a supported mock provider registered under t.
func New(t payment.ProviderType) *Provider {
	return &Provider{ProviderType: t, Supported: true}
}

func (p *Provider) Type() payment.ProviderType { return p.ProviderType }

func (p *Provider) IsSupported() bool { return p.Supported }

// InitializePayment calls InitializeFunc if set, otherwise returns a
// synthetic client secret.
func (p *Provider) InitializePayment(ctx context.Context, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error) {
	p.initCalls.Add(1)
	if p.InitializeFunc != nil {
		return p.InitializeFunc(ctx, amount, customer)
	}
	id := uuid.NewString()
	return payment.InitPayload{
		Provider: p.ProviderType,
		Data: map[string]string{
			"session_id":    "mock_" + id,
			"client_secret": "mock_" + id + "_secret",
		},
	}, nil
}

// ProcessPayment calls ProcessFunc if set. By default it succeeds unless the
// payload carries DeclineKey.
func (p *Provider) ProcessPayment(ctx context.Context, data payment.Payload) (payment.PaymentResult, error) {
	p.processCalls.Add(1)
	if p.ProcessFunc != nil {
		return p.ProcessFunc(ctx, data)
	}
	if code, ok := data.StringValue(DeclineKey); ok {
		return payment.Failed(code, map[string]any{"mock_processed": true}), nil
	}
	return payment.Succeeded("mock_txn_"+uuid.NewString(), map[string]any{"mock_processed": true}), nil
}

// SavePaymentMethod calls SaveFunc if set. By default the method id comes
// from the payload's payment_method, or its fingerprint when absent, so saving
// the same data twice yields the same method. Wallet mocks store a wallet
// method without card fields.
func (p *Provider) SavePaymentMethod(ctx context.Context, userID string, data payment.Payload) (payment.StoredPaymentMethod, error) {
	p.saveCalls.Add(1)
	if p.SaveFunc != nil {
		return p.SaveFunc(ctx, userID, data)
	}
	id, ok := data.StringValue("payment_method")
	if !ok {
		fp, err := data.Fingerprint()
		if err != nil {
			return payment.StoredPaymentMethod{}, provider.NewError(string(p.ProviderType), provider.OpSave, provider.ReasonInvalidRequest, err.Error())
		}
		id = "mock_pm_" + fp[:24]
	}
	if p.ProviderType == payment.ProviderWallet {
		return payment.StoredPaymentMethod{
			ID:       id,
			Type:     payment.MethodWallet,
			Provider: p.ProviderType,
			Metadata: map[string]any{"mock_saved": true},
		}, nil
	}
	return payment.StoredPaymentMethod{
		ID:       id,
		Type:     payment.MethodCard,
		Provider: p.ProviderType,
		Last4:    "4242",
		Brand:    "visa",
		ExpMonth: 12,
		ExpYear:  2030,
	}, nil
}

// InitializeCalls returns how many times InitializePayment ran.
func (p *Provider) InitializeCalls() int { return int(p.initCalls.Load()) }

// ProcessCalls returns how many times ProcessPayment ran.
func (p *Provider) ProcessCalls() int { return int(p.processCalls.Load()) }

// SaveCalls returns how many times SavePaymentMethod ran.
func (p *Provider) SaveCalls() int { return int(p.saveCalls.Load()) }
