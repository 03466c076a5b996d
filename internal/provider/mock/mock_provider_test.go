package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/payment"
)

func TestNew(t *testing.T) {
	p := New(payment.ProviderCard)
	assert.Equal(t, payment.ProviderCard, p.Type())
	assert.True(t, p.IsSupported())
}

func TestProvider_DefaultBehavior(t *testing.T) {
	ctx := context.Background()
	p := New(payment.ProviderWallet)
	amount, err := payment.ParseAmount("5000", "JPY")
	require.NoError(t, err)

	init, err := p.InitializePayment(ctx, amount, payment.Customer{ID: "u1"})
	require.NoError(t, err)
	assert.False(t, init.Empty())
	assert.Equal(t, payment.ProviderWallet, init.Provider)

	res, err := p.ProcessPayment(ctx, payment.Payload{"payment_method": "pm_1"})
	require.NoError(t, err)
	require.NoError(t, res.Validate())
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, true, res.Metadata["mock_processed"])

	res, err = p.ProcessPayment(ctx, payment.Payload{DeclineKey: "card_declined"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "card_declined", res.Error)

	m, err := p.SavePaymentMethod(ctx, "u1", payment.Payload{"payment_method": "pm_1"})
	require.NoError(t, err)
	assert.Equal(t, "pm_1", m.ID)
	require.NoError(t, m.Validate())

	assert.Equal(t, 1, p.InitializeCalls())
	assert.Equal(t, 2, p.ProcessCalls())
	assert.Equal(t, 1, p.SaveCalls())
}

func TestProvider_CustomFuncs(t *testing.T) {
	ctx := context.Background()
	p := New(payment.ProviderCard)
	boom := errors.New("boom")
	p.ProcessFunc = func(context.Context, payment.Payload) (payment.PaymentResult, error) {
		return payment.PaymentResult{}, boom
	}
	p.SaveFunc = func(_ context.Context, userID string, _ payment.Payload) (payment.StoredPaymentMethod, error) {
		return payment.StoredPaymentMethod{ID: "pm_" + userID, Type: payment.MethodCard}, nil
	}

	_, err := p.ProcessPayment(ctx, nil)
	assert.ErrorIs(t, err, boom)

	m, err := p.SavePaymentMethod(ctx, "u9", nil)
	require.NoError(t, err)
	assert.Equal(t, "pm_u9", m.ID)
	assert.Equal(t, 1, p.ProcessCalls())
}

func TestProvider_SavePaymentMethod_Defaults(t *testing.T) {
	ctx := context.Background()
	data := payment.Payload{"token": "tok_1", "holder": "Pat"}

	t.Run("StableIDWithoutPaymentMethod", func(t *testing.T) {
		p := New(payment.ProviderCard)
		first, err := p.SavePaymentMethod(ctx, "u1", data)
		require.NoError(t, err)
		second, err := p.SavePaymentMethod(ctx, "u1", payment.Payload{"holder": "Pat", "token": "tok_1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Contains(t, first.ID, "mock_pm_")

		other, err := p.SavePaymentMethod(ctx, "u1", payment.Payload{"token": "tok_2"})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, other.ID)
	})

	t.Run("WalletHasNoCardFields", func(t *testing.T) {
		p := New(payment.ProviderWallet)
		m, err := p.SavePaymentMethod(ctx, "u1", data)
		require.NoError(t, err)
		require.NoError(t, m.Validate())
		assert.Equal(t, payment.MethodWallet, m.Type)
		assert.Equal(t, payment.ProviderWallet, m.Provider)
		assert.Empty(t, m.Last4)
		assert.Empty(t, m.Brand)
		assert.Zero(t, m.ExpMonth)
		assert.Zero(t, m.ExpYear)
	})

	t.Run("CardCarriesCardFields", func(t *testing.T) {
		p := New(payment.ProviderCard)
		m, err := p.SavePaymentMethod(ctx, "u1", data)
		require.NoError(t, err)
		require.NoError(t, m.Validate())
		assert.Equal(t, payment.MethodCard, m.Type)
		assert.Equal(t, "4242", m.Last4)
	})
}
