package card

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

type fakeIntents struct {
	newParams     *stripe.PaymentIntentParams
	confirmID     string
	confirmParams *stripe.PaymentIntentConfirmParams

	newFunc     func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	confirmFunc func(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.newParams = params
	if f.newFunc != nil {
		return f.newFunc(params)
	}
	return &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret_abc"}, nil
}

func (f *fakeIntents) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	f.confirmID = id
	f.confirmParams = params
	if f.confirmFunc != nil {
		return f.confirmFunc(id, params)
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

type fakeMethods struct {
	attachID     string
	attachParams *stripe.PaymentMethodAttachParams
	pm           *stripe.PaymentMethod
	err          error
}

func (f *fakeMethods) Attach(id string, params *stripe.PaymentMethodAttachParams) (*stripe.PaymentMethod, error) {
	f.attachID = id
	f.attachParams = params
	return f.pm, f.err
}

func newTestProvider(intents *fakeIntents, methods *fakeMethods) *Provider {
	return newWithAPIs(Config{Enabled: true, SecretKey: "sk_test_123", PublishableKey: "pk_test_123"}, intents, methods, nil)
}

func TestProvider_IsSupported(t *testing.T) {
	assert.True(t, newTestProvider(&fakeIntents{}, &fakeMethods{}).IsSupported())
	assert.False(t, newWithAPIs(Config{Enabled: true}, nil, nil, nil).IsSupported(), "no secret key")
	assert.False(t, newWithAPIs(Config{SecretKey: "sk"}, nil, nil, nil).IsSupported(), "disabled")
	assert.Equal(t, payment.ProviderCard, New(Config{}, nil).Type())
}

func TestProvider_InitializePayment(t *testing.T) {
	intents := &fakeIntents{}
	p := newTestProvider(intents, &fakeMethods{})

	amount, err := payment.NewAmount(decimal.RequireFromString("5000"), "jpy")
	require.NoError(t, err)
	ctx := context.Background()

	init, err := p.InitializePayment(ctx, amount, payment.Customer{ID: "cust_1", Email: "a@example.com"})
	require.NoError(t, err)

	assert.Equal(t, payment.ProviderCard, init.Provider)
	assert.Equal(t, "pi_123", init.Data[KeyPaymentIntent])
	assert.Equal(t, "pi_123_secret_abc", init.Data["client_secret"])
	assert.Equal(t, "pk_test_123", init.Data["publishable_key"])

	require.NotNil(t, intents.newParams)
	assert.Equal(t, int64(5000), *intents.newParams.Amount, "zero-decimal currency is sent as-is")
	assert.Equal(t, "jpy", *intents.newParams.Currency)
	assert.Equal(t, "a@example.com", *intents.newParams.ReceiptEmail)
	assert.Equal(t, "cust_1", intents.newParams.Metadata["customer_id"])
	assert.Equal(t, ctx, intents.newParams.Context)
}

func TestProvider_InitializePayment_StripeErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want provider.Reason
	}{
		{"auth", &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Type: stripe.ErrorTypeInvalidRequest}, provider.ReasonAuthentication},
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, provider.ReasonRateLimited},
		{"amount too small", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: stripe.ErrorTypeInvalidRequest, Code: "amount_too_small"}, provider.ReasonInvalidAmount},
		{"bad currency", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: stripe.ErrorTypeInvalidRequest, Param: "currency"}, provider.ReasonInvalidAmount},
		{"invalid request", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: stripe.ErrorTypeInvalidRequest, Code: "parameter_missing"}, provider.ReasonInvalidRequest},
		{"api error", &stripe.Error{HTTPStatusCode: http.StatusInternalServerError, Type: stripe.ErrorTypeAPI}, provider.ReasonUnavailable},
		{"transport", errors.New("dial tcp: connection refused"), provider.ReasonUnavailable},
		{"idempotency", &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Type: stripe.ErrorTypeIdempotency}, provider.ReasonProtocol},
	}

	amount, err := payment.ParseAmount("10.00", "USD")
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intents := &fakeIntents{newFunc: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, tt.err
			}}
			_, err := newTestProvider(intents, &fakeMethods{}).InitializePayment(context.Background(), amount, payment.Customer{ID: "c"})
			require.Error(t, err)

			var perr *provider.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.want, perr.Reason)
			assert.Equal(t, provider.OpInitialize, perr.Op)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestProvider_ProcessPayment(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		intents := &fakeIntents{}
		p := newTestProvider(intents, &fakeMethods{})

		res, err := p.ProcessPayment(context.Background(), payment.Payload{KeyPaymentIntent: "pi_9", KeyPaymentMethod: "pm_card_visa"})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "pi_9", res.TransactionID)
		assert.Equal(t, "pi_9", intents.confirmID)
		assert.Equal(t, "pm_card_visa", *intents.confirmParams.PaymentMethod)
		assert.Equal(t, "confirm-pi_9-pm_card_visa", *intents.confirmParams.IdempotencyKey)
	})

	t.Run("CardErrorIsDecline", func(t *testing.T) {
		intents := &fakeIntents{confirmFunc: func(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			return nil, &stripe.Error{Type: stripe.ErrorTypeCard, Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds", Msg: "Your card has insufficient funds.", HTTPStatusCode: http.StatusPaymentRequired}
		}}
		res, err := newTestProvider(intents, &fakeMethods{}).ProcessPayment(context.Background(), payment.Payload{KeyPaymentIntent: "pi_9", KeyPaymentMethod: "pm_x"})
		require.NoError(t, err, "a decline is a result, not an error")
		assert.False(t, res.Success)
		assert.Equal(t, "insufficient_funds", res.Error)
		assert.Equal(t, "card_error", res.Metadata["stripe_error_type"])
		require.NoError(t, res.Validate())
	})

	t.Run("MissingPayloadFields", func(t *testing.T) {
		p := newTestProvider(&fakeIntents{}, &fakeMethods{})
		_, err := p.ProcessPayment(context.Background(), payment.Payload{KeyPaymentMethod: "pm_x"})
		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.ReasonInvalidRequest, perr.Reason)

		_, err = p.ProcessPayment(context.Background(), payment.Payload{KeyPaymentIntent: "pi_1"})
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.ReasonInvalidRequest, perr.Reason)
	})

	t.Run("ServerErrorIsUnavailable", func(t *testing.T) {
		intents := &fakeIntents{confirmFunc: func(string, *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			return nil, &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: http.StatusBadGateway}
		}}
		_, err := newTestProvider(intents, &fakeMethods{}).ProcessPayment(context.Background(), payment.Payload{KeyPaymentIntent: "pi_1", KeyPaymentMethod: "pm_x"})
		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.ReasonUnavailable, perr.Reason)
		assert.Equal(t, provider.OpProcess, perr.Op)
	})
}

func TestResultFromIntent(t *testing.T) {
	tests := []struct {
		status  stripe.PaymentIntentStatus
		last    *stripe.Error
		success bool
		code    string
	}{
		{stripe.PaymentIntentStatusSucceeded, nil, true, ""},
		{stripe.PaymentIntentStatusRequiresCapture, nil, true, ""},
		{stripe.PaymentIntentStatusProcessing, nil, false, "processing"},
		{stripe.PaymentIntentStatusRequiresAction, nil, false, "authentication_required"},
		{stripe.PaymentIntentStatusCanceled, nil, false, "intent_canceled"},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, nil, false, "card_declined"},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, &stripe.Error{DeclineCode: "expired_card"}, false, "expired_card"},
		{stripe.PaymentIntentStatus("something_new"), nil, false, "provider_ambiguous_result"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+tt.code, func(t *testing.T) {
			res := resultFromIntent(&stripe.PaymentIntent{ID: "pi_1", Status: tt.status, LastPaymentError: tt.last})
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.code, res.Error)
			require.NoError(t, res.Validate())
		})
	}
}

func TestProvider_SavePaymentMethod(t *testing.T) {
	t.Run("Card", func(t *testing.T) {
		methods := &fakeMethods{pm: &stripe.PaymentMethod{
			ID:   "pm_1",
			Type: stripe.PaymentMethodTypeCard,
			Card: &stripe.PaymentMethodCard{
				Brand:    stripe.PaymentMethodCardBrandVisa,
				Last4:    "4242",
				ExpMonth: 12,
				ExpYear:  2031,
			},
			BillingDetails: &stripe.PaymentMethodBillingDetails{Name: "Ada Lovelace"},
		}}
		p := newTestProvider(&fakeIntents{}, methods)

		saved, err := p.SavePaymentMethod(context.Background(), "user_1", payment.Payload{KeyPaymentMethod: "pm_1", KeyCustomer: "cus_42"})
		require.NoError(t, err)
		require.NoError(t, saved.Validate())
		assert.Equal(t, payment.MethodCard, saved.Type)
		assert.Equal(t, "4242", saved.Last4)
		assert.Equal(t, "visa", saved.Brand)
		assert.Equal(t, 12, saved.ExpMonth)
		assert.Equal(t, 2031, saved.ExpYear)
		assert.Equal(t, "Ada Lovelace", saved.HolderName)
		assert.Equal(t, "cus_42", *methods.attachParams.Customer)
		assert.Equal(t, "pm_1", methods.attachID)
	})

	t.Run("DefaultsCustomerToUser", func(t *testing.T) {
		methods := &fakeMethods{pm: &stripe.PaymentMethod{ID: "pm_2", Type: "link"}}
		saved, err := newTestProvider(&fakeIntents{}, methods).SavePaymentMethod(context.Background(), "user_7", payment.Payload{KeyPaymentMethod: "pm_2"})
		require.NoError(t, err)
		assert.Equal(t, payment.MethodOther, saved.Type)
		assert.Equal(t, "user_7", *methods.attachParams.Customer)
	})

	t.Run("AttachFails", func(t *testing.T) {
		methods := &fakeMethods{err: &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusBadRequest, Code: "resource_missing"}}
		_, err := newTestProvider(&fakeIntents{}, methods).SavePaymentMethod(context.Background(), "u", payment.Payload{KeyPaymentMethod: "pm_gone"})
		var perr *provider.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, provider.ReasonInvalidRequest, perr.Reason)
		assert.Equal(t, provider.OpSave, perr.Op)
	})
}
