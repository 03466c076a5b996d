package router_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/checkout-payments/internal/metrics"
	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
	"github.com/yourorg/checkout-payments/internal/router"
	"github.com/yourorg/checkout-payments/internal/router/circuitbreaker"
)

// MockProvider is a testify/mock implementation of provider.Provider.
type MockProvider struct {
	mock.Mock
	typ payment.ProviderType
}

func (m *MockProvider) Type() payment.ProviderType { return m.typ }
func (m *MockProvider) IsSupported() bool          { return true }

func (m *MockProvider) InitializePayment(ctx context.Context, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error) {
	args := m.Called(ctx, amount, customer)
	return args.Get(0).(payment.InitPayload), args.Error(1)
}

func (m *MockProvider) ProcessPayment(ctx context.Context, data payment.Payload) (payment.PaymentResult, error) {
	args := m.Called(ctx, data)
	return args.Get(0).(payment.PaymentResult), args.Error(1)
}

func (m *MockProvider) SavePaymentMethod(ctx context.Context, userID string, data payment.Payload) (payment.StoredPaymentMethod, error) {
	args := m.Called(ctx, userID, data)
	return args.Get(0).(payment.StoredPaymentMethod), args.Error(1)
}

func newRouter(threshold int) (*router.Router, *circuitbreaker.CircuitBreaker) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{FailureThreshold: threshold, ResetTimeout: time.Minute})
	r := router.NewRouter(cb, router.Config{ProcessTimeout: 50 * time.Millisecond}, metrics.New(prometheus.NewRegistry()), nil)
	return r, cb
}

func unavailable() error {
	return &provider.Error{Provider: "card", Op: provider.OpProcess, Reason: provider.ReasonUnavailable, Message: "502"}
}

func TestNewRouter_PanicsWithoutBreaker(t *testing.T) {
	assert.Panics(t, func() { router.NewRouter(nil, router.Config{}, nil, nil) })
}

func TestRouter_Process(t *testing.T) {
	payload := payment.Payload{"payment_method": "pm_1"}

	t.Run("Success", func(t *testing.T) {
		r, cb := newRouter(2)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.Succeeded("txn_1", nil), nil).Once()

		res, err := r.Process(context.Background(), p, payload)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "txn_1", res.TransactionID)
		state, _ := cb.GetProviderStatus("card")
		assert.Equal(t, circuitbreaker.StateClosed, state)
		p.AssertExpectations(t)
	})

	t.Run("DeclineIsAResultAndKeepsCircuitClosed", func(t *testing.T) {
		r, cb := newRouter(1)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.Failed("card_declined", nil), nil)

		for i := 0; i < 3; i++ {
			res, err := r.Process(context.Background(), p, payload)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, "card_declined", res.Error)
		}
		state, _ := cb.GetProviderStatus("card")
		assert.Equal(t, circuitbreaker.StateClosed, state)
	})

	t.Run("SuccessWithoutTransactionNeedsReconciliation", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.PaymentResult{Success: true}, nil)

		_, err := r.Process(context.Background(), p, payload)
		pe, ok := payerr.As(err)
		require.True(t, ok)
		assert.Equal(t, payerr.TransientProviderError, pe.Kind)
		assert.True(t, pe.Reconcile)
		assert.False(t, pe.Retryable())
	})

	t.Run("FailedWithoutMessageIsNormalized", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.PaymentResult{Success: false}, nil)

		res, err := r.Process(context.Background(), p, payload)
		require.NoError(t, err)
		assert.Equal(t, "unknown_error", res.Error)
	})

	t.Run("TimeoutNeedsReconciliation", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).
			Run(func(args mock.Arguments) { time.Sleep(200 * time.Millisecond) }).
			Return(payment.Succeeded("late", nil), nil)

		start := time.Now()
		_, err := r.Process(context.Background(), p, payload)
		assert.Less(t, time.Since(start), 150*time.Millisecond, "guard does not wait for a provider that ignores its context")

		pe, ok := payerr.As(err)
		require.True(t, ok)
		assert.Equal(t, payerr.TransientProviderError, pe.Kind)
		assert.True(t, pe.Timeout)
		assert.True(t, pe.Reconcile)
	})

	t.Run("TransportFailuresOpenCircuit", func(t *testing.T) {
		r, cb := newRouter(2)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.PaymentResult{}, unavailable()).Twice()

		for i := 0; i < 2; i++ {
			_, err := r.Process(context.Background(), p, payload)
			assert.True(t, payerr.IsKind(err, payerr.ProviderUnavailable))
		}
		state, failures := cb.GetProviderStatus("card")
		assert.Equal(t, circuitbreaker.StateOpen, state)
		assert.Equal(t, 2, failures)

		_, err := r.Process(context.Background(), p, payload)
		pe, ok := payerr.As(err)
		require.True(t, ok)
		assert.Equal(t, payerr.ProviderUnavailable, pe.Kind)
		assert.Contains(t, pe.Message, "circuit open")
		p.AssertNumberOfCalls(t, "ProcessPayment", 2)
	})

	t.Run("ValidationErrorKeepsCircuitClosed", func(t *testing.T) {
		r, cb := newRouter(1)
		p := &MockProvider{typ: payment.ProviderWallet}
		p.On("ProcessPayment", mock.Anything, payload).
			Return(payment.PaymentResult{}, provider.NewError("wallet", provider.OpProcess, provider.ReasonInvalidRequest, "bad session"))

		_, err := r.Process(context.Background(), p, payload)
		assert.True(t, payerr.IsKind(err, payerr.ValidationError))
		state, _ := cb.GetProviderStatus("wallet")
		assert.Equal(t, circuitbreaker.StateClosed, state)
	})

	t.Run("CallerCancellation", func(t *testing.T) {
		r, cb := newRouter(1)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).
			Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
			Return(payment.PaymentResult{}, context.Canceled)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err := r.Process(ctx, p, payload)
		pe, ok := payerr.As(err)
		require.True(t, ok)
		assert.True(t, pe.Reconcile, "abandoned charge has an unknown outcome")
		state, _ := cb.GetProviderStatus("card")
		assert.Equal(t, circuitbreaker.StateClosed, state)
	})

	t.Run("CanceledTrialFreesHalfOpenCircuit", func(t *testing.T) {
		cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
		r := router.NewRouter(cb, router.Config{ProcessTimeout: time.Second}, nil, nil)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.PaymentResult{}, unavailable()).Once()
		p.On("ProcessPayment", mock.Anything, payload).
			Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
			Return(payment.PaymentResult{}, context.Canceled).Once()
		p.On("ProcessPayment", mock.Anything, payload).Return(payment.Succeeded("txn_1", nil), nil).Once()

		_, err := r.Process(context.Background(), p, payload)
		require.True(t, payerr.IsKind(err, payerr.ProviderUnavailable))
		time.Sleep(20 * time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		_, err = r.Process(ctx, p, payload)
		require.Error(t, err)
		state, _ := cb.GetProviderStatus("card")
		require.Equal(t, circuitbreaker.StateHalfOpen, state)

		res, err := r.Process(context.Background(), p, payload)
		require.NoError(t, err)
		assert.Equal(t, "txn_1", res.TransactionID)
		state, _ = cb.GetProviderStatus("card")
		assert.Equal(t, circuitbreaker.StateClosed, state)
		p.AssertNumberOfCalls(t, "ProcessPayment", 3)
	})
}

func TestRouter_Initialize(t *testing.T) {
	amount, err := payment.ParseAmount("10.00", "USD")
	require.NoError(t, err)
	customer := payment.Customer{ID: "c1"}

	t.Run("FillsProviderType", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderWallet}
		p.On("InitializePayment", mock.Anything, amount, customer).
			Return(payment.InitPayload{Data: map[string]string{"session_id": "ws_1"}}, nil)

		init, err := r.Initialize(context.Background(), p, amount, customer)
		require.NoError(t, err)
		assert.Equal(t, payment.ProviderWallet, init.Provider)
	})

	t.Run("EmptyPayloadIsTransient", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderWallet}
		p.On("InitializePayment", mock.Anything, amount, customer).Return(payment.InitPayload{}, nil)

		_, err := r.Initialize(context.Background(), p, amount, customer)
		assert.True(t, payerr.IsKind(err, payerr.TransientProviderError))
	})

	t.Run("TimeoutIsNotReconciliation", func(t *testing.T) {
		cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{})
		r := router.NewRouter(cb, router.Config{InitTimeout: 10 * time.Millisecond}, nil, nil)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("InitializePayment", mock.Anything, amount, customer).
			Run(func(args mock.Arguments) { time.Sleep(100 * time.Millisecond) }).
			Return(payment.InitPayload{}, errors.New("too late"))

		_, err := r.Initialize(context.Background(), p, amount, customer)
		pe, ok := payerr.As(err)
		require.True(t, ok)
		assert.True(t, pe.Timeout)
		assert.False(t, pe.Reconcile)
		assert.True(t, pe.Retryable())
	})
}

func TestRouter_Save(t *testing.T) {
	payload := payment.Payload{"payment_method": "pm_1"}

	t.Run("Success", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("SavePaymentMethod", mock.Anything, "u1", payload).
			Return(payment.StoredPaymentMethod{ID: "pm_1", Type: payment.MethodCard, Last4: "4242"}, nil)

		m, err := r.Save(context.Background(), p, "u1", payload)
		require.NoError(t, err)
		assert.Equal(t, payment.ProviderCard, m.Provider)
	})

	t.Run("InvalidMethodRejected", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderWallet}
		p.On("SavePaymentMethod", mock.Anything, "u1", payload).
			Return(payment.StoredPaymentMethod{ID: "ba_1", Type: payment.MethodWallet, Last4: "1111"}, nil)

		_, err := r.Save(context.Background(), p, "u1", payload)
		pe, ok := payerr.As(err)
		require.True(t, ok)
		assert.Equal(t, "invalid_saved_method", pe.Code)
	})

	t.Run("AuthFailureIsConfiguration", func(t *testing.T) {
		r, _ := newRouter(3)
		p := &MockProvider{typ: payment.ProviderCard}
		p.On("SavePaymentMethod", mock.Anything, "u1", payload).
			Return(payment.StoredPaymentMethod{}, provider.NewError("card", provider.OpSave, provider.ReasonAuthentication, "bad key"))

		_, err := r.Save(context.Background(), p, "u1", payload)
		assert.True(t, payerr.IsKind(err, payerr.ConfigurationError))
	})
}
