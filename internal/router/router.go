// Package router guards every call into a provider: it consults the circuit
// breaker, applies the per-operation timeout, classifies failures, and
// records metrics and spans. It makes no retry decisions.
package router

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/metrics"
	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
	"github.com/yourorg/checkout-payments/internal/router/circuitbreaker"
)

// CodeCircuitOpen marks a call rejected by an open circuit.
const CodeCircuitOpen = "circuit_open"

const (
	defaultInitTimeout    = 10 * time.Second
	defaultProcessTimeout = 30 * time.Second
	defaultSaveTimeout    = 10 * time.Second
)

// Config sets the per-operation deadlines. Zero values use defaults.
type Config struct {
	InitTimeout    time.Duration
	ProcessTimeout time.Duration
	SaveTimeout    time.Duration
}

type Router struct {
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRouter(cb *circuitbreaker.CircuitBreaker, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Router {
	if cb == nil {
		panic("circuit breaker cannot be nil")
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{breaker: cb, cfg: cfg, metrics: m, logger: logger}
}

// Initialize runs InitializePayment under the init deadline.
func (r *Router) Initialize(ctx context.Context, p provider.Provider, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error) {
	var out payment.InitPayload
	err := r.call(ctx, p, provider.OpInitialize, r.cfg.InitTimeout, func(ctx context.Context) (string, error) {
		init, err := p.InitializePayment(ctx, amount, customer)
		if err != nil {
			return "", err
		}
		if init.Empty() {
			return "", &payerr.Error{Kind: payerr.TransientProviderError, Op: provider.OpInitialize, Code: "empty_init_payload", Message: "provider returned no client data"}
		}
		if init.Provider == "" {
			init.Provider = p.Type()
		}
		out = init
		return "ok", nil
	})
	if err != nil {
		return payment.InitPayload{}, err
	}
	return out, nil
}

// Process runs ProcessPayment under the process deadline. A well-formed
// decline comes back as a failed result with a nil error. A call that timed
// out, or a success without a transaction id, is returned as a transient
// error flagged for reconciliation: the charge may have happened.
func (r *Router) Process(ctx context.Context, p provider.Provider, data payment.Payload) (payment.PaymentResult, error) {
	var out payment.PaymentResult
	err := r.call(ctx, p, provider.OpProcess, r.cfg.ProcessTimeout, func(ctx context.Context) (string, error) {
		res, err := p.ProcessPayment(ctx, data)
		if err != nil {
			return "", err
		}
		if verr := res.Validate(); verr != nil {
			if res.Success || res.TransactionID != "" {
				return "", &payerr.Error{
					Kind:      payerr.TransientProviderError,
					Op:        provider.OpProcess,
					Code:      "provider_ambiguous_result",
					Message:   verr.Error(),
					Reconcile: true,
				}
			}
			res = payment.Failed(res.Error, res.Metadata)
		}
		out = res
		if res.Success {
			return "ok", nil
		}
		return "declined", nil
	})
	if err != nil {
		if pe, ok := payerr.As(err); ok && (pe.Timeout || errors.Is(pe, context.Canceled)) {
			pe.Reconcile = true
		}
		return payment.PaymentResult{}, err
	}
	return out, nil
}

// Save runs SavePaymentMethod under the save deadline.
func (r *Router) Save(ctx context.Context, p provider.Provider, userID string, data payment.Payload) (payment.StoredPaymentMethod, error) {
	var out payment.StoredPaymentMethod
	err := r.call(ctx, p, provider.OpSave, r.cfg.SaveTimeout, func(ctx context.Context) (string, error) {
		m, err := p.SavePaymentMethod(ctx, userID, data)
		if err != nil {
			return "", err
		}
		if m.Provider == "" {
			m.Provider = p.Type()
		}
		if verr := m.Validate(); verr != nil {
			return "", &payerr.Error{Kind: payerr.TransientProviderError, Op: provider.OpSave, Code: "invalid_saved_method", Message: verr.Error()}
		}
		out = m
		return "ok", nil
	})
	if err != nil {
		return payment.StoredPaymentMethod{}, err
	}
	return out, nil
}

type callResult struct {
	outcome string
	err     error
}

// call enforces the breaker and deadline around fn and returns a classified
// error. fn runs on its own goroutine so a provider that ignores its context
// cannot hold the caller past the deadline.
func (r *Router) call(ctx context.Context, p provider.Provider, op string, timeout time.Duration, fn func(context.Context) (string, error)) error {
	name := string(p.Type())
	ctx, span := otel.Tracer("router").Start(ctx, "Router."+op)
	defer span.End()
	span.SetAttributes(attribute.String("provider", name), attribute.String("op", op))

	if !r.breaker.AllowRequest(name) {
		r.recordState(name)
		err := payerr.New(payerr.ProviderUnavailable, op, "circuit open for provider %s", name)
		err.Code = CodeCircuitOpen
		r.metrics.ObserveProviderCall(name, op, err.Kind.String(), 0)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		outcome, err := fn(callCtx)
		done <- callResult{outcome: outcome, err: err}
	}()

	var res callResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = callResult{err: callCtx.Err()}
	}
	elapsed := time.Since(start)

	if res.err == nil {
		r.breaker.RecordSuccess(name)
		r.recordState(name)
		r.metrics.ObserveProviderCall(name, op, res.outcome, elapsed.Seconds())
		span.SetAttributes(attribute.String("outcome", res.outcome))
		return nil
	}

	perr := payerr.Classify(op, res.err)
	if perr.Op == "" {
		perr.Op = op
	}
	switch {
	case errors.Is(res.err, context.Canceled):
		// caller went away; says nothing about the backend
		r.breaker.Release(name)
	case unhealthy(perr.Kind):
		r.breaker.RecordFailure(name)
	default:
		r.breaker.RecordSuccess(name)
	}
	r.recordState(name)
	r.metrics.ObserveProviderCall(name, op, perr.Kind.String(), elapsed.Seconds())
	span.RecordError(perr)
	span.SetStatus(codes.Error, perr.Kind.String())

	r.logger.Warn("provider call failed",
		zap.String("provider", name),
		zap.String("op", op),
		zap.String("kind", perr.Kind.String()),
		zap.Bool("timeout", perr.Timeout),
		zap.Duration("elapsed", elapsed),
		zap.Error(res.err),
	)
	return perr
}

// unhealthy reports whether a failure says something about the backend
// itself. Caller mistakes and declines keep the circuit closed.
func unhealthy(k payerr.Kind) bool {
	switch k {
	case payerr.TransientProviderError, payerr.ProviderUnavailable:
		return true
	}
	return false
}

func (r *Router) recordState(name string) {
	state, _ := r.breaker.GetProviderStatus(name)
	r.metrics.SetCircuitState(name, int(state))
}
