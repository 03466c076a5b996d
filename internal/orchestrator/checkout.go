package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
)

// StartCheckout moves an order to AwaitingClientInput and returns the
// provider handshake for the client collection step. Calling it again for an
// order that is already waiting for client input with the same provider and
// amount returns the stored handshake without contacting the provider.
// A failed initialization leaves the order Failed; it is not retried.
func (o *Orchestrator) StartCheckout(ctx context.Context, orderRef string, amount payment.Amount, customer payment.Customer, pt payment.ProviderType) (payment.InitPayload, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.StartCheckout", trace.WithAttributes(
		attribute.String("order_ref", orderRef),
		attribute.String("provider", string(pt)),
	))
	defer span.End()

	init, err := o.startCheckout(ctx, orderRef, amount, customer, pt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, payerr.KindOf(err).String())
	}
	return init, err
}

func (o *Orchestrator) startCheckout(ctx context.Context, orderRef string, amount payment.Amount, customer payment.Customer, pt payment.ProviderType) (payment.InitPayload, error) {
	if strings.TrimSpace(orderRef) == "" {
		return payment.InitPayload{}, payerr.New(payerr.ValidationError, opStart, "order reference is required")
	}
	if err := amount.Validate(); err != nil {
		return payment.InitPayload{}, payerr.Wrap(payerr.InvalidAmount, opStart, err)
	}
	if err := customer.Validate(); err != nil {
		return payment.InitPayload{}, payerr.Wrap(payerr.ValidationError, opStart, err)
	}

	ord, err := o.lookup(ctx, orderRef, true)
	if err != nil {
		return payment.InitPayload{}, err
	}
	d := eventData{orderRef: orderRef, provider: pt, amount: amount, customerID: customer.ID}

	ord.mu.Lock()
	phase := ord.phase
	switch {
	case phase == PhaseSettled:
		ord.mu.Unlock()
		return payment.InitPayload{}, payerr.New(payerr.AlreadySettled, opStart, "order %s is already settled", orderRef)
	case phase == PhaseInitializing || phase == PhaseProcessing:
		ord.mu.Unlock()
		return payment.InitPayload{}, payerr.New(payerr.DuplicateInFlight, opStart, "order %s is %s", orderRef, phase)
	case ord.reconcile:
		ord.mu.Unlock()
		return payment.InitPayload{}, payerr.New(payerr.ReconciliationRequired, opStart, "order %s has a payment awaiting reconciliation", orderRef)
	case ord.customer.ID != "" && ord.customer.ID != customer.ID:
		ord.mu.Unlock()
		return payment.InitPayload{}, payerr.New(payerr.ValidationError, opStart, "order %s belongs to a different customer", orderRef)
	case phase == PhaseAwaitingClientInput && ord.provider == pt && ord.amount.Equal(amount):
		init := copyInit(ord.init)
		ord.mu.Unlock()
		o.logger.Debug("resuming checkout", zap.String("order_ref", orderRef), zap.String("provider", string(pt)))
		return init, nil
	}

	p, err := o.registry.Resolve(pt)
	if err != nil {
		ord.mu.Unlock()
		o.alertIfConfiguration(ctx, err, d)
		return payment.InitPayload{}, err
	}
	if !p.IsSupported() {
		ord.mu.Unlock()
		return payment.InitPayload{}, payerr.New(payerr.ProviderNotSupported, opStart, "provider %s is not available", pt)
	}

	ord.provider = pt
	ord.amount = amount
	ord.customer = customer
	ord.init = payment.InitPayload{}
	o.transition(ord, PhaseInitializing)
	ord.mu.Unlock()

	init, err := o.router.Initialize(ctx, p, amount, customer)

	ord.mu.Lock()
	if err != nil {
		pe := payerr.Classify(opStart, err)
		ord.lastErr = pe
		o.transition(ord, PhaseFailed)
		ord.mu.Unlock()

		o.logger.Warn("checkout initialization failed",
			zap.String("order_ref", orderRef),
			zap.String("provider", string(pt)),
			zap.String("kind", pe.Kind.String()),
			zap.Error(pe))
		o.alertIfConfiguration(ctx, pe, d)
		return payment.InitPayload{}, copyErr(pe)
	}
	init.OrderRef = orderRef
	init.Provider = pt
	ord.init = copyInit(init)
	ord.lastErr = nil
	o.transition(ord, PhaseAwaitingClientInput)
	ord.mu.Unlock()

	o.logger.Info("checkout started",
		zap.String("order_ref", orderRef),
		zap.String("provider", string(pt)),
		zap.Stringer("amount", amount))
	return init, nil
}

func copyInit(in payment.InitPayload) payment.InitPayload {
	out := in
	if in.Data != nil {
		out.Data = make(map[string]string, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
	return out
}
