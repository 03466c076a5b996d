package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/events"
	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/store"
)

// Reconciliation is the confirmed outcome of a charge whose result was
// unknown, as established with the provider out of band.
type Reconciliation struct {
	Charged       bool
	TransactionID string
}

// ResolveReconciliation clears a pending reconciliation. A confirmed charge
// settles the order; otherwise the order becomes Failed and accepts a new
// attempt.
func (o *Orchestrator) ResolveReconciliation(ctx context.Context, orderRef string, rec Reconciliation) (Snapshot, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.ResolveReconciliation", trace.WithAttributes(
		attribute.String("order_ref", orderRef),
		attribute.Bool("charged", rec.Charged),
	))
	defer span.End()

	snap, err := o.resolveReconciliation(ctx, orderRef, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, payerr.KindOf(err).String())
	}
	return snap, err
}

func (o *Orchestrator) resolveReconciliation(ctx context.Context, orderRef string, rec Reconciliation) (Snapshot, error) {
	rec.TransactionID = strings.TrimSpace(rec.TransactionID)
	if rec.Charged && rec.TransactionID == "" {
		return Snapshot{}, payerr.New(payerr.ValidationError, opReconcile, "a confirmed charge needs its transaction id")
	}
	if !rec.Charged && rec.TransactionID != "" {
		return Snapshot{}, payerr.New(payerr.ValidationError, opReconcile, "a charge that did not happen has no transaction id")
	}

	ord, err := o.lookup(ctx, orderRef, false)
	if err != nil {
		return Snapshot{}, err
	}
	if ord == nil {
		return Snapshot{}, payerr.New(payerr.ValidationError, opReconcile, "order %s is unknown", orderRef)
	}

	ord.mu.Lock()
	if !ord.reconcile {
		settled := ord.phase == PhaseSettled
		ord.mu.Unlock()
		if settled {
			return Snapshot{}, payerr.New(payerr.AlreadySettled, opReconcile, "order %s is already settled", orderRef)
		}
		return Snapshot{}, payerr.New(payerr.ValidationError, opReconcile, "order %s has no pending reconciliation", orderRef)
	}

	d := eventData{
		orderRef:      orderRef,
		provider:      ord.provider,
		amount:        ord.amount,
		customerID:    ord.customer.ID,
		transactionID: rec.TransactionID,
		attempt:       ord.attempts,
	}
	ord.reconcile = false
	var result payment.PaymentResult
	if rec.Charged {
		result = payment.Succeeded(rec.TransactionID, map[string]any{"reconciled": true})
		ord.recordResult(ord.attempts, result)
		ord.lastErr = nil
		ord.settlementRecorded = false
		o.transition(ord, PhaseSettled)
	} else {
		if ord.lastErr != nil {
			cleared := copyErr(ord.lastErr)
			cleared.Reconcile = false
			ord.lastErr = cleared
		}
		if ord.latest != nil {
			result = *ord.latest
		}
		o.transition(ord, PhaseFailed)
	}
	ord.mu.Unlock()

	if rec.Charged {
		o.persistSettlement(ctx, ord, d, result.Metadata)
		o.metrics.IncAttempt(string(d.provider), "settled")
		o.record(reporting.AttemptEntry{
			OrderRef:    orderRef,
			Attempt:     d.attempt,
			Provider:    string(d.provider),
			Outcome:     reporting.OutcomeSettled,
			AmountMinor: d.amount.MinorUnits(),
			Currency:    d.amount.Currency,
		})
	} else {
		err := o.store.RecordFailure(context.WithoutCancel(ctx), store.OrderPayment{
			OrderRef:   orderRef,
			Provider:   d.provider,
			Amount:     d.amount,
			CustomerID: d.customerID,
			Error:      result.Error,
			Attempt:    d.attempt,
			Metadata:   result.Metadata,
		})
		if err != nil {
			o.logger.Error("failed to record reconciliation", zap.String("order_ref", orderRef), zap.Error(err))
		}
	}
	o.publish(ctx, events.PaymentReconciled, d)
	o.logger.Info("reconciliation resolved",
		zap.String("order_ref", orderRef),
		zap.Bool("charged", rec.Charged),
		zap.String("transaction_id", rec.TransactionID))

	ord.mu.Lock()
	defer ord.mu.Unlock()
	return ord.snapshot(), nil
}
