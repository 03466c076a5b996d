package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/events"
	"github.com/yourorg/checkout-payments/internal/payerr"
	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/policy"
	"github.com/yourorg/checkout-payments/internal/provider"
	"github.com/yourorg/checkout-payments/internal/reporting"
	"github.com/yourorg/checkout-payments/internal/store"
)

// Submission is the outcome of SubmitPayment.
type Submission struct {
	OrderRef string                `json:"order_ref"`
	Attempt  int                   `json:"attempt"`
	Result   payment.PaymentResult `json:"result"`
	// SavedMethod is set when WithSaveMethod was requested and the save
	// succeeded.
	SavedMethod *payment.StoredPaymentMethod `json:"saved_method,omitempty"`
	// SaveErr reports a failed save. The payment stays settled.
	SaveErr error `json:"-"`
}

type submitOptions struct {
	saveForUser string
}

type SubmitOption func(*submitOptions)

// WithSaveMethod stores the instrument for userID once the payment settles.
func WithSaveMethod(userID string) SubmitOption {
	return func(so *submitOptions) { so.saveForUser = userID }
}

type attemptOutcome struct {
	seq    int
	result payment.PaymentResult
	err    *payerr.Error
}

// SubmitPayment charges the order with the payment data collected by the
// client. At most one call per order reference reaches the provider at a
// time; a concurrent call fails with DuplicateInFlight. Transient failures
// are retried automatically within the retry policy.
//
// A declined or rejected payment returns the failed result together with
// the classified error. When the provider call timed out, or its answer
// leaves the charge ambiguous, the error has Reconcile set and the order
// accepts no new attempt until ResolveReconciliation.
func (o *Orchestrator) SubmitPayment(ctx context.Context, orderRef string, data payment.Payload, opts ...SubmitOption) (Submission, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.SubmitPayment", trace.WithAttributes(
		attribute.String("order_ref", orderRef),
	))
	defer span.End()

	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}

	sub, err := o.submitPayment(ctx, orderRef, data, so)
	span.SetAttributes(attribute.Int("attempt", sub.Attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, payerr.KindOf(err).String())
	}
	return sub, err
}

func (o *Orchestrator) submitPayment(ctx context.Context, orderRef string, data payment.Payload, so submitOptions) (Submission, error) {
	sub := Submission{OrderRef: orderRef}
	if len(data) == 0 {
		return sub, payerr.New(payerr.ValidationError, opSubmit, "payment data is required")
	}
	fp, err := data.Fingerprint()
	if err != nil {
		return sub, payerr.Wrap(payerr.ValidationError, opSubmit, err)
	}

	ord, err := o.lookup(ctx, orderRef, false)
	if err != nil {
		return sub, err
	}
	if ord == nil {
		return sub, payerr.New(payerr.ValidationError, opSubmit, "order %s has no checkout in progress", orderRef)
	}

	ord.mu.Lock()
	if err := ord.admit(fp); err != nil {
		ord.mu.Unlock()
		return sub, err
	}
	p, err := o.registry.Resolve(ord.provider)
	if err != nil {
		ord.mu.Unlock()
		return sub, err
	}
	prev := ord.phase
	o.transition(ord, PhaseProcessing)
	d := eventData{orderRef: orderRef, provider: ord.provider, amount: ord.amount, customerID: ord.customer.ID}
	ord.mu.Unlock()

	o.metrics.AddInFlight(1)
	defer o.metrics.AddInFlight(-1)

	release, err := o.acquireGuard(ctx, opSubmit, scopeOrder, orderRef)
	if err != nil {
		o.restore(ord, prev)
		return sub, err
	}
	defer release()

	if err := o.syncPersisted(ctx, ord, prev); err != nil {
		return sub, err
	}

	out := o.runAttempts(ctx, ord, p, data, d)
	sub.Attempt = out.seq
	sub.Result = out.result
	d.attempt = out.seq

	if out.err != nil {
		o.fail(ctx, ord, out, fp, d)
		return sub, copyErr(out.err)
	}

	o.settle(ctx, ord, out, d)
	if so.saveForUser != "" {
		m, err := o.saveMethod(ctx, so.saveForUser, p, data)
		if err != nil {
			o.logger.Warn("payment settled but saving the payment method failed",
				zap.String("order_ref", orderRef),
				zap.String("user_id", so.saveForUser),
				zap.Error(err))
			sub.SaveErr = err
		} else {
			sub.SavedMethod = &m
		}
	}
	return sub, nil
}

// admit checks whether a new processing attempt may start. Must be called
// with mu held.
func (o *order) admit(fingerprint string) error {
	switch o.phase {
	case PhaseSettled:
		return payerr.New(payerr.AlreadySettled, opSubmit, "order %s is already settled", o.ref)
	case PhaseInitializing, PhaseProcessing:
		return payerr.New(payerr.DuplicateInFlight, opSubmit, "order %s is %s", o.ref, o.phase)
	case PhaseIdle:
		return payerr.New(payerr.ValidationError, opSubmit, "order %s has not been initialized", o.ref)
	}
	if o.reconcile {
		return payerr.New(payerr.ReconciliationRequired, opSubmit, "order %s has a payment awaiting reconciliation", o.ref)
	}
	if o.init.Empty() {
		return payerr.New(payerr.ValidationError, opSubmit, "checkout for order %s must be started again", o.ref)
	}
	if o.phase == PhaseFailed && o.lastErr != nil && !resubmittable(o.lastErr.Kind) {
		return copyErr(o.lastErr)
	}
	if prior, ok := o.rejected[fingerprint]; ok {
		msg := "repeat decline: this payment data was already declined, use a different payment method"
		if prior.Kind != payerr.Decline {
			msg = "this payment data was already rejected, correct it before retrying"
		}
		return &payerr.Error{Kind: prior.Kind, Op: opSubmit, Code: prior.Code, Message: msg}
	}
	return nil
}

func (o *Orchestrator) restore(ord *order, prev Phase) {
	ord.mu.Lock()
	ord.setPhase(prev, o.now())
	ord.mu.Unlock()
}

// syncPersisted stops the attempt when the store shows the order settled or
// awaiting reconciliation, which happens when another instance handled it.
// On rejection the order is left in the persisted state.
func (o *Orchestrator) syncPersisted(ctx context.Context, ord *order, prev Phase) error {
	rec, err := o.store.GetOrderPayment(ctx, ord.ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		o.restore(ord, prev)
		return payerr.Wrap(payerr.TransientProviderError, opSubmit, err)
	}
	if rec.Status != store.StatusSettled && !rec.ReconciliationRequired {
		return nil
	}

	persisted := orderFromRecord(rec)
	ord.mu.Lock()
	defer ord.mu.Unlock()
	ord.recordResult(persisted.latestSeq, *persisted.latest)
	if ord.attempts < persisted.attempts {
		ord.attempts = persisted.attempts
	}
	if rec.Status == store.StatusSettled {
		ord.lastErr = nil
		ord.reconcile = false
		ord.settlementRecorded = true
		o.transition(ord, PhaseSettled)
		o.evict(ord)
		return payerr.New(payerr.AlreadySettled, opSubmit, "order %s is already settled", ord.ref)
	}
	ord.lastErr = persisted.lastErr
	ord.reconcile = true
	o.transition(ord, PhaseFailed)
	return payerr.New(payerr.ReconciliationRequired, opSubmit, "order %s has a payment awaiting reconciliation", ord.ref)
}

// runAttempts calls the provider until an attempt succeeds, fails for good,
// or the retry policy gives up. It returns the last attempt.
func (o *Orchestrator) runAttempts(ctx context.Context, ord *order, p provider.Provider, data payment.Payload, d eventData) attemptOutcome {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxInterval = o.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var (
		tries int
		last  attemptOutcome
	)
	operation := func() error {
		tries++
		last = o.attempt(ctx, ord, p, data)
		if last.err == nil {
			return nil
		}
		if !o.allowRetry(last.err, tries, d) {
			return backoff.Permanent(last.err)
		}
		return last.err
	}
	notify := func(err error, wait time.Duration) {
		o.metrics.IncRetry(string(d.provider))
		o.recordAttempt(d, last, reporting.OutcomeRetry)
		o.logger.Info("retrying payment attempt",
			zap.String("order_ref", d.orderRef),
			zap.Int("attempt", last.seq),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	// The last attempt carries the outcome, including when ctx ends the
	// wait between attempts.
	_ = backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	return last
}

func (o *Orchestrator) attempt(ctx context.Context, ord *order, p provider.Provider, data payment.Payload) attemptOutcome {
	ord.mu.Lock()
	ord.attempts++
	seq := ord.attempts
	ord.mu.Unlock()

	res, err := o.router.Process(ctx, p, data)
	if err != nil {
		pe := payerr.Classify(provider.OpProcess, err)
		return attemptOutcome{
			seq:    seq,
			result: payment.Failed(failureCode(pe), map[string]any{"error_kind": pe.Kind.String()}),
			err:    pe,
		}
	}
	if res.Success {
		return attemptOutcome{seq: seq, result: res}
	}
	return attemptOutcome{seq: seq, result: res, err: payerr.ClassifyResult(provider.OpProcess, res)}
}

func failureCode(pe *payerr.Error) string {
	if pe.Code != "" {
		return pe.Code
	}
	return "provider_error"
}

func (o *Orchestrator) allowRetry(pe *payerr.Error, tries int, d eventData) bool {
	decision, err := o.policy.Evaluate(policy.Facts{
		Kind:        pe.Kind,
		Code:        pe.Code,
		Attempt:     tries,
		MaxAttempts: o.cfg.MaxAttempts,
		TimedOut:    pe.Timeout,
		Reconcile:   pe.Reconcile,
		Provider:    string(d.provider),
		Currency:    d.amount.Currency,
		Amount:      d.amount.Value.InexactFloat64(),
		AmountMinor: d.amount.MinorUnits(),
	})
	if err != nil {
		o.logger.Warn("retry policy evaluation failed", zap.String("order_ref", d.orderRef), zap.Error(err))
		return false
	}
	if !decision.AllowRetry {
		o.logger.Debug("retry denied",
			zap.String("order_ref", d.orderRef),
			zap.String("rule", decision.RuleID),
			zap.String("kind", pe.Kind.String()))
	}
	return decision.AllowRetry
}

func (o *Orchestrator) settle(ctx context.Context, ord *order, out attemptOutcome, d eventData) {
	ord.mu.Lock()
	ord.recordResult(out.seq, out.result)
	ord.lastErr = nil
	ord.reconcile = false
	ord.settlementRecorded = false
	o.transition(ord, PhaseSettled)
	ord.mu.Unlock()

	d.transactionID = out.result.TransactionID
	o.persistSettlement(ctx, ord, d, out.result.Metadata)
	o.metrics.IncAttempt(string(d.provider), "settled")
	o.recordAttempt(d, out, reporting.OutcomeSettled)
	o.publish(ctx, events.PaymentSettled, d)

	o.logger.Info("payment settled",
		zap.String("order_ref", d.orderRef),
		zap.String("provider", string(d.provider)),
		zap.String("transaction_id", d.transactionID),
		zap.Int("attempt", d.attempt))
}

// persistSettlement records the settlement. A failure is logged and
// reflected in the snapshot; it never reverts the settled state. Once
// recorded the order is dropped from memory and reloads from the store.
func (o *Orchestrator) persistSettlement(ctx context.Context, ord *order, d eventData, md map[string]any) {
	err := o.store.RecordSettlement(context.WithoutCancel(ctx), store.OrderPayment{
		OrderRef:      d.orderRef,
		Provider:      d.provider,
		Amount:        d.amount,
		CustomerID:    d.customerID,
		TransactionID: d.transactionID,
		Attempt:       d.attempt,
		Metadata:      md,
	})
	if err != nil {
		o.logger.Error("failed to record settlement",
			zap.String("order_ref", d.orderRef),
			zap.String("transaction_id", d.transactionID),
			zap.Error(err))
		return
	}
	ord.mu.Lock()
	ord.settlementRecorded = true
	ord.mu.Unlock()
	o.evict(ord)
}

func (o *Orchestrator) fail(ctx context.Context, ord *order, out attemptOutcome, fingerprint string, d eventData) {
	pe := out.err
	ord.mu.Lock()
	ord.recordResult(out.seq, out.result)
	ord.lastErr = pe
	ord.reconcile = pe.Reconcile
	if !pe.Reconcile && (pe.Kind == payerr.Decline || pe.Kind == payerr.ValidationError) {
		ord.rejected[fingerprint] = pe
	}
	o.transition(ord, PhaseFailed)
	ord.mu.Unlock()

	err := o.store.RecordFailure(context.WithoutCancel(ctx), store.OrderPayment{
		OrderRef:               d.orderRef,
		Provider:               d.provider,
		Amount:                 d.amount,
		CustomerID:             d.customerID,
		Error:                  out.result.Error,
		Attempt:                out.seq,
		Metadata:               out.result.Metadata,
		ReconciliationRequired: pe.Reconcile,
	})
	if err != nil {
		o.logger.Error("failed to record payment failure", zap.String("order_ref", d.orderRef), zap.Error(err))
	}

	d.err = pe
	fields := []zap.Field{
		zap.String("order_ref", d.orderRef),
		zap.String("provider", string(d.provider)),
		zap.Int("attempt", out.seq),
		zap.String("kind", pe.Kind.String()),
		zap.String("code", pe.Code),
	}
	switch {
	case pe.Reconcile:
		o.metrics.IncAttempt(string(d.provider), "reconcile")
		o.recordAttempt(d, out, reporting.OutcomeReconcile)
		o.logger.Error("payment outcome unknown, reconciliation required", fields...)
		o.publish(ctx, events.PaymentReconciliationRequired, d)
		return
	case pe.Kind == payerr.Decline:
		o.metrics.IncAttempt(string(d.provider), "declined")
		o.recordAttempt(d, out, reporting.OutcomeDeclined)
		o.logger.Info("payment declined", fields...)
	default:
		o.metrics.IncAttempt(string(d.provider), "failed")
		o.recordAttempt(d, out, reporting.OutcomeFailed)
		o.logger.Warn("payment failed", fields...)
	}
	o.publish(ctx, events.PaymentFailed, d)
	o.alertIfConfiguration(ctx, pe, d)
}

func (o *Orchestrator) recordAttempt(d eventData, out attemptOutcome, outcome reporting.Outcome) {
	e := reporting.AttemptEntry{
		OrderRef:    d.orderRef,
		Attempt:     out.seq,
		Provider:    string(d.provider),
		Outcome:     outcome,
		AmountMinor: d.amount.MinorUnits(),
		Currency:    d.amount.Currency,
	}
	if out.err != nil {
		e.Kind = out.err.Kind.String()
		e.Code = out.err.Code
	}
	o.record(e)
}
