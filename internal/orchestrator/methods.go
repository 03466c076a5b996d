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
	"github.com/yourorg/checkout-payments/internal/provider"
)

// SaveMethod stores a reusable instrument for userID without charging it.
// Saving the same payment data again updates the stored method instead of
// adding a duplicate; a concurrent save of the same data fails with
// DuplicateInFlight.
func (o *Orchestrator) SaveMethod(ctx context.Context, userID string, pt payment.ProviderType, data payment.Payload) (payment.StoredPaymentMethod, error) {
	ctx, span := o.tracer.Start(ctx, "Orchestrator.SaveMethod", trace.WithAttributes(
		attribute.String("provider", string(pt)),
	))
	defer span.End()

	m, err := o.saveMethodFor(ctx, userID, pt, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, payerr.KindOf(err).String())
	}
	return m, err
}

func (o *Orchestrator) saveMethodFor(ctx context.Context, userID string, pt payment.ProviderType, data payment.Payload) (payment.StoredPaymentMethod, error) {
	if strings.TrimSpace(userID) == "" {
		return payment.StoredPaymentMethod{}, payerr.New(payerr.ValidationError, opSave, "user id is required")
	}
	if len(data) == 0 {
		return payment.StoredPaymentMethod{}, payerr.New(payerr.ValidationError, opSave, "payment data is required")
	}
	p, err := o.registry.Resolve(pt)
	if err != nil {
		o.alertIfConfiguration(ctx, err, eventData{provider: pt, customerID: userID})
		return payment.StoredPaymentMethod{}, err
	}
	if !p.IsSupported() {
		return payment.StoredPaymentMethod{}, payerr.New(payerr.ProviderNotSupported, opSave, "provider %s is not available", pt)
	}
	return o.saveMethod(ctx, userID, p, data)
}

func (o *Orchestrator) saveMethod(ctx context.Context, userID string, p provider.Provider, data payment.Payload) (payment.StoredPaymentMethod, error) {
	fp, err := data.Fingerprint()
	if err != nil {
		return payment.StoredPaymentMethod{}, payerr.Wrap(payerr.ValidationError, opSave, err)
	}
	key := userID + "/" + string(p.Type()) + "/" + fp

	o.mu.Lock()
	if _, busy := o.saves[key]; busy {
		o.mu.Unlock()
		return payment.StoredPaymentMethod{}, payerr.New(payerr.DuplicateInFlight, opSave, "the same payment method is already being saved")
	}
	o.saves[key] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.saves, key)
		o.mu.Unlock()
	}()

	release, err := o.acquireGuard(ctx, opSave, scopeSave, key)
	if err != nil {
		return payment.StoredPaymentMethod{}, err
	}
	defer release()

	m, err := o.router.Save(ctx, p, userID, data)
	if err != nil {
		pe := payerr.Classify(opSave, err)
		o.alertIfConfiguration(ctx, pe, eventData{provider: p.Type(), customerID: userID})
		return payment.StoredPaymentMethod{}, copyErr(pe)
	}

	stored, err := o.store.SavePaymentMethod(ctx, userID, m)
	if err != nil {
		o.logger.Error("failed to store payment method",
			zap.String("user_id", userID),
			zap.String("provider", string(p.Type())),
			zap.String("method_id", m.ID),
			zap.Error(err))
		return payment.StoredPaymentMethod{}, payerr.Wrap(payerr.TransientProviderError, opSave, err)
	}

	o.logger.Info("payment method saved",
		zap.String("user_id", userID),
		zap.String("provider", string(p.Type())),
		zap.String("method_id", stored.ID),
		zap.Bool("default", stored.IsDefault))
	return stored, nil
}

// ListMethods returns the stored instruments of userID.
func (o *Orchestrator) ListMethods(ctx context.Context, userID string) ([]payment.StoredPaymentMethod, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, payerr.New(payerr.ValidationError, opSave, "user id is required")
	}
	methods, err := o.store.ListPaymentMethods(ctx, userID)
	if err != nil {
		return nil, payerr.Wrap(payerr.TransientProviderError, "list_methods", err)
	}
	return methods, nil
}
