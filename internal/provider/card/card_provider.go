// Package card implements the card-network provider on Stripe PaymentIntents.
package card

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/paymentmethod"
	"go.uber.org/zap"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

const name = "card"

// Payload keys understood by this provider.
const (
	KeyPaymentIntent = "payment_intent_id"
	KeyPaymentMethod = "payment_method"
	KeyCustomer      = "customer"
)

// Config holds the Stripe credentials and transport settings.
type Config struct {
	Enabled        bool
	SecretKey      string
	PublishableKey string
	BaseURL        string // overrides the Stripe API URL, used against stripe-mock
	HTTPTimeout    time.Duration
}

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

type methodAPI interface {
	Attach(id string, params *stripe.PaymentMethodAttachParams) (*stripe.PaymentMethod, error)
}

// Provider implements provider.Provider for card payments.
type Provider struct {
	cfg     Config
	intents intentAPI
	methods methodAPI
	logger  *zap.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New builds a card provider with its own Stripe backend. Network retries
// are disabled in the SDK; retry decisions belong to the orchestrator.
func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bcfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Named("stripe").Sugar(),
	}
	if cfg.BaseURL != "" {
		bcfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bcfg)

	return newWithAPIs(cfg,
		&paymentintent.Client{B: backend, Key: cfg.SecretKey},
		&paymentmethod.Client{B: backend, Key: cfg.SecretKey},
		logger)
}

func newWithAPIs(cfg Config, intents intentAPI, methods methodAPI, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, intents: intents, methods: methods, logger: logger}
}

func (p *Provider) Type() payment.ProviderType { return payment.ProviderCard }

func (p *Provider) IsSupported() bool {
	return p.cfg.Enabled && p.cfg.SecretKey != ""
}

// InitializePayment creates a PaymentIntent and hands its client secret to
// the collection step. Nothing is charged until the intent is confirmed.
func (p *Provider) InitializePayment(ctx context.Context, amount payment.Amount, customer payment.Customer) (payment.InitPayload, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount.MinorUnits()),
		Currency:           stripe.String(strings.ToLower(amount.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.AddMetadata("customer_id", customer.ID)
	if customer.Email != "" {
		params.ReceiptEmail = stripe.String(customer.Email)
	}

	pi, err := p.intents.New(params)
	if err != nil {
		return payment.InitPayload{}, mapStripeError(provider.OpInitialize, err)
	}

	data := map[string]string{
		KeyPaymentIntent: pi.ID,
		"client_secret":  pi.ClientSecret,
	}
	if p.cfg.PublishableKey != "" {
		data["publishable_key"] = p.cfg.PublishableKey
	}
	return payment.InitPayload{Provider: payment.ProviderCard, Data: data}, nil
}

// ProcessPayment confirms the intent with the collected payment method.
// The idempotency key is derived from the intent and method, so a repeated
// confirmation of the same pair is deduplicated by Stripe.
func (p *Provider) ProcessPayment(ctx context.Context, data payment.Payload) (payment.PaymentResult, error) {
	intentID, ok := data.StringValue(KeyPaymentIntent)
	if !ok {
		return payment.PaymentResult{}, provider.NewError(name, provider.OpProcess, provider.ReasonInvalidRequest, "payload has no "+KeyPaymentIntent)
	}
	methodID, ok := data.StringValue(KeyPaymentMethod)
	if !ok {
		return payment.PaymentResult{}, provider.NewError(name, provider.OpProcess, provider.ReasonInvalidRequest, "payload has no "+KeyPaymentMethod)
	}

	params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(methodID)}
	params.Context = ctx
	params.SetIdempotencyKey("confirm-" + intentID + "-" + methodID)

	pi, err := p.intents.Confirm(intentID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
			return payment.Failed(declineCode(serr), map[string]any{
				"stripe_error_type": string(serr.Type),
				"stripe_message":    serr.Msg,
				"payment_intent_id": intentID,
			}), nil
		}
		return payment.PaymentResult{}, mapStripeError(provider.OpProcess, err)
	}
	return resultFromIntent(pi), nil
}

func resultFromIntent(pi *stripe.PaymentIntent) payment.PaymentResult {
	md := map[string]any{"stripe_status": string(pi.Status), "payment_intent_id": pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		return payment.Succeeded(pi.ID, md)
	case stripe.PaymentIntentStatusProcessing:
		return payment.Failed("processing", md)
	case stripe.PaymentIntentStatusRequiresAction:
		return payment.Failed("authentication_required", md)
	case stripe.PaymentIntentStatusCanceled:
		return payment.Failed("intent_canceled", md)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return payment.Failed(declineCode(pi.LastPaymentError), md)
		}
		return payment.Failed("card_declined", md)
	default:
		return payment.Failed("provider_ambiguous_result", md)
	}
}

// SavePaymentMethod attaches the collected payment method to the Stripe
// customer. The customer id defaults to the caller's user id.
func (p *Provider) SavePaymentMethod(ctx context.Context, userID string, data payment.Payload) (payment.StoredPaymentMethod, error) {
	methodID, ok := data.StringValue(KeyPaymentMethod)
	if !ok {
		return payment.StoredPaymentMethod{}, provider.NewError(name, provider.OpSave, provider.ReasonInvalidRequest, "payload has no "+KeyPaymentMethod)
	}
	customer, ok := data.StringValue(KeyCustomer)
	if !ok {
		customer = userID
	}

	params := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customer)}
	params.Context = ctx
	pm, err := p.methods.Attach(methodID, params)
	if err != nil {
		return payment.StoredPaymentMethod{}, mapStripeError(provider.OpSave, err)
	}

	out := payment.StoredPaymentMethod{
		ID:       pm.ID,
		Type:     payment.MethodOther,
		Provider: payment.ProviderCard,
		Metadata: map[string]any{"stripe_customer": customer},
	}
	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		out.Type = payment.MethodCard
		out.Last4 = pm.Card.Last4
		out.Brand = string(pm.Card.Brand)
		out.ExpMonth = int(pm.Card.ExpMonth)
		out.ExpYear = int(pm.Card.ExpYear)
	}
	if pm.BillingDetails != nil {
		out.HolderName = pm.BillingDetails.Name
	}
	return out, nil
}

func declineCode(serr *stripe.Error) string {
	if serr.DeclineCode != "" {
		return string(serr.DeclineCode)
	}
	if serr.Code != "" {
		return string(serr.Code)
	}
	return "card_declined"
}

// mapStripeError turns an SDK error into a *provider.Error.
func mapStripeError(op string, err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return &provider.Error{Provider: name, Op: op, Reason: provider.ReasonUnavailable, Err: err}
	}

	out := &provider.Error{
		Provider:   name,
		Op:         op,
		Code:       string(serr.Code),
		Message:    serr.Msg,
		HTTPStatus: serr.HTTPStatusCode,
		Err:        err,
	}
	code := string(serr.Code)
	switch {
	case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
		out.Reason = provider.ReasonAuthentication
	case serr.HTTPStatusCode == http.StatusTooManyRequests || code == "rate_limit":
		out.Reason = provider.ReasonRateLimited
	case code == "amount_too_small" || code == "amount_too_large" || (code == "parameter_invalid_integer" && serr.Param == "amount"):
		out.Reason = provider.ReasonInvalidAmount
	case serr.Type == stripe.ErrorTypeInvalidRequest && serr.Param == "currency":
		out.Reason = provider.ReasonInvalidAmount
	case serr.Type == stripe.ErrorTypeInvalidRequest:
		out.Reason = provider.ReasonInvalidRequest
	case serr.Type == stripe.ErrorTypeAPI || serr.HTTPStatusCode >= http.StatusInternalServerError:
		out.Reason = provider.ReasonUnavailable
	default:
		out.Reason = provider.ReasonProtocol
	}
	return out
}
