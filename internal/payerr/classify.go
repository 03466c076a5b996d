package payerr

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/provider"
)

// Classify maps a failure raised by a provider call into the taxonomy.
// Errors that are already classified pass through unchanged. Anything the
// classifier cannot recognize is treated as transient; the orchestrator caps
// how often a transient failure is retried.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := As(err); ok {
		return pe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: TransientProviderError, Op: op, Message: "provider call timed out", Timeout: true, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: TransientProviderError, Op: op, Message: "provider call canceled", Err: err}
	}

	var perr *provider.Error
	if errors.As(err, &perr) {
		out := &Error{Op: op, Code: perr.Code, Message: perr.Message, Err: err}
		if out.Message == "" {
			out.Message = string(perr.Reason)
		}
		switch perr.Reason {
		case provider.ReasonInvalidRequest:
			out.Kind = ValidationError
		case provider.ReasonInvalidAmount:
			out.Kind = InvalidAmount
		case provider.ReasonAuthentication, provider.ReasonNotImplemented:
			out.Kind = ConfigurationError
		case provider.ReasonRateLimited, provider.ReasonProtocol:
			out.Kind = TransientProviderError
		case provider.ReasonUnavailable:
			out.Kind = ProviderUnavailable
		default:
			out.Kind = TransientProviderError
		}
		// A transport error wrapped by the provider keeps its timeout meaning.
		if errors.Is(perr.Err, context.DeadlineExceeded) {
			out.Kind = TransientProviderError
			out.Timeout = true
		}
		return out
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return &Error{Kind: TransientProviderError, Op: op, Message: "network timeout", Timeout: true, Err: err}
		}
		return &Error{Kind: ProviderUnavailable, Op: op, Message: err.Error(), Err: err}
	}

	return &Error{Kind: TransientProviderError, Op: op, Message: err.Error(), Err: err}
}

var declineCodes = map[string]Kind{
	"card_declined":             Decline,
	"generic_decline":           Decline,
	"insufficient_funds":        Decline,
	"lost_card":                 Decline,
	"stolen_card":               Decline,
	"expired_card":              Decline,
	"do_not_honor":              Decline,
	"fraudulent":                Decline,
	"pickup_card":               Decline,
	"card_not_supported":        Decline,
	"currency_not_supported":    Decline,
	"authentication_required":   Decline,
	"payer_action_required":     Decline,
	"declined":                  Decline,
	"instrument_declined":       Decline,
	"incorrect_cvc":             ValidationError,
	"incorrect_number":          ValidationError,
	"incorrect_zip":             ValidationError,
	"invalid_cvc":               ValidationError,
	"invalid_expiry_month":      ValidationError,
	"invalid_expiry_year":       ValidationError,
	"invalid_number":            ValidationError,
	"invalid_account":           ValidationError,
	"intent_canceled":           ValidationError,
	"invalid_amount":            InvalidAmount,
	"amount_too_small":          InvalidAmount,
	"amount_too_large":          InvalidAmount,
	"processing_error":          TransientProviderError,
	"rate_limit":                TransientProviderError,
	"try_again_later":           TransientProviderError,
	"issuer_not_available":      TransientProviderError,
	"reenter_transaction":       TransientProviderError,
	"approve_with_id":           TransientProviderError,
	"processing":                TransientProviderError,
	"provider_ambiguous_result": TransientProviderError,
}

// Codes whose charge may have gone through upstream.
var reconcileCodes = map[string]bool{
	"processing":                true,
	"provider_ambiguous_result": true,
}

// ClassifyResult classifies a failed PaymentResult by its error code. A
// successful result yields nil.
func ClassifyResult(op string, res payment.PaymentResult) *Error {
	if res.Success {
		return nil
	}
	code := strings.ToLower(strings.TrimSpace(res.Error))
	kind, ok := declineCodes[code]
	if !ok {
		kind = TransientProviderError
	}
	return &Error{
		Kind:      kind,
		Op:        op,
		Code:      code,
		Message:   res.Error,
		Reconcile: reconcileCodes[code],
	}
}
