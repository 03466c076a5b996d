// Package payerr is the caller-facing error taxonomy of the checkout API and
// the classifier that maps provider failures into it. Nothing that crosses
// the checkout boundary carries a raw provider error shape.
package payerr

import (
	"errors"
	"fmt"
)

// Kind is a caller-actionable failure category.
type Kind int

const (
	Unknown Kind = iota
	ProviderUnavailable
	ProviderNotSupported
	InvalidAmount
	UnknownProviderType
	DuplicateInFlight
	AlreadySettled
	ValidationError
	TransientProviderError
	Decline
	ConfigurationError
	ReconciliationRequired
)

var kindNames = map[Kind]string{
	Unknown:                "Unknown",
	ProviderUnavailable:    "ProviderUnavailable",
	ProviderNotSupported:   "ProviderNotSupported",
	InvalidAmount:          "InvalidAmount",
	UnknownProviderType:    "UnknownProviderType",
	DuplicateInFlight:      "DuplicateInFlight",
	AlreadySettled:         "AlreadySettled",
	ValidationError:        "ValidationError",
	TransientProviderError: "TransientProviderError",
	Decline:                "Decline",
	ConfigurationError:     "ConfigurationError",
	ReconciliationRequired: "ReconciliationRequired",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Retryable reports whether the same request may be issued again unchanged.
// Declines are retryable only with a different instrument, so they are not
// included here.
func (k Kind) Retryable() bool {
	switch k {
	case TransientProviderError, ProviderUnavailable, DuplicateInFlight:
		return true
	}
	return false
}

// UserMessage is the text shown to the shopper for this kind of failure.
func (k Kind) UserMessage() string {
	switch k {
	case Decline:
		return "Your payment was declined. Please use a different payment method."
	case ValidationError:
		return "Some payment details are invalid. Please check them and try again."
	case InvalidAmount:
		return "The order amount or currency cannot be charged."
	case ProviderNotSupported, UnknownProviderType:
		return "This payment method is not available. Please choose another one."
	case AlreadySettled:
		return "This order has already been paid."
	case DuplicateInFlight:
		return "A payment for this order is already being processed."
	case ReconciliationRequired:
		return "We are confirming the status of your previous payment attempt. Please wait before trying again."
	case ConfigurationError:
		return "Payments are temporarily unavailable."
	default:
		return "Something went wrong while processing your payment. Please try again."
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Code    string // provider or decline code, if any
	Message string
	// Timeout is set when the provider call ran out of time.
	Timeout bool
	// Reconcile is set when the outcome of a charge is unknown and must be
	// confirmed with the provider before another attempt.
	Reconcile bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && (e.Message == "" || e.Message != e.Err.Error()) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return !e.Reconcile && e.Kind.Retryable()
}

// New builds an orchestrator-local error.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the kind of a classified error, or Unknown.
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return Unknown
}

// IsKind reports whether err is a classified error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
