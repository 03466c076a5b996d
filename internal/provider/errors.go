package provider

import (
	"fmt"
)

// Reason is the provider-neutral category of a structural failure.
type Reason string

const (
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonInvalidAmount  Reason = "invalid_amount"
	ReasonAuthentication Reason = "authentication"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonUnavailable    Reason = "unavailable"
	ReasonNotImplemented Reason = "not_implemented"
	ReasonProtocol       Reason = "protocol"
)

// Operation names used in errors, logs and metrics.
const (
	OpInitialize = "initialize"
	OpProcess    = "process"
	OpSave       = "save"
)

// Error is the normalized failure a provider raises for anything that is not
// an ordinary business decline.
type Error struct {
	Provider   string
	Op         string
	Reason     Reason
	Code       string // provider error code, if any
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Reason)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError is a shorthand for building an *Error without transport details.
func NewError(providerName, op string, reason Reason, message string) *Error {
	return &Error{Provider: providerName, Op: op, Reason: reason, Message: message}
}
