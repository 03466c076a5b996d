package payment

import (
	"errors"
	"strings"
)

// PaymentResult is the outcome of one processing attempt. Exactly one of
// TransactionID (on success) or Error (on failure) is set. Values are never
// mutated after construction; a retry yields a new PaymentResult.
type PaymentResult struct {
	Success       bool           `json:"success"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

var (
	ErrResultMissingTransaction = errors.New("successful result has no transaction id")
	ErrResultMissingError       = errors.New("failed result has no error message")
	ErrResultContradictory      = errors.New("result carries both a transaction id and an error")
)

// Succeeded builds a successful result. An empty transaction id produces an
// invalid result that Validate rejects.
func Succeeded(transactionID string, metadata map[string]any) PaymentResult {
	return PaymentResult{Success: true, TransactionID: transactionID, Metadata: copyMetadata(metadata)}
}

// Failed builds a declined/failed result. An empty message is replaced by
// "unknown_error" so the invariant always holds.
func Failed(message string, metadata map[string]any) PaymentResult {
	if strings.TrimSpace(message) == "" {
		message = "unknown_error"
	}
	return PaymentResult{Success: false, Error: message, Metadata: copyMetadata(metadata)}
}

// Validate checks the success/failure invariant.
func (r PaymentResult) Validate() error {
	switch {
	case r.Success && r.TransactionID == "":
		return ErrResultMissingTransaction
	case r.Success && r.Error != "":
		return ErrResultContradictory
	case !r.Success && r.Error == "":
		return ErrResultMissingError
	case !r.Success && r.TransactionID != "":
		return ErrResultContradictory
	}
	return nil
}

// WithMetadata returns a copy of the result with extra metadata merged in.
func (r PaymentResult) WithMetadata(extra map[string]any) PaymentResult {
	md := copyMetadata(r.Metadata)
	if md == nil && len(extra) > 0 {
		md = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		md[k] = v
	}
	r.Metadata = md
	return r
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
