// Package payment holds the value types shared by providers, the registry
// and the checkout orchestrator. It has no behavior beyond validation.
package payment

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderType selects a payment backend. New backends add a constant;
// existing identifiers are never repurposed.
type ProviderType string

const (
	ProviderCard    ProviderType = "card"
	ProviderWallet  ProviderType = "wallet"
	ProviderGeneric ProviderType = "generic"
)

var knownProviders = []ProviderType{ProviderCard, ProviderWallet, ProviderGeneric}

// ProviderTypes lists every known provider identifier.
func ProviderTypes() []ProviderType {
	out := make([]ProviderType, len(knownProviders))
	copy(out, knownProviders)
	return out
}

// ParseProviderType maps a wire identifier to a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	t := ProviderType(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range knownProviders {
		if k == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown provider type %q", s)
}

// Customer identifies the payer towards a provider.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

var ErrEmptyCustomerID = errors.New("customer id is required")

func (c Customer) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrEmptyCustomerID
	}
	return nil
}

// InitPayload is the handshake data handed to the client-side collection
// step (client secret, approval URL...). Its Data is provider specific.
type InitPayload struct {
	OrderRef string            `json:"order_ref"`
	Provider ProviderType      `json:"provider"`
	Data     map[string]string `json:"data"`
}

// Empty reports whether the payload carries no handshake data.
func (p InitPayload) Empty() bool {
	return len(p.Data) == 0
}

// MethodType tags a stored payment instrument.
type MethodType string

const (
	MethodCard   MethodType = "card"
	MethodWallet MethodType = "wallet"
	MethodOther  MethodType = "other"
)

// CardLike reports whether card-only fields (last4, brand, expiry) apply.
func (t MethodType) CardLike() bool {
	return t == MethodCard
}

// StoredPaymentMethod is a reusable instrument saved for a user. It is owned
// by the persistence layer and outlives any single order.
type StoredPaymentMethod struct {
	ID         string         `json:"id"`
	Type       MethodType     `json:"type"`
	Provider   ProviderType   `json:"provider"`
	Last4      string         `json:"last4,omitempty"`
	Brand      string         `json:"brand,omitempty"`
	ExpMonth   int            `json:"exp_month,omitempty"`
	ExpYear    int            `json:"exp_year,omitempty"`
	HolderName string         `json:"holder_name,omitempty"`
	IsDefault  bool           `json:"is_default"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate checks that card-only attributes appear only on card-like types.
func (m StoredPaymentMethod) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("payment method id is required")
	}
	if m.Type == "" {
		return errors.New("payment method type is required")
	}
	if !m.Type.CardLike() && (m.Last4 != "" || m.Brand != "" || m.ExpMonth != 0 || m.ExpYear != 0) {
		return fmt.Errorf("payment method type %q cannot carry card details", m.Type)
	}
	if m.Last4 != "" && len(m.Last4) != 4 {
		return fmt.Errorf("last4 must have 4 digits, got %q", m.Last4)
	}
	if m.ExpMonth < 0 || m.ExpMonth > 12 {
		return fmt.Errorf("expiry month %d out of range", m.ExpMonth)
	}
	return nil
}
