package payment

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrUnknownCurrency   = errors.New("currency is not a recognized ISO-4217 code")
	ErrAmountPrecision   = errors.New("amount has more fractional digits than the currency allows")
	ErrAmountTooLarge    = errors.New("amount does not fit in the currency's minor units")
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// currencyExponents maps ISO-4217 codes to the number of minor-unit digits.
var currencyExponents = map[string]int32{
	"AED": 2, "AUD": 2, "BGN": 2, "BHD": 3, "BRL": 2, "CAD": 2, "CHF": 2,
	"CLP": 0, "CNY": 2, "CZK": 2, "DKK": 2, "EUR": 2, "GBP": 2, "HKD": 2,
	"HUF": 2, "IDR": 2, "ILS": 2, "INR": 2, "ISK": 0, "JOD": 3, "JPY": 0,
	"KRW": 0, "KWD": 3, "MXN": 2, "MYR": 2, "NOK": 2, "NZD": 2, "OMR": 3,
	"PHP": 2, "PLN": 2, "RON": 2, "SAR": 2, "SEK": 2, "SGD": 2, "THB": 2,
	"TRY": 2, "TWD": 2, "UAH": 2, "USD": 2, "VND": 0, "ZAR": 2,
}

// CurrencyExponent reports the minor-unit exponent of an ISO-4217 code.
func CurrencyExponent(currency string) (int32, bool) {
	exp, ok := currencyExponents[strings.ToUpper(currency)]
	return exp, ok
}

// Amount is money to charge. It is immutable once constructed.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// NewAmount builds a validated Amount. The currency is normalized to upper case.
func NewAmount(value decimal.Decimal, currency string) (Amount, error) {
	a := Amount{Value: value, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// ParseAmount parses a decimal string such as "49.99".
func ParseAmount(value, currency string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", value, err)
	}
	return NewAmount(d, currency)
}

// Validate checks the Amount invariants.
func (a Amount) Validate() error {
	if a.Value.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	exp, ok := currencyExponents[a.Currency]
	if !ok || len(a.Currency) != 3 {
		return fmt.Errorf("%w: %q", ErrUnknownCurrency, a.Currency)
	}
	if !a.Value.Equal(a.Value.Truncate(exp)) {
		return fmt.Errorf("%w: %s %s", ErrAmountPrecision, a.Value.String(), a.Currency)
	}
	if a.Value.Shift(exp).GreaterThan(maxMinorUnits) {
		return fmt.Errorf("%w: %s %s", ErrAmountTooLarge, a.Value.String(), a.Currency)
	}
	return nil
}

// MinorUnits returns the amount in the currency's smallest unit (cents, yen...).
// Only meaningful for an Amount that passed Validate.
func (a Amount) MinorUnits() int64 {
	exp := currencyExponents[a.Currency]
	return a.Value.Shift(exp).IntPart()
}

// Equal reports whether two amounts denote the same money.
func (a Amount) Equal(other Amount) bool {
	return a.Currency == other.Currency && a.Value.Equal(other.Value)
}

func (a Amount) String() string {
	return a.Major() + " " + a.Currency
}

// Major formats the value in major units with the currency's precision.
func (a Amount) Major() string {
	return a.Value.StringFixed(currencyExponents[a.Currency])
}
