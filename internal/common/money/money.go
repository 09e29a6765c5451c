package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	CAD Currency = "CAD"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	CAD: {Code: CAD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
}

var (
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// ParseCurrency normalizes and validates a currency code
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if _, ok := currencies[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// Money represents a monetary amount in minor units (cents, pence, etc.).
// Values are never mutated; every operation returns a new Money.
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{
		AmountMinor: amountMinor,
		Currency:    currency,
	}
}

// ParseMajor parses a decimal string in major units ("25.00") into Money.
// Amounts with more precision than the currency allows are rejected rather than rounded.
func ParseMajor(amount string, currency Currency) (Money, error) {
	info, ok := currencies[currency]
	if !ok {
		return Money{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, currency)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	minor := d.Shift(int32(info.MinorUnits))
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, info.MinorUnits)
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Money{}, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}

	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{AmountMinor: 0, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.AmountMinor < 0
}

// Add adds two money values (must be same currency). A sum outside the
// int64 range is rejected with ErrInvalidAmount.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, fmt.Errorf("%w: %d + %d overflows", ErrInvalidAmount, m.AmountMinor, other.AmountMinor)
	}
	return Money{
		AmountMinor: sum,
		Currency:    m.Currency,
	}, nil
}

// Sub subtracts two money values (must be same currency). A difference
// outside the int64 range is rejected with ErrInvalidAmount.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	diff := m.AmountMinor - other.AmountMinor
	if (other.AmountMinor > 0 && diff > m.AmountMinor) || (other.AmountMinor < 0 && diff < m.AmountMinor) {
		return Money{}, fmt.Errorf("%w: %d - %d overflows", ErrInvalidAmount, m.AmountMinor, other.AmountMinor)
	}
	return Money{
		AmountMinor: diff,
		Currency:    m.Currency,
	}, nil
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	if m.AmountMinor < other.AmountMinor {
		return -1, nil
	}
	if m.AmountMinor > other.AmountMinor {
		return 1, nil
	}
	return 0, nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// GreaterThan checks if m > other
func (m Money) GreaterThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp > 0
}

// LessThan checks if m < other
func (m Money) LessThan(other Money) bool {
	cmp, err := m.Compare(other)
	return err == nil && cmp < 0
}

func (m Money) minorUnits() int {
	if info, ok := currencies[m.Currency]; ok {
		return info.MinorUnits
	}
	return 2
}

// Major returns the amount in major units as an exact decimal
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.AmountMinor, -int32(m.minorUnits()))
}

// MajorString formats the major-unit amount with the currency's fixed precision ("25.00")
func (m Money) MajorString() string {
	return m.Major().StringFixed(int32(m.minorUnits()))
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%d %s (minor)", m.AmountMinor, m.Currency)
	}
	if info.SymbolFirst {
		return fmt.Sprintf("%s%s %s", info.Symbol, m.MajorString(), m.Currency)
	}
	return fmt.Sprintf("%s%s %s", m.MajorString(), info.Symbol, m.Currency)
}

type moneyJSON struct {
	AmountMinor *int64 `json:"amount_minor,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency"`
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	minor := m.AmountMinor
	return json.Marshal(moneyJSON{
		AmountMinor: &minor,
		Amount:      m.MajorString(),
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON implements json.Unmarshaler. Either amount_minor or a
// major-unit amount string is accepted; amount_minor wins when both are set.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.AmountMinor != nil {
		m.AmountMinor = *v.AmountMinor
		m.Currency = Currency(v.Currency)
		return nil
	}
	parsed, err := ParseMajor(v.Amount, Currency(v.Currency))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Sum adds up multiple money values
func Sum(currency Currency, amounts ...Money) (Money, error) {
	result := Zero(currency)
	for _, a := range amounts {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
