package money

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMajor(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency Currency
		want     int64
		wantErr  error
	}{
		{name: "two decimals", amount: "25.00", currency: CAD, want: 2500},
		{name: "no decimals", amount: "100", currency: CAD, want: 10000},
		{name: "one decimal", amount: "0.5", currency: USD, want: 50},
		{name: "zero decimal currency", amount: "1200", currency: JPY, want: 1200},
		{name: "too precise", amount: "1.005", currency: CAD, wantErr: ErrInvalidAmount},
		{name: "fractional yen", amount: "1.5", currency: JPY, wantErr: ErrInvalidAmount},
		{name: "garbage", amount: "ten", currency: CAD, wantErr: ErrInvalidAmount},
		{name: "unknown currency", amount: "1.00", currency: "XXX", wantErr: ErrUnsupportedCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMajor(tt.amount, tt.currency)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.AmountMinor)
			assert.Equal(t, tt.currency, got.Currency)
		})
	}
}

func TestArithmeticRequiresSameCurrency(t *testing.T) {
	a := New(1000, CAD)
	b := New(250, CAD)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, New(1250, CAD), sum)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, New(750, CAD), diff)

	// operands are untouched
	assert.Equal(t, int64(1000), a.AmountMinor)
	assert.Equal(t, int64(250), b.AmountMinor)

	_, err = a.Add(New(1, USD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	_, err = a.Sub(New(1, USD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
	assert.False(t, a.GreaterThan(New(1, USD)))
}

func TestArithmeticRejectsOverflow(t *testing.T) {
	tests := []struct {
		name string
		op   func() (Money, error)
	}{
		{"add past max", func() (Money, error) { return New(6000, CAD).Add(New(math.MaxInt64, CAD)) }},
		{"add past min", func() (Money, error) { return New(-1, CAD).Add(New(math.MinInt64, CAD)) }},
		{"sub past min", func() (Money, error) { return New(-2, CAD).Sub(New(math.MaxInt64, CAD)) }},
		{"sub past max", func() (Money, error) { return New(1, CAD).Sub(New(math.MinInt64, CAD)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op()
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}

	sum, err := New(math.MaxInt64-1, CAD).Add(New(1, CAD))
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), sum.AmountMinor)
}

func TestSum(t *testing.T) {
	total, err := Sum(CAD, New(6000, CAD), New(4000, CAD))
	require.NoError(t, err)
	assert.Equal(t, New(10000, CAD), total)

	empty, err := Sum(CAD)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = Sum(CAD, New(1, CAD), New(1, EUR))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMajorString(t *testing.T) {
	assert.Equal(t, "25.00", New(2500, CAD).MajorString())
	assert.Equal(t, "0.07", New(7, CAD).MajorString())
	assert.Equal(t, "1200", New(1200, JPY).MajorString())
	assert.Equal(t, "$25.00 CAD", New(2500, CAD).String())
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(New(2500, CAD))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount_minor":2500,"amount":"25.00","currency":"CAD"}`, string(data))

	var fromMinor Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount_minor":199,"currency":"USD"}`), &fromMinor))
	assert.Equal(t, New(199, USD), fromMinor)

	var fromMajor Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"19.99","currency":"CAD"}`), &fromMajor))
	assert.Equal(t, New(1999, CAD), fromMajor)
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" cad ")
	require.NoError(t, err)
	assert.Equal(t, CAD, c)

	_, err = ParseCurrency("ABC")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}
