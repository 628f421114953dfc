package money

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// NativeSymbol is the platform token. All marketplace settlement runs in it
// unless an NFT is listed in another registered currency.
const NativeSymbol = "MST"

// DefaultDecimals is the precision used for currencies that have not been
// registered explicitly.
const DefaultDecimals int32 = 8

var (
	registryMu sync.RWMutex
	registry   = map[string]int32{
		NativeSymbol: DefaultDecimals,
	}
)

// RegisterCurrency sets the decimal precision for a currency symbol.
func RegisterCurrency(symbol string, decimals int32) {
	registryMu.Lock()
	registry[symbol] = decimals
	registryMu.Unlock()
}

// Decimals returns the registered precision for symbol.
func Decimals(symbol string) int32 {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if d, ok := registry[symbol]; ok {
		return d
	}
	return DefaultDecimals
}

// Amount is a fixed-point monetary value in a single currency. All arithmetic
// stays on decimal.Decimal; converting to a float for math is forbidden.
type Amount struct {
	value  decimal.Decimal
	symbol string
}

// Zero returns the zero amount for symbol.
func Zero(symbol string) Amount {
	return Amount{value: decimal.Zero, symbol: symbol}
}

// FromDecimal wraps d as an amount of symbol.
func FromDecimal(symbol string, d decimal.Decimal) Amount {
	return Amount{value: d, symbol: symbol}
}

// Parse parses a human-readable decimal string into an amount of symbol.
func Parse(symbol, s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{value: d, symbol: symbol}, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(symbol, s string) Amount {
	a, err := Parse(symbol, s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBaseUnits converts an integer base-unit string (the gateway wire form,
// scaled by 10^decimals) back into an amount.
func FromBaseUnits(symbol, units string) (Amount, error) {
	d, err := decimal.NewFromString(units)
	if err != nil {
		return Amount{}, fmt.Errorf("parse base units %q: %w", units, err)
	}
	if d.Exponent() < 0 {
		return Amount{}, fmt.Errorf("base units %q not an integer", units)
	}
	return Amount{value: d.Shift(-Decimals(symbol)), symbol: symbol}, nil
}

// Symbol returns the currency symbol.
func (a Amount) Symbol() string { return a.symbol }

// Decimal returns the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal { return a.value }

// String renders the amount at the currency's full precision, e.g.
// "96.50000000" for an 8-decimal currency. This rendering is what gets signed
// on the wire, so it must stay deterministic.
func (a Amount) String() string {
	return a.value.StringFixed(Decimals(a.symbol))
}

// BaseUnits returns the integer base-unit representation as a string.
func (a Amount) BaseUnits() string {
	return a.value.Shift(Decimals(a.symbol)).Truncate(0).String()
}

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a Amount) sameCurrency(b Amount) {
	if a.symbol != b.symbol {
		panic(fmt.Sprintf("money: mixed currencies %s and %s", a.symbol, b.symbol))
	}
}

// Add returns a+b. Panics on mixed currencies; that is a programming error,
// not a runtime condition.
func (a Amount) Add(b Amount) Amount {
	a.sameCurrency(b)
	return Amount{value: a.value.Add(b.value), symbol: a.symbol}
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount {
	a.sameCurrency(b)
	return Amount{value: a.value.Sub(b.value), symbol: a.symbol}
}

// Cmp compares a and b: -1 if a<b, 0 if equal, +1 if a>b.
func (a Amount) Cmp(b Amount) int {
	a.sameCurrency(b)
	return a.value.Cmp(b.value)
}

// Equal reports whether a and b are the same currency and value.
func (a Amount) Equal(b Amount) bool {
	return a.symbol == b.symbol && a.value.Equal(b.value)
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.value.IsZero() }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.value.IsNegative() }

// IsPositive reports whether the amount is above zero.
func (a Amount) IsPositive() bool { return a.value.IsPositive() }

// MulRate multiplies the amount by a rate (commission or royalty) and rounds
// half-up to the currency's precision. decimal.Round rounds half away from
// zero, which is half-up for the non-negative amounts handled here.
func (a Amount) MulRate(rate decimal.Decimal) Amount {
	return Amount{
		value:  a.value.Mul(rate).Round(Decimals(a.symbol)),
		symbol: a.symbol,
	}
}
