package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of ledger currency units per market price unit.
// Candle prices are quoted in thousands (23.55 means 23,550 in the ledger).
const PriceScale = 1000

var priceScale = decimal.NewFromInt(PriceScale)

// Price is a market quote as stored by the candle source. It is never added
// to a Money value directly; use Notional.
type Price struct {
	d decimal.Decimal
}

// Money is an amount of ledger currency.
type Money struct {
	d decimal.Decimal
}

// NewPrice parses a decimal string such as "25.35".
func NewPrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return Price{d: d}, nil
}

// MustPrice is NewPrice for constants and tests.
func MustPrice(s string) Price {
	p, err := NewPrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromFloat converts a float quote coming off the wire or a driver.
func PriceFromFloat(f float64) Price { return Price{d: decimal.NewFromFloat(f)} }

// PriceFromDecimal wraps an already-computed decimal.
func PriceFromDecimal(d decimal.Decimal) Price { return Price{d: d} }

func (p Price) Decimal() decimal.Decimal        { return p.d }
func (p Price) IsZero() bool                    { return p.d.IsZero() }
func (p Price) IsPositive() bool                { return p.d.IsPositive() }
func (p Price) Cmp(o Price) int                 { return p.d.Cmp(o.d) }
func (p Price) Equal(o Price) bool              { return p.d.Equal(o.d) }
func (p Price) LessThanOrEqual(o Price) bool    { return p.d.LessThanOrEqual(o.d) }
func (p Price) GreaterThanOrEqual(o Price) bool { return p.d.GreaterThanOrEqual(o.d) }
func (p Price) Sub(o Price) Price               { return Price{d: p.d.Sub(o.d)} }
func (p Price) Float64() float64                { f, _ := p.d.Float64(); return f }
func (p Price) String() string                  { return p.d.String() }

func (p Price) MarshalJSON() ([]byte, error) { return json.Marshal(p.d.String()) }

func (p *Price) UnmarshalJSON(b []byte) error { return p.d.UnmarshalJSON(b) }

// NewMoney parses a decimal string such as "1000000".
func NewMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{d: d}, nil
}

// MustMoney is NewMoney for constants and tests.
func MustMoney(s string) Money {
	m, err := NewMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MoneyFromInt builds a whole-unit amount.
func MoneyFromInt(v int64) Money { return Money{d: decimal.NewFromInt(v)} }

// MoneyFromDecimal wraps an already-computed decimal.
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{d: d} }

func (m Money) Decimal() decimal.Decimal { return m.d }
func (m Money) IsZero() bool             { return m.d.IsZero() }
func (m Money) IsNegative() bool         { return m.d.IsNegative() }
func (m Money) IsPositive() bool         { return m.d.IsPositive() }
func (m Money) Cmp(o Money) int          { return m.d.Cmp(o.d) }
func (m Money) Equal(o Money) bool       { return m.d.Equal(o.d) }
func (m Money) LessThan(o Money) bool    { return m.d.LessThan(o.d) }
func (m Money) Add(o Money) Money        { return Money{d: m.d.Add(o.d)} }
func (m Money) Sub(o Money) Money        { return Money{d: m.d.Sub(o.d)} }
func (m Money) Neg() Money               { return Money{d: m.d.Neg()} }
func (m Money) Float64() float64         { f, _ := m.d.Float64(); return f }
func (m Money) String() string           { return m.d.String() }

func (m Money) MarshalJSON() ([]byte, error) { return json.Marshal(m.d.String()) }

func (m *Money) UnmarshalJSON(b []byte) error { return m.d.UnmarshalJSON(b) }

// Notional converts qty units at a market price into ledger money.
// This is the only place the price scale is applied.
func Notional(p Price, qty int64) Money {
	return Money{d: p.d.Mul(decimal.NewFromInt(qty)).Mul(priceScale)}
}
