package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bucket for a symbol. Prices are in market units.
type Candle struct {
	Symbol           string    `json:"symbol"`
	Interval         string    `json:"interval"`
	TS               time.Time `json:"time"` // bucket start
	Open             Price     `json:"open"`
	High             Price     `json:"high"`
	Low              Price     `json:"low"`
	Close            Price     `json:"close"`
	Volume           int64     `json:"volume"`
	GrossTradeAmount float64   `json:"total_gross_trade_amount"`
}

// VWAP returns gross trade amount / volume, or zero for an empty bucket.
func (c *Candle) VWAP() Price {
	if c.Volume <= 0 {
		return Price{}
	}
	return PriceFromDecimal(decimal.NewFromFloat(c.GrossTradeAmount).Div(decimal.NewFromInt(c.Volume)))
}

// MarshalJSON adds the derived vwap field.
func (c Candle) MarshalJSON() ([]byte, error) {
	type plain Candle
	return json.Marshal(struct {
		plain
		VWAP Price `json:"vwap"`
	}{plain(c), c.VWAP()})
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
