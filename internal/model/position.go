package model

import "time"

// Position is a user's holding in one symbol. It only exists while Quantity > 0.
type Position struct {
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Quantity      int64     `json:"quantity"`
	AvgPrice      Price     `json:"avg_price"`
	LastPrice     *Price    `json:"last_price,omitempty"`
	UnrealizedPnL Money     `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MarkPrice is the last known price, falling back to the cost basis.
func (p *Position) MarkPrice() Price {
	if p.LastPrice != nil {
		return *p.LastPrice
	}
	return p.AvgPrice
}

// MarketValue is quantity valued at MarkPrice.
func (p *Position) MarketValue() Money {
	return Notional(p.MarkPrice(), p.Quantity)
}

// Key returns "user:symbol".
func (p *Position) Key() string {
	return p.UserID + ":" + p.Symbol
}

// Portfolio is a user's cash account.
type Portfolio struct {
	UserID      string    `json:"user_id"`
	Cash        Money     `json:"cash_balance"`
	BlockedCash Money     `json:"blocked_cash"`
	TotalValue  Money     `json:"total_value"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available is cash not reserved by open BUY orders.
func (p Portfolio) Available() Money {
	return p.Cash.Sub(p.BlockedCash)
}
