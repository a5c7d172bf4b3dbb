package portfolio

import "papertrade/internal/model"

// Mark sets the position's last price and recomputes unrealized P&L.
func Mark(p *model.Position, last model.Price) {
	lp := last
	p.LastPrice = &lp
	p.UnrealizedPnL = model.Notional(last.Sub(p.AvgPrice), p.Quantity)
}

// Valuation is a point-in-time view of a portfolio.
type Valuation struct {
	Cash           model.Money `json:"cash_balance"`
	PositionsValue model.Money `json:"total_positions_value"`
	UnrealizedPnL  model.Money `json:"total_unrealized_pnl"`
	TotalValue     model.Money `json:"total_value"`
}

// Value sums positions at their mark prices. Positions should already be
// marked; unmarked ones count at cost with zero P&L.
func Value(cash model.Money, positions []model.Position) Valuation {
	v := Valuation{Cash: cash}
	for i := range positions {
		v.PositionsValue = v.PositionsValue.Add(positions[i].MarketValue())
		v.UnrealizedPnL = v.UnrealizedPnL.Add(positions[i].UnrealizedPnL)
	}
	v.TotalValue = cash.Add(v.PositionsValue)
	return v
}
