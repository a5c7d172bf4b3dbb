package execution

import (
	"context"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/portfolio"
)

// Summary is a user's portfolio with positions marked to market.
type Summary struct {
	UserID         string           `json:"user_id"`
	Cash           model.Money      `json:"cash_balance"`
	BlockedCash    model.Money      `json:"blocked_cash"`
	AvailableCash  model.Money      `json:"available_cash"`
	PositionsValue model.Money      `json:"total_positions_value"`
	UnrealizedPnL  model.Money      `json:"unrealized_pnl"`
	TotalValue     model.Money      `json:"total_value"`
	Positions      []model.Position `json:"positions"`
	AsOf           *time.Time       `json:"as_of,omitempty"`
}

func newSummary(p model.Portfolio, positions []model.Position) Summary {
	v := portfolio.Value(p.Cash, positions)
	if positions == nil {
		positions = []model.Position{}
	}
	return Summary{
		UserID:         p.UserID,
		Cash:           p.Cash,
		BlockedCash:    p.BlockedCash,
		AvailableCash:  p.Available(),
		PositionsValue: v.PositionsValue,
		UnrealizedPnL:  v.UnrealizedPnL,
		TotalValue:     v.TotalValue,
		Positions:      positions,
	}
}

// GetPortfolioSummary settles whatever of the user's open orders can fill
// now, then returns the portfolio marked to the latest prices.
func (e *Engine) GetPortfolioSummary(ctx context.Context, userID string) (Summary, error) {
	if _, err := e.sweepQueued(ctx, userID); err != nil {
		e.log.Warn("summary queued sweep", "user_id", userID, "err", err)
	}
	if _, err := e.sweepLimit(ctx, userID, nil); err != nil {
		e.log.Warn("summary limit sweep", "user_id", userID, "err", err)
	}
	return e.UpdatePortfolioValue(ctx, userID, nil)
}

// UpdatePortfolioValue marks every position to market and recomputes total
// value. With asOf set, positions are valued at that instant and nothing is
// saved.
func (e *Engine) UpdatePortfolioValue(ctx context.Context, userID string, asOf *time.Time) (Summary, error) {
	var positions []model.Position
	if err := e.store.View(ctx, func(tx model.Tx) error {
		var err error
		positions, err = tx.Positions(userID)
		return err
	}); err != nil {
		return Summary{}, err
	}

	// Prices are fetched outside the transaction; a symbol with no price
	// keeps its previous mark.
	marks := make(map[string]model.Price, len(positions))
	for _, pos := range positions {
		var (
			price model.Price
			err   error
		)
		if asOf != nil {
			price, err = e.priceAt(ctx, pos.Symbol, *asOf)
		} else {
			price, err = e.latestPrice(ctx, pos.Symbol)
		}
		if err != nil {
			e.log.Debug("mark skipped", "user_id", userID, "symbol", pos.Symbol, "err", err)
			continue
		}
		marks[pos.Symbol] = price
	}

	if asOf != nil {
		var p model.Portfolio
		if err := e.store.View(ctx, func(tx model.Tx) error {
			var err error
			p, err = tx.Portfolio(userID)
			return err
		}); err != nil {
			return Summary{}, err
		}
		for i := range positions {
			if m, ok := marks[positions[i].Symbol]; ok {
				portfolio.Mark(&positions[i], m)
			}
		}
		s := newSummary(p, positions)
		s.AsOf = asOf
		return s, nil
	}

	now := e.gate.Now()
	var out Summary
	err := e.store.Update(ctx, func(tx model.Tx) error {
		p, err := tx.Portfolio(userID)
		if err != nil {
			return err
		}
		current, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		for i := range current {
			m, ok := marks[current[i].Symbol]
			if !ok {
				continue
			}
			portfolio.Mark(&current[i], m)
			current[i].UpdatedAt = now
			if err := tx.SavePosition(current[i]); err != nil {
				return err
			}
		}
		portfolio.Revalue(&p, current)
		p.UpdatedAt = now
		if err := tx.SavePortfolio(p); err != nil {
			return err
		}
		out = newSummary(p, current)
		return nil
	})
	return out, err
}

// Deposit adds amount to the user's cash balance.
func (e *Engine) Deposit(ctx context.Context, userID string, amount model.Money) (Summary, error) {
	if !amount.IsPositive() {
		return Summary{}, orderErr(ErrValidation, "deposit amount must be positive")
	}
	return e.mutatePortfolio(ctx, userID, func(p *model.Portfolio) error {
		return portfolio.AdjustCash(p, amount, true)
	})
}

// ResetBalance sets the user's cash balance to amount and resets total value
// to it. The new balance must still cover cash reserved by open orders.
func (e *Engine) ResetBalance(ctx context.Context, userID string, amount model.Money) (Summary, error) {
	if amount.IsNegative() {
		return Summary{}, orderErr(ErrValidation, "balance must not be negative")
	}
	return e.mutatePortfolio(ctx, userID, func(p *model.Portfolio) error {
		if amount.LessThan(p.BlockedCash) {
			return orderErr(ErrValidation, "balance %s is below reserved cash %s; cancel open orders first", amount, p.BlockedCash)
		}
		portfolio.SetCash(p, amount)
		return nil
	})
}

func (e *Engine) mutatePortfolio(ctx context.Context, userID string, fn func(*model.Portfolio) error) (Summary, error) {
	now := e.gate.Now()
	var out Summary
	err := e.store.Update(ctx, func(tx model.Tx) error {
		p, err := tx.Portfolio(userID)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.SavePortfolio(p); err != nil {
			return err
		}
		positions, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		out = newSummary(p, positions)
		return nil
	})
	if err == nil {
		e.log.Info("portfolio balance changed", "user_id", userID, "cash", out.Cash.String())
	}
	return out, err
}

// ReconcilePositions removes positions that disagree with the user's filled
// order history and returns what was removed.
func (e *Engine) ReconcilePositions(ctx context.Context, userID string) ([]portfolio.Discrepancy, error) {
	now := e.gate.Now()
	var out []portfolio.Discrepancy
	err := e.store.Update(ctx, func(tx model.Tx) error {
		var err error
		out, err = portfolio.Reconcile(tx, userID)
		if err != nil || len(out) == 0 {
			return err
		}
		p, err := tx.Portfolio(userID)
		if err != nil {
			return err
		}
		positions, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		portfolio.Revalue(&p, positions)
		p.UpdatedAt = now
		return tx.SavePortfolio(p)
	})
	for _, d := range out {
		e.log.Warn("position reconciled", "user_id", userID, "symbol", d.Symbol, "actual", d.Actual, "expected", d.Expected)
	}
	return out, err
}
