// Package portfolio owns the cash ledger and the position book.
//
// All functions here mutate values that the caller loaded inside a
// model.Tx and saves back in the same transaction, so a fill either lands
// completely or not at all.
package portfolio

import (
	"errors"
	"fmt"

	"papertrade/internal/model"
)

// ErrOverdraft is returned when a mutation would leave available cash negative.
var ErrOverdraft = errors.New("available cash would go negative")

// ErrNegativeAmount is returned for a negative block/unblock amount.
var ErrNegativeAmount = errors.New("amount must not be negative")

// Block reserves amt for an open BUY order.
func Block(p *model.Portfolio, amt model.Money) error {
	if amt.IsNegative() {
		return ErrNegativeAmount
	}
	if p.Available().LessThan(amt) {
		return fmt.Errorf("block %s with %s available: %w", amt, p.Available(), ErrOverdraft)
	}
	p.BlockedCash = p.BlockedCash.Add(amt)
	return nil
}

// Unblock releases a reservation. Blocked cash is floored at zero.
func Unblock(p *model.Portfolio, amt model.Money) {
	if amt.IsNegative() {
		return
	}
	p.BlockedCash = p.BlockedCash.Sub(amt)
	if p.BlockedCash.IsNegative() {
		p.BlockedCash = model.Money{}
	}
}

// AdjustCash applies delta to the cash balance. Unless allowOverdraft is
// set (PRACTICE accounts), the result must keep available cash >= 0.
func AdjustCash(p *model.Portfolio, delta model.Money, allowOverdraft bool) error {
	next := p.Cash.Add(delta)
	if !allowOverdraft && next.Sub(p.BlockedCash).IsNegative() {
		return fmt.Errorf("adjust cash by %s with %s available: %w", delta, p.Available(), ErrOverdraft)
	}
	p.Cash = next
	return nil
}

// SetCash overwrites the cash balance and resets total value to it.
func SetCash(p *model.Portfolio, v model.Money) {
	p.Cash = v
	p.TotalValue = v
}

// Revalue sets total value to cash plus the market value of positions.
func Revalue(p *model.Portfolio, positions []model.Position) {
	total := p.Cash
	for i := range positions {
		total = total.Add(positions[i].MarketValue())
	}
	p.TotalValue = total
}
