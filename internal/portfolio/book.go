package portfolio

import (
	"errors"
	"fmt"
	"time"

	"papertrade/internal/model"

	"github.com/shopspring/decimal"
)

// ErrShortPosition is returned when a delta would take quantity below zero.
var ErrShortPosition = errors.New("position quantity would go negative")

// avgPricePlaces bounds the precision of the weighted average cost basis.
const avgPricePlaces = 6

// Upsert applies a signed quantity delta at price to the user's position.
//
// A missing position is created at price; a position whose quantity reaches
// zero is deleted; otherwise the cost basis becomes the weighted average
// (old_qty*old_avg + delta*price) / new_qty. Returns the resulting position,
// or nil when it was deleted or never created.
func Upsert(tx model.Tx, userID, symbol string, delta int64, price model.Price, now time.Time) (*model.Position, error) {
	pos, ok, err := tx.Position(userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("load position %s:%s: %w", userID, symbol, err)
	}

	if !ok {
		if delta == 0 {
			return nil, nil
		}
		if delta < 0 {
			return nil, fmt.Errorf("%s:%s delta %d on empty position: %w", userID, symbol, delta, ErrShortPosition)
		}
		pos = model.Position{
			UserID:    userID,
			Symbol:    symbol,
			Quantity:  delta,
			AvgPrice:  price,
			UpdatedAt: now,
		}
		if err := tx.SavePosition(pos); err != nil {
			return nil, err
		}
		return &pos, nil
	}

	newQty := pos.Quantity + delta
	switch {
	case newQty == 0:
		return nil, tx.DeletePosition(userID, symbol)
	case newQty < 0:
		return nil, fmt.Errorf("%s:%s qty %d delta %d: %w", userID, symbol, pos.Quantity, delta, ErrShortPosition)
	}

	cost := pos.AvgPrice.Decimal().Mul(decimal.NewFromInt(pos.Quantity)).
		Add(price.Decimal().Mul(decimal.NewFromInt(delta)))
	pos.AvgPrice = model.PriceFromDecimal(cost.DivRound(decimal.NewFromInt(newQty), avgPricePlaces))
	pos.Quantity = newQty
	pos.UpdatedAt = now
	if pos.LastPrice != nil {
		Mark(&pos, *pos.LastPrice)
	}
	if err := tx.SavePosition(pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Held returns the quantity the user holds in symbol (0 when none).
func Held(tx model.Tx, userID, symbol string) (int64, error) {
	pos, ok, err := tx.Position(userID, symbol)
	if err != nil || !ok {
		return 0, err
	}
	return pos.Quantity, nil
}
