package portfolio

import (
	"fmt"

	"papertrade/internal/model"
)

// Discrepancy is a position that disagrees with the filled-order history.
type Discrepancy struct {
	Symbol   string `json:"symbol"`
	Actual   int64  `json:"actual_quantity"`
	Expected int64  `json:"expected_quantity"`
}

// Reconcile recomputes every position's expected quantity as filled BUY
// minus filled SELL and deletes positions that do not match. It repairs
// orphaned rows; a fill never produces one.
func Reconcile(tx model.Tx, userID string) ([]Discrepancy, error) {
	positions, err := tx.Positions(userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var bad []Discrepancy
	for _, pos := range positions {
		bought, sold, err := tx.FilledQuantity(userID, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("filled quantity %s: %w", pos.Symbol, err)
		}
		expected := bought - sold
		if pos.Quantity == expected {
			continue
		}
		if err := tx.DeletePosition(userID, pos.Symbol); err != nil {
			return nil, fmt.Errorf("delete position %s: %w", pos.Symbol, err)
		}
		bad = append(bad, Discrepancy{Symbol: pos.Symbol, Actual: pos.Quantity, Expected: expected})
	}
	return bad, nil
}
