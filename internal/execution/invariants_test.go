package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"papertrade/internal/model"

	"pgregory.net/rapid"
)

// TestLedgerInvariants drives random order flow through the engine and
// checks after every step that available cash never goes negative for a
// REALTIME account, that blocked cash equals the reservations of open
// orders, and that every position equals filled buys minus filled sells.
func TestLedgerInvariants(t *testing.T) {
	symbols := []string{"ACB", "VCB", "FPT"}
	prices := []string{"9.5", "10", "10.25", "11", "40"}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		h := newHarness(closedTime)
		open := false
		for _, s := range symbols {
			h.quote(s, "10")
		}
		var ids []string

		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			sym := rapid.SampledFrom(symbols).Draw(rt, "symbol")
			qty := rapid.Int64Range(1, 40).Draw(rt, "qty")

			var err error
			switch op := rapid.IntRange(0, 6).Draw(rt, "op"); op {
			case 0, 1:
				side := model.SideBuy
				if op == 1 {
					side = model.SideSell
				}
				var o model.Order
				o, err = h.eng.CreateOrder(ctx, "u1", OrderRequest{Symbol: sym, Side: side, Type: model.OrderMarket, Quantity: qty, Mode: model.ModeRealtime})
				if o.ID != "" {
					ids = append(ids, o.ID)
				}
			case 2:
				side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(rt, "side")
				o, lerr := h.eng.CreateOrder(ctx, "u1", limit(side, sym, qty, rapid.SampledFrom(prices).Draw(rt, "limit")))
				err = lerr
				if o.ID != "" {
					ids = append(ids, o.ID)
				}
			case 3:
				if len(ids) == 0 {
					continue
				}
				_, err = h.eng.CancelOrder(ctx, "u1", rapid.SampledFrom(ids).Draw(rt, "cancel"))
			case 4:
				h.quote(sym, rapid.SampledFrom(prices).Draw(rt, "price"))
			case 5:
				open = !open
				if open {
					h.setNow(openTime.AddDate(0, 0, 1))
				} else {
					h.setNow(closedTime)
				}
			case 6:
				if _, err = h.eng.SweepQueuedMarketOrders(ctx); err == nil {
					_, err = h.eng.SweepLimitOrders(ctx, nil)
				}
			}
			if err != nil && !expectedRejection(err) {
				rt.Fatalf("step %d: unexpected error: %v", i, err)
			}
			if err := checkInvariants(ctx, h, "u1", symbols); err != nil {
				rt.Fatalf("step %d: %v", i, err)
			}
		}
	})
}

func expectedRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientShares) ||
		errors.Is(err, ErrInvalidTransition)
}

func checkInvariants(ctx context.Context, h *harness, user string, symbols []string) error {
	return h.store.View(ctx, func(tx model.Tx) error {
		p, err := tx.Portfolio(user)
		if err != nil {
			return err
		}
		if p.Available().IsNegative() {
			return fmt.Errorf("available cash %s < 0 (cash %s, blocked %s)", p.Available(), p.Cash, p.BlockedCash)
		}

		open, err := tx.OrdersByStatus(user, []model.OrderStatus{model.StatusPending, model.StatusQueued}, nil)
		if err != nil {
			return err
		}
		var reserved model.Money
		for _, o := range open {
			reserved = reserved.Add(o.BlockedAmount)
		}
		if !reserved.Equal(p.BlockedCash) {
			return fmt.Errorf("blocked cash %s != open reservations %s", p.BlockedCash, reserved)
		}

		orders, err := tx.OrdersByUser(user, 0)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.Status == model.StatusFilled && o.FilledQuantity != o.Quantity {
				return fmt.Errorf("order %s filled %d of %d", o.ID, o.FilledQuantity, o.Quantity)
			}
		}

		for _, sym := range symbols {
			bought, sold, err := tx.FilledQuantity(user, sym)
			if err != nil {
				return err
			}
			pos, ok, err := tx.Position(user, sym)
			if err != nil {
				return err
			}
			var held int64
			if ok {
				if pos.Quantity <= 0 {
					return fmt.Errorf("%s position stored with quantity %d", sym, pos.Quantity)
				}
				held = pos.Quantity
			}
			if held != bought-sold {
				return fmt.Errorf("%s position %d != bought %d - sold %d", sym, held, bought, sold)
			}
		}
		return nil
	})
}
