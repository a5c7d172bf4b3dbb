package execution

import (
	"context"
	"errors"
	"time"

	"papertrade/internal/model"
)

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Checked      int      `json:"checked"`
	Filled       int      `json:"filled"`
	Deferred     int      `json:"deferred"`
	Rejected     int      `json:"rejected"`
	Conflicts    int      `json:"conflicts"`
	MarketClosed bool     `json:"market_closed,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// SweepQueuedMarketOrders fills every QUEUED MARKET order at the current
// price. It does nothing while the REALTIME market is closed.
func (e *Engine) SweepQueuedMarketOrders(ctx context.Context) (SweepReport, error) {
	return e.sweepQueued(ctx, "")
}

// SweepLimitOrders fills open LIMIT orders whose price has crossed. asOf, when
// set, is the evaluation instant for PRACTICE orders without an
// execution_time.
func (e *Engine) SweepLimitOrders(ctx context.Context, asOf *time.Time) (SweepReport, error) {
	return e.sweepLimit(ctx, "", asOf)
}

func (e *Engine) sweepQueued(ctx context.Context, userID string) (rep SweepReport, err error) {
	defer e.observeSweep("queued_market", time.Now())

	if open, _ := e.gate.CanTrade(model.ModeRealtime); !open {
		rep.MarketClosed = true
		return rep, nil
	}
	orders, err := e.openOrders(ctx, userID, []model.OrderStatus{model.StatusQueued}, []model.OrderType{model.OrderMarket})
	if err != nil {
		return rep, err
	}

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		price, err := e.latestPrice(ctx, o.Symbol)
		if err != nil {
			rep.Deferred++
			e.log.Debug("queued order deferred", "order_id", o.ID, "symbol", o.Symbol, "err", err)
			continue
		}
		e.settle(ctx, &rep, o, price, SourceQueuedSweep)
	}
	e.logSweep("queued_market", userID, rep)
	return rep, nil
}

func (e *Engine) sweepLimit(ctx context.Context, userID string, asOf *time.Time) (rep SweepReport, err error) {
	defer e.observeSweep("limit", time.Now())

	orders, err := e.openOrders(ctx, userID,
		[]model.OrderStatus{model.StatusPending, model.StatusQueued}, []model.OrderType{model.OrderLimit})
	if err != nil {
		return rep, err
	}
	realtimeOpen := e.gate.IsOpen()
	rep.MarketClosed = !realtimeOpen

	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		if o.Mode == model.ModeRealtime && !realtimeOpen {
			rep.Deferred++
			continue
		}

		price, err := e.sweepPrice(ctx, o, asOf)
		if err != nil {
			rep.Deferred++
			e.log.Debug("limit order deferred", "order_id", o.ID, "symbol", o.Symbol, "err", err)
			continue
		}
		if o.LimitPrice == nil || !LimitCrossed(o.Side, price, *o.LimitPrice) {
			continue
		}
		e.settle(ctx, &rep, o, *o.LimitPrice, SourceLimitSweep)
	}
	e.logSweep("limit", userID, rep)
	return rep, nil
}

// LimitCrossed reports whether market price satisfies a limit: BUY at or
// below the limit, SELL at or above it.
func LimitCrossed(side model.Side, market, limit model.Price) bool {
	if side == model.SideBuy {
		return market.LessThanOrEqual(limit)
	}
	return market.GreaterThanOrEqual(limit)
}

// sweepPrice is the price a limit order is evaluated at. PRACTICE orders use
// their execution_time, else asOf, else the latest close.
func (e *Engine) sweepPrice(ctx context.Context, o model.Order, asOf *time.Time) (model.Price, error) {
	if o.Mode == model.ModePractice {
		if o.ExecutionTime != nil {
			return e.priceAt(ctx, o.Symbol, *o.ExecutionTime)
		}
		if asOf != nil {
			return e.priceAt(ctx, o.Symbol, *asOf)
		}
	}
	return e.latestPrice(ctx, o.Symbol)
}

// settle runs the shared fill path for a swept order and records the outcome.
// A PENDING order that can no longer be afforded is rejected; a QUEUED one
// stays queued for the next tick.
func (e *Engine) settle(ctx context.Context, rep *SweepReport, o model.Order, price model.Price, source string) {
	_, err := e.fillOrder(ctx, o.ID, price, source)
	switch {
	case err == nil:
		rep.Filled++
	case errors.Is(err, model.ErrConflict), errors.Is(err, ErrInvalidTransition):
		rep.Conflicts++
	case isBusinessReject(err) && o.Status == model.StatusPending:
		if _, rerr := e.rejectOrder(ctx, o.ID, err.Error()); rerr != nil {
			rep.Errors = append(rep.Errors, o.ID+": "+rerr.Error())
			return
		}
		rep.Rejected++
	case isBusinessReject(err):
		rep.Deferred++
		e.log.Info("queued order cannot fill yet", "order_id", o.ID, "err", err)
	default:
		rep.Errors = append(rep.Errors, o.ID+": "+err.Error())
		e.log.Warn("sweep fill failed", "order_id", o.ID, "source", source, "err", err)
	}
}

func (e *Engine) openOrders(ctx context.Context, userID string, statuses []model.OrderStatus, types []model.OrderType) ([]model.Order, error) {
	var out []model.Order
	err := e.store.View(ctx, func(tx model.Tx) error {
		var err error
		out, err = tx.OrdersByStatus(userID, statuses, types)
		return err
	})
	return out, err
}

func (e *Engine) observeSweep(name string, start time.Time) {
	e.metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func (e *Engine) logSweep(name, userID string, rep SweepReport) {
	if rep.Checked == 0 {
		return
	}
	e.log.Debug("sweep done", "sweep", name, "user_id", userID, "checked", rep.Checked,
		"filled", rep.Filled, "deferred", rep.Deferred, "rejected", rep.Rejected, "errors", len(rep.Errors))
}

// Run executes both sweeps every interval until ctx is cancelled. A tick in
// progress finishes its current order before the loop exits.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("sweep loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sweep loop stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if e.gate.IsOpen() {
		e.metrics.MarketOpen.Set(1)
	} else {
		e.metrics.MarketOpen.Set(0)
	}
	if _, err := e.SweepQueuedMarketOrders(ctx); err != nil && ctx.Err() == nil {
		e.log.Warn("queued sweep failed", "err", err)
	}
	if _, err := e.SweepLimitOrders(ctx, nil); err != nil && ctx.Err() == nil {
		e.log.Warn("limit sweep failed", "err", err)
	}
}
