// Package execution is the virtual fill engine: order admission, the order
// state machine, fills, cancels and the background sweeps.
//
// Every mutation runs inside one model.Store transaction and re-reads the
// order before writing it, so the request path and the sweeps can target the
// same order concurrently without double-filling it.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/markethours"
	"papertrade/internal/metrics"
	"papertrade/internal/model"
	"papertrade/internal/notification"
	"papertrade/internal/portfolio"

	"github.com/google/uuid"
)

// Fill sources, used as the papertrade_fills_total label.
const (
	SourceRequest     = "request"
	SourceQueuedSweep = "queued_sweep"
	SourceLimitSweep  = "limit_sweep"
)

// Config tunes the engine.
type Config struct {
	// Interval is the candle interval used for price lookups.
	Interval string
	// PriceHintMaxAge bounds how old a client-supplied price may be.
	PriceHintMaxAge time.Duration
}

// Engine admits, fills and cancels virtual orders.
type Engine struct {
	store    model.Store
	prices   model.MarketDataSource
	gate     *markethours.Gate
	journal  FillJournal
	notifier notification.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithJournal(j FillJournal) Option { return func(e *Engine) { e.journal = j } }

func WithNotifier(n notification.Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithIDGenerator replaces the UUID order id generator.
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

// NewEngine wires an engine over a store, a price source and the trading-hours gate.
func NewEngine(store model.Store, prices model.MarketDataSource, gate *markethours.Gate, cfg Config, opts ...Option) *Engine {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	e := &Engine{
		store:   store,
		prices:  prices,
		gate:    gate,
		journal: nopJournal{},
		metrics: metrics.New(nil),
		log:     slog.Default(),
		cfg:     cfg,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "engine")
	return e
}

// PriceHint is a price the client already had on screen.
type PriceHint struct {
	Price model.Price `json:"price"`
	AsOf  *time.Time  `json:"as_of,omitempty"`
}

// OrderRequest is an order submission.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          model.Side      `json:"side"`
	Type          model.OrderType `json:"order_type"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    *model.Price    `json:"limit_price,omitempty"`
	Mode          model.Mode      `json:"trading_mode"`
	ExecutionTime *time.Time      `json:"execution_time,omitempty"`
	PriceHint     *PriceHint      `json:"price_hint,omitempty"`
}

func (r *OrderRequest) normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = model.Side(strings.ToUpper(string(r.Side)))
	r.Type = model.OrderType(strings.ToUpper(string(r.Type)))
	if r.Type == "" {
		r.Type = model.OrderMarket
	}
	r.Mode = model.Mode(strings.ToUpper(string(r.Mode)))
	if r.Mode == "" {
		r.Mode = model.ModeRealtime
	}
	if r.Type != model.OrderLimit {
		r.LimitPrice = nil
	}
}

func (r *OrderRequest) validate() error {
	if r.Symbol == "" {
		return orderErr(ErrValidation, "symbol is required")
	}
	switch r.Side {
	case model.SideBuy, model.SideSell:
	default:
		return orderErr(ErrValidation, "side must be BUY or SELL, got %q", r.Side)
	}
	switch r.Type {
	case model.OrderMarket, model.OrderLimit, model.OrderATO, model.OrderATC:
	default:
		return orderErr(ErrValidation, "unknown order type %q", r.Type)
	}
	switch r.Mode {
	case model.ModeRealtime, model.ModePractice:
	default:
		return orderErr(ErrValidation, "unknown trading mode %q", r.Mode)
	}
	if r.Quantity <= 0 {
		return orderErr(ErrValidation, "quantity must be positive, got %d", r.Quantity)
	}
	if r.Type == model.OrderLimit && (r.LimitPrice == nil || !r.LimitPrice.IsPositive()) {
		return orderErr(ErrValidation, "limit price is required for LIMIT orders")
	}
	if r.ExecutionTime != nil && r.Mode != model.ModePractice {
		return orderErr(ErrValidation, "execution_time is only allowed in PRACTICE mode")
	}
	return nil
}

// CreateOrder admits an order for userID.
//
// Admission failures (validation, funds, shares, no price) return an error
// and store nothing. A MARKET order that can trade now is filled before
// returning; if that fill fails the order comes back REJECTED together
// with the error.
func (e *Engine) CreateOrder(ctx context.Context, userID string, req OrderRequest) (model.Order, error) {
	now := e.gate.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(userID, now))

	req.normalize()
	if err := req.validate(); err != nil {
		e.countOrder(req.Type, req.Side, model.StatusRejected)
		return model.Order{}, err
	}

	o := model.Order{
		ID:            e.newID(),
		UserID:        userID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Mode:          req.Mode,
		ExecutionTime: req.ExecutionTime,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Auction orders wait for an external price; nothing to check or reserve.
	if o.Type.IsAuction() {
		if err := e.store.Update(ctx, func(tx model.Tx) error { return tx.InsertOrder(o) }); err != nil {
			return model.Order{}, fmt.Errorf("insert order: %w", err)
		}
		e.admitted(ctx, o)
		return o, nil
	}

	tradable, why := true, ""
	if o.ExecutionTime == nil {
		tradable, why = e.gate.CanTrade(o.Mode)
	}

	price, err := e.resolvePrice(ctx, req, now)
	if err != nil {
		e.countOrder(o.Type, o.Side, model.StatusRejected)
		e.log.Warn("order rejected, no price", append(logger.LogWithTrace(ctx), "symbol", o.Symbol, "err", err)...)
		return model.Order{}, err
	}
	o.RefPrice = &price

	if !tradable {
		o.Status = model.StatusQueued
		o.Reason = fmt.Sprintf("%s; queued until %s", why, e.gate.NextSession().Format("Mon 02 Jan 15:04"))
	}
	immediate := tradable && o.Type == model.OrderMarket

	err = e.store.Update(ctx, func(tx model.Tx) error {
		p, err := tx.Portfolio(userID)
		if err != nil {
			return err
		}
		if err := checkAdmission(tx, &p, &o, price); err != nil {
			return err
		}
		if o.Side == model.SideBuy && o.Mode == model.ModeRealtime && !immediate {
			cost := model.Notional(price, o.Quantity)
			if err := portfolio.Block(&p, cost); err != nil {
				return orderErr(ErrInsufficientFunds, "cannot reserve %s: %v", cost, err)
			}
			o.BlockedAmount = cost
			p.UpdatedAt = now
			if err := tx.SavePortfolio(p); err != nil {
				return err
			}
		}
		return tx.InsertOrder(o)
	})
	if err != nil {
		e.countOrder(o.Type, o.Side, model.StatusRejected)
		e.log.Info("order rejected", append(logger.LogWithTrace(ctx), "symbol", o.Symbol, "side", o.Side, "err", err)...)
		return model.Order{}, err
	}
	e.admitted(ctx, o)

	if !immediate {
		return o, nil
	}

	filled, err := e.fillOrder(ctx, o.ID, price, SourceRequest)
	if err == nil {
		return filled, nil
	}
	if errors.Is(err, model.ErrConflict) || errors.Is(err, ErrInvalidTransition) {
		// Someone else moved the order first; report where it ended up.
		cur, lerr := e.loadOrder(ctx, o.ID)
		if lerr != nil {
			return o, err
		}
		return cur, nil
	}
	rejected, rerr := e.rejectOrder(ctx, o.ID, err.Error())
	if rerr != nil {
		e.log.Error("reject after failed fill", append(logger.LogWithTrace(ctx), "order_id", o.ID, "err", rerr)...)
		return o, err
	}
	return rejected, err
}

// checkAdmission is the admission-time validation. Auction orders skip it.
func checkAdmission(tx model.Tx, p *model.Portfolio, o *model.Order, price model.Price) error {
	switch o.Side {
	case model.SideBuy:
		if o.Mode != model.ModeRealtime {
			return nil
		}
		cost := model.Notional(price, o.Quantity)
		if p.Available().LessThan(cost) {
			return orderErr(ErrInsufficientFunds, "insufficient funds: need %s, available %s", cost, p.Available())
		}
	case model.SideSell:
		held, err := portfolio.Held(tx, o.UserID, o.Symbol)
		if err != nil {
			return err
		}
		if held < o.Quantity {
			return orderErr(ErrInsufficientShares, "insufficient shares of %s: need %d, held %d", o.Symbol, o.Quantity, held)
		}
	}
	return nil
}

// fillOrder is the single fill path shared by the request and both sweeps.
// It re-validates inside the transaction, so a drifted balance or position
// aborts the fill with no writes, and it compare-and-sets the order status
// so a concurrent fill or cancel surfaces as model.ErrConflict.
func (e *Engine) fillOrder(ctx context.Context, id string, price model.Price, source string) (model.Order, error) {
	now := e.gate.Now()
	var out model.Order
	err := e.store.Update(ctx, func(tx model.Tx) error {
		o, err := tx.Order(id)
		if errors.Is(err, model.ErrNotFound) {
			return orderErr(ErrOrderNotFound, "order %s not found", id)
		}
		if err != nil {
			return err
		}
		if !o.Open() {
			return orderErr(ErrInvalidTransition, "order %s is already %s", id, o.Status)
		}
		p, err := tx.Portfolio(o.UserID)
		if err != nil {
			return err
		}

		amount := model.Notional(price, o.Quantity)
		switch o.Side {
		case model.SideBuy:
			portfolio.Unblock(&p, o.BlockedAmount)
			if o.Mode == model.ModeRealtime && p.Available().LessThan(amount) {
				return orderErr(ErrInsufficientFunds, "insufficient funds: need %s, available %s", amount, p.Available())
			}
			if err := portfolio.AdjustCash(&p, amount.Neg(), o.Mode == model.ModePractice); err != nil {
				return orderErr(ErrInsufficientFunds, "%v", err)
			}
			if _, err := portfolio.Upsert(tx, o.UserID, o.Symbol, o.Quantity, price, now); err != nil {
				return err
			}
		case model.SideSell:
			held, err := portfolio.Held(tx, o.UserID, o.Symbol)
			if err != nil {
				return err
			}
			if held < o.Quantity {
				return orderErr(ErrInsufficientShares, "insufficient shares of %s: need %d, held %d", o.Symbol, o.Quantity, held)
			}
			if err := portfolio.AdjustCash(&p, amount, true); err != nil {
				return err
			}
			if _, err := portfolio.Upsert(tx, o.UserID, o.Symbol, -o.Quantity, price, now); err != nil {
				return err
			}
		}

		from := o.Status
		fp := price
		o.Status = model.StatusFilled
		o.FilledQuantity = o.Quantity
		o.FilledPrice = &fp
		o.FilledAt = &now
		o.UpdatedAt = now
		o.BlockedAmount = model.Money{}
		o.Reason = ""
		if err := tx.TransitionOrder(o, from); err != nil {
			return err
		}

		positions, err := tx.Positions(o.UserID)
		if err != nil {
			return err
		}
		portfolio.Revalue(&p, positions)
		p.UpdatedAt = now
		if err := tx.SavePortfolio(p); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			e.metrics.FillConflicts.Inc()
		}
		return model.Order{}, err
	}

	e.metrics.FillsTotal.WithLabelValues(source).Inc()
	e.countOrder(out.Type, out.Side, out.Status)
	e.log.Info("order filled", append(logger.LogWithTrace(ctx),
		"order_id", out.ID, "user_id", out.UserID, "symbol", out.Symbol, "side", out.Side,
		"qty", out.Quantity, "price", price.String(), "source", source)...)

	if err := e.journal.RecordFill(ctx, Fill{
		OrderID:  out.ID,
		UserID:   out.UserID,
		Symbol:   out.Symbol,
		Side:     out.Side,
		Type:     out.Type,
		Mode:     out.Mode,
		Quantity: out.Quantity,
		Price:    price,
		Amount:   model.Notional(price, out.Quantity),
		Source:   source,
		FilledAt: now,
	}); err != nil {
		e.log.Warn("journal fill failed", "order_id", out.ID, "err", err)
	}
	e.notify(ctx, out)
	return out, nil
}

// rejectOrder moves a PENDING order to REJECTED and releases its reservation.
func (e *Engine) rejectOrder(ctx context.Context, id, reason string) (model.Order, error) {
	now := e.gate.Now()
	var out model.Order
	err := e.store.Update(ctx, func(tx model.Tx) error {
		o, err := tx.Order(id)
		if err != nil {
			return err
		}
		if !o.Status.CanTransition(model.StatusRejected) {
			return orderErr(ErrInvalidTransition, "cannot reject %s order %s", o.Status, id)
		}
		if err := e.release(tx, &o, now); err != nil {
			return err
		}
		from := o.Status
		o.Status = model.StatusRejected
		o.Reason = reason
		o.UpdatedAt = now
		if err := tx.TransitionOrder(o, from); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}
	e.countOrder(out.Type, out.Side, out.Status)
	e.log.Info("order rejected", append(logger.LogWithTrace(ctx), "order_id", out.ID, "reason", reason)...)
	e.notify(ctx, out)
	return out, nil
}

// release returns the order's reserved cash to the user's portfolio.
func (e *Engine) release(tx model.Tx, o *model.Order, now time.Time) error {
	if o.BlockedAmount.IsZero() {
		return nil
	}
	p, err := tx.Portfolio(o.UserID)
	if err != nil {
		return err
	}
	portfolio.Unblock(&p, o.BlockedAmount)
	p.UpdatedAt = now
	o.BlockedAmount = model.Money{}
	return tx.SavePortfolio(p)
}

// CancelOrder cancels an open order owned by userID, releasing exactly the
// cash reserved for it at admission.
func (e *Engine) CancelOrder(ctx context.Context, userID, id string) (model.Order, error) {
	now := e.gate.Now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(userID, now))

	var out model.Order
	err := e.store.Update(ctx, func(tx model.Tx) error {
		o, err := tx.Order(id)
		if errors.Is(err, model.ErrNotFound) {
			return orderErr(ErrOrderNotFound, "order %s not found", id)
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return orderErr(ErrUnauthorized, "order %s does not belong to you", id)
		}
		if !o.Status.CanTransition(model.StatusCancelled) {
			return orderErr(ErrInvalidTransition, "cannot cancel %s order", o.Status)
		}
		if err := e.release(tx, &o, now); err != nil {
			return err
		}
		from := o.Status
		o.Status = model.StatusCancelled
		o.CancelledAt = &now
		o.UpdatedAt = now
		if err := tx.TransitionOrder(o, from); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return model.Order{}, orderErr(ErrInvalidTransition, "order %s changed while cancelling", id)
		}
		return model.Order{}, err
	}

	e.countOrder(out.Type, out.Side, out.Status)
	e.log.Info("order cancelled", append(logger.LogWithTrace(ctx), "order_id", out.ID, "user_id", userID)...)
	e.notify(ctx, out)
	return out, nil
}

// Order returns one of userID's orders.
func (e *Engine) Order(ctx context.Context, userID, id string) (model.Order, error) {
	o, err := e.loadOrder(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.Order{}, orderErr(ErrOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return model.Order{}, err
	}
	if o.UserID != userID {
		return model.Order{}, orderErr(ErrUnauthorized, "order %s does not belong to you", id)
	}
	return o, nil
}

// Orders lists userID's most recent orders, newest first.
func (e *Engine) Orders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	var out []model.Order
	err := e.store.View(ctx, func(tx model.Tx) error {
		var err error
		out, err = tx.OrdersByUser(userID, limit)
		return err
	})
	return out, err
}

func (e *Engine) loadOrder(ctx context.Context, id string) (model.Order, error) {
	var o model.Order
	err := e.store.View(ctx, func(tx model.Tx) error {
		var err error
		o, err = tx.Order(id)
		return err
	})
	return o, err
}

// resolvePrice picks the admission price: the limit price, then a fresh
// client hint, then a market lookup (at execution_time when set).
func (e *Engine) resolvePrice(ctx context.Context, req OrderRequest, now time.Time) (model.Price, error) {
	if req.LimitPrice != nil {
		return *req.LimitPrice, nil
	}
	if h := req.PriceHint; h != nil && h.Price.IsPositive() && e.hintFresh(h, req.Mode, now) {
		return h.Price, nil
	}
	if req.ExecutionTime != nil {
		return e.priceAt(ctx, req.Symbol, *req.ExecutionTime)
	}
	return e.latestPrice(ctx, req.Symbol)
}

// hintFresh reports whether a client hint may price the order. REALTIME
// hints must carry as_of; an undated hint is only taken in PRACTICE.
func (e *Engine) hintFresh(h *PriceHint, mode model.Mode, now time.Time) bool {
	if h.AsOf == nil {
		return mode == model.ModePractice
	}
	if e.cfg.PriceHintMaxAge <= 0 {
		return true
	}
	age := now.Sub(*h.AsOf)
	if age < 0 {
		age = -age
	}
	return age <= e.cfg.PriceHintMaxAge
}

// latestPrice is the close of the newest candle.
func (e *Engine) latestPrice(ctx context.Context, symbol string) (model.Price, error) {
	candles, err := e.prices.Latest(ctx, symbol, e.cfg.Interval, 1)
	if err != nil {
		e.metrics.PriceLookupErr.Inc()
		return model.Price{}, orderErr(ErrPriceUnavailable, "no price for %s: %v", symbol, err)
	}
	if len(candles) == 0 || !candles[0].Close.IsPositive() {
		e.metrics.PriceLookupErr.Inc()
		return model.Price{}, orderErr(ErrPriceUnavailable, "no price for %s", symbol)
	}
	return candles[0].Close, nil
}

// priceAt is the close at or before ts, falling back to the latest close.
func (e *Engine) priceAt(ctx context.Context, symbol string, ts time.Time) (model.Price, error) {
	p, ok, err := e.prices.PriceAt(ctx, symbol, e.cfg.Interval, ts)
	if err != nil {
		e.metrics.PriceLookupErr.Inc()
		return model.Price{}, orderErr(ErrPriceUnavailable, "no price for %s at %s: %v", symbol, ts.Format(time.RFC3339), err)
	}
	if ok && p.IsPositive() {
		return p, nil
	}
	return e.latestPrice(ctx, symbol)
}

func (e *Engine) admitted(ctx context.Context, o model.Order) {
	e.countOrder(o.Type, o.Side, o.Status)
	e.log.Info("order accepted", append(logger.LogWithTrace(ctx),
		"order_id", o.ID, "user_id", o.UserID, "symbol", o.Symbol, "side", o.Side,
		"type", o.Type, "qty", o.Quantity, "status", o.Status, "blocked", o.BlockedAmount.String())...)
	if o.Status == model.StatusQueued {
		e.notify(ctx, o)
	}
}

func (e *Engine) countOrder(t model.OrderType, s model.Side, st model.OrderStatus) {
	e.metrics.OrdersTotal.WithLabelValues(string(t), string(s), string(st)).Inc()
}

func (e *Engine) notify(ctx context.Context, o model.Order) {
	if e.notifier == nil {
		return
	}
	ev := notification.Event{
		OrderID:  o.ID,
		UserID:   o.UserID,
		Symbol:   o.Symbol,
		Side:     string(o.Side),
		Type:     string(o.Type),
		Status:   string(o.Status),
		Quantity: o.Quantity,
		Reason:   o.Reason,
		At:       o.UpdatedAt,
	}
	if o.FilledPrice != nil {
		ev.Price = o.FilledPrice.String()
	} else if o.LimitPrice != nil {
		ev.Price = o.LimitPrice.String()
	}
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.log.Warn("notify failed", "order_id", o.ID, "err", err)
	}
}
