package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the trading engine and the broadcaster from the
// concrete stores (SQLite, Redis, memory).

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set on order status loses.
	ErrConflict = errors.New("concurrent modification")
)

// MarketDataSource is a read-only view over the OHLCV store.
type MarketDataSource interface {
	// Latest returns up to limit candles, newest first.
	Latest(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// PriceAt returns the close of the last candle at or before ts.
	// ok is false when there is no such candle.
	PriceAt(ctx context.Context, symbol, interval string, ts time.Time) (p Price, ok bool, err error)

	// Range returns candles starting within [from, to], oldest first. When
	// more than limit match, the newest limit are kept. limit <= 0 means no
	// limit.
	Range(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]Candle, error)
}

// Store runs trading mutations inside a single transaction boundary.
type Store interface {
	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it wrote becomes visible.
	Update(ctx context.Context, fn func(Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// Portfolio returns the user's portfolio, creating it on first access.
	Portfolio(userID string) (Portfolio, error)
	SavePortfolio(p Portfolio) error

	InsertOrder(o Order) error
	Order(id string) (Order, error)
	// TransitionOrder writes o only if the stored status still equals from.
	// Returns ErrConflict otherwise.
	TransitionOrder(o Order, from OrderStatus) error
	OrdersByUser(userID string, limit int) ([]Order, error)
	// OrdersByStatus lists orders (all users when userID is "") in creation order.
	OrdersByStatus(userID string, statuses []OrderStatus, types []OrderType) ([]Order, error)
	// FilledQuantity sums filled BUY and SELL quantities for user/symbol.
	FilledQuantity(userID, symbol string) (bought, sold int64, err error)

	Position(userID, symbol string) (Position, bool, error)
	Positions(userID string) ([]Position, error)
	SavePosition(p Position) error
	DeletePosition(userID, symbol string) error
}
