package model

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderATO    OrderType = "ATO"
	OrderATC    OrderType = "ATC"
)

// IsAuction reports whether the price is decided by an opening/closing auction.
func (t OrderType) IsAuction() bool { return t == OrderATO || t == OrderATC }

type Mode string

const (
	ModeRealtime Mode = "REALTIME"
	ModePractice Mode = "PRACTICE"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusQueued    OrderStatus = "QUEUED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// CanTransition encodes the order state machine:
// PENDING -> FILLED|CANCELLED|REJECTED, QUEUED -> FILLED|CANCELLED.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusFilled || to == StatusCancelled || to == StatusRejected
	case StatusQueued:
		return to == StatusFilled || to == StatusCancelled
	}
	return false
}

// Order is a virtual order. Identity fields never change after insert.
type Order struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Type          OrderType  `json:"order_type"`
	Quantity      int64      `json:"quantity"`
	LimitPrice    *Price     `json:"limit_price,omitempty"`
	Mode          Mode       `json:"trading_mode"`
	ExecutionTime *time.Time `json:"execution_time,omitempty"`

	// RefPrice is the price the admission check used; BlockedAmount is the
	// cash reserved against it and is released exactly on fill or cancel.
	RefPrice      *Price `json:"ref_price,omitempty"`
	BlockedAmount Money  `json:"blocked_amount"`

	Status         OrderStatus `json:"status"`
	FilledQuantity int64       `json:"filled_quantity"`
	FilledPrice    *Price      `json:"filled_price,omitempty"`
	Reason         string      `json:"reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Open reports whether the order can still be filled or cancelled.
func (o *Order) Open() bool {
	return o.Status == StatusPending || o.Status == StatusQueued
}
