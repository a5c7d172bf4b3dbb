package model

import "testing"

func TestOrderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusFilled, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusQueued, false},
		{StatusQueued, StatusFilled, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusRejected, false},
		{StatusFilled, StatusCancelled, false},
		{StatusCancelled, StatusFilled, false},
		{StatusRejected, StatusPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderType_IsAuction(t *testing.T) {
	for typ, want := range map[OrderType]bool{
		OrderATO: true, OrderATC: true, OrderMarket: false, OrderLimit: false,
	} {
		if got := typ.IsAuction(); got != want {
			t.Errorf("%s.IsAuction() = %v, want %v", typ, got, want)
		}
	}
}
