// Package notification delivers order lifecycle events to external channels
// (logs, webhooks, Telegram, NATS).
package notification

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// Event is an order state change worth telling someone about.
type Event struct {
	OrderID  string    `json:"order_id"`
	UserID   string    `json:"user_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Type     string    `json:"order_type"`
	Status   string    `json:"status"`
	Quantity int64     `json:"quantity"`
	Price    string    `json:"price,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Title is a one-line summary, e.g. "FILLED BUY 100 ACB".
func (e Event) Title() string {
	return e.Status + " " + e.Side + " " + strconv.FormatInt(e.Quantity, 10) + " " + e.Symbol
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Notify delivers an event. Returns error if delivery fails.
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.log.Info("order event",
		"order_id", ev.OrderID, "user_id", ev.UserID, "status", ev.Status,
		"symbol", ev.Symbol, "side", ev.Side, "qty", ev.Quantity, "price", ev.Price, "reason", ev.Reason)
	return nil
}

// Multi fans an event out to every backend and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers events from a bounded queue on a background goroutine so
// the order path never waits on a slow backend. Events are dropped when the
// queue is full.
type Async struct {
	next    Notifier
	queue   chan Event
	timeout time.Duration
	log     *slog.Logger
	done    chan struct{}
}

// NewAsync wraps next with a queue of size buf.
func NewAsync(next Notifier, buf int, log *slog.Logger) *Async {
	return &Async{
		next:    next,
		queue:   make(chan Event, buf),
		timeout: 10 * time.Second,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Notify enqueues ev without blocking.
func (a *Async) Notify(ctx context.Context, ev Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		a.log.Warn("notification queue full, dropping event", "order_id", ev.OrderID, "status", ev.Status)
		return nil
	}
}

// Run drains the queue until ctx is cancelled.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.next.Notify(sendCtx, ev); err != nil {
				a.log.Warn("notification delivery failed", "order_id", ev.OrderID, "err", err)
			}
			cancel()
		}
	}
}

// Done is closed when Run returns.
func (a *Async) Done() <-chan struct{} { return a.done }
