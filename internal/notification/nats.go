package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the lower-cased status, e.g.
// "papertrade.orders.filled".
const SubjectPrefix = "papertrade.orders."

// NATSNotifier publishes events as JSON on a per-status subject.
type NATSNotifier struct {
	nc *nats.Conn
}

// NewNATSNotifier connects to url.
func NewNATSNotifier(url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("papertrade"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSNotifier{nc: nc}, nil
}

// Subject returns the subject an event is published on.
func Subject(ev Event) string {
	return SubjectPrefix + strings.ToLower(ev.Status)
}

func (n *NATSNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal: %w", err)
	}
	if err := n.nc.Publish(Subject(ev), data); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() error {
	return n.nc.Drain()
}
