package gateway

import (
	"strconv"
	"time"

	"papertrade/internal/model"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
)

// Decision is the outcome of observing a candle.
type Decision int

const (
	// Push means the candle is new or revised and should be fanned out.
	Push Decision = iota
	// Duplicate means nothing changed since the last observation.
	Duplicate
	// Noise means the close jumped implausibly far from the last accepted close.
	Noise
)

func (d Decision) String() string {
	switch d {
	case Push:
		return "push"
	case Duplicate:
		return "duplicate"
	case Noise:
		return "noise"
	}
	return "unknown"
}

// Fingerprint hashes a candle's open, high, low, close and volume.
func Fingerprint(c model.Candle) uint64 {
	d := xxhash.New()
	d.WriteString(c.Open.String())
	d.WriteString("|")
	d.WriteString(c.High.String())
	d.WriteString("|")
	d.WriteString(c.Low.String())
	d.WriteString("|")
	d.WriteString(c.Close.String())
	d.WriteString("|")
	d.WriteString(strconv.FormatInt(c.Volume, 10))
	return d.Sum64()
}

type lastSeen struct {
	ts          time.Time
	fp          uint64
	accepted    model.Price
	hasAccepted bool
	suspect     model.Price // last close rejected as noise
	hasSuspect  bool
}

// Deduper decides per symbol whether a freshly polled candle is worth
// pushing. It is not safe for concurrent use; the broadcaster polls from a
// single goroutine.
type Deduper struct {
	threshold decimal.Decimal
	last      map[string]lastSeen
}

// NewDeduper creates a deduper that treats a close moving more than
// threshold (a fraction, e.g. 0.2) away from the last accepted close as noise.
func NewDeduper(threshold float64) *Deduper {
	return &Deduper{
		threshold: decimal.NewFromFloat(threshold),
		last:      make(map[string]lastSeen),
	}
}

// Observe records c and returns what to do with it.
//
// A candle is pushed when its timestamp advanced, or when the timestamp is
// unchanged but the OHLCV fingerprint differs. A candle that passes that
// check but fails the noise filter is still recorded as seen, so the same
// bad tick is reported as Duplicate on the next poll rather than
// re-evaluated, and the accepted close stays where it was.
//
// A rejected close is kept as a suspect level. When the next candle lands
// within the threshold of it, the move is confirmed and that candle is
// pushed as the new reference, so a real gap costs one suppressed candle.
func (d *Deduper) Observe(c model.Candle) Decision {
	fp := Fingerprint(c)
	prev, seen := d.last[c.Symbol]
	if seen {
		switch {
		case c.TS.Before(prev.ts):
			return Duplicate
		case c.TS.Equal(prev.ts) && fp == prev.fp:
			return Duplicate
		}
	}

	next := lastSeen{ts: c.TS, fp: fp, accepted: prev.accepted, hasAccepted: prev.hasAccepted}
	confirmed := prev.hasSuspect && !d.implausible(prev.suspect, c.Close)
	if prev.hasAccepted && !confirmed && d.implausible(prev.accepted, c.Close) {
		next.suspect = c.Close
		next.hasSuspect = true
		d.last[c.Symbol] = next
		return Noise
	}
	next.accepted = c.Close
	next.hasAccepted = true
	d.last[c.Symbol] = next
	return Push
}

func (d *Deduper) implausible(ref, px model.Price) bool {
	if !ref.IsPositive() {
		return false
	}
	change := px.Decimal().Sub(ref.Decimal()).Abs().Div(ref.Decimal())
	return change.GreaterThan(d.threshold)
}

// Forget drops the state for symbol.
func (d *Deduper) Forget(symbol string) {
	delete(d.last, symbol)
}
