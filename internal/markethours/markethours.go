// Package markethours decides whether an order may execute immediately.
//
// REALTIME orders trade Monday–Friday in two sessions, 09:00–11:30 and
// 13:00–15:00 at UTC+7, both ends inclusive. PRACTICE orders always trade.
package markethours

import (
	"fmt"
	"time"

	"papertrade/internal/model"
)

// ICT is the exchange timezone (UTC+7).
var ICT = time.FixedZone("ICT", 7*3600)

// Session boundaries as minutes after midnight, exchange time.
const (
	MorningOpen    = 9 * 60
	MorningClose   = 11*60 + 30
	AfternoonOpen  = 13 * 60
	AfternoonClose = 15 * 60
)

// Reasons returned by CanTrade when REALTIME trading is closed.
const (
	ReasonWeekend      = "trading only runs Monday to Friday"
	ReasonOutsideHours = "outside trading hours (09:00-11:30 and 13:00-15:00)"
)

// Clock returns the current instant. Tests inject a fixed one.
type Clock func() time.Time

// Gate answers trading-hours questions against an injected clock.
type Gate struct {
	now Clock
}

// NewGate creates a Gate. A nil clock uses time.Now.
func NewGate(now Clock) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{now: now}
}

// Now returns the gate's current instant.
func (g *Gate) Now() time.Time { return g.now() }

// CanTrade reports whether an order in mode may execute now, with a reason
// when it may not.
func (g *Gate) CanTrade(mode model.Mode) (bool, string) {
	if mode == model.ModePractice {
		return true, ""
	}
	return CanTradeAt(g.now())
}

// IsOpen reports whether the REALTIME market is open now.
func (g *Gate) IsOpen() bool {
	ok, _ := CanTradeAt(g.now())
	return ok
}

// NextSession returns the start of the next session after now, or now's
// session start when already inside one.
func (g *Gate) NextSession() time.Time { return NextSession(g.now()) }

// Status returns a human-readable market status.
func (g *Gate) Status() string { return StatusString(g.now()) }

// CanTradeAt is the pure form of CanTrade for REALTIME mode.
func CanTradeAt(t time.Time) (bool, string) {
	if !IsWeekday(t) {
		return false, ReasonWeekend
	}
	if !InSession(t) {
		return false, ReasonOutsideHours
	}
	return true, ""
}

// IsWeekday returns true if t is Mon–Fri in exchange time.
func IsWeekday(t time.Time) bool {
	wd := t.In(ICT).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// InSession reports whether the clock time of t falls in either session,
// ignoring the weekday. Seconds count: 11:30:59 is outside.
func InSession(t time.Time) bool {
	ict := t.In(ICT)
	sec := ict.Hour()*3600 + ict.Minute()*60 + ict.Second()
	in := func(open, close int) bool { return sec >= open*60 && sec <= close*60 }
	return in(MorningOpen, MorningClose) || in(AfternoonOpen, AfternoonClose)
}

// NextSession returns the next session open at or after t.
func NextSession(t time.Time) time.Time {
	ict := t.In(ICT)
	day := time.Date(ict.Year(), ict.Month(), ict.Day(), 0, 0, 0, 0, ICT)

	if IsWeekday(ict) {
		if InSession(ict) {
			if hm := ict.Hour()*60 + ict.Minute(); hm <= MorningClose {
				return day.Add(MorningOpen * time.Minute)
			}
			return day.Add(AfternoonOpen * time.Minute)
		}
		for _, open := range []int{MorningOpen, AfternoonOpen} {
			if at := day.Add(time.Duration(open) * time.Minute); ict.Before(at) {
				return at
			}
		}
	}

	d := day.AddDate(0, 0, 1)
	for i := 0; i < 7; i++ {
		if IsWeekday(d) {
			return d.Add(MorningOpen * time.Minute)
		}
		d = d.AddDate(0, 0, 1)
	}
	return d.Add(MorningOpen * time.Minute)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if ok, _ := CanTradeAt(t); ok {
		return "Market Open"
	}
	next := NextSession(t).In(ICT)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
