package gateway

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"papertrade/internal/model"
)

// ── WS Protocol Message Types ──

// Client → server actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Server → client frame types.
const (
	TypeHistorical   = "historical"
	TypeCandleUpdate = "candle_update"
	TypePong         = "pong"
	TypeConnected    = "connected"
	TypeError        = "error"
)

// ClientMsg is any client frame: {"action":"subscribe","symbol":"ACB"} or
// {"type":"ping"}.
type ClientMsg struct {
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// WireCandle is the candle shape sent to charts: unix-second time and
// float prices.
type WireCandle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	VWAP   float64 `json:"vwap"`
}

// ToWire converts a stored candle to its wire form.
func ToWire(c model.Candle) WireCandle {
	return WireCandle{
		Time:   c.TS.Unix(),
		Open:   c.Open.Float64(),
		High:   c.High.Float64(),
		Low:    c.Low.Float64(),
		Close:  c.Close.Float64(),
		Volume: c.Volume,
		VWAP:   c.VWAP().Float64(),
	}
}

// HistoricalMsg is the one-time snapshot sent on subscribe, oldest first.
type HistoricalMsg struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Data   []WireCandle `json:"data"`
}

// ConnectedMsg acknowledges a new connection.
type ConnectedMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// ErrorMsg reports a malformed or rejected client frame.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

var pongFrame = []byte(`{"type":"pong"}`)

var symbolRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]{0,15}$`)

// NormalizeSymbol upper-cases s and reports whether it is a valid ticker.
func NormalizeSymbol(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	return s, symbolRe.MatchString(s)
}

// ParseSymbols splits a comma-separated ?symbols= value, dropping invalid
// and duplicate entries.
func ParseSymbols(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		sym, ok := NormalizeSymbol(part)
		if !ok || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// encodeHistorical builds a historical frame from newest-first candles.
func encodeHistorical(symbol string, newestFirst []model.Candle) []byte {
	data := make([]WireCandle, len(newestFirst))
	for i, c := range newestFirst {
		data[len(newestFirst)-1-i] = ToWire(c)
	}
	b, _ := json.Marshal(HistoricalMsg{Type: TypeHistorical, Symbol: symbol, Data: data})
	return b
}

// encodeUpdate hand-crafts the candle_update envelope; the symbol has
// already passed NormalizeSymbol so it needs no escaping.
func encodeUpdate(symbol string, c model.Candle) []byte {
	w := ToWire(c)
	buf := make([]byte, 0, 192)
	buf = append(buf, `{"type":"candle_update","symbol":"`...)
	buf = append(buf, symbol...)
	buf = append(buf, `","data":{"time":`...)
	buf = strconv.AppendInt(buf, w.Time, 10)
	buf = appendFloatField(buf, "open", w.Open)
	buf = appendFloatField(buf, "high", w.High)
	buf = appendFloatField(buf, "low", w.Low)
	buf = appendFloatField(buf, "close", w.Close)
	buf = append(buf, `,"volume":`...)
	buf = strconv.AppendInt(buf, w.Volume, 10)
	buf = appendFloatField(buf, "vwap", w.VWAP)
	buf = append(buf, "}}"...)
	return buf
}

func appendFloatField(buf []byte, name string, v float64) []byte {
	buf = append(buf, `,"`...)
	buf = append(buf, name...)
	buf = append(buf, `":`...)
	return strconv.AppendFloat(buf, v, 'f', -1, 64)
}

func encodeConnected(symbols []string) []byte {
	if symbols == nil {
		symbols = []string{}
	}
	b, _ := json.Marshal(ConnectedMsg{Type: TypeConnected, Symbols: symbols})
	return b
}

func encodeError(msg string) []byte {
	b, _ := json.Marshal(ErrorMsg{Type: TypeError, Error: msg})
	return b
}
