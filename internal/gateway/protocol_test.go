package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"papertrade/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"acb", "ACB", true},
		{" vnm ", "VNM", true},
		{"VN30F1M", "VN30F1M", true},
		{"BRK.B", "BRK.B", true},
		{"", "", false},
		{"-ACB", "-ACB", false},
		{`AC"B`, `AC"B`, false},
		{"ABCDEFGHIJKLMNOPQ", "ABCDEFGHIJKLMNOPQ", false},
	}
	for _, c := range cases {
		got, ok := NormalizeSymbol(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.want, got)
		}
	}
}

func TestParseSymbols(t *testing.T) {
	assert.Equal(t, []string{"ACB", "VNM"}, ParseSymbols("acb, VNM,acb,,bad sym"))
	assert.Nil(t, ParseSymbols(""))
}

func TestEncodeUpdate(t *testing.T) {
	c := model.Candle{
		TS:               time.Unix(1717383600, 0),
		Open:             model.MustPrice("25"),
		High:             model.MustPrice("25.5"),
		Low:              model.MustPrice("24.9"),
		Close:            model.MustPrice("25.2"),
		Volume:           200,
		GrossTradeAmount: 5030,
	}
	var msg struct {
		Type   string     `json:"type"`
		Symbol string     `json:"symbol"`
		Data   WireCandle `json:"data"`
	}
	require.NoError(t, json.Unmarshal(encodeUpdate("ACB", c), &msg))

	assert.Equal(t, TypeCandleUpdate, msg.Type)
	assert.Equal(t, "ACB", msg.Symbol)
	assert.Equal(t, ToWire(c), msg.Data)
	assert.Equal(t, int64(1717383600), msg.Data.Time)
	assert.InDelta(t, 25.15, msg.Data.VWAP, 1e-9)
}

func TestEncodeHistoricalIsOldestFirst(t *testing.T) {
	newestFirst := []model.Candle{
		candle("ACB", t0.Add(2*time.Minute), "27", 1),
		candle("ACB", t0.Add(time.Minute), "26", 1),
		candle("ACB", t0, "25", 1),
	}
	var msg HistoricalMsg
	require.NoError(t, json.Unmarshal(encodeHistorical("ACB", newestFirst), &msg))

	assert.Equal(t, TypeHistorical, msg.Type)
	require.Len(t, msg.Data, 3)
	assert.Equal(t, 25.0, msg.Data[0].Close)
	assert.Equal(t, 27.0, msg.Data[2].Close)
}

func TestEncodeHistoricalEmpty(t *testing.T) {
	assert.JSONEq(t, `{"type":"historical","symbol":"ACB","data":[]}`, string(encodeHistorical("ACB", nil)))
}

func TestEncodeConnected(t *testing.T) {
	assert.JSONEq(t, `{"type":"connected","symbols":[]}`, string(encodeConnected(nil)))
	assert.JSONEq(t, `{"type":"error","error":"bad"}`, string(encodeError("bad")))
}
