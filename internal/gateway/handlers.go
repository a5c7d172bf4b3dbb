package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"papertrade/internal/execution"
	"papertrade/internal/markethours"
	"papertrade/internal/model"

	"github.com/gorilla/websocket"
)

// UserHeader carries the caller's identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FillLister reads the fill journal.
type FillLister interface {
	Fills(ctx context.Context, userID string, limit int) ([]execution.Fill, error)
}

// API serves the trading REST routes and the market-data WebSocket.
type API struct {
	eng      *execution.Engine
	b        *Broadcaster
	gate     *markethours.Gate
	prices   model.MarketDataSource
	fills    FillLister
	interval string
	log      *slog.Logger
}

// NewAPI wires the HTTP surface. fills may be nil.
func NewAPI(eng *execution.Engine, b *Broadcaster, gate *markethours.Gate, prices model.MarketDataSource, fills FillLister, interval string, log *slog.Logger) *API {
	return &API{eng: eng, b: b, gate: gate, prices: prices, fills: fills, interval: interval, log: log.With("component", "api")}
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+UserHeader)
}

// Handler returns the routed, CORS-wrapped handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", a.handleWS)

	mux.HandleFunc("POST /api/orders", a.withUser(a.createOrder))
	mux.HandleFunc("GET /api/orders", a.withUser(a.listOrders))
	mux.HandleFunc("GET /api/orders/{id}", a.withUser(a.getOrder))
	mux.HandleFunc("DELETE /api/orders/{id}", a.withUser(a.cancelOrder))

	mux.HandleFunc("GET /api/portfolio/summary", a.withUser(a.summary))
	mux.HandleFunc("POST /api/portfolio/deposit", a.withUser(a.deposit))
	mux.HandleFunc("POST /api/portfolio/reset", a.withUser(a.reset))
	mux.HandleFunc("POST /api/portfolio/reconcile", a.withUser(a.reconcile))
	mux.HandleFunc("GET /api/fills", a.withUser(a.listFills))

	mux.HandleFunc("POST /api/sweeps/queued", a.sweepQueued)
	mux.HandleFunc("POST /api/sweeps/limit", a.sweepLimit)

	mux.HandleFunc("GET /api/candles/latest", a.latestCandles)
	mux.HandleFunc("GET /api/candles/historical", a.historicalCandles)
	mux.HandleFunc("GET /api/market/status", a.marketStatus)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + UserHeader + " header"})
			return
		}
		h(w, r, user)
	}
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("symbols")
	if raw == "" {
		raw = q.Get("symbol")
	}
	symbols := ParseSymbols(raw)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("ws upgrade error", "err", err)
		return
	}
	newClient(conn, a.b, a.log).serve(r.Context(), symbols)
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request, user string) {
	var req execution.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	o, err := a.eng.CreateOrder(r.Context(), user, req)
	if err != nil {
		a.writeError(w, err, &o)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request, user string) {
	orders, err := a.eng.Orders(r.Context(), user, queryInt(r, "limit", 50, 500))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request, user string) {
	o, err := a.eng.Order(r.Context(), user, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request, user string) {
	o, err := a.eng.CancelOrder(r.Context(), user, r.PathValue("id"))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) summary(w http.ResponseWriter, r *http.Request, user string) {
	asOf, ok := queryTime(w, r, "as_of")
	if !ok {
		return
	}
	var (
		s   execution.Summary
		err error
	)
	if asOf != nil {
		s, err = a.eng.UpdatePortfolioValue(r.Context(), user, asOf)
	} else {
		s, err = a.eng.GetPortfolioSummary(r.Context(), user)
	}
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type amountRequest struct {
	Amount model.Money `json:"amount"`
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, user string) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	s, err := a.eng.Deposit(r.Context(), user, req.Amount)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) reset(w http.ResponseWriter, r *http.Request, user string) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	s, err := a.eng.ResetBalance(r.Context(), user, req.Amount)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) reconcile(w http.ResponseWriter, r *http.Request, user string) {
	bad, err := a.eng.ReconcilePositions(r.Context(), user)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": len(bad), "discrepancies": bad})
}

func (a *API) listFills(w http.ResponseWriter, r *http.Request, user string) {
	if a.fills == nil {
		writeJSON(w, http.StatusOK, []execution.Fill{})
		return
	}
	fills, err := a.fills.Fills(r.Context(), user, queryInt(r, "limit", 50, 500))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	if fills == nil {
		fills = []execution.Fill{}
	}
	writeJSON(w, http.StatusOK, fills)
}

func (a *API) sweepQueued(w http.ResponseWriter, r *http.Request) {
	rep, err := a.eng.SweepQueuedMarketOrders(r.Context())
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) sweepLimit(w http.ResponseWriter, r *http.Request) {
	asOf, ok := queryTime(w, r, "as_of")
	if !ok {
		return
	}
	rep, err := a.eng.SweepLimitOrders(r.Context(), asOf)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) latestCandles(w http.ResponseWriter, r *http.Request) {
	sym, ok := NormalizeSymbol(r.URL.Query().Get("symbol"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	candles, err := a.prices.Latest(r.Context(), sym, a.interval, queryInt(r, "limit", 100, 1000))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	out := make([]WireCandle, len(candles))
	for i, c := range candles {
		out[len(candles)-1-i] = ToWire(c)
	}
	writeJSON(w, http.StatusOK, out)
}

var candleIntervals = map[string]bool{"1m": true, "5m": true, "1h": true, "1d": true}

// historicalCandles serves candles within [start_time, end_time], oldest
// first. The window defaults to the seven days before now.
func (a *API) historicalCandles(w http.ResponseWriter, r *http.Request) {
	sym, ok := NormalizeSymbol(r.URL.Query().Get("symbol"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol is required"})
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = a.interval
	}
	if !candleIntervals[interval] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "interval must be one of 1m, 5m, 1h, 1d"})
		return
	}
	start, ok := queryTime(w, r, "start_time")
	if !ok {
		return
	}
	end, ok := queryTime(w, r, "end_time")
	if !ok {
		return
	}
	to := a.gate.Now()
	if end != nil {
		to = *end
	}
	from := to.Add(-7 * 24 * time.Hour)
	if start != nil {
		from = *start
	}
	if to.Before(from) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end_time is before start_time"})
		return
	}

	candles, err := a.prices.Range(r.Context(), sym, interval, from, to, queryInt(r, "limit", 100, 10000))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	out := make([]WireCandle, len(candles))
	for i, c := range candles {
		out[i] = ToWire(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":     sym,
		"interval":   interval,
		"start_time": from.Format(time.RFC3339),
		"end_time":   to.Format(time.RFC3339),
		"count":      len(out),
		"data":       out,
	})
}

func (a *API) marketStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"open":         a.gate.IsOpen(),
		"status":       a.gate.Status(),
		"next_session": a.gate.NextSession().Format(time.RFC3339),
	})
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, execution.ErrInsufficientShares), errors.Is(err, execution.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, execution.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, execution.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError responds with the error reason. When a rejected order was
// stored, it is included so the caller can see its final state.
func (a *API) writeError(w http.ResponseWriter, err error, o *model.Order) {
	code := StatusFor(err)
	body := map[string]any{"error": err.Error()}
	if code == http.StatusInternalServerError {
		a.log.Error("request failed", "err", err)
		body["error"] = "internal error"
	}
	if o != nil && o.ID != "" {
		body["order"] = o
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// queryTime parses an optional RFC3339 query parameter. On a malformed
// value it writes a 400 and returns ok=false.
func queryTime(w http.ResponseWriter, r *http.Request, key string) (*time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": key + " must be RFC3339"})
		return nil, false
	}
	return &t, true
}
