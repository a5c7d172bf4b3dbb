// Package memory provides in-process implementations of the storage ports.
// Update transactions are serialised and staged, so a failing callback
// leaves no partial writes behind.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"papertrade/internal/model"
)

var errReadOnly = errors.New("memory: write in read-only transaction")

// Store is a transactional in-memory model.Store.
type Store struct {
	mu         sync.RWMutex
	initial    model.Money
	now        func() time.Time
	portfolios map[string]model.Portfolio
	orders     map[string]model.Order
	orderSeq   []string
	positions  map[string]model.Position
}

// New creates an empty store. Portfolios are created with initial cash.
func New(initial model.Money) *Store {
	return &Store{
		initial:    initial,
		now:        time.Now,
		portfolios: make(map[string]model.Portfolio),
		orders:     make(map[string]model.Order),
		positions:  make(map[string]model.Position),
	}
}

// Update runs fn under the write lock and commits its staged writes on success.
func (s *Store) Update(ctx context.Context, fn func(model.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn under the read lock.
func (s *Store) View(ctx context.Context, fn func(model.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newTx(s, true))
}

func (s *Store) Close() error { return nil }

func posKey(userID, symbol string) string { return userID + ":" + symbol }

// tx stages writes over the store's maps until commit.
type tx struct {
	s        *Store
	readOnly bool

	portfolios map[string]model.Portfolio
	orders     map[string]model.Order
	newOrders  []string
	positions  map[string]*model.Position // nil value = deleted
}

func newTx(s *Store, readOnly bool) *tx {
	return &tx{
		s:          s,
		readOnly:   readOnly,
		portfolios: make(map[string]model.Portfolio),
		orders:     make(map[string]model.Order),
		positions:  make(map[string]*model.Position),
	}
}

func (t *tx) commit() {
	for k, p := range t.portfolios {
		t.s.portfolios[k] = p
	}
	for k, o := range t.orders {
		t.s.orders[k] = o
	}
	t.s.orderSeq = append(t.s.orderSeq, t.newOrders...)
	for k, p := range t.positions {
		if p == nil {
			delete(t.s.positions, k)
			continue
		}
		t.s.positions[k] = *p
	}
}

func (t *tx) Portfolio(userID string) (model.Portfolio, error) {
	if p, ok := t.portfolios[userID]; ok {
		return p, nil
	}
	if p, ok := t.s.portfolios[userID]; ok {
		return p, nil
	}
	p := model.Portfolio{
		UserID:     userID,
		Cash:       t.s.initial,
		TotalValue: t.s.initial,
		UpdatedAt:  t.s.now(),
	}
	if !t.readOnly {
		t.portfolios[userID] = p
	}
	return p, nil
}

func (t *tx) SavePortfolio(p model.Portfolio) error {
	if t.readOnly {
		return errReadOnly
	}
	t.portfolios[p.UserID] = p
	return nil
}

func (t *tx) InsertOrder(o model.Order) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, err := t.Order(o.ID); err == nil {
		return errors.New("memory: duplicate order id " + o.ID)
	}
	t.orders[o.ID] = o
	t.newOrders = append(t.newOrders, o.ID)
	return nil
}

func (t *tx) Order(id string) (model.Order, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	if o, ok := t.s.orders[id]; ok {
		return o, nil
	}
	return model.Order{}, model.ErrNotFound
}

func (t *tx) TransitionOrder(o model.Order, from model.OrderStatus) error {
	if t.readOnly {
		return errReadOnly
	}
	cur, err := t.Order(o.ID)
	if err != nil {
		return err
	}
	if cur.Status != from {
		return model.ErrConflict
	}
	t.orders[o.ID] = o
	return nil
}

// allOrders returns committed plus staged orders in creation order.
func (t *tx) allOrders() []model.Order {
	ids := make([]string, 0, len(t.s.orderSeq)+len(t.newOrders))
	ids = append(ids, t.s.orderSeq...)
	ids = append(ids, t.newOrders...)
	out := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		if o, err := t.Order(id); err == nil {
			out = append(out, o)
		}
	}
	return out
}

func (t *tx) OrdersByUser(userID string, limit int) ([]model.Order, error) {
	all := t.allOrders()
	var out []model.Order
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].UserID != userID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *tx) OrdersByStatus(userID string, statuses []model.OrderStatus, types []model.OrderType) ([]model.Order, error) {
	var out []model.Order
	for _, o := range t.allOrders() {
		if userID != "" && o.UserID != userID {
			continue
		}
		if !containsStatus(statuses, o.Status) || (len(types) > 0 && !containsType(types, o.Type)) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (t *tx) FilledQuantity(userID, symbol string) (int64, int64, error) {
	var bought, sold int64
	for _, o := range t.allOrders() {
		if o.UserID != userID || o.Symbol != symbol || o.Status != model.StatusFilled {
			continue
		}
		if o.Side == model.SideBuy {
			bought += o.FilledQuantity
		} else {
			sold += o.FilledQuantity
		}
	}
	return bought, sold, nil
}

func (t *tx) Position(userID, symbol string) (model.Position, bool, error) {
	k := posKey(userID, symbol)
	if p, staged := t.positions[k]; staged {
		if p == nil {
			return model.Position{}, false, nil
		}
		return *p, true, nil
	}
	p, ok := t.s.positions[k]
	return p, ok, nil
}

func (t *tx) Positions(userID string) ([]model.Position, error) {
	seen := make(map[string]bool)
	var out []model.Position
	for k, p := range t.positions {
		seen[k] = true
		if p != nil && p.UserID == userID {
			out = append(out, *p)
		}
	}
	for k, p := range t.s.positions {
		if !seen[k] && p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (t *tx) SavePosition(p model.Position) error {
	if t.readOnly {
		return errReadOnly
	}
	cp := p
	t.positions[posKey(p.UserID, p.Symbol)] = &cp
	return nil
}

func (t *tx) DeletePosition(userID, symbol string) error {
	if t.readOnly {
		return errReadOnly
	}
	t.positions[posKey(userID, symbol)] = nil
	return nil
}

func containsStatus(list []model.OrderStatus, s model.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []model.OrderType, t model.OrderType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
