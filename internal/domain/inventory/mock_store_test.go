package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- Mock Store --
//
// mockStore keeps copies of every record in maps. InTx serialises units of
// work and restores a snapshot when fn fails, so tests observe the same
// all-or-nothing behaviour as the SQL stores.

type mockTxKey struct{}

type mockStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	products     map[uuid.UUID]Product
	lots         map[uuid.UUID]StockLot
	transactions map[uuid.UUID]Transaction
	movements    []LotMovement

	// failMovement makes the next movement insert fail.
	failMovement error
	seq          int
}

func newMockStore() *mockStore {
	return &mockStore{
		products:     make(map[uuid.UUID]Product),
		lots:         make(map[uuid.UUID]StockLot),
		transactions: make(map[uuid.UUID]Transaction),
	}
}

func (s *mockStore) Products() ProductRepository         { return (*mockProductRepo)(s) }
func (s *mockStore) Lots() LotRepository                 { return (*mockLotRepo)(s) }
func (s *mockStore) Transactions() TransactionRepository { return (*mockTransactionRepo)(s) }
func (s *mockStore) Movements() MovementRepository       { return (*mockMovementRepo)(s) }

type mockSnapshot struct {
	products     map[uuid.UUID]Product
	lots         map[uuid.UUID]StockLot
	transactions map[uuid.UUID]Transaction
	movements    []LotMovement
}

func (s *mockStore) snapshot() mockSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := mockSnapshot{
		products:     make(map[uuid.UUID]Product, len(s.products)),
		lots:         make(map[uuid.UUID]StockLot, len(s.lots)),
		transactions: make(map[uuid.UUID]Transaction, len(s.transactions)),
		movements:    append([]LotMovement(nil), s.movements...),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.lots {
		snap.lots[k] = v
	}
	for k, v := range s.transactions {
		snap.transactions[k] = v
	}
	return snap
}

func (s *mockStore) restore(snap mockSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = snap.products
	s.lots = snap.lots
	s.transactions = snap.transactions
	s.movements = snap.movements
}

func (s *mockStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(mockTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, mockTxKey{}, true)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// nextTime hands out strictly increasing creation times so FIFO tie-breaks
// are deterministic.
func (s *mockStore) nextTime() time.Time {
	s.seq++
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second)
}

// seedLot inserts a lot directly, bypassing the ledger.
func (s *mockStore) seedLot(productID uuid.UUID, lotNumber string, expiry *time.Time, current, reserved int64, cost string) *StockLot {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := StockLot{
		ID:            uuid.New(),
		ProductID:     productID,
		ExpiryDate:    normalizeDate(expiry),
		CurrentStock:  current,
		ReservedStock: reserved,
		AverageCost:   decimal.RequireFromString(cost),
		CreatedAt:     s.nextTime(),
	}
	if lotNumber != "" {
		l.LotNumber = &lotNumber
	}
	l.recompute()
	l.LastUpdated = l.CreatedAt
	s.lots[l.ID] = l
	out := l
	return &out
}

func (s *mockStore) lot(id uuid.UUID) StockLot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lots[id]
}

func (s *mockStore) productLots(productID uuid.UUID) []*StockLot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StockLot
	for _, l := range s.lots {
		if l.ProductID == productID {
			l := l
			out = append(out, &l)
		}
	}
	SortFIFO(out)
	return out
}

func (s *mockStore) movementCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.movements)
}

// -- Products --

type mockProductRepo mockStore

func (r *mockProductRepo) Create(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for _, existing := range r.products {
		if existing.Code == p.Code {
			return fmt.Errorf("%w: product code %s already exists", ErrValidation, p.Code)
		}
	}
	r.products[p.ID] = *p
	return nil
}

func (r *mockProductRepo) GetByID(_ context.Context, id uuid.UUID) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	return &p, nil
}

func (r *mockProductRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Product, error) {
	if ctx.Value(mockTxKey{}) == nil {
		return nil, fmt.Errorf("product lock taken outside a unit of work")
	}
	return r.GetByID(ctx, id)
}

func (r *mockProductRepo) GetByCode(_ context.Context, code string) (*Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.products {
		if p.Code == code {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: product code %s", ErrNotFound, code)
}

func (r *mockProductRepo) Update(_ context.Context, p *Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[p.ID]; !ok {
		return fmt.Errorf("%w: product %s", ErrNotFound, p.ID)
	}
	r.products[p.ID] = *p
	return nil
}

func (r *mockProductRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[id]; !ok {
		return fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	delete(r.products, id)
	return nil
}

func (r *mockProductRepo) List(_ context.Context, filter ProductFilter, limit, offset int) ([]*Product, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*Product
	for _, p := range r.products {
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		if filter.Active != nil && p.Active != *filter.Active {
			continue
		}
		if q := strings.ToLower(filter.Query); q != "" &&
			!strings.Contains(strings.ToLower(p.Name), q) && !strings.Contains(strings.ToLower(p.Code), q) {
			continue
		}
		p := p
		result = append(result, &p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], total, nil
}

func (r *mockProductRepo) LowStock(_ context.Context) ([]*LowStockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*LowStockItem
	for _, p := range r.products {
		if !p.Active || p.MinStock <= 0 {
			continue
		}
		var available int64
		for _, l := range r.lots {
			if l.ProductID == p.ID {
				available += l.AvailableStock
			}
		}
		if available <= p.MinStock {
			p := p
			items = append(items, &LowStockItem{Product: &p, Available: available, Shortage: p.MinStock - available})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Product.Name < items[j].Product.Name })
	return items, nil
}

// -- Lots --

type mockLotRepo mockStore

func (r *mockLotRepo) Create(_ context.Context, l *StockLot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	for _, existing := range r.lots {
		if existing.ProductID == l.ProductID && existing.Matches(l.LotNumber, l.ExpiryDate) {
			return fmt.Errorf("%w: lot already exists", ErrValidation)
		}
	}
	l.CreatedAt = (*mockStore)(r).nextTime()
	r.lots[l.ID] = *l
	return nil
}

func (r *mockLotRepo) Update(_ context.Context, l *StockLot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lots[l.ID]; !ok {
		return fmt.Errorf("%w: lot %s", ErrNotFound, l.ID)
	}
	if l.ReservedStock < 0 || l.ReservedStock > l.CurrentStock {
		return fmt.Errorf("%w: lot %s violates reserved <= current", ErrInvalidState, l.ID)
	}
	r.lots[l.ID] = *l
	return nil
}

func (r *mockLotRepo) FindByKey(_ context.Context, productID uuid.UUID, lotNumber *string, expiry *time.Time) (*StockLot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lots {
		if l.ProductID == productID && l.Matches(lotNumber, expiry) {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("%w: lot for product %s", ErrNotFound, productID)
}

func (r *mockLotRepo) ListByProduct(_ context.Context, productID uuid.UUID, includeEmpty bool) ([]*StockLot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StockLot
	for _, l := range r.lots {
		if l.ProductID != productID || (!includeEmpty && l.CurrentStock == 0) {
			continue
		}
		l := l
		out = append(out, &l)
	}
	SortFIFO(out)
	return out, nil
}

func (r *mockLotRepo) ExpiringBefore(_ context.Context, cutoff time.Time) ([]*StockLot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StockLot
	for _, l := range r.lots {
		if l.CurrentStock > 0 && l.ExpiryDate != nil && !l.ExpiryDate.After(cutoff) {
			l := l
			out = append(out, &l)
		}
	}
	SortFIFO(out)
	return out, nil
}

// -- Transactions --

type mockTransactionRepo mockStore

func (r *mockTransactionRepo) Create(_ context.Context, t *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	r.transactions[t.ID] = *t
	return nil
}

func (r *mockTransactionRepo) GetByID(_ context.Context, id uuid.UUID) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return &t, nil
}

func (r *mockTransactionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r *mockTransactionRepo) Update(_ context.Context, t *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[t.ID]; !ok {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, t.ID)
	}
	r.transactions[t.ID] = *t
	return nil
}

func (r *mockTransactionRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transactions, id)
	return nil
}

func (r *mockTransactionRepo) List(_ context.Context, filter TransactionFilter, limit, offset int) ([]*Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*Transaction
	for _, t := range r.transactions {
		switch {
		case filter.ProductID != nil && t.ProductID != *filter.ProductID,
			filter.Direction != "" && t.Direction != filter.Direction,
			filter.Subtype != "" && t.Subtype != filter.Subtype,
			filter.Status != "" && t.ApprovalStatus != filter.Status,
			filter.From != nil && t.TransactionDate.Before(*filter.From),
			filter.To != nil && !t.TransactionDate.Before(*filter.To):
			continue
		}
		t := t
		result = append(result, &t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TransactionDate.After(result[j].TransactionDate) })
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(result) {
		end = len(result)
	}
	return result[offset:end], total, nil
}

func (r *mockTransactionRepo) CountByProduct(_ context.Context, productID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transactions {
		if t.ProductID == productID {
			n++
		}
	}
	return n, nil
}

func (r *mockTransactionRepo) Summary(_ context.Context, from, to time.Time) ([]*SummaryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type key struct {
		product   uuid.UUID
		direction Direction
	}
	rows := make(map[key]*SummaryRow)
	for _, t := range r.transactions {
		if t.ApprovalStatus != StatusApproved || t.TransactionDate.Before(from) || !t.TransactionDate.Before(to) {
			continue
		}
		k := key{t.ProductID, t.Direction}
		row, ok := rows[k]
		if !ok {
			row = &SummaryRow{ProductID: t.ProductID, Direction: t.Direction}
			rows[k] = row
		}
		row.Count++
		row.Quantity += t.Quantity
		row.Unfulfilled += t.RemainingQuantity
		row.TotalCost = row.TotalCost.Add(t.TotalCost)
	}
	out := make([]*SummaryRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID.String() < out[j].ProductID.String()
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

// -- Movements --

type mockMovementRepo mockStore

func (r *mockMovementRepo) Create(_ context.Context, m *LotMovement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMovement != nil {
		err := r.failMovement
		r.failMovement = nil
		return err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	r.movements = append(r.movements, *m)
	return nil
}

func (r *mockMovementRepo) ListByTransaction(_ context.Context, transactionID uuid.UUID) ([]*LotMovement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*LotMovement
	for _, m := range r.movements {
		if m.TransactionID == transactionID {
			m := m
			out = append(out, &m)
		}
	}
	return out, nil
}
