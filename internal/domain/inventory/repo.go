package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lookups return an error wrapping ErrNotFound when the row does not exist.

type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	GetByID(ctx context.Context, id uuid.UUID) (*Product, error)
	// GetForUpdate reads the product and holds a row lock until the
	// surrounding unit of work ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Product, error)
	GetByCode(ctx context.Context, code string) (*Product, error)
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter ProductFilter, limit, offset int) ([]*Product, int, error)
	LowStock(ctx context.Context) ([]*LowStockItem, error)
}

type LotRepository interface {
	Create(ctx context.Context, l *StockLot) error
	Update(ctx context.Context, l *StockLot) error
	FindByKey(ctx context.Context, productID uuid.UUID, lotNumber *string, expiry *time.Time) (*StockLot, error)
	// ListByProduct returns lots in FIFO order. Empty lots are skipped unless
	// includeEmpty is set.
	ListByProduct(ctx context.Context, productID uuid.UUID, includeEmpty bool) ([]*StockLot, error)
	// ExpiringBefore returns lots holding stock whose expiry is on or before
	// cutoff, earliest first.
	ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*StockLot, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter TransactionFilter, limit, offset int) ([]*Transaction, int, error)
	CountByProduct(ctx context.Context, productID uuid.UUID) (int, error)
	// Summary aggregates approved transactions dated in [from, to).
	Summary(ctx context.Context, from, to time.Time) ([]*SummaryRow, error)
}

type MovementRepository interface {
	Create(ctx context.Context, m *LotMovement) error
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*LotMovement, error)
}

// Store groups the repositories with the unit of work that spans them.
type Store interface {
	Products() ProductRepository
	Lots() LotRepository
	Transactions() TransactionRepository
	Movements() MovementRepository
	// InTx runs fn in one atomic unit of work. Repositories called with the
	// ctx passed to fn join it; nested calls reuse the outer unit.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
