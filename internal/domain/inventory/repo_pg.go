package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/stockledger/internal/platform/db"
)

type queryable = db.Querier

// PGStore is the PostgreSQL-backed Store.
type PGStore struct {
	pool         *pgxpool.Pool
	products     *productRepoPG
	lots         *lotRepoPG
	transactions *transactionRepoPG
	movements    *movementRepoPG
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:         pool,
		products:     &productRepoPG{pool: pool},
		lots:         &lotRepoPG{pool: pool},
		transactions: &transactionRepoPG{pool: pool},
		movements:    &movementRepoPG{pool: pool},
	}
}

func (s *PGStore) Products() ProductRepository         { return s.products }
func (s *PGStore) Lots() LotRepository                 { return s.lots }
func (s *PGStore) Transactions() TransactionRepository { return s.transactions }
func (s *PGStore) Movements() MovementRepository       { return s.movements }

func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func pgNotFound(err error, what string, key interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, key)
	}
	return err
}

func pgConstraint(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s already exists", ErrValidation, what)
		case "23503":
			return fmt.Errorf("%w: %s is still referenced", ErrInvalidState, what)
		}
	}
	return err
}

// ---- Product Repo ----

type productRepoPG struct{ pool *pgxpool.Pool }

func (r *productRepoPG) conn(ctx context.Context) queryable {
	return db.Conn(ctx, r.pool)
}

const productCols = `id, name, code, category, unit, unit_cost, min_stock, max_stock,
	requires_lot_tracking, requires_expiry_tracking, active, created_at, updated_at`

const productColsP = `p.id, p.name, p.code, p.category, p.unit, p.unit_cost, p.min_stock, p.max_stock,
	p.requires_lot_tracking, p.requires_expiry_tracking, p.active, p.created_at, p.updated_at`

func (r *productRepoPG) scanProduct(row pgx.Row, extra ...interface{}) (*Product, error) {
	var p Product
	dest := []interface{}{&p.ID, &p.Name, &p.Code, &p.Category, &p.Unit, &p.UnitCost,
		&p.MinStock, &p.MaxStock, &p.RequiresLotTracking, &p.RequiresExpiryTracking,
		&p.Active, &p.CreatedAt, &p.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *productRepoPG) Create(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO product (id, name, code, category, unit, unit_cost, min_stock, max_stock,
			requires_lot_tracking, requires_expiry_tracking, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.Name, p.Code, p.Category, p.Unit, p.UnitCost, p.MinStock, p.MaxStock,
		p.RequiresLotTracking, p.RequiresExpiryTracking, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return pgConstraint(fmt.Errorf("insert product: %w", err), "product code "+p.Code)
	}
	return nil
}

func (r *productRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	p, err := r.scanProduct(r.conn(ctx).QueryRow(ctx, `SELECT `+productCols+` FROM product WHERE id = $1`, id))
	return p, pgNotFound(err, "product", id)
}

func (r *productRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Product, error) {
	p, err := r.scanProduct(r.conn(ctx).QueryRow(ctx, `SELECT `+productCols+` FROM product WHERE id = $1 FOR UPDATE`, id))
	return p, pgNotFound(err, "product", id)
}

func (r *productRepoPG) GetByCode(ctx context.Context, code string) (*Product, error) {
	p, err := r.scanProduct(r.conn(ctx).QueryRow(ctx, `SELECT `+productCols+` FROM product WHERE code = $1`, code))
	return p, pgNotFound(err, "product code", code)
}

func (r *productRepoPG) Update(ctx context.Context, p *Product) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE product SET name=$2, code=$3, category=$4, unit=$5, unit_cost=$6,
			min_stock=$7, max_stock=$8, requires_lot_tracking=$9, requires_expiry_tracking=$10,
			active=$11, updated_at=$12
		WHERE id = $1`,
		p.ID, p.Name, p.Code, p.Category, p.Unit, p.UnitCost, p.MinStock, p.MaxStock,
		p.RequiresLotTracking, p.RequiresExpiryTracking, p.Active, p.UpdatedAt)
	if err != nil {
		return pgConstraint(fmt.Errorf("update product: %w", err), "product code "+p.Code)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %s", ErrNotFound, p.ID)
	}
	return nil
}

func (r *productRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM product WHERE id = $1`, id)
	if err != nil {
		return pgConstraint(fmt.Errorf("delete product: %w", err), "product")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	return nil
}

func (r *productRepoPG) List(ctx context.Context, filter ProductFilter, limit, offset int) ([]*Product, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.Category != "" {
		where += fmt.Sprintf(` AND category = $%d`, idx)
		args = append(args, filter.Category)
		idx++
	}
	if filter.Active != nil {
		where += fmt.Sprintf(` AND active = $%d`, idx)
		args = append(args, *filter.Active)
		idx++
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where += fmt.Sprintf(` AND (name ILIKE $%d OR code ILIKE $%d)`, idx, idx)
		args = append(args, "%"+q+"%")
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM product`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	query := `SELECT ` + productCols + ` FROM product` + where +
		fmt.Sprintf(` ORDER BY name, code LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	var items []*Product
	for rows.Next() {
		p, err := r.scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *productRepoPG) LowStock(ctx context.Context) ([]*LowStockItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+productColsP+`, COALESCE(SUM(l.available_stock), 0)::bigint AS available
		FROM product p
		LEFT JOIN stock_lot l ON l.product_id = p.id
		WHERE p.active AND p.min_stock > 0
		GROUP BY p.id
		HAVING COALESCE(SUM(l.available_stock), 0) <= p.min_stock
		ORDER BY p.name, p.code`)
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	defer rows.Close()
	var items []*LowStockItem
	for rows.Next() {
		var available int64
		p, err := r.scanProduct(rows, &available)
		if err != nil {
			return nil, err
		}
		items = append(items, &LowStockItem{Product: p, Available: available, Shortage: p.MinStock - available})
	}
	return items, rows.Err()
}

// ---- StockLot Repo ----

type lotRepoPG struct{ pool *pgxpool.Pool }

func (r *lotRepoPG) conn(ctx context.Context) queryable {
	return db.Conn(ctx, r.pool)
}

const lotCols = `id, product_id, lot_number, expiry_date, current_stock, reserved_stock,
	available_stock, average_cost, total_value, created_at, last_updated`

const lotFIFOOrder = ` ORDER BY expiry_date ASC NULLS LAST, created_at, id`

func (r *lotRepoPG) scanLot(row pgx.Row) (*StockLot, error) {
	var l StockLot
	err := row.Scan(&l.ID, &l.ProductID, &l.LotNumber, &l.ExpiryDate, &l.CurrentStock,
		&l.ReservedStock, &l.AvailableStock, &l.AverageCost, &l.TotalValue,
		&l.CreatedAt, &l.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *lotRepoPG) Create(ctx context.Context, l *StockLot) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stock_lot (id, product_id, lot_number, expiry_date, current_stock, reserved_stock,
			average_cost, total_value, created_at, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ID, l.ProductID, l.LotNumber, l.ExpiryDate, l.CurrentStock, l.ReservedStock,
		l.AverageCost, l.TotalValue, l.CreatedAt, l.LastUpdated)
	if err != nil {
		return pgConstraint(fmt.Errorf("insert stock lot: %w", err), "stock lot")
	}
	return nil
}

func (r *lotRepoPG) Update(ctx context.Context, l *StockLot) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE stock_lot SET current_stock=$2, reserved_stock=$3, average_cost=$4,
			total_value=$5, last_updated=$6
		WHERE id = $1`,
		l.ID, l.CurrentStock, l.ReservedStock, l.AverageCost, l.TotalValue, l.LastUpdated)
	if err != nil {
		return fmt.Errorf("update stock lot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock lot %s", ErrNotFound, l.ID)
	}
	return nil
}

func (r *lotRepoPG) FindByKey(ctx context.Context, productID uuid.UUID, lotNumber *string, expiry *time.Time) (*StockLot, error) {
	l, err := r.scanLot(r.conn(ctx).QueryRow(ctx, `SELECT `+lotCols+` FROM stock_lot
		WHERE product_id = $1
			AND lot_number IS NOT DISTINCT FROM $2::varchar
			AND expiry_date IS NOT DISTINCT FROM $3::date`,
		productID, lotNumber, expiry))
	return l, pgNotFound(err, "stock lot for product", productID)
}

func (r *lotRepoPG) ListByProduct(ctx context.Context, productID uuid.UUID, includeEmpty bool) ([]*StockLot, error) {
	query := `SELECT ` + lotCols + ` FROM stock_lot WHERE product_id = $1`
	if !includeEmpty {
		query += ` AND current_stock > 0`
	}
	return r.list(ctx, query+lotFIFOOrder, productID)
}

func (r *lotRepoPG) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*StockLot, error) {
	return r.list(ctx, `SELECT `+lotCols+` FROM stock_lot
		WHERE current_stock > 0 AND expiry_date IS NOT NULL AND expiry_date <= $1::date`+lotFIFOOrder,
		cutoff)
}

func (r *lotRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*StockLot, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stock lots: %w", err)
	}
	defer rows.Close()
	var items []*StockLot
	for rows.Next() {
		l, err := r.scanLot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// ---- Transaction Repo ----

type transactionRepoPG struct{ pool *pgxpool.Pool }

func (r *transactionRepoPG) conn(ctx context.Context) queryable {
	return db.Conn(ctx, r.pool)
}

const transactionCols = `id, product_id, direction, subtype, quantity, unit_cost, total_cost,
	lot_number, expiry_date, transaction_date, reference_number, notes,
	usage_location, usage_purpose, charged_to, created_by, remaining_quantity,
	approval_status, approved_by, approved_at, rejection_reason, is_verified,
	created_at, updated_at`

func (r *transactionRepoPG) scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.ProductID, &t.Direction, &t.Subtype, &t.Quantity, &t.UnitCost, &t.TotalCost,
		&t.LotNumber, &t.ExpiryDate, &t.TransactionDate, &t.ReferenceNumber, &t.Notes,
		&t.UsageLocation, &t.UsagePurpose, &t.ChargedTo, &t.CreatedBy, &t.RemainingQuantity,
		&t.ApprovalStatus, &t.ApprovedBy, &t.ApprovedAt, &t.RejectionReason, &t.IsVerified,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transactionRepoPG) Create(ctx context.Context, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO stock_transaction (id, product_id, direction, subtype, quantity, unit_cost, total_cost,
			lot_number, expiry_date, transaction_date, reference_number, notes,
			usage_location, usage_purpose, charged_to, created_by, remaining_quantity,
			approval_status, approved_by, approved_at, rejection_reason, is_verified,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		t.ID, t.ProductID, t.Direction, t.Subtype, t.Quantity, t.UnitCost, t.TotalCost,
		t.LotNumber, t.ExpiryDate, t.TransactionDate, t.ReferenceNumber, t.Notes,
		t.UsageLocation, t.UsagePurpose, t.ChargedTo, t.CreatedBy, t.RemainingQuantity,
		t.ApprovalStatus, t.ApprovedBy, t.ApprovedAt, t.RejectionReason, t.IsVerified,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return pgConstraint(fmt.Errorf("insert transaction: %w", err), "transaction")
	}
	return nil
}

func (r *transactionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	t, err := r.scanTransaction(r.conn(ctx).QueryRow(ctx, `SELECT `+transactionCols+` FROM stock_transaction WHERE id = $1`, id))
	return t, pgNotFound(err, "transaction", id)
}

func (r *transactionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	t, err := r.scanTransaction(r.conn(ctx).QueryRow(ctx, `SELECT `+transactionCols+` FROM stock_transaction WHERE id = $1 FOR UPDATE`, id))
	return t, pgNotFound(err, "transaction", id)
}

// Update persists the mutable part of a transaction: workflow and ledger state.
func (r *transactionRepoPG) Update(ctx context.Context, t *Transaction) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE stock_transaction SET remaining_quantity=$2, approval_status=$3, approved_by=$4,
			approved_at=$5, rejection_reason=$6, is_verified=$7, updated_at=$8
		WHERE id = $1`,
		t.ID, t.RemainingQuantity, t.ApprovalStatus, t.ApprovedBy,
		t.ApprovedAt, t.RejectionReason, t.IsVerified, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, t.ID)
	}
	return nil
}

func (r *transactionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM stock_transaction WHERE id = $1`, id)
	if err != nil {
		return pgConstraint(fmt.Errorf("delete transaction: %w", err), "transaction")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	return nil
}

func (r *transactionRepoPG) List(ctx context.Context, filter TransactionFilter, limit, offset int) ([]*Transaction, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if filter.ProductID != nil {
		where += fmt.Sprintf(` AND product_id = $%d`, idx)
		args = append(args, *filter.ProductID)
		idx++
	}
	if filter.Direction != "" {
		where += fmt.Sprintf(` AND direction = $%d`, idx)
		args = append(args, filter.Direction)
		idx++
	}
	if filter.Subtype != "" {
		where += fmt.Sprintf(` AND subtype = $%d`, idx)
		args = append(args, filter.Subtype)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(` AND approval_status = $%d`, idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(` AND transaction_date >= $%d`, idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(` AND transaction_date < $%d`, idx)
		args = append(args, *filter.To)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_transaction`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := `SELECT ` + transactionCols + ` FROM stock_transaction` + where +
		fmt.Sprintf(` ORDER BY transaction_date DESC, created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	var items []*Transaction
	for rows.Next() {
		t, err := r.scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *transactionRepoPG) CountByProduct(ctx context.Context, productID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_transaction WHERE product_id = $1`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count product transactions: %w", err)
	}
	return n, nil
}

func (r *transactionRepoPG) Summary(ctx context.Context, from, to time.Time) ([]*SummaryRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT product_id, direction, COUNT(*),
			COALESCE(SUM(quantity), 0)::bigint,
			COALESCE(SUM(remaining_quantity), 0)::bigint,
			COALESCE(SUM(total_cost), 0)
		FROM stock_transaction
		WHERE approval_status = 'approved' AND transaction_date >= $1 AND transaction_date < $2
		GROUP BY product_id, direction
		ORDER BY product_id, direction`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query transaction summary: %w", err)
	}
	defer rows.Close()
	var items []*SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(&s.ProductID, &s.Direction, &s.Count, &s.Quantity, &s.Unfulfilled, &s.TotalCost); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

// ---- LotMovement Repo ----

type movementRepoPG struct{ pool *pgxpool.Pool }

func (r *movementRepoPG) conn(ctx context.Context) queryable {
	return db.Conn(ctx, r.pool)
}

func (r *movementRepoPG) Create(ctx context.Context, m *LotMovement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lot_movement (id, transaction_id, lot_id, product_id, quantity_change,
			stock_before, stock_after, reservation_released, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.TransactionID, m.LotID, m.ProductID, m.QuantityChange,
		m.StockBefore, m.StockAfter, m.ReservationReleased, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lot movement: %w", err)
	}
	return nil
}

func (r *movementRepoPG) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*LotMovement, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, transaction_id, lot_id, product_id, quantity_change,
			stock_before, stock_after, reservation_released, created_at
		FROM lot_movement WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list lot movements: %w", err)
	}
	defer rows.Close()
	var items []*LotMovement
	for rows.Next() {
		var m LotMovement
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.LotID, &m.ProductID, &m.QuantityChange,
			&m.StockBefore, &m.StockAfter, &m.ReservationReleased, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}
