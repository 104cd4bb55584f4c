package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/ehr/stockledger/internal/platform/db"
)

// SQLite keeps timestamps as fixed-width UTC text so they sort lexically,
// dates as YYYY-MM-DD and money as decimal strings.
const (
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteDateLayout = "2006-01-02"
)

// SQLiteStore is the embedded single-node Store. The connection is pinned to
// one session, so a unit of work excludes every other writer and
// GetForUpdate needs no explicit lock.
type SQLiteStore struct {
	conn         *sqlx.DB
	products     *productRepoSQLite
	lots         *lotRepoSQLite
	transactions *transactionRepoSQLite
	movements    *movementRepoSQLite
}

func NewSQLiteStore(conn *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{
		conn:         conn,
		products:     &productRepoSQLite{conn: conn},
		lots:         &lotRepoSQLite{conn: conn},
		transactions: &transactionRepoSQLite{conn: conn},
		movements:    &movementRepoSQLite{conn: conn},
	}
}

func (s *SQLiteStore) Products() ProductRepository         { return s.products }
func (s *SQLiteStore) Lots() LotRepository                 { return s.lots }
func (s *SQLiteStore) Transactions() TransactionRepository { return s.transactions }
func (s *SQLiteStore) Movements() MovementRepository       { return s.movements }

func (s *SQLiteStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInSQLTx(ctx, s.conn, fn)
}

func sqliteNotFound(err error, what string, key interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", ErrNotFound, what, key)
	}
	return err
}

func sqliteConstraint(err error, what string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %s already exists", ErrValidation, what)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %s is still referenced", ErrInvalidState, what)
	}
	return err
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func sqliteNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: sqliteTime(*t), Valid: true}
}

func sqliteNullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(sqliteDateLayout), Valid: true}
}

func sqliteNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseSQLiteNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseSQLiteNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(sqliteDateLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", ns.String, err)
	}
	return &t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// ---- Product Repo ----

type productRepoSQLite struct{ conn *sqlx.DB }

type productRow struct {
	ID                     string `db:"id"`
	Name                   string `db:"name"`
	Code                   string `db:"code"`
	Category               string `db:"category"`
	Unit                   string `db:"unit"`
	UnitCost               string `db:"unit_cost"`
	MinStock               int64  `db:"min_stock"`
	MaxStock               int64  `db:"max_stock"`
	RequiresLotTracking    bool   `db:"requires_lot_tracking"`
	RequiresExpiryTracking bool   `db:"requires_expiry_tracking"`
	Active                 bool   `db:"active"`
	CreatedAt              string `db:"created_at"`
	UpdatedAt              string `db:"updated_at"`
}

func (r productRow) toProduct() (*Product, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parse product id: %w", err)
	}
	cost, err := decimal.NewFromString(r.UnitCost)
	if err != nil {
		return nil, fmt.Errorf("parse unit cost: %w", err)
	}
	created, err := parseSQLiteTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := parseSQLiteTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &Product{
		ID: id, Name: r.Name, Code: r.Code, Category: r.Category, Unit: r.Unit,
		UnitCost: cost, MinStock: r.MinStock, MaxStock: r.MaxStock,
		RequiresLotTracking: r.RequiresLotTracking, RequiresExpiryTracking: r.RequiresExpiryTracking,
		Active: r.Active, CreatedAt: created, UpdatedAt: updated,
	}, nil
}

func (r *productRepoSQLite) get(ctx context.Context, where string, key interface{}, what string) (*Product, error) {
	var row productRow
	err := sqlx.GetContext(ctx, db.SQLConn(ctx, r.conn), &row, `SELECT `+productCols+` FROM product WHERE `+where, key)
	if err != nil {
		return nil, sqliteNotFound(err, what, key)
	}
	return row.toProduct()
}

func (r *productRepoSQLite) Create(ctx context.Context, p *Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO product (id, name, code, category, unit, unit_cost, min_stock, max_stock,
			requires_lot_tracking, requires_expiry_tracking, active, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID.String(), p.Name, p.Code, p.Category, p.Unit, p.UnitCost.String(), p.MinStock, p.MaxStock,
		p.RequiresLotTracking, p.RequiresExpiryTracking, p.Active, sqliteTime(p.CreatedAt), sqliteTime(p.UpdatedAt))
	if err != nil {
		return sqliteConstraint(fmt.Errorf("insert product: %w", err), "product code "+p.Code)
	}
	return nil
}

func (r *productRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	return r.get(ctx, `id = ?`, id.String(), "product")
}

func (r *productRepoSQLite) GetForUpdate(ctx context.Context, id uuid.UUID) (*Product, error) {
	return r.GetByID(ctx, id)
}

func (r *productRepoSQLite) GetByCode(ctx context.Context, code string) (*Product, error) {
	return r.get(ctx, `code = ?`, code, "product code")
}

func (r *productRepoSQLite) Update(ctx context.Context, p *Product) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		UPDATE product SET name=?, code=?, category=?, unit=?, unit_cost=?,
			min_stock=?, max_stock=?, requires_lot_tracking=?, requires_expiry_tracking=?,
			active=?, updated_at=?
		WHERE id = ?`,
		p.Name, p.Code, p.Category, p.Unit, p.UnitCost.String(), p.MinStock, p.MaxStock,
		p.RequiresLotTracking, p.RequiresExpiryTracking, p.Active, sqliteTime(p.UpdatedAt), p.ID.String())
	if err != nil {
		return sqliteConstraint(fmt.Errorf("update product: %w", err), "product code "+p.Code)
	}
	return requireAffected(res, "product", p.ID)
}

func (r *productRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `DELETE FROM product WHERE id = ?`, id.String())
	if err != nil {
		return sqliteConstraint(fmt.Errorf("delete product: %w", err), "product")
	}
	return requireAffected(res, "product", id)
}

func (r *productRepoSQLite) List(ctx context.Context, filter ProductFilter, limit, offset int) ([]*Product, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if filter.Category != "" {
		where += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Active != nil {
		where += ` AND active = ?`
		args = append(args, *filter.Active)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where += ` AND (name LIKE ? OR code LIKE ?)`
		args = append(args, "%"+q+"%", "%"+q+"%")
	}

	q := db.SQLConn(ctx, r.conn)
	var total int
	if err := sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM product`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	var rows []productRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+productCols+` FROM product`+where+` ORDER BY name, code LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	items := make([]*Product, 0, len(rows))
	for _, row := range rows {
		p, err := row.toProduct()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, nil
}

func (r *productRepoSQLite) LowStock(ctx context.Context) ([]*LowStockItem, error) {
	var rows []struct {
		productRow
		Available int64 `db:"available"`
	}
	err := sqlx.SelectContext(ctx, db.SQLConn(ctx, r.conn), &rows, `
		SELECT `+productColsP+`, COALESCE(SUM(l.available_stock), 0) AS available
		FROM product p
		LEFT JOIN stock_lot l ON l.product_id = p.id
		WHERE p.active = 1 AND p.min_stock > 0
		GROUP BY p.id
		HAVING COALESCE(SUM(l.available_stock), 0) <= p.min_stock
		ORDER BY p.name, p.code`)
	if err != nil {
		return nil, fmt.Errorf("query low stock: %w", err)
	}
	items := make([]*LowStockItem, 0, len(rows))
	for _, row := range rows {
		p, err := row.toProduct()
		if err != nil {
			return nil, err
		}
		items = append(items, &LowStockItem{Product: p, Available: row.Available, Shortage: p.MinStock - row.Available})
	}
	return items, nil
}

func requireAffected(res sql.Result, what string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

// ---- StockLot Repo ----

type lotRepoSQLite struct{ conn *sqlx.DB }

const lotFIFOOrderSQLite = ` ORDER BY expiry_date IS NULL, expiry_date, created_at, id`

type lotRow struct {
	ID             string         `db:"id"`
	ProductID      string         `db:"product_id"`
	LotNumber      sql.NullString `db:"lot_number"`
	ExpiryDate     sql.NullString `db:"expiry_date"`
	CurrentStock   int64          `db:"current_stock"`
	ReservedStock  int64          `db:"reserved_stock"`
	AvailableStock int64          `db:"available_stock"`
	AverageCost    string         `db:"average_cost"`
	TotalValue     string         `db:"total_value"`
	CreatedAt      string         `db:"created_at"`
	LastUpdated    string         `db:"last_updated"`
}

func (r lotRow) toLot() (*StockLot, error) {
	l := &StockLot{
		LotNumber:      nullStringPtr(r.LotNumber),
		CurrentStock:   r.CurrentStock,
		ReservedStock:  r.ReservedStock,
		AvailableStock: r.AvailableStock,
	}
	var err error
	if l.ID, err = uuid.Parse(r.ID); err != nil {
		return nil, fmt.Errorf("parse lot id: %w", err)
	}
	if l.ProductID, err = uuid.Parse(r.ProductID); err != nil {
		return nil, fmt.Errorf("parse lot product id: %w", err)
	}
	if l.ExpiryDate, err = parseSQLiteNullDate(r.ExpiryDate); err != nil {
		return nil, err
	}
	if l.AverageCost, err = decimal.NewFromString(r.AverageCost); err != nil {
		return nil, fmt.Errorf("parse average cost: %w", err)
	}
	if l.TotalValue, err = decimal.NewFromString(r.TotalValue); err != nil {
		return nil, fmt.Errorf("parse total value: %w", err)
	}
	if l.CreatedAt, err = parseSQLiteTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if l.LastUpdated, err = parseSQLiteTime(r.LastUpdated); err != nil {
		return nil, err
	}
	return l, nil
}

func (r *lotRepoSQLite) Create(ctx context.Context, l *StockLot) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO stock_lot (id, product_id, lot_number, expiry_date, current_stock, reserved_stock,
			average_cost, total_value, created_at, last_updated)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID.String(), l.ProductID.String(), sqliteNullString(l.LotNumber), sqliteNullDate(l.ExpiryDate),
		l.CurrentStock, l.ReservedStock, l.AverageCost.String(), l.TotalValue.String(),
		sqliteTime(l.CreatedAt), sqliteTime(l.LastUpdated))
	if err != nil {
		return sqliteConstraint(fmt.Errorf("insert stock lot: %w", err), "stock lot")
	}
	return nil
}

func (r *lotRepoSQLite) Update(ctx context.Context, l *StockLot) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		UPDATE stock_lot SET current_stock=?, reserved_stock=?, average_cost=?,
			total_value=?, last_updated=?
		WHERE id = ?`,
		l.CurrentStock, l.ReservedStock, l.AverageCost.String(), l.TotalValue.String(),
		sqliteTime(l.LastUpdated), l.ID.String())
	if err != nil {
		return fmt.Errorf("update stock lot: %w", err)
	}
	return requireAffected(res, "stock lot", l.ID)
}

func (r *lotRepoSQLite) FindByKey(ctx context.Context, productID uuid.UUID, lotNumber *string, expiry *time.Time) (*StockLot, error) {
	var row lotRow
	err := sqlx.GetContext(ctx, db.SQLConn(ctx, r.conn), &row, `SELECT `+lotCols+` FROM stock_lot
		WHERE product_id = ? AND lot_number IS ? AND expiry_date IS ?`,
		productID.String(), sqliteNullString(lotNumber), sqliteNullDate(expiry))
	if err != nil {
		return nil, sqliteNotFound(err, "stock lot for product", productID)
	}
	return row.toLot()
}

func (r *lotRepoSQLite) ListByProduct(ctx context.Context, productID uuid.UUID, includeEmpty bool) ([]*StockLot, error) {
	query := `SELECT ` + lotCols + ` FROM stock_lot WHERE product_id = ?`
	if !includeEmpty {
		query += ` AND current_stock > 0`
	}
	return r.list(ctx, query+lotFIFOOrderSQLite, productID.String())
}

func (r *lotRepoSQLite) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*StockLot, error) {
	return r.list(ctx, `SELECT `+lotCols+` FROM stock_lot
		WHERE current_stock > 0 AND expiry_date IS NOT NULL AND expiry_date <= ?`+lotFIFOOrderSQLite,
		cutoff.UTC().Format(sqliteDateLayout))
}

func (r *lotRepoSQLite) list(ctx context.Context, query string, args ...interface{}) ([]*StockLot, error) {
	var rows []lotRow
	if err := sqlx.SelectContext(ctx, db.SQLConn(ctx, r.conn), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list stock lots: %w", err)
	}
	items := make([]*StockLot, 0, len(rows))
	for _, row := range rows {
		l, err := row.toLot()
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, nil
}

// ---- Transaction Repo ----

type transactionRepoSQLite struct{ conn *sqlx.DB }

type transactionRow struct {
	ID                string         `db:"id"`
	ProductID         string         `db:"product_id"`
	Direction         string         `db:"direction"`
	Subtype           string         `db:"subtype"`
	Quantity          int64          `db:"quantity"`
	UnitCost          string         `db:"unit_cost"`
	TotalCost         string         `db:"total_cost"`
	LotNumber         sql.NullString `db:"lot_number"`
	ExpiryDate        sql.NullString `db:"expiry_date"`
	TransactionDate   string         `db:"transaction_date"`
	ReferenceNumber   sql.NullString `db:"reference_number"`
	Notes             sql.NullString `db:"notes"`
	UsageLocation     sql.NullString `db:"usage_location"`
	UsagePurpose      sql.NullString `db:"usage_purpose"`
	ChargedTo         sql.NullString `db:"charged_to"`
	CreatedBy         string         `db:"created_by"`
	RemainingQuantity int64          `db:"remaining_quantity"`
	ApprovalStatus    string         `db:"approval_status"`
	ApprovedBy        sql.NullString `db:"approved_by"`
	ApprovedAt        sql.NullString `db:"approved_at"`
	RejectionReason   sql.NullString `db:"rejection_reason"`
	IsVerified        bool           `db:"is_verified"`
	CreatedAt         string         `db:"created_at"`
	UpdatedAt         string         `db:"updated_at"`
}

func (r transactionRow) toTransaction() (*Transaction, error) {
	t := &Transaction{
		Direction:         Direction(r.Direction),
		Subtype:           r.Subtype,
		Quantity:          r.Quantity,
		LotNumber:         nullStringPtr(r.LotNumber),
		ReferenceNumber:   nullStringPtr(r.ReferenceNumber),
		Notes:             nullStringPtr(r.Notes),
		UsageLocation:     nullStringPtr(r.UsageLocation),
		UsagePurpose:      nullStringPtr(r.UsagePurpose),
		ChargedTo:         nullStringPtr(r.ChargedTo),
		CreatedBy:         r.CreatedBy,
		RemainingQuantity: r.RemainingQuantity,
		ApprovalStatus:    ApprovalStatus(r.ApprovalStatus),
		ApprovedBy:        nullStringPtr(r.ApprovedBy),
		RejectionReason:   nullStringPtr(r.RejectionReason),
		IsVerified:        r.IsVerified,
	}
	var err error
	if t.ID, err = uuid.Parse(r.ID); err != nil {
		return nil, fmt.Errorf("parse transaction id: %w", err)
	}
	if t.ProductID, err = uuid.Parse(r.ProductID); err != nil {
		return nil, fmt.Errorf("parse transaction product id: %w", err)
	}
	if t.UnitCost, err = decimal.NewFromString(r.UnitCost); err != nil {
		return nil, fmt.Errorf("parse unit cost: %w", err)
	}
	if t.TotalCost, err = decimal.NewFromString(r.TotalCost); err != nil {
		return nil, fmt.Errorf("parse total cost: %w", err)
	}
	if t.ExpiryDate, err = parseSQLiteNullDate(r.ExpiryDate); err != nil {
		return nil, err
	}
	if t.TransactionDate, err = parseSQLiteTime(r.TransactionDate); err != nil {
		return nil, err
	}
	if t.ApprovedAt, err = parseSQLiteNullTime(r.ApprovedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseSQLiteTime(r.CreatedAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseSQLiteTime(r.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *transactionRepoSQLite) Create(ctx context.Context, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO stock_transaction (id, product_id, direction, subtype, quantity, unit_cost, total_cost,
			lot_number, expiry_date, transaction_date, reference_number, notes,
			usage_location, usage_purpose, charged_to, created_by, remaining_quantity,
			approval_status, approved_by, approved_at, rejection_reason, is_verified,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID.String(), t.ProductID.String(), string(t.Direction), t.Subtype, t.Quantity,
		t.UnitCost.String(), t.TotalCost.String(),
		sqliteNullString(t.LotNumber), sqliteNullDate(t.ExpiryDate), sqliteTime(t.TransactionDate),
		sqliteNullString(t.ReferenceNumber), sqliteNullString(t.Notes),
		sqliteNullString(t.UsageLocation), sqliteNullString(t.UsagePurpose), sqliteNullString(t.ChargedTo),
		t.CreatedBy, t.RemainingQuantity,
		string(t.ApprovalStatus), sqliteNullString(t.ApprovedBy), sqliteNullTime(t.ApprovedAt),
		sqliteNullString(t.RejectionReason), t.IsVerified,
		sqliteTime(t.CreatedAt), sqliteTime(t.UpdatedAt))
	if err != nil {
		return sqliteConstraint(fmt.Errorf("insert transaction: %w", err), "transaction")
	}
	return nil
}

func (r *transactionRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var row transactionRow
	err := sqlx.GetContext(ctx, db.SQLConn(ctx, r.conn), &row,
		`SELECT `+transactionCols+` FROM stock_transaction WHERE id = ?`, id.String())
	if err != nil {
		return nil, sqliteNotFound(err, "transaction", id)
	}
	return row.toTransaction()
}

func (r *transactionRepoSQLite) GetForUpdate(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r *transactionRepoSQLite) Update(ctx context.Context, t *Transaction) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		UPDATE stock_transaction SET remaining_quantity=?, approval_status=?, approved_by=?,
			approved_at=?, rejection_reason=?, is_verified=?, updated_at=?
		WHERE id = ?`,
		t.RemainingQuantity, string(t.ApprovalStatus), sqliteNullString(t.ApprovedBy),
		sqliteNullTime(t.ApprovedAt), sqliteNullString(t.RejectionReason), t.IsVerified,
		sqliteTime(t.UpdatedAt), t.ID.String())
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return requireAffected(res, "transaction", t.ID)
}

func (r *transactionRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `DELETE FROM stock_transaction WHERE id = ?`, id.String())
	if err != nil {
		return sqliteConstraint(fmt.Errorf("delete transaction: %w", err), "transaction")
	}
	return requireAffected(res, "transaction", id)
}

func (r *transactionRepoSQLite) List(ctx context.Context, filter TransactionFilter, limit, offset int) ([]*Transaction, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	if filter.ProductID != nil {
		where += ` AND product_id = ?`
		args = append(args, filter.ProductID.String())
	}
	if filter.Direction != "" {
		where += ` AND direction = ?`
		args = append(args, string(filter.Direction))
	}
	if filter.Subtype != "" {
		where += ` AND subtype = ?`
		args = append(args, filter.Subtype)
	}
	if filter.Status != "" {
		where += ` AND approval_status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		where += ` AND transaction_date >= ?`
		args = append(args, sqliteTime(*filter.From))
	}
	if filter.To != nil {
		where += ` AND transaction_date < ?`
		args = append(args, sqliteTime(*filter.To))
	}

	q := db.SQLConn(ctx, r.conn)
	var total int
	if err := sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM stock_transaction`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	var rows []transactionRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+transactionCols+` FROM stock_transaction`+where+
			` ORDER BY transaction_date DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	items := make([]*Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTransaction()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, nil
}

func (r *transactionRepoSQLite) CountByProduct(ctx context.Context, productID uuid.UUID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, db.SQLConn(ctx, r.conn), &n,
		`SELECT COUNT(*) FROM stock_transaction WHERE product_id = ?`, productID.String())
	if err != nil {
		return 0, fmt.Errorf("count product transactions: %w", err)
	}
	return n, nil
}

// Summary sums costs in Go: SQLite would coerce the decimal text to float.
func (r *transactionRepoSQLite) Summary(ctx context.Context, from, to time.Time) ([]*SummaryRow, error) {
	var rows []struct {
		ProductID         string `db:"product_id"`
		Direction         string `db:"direction"`
		Quantity          int64  `db:"quantity"`
		RemainingQuantity int64  `db:"remaining_quantity"`
		TotalCost         string `db:"total_cost"`
	}
	err := sqlx.SelectContext(ctx, db.SQLConn(ctx, r.conn), &rows, `
		SELECT product_id, direction, quantity, remaining_quantity, total_cost
		FROM stock_transaction
		WHERE approval_status = 'approved' AND transaction_date >= ? AND transaction_date < ?
		ORDER BY product_id, direction`, sqliteTime(from), sqliteTime(to))
	if err != nil {
		return nil, fmt.Errorf("query transaction summary: %w", err)
	}

	var items []*SummaryRow
	var cur *SummaryRow
	for _, row := range rows {
		pid, err := uuid.Parse(row.ProductID)
		if err != nil {
			return nil, fmt.Errorf("parse product id: %w", err)
		}
		cost, err := decimal.NewFromString(row.TotalCost)
		if err != nil {
			return nil, fmt.Errorf("parse total cost: %w", err)
		}
		if cur == nil || cur.ProductID != pid || cur.Direction != Direction(row.Direction) {
			cur = &SummaryRow{ProductID: pid, Direction: Direction(row.Direction), TotalCost: decimal.Zero}
			items = append(items, cur)
		}
		cur.Count++
		cur.Quantity += row.Quantity
		cur.Unfulfilled += row.RemainingQuantity
		cur.TotalCost = cur.TotalCost.Add(cost)
	}
	return items, nil
}

// ---- LotMovement Repo ----

type movementRepoSQLite struct{ conn *sqlx.DB }

func (r *movementRepoSQLite) Create(ctx context.Context, m *LotMovement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	_, err := db.SQLConn(ctx, r.conn).ExecContext(ctx, `
		INSERT INTO lot_movement (id, transaction_id, lot_id, product_id, quantity_change,
			stock_before, stock_after, reservation_released, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID.String(), m.TransactionID.String(), m.LotID.String(), m.ProductID.String(),
		m.QuantityChange, m.StockBefore, m.StockAfter, m.ReservationReleased, sqliteTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert lot movement: %w", err)
	}
	return nil
}

func (r *movementRepoSQLite) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*LotMovement, error) {
	var rows []struct {
		ID                  string `db:"id"`
		TransactionID       string `db:"transaction_id"`
		LotID               string `db:"lot_id"`
		ProductID           string `db:"product_id"`
		QuantityChange      int64  `db:"quantity_change"`
		StockBefore         int64  `db:"stock_before"`
		StockAfter          int64  `db:"stock_after"`
		ReservationReleased int64  `db:"reservation_released"`
		CreatedAt           string `db:"created_at"`
	}
	err := sqlx.SelectContext(ctx, db.SQLConn(ctx, r.conn), &rows, `
		SELECT id, transaction_id, lot_id, product_id, quantity_change,
			stock_before, stock_after, reservation_released, created_at
		FROM lot_movement WHERE transaction_id = ? ORDER BY created_at, id`, transactionID.String())
	if err != nil {
		return nil, fmt.Errorf("list lot movements: %w", err)
	}
	items := make([]*LotMovement, 0, len(rows))
	for _, row := range rows {
		m := &LotMovement{
			QuantityChange:      row.QuantityChange,
			StockBefore:         row.StockBefore,
			StockAfter:          row.StockAfter,
			ReservationReleased: row.ReservationReleased,
		}
		var err error
		if m.ID, err = uuid.Parse(row.ID); err != nil {
			return nil, err
		}
		if m.TransactionID, err = uuid.Parse(row.TransactionID); err != nil {
			return nil, err
		}
		if m.LotID, err = uuid.Parse(row.LotID); err != nil {
			return nil, err
		}
		if m.ProductID, err = uuid.Parse(row.ProductID); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseSQLiteTime(row.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, nil
}
