package inventory

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the sign of a stock movement.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// ApprovalStatus is the workflow state of a Transaction.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

const MaxRejectionReasonLength = 500

// Column widths of the text fields callers can set.
const (
	maxNameLength      = 255
	maxCodeLength      = 64
	maxCategoryLength  = 128
	maxUnitLength      = 32
	maxLotNumberLength = 64
	maxReferenceLength = 128
	maxFreeTextLength  = 255
)

// checkLength rejects values longer than limit characters. Callers trim first.
func checkLength(field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return fmt.Errorf("%w: %s must be at most %d characters", ErrValidation, field, limit)
	}
	return nil
}

func checkOptionalLength(field string, value *string, limit int) error {
	if value == nil {
		return nil
	}
	return checkLength(field, *value, limit)
}

var inboundSubtypes = map[string]bool{
	"purchase": true, "return": true, "adjustment": true,
	"transfer_in": true, "donation": true,
}

var outboundSubtypes = map[string]bool{
	"consumed": true, "used": true, "rejected": true, "expired": true,
	"damaged": true, "adjustment": true, "transfer_out": true,
}

// ValidSubtype reports whether subtype is a legal reason for a movement in dir.
func ValidSubtype(dir Direction, subtype string) bool {
	switch dir {
	case DirectionIn:
		return inboundSubtypes[subtype]
	case DirectionOut:
		return outboundSubtypes[subtype]
	}
	return false
}

// Product maps to the product table.
type Product struct {
	ID                     uuid.UUID       `db:"id" json:"id"`
	Name                   string          `db:"name" json:"name"`
	Code                   string          `db:"code" json:"code"`
	Category               string          `db:"category" json:"category"`
	Unit                   string          `db:"unit" json:"unit"`
	UnitCost               decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	MinStock               int64           `db:"min_stock" json:"min_stock"`
	MaxStock               int64           `db:"max_stock" json:"max_stock"`
	RequiresLotTracking    bool            `db:"requires_lot_tracking" json:"requires_lot_tracking"`
	RequiresExpiryTracking bool            `db:"requires_expiry_tracking" json:"requires_expiry_tracking"`
	Active                 bool            `db:"active" json:"active"`
	CreatedAt              time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time       `db:"updated_at" json:"updated_at"`
}

// StockLot maps to the stock_lot table: the quantity of one product held
// under one (lot_number, expiry_date) pair.
type StockLot struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	ProductID      uuid.UUID       `db:"product_id" json:"product_id"`
	LotNumber      *string         `db:"lot_number" json:"lot_number,omitempty"`
	ExpiryDate     *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	CurrentStock   int64           `db:"current_stock" json:"current_stock"`
	ReservedStock  int64           `db:"reserved_stock" json:"reserved_stock"`
	AvailableStock int64           `db:"available_stock" json:"available_stock"`
	AverageCost    decimal.Decimal `db:"average_cost" json:"average_cost"`
	TotalValue     decimal.Decimal `db:"total_value" json:"total_value"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	LastUpdated    time.Time       `db:"last_updated" json:"last_updated"`

	IsExpired    bool `db:"-" json:"is_expired"`
	IsNearExpiry bool `db:"-" json:"is_near_expiry"`
}

func (l *StockLot) recompute() {
	l.AvailableStock = l.CurrentStock - l.ReservedStock
	l.TotalValue = l.AverageCost.Mul(decimal.NewFromInt(l.CurrentStock))
}

// receive adds qty units bought at unitCost. TotalValue is kept as the exact
// running sum of receipts and the average is derived from it with a single
// division, so the result does not depend on the order of receipts.
func (l *StockLot) receive(qty int64, unitCost decimal.Decimal) {
	if l.CurrentStock <= 0 {
		l.TotalValue = decimal.Zero
	}
	l.CurrentStock += qty
	l.TotalValue = l.TotalValue.Add(unitCost.Mul(decimal.NewFromInt(qty)))
	if l.CurrentStock == qty {
		l.AverageCost = unitCost
	} else {
		l.AverageCost = l.TotalValue.Div(decimal.NewFromInt(l.CurrentStock))
	}
	l.AvailableStock = l.CurrentStock - l.ReservedStock
}

// take removes up to need units and returns how many were removed and how
// much reservation had to be given up to keep reserved <= current.
func (l *StockLot) take(need int64) (taken, released int64) {
	taken = need
	if l.CurrentStock < taken {
		taken = l.CurrentStock
	}
	if taken <= 0 {
		return 0, 0
	}
	l.CurrentStock -= taken
	if l.ReservedStock > l.CurrentStock {
		released = l.ReservedStock - l.CurrentStock
		l.ReservedStock = l.CurrentStock
	}
	l.recompute()
	return taken, released
}

func (l *StockLot) reserve(qty int64) bool {
	if l.AvailableStock < qty {
		return false
	}
	l.ReservedStock += qty
	l.AvailableStock = l.CurrentStock - l.ReservedStock
	return true
}

// release returns min(qty, reserved) to available stock.
func (l *StockLot) release(qty int64) int64 {
	if qty > l.ReservedStock {
		qty = l.ReservedStock
	}
	l.ReservedStock -= qty
	l.AvailableStock = l.CurrentStock - l.ReservedStock
	return qty
}

// SetExpiryFlags computes IsExpired and IsNearExpiry relative to today. A lot
// is usable through its expiry date and is near expiry when the date falls
// within horizonDays.
func (l *StockLot) SetExpiryFlags(today time.Time, horizonDays int) {
	l.IsExpired, l.IsNearExpiry = false, false
	if l.ExpiryDate == nil {
		return
	}
	day := truncateDay(today)
	expiry := truncateDay(*l.ExpiryDate)
	if expiry.Before(day) {
		l.IsExpired = true
		return
	}
	l.IsNearExpiry = !expiry.After(day.AddDate(0, 0, horizonDays))
}

// Matches reports whether the lot has exactly the given lot number and expiry,
// treating two nils as equal.
func (l *StockLot) Matches(lotNumber *string, expiry *time.Time) bool {
	return equalString(l.LotNumber, lotNumber) && equalDate(l.ExpiryDate, expiry)
}

// Transaction maps to the stock_transaction table.
type Transaction struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	ProductID         uuid.UUID       `db:"product_id" json:"product_id"`
	Direction         Direction       `db:"direction" json:"direction"`
	Subtype           string          `db:"subtype" json:"subtype"`
	Quantity          int64           `db:"quantity" json:"quantity"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalCost         decimal.Decimal `db:"total_cost" json:"total_cost"`
	LotNumber         *string         `db:"lot_number" json:"lot_number,omitempty"`
	ExpiryDate        *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	TransactionDate   time.Time       `db:"transaction_date" json:"transaction_date"`
	ReferenceNumber   *string         `db:"reference_number" json:"reference_number,omitempty"`
	Notes             *string         `db:"notes" json:"notes,omitempty"`
	UsageLocation     *string         `db:"usage_location" json:"usage_location,omitempty"`
	UsagePurpose      *string         `db:"usage_purpose" json:"usage_purpose,omitempty"`
	ChargedTo         *string         `db:"charged_to" json:"charged_to,omitempty"`
	CreatedBy         string          `db:"created_by" json:"created_by"`
	RemainingQuantity int64           `db:"remaining_quantity" json:"remaining_quantity"`
	ApprovalStatus    ApprovalStatus  `db:"approval_status" json:"approval_status"`
	ApprovedBy        *string         `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	RejectionReason   *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	IsVerified        bool            `db:"is_verified" json:"is_verified"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// SignedQuantity returns the quantity with the direction applied.
func (t *Transaction) SignedQuantity() int64 {
	if t.Direction == DirectionOut {
		return -t.Quantity
	}
	return t.Quantity
}

// LotMovement is the audit row written for every lot touched by an apply.
type LotMovement struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	TransactionID       uuid.UUID `db:"transaction_id" json:"transaction_id"`
	LotID               uuid.UUID `db:"lot_id" json:"lot_id"`
	ProductID           uuid.UUID `db:"product_id" json:"product_id"`
	QuantityChange      int64     `db:"quantity_change" json:"quantity_change"`
	StockBefore         int64     `db:"stock_before" json:"stock_before"`
	StockAfter          int64     `db:"stock_after" json:"stock_after"`
	ReservationReleased int64     `db:"reservation_released" json:"reservation_released"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// LotSelector pins a reservation to one lot. A nil selector means any lot.
type LotSelector struct {
	LotNumber  *string    `json:"lot_number,omitempty"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// LotTake records how much one apply moved on one lot.
type LotTake struct {
	LotID     uuid.UUID  `json:"lot_id"`
	LotNumber *string    `json:"lot_number,omitempty"`
	Expiry    *time.Time `json:"expiry_date,omitempty"`
	Quantity  int64      `json:"quantity"`
}

// ApplyResult is the outcome of applying one transaction to the ledger.
type ApplyResult struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	Direction      Direction `json:"direction"`
	Takes          []LotTake `json:"takes"`
	Remaining      int64     `json:"remaining_quantity"`
	AlreadyApplied bool      `json:"already_applied"`
}

// Moved is the sum of all takes.
func (r *ApplyResult) Moved() int64 {
	var n int64
	for _, t := range r.Takes {
		n += t.Quantity
	}
	return n
}

// ReservationResult describes the effect of a reserve or release call.
type ReservationResult struct {
	ProductID uuid.UUID   `json:"product_id"`
	Requested int64       `json:"requested"`
	Moved     int64       `json:"moved"`
	Lots      []*StockLot `json:"lots"`
}

// StockTotals is the product-level aggregate of its lots.
type StockTotals struct {
	ProductID  uuid.UUID       `json:"product_id"`
	Current    int64           `json:"current_stock"`
	Reserved   int64           `json:"reserved_stock"`
	Available  int64           `json:"available_stock"`
	TotalValue decimal.Decimal `json:"total_value"`
	LotCount   int             `json:"lot_count"`
}

// SumLots aggregates lots into product totals.
func SumLots(productID uuid.UUID, lots []*StockLot) *StockTotals {
	t := &StockTotals{ProductID: productID, TotalValue: decimal.Zero}
	for _, l := range lots {
		t.Current += l.CurrentStock
		t.Reserved += l.ReservedStock
		t.Available += l.AvailableStock
		t.TotalValue = t.TotalValue.Add(l.TotalValue)
		t.LotCount++
	}
	return t
}

// LowStockItem is one line of the reorder report.
type LowStockItem struct {
	Product   *Product `json:"product"`
	Available int64    `json:"available_stock"`
	Shortage  int64    `json:"shortage"`
}

// SummaryRow aggregates approved transactions for one product and direction.
type SummaryRow struct {
	ProductID   uuid.UUID       `json:"product_id"`
	Direction   Direction       `json:"direction"`
	Count       int             `json:"count"`
	Quantity    int64           `json:"quantity"`
	Unfulfilled int64           `json:"unfulfilled"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// ProductFilter narrows ListProducts.
type ProductFilter struct {
	Category string
	Active   *bool
	Query    string
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	ProductID *uuid.UUID
	Direction Direction
	Subtype   string
	Status    ApprovalStatus
	From      *time.Time
	To        *time.Time
}

// SortFIFO orders lots by ascending expiry with undated lots last, then by
// creation time and id.
func SortFIFO(lots []*StockLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// normalizeDate drops the time of day so expiry dates compare by calendar day.
func normalizeDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := truncateDay(*t)
	return &d
}

// trimOptional trims s and maps a blank value to nil.
func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	return normalizeString(&trimmed)
}

func normalizeString(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return truncateDay(*a).Equal(truncateDay(*b))
}
