package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ehr/stockledger/internal/domain/inventory")

func traceErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const DefaultNearExpiryDays = 30

type Service struct {
	store          Store
	ledger         *Ledger
	logger         zerolog.Logger
	nearExpiryDays int
	now            func() time.Time
}

func NewService(store Store, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "inventory").Logger()
	return &Service{
		store:          store,
		ledger:         NewLedger(store, logger),
		logger:         logger,
		nearExpiryDays: DefaultNearExpiryDays,
		now:            time.Now,
	}
}

// SetNearExpiryDays changes the horizon used for IsNearExpiry and the
// expiring-lots report.
func (s *Service) SetNearExpiryDays(days int) {
	if days > 0 {
		s.nearExpiryDays = days
	}
}

// SetClock replaces the time source for the service and its ledger.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.ledger.now = now
}

// SetMeter rebinds the ledger counters to m instead of the global meter.
func (s *Service) SetMeter(m metric.Meter) error {
	lm, err := newLedgerMetrics(m)
	if err != nil {
		return err
	}
	s.ledger.metrics = lm
	return nil
}

// Ledger returns the ledger the service applies transactions through.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// ---- Products ----

func (s *Service) validateProduct(ctx context.Context, p *Product) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Code = strings.TrimSpace(p.Code)
	p.Category = strings.TrimSpace(p.Category)
	p.Unit = strings.TrimSpace(p.Unit)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.Code == "" {
		return fmt.Errorf("%w: code is required", ErrValidation)
	}
	for _, f := range []struct {
		name  string
		value string
		limit int
	}{
		{"name", p.Name, maxNameLength},
		{"code", p.Code, maxCodeLength},
		{"category", p.Category, maxCategoryLength},
		{"unit", p.Unit, maxUnitLength},
	} {
		if err := checkLength(f.name, f.value, f.limit); err != nil {
			return err
		}
	}
	if p.UnitCost.IsNegative() {
		return fmt.Errorf("%w: unit_cost must not be negative", ErrValidation)
	}
	if p.MinStock < 0 || p.MaxStock < 0 {
		return fmt.Errorf("%w: stock thresholds must not be negative", ErrValidation)
	}
	if p.MaxStock != 0 && p.MaxStock < p.MinStock {
		return fmt.Errorf("%w: max_stock must be at least min_stock", ErrValidation)
	}

	existing, err := s.store.Products().GetByCode(ctx, p.Code)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID != p.ID:
		return fmt.Errorf("%w: product code %s already exists", ErrValidation, p.Code)
	}
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, p *Product) error {
	ctx, span := tracer.Start(ctx, "inventory.CreateProduct")
	defer span.End()

	if err := s.validateProduct(ctx, p); err != nil {
		return traceErr(span, err)
	}
	now := s.now().UTC()
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.Products().Create(ctx, p); err != nil {
		return traceErr(span, err)
	}
	s.logger.Info().Str("product_id", p.ID.String()).Str("code", p.Code).Msg("product created")
	return nil
}

func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.store.Products().GetByID(ctx, id)
}

// UpdateProduct replaces the editable fields of an existing product. The
// active flag and creation time are kept.
func (s *Service) UpdateProduct(ctx context.Context, p *Product) error {
	ctx, span := tracer.Start(ctx, "inventory.UpdateProduct")
	defer span.End()

	existing, err := s.store.Products().GetByID(ctx, p.ID)
	if err != nil {
		return traceErr(span, err)
	}
	if err := s.validateProduct(ctx, p); err != nil {
		return traceErr(span, err)
	}
	p.Active = existing.Active
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Products().Update(ctx, p); err != nil {
		return traceErr(span, err)
	}
	return nil
}

func (s *Service) DeactivateProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.setActive(ctx, id, false)
}

func (s *Service) ActivateProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	return s.setActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, id uuid.UUID, active bool) (*Product, error) {
	var product *Product
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.Products().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Active != active {
			p.Active = active
			p.UpdatedAt = s.now().UTC()
			if err := s.store.Products().Update(ctx, p); err != nil {
				return err
			}
		}
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("product_id", id.String()).Bool("active", active).Msg("product status changed")
	return product, nil
}

// DeleteProduct removes a product that has never been moved. Products with
// transactions must be deactivated instead.
func (s *Service) DeleteProduct(ctx context.Context, id uuid.UUID) error {
	return s.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Products().GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := s.store.Transactions().CountByProduct(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: product has %d transactions, deactivate it instead", ErrInvalidState, n)
		}
		return s.store.Products().Delete(ctx, id)
	})
}

func (s *Service) ListProducts(ctx context.Context, filter ProductFilter, limit, offset int) ([]*Product, int, error) {
	return s.store.Products().List(ctx, filter, limit, offset)
}

// ProductStock sums the product's lots.
func (s *Service) ProductStock(ctx context.Context, id uuid.UUID) (*StockTotals, error) {
	if _, err := s.store.Products().GetByID(ctx, id); err != nil {
		return nil, err
	}
	lots, err := s.store.Lots().ListByProduct(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return SumLots(id, lots), nil
}

func (s *Service) LowStock(ctx context.Context) ([]*LowStockItem, error) {
	return s.store.Products().LowStock(ctx)
}

// ---- Lots ----

func (s *Service) ListLots(ctx context.Context, productID uuid.UUID, includeEmpty bool) ([]*StockLot, error) {
	if _, err := s.store.Products().GetByID(ctx, productID); err != nil {
		return nil, err
	}
	lots, err := s.store.Lots().ListByProduct(ctx, productID, includeEmpty)
	if err != nil {
		return nil, err
	}
	SortFIFO(lots)
	s.flagLots(lots)
	return lots, nil
}

// ExpiringLots lists stocked lots that expire within days (the configured
// horizon when days <= 0), including lots already past expiry.
func (s *Service) ExpiringLots(ctx context.Context, days int) ([]*StockLot, error) {
	if days <= 0 {
		days = s.nearExpiryDays
	}
	cutoff := truncateDay(s.now()).AddDate(0, 0, days)
	lots, err := s.store.Lots().ExpiringBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	s.flagLots(lots)
	return lots, nil
}

func (s *Service) flagLots(lots []*StockLot) {
	today := s.now()
	for _, l := range lots {
		l.SetExpiryFlags(today, s.nearExpiryDays)
	}
}

// lotNumberFor and expiryFor collapse untracked attributes to the default lot.
func (s *Service) lotNumberFor(p *Product, lotNumber *string) *string {
	if !p.RequiresLotTracking {
		return nil
	}
	return trimOptional(lotNumber)
}

func (s *Service) expiryFor(p *Product, expiry *time.Time) *time.Time {
	if !p.RequiresExpiryTracking {
		return nil
	}
	return normalizeDate(expiry)
}

// ---- Transactions ----

// checkTransactionLengths trims the caller-supplied text fields of t and
// checks them against their column widths.
func checkTransactionLengths(t *Transaction, actorID string) error {
	t.LotNumber = trimOptional(t.LotNumber)
	t.ReferenceNumber = trimOptional(t.ReferenceNumber)
	t.UsageLocation = trimOptional(t.UsageLocation)
	t.UsagePurpose = trimOptional(t.UsagePurpose)
	t.ChargedTo = trimOptional(t.ChargedTo)
	if err := checkLength("created_by", actorID, maxFreeTextLength); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		value *string
		limit int
	}{
		{"lot_number", t.LotNumber, maxLotNumberLength},
		{"reference_number", t.ReferenceNumber, maxReferenceLength},
		{"usage_location", t.UsageLocation, maxFreeTextLength},
		{"usage_purpose", t.UsagePurpose, maxFreeTextLength},
		{"charged_to", t.ChargedTo, maxFreeTextLength},
	} {
		if err := checkOptionalLength(f.name, f.value, f.limit); err != nil {
			return err
		}
	}
	return nil
}

// RecordTransaction stores a new movement. Inbound movements are approved on
// creation and applied to the ledger in the same unit of work; outbound
// movements wait in pending for approval. The returned result is nil for
// outbound movements.
func (s *Service) RecordTransaction(ctx context.Context, t *Transaction, actorID string) (*ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.RecordTransaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", t.ProductID.String()),
		attribute.String("direction", string(t.Direction)),
		attribute.Int64("quantity", t.Quantity),
	)

	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, traceErr(span, fmt.Errorf("%w: acting user is required", ErrValidation))
	}
	if t.Quantity <= 0 {
		return nil, traceErr(span, fmt.Errorf("%w: quantity must be greater than 0", ErrValidation))
	}
	if t.Direction != DirectionIn && t.Direction != DirectionOut {
		return nil, traceErr(span, fmt.Errorf("%w: direction must be in or out", ErrValidation))
	}
	t.Subtype = strings.TrimSpace(t.Subtype)
	if !ValidSubtype(t.Direction, t.Subtype) {
		return nil, traceErr(span, fmt.Errorf("%w: subtype %q is not valid for direction %s", ErrValidation, t.Subtype, t.Direction))
	}
	if t.UnitCost.IsNegative() {
		return nil, traceErr(span, fmt.Errorf("%w: unit_cost must not be negative", ErrValidation))
	}
	if err := checkTransactionLengths(t, actorID); err != nil {
		return nil, traceErr(span, err)
	}

	var result *ApplyResult
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.Products().GetForUpdate(ctx, t.ProductID)
		if err != nil {
			return err
		}
		if !p.Active {
			return fmt.Errorf("%w: product %s is inactive", ErrValidation, p.Code)
		}

		t.LotNumber = s.lotNumberFor(p, t.LotNumber)
		t.ExpiryDate = s.expiryFor(p, t.ExpiryDate)
		if t.Direction == DirectionIn {
			if p.RequiresLotTracking && t.LotNumber == nil {
				return fmt.Errorf("%w: lot_number is required for product %s", ErrValidation, p.Code)
			}
			if p.RequiresExpiryTracking && t.ExpiryDate == nil {
				return fmt.Errorf("%w: expiry_date is required for product %s", ErrValidation, p.Code)
			}
		}

		now := s.now().UTC()
		if t.UnitCost.IsZero() {
			t.UnitCost = p.UnitCost
		}
		t.TotalCost = t.UnitCost.Mul(decimal.NewFromInt(t.Quantity))
		if t.TransactionDate.IsZero() {
			t.TransactionDate = now
		}
		t.CreatedBy = actorID
		t.RemainingQuantity = 0
		t.IsVerified = false
		t.RejectionReason = nil
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.Direction == DirectionIn {
			t.ApprovalStatus = StatusApproved
			t.ApprovedBy = &actorID
			t.ApprovedAt = &now
		} else {
			t.ApprovalStatus = StatusPending
			t.ApprovedBy = nil
			t.ApprovedAt = nil
		}

		if err := s.store.Transactions().Create(ctx, t); err != nil {
			return err
		}
		if t.Direction == DirectionOut {
			return nil
		}

		result, err = s.ledger.applyLocked(ctx, t)
		if err != nil {
			return err
		}
		return s.store.Transactions().Update(ctx, t)
	})
	if err != nil {
		return nil, traceErr(span, err)
	}
	s.ledger.metrics.transactionRecorded(ctx, t.Direction)
	s.ledger.metrics.transactionApplied(ctx, result)

	s.logger.Info().
		Str("transaction_id", t.ID.String()).
		Str("product_id", t.ProductID.String()).
		Str("direction", string(t.Direction)).
		Str("subtype", t.Subtype).
		Str("status", string(t.ApprovalStatus)).
		Msg("transaction recorded")
	return result, nil
}

// ApplyTransaction re-runs the ledger for one transaction. It is a no-op for
// transactions that were already applied.
func (s *Service) ApplyTransaction(ctx context.Context, id uuid.UUID) (*ApplyResult, error) {
	return s.ledger.Apply(ctx, id)
}

func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return s.store.Transactions().GetByID(ctx, id)
}

func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter, limit, offset int) ([]*Transaction, int, error) {
	return s.store.Transactions().List(ctx, filter, limit, offset)
}

// DeleteTransaction removes a transaction that is still pending. Decided
// transactions are part of the audit trail.
func (s *Service) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		t, err := s.store.Transactions().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.ApprovalStatus != StatusPending {
			return fmt.Errorf("%w: transaction %s is %s, only pending transactions can be deleted",
				ErrInvalidState, t.ID, t.ApprovalStatus)
		}
		return s.store.Transactions().Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("transaction_id", id.String()).Msg("pending transaction deleted")
	return nil
}

// Movements returns the per-lot rows the ledger wrote for a transaction.
func (s *Service) Movements(ctx context.Context, transactionID uuid.UUID) ([]*LotMovement, error) {
	if _, err := s.store.Transactions().GetByID(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.store.Movements().ListByTransaction(ctx, transactionID)
}

// Summary aggregates approved transactions dated in [from, to) by product and
// direction.
func (s *Service) Summary(ctx context.Context, from, to time.Time) ([]*SummaryRow, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", ErrValidation)
	}
	return s.store.Transactions().Summary(ctx, from, to)
}
