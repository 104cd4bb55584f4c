package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Ledger applies the stock effect of approved transactions to lots.
type Ledger struct {
	store   Store
	logger  zerolog.Logger
	metrics *ledgerMetrics
	now     func() time.Time
}

func NewLedger(store Store, logger zerolog.Logger) *Ledger {
	lm, err := newLedgerMetrics(meter)
	if err != nil {
		logger.Warn().Err(err).Msg("ledger metrics partially unavailable")
	}
	return &Ledger{store: store, logger: logger, metrics: lm, now: time.Now}
}

// Apply applies an approved transaction to its product's lots in one unit of
// work. Applying a transaction that is already verified changes nothing and
// reports AlreadyApplied.
func (l *Ledger) Apply(ctx context.Context, transactionID uuid.UUID) (*ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.Ledger.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", transactionID.String()))

	var result *ApplyResult
	err := l.store.InTx(ctx, func(ctx context.Context) error {
		t, _, err := l.lockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.IsVerified {
			result = &ApplyResult{TransactionID: t.ID, Direction: t.Direction, Remaining: t.RemainingQuantity, AlreadyApplied: true}
			return nil
		}
		if t.ApprovalStatus != StatusApproved {
			return fmt.Errorf("%w: transaction %s is %s, only approved transactions can be applied",
				ErrInvalidState, t.ID, t.ApprovalStatus)
		}
		result, err = l.applyLocked(ctx, t)
		if err != nil {
			return err
		}
		return l.store.Transactions().Update(ctx, t)
	})
	if err != nil {
		return nil, traceErr(span, err)
	}
	l.metrics.transactionApplied(ctx, result)
	return result, nil
}

// lockTransaction takes the product lock and then re-reads the transaction
// under it. Every stock-changing path locks in this order.
func (l *Ledger) lockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, *Product, error) {
	t, err := l.store.Transactions().GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, err := l.store.Products().GetForUpdate(ctx, t.ProductID)
	if err != nil {
		return nil, nil, err
	}
	t, err = l.store.Transactions().GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, p, nil
}

// applyLocked mutates lots and t in place. The caller must hold the product
// lock inside a unit of work and persists t afterwards.
func (l *Ledger) applyLocked(ctx context.Context, t *Transaction) (*ApplyResult, error) {
	if t.IsVerified {
		return &ApplyResult{TransactionID: t.ID, Direction: t.Direction, Remaining: t.RemainingQuantity, AlreadyApplied: true}, nil
	}
	if t.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be greater than 0", ErrValidation)
	}

	now := l.now().UTC()
	result := &ApplyResult{TransactionID: t.ID, Direction: t.Direction}

	switch t.Direction {
	case DirectionIn:
		take, err := l.receive(ctx, t, now)
		if err != nil {
			return nil, err
		}
		result.Takes = []LotTake{take}
	case DirectionOut:
		takes, remaining, err := l.deplete(ctx, t, now)
		if err != nil {
			return nil, err
		}
		result.Takes = takes
		result.Remaining = remaining
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, t.Direction)
	}

	t.RemainingQuantity = result.Remaining
	t.IsVerified = true
	t.UpdatedAt = now

	event := l.logger.Info()
	if result.Remaining > 0 {
		event = l.logger.Warn().Int64("remaining_quantity", result.Remaining)
	}
	event.
		Str("transaction_id", t.ID.String()).
		Str("product_id", t.ProductID.String()).
		Str("direction", string(t.Direction)).
		Int64("quantity", t.Quantity).
		Int("lots", len(result.Takes)).
		Msg("ledger applied")

	return result, nil
}

func (l *Ledger) receive(ctx context.Context, t *Transaction, now time.Time) (LotTake, error) {
	lots := l.store.Lots()
	lot, err := lots.FindByKey(ctx, t.ProductID, t.LotNumber, t.ExpiryDate)
	isNew := false
	switch {
	case errors.Is(err, ErrNotFound):
		isNew = true
		lot = &StockLot{
			ProductID:  t.ProductID,
			LotNumber:  t.LotNumber,
			ExpiryDate: t.ExpiryDate,
			CreatedAt:  now,
		}
	case err != nil:
		return LotTake{}, err
	}

	before := lot.CurrentStock
	lot.receive(t.Quantity, t.UnitCost)
	lot.LastUpdated = now

	if isNew {
		err = lots.Create(ctx, lot)
	} else {
		err = lots.Update(ctx, lot)
	}
	if err != nil {
		return LotTake{}, err
	}

	if err := l.record(ctx, t, lot, t.Quantity, before, 0, now); err != nil {
		return LotTake{}, err
	}
	return LotTake{LotID: lot.ID, LotNumber: lot.LotNumber, Expiry: lot.ExpiryDate, Quantity: t.Quantity}, nil
}

func (l *Ledger) deplete(ctx context.Context, t *Transaction, now time.Time) ([]LotTake, int64, error) {
	lots, err := l.store.Lots().ListByProduct(ctx, t.ProductID, false)
	if err != nil {
		return nil, 0, err
	}
	SortFIFO(lots)

	need := t.Quantity
	var takes []LotTake
	for _, lot := range lots {
		if need == 0 {
			break
		}
		before := lot.CurrentStock
		taken, released := lot.take(need)
		if taken == 0 {
			continue
		}
		need -= taken
		lot.LastUpdated = now
		if err := l.store.Lots().Update(ctx, lot); err != nil {
			return nil, 0, err
		}
		if err := l.record(ctx, t, lot, -taken, before, released, now); err != nil {
			return nil, 0, err
		}
		takes = append(takes, LotTake{LotID: lot.ID, LotNumber: lot.LotNumber, Expiry: lot.ExpiryDate, Quantity: taken})
	}
	return takes, need, nil
}

func (l *Ledger) record(ctx context.Context, t *Transaction, lot *StockLot, change, before, released int64, now time.Time) error {
	return l.store.Movements().Create(ctx, &LotMovement{
		TransactionID:       t.ID,
		LotID:               lot.ID,
		ProductID:           t.ProductID,
		QuantityChange:      change,
		StockBefore:         before,
		StockAfter:          lot.CurrentStock,
		ReservationReleased: released,
		CreatedAt:           now,
	})
}
