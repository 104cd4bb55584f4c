package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Reserve earmarks qty units of a product. With a selector the exact lot must
// exist; without one the first lot in FIFO order that can cover qty is used.
func (s *Service) Reserve(ctx context.Context, productID uuid.UUID, qty int64, sel *LotSelector) (*ReservationResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.Reserve")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID.String()), attribute.Int64("quantity", qty))

	if qty <= 0 {
		return nil, traceErr(span, fmt.Errorf("%w: quantity must be greater than 0", ErrValidation))
	}

	result := &ReservationResult{ProductID: productID, Requested: qty}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.Products().GetForUpdate(ctx, productID)
		if err != nil {
			return err
		}

		var lot *StockLot
		if sel != nil {
			lot, err = s.store.Lots().FindByKey(ctx, productID, s.lotNumberFor(p, sel.LotNumber), s.expiryFor(p, sel.ExpiryDate))
			if err != nil {
				return err
			}
			if lot.AvailableStock < qty {
				return fmt.Errorf("%w: lot has %d available, %d requested", ErrInsufficientStock, lot.AvailableStock, qty)
			}
		} else {
			lots, err := s.store.Lots().ListByProduct(ctx, productID, false)
			if err != nil {
				return err
			}
			SortFIFO(lots)
			var available int64
			for _, candidate := range lots {
				available += candidate.AvailableStock
				if candidate.AvailableStock >= qty {
					lot = candidate
					break
				}
			}
			if lot == nil {
				return fmt.Errorf("%w: no single lot can cover %d (total available %d)", ErrInsufficientStock, qty, available)
			}
		}

		lot.reserve(qty)
		lot.LastUpdated = s.now().UTC()
		if err := s.store.Lots().Update(ctx, lot); err != nil {
			return err
		}
		result.Moved = qty
		result.Lots = []*StockLot{lot}
		return nil
	})
	if err != nil {
		return nil, traceErr(span, err)
	}

	s.flagLots(result.Lots)
	s.logger.Info().
		Str("product_id", productID.String()).
		Str("lot_id", result.Lots[0].ID.String()).
		Int64("quantity", qty).
		Msg("stock reserved")
	return result, nil
}

// Release returns up to qty reserved units to available stock. Releasing more
// than is reserved is clamped. Without a selector reservations are released
// from lots in FIFO order.
func (s *Service) Release(ctx context.Context, productID uuid.UUID, qty int64, sel *LotSelector) (*ReservationResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.Release")
	defer span.End()
	span.SetAttributes(attribute.String("product.id", productID.String()), attribute.Int64("quantity", qty))

	if qty <= 0 {
		return nil, traceErr(span, fmt.Errorf("%w: quantity must be greater than 0", ErrValidation))
	}

	result := &ReservationResult{ProductID: productID, Requested: qty}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.store.Products().GetForUpdate(ctx, productID)
		if err != nil {
			return err
		}

		var lots []*StockLot
		if sel != nil {
			lot, err := s.store.Lots().FindByKey(ctx, productID, s.lotNumberFor(p, sel.LotNumber), s.expiryFor(p, sel.ExpiryDate))
			if err != nil {
				return err
			}
			lots = []*StockLot{lot}
		} else {
			lots, err = s.store.Lots().ListByProduct(ctx, productID, false)
			if err != nil {
				return err
			}
			SortFIFO(lots)
		}

		now := s.now().UTC()
		remaining := qty
		for _, lot := range lots {
			if remaining == 0 {
				break
			}
			if lot.ReservedStock == 0 {
				continue
			}
			moved := lot.release(remaining)
			remaining -= moved
			lot.LastUpdated = now
			if err := s.store.Lots().Update(ctx, lot); err != nil {
				return err
			}
			result.Lots = append(result.Lots, lot)
		}
		result.Moved = qty - remaining
		return nil
	})
	if err != nil {
		return nil, traceErr(span, err)
	}

	s.flagLots(result.Lots)
	s.logger.Info().
		Str("product_id", productID.String()).
		Int64("requested", qty).
		Int64("released", result.Moved).
		Msg("stock released")
	return result, nil
}
