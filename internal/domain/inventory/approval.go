package inventory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Approve moves a pending transaction to approved and applies it to the
// ledger in the same unit of work.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approverID string) (*Transaction, *ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.Approve")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id.String()))

	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return nil, nil, traceErr(span, fmt.Errorf("%w: approver is required", ErrValidation))
	}
	if err := checkLength("approved_by", approverID, maxFreeTextLength); err != nil {
		return nil, nil, traceErr(span, err)
	}

	var (
		tx     *Transaction
		result *ApplyResult
	)
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		t, _, err := s.ledger.lockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if t.ApprovalStatus != StatusPending {
			return fmt.Errorf("%w: transaction %s is %s, only pending transactions can be approved",
				ErrInvalidState, t.ID, t.ApprovalStatus)
		}

		now := s.now().UTC()
		t.ApprovalStatus = StatusApproved
		t.ApprovedBy = &approverID
		t.ApprovedAt = &now
		t.UpdatedAt = now

		result, err = s.ledger.applyLocked(ctx, t)
		if err != nil {
			return err
		}
		if err := s.store.Transactions().Update(ctx, t); err != nil {
			return err
		}
		tx = t
		return nil
	})
	if err != nil {
		return nil, nil, traceErr(span, err)
	}
	s.ledger.metrics.transactionApplied(ctx, result)

	s.logger.Info().
		Str("transaction_id", tx.ID.String()).
		Str("product_id", tx.ProductID.String()).
		Str("approved_by", approverID).
		Bool("already_applied", result.AlreadyApplied).
		Msg("transaction approved")
	return tx, result, nil
}

// Reject closes a pending transaction without touching stock.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, approverID, reason string) (*Transaction, error) {
	ctx, span := tracer.Start(ctx, "inventory.Reject")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id.String()))

	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return nil, traceErr(span, fmt.Errorf("%w: approver is required", ErrValidation))
	}
	if err := checkLength("approved_by", approverID, maxFreeTextLength); err != nil {
		return nil, traceErr(span, err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, traceErr(span, fmt.Errorf("%w: rejection reason is required", ErrValidation))
	}
	if utf8.RuneCountInString(reason) > MaxRejectionReasonLength {
		return nil, traceErr(span, fmt.Errorf("%w: rejection reason must be at most %d characters",
			ErrValidation, MaxRejectionReasonLength))
	}

	var tx *Transaction
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		t, err := s.store.Transactions().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.ApprovalStatus != StatusPending {
			return fmt.Errorf("%w: transaction %s is %s, only pending transactions can be rejected",
				ErrInvalidState, t.ID, t.ApprovalStatus)
		}

		now := s.now().UTC()
		t.ApprovalStatus = StatusRejected
		t.ApprovedBy = &approverID
		t.ApprovedAt = &now
		t.RejectionReason = &reason
		t.UpdatedAt = now
		if err := s.store.Transactions().Update(ctx, t); err != nil {
			return err
		}
		tx = t
		return nil
	})
	if err != nil {
		return nil, traceErr(span, err)
	}
	s.ledger.metrics.transactionRejected(ctx)

	s.logger.Info().
		Str("transaction_id", tx.ID.String()).
		Str("product_id", tx.ProductID.String()).
		Str("rejected_by", approverID).
		Msg("transaction rejected")
	return tx, nil
}
