package inventory

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/ehr/stockledger/internal/domain/inventory")

// ledgerMetrics count ledger activity. Instruments created against the
// global meter start exporting once telemetry.Init installs a provider.
type ledgerMetrics struct {
	recorded  metric.Int64Counter
	applied   metric.Int64Counter
	rejected  metric.Int64Counter
	moved     metric.Int64Counter
	shortfall metric.Int64Counter
}

func newLedgerMetrics(m metric.Meter) (*ledgerMetrics, error) {
	var (
		lm   ledgerMetrics
		errs [5]error
	)
	lm.recorded, errs[0] = m.Int64Counter("stock.transactions.recorded",
		metric.WithDescription("Stock transactions accepted, by direction."))
	lm.applied, errs[1] = m.Int64Counter("stock.transactions.applied",
		metric.WithDescription("Transactions applied to the lot ledger, by direction."))
	lm.rejected, errs[2] = m.Int64Counter("stock.transactions.rejected",
		metric.WithDescription("Pending transactions rejected by an approver."))
	lm.moved, errs[3] = m.Int64Counter("stock.units.moved",
		metric.WithUnit("{unit}"),
		metric.WithDescription("Units moved into or out of lots, by direction."))
	lm.shortfall, errs[4] = m.Int64Counter("stock.units.shortfall",
		metric.WithUnit("{unit}"),
		metric.WithDescription("Outbound units no lot could cover."))
	return &lm, errors.Join(errs[:]...)
}

func directionAttr(dir Direction) metric.AddOption {
	return metric.WithAttributes(attribute.String("direction", string(dir)))
}

func (lm *ledgerMetrics) transactionRecorded(ctx context.Context, dir Direction) {
	lm.recorded.Add(ctx, 1, directionAttr(dir))
}

func (lm *ledgerMetrics) transactionRejected(ctx context.Context) {
	lm.rejected.Add(ctx, 1)
}

func (lm *ledgerMetrics) transactionApplied(ctx context.Context, r *ApplyResult) {
	if r == nil || r.AlreadyApplied {
		return
	}
	lm.applied.Add(ctx, 1, directionAttr(r.Direction))
	if moved := r.Moved(); moved > 0 {
		lm.moved.Add(ctx, moved, directionAttr(r.Direction))
	}
	if r.Remaining > 0 {
		lm.shortfall.Add(ctx, r.Remaining)
	}
}
