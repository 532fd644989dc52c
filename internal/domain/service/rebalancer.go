package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"paperengine/internal/domain/model"
)

// Weighting schemes. "equal" splits the bucket evenly across decisions;
// "upstream" uses the weight carried on the decision feed.
const (
	WeightEqual    = "equal"
	WeightUpstream = "upstream"
)

// TargetWeights resolves the per-asset target weight for one capital
// bucket according to the configured scheme.
func TargetWeights(scheme string, decisions []model.Decision) (map[string]decimal.Decimal, error) {
	weights := make(map[string]decimal.Decimal, len(decisions))
	switch scheme {
	case WeightEqual:
		if len(decisions) == 0 {
			return weights, nil
		}
		w := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(len(decisions))), 12)
		for _, d := range decisions {
			weights[d.AssetID] = w
		}
	case WeightUpstream:
		for _, d := range decisions {
			if d.TargetWgt == nil {
				return nil, fmt.Errorf("decision %s carries no target weight", d.AssetID)
			}
			weights[d.AssetID] = *d.TargetWgt
		}
	default:
		return nil, fmt.Errorf("unknown weighting scheme %q", scheme)
	}
	return weights, nil
}

// EqualFallback spreads weight evenly over the given assets. Used when the
// signal stage yields nothing and no previous allocation exists.
func EqualFallback(assets []string) map[string]decimal.Decimal {
	weights := make(map[string]decimal.Decimal, len(assets))
	if len(assets) == 0 {
		return weights
	}
	w := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(len(assets))), 12)
	for _, a := range assets {
		weights[a] = w
	}
	return weights
}

// Target is the sized outcome for one asset in one capital bucket. Target
// and realized weights are tracked separately: rounding to whole units
// drifts the realized allocation away from the requested one.
type Target struct {
	AssetID     string
	AssetIDType string
	Decision    int64 // +1 long, -1 short
	TargetWgt   decimal.Decimal
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Notional    decimal.Decimal
	RealWgt     decimal.Decimal
}

// Allocation holds all sized targets of one bucket.
type Allocation struct {
	Targets    []Target
	TotalValue decimal.Decimal
}

// Order pairs a broker instruction with the target it came from. Closing
// orders reduce or flatten an existing opposing position; opening orders
// establish or increase one.
type Order struct {
	Target  Target
	Params  model.OrderParams
	Closing bool
}

// Rebalancer sizes one capital bucket into concrete quantities and orders.
type Rebalancer struct {
	Capital decimal.Decimal

	// WholeShares floors quantities to whole units (equities); otherwise
	// quantities stay fractional (crypto).
	WholeShares bool

	// MinOrderNotional suppresses deltas below this absolute notional, so
	// rounding noise does not churn orders every cycle.
	MinOrderNotional decimal.Decimal
}

// Allocate selects an execution price per decision (ask for longs, bid for
// shorts), drops unpriced assets, and computes quantity, notional and
// realized weight for the rest. A positive target weight always yields a
// non-zero quantity: lots that floor to zero are bumped to one unit rather
// than silently excluded. Zero-weight targets stay in the allocation at
// quantity zero so any held position is flattened by the delta.
func (r *Rebalancer) Allocate(decisions []model.Decision, weights map[string]decimal.Decimal, book model.Book) Allocation {
	var alloc Allocation
	used := decimal.Zero

	for _, d := range decisions {
		var price decimal.Decimal
		if d.Decision >= 0 {
			price = book.Asks[d.AssetID]
		} else {
			price = book.Bids[d.AssetID]
		}
		if price.Sign() <= 0 {
			continue
		}

		wgt, ok := weights[d.AssetID]
		if !ok {
			continue
		}

		targetNotional := r.Capital.Mul(wgt)
		var qty decimal.Decimal
		if r.WholeShares {
			qty = targetNotional.Div(price).Floor()
		} else {
			qty = targetNotional.DivRound(price, 9)
		}
		if qty.IsZero() && wgt.Sign() > 0 {
			qty = decimal.NewFromInt(1)
		}

		notional := qty.Mul(price)
		used = used.Add(notional)

		alloc.Targets = append(alloc.Targets, Target{
			AssetID:     d.AssetID,
			AssetIDType: d.AssetIDType,
			Decision:    d.Decision,
			TargetWgt:   wgt,
			Price:       price,
			Quantity:    qty,
			Notional:    notional,
		})
	}

	alloc.TotalValue = used
	if used.Sign() > 0 {
		for i := range alloc.Targets {
			alloc.Targets[i].RealWgt = alloc.Targets[i].Notional.DivRound(used, 12)
		}
	}
	return alloc
}

// Orders turns sized targets into buy/sell instructions against the
// current signed holdings. Long deltas trade in their own sign; short
// deltas invert (growing a short sells, shrinking it buys). Deltas whose
// notional stays under MinOrderNotional are dropped.
func (r *Rebalancer) Orders(alloc Allocation, positions map[string]decimal.Decimal) []Order {
	orders := make([]Order, 0, len(alloc.Targets))
	for _, t := range alloc.Targets {
		curr := positions[t.AssetID] // zero when no position exists

		// delta in signed share terms; target quantity is unsigned
		var delta decimal.Decimal
		if t.Decision >= 0 {
			delta = t.Quantity.Sub(curr)
		} else {
			delta = t.Quantity.Add(curr)
		}
		if delta.IsZero() {
			continue
		}
		if delta.Abs().Mul(t.Price).Cmp(r.MinOrderNotional) <= 0 {
			continue
		}

		var side string
		if t.Decision >= 0 {
			if delta.Sign() > 0 {
				side = "buy"
			} else {
				side = "sell"
			}
		} else {
			if delta.Sign() > 0 {
				side = "sell"
			} else {
				side = "buy"
			}
		}

		closing := (t.Decision >= 0 && side == "sell") || (t.Decision < 0 && side == "buy")
		orders = append(orders, Order{
			Target:  t,
			Closing: closing,
			Params: model.OrderParams{
				Symbol:   t.AssetID,
				Quantity: delta.Abs(),
				Side:     side,
			},
		})
	}
	return orders
}

// OrderRecords renders the audit rows for the emitted orders, in the
// orders entity field order, every figure signed by decision direction.
func OrderRecords(portfolioID int64, orderTS time.Time, orders []Order) [][]any {
	rows := make([][]any, 0, len(orders))
	for _, o := range orders {
		sign := decimal.NewFromInt(o.Target.Decision)
		rows = append(rows, []any{
			portfolioID,
			o.Target.Decision,
			o.Target.AssetIDType,
			o.Target.AssetID,
			orderTS,
			o.Target.TargetWgt.Mul(sign),
			o.Target.RealWgt.Mul(sign),
			o.Target.Quantity.Mul(sign),
			o.Target.Notional.Mul(sign),
		})
	}
	return rows
}
