package service

import (
	"github.com/shopspring/decimal"
)

// AlphaPolicy picks the blend coefficient between the previously held and
// the freshly computed target weight vectors. Both maps cover the same
// (already unioned) asset universe. Larger allowed distance means a
// smaller alpha and faster convergence to the fresh target.
type AlphaPolicy func(prev, fresh map[string]decimal.Decimal, maxDistance decimal.Decimal) decimal.Decimal

// UnionWeights aligns two weight vectors on the union of their universes,
// assigning weight zero to assets present on only one side. An asset
// dropped from the fresh target is wound down to zero, not forgotten.
func UnionWeights(prev, fresh map[string]decimal.Decimal) (map[string]decimal.Decimal, map[string]decimal.Decimal) {
	p := make(map[string]decimal.Decimal, len(prev)+len(fresh))
	f := make(map[string]decimal.Decimal, len(prev)+len(fresh))
	for asset, w := range prev {
		p[asset] = w
		f[asset] = decimal.Zero
	}
	for asset, w := range fresh {
		f[asset] = w
		if _, ok := p[asset]; !ok {
			p[asset] = decimal.Zero
		}
	}
	return p, f
}

// Blend computes alpha*prev + (1-alpha)*fresh per asset.
func Blend(prev, fresh map[string]decimal.Decimal, alpha decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(fresh))
	oneMinus := decimal.NewFromInt(1).Sub(alpha)
	for asset, f := range fresh {
		out[asset] = alpha.Mul(prev[asset]).Add(oneMinus.Mul(f))
	}
	return out
}

// BisectionAlpha is the default turnover policy: the smallest alpha whose
// blended vector stays within maxDistance (normalized Euclidean) of the
// previous weights. Distances are compared squared, so the search runs in
// exact decimal arithmetic end to end.
//
// The blend is linear, making the distance monotone decreasing in alpha;
// bisection converges regardless of the vectors' scale.
func BisectionAlpha(prev, fresh map[string]decimal.Decimal, maxDistance decimal.Decimal) decimal.Decimal {
	if maxDistance.Sign() <= 0 {
		return decimal.NewFromInt(1) // no turnover allowed, hold previous
	}

	n := int64(len(fresh))
	if n == 0 {
		return decimal.Zero
	}
	// dist(prev, blend) <= maxDistance  <=>  sum of squared diffs <= cap
	cap_ := maxDistance.Mul(maxDistance).Mul(decimal.NewFromInt(n))

	if sqDist(prev, fresh).Cmp(cap_) <= 0 {
		return decimal.Zero
	}

	lo, hi := decimal.Zero, decimal.NewFromInt(1)
	half := decimal.NewFromFloat(0.5)
	for i := 0; i < 48; i++ {
		mid := lo.Add(hi).Mul(half)
		if sqDist(prev, Blend(prev, fresh, mid)).Cmp(cap_) <= 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}

func sqDist(a, b map[string]decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for asset, av := range a {
		d := av.Sub(b[asset])
		sum = sum.Add(d.Mul(d))
	}
	return sum
}
