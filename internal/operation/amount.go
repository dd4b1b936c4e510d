package operation

import (
	"math/big"
	"math/rand/v2"

	"github.com/gateway-fm/rollupsim/internal/rollup"
)

// precision is the fixed-point scale applied to the random fraction.
var precision = big.NewInt(1_000_000_000_000_000_000)

// RandomAmount draws uniformly from [lo, hi). lo == hi yields lo.
// The fraction is scaled to 18 decimals before the multiplication so large
// wei amounts keep full precision.
func RandomAmount(rng *rand.Rand, lo, hi *big.Int) *big.Int {
	if hi.Cmp(lo) <= 0 {
		return new(big.Int).Set(lo)
	}
	scaled := new(big.Int).SetUint64(uint64(rng.Float64() * 1e18))
	if scaled.Cmp(precision) >= 0 {
		scaled.Sub(precision, big.NewInt(1))
	}
	span := new(big.Int).Sub(hi, lo)
	span.Mul(span, scaled)
	span.Quo(span, precision)
	return span.Add(span, lo)
}

// PackableAmount draws from [lo, hi) and rounds down to a packable amount
// when the rounded value stays in range.
func PackableAmount(rng *rand.Rand, lo, hi *big.Int) *big.Int {
	amount := RandomAmount(rng, lo, hi)
	if packed := rollup.ClosestPackableAmount(amount); packed.Cmp(lo) >= 0 {
		return packed
	}
	return amount
}
