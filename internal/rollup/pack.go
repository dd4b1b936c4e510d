package rollup

import "math/big"

// Amounts and fees are packed as mantissa * 10^exponent with a 5-bit exponent.
const (
	amountMantissaBits = 35
	feeMantissaBits    = 11
	exponentBits       = 5
)

var ten = big.NewInt(10)

func closestPackable(v *big.Int, mantissaBits uint) *big.Int {
	if v == nil || v.Sign() <= 0 {
		return new(big.Int)
	}
	maxMantissa := new(big.Int).Lsh(big.NewInt(1), mantissaBits)
	maxExp := (1 << exponentBits) - 1

	mantissa := new(big.Int).Set(v)
	exp := 0
	for mantissa.Cmp(maxMantissa) >= 0 && exp < maxExp {
		mantissa.Quo(mantissa, ten)
		exp++
	}
	if mantissa.Cmp(maxMantissa) >= 0 {
		mantissa.Sub(maxMantissa, big.NewInt(1))
	}
	return mantissa.Mul(mantissa, new(big.Int).Exp(ten, big.NewInt(int64(exp)), nil))
}

// ClosestPackableAmount rounds v down to the nearest amount the rollup can encode.
func ClosestPackableAmount(v *big.Int) *big.Int {
	return closestPackable(v, amountMantissaBits)
}

// ClosestPackableFee rounds v down to the nearest fee the rollup can encode.
func ClosestPackableFee(v *big.Int) *big.Int {
	return closestPackable(v, feeMantissaBits)
}

// IsPackableAmount reports whether v is encodable without loss.
func IsPackableAmount(v *big.Int) bool {
	return ClosestPackableAmount(v).Cmp(v) == 0
}
