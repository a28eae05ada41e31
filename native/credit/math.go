package credit

import "math/big"

// PercentageFactor is the basis-point denominator used for every fee,
// threshold and discount in the credit system.
const PercentageFactor = 10_000

var (
	bpsFactor = big.NewInt(PercentageFactor)
	// ray is the 1e27 fixed-point scale shared with the pool's cumulative
	// borrow index.
	ray = mustBigInt("1000000000000000000000000000")
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// percentMul computes amount * bps / 10000 with truncating division. Index and
// payment maths deliberately truncate so repeated operations never credit the
// account with value that was not there.
func percentMul(amount *big.Int, bps uint16) *big.Int {
	if amount == nil || amount.Sign() == 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Quo(out, bpsFactor)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func minBigInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
