package pool

import "math/big"

// blocksPerYear assumes one-second blocks, matching how the borrow index
// converts annual rates into per-block growth.
const blocksPerYear = 31_536_000

var (
	ray     = mustBigInt("1000000000000000000000000000") // 1e27
	halfRay = new(big.Int).Rsh(mustBigInt("1000000000000000000000000000"), 1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// InterestModel is a kinked borrow-rate curve: a base rate, a gentle slope up
// to the kink utilisation and a steep slope beyond it.
type InterestModel struct {
	BaseRate *big.Rat
	Slope1   *big.Rat
	Slope2   *big.Rat
	Kink     *big.Rat
}

// NewInterestModel builds a model from decimal inputs, e.g. a 2% base rate is
// 0.02 and an 80% kink is 0.8.
func NewInterestModel(baseRate, slope1, slope2, kink float64) *InterestModel {
	m := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	m.BaseRate.SetFloat64(baseRate)
	m.Slope1.SetFloat64(slope1)
	m.Slope2.SetFloat64(slope2)
	m.Kink.SetFloat64(kink)
	return m
}

// Clone returns a deep copy of the model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
}

// Utilisation is totalBorrowed / totalSupplied, zero when the pool is empty.
func (m *InterestModel) Utilisation(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() == 0 ||
		totalSupplied == nil || totalSupplied.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
}

// BorrowAPR derives the annual borrow rate at the current utilisation.
func (m *InterestModel) BorrowAPR(totalBorrowed, totalSupplied *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(totalBorrowed, totalSupplied)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), utilisation))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// rateFactor converts an annual rate into a ray growth factor over a block
// delta using simple interest within the window.
func rateFactor(rate *big.Rat, delta uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	perWindow := new(big.Rat).Set(rate)
	perWindow.Quo(perWindow, new(big.Rat).SetUint64(blocksPerYear))
	perWindow.Mul(perWindow, new(big.Rat).SetUint64(delta))
	factor := new(big.Rat).Add(big.NewRat(1, 1), perWindow)
	return ratToRay(factor)
}

func ratToRay(r *big.Rat) *big.Int {
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num, den := scaled.Num(), scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	out := new(big.Int).Quo(num, den)
	if out.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return out
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	return product.Quo(product, ray)
}
