package credit

import (
	"math/bits"

	"github.com/holiman/uint256"
)

// TokenMask is a 256-bit set describing which registered collateral tokens an
// operation refers to. Bit positions are assigned by the token registry at
// registration time; bit 0 is always the pool underlying. Masks are value
// types and every operation returns a new mask.
type TokenMask uint256.Int

// UnderlyingMask selects only the underlying token slot.
var UnderlyingMask = MaskAt(0)

// MaskAt returns a mask with the single bit at the given slot index set.
func MaskAt(index uint8) TokenMask {
	var m uint256.Int
	m.Lsh(uint256.NewInt(1), uint(index))
	return TokenMask(m)
}

// MaskFromUint256 converts a raw 256-bit word into a TokenMask. Callers
// supplying hints over the wire arrive here.
func MaskFromUint256(v *uint256.Int) TokenMask {
	if v == nil {
		return TokenMask{}
	}
	return TokenMask(*v)
}

// Uint256 returns the mask as a raw 256-bit word.
func (m TokenMask) Uint256() *uint256.Int {
	u := uint256.Int(m)
	return &u
}

// Enable returns the union of the mask with the given bits.
func (m TokenMask) Enable(b TokenMask) TokenMask {
	var out uint256.Int
	mm, bb := uint256.Int(m), uint256.Int(b)
	out.Or(&mm, &bb)
	return TokenMask(out)
}

// Disable returns the mask with the given bits cleared.
func (m TokenMask) Disable(b TokenMask) TokenMask {
	var out, nb uint256.Int
	mm, bb := uint256.Int(m), uint256.Int(b)
	nb.Not(&bb)
	out.And(&mm, &nb)
	return TokenMask(out)
}

// EnableDisable applies both bit sets in one step. Disable wins whenever a bit
// appears on both sides.
func (m TokenMask) EnableDisable(enable, disable TokenMask) TokenMask {
	return m.Enable(enable).Disable(disable)
}

// Intersect returns the bits present in both masks.
func (m TokenMask) Intersect(o TokenMask) TokenMask {
	var out uint256.Int
	mm, oo := uint256.Int(m), uint256.Int(o)
	out.And(&mm, &oo)
	return TokenMask(out)
}

// Without returns the bits of m that are not present in o.
func (m TokenMask) Without(o TokenMask) TokenMask {
	return m.Disable(o)
}

// Intersects reports whether the two masks share at least one bit.
func (m TokenMask) Intersects(o TokenMask) bool {
	return !m.Intersect(o).IsZero()
}

// IsZero reports whether no bits are set.
func (m TokenMask) IsZero() bool {
	return m[0]|m[1]|m[2]|m[3] == 0
}

// Count returns the number of set bits.
func (m TokenMask) Count() int {
	return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1]) +
		bits.OnesCount64(m[2]) + bits.OnesCount64(m[3])
}

// Index maps a single-bit mask back to its slot index. Masks with zero or more
// than one bit set are rejected so malformed hints surface instead of being
// silently truncated.
func (m TokenMask) Index() (uint8, error) {
	if m.Count() != 1 {
		return 0, ErrNotSingleToken
	}
	mm := uint256.Int(m)
	return uint8(mm.BitLen() - 1), nil
}

// Bits returns the set slot indexes in ascending order.
func (m TokenMask) Bits() []uint8 {
	out := make([]uint8, 0, m.Count())
	for limb := 0; limb < 4; limb++ {
		w := m[limb]
		for w != 0 {
			i := bits.TrailingZeros64(w)
			out = append(out, uint8(limb*64+i))
			w &= w - 1
		}
	}
	return out
}

// String renders the mask as a hex word for logs and errors.
func (m TokenMask) String() string {
	u := uint256.Int(m)
	return u.Hex()
}
