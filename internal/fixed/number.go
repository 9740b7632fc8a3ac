// ============================================================================
// Mandelsplit Fixed-point Numbers - sign-magnitude multi-limb arithmetic
// ============================================================================
//
// Package: internal/fixed
// File: number.go
// Purpose: Fixed-width numbers for iterating at zoom depths beyond float64
//
// Format (n = precision in limbs, L = n+2 limbs in total):
//
//   Limbs[L-1]   Limbs[L-2] ... Limbs[1]   Limbs[0]
//   ┌─────────┐ ┌─────────────────────────┬─────────┐
//   │ integer │ │ n limbs of fraction     │ guard   │
//   └─────────┘ └─────────────────────────┴─────────┘
//
//   value = (-1)^Neg * M / 2^(64*(L-1)),  M = Σ Limbs[i] * 2^(64*i)
//
//   The top limb holds the integer part and the headroom needed by
//   intermediate sums; the bottom limb is a guard below the requested
//   precision. Zero is always stored with Neg == false.
//
// Overflow:
//   Every operation that can leave the representable range reports it
//   (bool or carry limb). A magnitude overflowing the top limb is far
//   outside the escape radius, so callers treat it as "escaped".
//
// ============================================================================

package fixed

import (
	"fmt"

	"github.com/ChuLiYu/mandelsplit/internal/lockfree"
)

// Number is a fixed-width sign-magnitude value. The zero Number has no
// limbs and must be given some by a Pool or Make before use.
type Number struct {
	Limbs []uint64
	Neg   bool

	h lockfree.Handle
}

// Make returns a heap-allocated zero with precision n.
func Make(n int) Number {
	return Number{Limbs: make([]uint64, n+2)}
}

// Precision returns n, the number of fractional limbs without the guard.
func (z *Number) Precision() int {
	return len(z.Limbs) - 2
}

func (z *Number) normSign() {
	if z.Neg && isZeroV(z.Limbs) {
		z.Neg = false
	}
}

func mustMatch(z, x *Number) {
	if len(z.Limbs) != len(x.Limbs) {
		panic(fmt.Sprintf("fixed: width mismatch %d != %d", len(z.Limbs), len(x.Limbs)))
	}
}

// SetZero sets z to 0.
func (z *Number) SetZero() {
	clear(z.Limbs)
	z.Neg = false
}

// IsZero reports whether z == 0.
func (z *Number) IsZero() bool {
	return isZeroV(z.Limbs)
}

// Assign copies the value of x into z. Both must have the same width.
func (z *Number) Assign(x *Number) {
	mustMatch(z, x)
	copy(z.Limbs, x.Limbs)
	z.Neg = x.Neg
}

// Add sets z = a + b and reports overflow of the magnitude.
func (z *Number) Add(a, b *Number) bool {
	mustMatch(a, b)
	mustMatch(z, a)
	if a.Neg == b.Neg {
		c := addVV(z.Limbs, a.Limbs, b.Limbs)
		z.Neg = a.Neg
		z.normSign()
		return c != 0
	}
	// |a| - |b|; a borrow means |b| > |a| and the sign follows b
	if subVV(z.Limbs, a.Limbs, b.Limbs) != 0 {
		negV(z.Limbs, z.Limbs)
		z.Neg = b.Neg
	} else {
		z.Neg = a.Neg
	}
	z.normSign()
	return false
}

// Sub sets z = a - b and reports overflow of the magnitude.
func (z *Number) Sub(a, b *Number) bool {
	mustMatch(a, b)
	mustMatch(z, a)
	if a.Neg != b.Neg {
		c := addVV(z.Limbs, a.Limbs, b.Limbs)
		z.Neg = a.Neg
		z.normSign()
		return c != 0
	}
	if subVV(z.Limbs, a.Limbs, b.Limbs) != 0 {
		negV(z.Limbs, z.Limbs)
		z.Neg = !a.Neg
	} else {
		z.Neg = a.Neg
	}
	z.normSign()
	return false
}

// AddMulU sets z = z + b*f. The result is the magnitude carry out of the
// top limb; non-zero means overflow.
func (z *Number) AddMulU(b *Number, f uint64) uint64 {
	mustMatch(z, b)
	if z.Neg == b.Neg || z.IsZero() {
		z.Neg = b.Neg
		c := addMulVVW(z.Limbs, b.Limbs, f)
		z.normSign()
		return c
	}
	return z.subMulMixed(b, f)
}

// SubMulU sets z = z - b*f. The result is the magnitude carry out of the
// top limb; non-zero means overflow.
func (z *Number) SubMulU(b *Number, f uint64) uint64 {
	mustMatch(z, b)
	if z.IsZero() {
		z.Neg = !b.Neg
		c := addMulVVW(z.Limbs, b.Limbs, f)
		z.normSign()
		return c
	}
	if z.Neg != b.Neg {
		c := addMulVVW(z.Limbs, b.Limbs, f)
		z.normSign()
		return c
	}
	return z.subMulMixed(b, f)
}

// subMulMixed reduces |z| by |b|*f, flipping the sign when the product is
// the larger magnitude.
func (z *Number) subMulMixed(b *Number, f uint64) uint64 {
	rc := subMulVVW(z.Limbs, b.Limbs, f)
	if rc != 0 {
		rc -= negV(z.Limbs, z.Limbs)
		z.Neg = !z.Neg
	}
	z.normSign()
	return rc
}

// LinComb sets z = a*fa + b*fb when plus is true and z = a*fa - b*fb
// otherwise, computed over all limbs. The result is the magnitude carry
// beyond the top limb; non-zero means overflow. Factors are expected to
// stay below 2^62 so the carry fits the return type.
func (z *Number) LinComb(a *Number, fa uint64, b *Number, fb uint64, plus bool) int64 {
	mustMatch(a, b)
	mustMatch(z, a)
	if z == b {
		panic("fixed: LinComb destination aliases b")
	}

	rc := int64(mulVW(z.Limbs, a.Limbs, fa))
	aNeg := a.Neg
	if (a.Neg == b.Neg) == plus {
		rc += int64(addMulVVW(z.Limbs, b.Limbs, fb))
		z.Neg = aNeg
	} else {
		rc -= int64(subMulVVW(z.Limbs, b.Limbs, fb))
		if rc < 0 {
			rc += int64(negV(z.Limbs, z.Limbs))
			rc = -rc
			z.Neg = !aNeg
		} else {
			z.Neg = aNeg
		}
	}
	z.normSign()
	return rc
}

// Mul sets z = a*b truncated to z's width and reports overflow. scratch
// must hold at least 2*L limbs; z may alias a or b.
func (z *Number) Mul(a, b *Number, scratch []uint64) bool {
	mustMatch(a, b)
	mustMatch(z, a)
	l := len(z.Limbs)
	prod := scratch[:2*l]
	clear(prod)
	for i, w := range a.Limbs {
		if w == 0 {
			continue
		}
		prod[i+l] = addMulVVW(prod[i:i+l], b.Limbs, w)
	}
	neg := a.Neg != b.Neg
	copy(z.Limbs, prod[l-1:2*l-1])
	z.Neg = neg
	z.normSign()
	return prod[2*l-1] != 0
}

// Square sets z = a*a. See Mul.
func (z *Number) Square(a *Number, scratch []uint64) bool {
	return z.Mul(a, a, scratch)
}

// CmpAbsUint compares |z| with the integer k and returns -1, 0 or +1.
func (z *Number) CmpAbsUint(k uint64) int {
	top := z.Limbs[len(z.Limbs)-1]
	switch {
	case top > k:
		return 1
	case top < k:
		return -1
	case isZeroV(z.Limbs[:len(z.Limbs)-1]):
		return 0
	default:
		return 1
	}
}

// Cmp compares z and x and returns -1, 0 or +1.
func (z *Number) Cmp(x *Number) int {
	mustMatch(z, x)
	if z.Neg != x.Neg {
		if z.Neg {
			return -1
		}
		return 1
	}
	c := 0
	for i := len(z.Limbs) - 1; i >= 0; i-- {
		if z.Limbs[i] != x.Limbs[i] {
			if z.Limbs[i] > x.Limbs[i] {
				c = 1
			} else {
				c = -1
			}
			break
		}
	}
	if z.Neg {
		return -c
	}
	return c
}

// normalize returns the indices of the lowest and highest non-zero limbs.
// Both are -1 for zero.
func (z *Number) normalize() (lo, hi int) {
	lo, hi = -1, -1
	for i, w := range z.Limbs {
		if w != 0 {
			if lo < 0 {
				lo = i
			}
			hi = i
		}
	}
	return lo, hi
}

// String formats z in decimal with enough digits to show every stored bit.
func (z *Number) String() string {
	if z.Limbs == nil {
		return "<nil>"
	}
	f := z.Big()
	return f.Text('g', int(f.Prec()*3/10)+2)
}

// Format implements fmt.Formatter via big.Float so %v, %g and %.20f work.
func (z *Number) Format(s fmt.State, verb rune) {
	if z.Limbs == nil {
		fmt.Fprint(s, "<nil>")
		return
	}
	if verb == 'v' || verb == 's' {
		fmt.Fprint(s, z.String())
		return
	}
	z.Big().Format(s, verb)
}

var _ fmt.Formatter = (*Number)(nil)
var _ fmt.Stringer = (*Number)(nil)
