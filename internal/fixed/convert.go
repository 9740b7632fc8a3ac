package fixed

import (
	"encoding/binary"
	"math"
	"math/big"
	"math/bits"
)

// SetFloat64 sets z to the nearest representable value of x, rounding half
// away from zero at the lowest limb. It reports overflow when |x| does not
// fit below 2^64; NaN and infinities also count as overflow and leave z at
// zero.
func (z *Number) SetFloat64(x float64) bool {
	z.SetZero()
	if x == 0 {
		return false
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return true
	}
	neg := x < 0
	frac, exp := math.Frexp(math.Abs(x))
	// |x| = m * 2^(exp-53) with m a 53 bit integer
	m := uint64(math.Ldexp(frac, 53))
	shift := exp - 53 + 64*(len(z.Limbs)-1)

	overflow := false
	if shift >= 0 {
		overflow = z.setShifted(m, uint(shift))
	} else {
		drop := uint(-shift)
		// the rounding bit lies below m for drop > 53
		if drop <= 53 {
			round := (m >> (drop - 1)) & 1
			z.Limbs[0] = m>>drop + round
		}
	}
	z.Neg = neg
	z.normSign()
	return overflow
}

func (z *Number) setShifted(m uint64, shift uint) bool {
	i, s := int(shift/64), shift%64
	l := len(z.Limbs)
	if i >= l {
		return true
	}
	z.Limbs[i] = m << s
	if s == 0 {
		return false
	}
	hi := m >> (64 - s)
	if i+1 < l {
		z.Limbs[i+1] = hi
		return false
	}
	return hi != 0
}

// Float64 returns the float64 nearest to z. The top 64 significant bits
// are gathered and any lower non-zero bit is folded into a sticky bit so
// the final conversion rounds correctly.
func (z *Number) Float64() float64 {
	_, hi := z.normalize()
	if hi < 0 {
		return 0
	}
	top := z.Limbs[hi]
	lz := bits.LeadingZeros64(top)
	mant := top << lz
	sticky := false
	if hi > 0 {
		next := z.Limbs[hi-1]
		mant |= next >> (64 - lz)
		sticky = next<<lz != 0
		for i := hi - 2; i >= 0 && !sticky; i-- {
			sticky = z.Limbs[i] != 0
		}
	}
	if sticky {
		mant |= 1
	}
	f := math.Ldexp(float64(mant), 64*hi-lz-64*(len(z.Limbs)-1))
	if z.Neg {
		return -f
	}
	return f
}

// SetBig sets z to x rounded half away from zero at the lowest limb and
// reports overflow. On overflow z keeps the low limbs of the value.
func (z *Number) SetBig(x *big.Float) bool {
	z.SetZero()
	if x.IsInf() {
		return true
	}
	if x.Sign() == 0 {
		return false
	}

	l := len(z.Limbs)
	t := new(big.Float).SetPrec(uint(64*l + 64)).SetMode(big.ToZero)
	t.Abs(x)
	t.SetMantExp(t, 64*(l-1))
	t.Add(t, big.NewFloat(0.5))
	m, _ := t.Int(nil)

	buf := m.Bytes()
	overflow := len(buf) > 8*l
	if overflow {
		buf = buf[len(buf)-8*l:]
	}
	var padded [8]byte
	for i := 0; i < l && len(buf) > 0; i++ {
		n := min(8, len(buf))
		clear(padded[:])
		copy(padded[8-n:], buf[len(buf)-n:])
		z.Limbs[i] = binary.BigEndian.Uint64(padded[:])
		buf = buf[:len(buf)-n]
	}
	z.Neg = x.Signbit()
	z.normSign()
	return overflow
}

// Big returns z as an exact big.Float.
func (z *Number) Big() *big.Float {
	l := len(z.Limbs)
	f := new(big.Float).SetPrec(uint(64 * l))
	lo, hi := z.normalize()
	if hi < 0 {
		return f
	}
	buf := make([]byte, 8*(hi-lo+1))
	for i := lo; i <= hi; i++ {
		binary.BigEndian.PutUint64(buf[8*(hi-i):], z.Limbs[i])
	}
	m := new(big.Int).SetBytes(buf)
	f.SetInt(m)
	f.SetMantExp(f, 64*lo-64*(l-1))
	if z.Neg {
		f.Neg(f)
	}
	return f
}

// ChangePrecision resizes z from precision oldN to newN, keeping its value.
// Growing appends zero limbs below the existing fraction; shrinking drops
// the lowest limbs without rounding. An oldN below 1 means z holds no value
// yet and newN below 1 releases the limbs.
func (z *Number) ChangePrecision(oldN, newN int) {
	if newN < 1 {
		z.Limbs, z.Neg = nil, false
		return
	}
	grown := make([]uint64, newN+2)
	if oldN < 1 || z.Limbs == nil {
		z.Limbs, z.Neg = grown, false
		return
	}
	if len(z.Limbs) != oldN+2 {
		panic("fixed: ChangePrecision with wrong old precision")
	}
	if newN >= oldN {
		copy(grown[newN-oldN:], z.Limbs)
	} else {
		copy(grown, z.Limbs[oldN-newN:])
	}
	z.Limbs = grown
	z.normSign()
}
