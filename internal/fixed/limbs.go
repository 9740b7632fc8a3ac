package fixed

import "math/bits"

// Unsigned limb vector primitives. All vectors are little-endian and the
// destination may alias any source of the same length.

func addVV(z, x, y []uint64) (c uint64) {
	for i := range z {
		z[i], c = bits.Add64(x[i], y[i], c)
	}
	return c
}

func subVV(z, x, y []uint64) (b uint64) {
	for i := range z {
		z[i], b = bits.Sub64(x[i], y[i], b)
	}
	return b
}

// negV stores the two's complement of x in z and returns 1 unless x is zero.
func negV(z, x []uint64) uint64 {
	var b uint64
	for i := range z {
		z[i], b = bits.Sub64(0, x[i], b)
	}
	return b
}

// mulVW stores x*y in z and returns the carry limb.
func mulVW(z, x []uint64, y uint64) (c uint64) {
	for i := range z {
		hi, lo := bits.Mul64(x[i], y)
		var cc uint64
		z[i], cc = bits.Add64(lo, c, 0)
		c = hi + cc
	}
	return c
}

// addMulVVW adds x*y to z and returns the carry limb.
func addMulVVW(z, x []uint64, y uint64) (c uint64) {
	for i := range z {
		hi, lo := bits.Mul64(x[i], y)
		var cc uint64
		lo, cc = bits.Add64(lo, c, 0)
		hi += cc
		z[i], cc = bits.Add64(z[i], lo, 0)
		c = hi + cc
	}
	return c
}

// subMulVVW subtracts x*y from z and returns the borrow limb.
func subMulVVW(z, x []uint64, y uint64) (b uint64) {
	for i := range z {
		hi, lo := bits.Mul64(x[i], y)
		var cc uint64
		lo, cc = bits.Add64(lo, b, 0)
		hi += cc
		z[i], cc = bits.Sub64(z[i], lo, 0)
		b = hi + cc
	}
	return b
}

func isZeroV(x []uint64) bool {
	for _, w := range x {
		if w != 0 {
			return false
		}
	}
	return true
}
