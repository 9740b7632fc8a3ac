package fixed

// ============================================================================
// Fixed-point Number Test File
// Purpose: Verify conversions, signed arithmetic, overflow reporting and
// precision changes against float64 and math/big references
// ============================================================================

import (
	"math"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func num(t *testing.T, n int, x float64) Number {
	t.Helper()
	z := Make(n)
	require.False(t, z.SetFloat64(x), "SetFloat64(%g) overflowed", x)
	return z
}

// ============================================================================
// Conversion Tests
// ============================================================================

// TestFloat64RoundTrip tests that representable doubles survive a round trip
func TestFloat64RoundTrip(t *testing.T) {
	values := []float64{
		0, 1, -1, 0.5, -0.75, 2, -2, 3.25, 1e-10, -1e-15,
		math.Pi, -math.E, 12345.678, 1.0 / 3.0, math.Ldexp(1, -60),
		math.MaxUint32, -math.Ldexp(1, 63),
	}
	for _, n := range []int{1, 2, 4} {
		for _, v := range values {
			z := num(t, n, v)
			assert.Equal(t, v, z.Float64(), "n=%d v=%g", n, v)
		}
	}
}

// TestSetFloat64RoundsHalfAwayFromZero tests rounding at the lowest limb
func TestSetFloat64RoundsHalfAwayFromZero(t *testing.T) {
	// with n=1 the lowest unit is 2^-128
	half := math.Ldexp(1, -129)

	z := num(t, 1, half)
	assert.Equal(t, []uint64{1, 0, 0}, z.Limbs)
	assert.False(t, z.Neg)

	z = num(t, 1, -half)
	assert.Equal(t, []uint64{1, 0, 0}, z.Limbs)
	assert.True(t, z.Neg)

	z = num(t, 1, -math.Ldexp(1, -130))
	assert.True(t, z.IsZero())
	assert.False(t, z.Neg, "zero must not be negative")
}

// TestSetFloat64Overflow tests values beyond the integer limb
func TestSetFloat64Overflow(t *testing.T) {
	z := Make(1)
	assert.True(t, z.SetFloat64(math.Ldexp(1, 64)))
	assert.True(t, z.SetFloat64(-1e30))
	assert.True(t, z.SetFloat64(math.Inf(1)))
	assert.True(t, z.SetFloat64(math.NaN()))
	assert.False(t, z.SetFloat64(math.Ldexp(1, 63)))
}

// TestFloat64Sticky tests that bits below the top 64 influence rounding
func TestFloat64Sticky(t *testing.T) {
	// 1 + 2^-53 is a tie between 1 and 1+2^-52; any lower bit breaks it upward
	x := new(big.Float).SetPrec(512).SetInt64(1)
	x.Add(x, new(big.Float).SetMantExp(big.NewFloat(1), -53))
	x.Add(x, new(big.Float).SetMantExp(big.NewFloat(1), -150))

	z := Make(2)
	require.False(t, z.SetBig(x))
	assert.Equal(t, 1+math.Ldexp(1, -52), z.Float64())

	// without the low bit the tie rounds to even
	y := new(big.Float).SetPrec(512).SetInt64(1)
	y.Add(y, new(big.Float).SetMantExp(big.NewFloat(1), -53))
	require.False(t, z.SetBig(y))
	assert.Equal(t, 1.0, z.Float64())
}

// TestBigRoundTrip tests exact conversion to and from big.Float
func TestBigRoundTrip(t *testing.T) {
	x := new(big.Float).SetPrec(256).SetInt64(-1)
	x.Sub(x, new(big.Float).SetMantExp(big.NewFloat(1), -100))

	z := Make(2)
	require.False(t, z.SetBig(x))
	assert.True(t, z.Neg)
	assert.Equal(t, 0, z.Big().Cmp(x))

	var zero big.Float
	require.False(t, z.SetBig(&zero))
	assert.True(t, z.IsZero())
	assert.Equal(t, 0, z.Big().Sign())
}

// TestSetBigOverflow tests magnitudes that do not fit
func TestSetBigOverflow(t *testing.T) {
	z := Make(1)
	x := new(big.Float).SetMantExp(big.NewFloat(1), 70)
	assert.True(t, z.SetBig(x))
}

// ============================================================================
// Arithmetic Tests
// ============================================================================

// TestAddSubSigns tests all sign combinations against float64
func TestAddSubSigns(t *testing.T) {
	pairs := [][2]float64{
		{1.5, 2.25}, {1.5, -2.25}, {-1.5, 2.25}, {-1.5, -2.25},
		{2.25, 1.5}, {2.25, -1.5}, {-2.25, 1.5}, {-2.25, -1.5},
		{0, -3}, {-3, 0}, {0.125, 0.125},
	}
	for _, p := range pairs {
		a, b := num(t, 2, p[0]), num(t, 2, p[1])
		sum, diff := Make(2), Make(2)

		assert.False(t, sum.Add(&a, &b))
		assert.Equal(t, p[0]+p[1], sum.Float64(), "%g + %g", p[0], p[1])

		assert.False(t, diff.Sub(&a, &b))
		assert.Equal(t, p[0]-p[1], diff.Float64(), "%g - %g", p[0], p[1])
	}
}

// TestSubToZero tests that cancellation yields a non-negative zero
func TestSubToZero(t *testing.T) {
	a := num(t, 1, -0.3)
	b := num(t, 1, -0.3)
	z := Make(1)
	z.Sub(&a, &b)
	assert.True(t, z.IsZero())
	assert.False(t, z.Neg)

	c := num(t, 1, 0.3)
	z.Add(&a, &c)
	assert.True(t, z.IsZero())
	assert.False(t, z.Neg)
}

// TestAddAliasing tests in-place accumulation
func TestAddAliasing(t *testing.T) {
	z := num(t, 1, 0.75)
	z.Add(&z, &z)
	assert.Equal(t, 1.5, z.Float64())

	d := num(t, 1, -4)
	z.Sub(&z, &d)
	assert.Equal(t, 5.5, z.Float64())
}

// TestAddOverflow tests overflow out of the integer limb
func TestAddOverflow(t *testing.T) {
	a := num(t, 1, math.Ldexp(1, 63))
	z := Make(1)
	assert.True(t, z.Add(&a, &a))

	n := num(t, 1, -math.Ldexp(1, 63))
	assert.True(t, z.Sub(&n, &a))
	assert.False(t, z.Sub(&a, &a))
}

// TestAddMulSubMul tests scaled accumulation with sign changes
func TestAddMulSubMul(t *testing.T) {
	b := num(t, 1, -0.25)

	z := num(t, 1, 0.5)
	assert.Zero(t, z.AddMulU(&b, 3))
	assert.Equal(t, -0.25, z.Float64())

	z = num(t, 1, 0.5)
	assert.Zero(t, z.SubMulU(&b, 3))
	assert.Equal(t, 1.25, z.Float64())

	z = Make(1)
	assert.Zero(t, z.SubMulU(&b, 8))
	assert.Equal(t, 2.0, z.Float64())

	z = Make(1)
	assert.Zero(t, z.AddMulU(&b, 8))
	assert.Equal(t, -2.0, z.Float64())

	huge := num(t, 1, math.Ldexp(1, 62))
	z = Make(1)
	assert.NotZero(t, z.AddMulU(&huge, 4))
}

// TestLinComb tests a*fa ± b*fb
func TestLinComb(t *testing.T) {
	cases := []struct {
		a, b   float64
		fa, fb uint64
		plus   bool
		want   float64
	}{
		{0.5, 0.25, 3, 10, false, -1.0},
		{0.5, 0.25, 3, 10, true, 4.0},
		{-0.5, 0.25, 3, 10, true, 1.0},
		{-0.5, 0.25, 3, 10, false, -4.0},
		{0.125, -0.125, 4, 4, true, 0},
	}
	for _, c := range cases {
		a, b := num(t, 2, c.a), num(t, 2, c.b)
		z := Make(2)
		assert.Zero(t, z.LinComb(&a, c.fa, &b, c.fb, c.plus))
		assert.Equal(t, c.want, z.Float64(), "%+v", c)
		if c.want == 0 {
			assert.False(t, z.Neg)
		}
	}

	a := num(t, 1, math.Ldexp(1, 62))
	z := Make(1)
	assert.NotZero(t, z.LinComb(&a, 8, &a, 1, true))
}

// randomNumber returns a value of precision n whose integer limb stays
// below 2^20, so sums and small multiples cannot overflow.
func randomNumber(r *rand.Rand, n int) Number {
	z := Make(n)
	for i := range z.Limbs {
		z.Limbs[i] = r.Uint64()
		// sparse limbs exercise long carry and borrow chains
		if r.Intn(4) == 0 {
			z.Limbs[i] = 0
		}
	}
	z.Limbs[len(z.Limbs)-1] >>= 44
	z.Neg = r.Intn(2) == 0
	z.normSign()
	return z
}

// signedInt returns z scaled to an integer: ±M.
func signedInt(z *Number) *big.Int {
	m := new(big.Int)
	for i := len(z.Limbs) - 1; i >= 0; i-- {
		m.Lsh(m, 64)
		m.Or(m, new(big.Int).SetUint64(z.Limbs[i]))
	}
	if z.Neg {
		m.Neg(m)
	}
	return m
}

// TestAddSubRoundTrip tests that subtracting b undoes adding b, and that
// SubMulU undoes AddMulU, across random signs and widths
func TestAddSubRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, n := range []int{1, 2, 3} {
		sum, back := Make(n), Make(n)
		for i := 0; i < 2000; i++ {
			a, b := randomNumber(r, n), randomNumber(r, n)
			if i%50 == 0 {
				// equal magnitudes cancel to a non-negative zero
				b.Assign(&a)
				b.Neg = !a.Neg
				b.normSign()
			}

			require.False(t, sum.Add(&a, &b), "n=%d a=%v b=%v", n, &a, &b)
			require.False(t, back.Sub(&sum, &b), "n=%d", n)
			require.Equal(t, a.Limbs, back.Limbs, "n=%d a=%v b=%v", n, &a, &b)
			require.Equal(t, a.Neg, back.Neg, "n=%d a=%v b=%v", n, &a, &b)

			want := new(big.Int).Add(signedInt(&a), signedInt(&b))
			require.Zero(t, want.Cmp(signedInt(&sum)), "n=%d a=%v b=%v", n, &a, &b)

			f := r.Uint64() >> 34
			acc := Make(n)
			acc.Assign(&a)
			require.Zero(t, acc.AddMulU(&b, f), "n=%d", n)
			want.Mul(signedInt(&b), new(big.Int).SetUint64(f))
			want.Add(want, signedInt(&a))
			require.Zero(t, want.Cmp(signedInt(&acc)), "n=%d a=%v b=%v f=%d", n, &a, &b, f)

			require.Zero(t, acc.SubMulU(&b, f), "n=%d", n)
			require.Equal(t, a.Limbs, acc.Limbs, "n=%d a=%v b=%v f=%d", n, &a, &b, f)
			require.Equal(t, a.Neg, acc.Neg, "n=%d a=%v b=%v f=%d", n, &a, &b, f)
		}
	}
}

// TestLinCombMatchesBig tests a*fa ± b*fb against exact integers
func TestLinCombMatchesBig(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, n := range []int{1, 2, 3} {
		z := Make(n)
		for i := 0; i < 2000; i++ {
			a, b := randomNumber(r, n), randomNumber(r, n)
			fa, fb := r.Uint64()>>34, r.Uint64()>>34
			plus := r.Intn(2) == 0

			require.Zero(t, z.LinComb(&a, fa, &b, fb, plus), "n=%d", n)

			want := new(big.Int).Mul(signedInt(&a), new(big.Int).SetUint64(fa))
			prod := new(big.Int).Mul(signedInt(&b), new(big.Int).SetUint64(fb))
			if plus {
				want.Add(want, prod)
			} else {
				want.Sub(want, prod)
			}
			require.Zero(t, want.Cmp(signedInt(&z)), "n=%d a=%v fa=%d b=%v fb=%d plus=%v", n, &a, fa, &b, fb, plus)
			if z.IsZero() {
				require.False(t, z.Neg, "zero must not be negative")
			}
		}
	}
}

// TestMul tests truncating multiplication
func TestMul(t *testing.T) {
	scratch := make([]uint64, 2*(3+2))
	pairs := [][2]float64{{1.5, -2.5}, {-0.75, -0.75}, {3, 0}, {1e-5, 1e5}, {-7, 0.125}}
	for _, p := range pairs {
		a, b := num(t, 3, p[0]), num(t, 3, p[1])
		z := Make(3)
		assert.False(t, z.Mul(&a, &b, scratch))
		assert.InDelta(t, p[0]*p[1], z.Float64(), 1e-12, "%g * %g", p[0], p[1])
	}

	a := num(t, 3, math.Ldexp(1, 40))
	z := Make(3)
	assert.True(t, z.Square(&a, scratch))
}

// TestMulMatchesBig tests that products agree with math/big to the last limb
func TestMulMatchesBig(t *testing.T) {
	const n = 2
	third := new(big.Float).SetPrec(1024).Quo(big.NewFloat(1), big.NewFloat(3))
	sevenths := new(big.Float).SetPrec(1024).Quo(big.NewFloat(-5), big.NewFloat(7))

	a, b, z := Make(n), Make(n), Make(n)
	require.False(t, a.SetBig(third))
	require.False(t, b.SetBig(sevenths))
	require.False(t, z.Mul(&a, &b, make([]uint64, 2*(n+2))))

	want := new(big.Float).SetPrec(1024).Mul(a.Big(), b.Big())
	diff := new(big.Float).SetPrec(1024).Sub(want, z.Big())
	ulp := new(big.Float).SetMantExp(big.NewFloat(1), -64*(n+1))
	assert.True(t, diff.Abs(diff).Cmp(ulp) <= 0, "error beyond one unit: %s", diff.Text('g', 10))
	assert.True(t, z.Neg)
}

// TestMulAliasing tests squaring in place
func TestMulAliasing(t *testing.T) {
	z := num(t, 1, -1.5)
	z.Mul(&z, &z, make([]uint64, 6))
	assert.Equal(t, 2.25, z.Float64())
	assert.False(t, z.Neg)
}

// TestCmp tests ordering helpers
func TestCmp(t *testing.T) {
	four := num(t, 1, 4)
	assert.Equal(t, 0, four.CmpAbsUint(4))

	above := num(t, 1, 4)
	above.Limbs[0] = 1
	assert.Equal(t, 1, above.CmpAbsUint(4))

	below := num(t, 1, -3.999)
	assert.Equal(t, -1, below.CmpAbsUint(4))

	assert.Equal(t, 1, four.Cmp(&below))
	assert.Equal(t, -1, below.Cmp(&four))
	assert.Equal(t, 0, four.Cmp(&four))
	m := num(t, 1, -5)
	assert.Equal(t, 1, below.Cmp(&m))
}

// TestWidthMismatchPanics tests that mixed widths are rejected
func TestWidthMismatchPanics(t *testing.T) {
	a, b := Make(1), Make(2)
	z := Make(1)
	assert.Panics(t, func() { z.Add(&a, &b) })
}

// ============================================================================
// Precision Change Tests
// ============================================================================

// TestChangePrecisionPreservesValue tests growing and shrinking
func TestChangePrecisionPreservesValue(t *testing.T) {
	tenth := new(big.Float).SetPrec(1024).Quo(big.NewFloat(-1), big.NewFloat(10))

	z := Make(3)
	require.False(t, z.SetBig(tenth))
	orig := z.Big()

	z.ChangePrecision(3, 1)
	require.Len(t, z.Limbs, 3)
	shrunk := z.Big()
	assert.InDelta(t, -0.1, z.Float64(), 1e-30)
	// truncation only moves toward zero
	assert.True(t, new(big.Float).Abs(shrunk).Cmp(new(big.Float).Abs(orig)) <= 0)

	z.ChangePrecision(1, 4)
	require.Len(t, z.Limbs, 6)
	assert.Equal(t, 0, z.Big().Cmp(shrunk))
	assert.True(t, z.Neg)
}

// TestChangePrecisionAllocRelease tests the empty transitions
func TestChangePrecisionAllocRelease(t *testing.T) {
	var z Number
	z.ChangePrecision(0, 2)
	assert.Len(t, z.Limbs, 4)
	assert.True(t, z.IsZero())

	z.ChangePrecision(2, 0)
	assert.Nil(t, z.Limbs)
}

// TestString tests decimal formatting
func TestString(t *testing.T) {
	z := num(t, 1, -2.5)
	assert.Equal(t, "-2.5", z.String())

	var empty Number
	assert.Equal(t, "<nil>", empty.String())
}
