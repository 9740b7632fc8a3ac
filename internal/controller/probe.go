package controller

import (
	"fmt"

	"github.com/ChuLiYu/mandelsplit/internal/fixed"
	"github.com/ChuLiYu/mandelsplit/internal/kernel"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// Probe evaluates the single point re + i·im at fixed precision and, for
// comparison, in float64. precision < 1 derives the limb count from the
// number of digits given.
func Probe(re, im string, maxIter uint32, precision int) (types.ProbeResult, error) {
	if precision < 1 {
		precision = precisionForDigits(max(len(re), len(im)))
	}
	prec := workingPrec(precision)
	bre, err := parseDecimal("re", re, prec)
	if err != nil {
		return types.ProbeResult{}, err
	}
	bim, err := parseDecimal("im", im, prec)
	if err != nil {
		return types.ProbeResult{}, err
	}

	pool := fixed.NewPool(precision)
	cr, ci := pool.Get(), pool.Get()
	defer pool.Put(&cr)
	defer pool.Put(&ci)
	if cr.SetBig(bre) || ci.SetBig(bim) {
		return types.ProbeResult{}, fmt.Errorf("%w: point (%s, %s) out of range", ErrInvalidView, re, im)
	}

	var k kernel.Fixed
	k.Acquire(pool)
	res := k.Iterate(&cr, &ci, maxIter, nil)
	k.Release()

	fre, _ := bre.Float64()
	fim, _ := bim.Float64()
	ref := kernel.Float64(fre, fim, maxIter, nil)

	return types.ProbeResult{
		Re:             re,
		Im:             im,
		MaxIter:        maxIter,
		Precision:      precision,
		Iter:           res.Iter,
		Outcome:        res.Outcome.String(),
		Float64Iter:    ref.Iter,
		Float64Outcome: ref.Outcome.String(),
	}, nil
}

// precisionForDigits is the limb count that holds a decimal with the given
// number of characters plus a 32-bit margin.
func precisionForDigits(digits int) int {
	// log2(10) < 3.33
	bits := digits*333/100 + 32
	return max(1, (bits+63)/64)
}
