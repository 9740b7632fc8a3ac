// Package kernel evaluates the escape-time iteration z -> z² + c for one
// point at float32, float64 or multi-limb fixed precision.
//
// All variants share the same contract: iterate from z = 0 until |z|² > 4
// (Escaped, Iter = steps completed before the test fired), until maxIter
// steps were done (Bounded, Iter = maxIter) or until the stop flag is
// observed (Cancelled). The flag is polled every PollInterval iterations.
package kernel

import (
	"sync/atomic"

	"github.com/ChuLiYu/mandelsplit/internal/fixed"
)

// PollInterval is the number of iterations between two reads of the stop
// flag.
const PollInterval = 256

// EscapeRadiusSquared is the bailout threshold for |z|².
const EscapeRadiusSquared = 4

// Outcome classifies how an evaluation ended.
type Outcome uint8

const (
	Bounded Outcome = iota
	Escaped
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Bounded:
		return "bounded"
	case Escaped:
		return "escaped"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is the outcome of one point evaluation.
type Result struct {
	Iter    uint32
	Outcome Outcome
}

func stopped(i uint32, stop *atomic.Bool) bool {
	return i%PollInterval == 0 && stop != nil && stop.Load()
}

// Float64 iterates c = cr + i·ci in double precision.
func Float64(cr, ci float64, maxIter uint32, stop *atomic.Bool) Result {
	var zr, zi float64
	for i := uint32(0); i < maxIter; i++ {
		if stopped(i, stop) {
			return Result{Iter: i, Outcome: Cancelled}
		}
		zr2, zi2 := zr*zr, zi*zi
		if zr2+zi2 > EscapeRadiusSquared {
			return Result{Iter: i, Outcome: Escaped}
		}
		zi = 2*zr*zi + ci
		zr = zr2 - zi2 + cr
	}
	return Result{Iter: maxIter, Outcome: Bounded}
}

// Float32 iterates c in single precision, for shallow views.
func Float32(cr, ci float32, maxIter uint32, stop *atomic.Bool) Result {
	var zr, zi float32
	for i := uint32(0); i < maxIter; i++ {
		if stopped(i, stop) {
			return Result{Iter: i, Outcome: Cancelled}
		}
		zr2, zi2 := zr*zr, zi*zi
		if zr2+zi2 > EscapeRadiusSquared {
			return Result{Iter: i, Outcome: Escaped}
		}
		zi = 2*zr*zi + ci
		zr = zr2 - zi2 + cr
	}
	return Result{Iter: maxIter, Outcome: Bounded}
}

// Fixed holds the temporaries of a fixed-precision evaluation. It is
// acquired from a fixed.Pool once per batch of points and must not be
// shared between goroutines.
type Fixed struct {
	pool *fixed.Pool

	zr, zi, zr2, zi2, t fixed.Number
	scratch             fixed.Number
}

// Acquire takes the temporaries from p.
func (k *Fixed) Acquire(p *fixed.Pool) {
	k.pool = p
	k.zr, k.zi = p.Get(), p.Get()
	k.zr2, k.zi2 = p.Get(), p.Get()
	k.t = p.Get()
	k.scratch = p.Wide()
}

// Release gives the temporaries back.
func (k *Fixed) Release() {
	if k.pool == nil {
		return
	}
	for _, z := range []*fixed.Number{&k.zr, &k.zi, &k.zr2, &k.zi2, &k.t, &k.scratch} {
		k.pool.Put(z)
	}
	k.pool = nil
}

// Iterate evaluates c = cr + i·ci. Arithmetic overflow can only happen far
// outside the escape radius and is reported as an escape: in the bailout
// test at the current step, in the update at the next one.
func (k *Fixed) Iterate(cr, ci *fixed.Number, maxIter uint32, stop *atomic.Bool) Result {
	k.zr.SetZero()
	k.zi.SetZero()
	s := k.scratch.Limbs

	for i := uint32(0); i < maxIter; i++ {
		if stopped(i, stop) {
			return Result{Iter: i, Outcome: Cancelled}
		}
		if k.zr2.Square(&k.zr, s) || k.zi2.Square(&k.zi, s) ||
			k.t.Add(&k.zr2, &k.zi2) || k.t.CmpAbsUint(EscapeRadiusSquared) > 0 {
			return Result{Iter: i, Outcome: Escaped}
		}

		overflow := k.t.Mul(&k.zr, &k.zi, s)
		overflow = k.t.Add(&k.t, &k.t) || overflow
		overflow = k.zi.Add(&k.t, ci) || overflow
		overflow = k.zr.Sub(&k.zr2, &k.zi2) || overflow
		overflow = k.zr.Add(&k.zr, cr) || overflow
		if overflow {
			if i+1 < maxIter {
				return Result{Iter: i + 1, Outcome: Escaped}
			}
			return Result{Iter: maxIter, Outcome: Bounded}
		}
	}
	return Result{Iter: maxIter, Outcome: Bounded}
}
