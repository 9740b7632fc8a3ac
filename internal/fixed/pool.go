package fixed

import (
	"sync"

	"github.com/ChuLiYu/mandelsplit/internal/lockfree"
)

// Pool hands out limb storage for Numbers of one precision without locking
// on the hot path. Storage for a whole arena chunk is carved from a single
// backing slice when the arena grows.
//
// Numbers of twice the width (Wide) serve as Mul scratch.
type Pool struct {
	mu sync.Mutex
	n  int

	values *lockfree.Arena[[]uint64]
	wide   *lockfree.Arena[[]uint64]
}

// NewPool creates a pool for precision n (n >= 1).
func NewPool(n int) *Pool {
	if n < 1 {
		panic("fixed: pool precision must be positive")
	}
	p := &Pool{n: n}
	p.values = lockfree.NewArena(p.carve(1))
	p.wide = lockfree.NewArena(p.carve(2))
	return p
}

func (p *Pool) carve(factor int) func(fresh []*[]uint64) {
	return func(fresh []*[]uint64) {
		width := factor * (p.n + 2)
		backing := make([]uint64, len(fresh)*width)
		for i, v := range fresh {
			*v = backing[i*width : (i+1)*width : (i+1)*width]
		}
	}
}

// Precision returns the precision of the Numbers handed out.
func (p *Pool) Precision() int {
	return p.n
}

// Get returns a zeroed Number of the pool's precision.
func (p *Pool) Get() Number {
	return p.get(p.values)
}

// Wide returns a zeroed Number with 2*(n+2) limbs, usable as Mul scratch.
func (p *Pool) Wide() Number {
	return p.get(p.wide)
}

func (p *Pool) get(a *lockfree.Arena[[]uint64]) Number {
	h := a.Alloc()
	limbs := *a.Get(h)
	clear(limbs)
	return Number{Limbs: limbs, h: h}
}

// Put returns z's storage to the pool. z must have come from this pool and
// is left without limbs.
func (p *Pool) Put(z *Number) {
	if z.h == lockfree.Nil {
		return
	}
	if len(z.Limbs) == p.n+2 {
		p.values.Free(z.h)
	} else {
		p.wide.Free(z.h)
	}
	z.Limbs, z.Neg, z.h = nil, false, lockfree.Nil
}

// Reset switches the pool to precision n and forgets all storage handed out
// before. No Number from this pool may be in use.
func (p *Pool) Reset(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n == p.n {
		return
	}
	p.values.ResetNonThreadSafe()
	p.wide.ResetNonThreadSafe()
	p.n = n
}
