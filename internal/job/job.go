// ============================================================================
// Mandelsplit Jobs - reference-counted tile tree
// ============================================================================
//
// Package: internal/job
// File: job.go
// Purpose: Units of work that split a raster into tiles and compute them
//
// Job tree:
//   RootTile (whole image, one per pass)
//       ├── ChildTile (grid cell)
//       │       ├── ChildTile (quadrant) ... down to the leaf size
//       │       └── ...
//       └── ...
//
// Reference counting:
//   - A job is born with one reference, owned by its creator.
//   - Every queue entry owns one reference (taken in Queue.Queue).
//   - Every child owns one reference to its parent.
//   When the count reaches zero the job's finishing action runs exactly
//   once: statistics are folded into the parent, the parent reference is
//   dropped and the job goes back to the arena. A RootTile publishes the
//   pass result instead. So a parent finishes strictly after all children.
//
// ============================================================================

package job

import (
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/mandelsplit/internal/fixed"
	"github.com/ChuLiYu/mandelsplit/internal/kernel"
	"github.com/ChuLiYu/mandelsplit/internal/lockfree"
	"github.com/ChuLiYu/mandelsplit/internal/raster"
)

// Kind distinguishes the two job variants.
type Kind uint8

const (
	// RootTile covers the whole image and only splits.
	RootTile Kind = iota
	// ChildTile covers a rectangle and splits or computes.
	ChildTile
)

func (k Kind) String() string {
	switch k {
	case RootTile:
		return "root"
	case ChildTile:
		return "tile"
	}
	return "unknown"
}

// Job is one node of the tile tree. Jobs live in the queue's arena and are
// only handled through pointers.
type Job struct {
	kind   Kind
	x, y   int
	w, h   int
	row    int
	img    *raster.Image
	stop   *atomic.Bool
	parent *Job
	queue  *Queue
	pass   *Pass

	handle lockfree.Handle
	refs   atomic.Int32

	// subtree statistics, folded upward on finish
	maxFinite atomic.Uint32
	computed  atomic.Int64
	cancelled atomic.Bool
}

// Kind returns the job variant.
func (j *Job) Kind() Kind { return j.kind }

// Rect returns the pixel rectangle covered by the job.
func (j *Job) Rect() (x, y, w, h int) { return j.x, j.y, j.w, j.h }

// Refs returns the current reference count.
func (j *Job) Refs() int32 { return j.refs.Load() }

// Retain takes an additional reference.
func (j *Job) Retain() {
	if j.refs.Add(1) <= 1 {
		panic("job: retain of a released job")
	}
}

// Release drops a reference and runs the finishing action on the last
// one. The caller must not use j afterwards.
func (j *Job) Release() {
	n := j.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("job: reference count below zero")
	}
	j.finish()
}

func (j *Job) finish() {
	q := j.queue
	q.obs.JobFinished(j.kind, j.cancelled.Load())

	if p := j.parent; p != nil {
		p.foldStats(j)
		p.Release()
	} else if j.pass != nil {
		j.pass.complete(j)
	}
	q.recycle(j)
}

func (j *Job) foldStats(child *Job) {
	storeMax(&j.maxFinite, child.maxFinite.Load())
	j.computed.Add(child.computed.Load())
	if child.cancelled.Load() {
		j.cancelled.Store(true)
	}
}

// Distance returns the squared pixel distance from the job's centre to
// (px, py). RootTile jobs are always at distance zero.
func (j *Job) Distance(px, py int) int {
	if j.kind == RootTile {
		return 0
	}
	return rectDistance(j.x, j.y, j.w, j.h, px, py)
}

func storeMax(a *atomic.Uint32, v uint32) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func rectDistance(x, y, w, h, px, py int) int {
	// doubled coordinates keep the centre integral
	dx := 2*x + w - 2*px
	dy := 2*y + h - 2*py
	return dx*dx + dy*dy
}

func (j *Job) String() string {
	if j.kind == RootTile {
		return fmt.Sprintf("RootTile(%dx%d)", j.w, j.h)
	}
	return fmt.Sprintf("ChildTile(%d,%d %dx%d)", j.x, j.y, j.w, j.h)
}

// Execute performs one slice of work. It returns true when the job is
// finished and false when it has more to do and must be queued again.
// Children created along the way are queued before Execute returns.
func (j *Job) Execute() bool {
	switch j.kind {
	case RootTile:
		j.split(j.queue.opts.TileSize)
		return true
	case ChildTile:
		if j.stop.Load() {
			j.cancelled.Store(true)
			return true
		}
		if j.row == 0 && j.w*j.h > j.queue.opts.LeafSize*j.queue.opts.LeafSize {
			j.splitQuadrants()
			return true
		}
		return j.compute()
	}
	panic(fmt.Sprintf("job: unknown kind %d", j.kind))
}

type rect struct{ x, y, w, h int }

// split tiles the job's rectangle with size×size cells.
func (j *Job) split(size int) {
	rects := make([]rect, 0, ((j.w+size-1)/size)*((j.h+size-1)/size))
	for y := j.y; y < j.y+j.h; y += size {
		for x := j.x; x < j.x+j.w; x += size {
			rects = append(rects, rect{x, y, min(size, j.x+j.w-x), min(size, j.y+j.h-y)})
		}
	}
	j.spawn(rects)
}

func (j *Job) splitQuadrants() {
	hw, hh := (j.w+1)/2, (j.h+1)/2
	var buf [4]rect
	rects := buf[:0]
	for _, r := range []rect{
		{j.x, j.y, hw, hh},
		{j.x + hw, j.y, j.w - hw, hh},
		{j.x, j.y + hh, hw, j.h - hh},
		{j.x + hw, j.y + hh, j.w - hw, j.h - hh},
	} {
		if r.w > 0 && r.h > 0 {
			rects = append(rects, r)
		}
	}
	j.spawn(rects)
}

// spawn queues one child per rectangle. With a priority point set the
// farthest child is queued first so the nearest ends up on top.
func (j *Job) spawn(rects []rect) {
	if px, py, ok := j.img.PriorityPoint(); ok {
		sortFarthestFirst(rects, px, py)
	}
	for _, r := range rects {
		c := j.queue.newJob(ChildTile, r, j.img, j.stop, j)
		j.queue.Queue(c)
		c.Release()
	}
	j.queue.obs.JobSplit(len(rects))
}

func sortFarthestFirst(rects []rect, px, py int) {
	// insertion sort, the slices are short or already nearly ordered
	for i := 1; i < len(rects); i++ {
		r := rects[i]
		d := rectDistance(r.x, r.y, r.w, r.h, px, py)
		k := i
		for k > 0 && rectDistance(rects[k-1].x, rects[k-1].y, rects[k-1].w, rects[k-1].h, px, py) < d {
			rects[k] = rects[k-1]
			k--
		}
		rects[k] = r
	}
}

// compute evaluates pixels row by row starting at j.row. A non-zero
// SliceRows bounds the rows done per call.
func (j *Job) compute() bool {
	img := j.img
	maxIter := img.MaxIter()
	budget := j.queue.opts.SliceRows

	var k kernel.Fixed
	var cr, ci, rowRe, rowIm fixed.Number
	pool := img.Pool()
	if pool != nil {
		k.Acquire(pool)
		defer k.Release()
		cr, ci, rowRe, rowIm = pool.Get(), pool.Get(), pool.Get(), pool.Get()
		defer func() {
			pool.Put(&cr)
			pool.Put(&ci)
			pool.Put(&rowRe)
			pool.Put(&rowIm)
		}()
	}

	resolved := 0
	greatest := uint32(0)
	defer func() {
		img.Resolve(resolved)
		j.computed.Add(int64(resolved))
		j.queue.obs.PixelsComputed(resolved)
		storeMax(&j.maxFinite, greatest)
	}()

	for done := 0; j.row < j.h; done++ {
		if budget > 0 && done == budget {
			return false
		}
		if j.stop.Load() {
			j.cancelled.Store(true)
			return true
		}

		y := j.y + j.row
		line := img.Row(y)[j.x : j.x+j.w]
		if pool != nil && img.RowStartFixed(y, &rowRe, &rowIm) {
			// the whole row lies outside the representable range
			resolved += img.FillPending(j.x, y, j.w, 1, 0)
			j.row++
			continue
		}

		for i, v := range line {
			if !img.NeedRecalc(v) {
				continue
			}
			x := j.x + i
			var res kernel.Result
			switch {
			case pool != nil:
				res = j.evalFixed(&k, x, &rowRe, &rowIm, &cr, &ci, maxIter)
			case img.Precision() < 0:
				re, im := img.PixelCoord(x, y)
				res = kernel.Float32(float32(re), float32(im), maxIter, j.stop)
			default:
				re, im := img.PixelCoord(x, y)
				res = kernel.Float64(re, im, maxIter, j.stop)
			}

			if res.Outcome == kernel.Cancelled {
				img.Draw(x, y, v, v|raster.NeedsRecalc)
				j.cancelled.Store(true)
				return true
			}
			img.Draw(x, y, v, res.Iter&raster.ValueMask)
			resolved++
			if res.Outcome == kernel.Escaped && res.Iter > greatest {
				greatest = res.Iter
			}
		}
		j.row++
	}
	img.AssertResolved(j.x, j.y, j.w, j.h)
	return true
}

func (j *Job) evalFixed(k *kernel.Fixed, x int, rowRe, rowIm, cr, ci *fixed.Number, maxIter uint32) kernel.Result {
	dRe, dIm := j.img.DReImFixed()
	cr.Assign(rowRe)
	ci.Assign(rowIm)
	if cr.AddMulU(dRe, uint64(x)) != 0 || ci.AddMulU(dIm, uint64(x)) != 0 {
		return kernel.Result{Iter: 0, Outcome: kernel.Escaped}
	}
	return k.Iterate(cr, ci, maxIter, j.stop)
}
