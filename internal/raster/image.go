// ============================================================================
// Mandelsplit Raster - per-pixel iteration state and view geometry
// ============================================================================
//
// Package: internal/raster
// File: image.go
// Purpose: Owns the pixel buffer, iteration budget and the complex-plane
//          mapping that tiles read while they compute.
//
// Pixel word:
//   bit 31      NeedsRecalc flag
//   bits 0..30  iteration count of the last evaluation
//
// Mapping (one affine transform, rotation and zoom folded into dReIm):
//   c(x, y) = start + dReIm · (x + i·y)
//   re = start.re + x·d.re − y·d.im
//   im = start.im + x·d.im + y·d.re
//
// At precision > 0 the start and step are mirrored as fixed.Numbers so
// tiles can form pixel coordinates without going through float64.
//
// Concurrency:
//   Geometry and budget setters run only while no tile job is live. During
//   a pass tiles write disjoint pixel ranges; the pending counter and the
//   priority point are shared and atomic.
//
// ============================================================================

package raster

import (
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ChuLiYu/mandelsplit/internal/fixed"
)

const (
	// NeedsRecalc marks a pixel whose stored value is stale.
	NeedsRecalc uint32 = 1 << 31
	// ValueMask extracts the iteration count from a pixel word.
	ValueMask uint32 = NeedsRecalc - 1
)

var (
	// ErrInvalidSize is returned for non-positive dimensions.
	ErrInvalidSize = errors.New("invalid image size")
)

// Image is the raster being computed plus the parameters every tile needs.
type Image struct {
	width, height int
	data          []uint32

	maxIter     uint32
	recalcLimit uint32

	// precision < 0: float32 kernel, 0: float64, n > 0: fixed with n limbs
	precision int

	startRe, startIm float64
	dRe, dIm         float64

	fStartRe, fStartIm fixed.Number
	fDRe, fDIm         fixed.Number
	pool               *fixed.Pool

	// x<<32 | y, negative when unset
	priority atomic.Int64

	pending atomic.Int64
}

// New creates a width×height image with all pixels zero, an identity step
// and no priority point.
func New(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	img := &Image{
		width:  width,
		height: height,
		data:   make([]uint32, width*height),
		dRe:    1,
	}
	img.priority.Store(-1)
	return img, nil
}

// Width returns the image width in pixels.
func (img *Image) Width() int { return img.width }

// Height returns the image height in pixels.
func (img *Image) Height() int { return img.height }

// Pixels exposes the raw buffer in row-major order. Callers must not read
// it while a pass is running.
func (img *Image) Pixels() []uint32 { return img.data }

// Row returns the pixels of row y.
func (img *Image) Row(y int) []uint32 {
	return img.data[y*img.width : (y+1)*img.width]
}

// At returns the pixel word at (x, y).
func (img *Image) At(x, y int) uint32 {
	return img.data[y*img.width+x]
}

// MaxIter returns the iteration budget.
func (img *Image) MaxIter() uint32 { return img.maxIter }

// SetMaxIter changes the iteration budget.
func (img *Image) SetMaxIter(n uint32) {
	img.maxIter = n & ValueMask
}

// RecalcLimit returns the threshold above which stored values are
// re-evaluated after the budget grew.
func (img *Image) RecalcLimit() uint32 { return img.recalcLimit }

// SetRecalcLimit changes the recalculation threshold.
func (img *Image) SetRecalcLimit(n uint32) { img.recalcLimit = n }

// NeedRecalc reports whether a pixel word must be recomputed: either it is
// flagged, or it hit the old budget and the budget has since grown.
func (img *Image) NeedRecalc(v uint32) bool {
	return v&NeedsRecalc != 0 || (v >= img.recalcLimit && img.recalcLimit < img.maxIter)
}

// Precision returns the current arithmetic precision.
func (img *Image) Precision() int { return img.precision }

// Pool returns the limb pool of the current fixed precision, or nil when the
// image iterates in floating point.
func (img *Image) Pool() *fixed.Pool {
	if img.precision <= 0 {
		return nil
	}
	return img.pool
}

// SetPrecision switches arithmetic precision. Entering fixed precision
// seeds the mirrors from the float64 geometry; changing between fixed
// precisions resizes them in place.
func (img *Image) SetPrecision(n int) {
	old := img.precision
	if n > 0 {
		if img.pool == nil {
			img.pool = fixed.NewPool(n)
		} else {
			img.pool.Reset(n)
		}
	}
	for _, z := range img.mirrors() {
		z.ChangePrecision(old, n)
	}
	img.precision = n
	if n > 0 && old <= 0 {
		img.fStartRe.SetFloat64(img.startRe)
		img.fStartIm.SetFloat64(img.startIm)
		img.fDRe.SetFloat64(img.dRe)
		img.fDIm.SetFloat64(img.dIm)
	}
}

func (img *Image) mirrors() []*fixed.Number {
	return []*fixed.Number{&img.fStartRe, &img.fStartIm, &img.fDRe, &img.fDIm}
}

// Start returns the complex coordinate of pixel (0, 0) as float64.
func (img *Image) Start() (re, im float64) { return img.startRe, img.startIm }

// DReIm returns the per-pixel step as float64.
func (img *Image) DReIm() (re, im float64) { return img.dRe, img.dIm }

// StartFixed returns the fixed mirrors of Start. Only valid at precision > 0.
func (img *Image) StartFixed() (re, im *fixed.Number) { return &img.fStartRe, &img.fStartIm }

// DReImFixed returns the fixed mirrors of DReIm. Only valid at precision > 0.
func (img *Image) DReImFixed() (re, im *fixed.Number) { return &img.fDRe, &img.fDIm }

// SetStart sets the coordinate of pixel (0, 0).
func (img *Image) SetStart(re, im *big.Float) {
	img.startRe, _ = re.Float64()
	img.startIm, _ = im.Float64()
	if img.precision > 0 {
		img.fStartRe.SetBig(re)
		img.fStartIm.SetBig(im)
	}
}

// SetDReIm sets the complex step between horizontally adjacent pixels.
func (img *Image) SetDReIm(re, im *big.Float) {
	img.dRe, _ = re.Float64()
	img.dIm, _ = im.Float64()
	if img.precision > 0 {
		img.fDRe.SetBig(re)
		img.fDIm.SetBig(im)
	}
}

// PixelCoord returns c for pixel (x, y) in double precision.
func (img *Image) PixelCoord(x, y int) (re, im float64) {
	fx, fy := float64(x), float64(y)
	return img.startRe + fx*img.dRe - fy*img.dIm, img.startIm + fx*img.dIm + fy*img.dRe
}

// RowStartFixed stores the coordinate of pixel (0, y) in re and im and
// reports overflow. Adding x·DReImFixed to it yields pixel (x, y).
func (img *Image) RowStartFixed(y int, re, im *fixed.Number) bool {
	re.Assign(&img.fStartRe)
	im.Assign(&img.fStartIm)
	uy := uint64(y)
	c := re.SubMulU(&img.fDIm, uy)
	c |= im.AddMulU(&img.fDRe, uy)
	return c != 0
}

// SetPriorityPoint sets the pixel around which work is scheduled first.
// A negative coordinate clears it. Safe to call while a pass runs.
func (img *Image) SetPriorityPoint(x, y int) {
	if x < 0 || y < 0 {
		img.priority.Store(-1)
		return
	}
	img.priority.Store(int64(x)<<32 | int64(uint32(y)))
}

// PriorityPoint returns the current priority pixel and whether one is set.
func (img *Image) PriorityPoint() (x, y int, ok bool) {
	v := img.priority.Load()
	if v < 0 {
		return -1, -1, false
	}
	return int(v >> 32), int(uint32(v)), true
}

// FillPending draws v into every pixel of the rectangle that needs
// recomputation and returns how many it drew.
func (img *Image) FillPending(x, y, w, h int, v uint32) int {
	n := 0
	for row := y; row < y+h; row++ {
		line := img.data[row*img.width+x : row*img.width+x+w]
		for i, old := range line {
			if img.NeedRecalc(old) {
				line[i] = v
				n++
			}
		}
	}
	return n
}

// Draw stores v at (x, y). seen is the word the caller read before
// computing v; in mandeldebug builds a pixel that changed in between was
// drawn by someone else and Draw panics.
func (img *Image) Draw(x, y int, seen, v uint32) {
	i := y*img.width + x
	if checkInvariants && img.data[i] != seen {
		panic(fmt.Sprintf("raster: double drawing at (%d,%d): %#x, expected %#x", x, y, img.data[i], seen))
	}
	img.data[i] = v
}

// MarkAll flags every pixel for recomputation and resets the progress
// counter to match.
func (img *Image) MarkAll() {
	for i := range img.data {
		img.data[i] |= NeedsRecalc
	}
	img.pending.Store(int64(len(img.data)))
}

// FindGreatestValueNotMax returns the largest stored iteration count that
// is below the budget, or 8 if every pixel is smaller or at the budget.
func (img *Image) FindGreatestValueNotMax() uint32 {
	greatest := uint32(8)
	for _, v := range img.data {
		v &= ValueMask
		if v > greatest && v < img.maxIter {
			greatest = v
		}
	}
	return greatest
}

// BeginPass counts the pixels that need work and arms the progress
// counter. It returns that count.
func (img *Image) BeginPass() int {
	n := 0
	for _, v := range img.data {
		if img.NeedRecalc(v) {
			n++
		}
	}
	img.pending.Store(int64(n))
	return n
}

// Resolve records that n pending pixels received a value.
func (img *Image) Resolve(n int) {
	if n != 0 {
		img.pending.Add(-int64(n))
	}
}

// Pending returns the number of pixels still waiting in the current pass.
func (img *Image) Pending() int {
	return int(img.pending.Load())
}

// Progress returns the fraction of pixels that do not need work.
func (img *Image) Progress() float64 {
	total := len(img.data)
	return 1 - float64(img.pending.Load())/float64(total)
}
