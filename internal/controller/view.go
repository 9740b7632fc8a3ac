package controller

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ChuLiYu/mandelsplit/internal/logging"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// DefaultMaxPrecision caps the fixed-point width chosen for deep views.
const DefaultMaxPrecision = 16

// A step above 2^float32Exp still resolves in float32, one above
// 2^float64Exp in float64. Below that fixed point takes over.
const (
	float32Exp = -20
	float64Exp = -42
)

const defaultMaxIter = 256

// DefaultView returns the view showing the whole set.
func DefaultView() types.View {
	return types.View{CenterRe: "-0.5", CenterIm: "0", Size: "3", MaxIter: defaultMaxIter}
}

// geometry is a view resolved against an image size.
type geometry struct {
	step             *big.Float
	startRe, startIm *big.Float
	dRe, dIm         *big.Float
	precision        int
}

// SetView moves the image to v. A running pass is cancelled first, every
// pixel is flagged and precision is re-chosen from the pixel step.
func (c *Controller) SetView(v types.View) error {
	if v.MaxIter == 0 {
		v.MaxIter = defaultMaxIter
	}
	g, err := resolveView(v, c.img.Width(), c.img.Height(), c.cfg.AllowFloat32, c.cfg.MaxPrecision)
	if err != nil {
		return err
	}

	c.Quiesce()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return ErrPassRunning
	}

	// precision first, so the fixed mirrors receive every digit
	c.img.SetPrecision(g.precision)
	c.img.SetStart(g.startRe, g.startIm)
	c.img.SetDReIm(g.dRe, g.dIm)
	c.img.SetMaxIter(v.MaxIter)
	c.img.SetRecalcLimit(c.img.MaxIter())
	c.img.MarkAll()
	c.view = v

	if m := c.cfg.Metrics; m != nil {
		m.UpdateRenderState(0, c.queue.Waiting(), g.precision, c.img.MaxIter())
	}
	logging.L().Info("view set",
		"center_re", v.CenterRe,
		"center_im", v.CenterIm,
		"size", v.Size,
		"step", g.step.Text('g', 6),
		"precision", g.precision,
		"mode", types.ModeForPrecision(g.precision))
	return nil
}

// resolveView turns the decimal view description into the start pixel, the
// per-pixel step and the arithmetic precision for a width×height image.
// Size spans the shorter image side.
func resolveView(v types.View, width, height int, allowFloat32 bool, maxPrecision int) (geometry, error) {
	prec := workingPrec(maxPrecision)
	cRe, err := parseDecimal("center_re", v.CenterRe, prec)
	if err != nil {
		return geometry{}, err
	}
	cIm, err := parseDecimal("center_im", v.CenterIm, prec)
	if err != nil {
		return geometry{}, err
	}
	size, err := parseDecimal("size", v.Size, prec)
	if err != nil {
		return geometry{}, err
	}
	if size.Sign() <= 0 {
		return geometry{}, fmt.Errorf("%w: size %s must be positive", ErrInvalidView, v.Size)
	}
	if math.IsNaN(v.Rotation) || math.IsInf(v.Rotation, 0) {
		return geometry{}, fmt.Errorf("%w: rotation %v", ErrInvalidView, v.Rotation)
	}

	step := newFloat(prec).Quo(size, big.NewFloat(float64(min(width, height))))
	rad := v.Rotation * math.Pi / 180
	dRe := newFloat(prec).Mul(step, big.NewFloat(math.Cos(rad)))
	dIm := newFloat(prec).Mul(step, big.NewFloat(math.Sin(rad)))

	// the centre pixel maps to the view centre:
	// start = c − (w/2)·dRe + (h/2)·dIm  +  i·(c.im − (w/2)·dIm − (h/2)·dRe)
	hw := big.NewFloat(float64(width) / 2)
	hh := big.NewFloat(float64(height) / 2)
	startRe := newFloat(prec).Set(cRe)
	startRe.Sub(startRe, newFloat(prec).Mul(hw, dRe))
	startRe.Add(startRe, newFloat(prec).Mul(hh, dIm))
	startIm := newFloat(prec).Set(cIm)
	startIm.Sub(startIm, newFloat(prec).Mul(hw, dIm))
	startIm.Sub(startIm, newFloat(prec).Mul(hh, dRe))

	return geometry{
		step:      step,
		startRe:   startRe,
		startIm:   startIm,
		dRe:       dRe,
		dIm:       dIm,
		precision: PrecisionForStep(step, allowFloat32, maxPrecision),
	}, nil
}

// PrecisionForStep picks the arithmetic for a pixel step: -1 (float32) when
// allowed and step > 2^-20, 0 (float64) while step > 2^-42, otherwise
// ceil((-log2(step)+32)/64) fixed limbs capped at maxPrecision.
func PrecisionForStep(step *big.Float, allowFloat32 bool, maxPrecision int) int {
	switch {
	case allowFloat32 && step.Cmp(pow2(float32Exp)) > 0:
		return -1
	case step.Cmp(pow2(float64Exp)) > 0:
		return 0
	}
	// step = m·2^exp with 0.5 <= m < 1, so -log2(step) rounds up to 1-exp
	exp := step.MantExp(nil)
	bits := 1 - exp
	n := (bits + 32 + 63) / 64
	if maxPrecision > 0 && n > maxPrecision {
		logging.L().Warn("precision capped", "wanted", n, "max", maxPrecision)
		n = maxPrecision
	}
	return max(n, 1)
}

func pow2(exp int) *big.Float {
	return new(big.Float).SetMantExp(big.NewFloat(1), exp)
}

// workingPrec is wide enough for every fixed width up to maxPrecision.
func workingPrec(maxPrecision int) uint {
	return uint(64 * (max(maxPrecision, DefaultMaxPrecision) + 3))
}

func newFloat(prec uint) *big.Float {
	return new(big.Float).SetPrec(prec)
}

func parseDecimal(field, s string, prec uint) (*big.Float, error) {
	f, _, err := big.ParseFloat(s, 10, prec, big.ToNearestEven)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidView, field, s, err)
	}
	if f.IsInf() {
		return nil, fmt.Errorf("%w: %s %q is infinite", ErrInvalidView, field, s)
	}
	return f, nil
}
