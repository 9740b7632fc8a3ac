package export

import (
	"image"
	"image/color"

	"github.com/ChuLiYu/mandelsplit/internal/raster"
)

// Palette maps escape counts to colours. It is indexed cyclically.
type Palette []color.RGBA

type stop struct {
	at float64
	c  color.RGBA
}

var defaultStops = []stop{
	{0, color.RGBA{0, 7, 100, 255}},
	{0.16, color.RGBA{32, 107, 203, 255}},
	{0.42, color.RGBA{237, 255, 255, 255}},
	{0.6425, color.RGBA{255, 170, 0, 255}},
	{0.8575, color.RGBA{0, 2, 0, 255}},
	{1, color.RGBA{0, 7, 100, 255}},
}

// DefaultPalette returns a smooth blue/white/orange gradient of n colours
// that wraps around without a seam.
func DefaultPalette(n int) Palette {
	if n < 2 {
		n = 2
	}
	p := make(Palette, n)
	k := 0
	for i := range p {
		t := float64(i) / float64(n)
		for k+1 < len(defaultStops)-1 && defaultStops[k+1].at <= t {
			k++
		}
		a, b := defaultStops[k], defaultStops[k+1]
		f := (t - a.at) / (b.at - a.at)
		p[i] = color.RGBA{
			R: lerp(a.c.R, b.c.R, f),
			G: lerp(a.c.G, b.c.G, f),
			B: lerp(a.c.B, b.c.B, f),
			A: 255,
		}
	}
	return p
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*f + 0.5)
}

// Inside is the colour of pixels that never escaped.
var Inside = color.RGBA{0, 0, 0, 255}

// Pending is the colour of pixels that still wait for a value.
var Pending = color.RGBA{128, 128, 128, 255}

// Colorize renders f with the palette. Bounded pixels are Inside, flagged
// pixels are Pending.
func Colorize(f Frame, pal Palette) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		row := f.Pixels[y*f.Width : (y+1)*f.Width]
		off := y * img.Stride
		for x, v := range row {
			var c color.RGBA
			switch {
			case v&raster.NeedsRecalc != 0:
				c = Pending
			case v >= f.MaxIter:
				c = Inside
			default:
				c = pal[int(v)%len(pal)]
			}
			img.Pix[off+4*x] = c.R
			img.Pix[off+4*x+1] = c.G
			img.Pix[off+4*x+2] = c.B
			img.Pix[off+4*x+3] = c.A
		}
	}
	return img
}
