package export

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/mandelsplit/internal/raster"
)

func TestDefaultPalette(t *testing.T) {
	p := DefaultPalette(256)
	require.Len(t, p, 256)
	assert.Equal(t, color.RGBA{0, 7, 100, 255}, p[0])
	for _, c := range p {
		assert.Equal(t, uint8(255), c.A)
	}
	assert.Len(t, DefaultPalette(0), 2)
}

func TestColorize(t *testing.T) {
	pal := Palette{{1, 2, 3, 255}, {4, 5, 6, 255}}
	f := Frame{
		Width:   4,
		Height:  1,
		MaxIter: 10,
		Pixels:  []uint32{0, 3, 10, 7 | raster.NeedsRecalc},
	}
	img := Colorize(f, pal)

	assert.Equal(t, color.RGBA{1, 2, 3, 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{4, 5, 6, 255}, img.RGBAAt(1, 0))
	assert.Equal(t, Inside, img.RGBAAt(2, 0))
	assert.Equal(t, Pending, img.RGBAAt(3, 0))
}
