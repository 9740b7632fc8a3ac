package raster

import "fmt"

// AssertInside panics if the rectangle is empty or leaves the image. Only
// checks in builds with the mandeldebug tag.
func (img *Image) AssertInside(x, y, w, h int) {
	if !checkInvariants {
		return
	}
	if w <= 0 || h <= 0 || x < 0 || y < 0 || x+w > img.width || y+h > img.height {
		panic(fmt.Sprintf("raster: tile %dx%d+%d+%d outside %dx%d", w, h, x, y, img.width, img.height))
	}
}

// AssertResolved panics if a pixel of the rectangle is still flagged. It
// detects a tile that finished without drawing everything and only checks
// in builds with the mandeldebug tag.
func (img *Image) AssertResolved(x, y, w, h int) {
	if !checkInvariants {
		return
	}
	for row := y; row < y+h; row++ {
		for col := x; col < x+w; col++ {
			if img.At(col, row)&NeedsRecalc != 0 {
				panic(fmt.Sprintf("raster: pixel (%d,%d) not drawn in %dx%d+%d+%d", col, row, w, h, x, y))
			}
		}
	}
}
