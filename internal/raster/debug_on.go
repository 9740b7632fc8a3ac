//go:build mandeldebug

package raster

const checkInvariants = true
