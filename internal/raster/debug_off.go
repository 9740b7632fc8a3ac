//go:build !mandeldebug

package raster

const checkInvariants = false
