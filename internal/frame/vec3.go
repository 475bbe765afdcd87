// Package frame provides the small amount of geometry needed to move sensor
// observations between body and local NED frames: 3-vectors, quaternion
// rotations, discrete sensor-mount rotations and flat-earth geodetic
// differencing.
package frame

import "math"

// Vec3 is a 3-vector in either body FRD or local NED coordinates, depending
// on context. Axis order is x (north/forward), y (east/right), z (down).
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z}
}

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 {
	return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z}
}

// Scale returns s * v.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{s * v.X, s * v.Y, s * v.Z}
}

// Neg returns -v.
func (v Vec3) Neg() Vec3 {
	return Vec3{-v.X, -v.Y, -v.Z}
}

// Axis returns the i-th component (0=x, 1=y, 2=z).
func (v Vec3) Axis(i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// IsFinite reports whether all three components are finite.
func (v Vec3) IsFinite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
