package frame

import "math"

// EarthRadiusM is the mean radius used for flat-earth geodetic differencing.
const EarthRadiusM = 6371000.0

// VectorToPoint returns the north/east distance in metres from (latNow,
// lonNow) to (latNext, lonNext), both in degrees, using the small-angle
// approximation. Accurate for the short baselines seen during landing.
func VectorToPoint(latNow, lonNow, latNext, lonNext float64) (north, east float64) {
	dLat := (latNext - latNow) * math.Pi / 180
	dLon := (lonNext - lonNow) * math.Pi / 180

	north = dLat * EarthRadiusM
	east = dLon * EarthRadiusM * math.Cos(latNow*math.Pi/180)
	return north, east
}

// SensorRotation returns a pure-yaw quaternion for one of the 8 discrete
// 45-degree sensor mounting rotations (step in [0, 7]).
func SensorRotation(step int) Quat {
	return QuatFromYaw(float64(step) * math.Pi / 4)
}
