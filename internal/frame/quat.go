package frame

import "math"

// Quat is a unit quaternion describing the rotation from body FRD to local
// NED, in Hamilton convention with the scalar part first.
type Quat struct {
	W, X, Y, Z float64
}

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// IsFinite reports whether all four components are finite.
func (q Quat) IsFinite() bool {
	for _, c := range [4]float64{q.W, q.X, q.Y, q.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// RotationMatrix returns the direction cosine matrix equivalent of q,
// row-major.
func (q Quat) RotationMatrix() [3][3]float64 {
	ww, xx, yy, zz := q.W*q.W, q.X*q.X, q.Y*q.Y, q.Z*q.Z
	wx, wy, wz := q.W*q.X, q.W*q.Y, q.W*q.Z
	xy, xz, yz := q.X*q.Y, q.X*q.Z, q.Y*q.Z

	return [3][3]float64{
		{ww + xx - yy - zz, 2 * (xy - wz), 2 * (xz + wy)},
		{2 * (xy + wz), ww - xx + yy - zz, 2 * (yz - wx)},
		{2 * (xz - wy), 2 * (yz + wx), ww - xx - yy + zz},
	}
}

// RotateVector rotates v from the body frame into the frame q points to.
func (q Quat) RotateVector(v Vec3) Vec3 {
	m := q.RotationMatrix()
	return Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// RotateCovariance rotates a diagonal covariance (variances along the body
// axes) into the destination frame: R * diag(c) * Rᵀ. Returns the full 3x3
// result, row-major.
func (q Quat) RotateCovariance(c Vec3) [3][3]float64 {
	m := q.RotationMatrix()
	var out [3][3]float64
	diag := [3]float64{c.X, c.Y, c.Z}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i][k] * diag[k] * m[j][k]
			}
			out[i][j] = s
		}
	}
	return out
}

// Yaw extracts the heading angle (rotation about the down axis) in radians.
func (q Quat) Yaw() float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// QuatFromYaw builds the quaternion for a pure yaw rotation.
func QuatFromYaw(yaw float64) Quat {
	half := yaw / 2
	return Quat{W: math.Cos(half), Z: math.Sin(half)}
}

// WrapPi wraps an angle into (-π, π].
func WrapPi(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
