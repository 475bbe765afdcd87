// Package kf implements the bank of Kalman filters used by the target
// estimator: per-axis decoupled filters for stationary and moving targets, a
// coupled full-state filter on gonum matrices, and a scalar yaw filter.
//
// All filters share the same fusion protocol: SyncState moves a copy of the
// state back to the measurement time of validity, SetH selects the observed
// state components, InnovCov and Innov produce the innovation pair, and
// Update applies the gated correction. Update never mutates state or
// covariance when the gate rejects.
package kf

import "github.com/aeronavlab/precland/internal/frame"

// Mode selects the process model: whether the target's own motion is part of
// the state.
type Mode int

const (
	ModeNotInit Mode = iota
	ModeStationary
	ModeMoving
	ModeMovingAugmented
)

func (m Mode) String() string {
	switch m {
	case ModeStationary:
		return "stationary"
	case ModeMoving:
		return "moving"
	case ModeMovingAugmented:
		return "moving_augmented"
	default:
		return "not_init"
	}
}

// Column offsets of the full observation row. The layout concatenates
// relative position, velocity, GNSS bias, target acceleration and target
// velocity; filters slice out the columns matching their own state.
const (
	ColPos  = 0
	ColVel  = 3
	ColBias = 6
	ColAccT = 9
	ColVelT = 12

	NumCols = 15
)

// ObsRow is one row of the observation (design) matrix in the full
// 15-column layout.
type ObsRow [NumCols]float64

// DefaultGate is the chi-squared gate on the normalized innovation squared,
// one degree of freedom at 5% false-alarm probability.
const DefaultGate = 3.84

// minInnovVar guards the gain division against a degenerate innovation
// variance.
const minInnovVar = 1e-6

// AxisState is the scalar state of one decoupled axis filter. VelT is only
// meaningful in augmented mode and AccT only when the target is moving.
type AxisState struct {
	Pos  float64 // relative position (m)
	Vel  float64 // relative velocity (m/s)
	Bias float64 // GNSS position bias (m)
	AccT float64 // target acceleration (m/s²)
	VelT float64 // target absolute velocity (m/s)
}

// AxisVariance holds the matching state variances.
type AxisVariance struct {
	Pos  float64
	Vel  float64
	Bias float64
	AccT float64
	VelT float64
}

// AxisFilter is one decoupled single-axis filter.
type AxisFilter interface {
	Init(s AxisState, v AxisVariance)
	SetProcessNoise(inputVar, biasVar, accVar float64)
	PredictState(dt, acc float64)
	PredictCov(dt float64)
	SyncState(dt, acc float64)
	SetH(h ObsRow, axis int)
	InnovCov(measVar float64) float64
	Innov(meas float64) float64
	Update() bool
	State() AxisState
	Variances() AxisVariance
	Covariance() [][]float64
}

// Vec3State is the vector state of the coupled filter.
type Vec3State struct {
	Pos  frame.Vec3
	Vel  frame.Vec3
	Bias frame.Vec3
	AccT frame.Vec3
	VelT frame.Vec3
}

// Vec3Variance holds per-axis variances for each state block.
type Vec3Variance struct {
	Pos  frame.Vec3
	Vel  frame.Vec3
	Bias frame.Vec3
	AccT frame.Vec3
	VelT frame.Vec3
}
