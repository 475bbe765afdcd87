package estimator

import "github.com/aeronavlab/precland/internal/frame"

// TargetPose is the fused target estimate emitted once per tick while the
// estimator is initialized. RelPosValid reflects the fusion timeout; the pose
// is still published when invalid so consumers see the transition.
type TargetPose struct {
	TimestampNanos int64
	IsStatic       bool

	RelPosValid bool
	RelPos      frame.Vec3
	RelPosVar   frame.Vec3

	RelVelValid bool
	RelVel      frame.Vec3
	RelVelVar   frame.Vec3

	AbsPosValid bool
	AbsPos      frame.Vec3
}

// EstimatorState is the full diagnostic state record, including the state
// blocks the pose message omits.
type EstimatorState struct {
	TimestampNanos int64

	RelPos    frame.Vec3
	RelPosVar frame.Vec3
	RelVel    frame.Vec3
	RelVelVar frame.Vec3

	Bias    frame.Vec3
	BiasVar frame.Vec3

	TargetAcc    frame.Vec3
	TargetAccVar frame.Vec3

	TargetVel    frame.Vec3
	TargetVelVar frame.Vec3
}

// InnovationRecord documents one fusion attempt of a position-family
// observation, per axis. Rejected marks axes that failed the innovation gate;
// axes with FusionEnabled false were not attempted at all.
type InnovationRecord struct {
	Source         ObsSource
	TimestampNanos int64 // record time
	SampleNanos    int64 // measurement time of validity

	FusionEnabled [3]bool
	Fused         [3]bool
	Rejected      [3]bool

	Observation    [3]float64
	ObservationVar [3]float64
	Innovation     [3]float64
	InnovationVar  [3]float64
}

// YawInnovationRecord is the scalar analogue for the orientation channel.
type YawInnovationRecord struct {
	TimestampNanos int64
	SampleNanos    int64

	FusionEnabled bool
	Fused         bool
	Rejected      bool

	Observation    float64
	ObservationVar float64
	Innovation     float64
	InnovationVar  float64
}

// TargetOrientation is the fused yaw estimate.
type TargetOrientation struct {
	TimestampNanos int64

	RelYawValid bool
	ThetaRel    float64
	ThetaRelVar float64
	RateRel     float64
	RateRelVar  float64

	AbsYawValid bool
	ThetaAbs    float64
}

// Publisher receives position estimator outputs. Implementations must not
// block; the estimator calls them synchronously from its tick.
type Publisher interface {
	PublishTargetPose(TargetPose)
	PublishEstimatorState(EstimatorState)
	PublishInnovation(InnovationRecord)
}

// OrientationPublisher receives orientation estimator outputs.
type OrientationPublisher interface {
	PublishOrientation(TargetOrientation)
	PublishYawInnovation(YawInnovationRecord)
}
