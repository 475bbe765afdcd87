// Package estimator fuses asynchronous landing target observations through a
// bank of Kalman filters. PositionEstimator owns the position filter bank and
// the per-sensor observation processors; OrientationEstimator runs the
// independent scalar yaw filter. Both are single-threaded: callers deliver
// input snapshots through the setters and drive one Update per control tick.
package estimator

import (
	"errors"
	"time"

	"github.com/aeronavlab/precland/internal/config"
	"github.com/aeronavlab/precland/internal/estimator/kf"
	"github.com/aeronavlab/precland/internal/frame"
	"github.com/aeronavlab/precland/internal/monitoring"
)

// errNoAidingSource rejects a configuration with an empty aiding mask, which
// would leave the filter unable to ever initialize.
var errNoAidingSource = errors.New("estimator: no aiding source enabled in aid_mask")

// Engine timeouts. The filter reset timeout is tunable; these are not.
const (
	// targetValidTimeout is how long after the last successful position
	// fusion the estimate remains valid.
	targetValidTimeout = 2 * time.Second

	// measValidTimeout bounds the age of a measurement against the current
	// state time.
	measValidTimeout = time.Second

	// measUpdatedTimeout is the staleness window of cached vehicle snapshots.
	measUpdatedTimeout = 100 * time.Millisecond

	// initWaitTime is the grace period between the first valid position
	// observation and filter initialization, so a GPS velocity snapshot can
	// seed the initial velocity.
	initWaitTime = time.Second
)

// TargetModel selects the filter topology.
type TargetModel int

const (
	ModelNotInit TargetModel = iota
	ModelDecoupled
	ModelCoupled
	ModelHorizontal
)

func (m TargetModel) String() string {
	switch m {
	case ModelDecoupled:
		return "decoupled"
	case ModelCoupled:
		return "coupled"
	case ModelHorizontal:
		return "horizontal"
	default:
		return "not_init"
	}
}

func modeFromConfig(s string) kf.Mode {
	switch s {
	case "stationary":
		return kf.ModeStationary
	case "moving":
		return kf.ModeMoving
	case "moving_augmented":
		return kf.ModeMovingAugmented
	default:
		return kf.ModeNotInit
	}
}

func modelFromConfig(s string) TargetModel {
	switch s {
	case "decoupled":
		return ModelDecoupled
	case "coupled":
		return ModelCoupled
	case "horizontal":
		return ModelHorizontal
	default:
		return ModelNotInit
	}
}

// PositionEstimator is the orchestrator of the position filter bank: it
// selects the mode and model, initializes filters from the first valid
// observation, predicts at the tick rate, dispatches observations through
// their processors and the fusion engine, tracks timeouts and publishes the
// fused estimate.
type PositionEstimator struct {
	cfg *config.TuningConfig

	mode  kf.Mode
	model TargetModel

	// Exactly one topology is live at a time.
	axes    [3]kf.AxisFilter
	coupled *kf.Coupled

	initialized      bool
	biasSet          bool
	firstPosNanos    int64
	lastPredictNanos int64
	lastUpdateNanos  int64

	// Overwrite-latest input caches.
	vehicleGPS        GPSFix
	vehicleGPSUpdated bool
	targetGNSS        TargetGNSSReport
	targetGNSSUpdated bool
	fiducial          FiducialMarkerReport
	fiducialUpdated   bool
	irlock            IRLockReport
	irlockUpdated     bool
	uwb               UWBReport
	uwbUpdated        bool

	rangeSensor rangeSample
	localPos    localPosSample
	landingPos  landingPoint

	uavGPSVel    vecStamped
	targetGPSVel vecStamped
	posRelGNSS   vecStamped

	pubs []Publisher
}

// NewPositionEstimator builds an estimator from the tuning configuration.
func NewPositionEstimator(cfg *config.TuningConfig) (*PositionEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.GetAidMask() == 0 {
		return nil, errNoAidingSource
	}

	p := &PositionEstimator{cfg: cfg}
	p.selectTargetEstimator()

	mask := cfg.GetAidMask()
	if mask&config.AidTargetGPSPos != 0 {
		monitoring.Logf("target GPS position fusion enabled")
	}
	if mask&config.AidMissionPos != 0 {
		monitoring.Logf("mission landing position fusion enabled")
	}
	if mask&config.AidGPSRelVel != 0 {
		monitoring.Logf("relative GPS velocity fusion enabled")
	}
	if mask&config.AidVisionPos != 0 {
		monitoring.Logf("vision relative position fusion enabled")
	}
	if mask&config.AidIRLockPos != 0 {
		monitoring.Logf("irlock relative position fusion enabled")
	}
	if mask&config.AidUWBPos != 0 {
		monitoring.Logf("uwb relative position fusion enabled")
	}

	return p, nil
}

// AddPublisher registers an output sink. Publishers are invoked synchronously
// from Update, in registration order.
func (p *PositionEstimator) AddPublisher(pub Publisher) {
	p.pubs = append(p.pubs, pub)
}

// Mode returns the active target mode.
func (p *PositionEstimator) Mode() kf.Mode { return p.mode }

// Model returns the active filter topology.
func (p *PositionEstimator) Model() TargetModel { return p.model }

// Initialized reports whether a filter bank is live.
func (p *PositionEstimator) Initialized() bool { return p.initialized }

// BiasSet reports whether the GNSS bias states are being observed.
func (p *PositionEstimator) BiasSet() bool { return p.biasSet }

func (p *PositionEstimator) timeoutNanos() int64 {
	return int64(p.cfg.GetTargetTimeoutSec() * float64(time.Second))
}

// selectTargetEstimator reads the configured mode and model; any change
// discards the live filter bank so the next valid observation re-initializes.
func (p *PositionEstimator) selectTargetEstimator() {
	mode := modeFromConfig(p.cfg.GetTargetMode())
	model := modelFromConfig(p.cfg.GetTargetModel())

	// The augmented state couples drone and target velocity and is only
	// expressed by the full-state filter.
	if mode == kf.ModeMovingAugmented && model != ModelCoupled {
		monitoring.Logf("moving_augmented target mode requires the coupled model, overriding %q", model)
		model = ModelCoupled
	}

	if mode == p.mode && model == p.model {
		return
	}

	monitoring.Logf("target estimator selected: mode=%s model=%s", mode, model)
	p.mode = mode
	p.model = model
	p.resetFilter()
}

func (p *PositionEstimator) resetFilter() {
	p.initialized = false
	p.firstPosNanos = 0
	p.biasSet = false
	p.landingPos.valid = false
}

// checkParams refreshes the per-tick view of the configuration and expires
// stale vehicle snapshots.
func (p *PositionEstimator) checkParams(nowNanos int64) {
	p.selectTargetEstimator()

	if p.rangeSensor.valid {
		p.rangeSensor.valid = nowNanos-p.rangeSensor.lastUpdateNanos < int64(measUpdatedTimeout)
	}

	if p.localPos.valid {
		p.localPos.valid = nowNanos-p.localPos.lastUpdateNanos < int64(measUpdatedTimeout)
	}
}

// Update runs one estimation tick: timeout check, prediction, observation
// processing and fusion, and output publication. accNED is the vehicle
// acceleration in NED. Returns whether the target estimate is currently
// valid.
func (p *PositionEstimator) Update(nowNanos int64, accNED frame.Vec3) bool {
	p.checkParams(nowNanos)

	if p.initialized {
		if nowNanos-p.lastUpdateNanos > p.timeoutNanos() {
			monitoring.Logf("position estimator timeout, resetting filter")
			p.resetFilter()
		} else {
			p.predictionStep(nowNanos, accNED)
			p.lastPredictNanos = nowNanos
		}
	}

	if p.updateStep(nowNanos, accNED) {
		p.lastUpdateNanos = p.lastPredictNanos
	}

	if p.initialized {
		p.publishTarget()
	}

	return p.initialized && nowNanos-p.lastUpdateNanos < int64(targetValidTimeout)
}

// predictionStep advances the active filters by the time elapsed since the
// previous prediction.
func (p *PositionEstimator) predictionStep(nowNanos int64, acc frame.Vec3) {
	dt := float64(nowNanos-p.lastPredictNanos) / 1e9

	inputVar := p.cfg.GetDroneAccUnc()
	biasVar := p.cfg.GetBiasUnc()
	accVar := 0.0
	if p.mode == kf.ModeMoving || p.mode == kf.ModeMovingAugmented {
		accVar = p.cfg.GetTargetAccUnc()
	}

	if p.model == ModelCoupled {
		p.coupled.SetProcessNoise(inputVar, biasVar, accVar)
		p.coupled.PredictState(dt, acc)
		p.coupled.PredictCov(dt)
		return
	}

	for i := 0; i < 3; i++ {
		p.axes[i].SetProcessNoise(inputVar, biasVar, accVar)
		p.axes[i].PredictState(dt, acc.Axis(i))
		p.axes[i].PredictCov(dt)
	}
}

func vec3From(m [3]float64) frame.Vec3 {
	return frame.Vec3{X: m[0], Y: m[1], Z: m[2]}
}

// updateStep processes every enabled and fresh observation source. When the
// estimator is initialized the valid observations are fused; otherwise the
// first valid position observation starts the initialization grace period.
// Returns whether at least one position observation was fused.
func (p *PositionEstimator) updateStep(nowNanos int64, acc frame.Vec3) bool {
	mask := p.cfg.GetAidMask()

	var (
		obsTargetGPS  = targetObs{source: SourceTargetGPSPos}
		obsMissionGPS = targetObs{source: SourceMissionGPSPos}
		obsVelRel     = targetObs{source: SourceRelVelGPS}
		obsVelTarget  = targetObs{source: SourceTargetVelGPS}
		obsVision     = targetObs{source: SourceFiducialMarker}
		obsIRLock     = targetObs{source: SourceIRLock}
		obsUWB        = targetObs{source: SourceUWB}
	)

	var targetGPSValid, missionGPSValid, velRelValid, velTargetValid bool
	var visionValid, irlockValid, uwbValid bool

	fresh := func(tsNanos int64) bool {
		return nowNanos-tsNanos < int64(measValidTimeout)
	}

	if mask&config.AidIRLockPos != 0 && p.rangeSensor.valid && p.irlockUpdated {
		p.irlockUpdated = false
		if p.processObsIRlock(p.irlock, &obsIRLock) {
			irlockValid = fresh(obsIRLock.timestampNanos)
		}
	}

	if mask&config.AidUWBPos != 0 && p.rangeSensor.valid && p.uwbUpdated {
		p.uwbUpdated = false
		if p.processObsUWB(p.uwb, &obsUWB) {
			uwbValid = fresh(obsUWB.timestampNanos)
		}
	}

	if mask&config.AidVisionPos != 0 && p.fiducialUpdated {
		p.fiducialUpdated = false
		if p.processObsVision(p.fiducial, &obsVision) {
			visionValid = fresh(obsVision.timestampNanos)
		}
	}

	vehGPSUpdated := p.vehicleGPSUpdated
	p.vehicleGPSUpdated = false

	if nowNanos-p.vehicleGPS.TimestampNanos < int64(measUpdatedTimeout) {
		targetUpdated := p.targetGNSSUpdated
		p.targetGNSSUpdated = false

		if mask&config.AidTargetGPSPos != 0 && targetUpdated && p.targetGNSS.AbsPosUpdated {
			if p.processObsTargetGNSS(p.targetGNSS, p.vehicleGPS, &obsTargetGPS) {
				targetGPSValid = fresh(obsTargetGPS.timestampNanos)
			}
		}

		// Mission position aiding yields to target GPS position aiding.
		if mask&config.AidMissionPos != 0 && mask&config.AidTargetGPSPos == 0 &&
			vehGPSUpdated && p.landingPos.valid {
			if p.processObsGNSSPosMission(p.vehicleGPS, &obsMissionGPS) {
				missionGPSValid = fresh(obsMissionGPS.timestampNanos)
			}
		}

		p.uavGPSVel = vecStamped{
			timestampNanos: p.vehicleGPS.TimestampNanos,
			valid:          p.vehicleGPS.VelValid && p.vehicleGPS.Vel().IsFinite(),
			xyz:            p.vehicleGPS.Vel(),
		}
		p.targetGPSVel = vecStamped{
			timestampNanos: p.targetGNSS.TimestampNanos,
			valid:          p.targetGNSS.VelUpdated && p.targetGNSS.Vel().IsFinite(),
			xyz:            p.targetGNSS.Vel(),
		}

		if mask&config.AidGPSRelVel != 0 {
			if p.mode == kf.ModeMovingAugmented && targetUpdated && p.targetGPSVel.valid {
				if p.processObsGNSSVelTarget(p.targetGNSS, &obsVelTarget) {
					velTargetValid = fresh(obsVelTarget.timestampNanos)
				}
			}

			if p.uavGPSVel.valid &&
				((p.targetGPSVel.valid && targetUpdated && p.mode == kf.ModeMoving) ||
					(vehGPSUpdated && p.mode != kf.ModeMoving)) {
				if p.processObsGNSSVelRel(p.targetGNSS, targetUpdated, p.vehicleGPS, vehGPSUpdated, &obsVelRel) {
					velRelValid = fresh(obsVelRel.timestampNanos)
				}
			}
		}
	}

	newPosSensor := targetGPSValid || missionGPSValid || visionValid || irlockValid || uwbValid
	newNonGNSSPosSensor := visionValid || irlockValid || uwbValid
	newVelSensor := velRelValid || velTargetValid

	// Once a position source other than GNSS is available alongside a fresh
	// GNSS relative position, restart the filter so the bias becomes
	// observable.
	if !p.biasSet && mask&(config.AidTargetGPSPos|config.AidMissionPos) != 0 &&
		fresh(p.posRelGNSS.timestampNanos) && newNonGNSSPosSensor {
		if p.initialized {
			monitoring.Logf("second relative position source available, restarting filter to observe the GNSS bias")
		}
		p.initialized = false
	}

	if (newPosSensor || newVelSensor) && p.initialized {
		posFused := false

		if targetGPSValid && p.fuseMeas(nowNanos, acc, &obsTargetGPS) {
			posFused = true
		}
		if missionGPSValid && p.fuseMeas(nowNanos, acc, &obsMissionGPS) {
			posFused = true
		}
		if velRelValid {
			p.fuseMeas(nowNanos, acc, &obsVelRel)
		}
		if velTargetValid {
			p.fuseMeas(nowNanos, acc, &obsVelTarget)
		}
		if visionValid && p.fuseMeas(nowNanos, acc, &obsVision) {
			posFused = true
		}
		if irlockValid && p.fuseMeas(nowNanos, acc, &obsIRLock) {
			posFused = true
		}
		if uwbValid && p.fuseMeas(nowNanos, acc, &obsUWB) {
			posFused = true
		}

		return posFused
	}

	if newPosSensor && !p.initialized {
		if p.firstPosNanos == 0 {
			p.firstPosNanos = nowNanos
		} else if nowNanos-p.firstPosNanos > int64(initWaitTime) {
			var posInit, velInit, accInit, biasInit, targetVelInit frame.Vec3

			// Non-GNSS sources are preferred for the initial position since
			// they carry no bias.
			switch {
			case visionValid:
				posInit = vec3From(obsVision.meas)
			case irlockValid:
				posInit = vec3From(obsIRLock.meas)
			case uwbValid:
				posInit = vec3From(obsUWB.meas)
			case targetGPSValid:
				posInit = vec3From(obsTargetGPS.meas)
			case missionGPSValid:
				posInit = vec3From(obsMissionGPS.meas)
			}

			// GNSS observations carry a bias the others lack, so
			// bias = gnss_obs - state.
			if p.posRelGNSS.valid && fresh(p.posRelGNSS.timestampNanos) && newNonGNSSPosSensor {
				biasInit = p.posRelGNSS.xyz.Sub(posInit)
				p.biasSet = true
			}

			if p.targetGPSVel.valid && fresh(p.targetGPSVel.timestampNanos) {
				targetVelInit = p.targetGPSVel.xyz
			}

			if p.uavGPSVel.valid && fresh(p.uavGPSVel.timestampNanos) {
				switch p.mode {
				case kf.ModeStationary:
					velInit = p.uavGPSVel.xyz.Neg()
				case kf.ModeMoving:
					velInit = targetVelInit.Sub(p.uavGPSVel.xyz)
				case kf.ModeMovingAugmented:
					velInit = p.uavGPSVel.xyz
				}
			}

			if p.initEstimator(posInit, velInit, accInit, biasInit, targetVelInit) {
				monitoring.Logf("position estimator initialized: pos=[%.2f %.2f %.2f] vel=[%.2f %.2f %.2f] bias=[%.2f %.2f %.2f]",
					posInit.X, posInit.Y, posInit.Z, velInit.X, velInit.Y, velInit.Z, biasInit.X, biasInit.Y, biasInit.Z)
				p.initialized = true
				p.uavGPSVel.valid = false
				p.targetGPSVel.valid = false
				p.lastUpdateNanos = nowNanos
				p.lastPredictNanos = nowNanos
			} else {
				p.resetFilter()
			}
		}
	}

	return false
}

// initEstimator constructs the filter bank for the active mode and model with
// the given initial state and the configured initial variances.
func (p *PositionEstimator) initEstimator(pos, vel, accT, bias, velT frame.Vec3) bool {
	if p.mode == kf.ModeNotInit || p.model == ModelNotInit {
		return false
	}

	posVar := p.cfg.GetPosUncInit()
	velVar := p.cfg.GetVelUncInit()
	biasVar := p.cfg.GetBiasUncInit()
	accVar := p.cfg.GetAccUncInit()

	if p.model == ModelCoupled {
		splat := func(v float64) frame.Vec3 { return frame.Vec3{X: v, Y: v, Z: v} }

		p.coupled = kf.NewCoupled(p.mode, kf.DefaultGate)
		p.coupled.Init(
			kf.Vec3State{Pos: pos, Vel: vel, Bias: bias, AccT: accT, VelT: velT},
			kf.Vec3Variance{
				Pos:  splat(posVar),
				Vel:  splat(velVar),
				Bias: splat(biasVar),
				AccT: splat(accVar),
				VelT: splat(velVar),
			},
		)
		p.axes = [3]kf.AxisFilter{}

		return true
	}

	for i := 0; i < 3; i++ {
		var f kf.AxisFilter
		if p.mode == kf.ModeStationary {
			f = kf.NewDecoupledStatic(kf.DefaultGate)
		} else {
			f = kf.NewDecoupledMoving(kf.DefaultGate)
		}

		f.Init(
			kf.AxisState{Pos: pos.Axis(i), Vel: vel.Axis(i), Bias: bias.Axis(i), AccT: accT.Axis(i), VelT: velT.Axis(i)},
			kf.AxisVariance{Pos: posVar, Vel: velVar, Bias: biasVar, AccT: accVar, VelT: velVar},
		)
		p.axes[i] = f
	}
	p.coupled = nil

	return true
}

// publishTarget emits the fused pose and the full state record.
func (p *PositionEstimator) publishTarget() {
	pose := TargetPose{
		TimestampNanos: p.lastPredictNanos,
		IsStatic:       p.mode == kf.ModeStationary,
		RelPosValid:    p.lastPredictNanos-p.lastUpdateNanos < int64(targetValidTimeout),
		// The relative velocity is not exported as an external velocity
		// source for the vehicle estimator yet.
		RelVelValid: false,
	}
	state := EstimatorState{TimestampNanos: p.lastPredictNanos}

	if p.model == ModelCoupled {
		pose.RelPos = p.coupled.Position()
		pose.RelPosVar = p.coupled.PosVar()
		pose.RelVel = p.coupled.Velocity()
		pose.RelVelVar = p.coupled.VelVar()

		state.Bias = p.coupled.Bias()
		state.BiasVar = p.coupled.BiasVar()

		if p.mode == kf.ModeMoving || p.mode == kf.ModeMovingAugmented {
			state.TargetAcc = p.coupled.TargetAcc()
			state.TargetAccVar = p.coupled.TargetAccVar()
		}

		if p.mode == kf.ModeMovingAugmented {
			state.TargetVel = p.coupled.TargetVel()
			state.TargetVelVar = p.coupled.TargetVelVar()

			// The velocity block holds the drone velocity in augmented mode;
			// the published relative velocity is vt - vd and the variances
			// add.
			pose.RelVel = state.TargetVel.Sub(pose.RelVel)
			pose.RelVelVar = pose.RelVelVar.Add(state.TargetVelVar)
		}
	} else {
		var s [3]kf.AxisState
		var v [3]kf.AxisVariance
		for i := 0; i < 3; i++ {
			s[i] = p.axes[i].State()
			v[i] = p.axes[i].Variances()
		}

		pose.RelPos = frame.Vec3{X: s[0].Pos, Y: s[1].Pos, Z: s[2].Pos}
		pose.RelPosVar = frame.Vec3{X: v[0].Pos, Y: v[1].Pos, Z: v[2].Pos}
		pose.RelVel = frame.Vec3{X: s[0].Vel, Y: s[1].Vel, Z: s[2].Vel}
		pose.RelVelVar = frame.Vec3{X: v[0].Vel, Y: v[1].Vel, Z: v[2].Vel}

		state.Bias = frame.Vec3{X: s[0].Bias, Y: s[1].Bias, Z: s[2].Bias}
		state.BiasVar = frame.Vec3{X: v[0].Bias, Y: v[1].Bias, Z: v[2].Bias}

		if p.mode == kf.ModeMoving || p.mode == kf.ModeMovingAugmented {
			state.TargetAcc = frame.Vec3{X: s[0].AccT, Y: s[1].AccT, Z: s[2].AccT}
			state.TargetAccVar = frame.Vec3{X: v[0].AccT, Y: v[1].AccT, Z: v[2].AccT}
		}
	}

	state.RelPos = pose.RelPos
	state.RelPosVar = pose.RelPosVar
	state.RelVel = pose.RelVel
	state.RelVelVar = pose.RelVelVar

	if p.localPos.valid {
		pose.AbsPos = pose.RelPos.Add(p.localPos.xyz)
		pose.AbsPosValid = true
	}

	for _, pub := range p.pubs {
		pub.PublishTargetPose(pose)
		pub.PublishEstimatorState(state)
	}

	limit := p.cfg.GetBiasLimit()
	if abs3Exceeds(state.Bias, limit) {
		monitoring.Debugf("bias exceeds limit %.2f: [%.2f %.2f %.2f]",
			limit, state.Bias.X, state.Bias.Y, state.Bias.Z)
	}
}

func abs3Exceeds(v frame.Vec3, limit float64) bool {
	abs := func(x float64) float64 {
		if x < 0 {
			return -x
		}
		return x
	}
	return abs(v.X) > limit || abs(v.Y) > limit || abs(v.Z) > limit
}
