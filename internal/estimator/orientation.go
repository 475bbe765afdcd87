package estimator

import (
	"github.com/aeronavlab/precland/internal/config"
	"github.com/aeronavlab/precland/internal/estimator/kf"
	"github.com/aeronavlab/precland/internal/frame"
	"github.com/aeronavlab/precland/internal/monitoring"
)

// OrientationEstimator runs the scalar yaw filter, independently of the
// position bank. It shares the lifecycle shape of PositionEstimator: lazy
// initialization from the first valid marker yaw, prediction at the tick
// rate, gated fusion, timeout-driven teardown.
type OrientationEstimator struct {
	cfg *config.TuningConfig

	filter      *kf.Yaw
	initialized bool

	firstObsNanos    int64
	lastPredictNanos int64
	lastUpdateNanos  int64

	marker        MarkerYawReport
	markerUpdated bool

	rangeSensor rangeSample

	localYaw struct {
		yaw             float64
		valid           bool
		lastUpdateNanos int64
	}

	pubs []OrientationPublisher
}

// NewOrientationEstimator builds a yaw estimator from the tuning
// configuration.
func NewOrientationEstimator(cfg *config.TuningConfig) (*OrientationEstimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OrientationEstimator{cfg: cfg}, nil
}

// AddPublisher registers an output sink.
func (o *OrientationEstimator) AddPublisher(pub OrientationPublisher) {
	o.pubs = append(o.pubs, pub)
}

// Initialized reports whether the yaw filter is live.
func (o *OrientationEstimator) Initialized() bool { return o.initialized }

// SetMarkerYaw stores the latest marker yaw detection.
func (o *OrientationEstimator) SetMarkerYaw(r MarkerYawReport) {
	o.marker = r
	o.markerUpdated = true
}

// SetRangeSensor stores the latest distance to the ground plane, used to
// scale the default yaw measurement noise.
func (o *OrientationEstimator) SetRangeSensor(dist float64, valid bool, nowNanos int64) {
	o.rangeSensor.distBottom = dist
	o.rangeSensor.valid = valid
	o.rangeSensor.lastUpdateNanos = nowNanos
}

// SetVehicleYaw stores the vehicle heading, used to derive the absolute
// target yaw on publication.
func (o *OrientationEstimator) SetVehicleYaw(yaw float64, valid bool, nowNanos int64) {
	o.localYaw.yaw = yaw
	o.localYaw.valid = valid
	o.localYaw.lastUpdateNanos = nowNanos
}

func (o *OrientationEstimator) timeoutNanos() int64 {
	return int64(o.cfg.GetTargetTimeoutSec() * 1e9)
}

func (o *OrientationEstimator) resetFilter() {
	o.initialized = false
	o.firstObsNanos = 0
}

func (o *OrientationEstimator) checkParams(nowNanos int64) {
	if o.rangeSensor.valid {
		o.rangeSensor.valid = nowNanos-o.rangeSensor.lastUpdateNanos < int64(measUpdatedTimeout)
	}

	if o.localYaw.valid {
		o.localYaw.valid = nowNanos-o.localYaw.lastUpdateNanos < int64(measUpdatedTimeout)
	}
}

// Update runs one orientation tick. Returns whether the yaw estimate is
// currently valid.
func (o *OrientationEstimator) Update(nowNanos int64) bool {
	o.checkParams(nowNanos)

	if o.initialized {
		if nowNanos-o.lastUpdateNanos > o.timeoutNanos() {
			monitoring.Logf("orientation estimator timeout, resetting filter")
			o.resetFilter()
		} else {
			dt := float64(nowNanos-o.lastPredictNanos) / 1e9
			o.filter.SetProcessNoise(o.cfg.GetTargetAccUnc())
			o.filter.PredictState(dt)
			o.filter.PredictCov(dt)
			o.lastPredictNanos = nowNanos
		}
	}

	if o.updateStep(nowNanos) {
		o.lastUpdateNanos = o.lastPredictNanos
	}

	if o.initialized {
		o.publishTarget()
	}

	return o.initialized && nowNanos-o.lastUpdateNanos < int64(targetValidTimeout)
}

func (o *OrientationEstimator) updateStep(nowNanos int64) bool {
	var obs orientationObs
	valid := false

	if o.markerUpdated {
		o.markerUpdated = false
		if o.processObsVisionOrientation(o.marker, &obs) {
			valid = nowNanos-obs.timestampNanos < int64(measValidTimeout)
		}
	}

	if valid && o.initialized {
		return o.fuseOrientation(nowNanos, &obs)
	}

	if valid && !o.initialized {
		if o.firstObsNanos == 0 {
			o.firstObsNanos = nowNanos
		} else if nowNanos-o.firstObsNanos > int64(initWaitTime) {
			o.filter = kf.NewYaw(kf.DefaultGate)
			o.filter.Init(obs.meas, 0, o.cfg.GetYawUncInit(), o.cfg.GetYawUncInit())

			monitoring.Logf("orientation estimator initialized: theta=%.2f", obs.meas)
			o.initialized = true
			o.lastUpdateNanos = nowNanos
			o.lastPredictNanos = nowNanos
		}
	}

	return false
}

// processObsVisionOrientation validates and normalizes a marker yaw report.
func (o *OrientationEstimator) processObsVisionOrientation(r MarkerYawReport, obs *orientationObs) bool {
	theta := frame.WrapPi(r.ThetaRel)
	if !isFinite(theta) {
		monitoring.Logf("vision orientation invalid, dropping observation")
		return false
	}

	obs.timestampNanos = r.TimestampNanos
	obs.updated = true
	obs.meas = theta
	obs.hTheta = 1

	switch {
	case r.Var > 0:
		obs.measUnc = r.Var
	case o.rangeSensor.valid:
		obs.measUnc = o.cfg.GetEVANoise() * o.rangeSensor.distBottom
	default:
		obs.measUnc = o.cfg.GetEVANoise() * 10
	}

	return true
}

// fuseOrientation runs the gated scalar update and publishes the innovation
// record.
func (o *OrientationEstimator) fuseOrientation(nowNanos int64, obs *orientationObs) bool {
	rec := YawInnovationRecord{
		TimestampNanos: nowNanos,
		SampleNanos:    obs.timestampNanos,
	}

	fused := false
	dtSyncNanos := o.lastPredictNanos - obs.timestampNanos

	switch {
	case dtSyncNanos > int64(measValidTimeout):
		monitoring.Logf("orientation observation rejected, too old: sync %.2f ms > %.2f ms",
			float64(dtSyncNanos)/1e6, measValidTimeout.Seconds()*1000)

	case obs.updated:
		dtSync := float64(dtSyncNanos) / 1e9

		o.filter.SyncState(dtSync)
		o.filter.SetH(obs.hTheta, obs.hRate)
		rec.InnovationVar = o.filter.InnovCov(obs.measUnc)
		rec.Innovation = o.filter.Innov(obs.meas)
		fused = o.filter.Update()

		rec.FusionEnabled = true
		rec.Fused = fused
		rec.Rejected = !fused
		rec.Observation = obs.meas
		rec.ObservationVar = obs.measUnc
	}

	for _, pub := range o.pubs {
		pub.PublishYawInnovation(rec)
	}

	return fused
}

func (o *OrientationEstimator) publishTarget() {
	out := TargetOrientation{
		TimestampNanos: o.lastPredictNanos,
		RelYawValid:    o.lastPredictNanos-o.lastUpdateNanos < int64(targetValidTimeout),
		ThetaRel:       o.filter.Theta(),
		ThetaRelVar:    o.filter.ThetaVar(),
		RateRel:        o.filter.Rate(),
		RateRelVar:     o.filter.RateVar(),
	}

	if o.localYaw.valid {
		out.AbsYawValid = true
		out.ThetaAbs = frame.WrapPi(out.ThetaRel - o.localYaw.yaw)
	}

	for _, pub := range o.pubs {
		pub.PublishOrientation(out)
	}
}
