package estimator

import (
	"math"

	"github.com/aeronavlab/precland/internal/estimator/kf"
	"github.com/aeronavlab/precland/internal/frame"
	"github.com/aeronavlab/precland/internal/monitoring"
)

// ObsSource identifies one observation channel for innovation records.
type ObsSource int

const (
	SourceTargetGPSPos ObsSource = iota
	SourceMissionGPSPos
	SourceRelVelGPS
	SourceTargetVelGPS
	SourceFiducialMarker
	SourceIRLock
	SourceUWB
)

func (s ObsSource) String() string {
	switch s {
	case SourceTargetGPSPos:
		return "target_gps_pos"
	case SourceMissionGPSPos:
		return "mission_gps_pos"
	case SourceRelVelGPS:
		return "vel_rel_gps"
	case SourceTargetVelGPS:
		return "vel_target_gps"
	case SourceFiducialMarker:
		return "fiducial_marker"
	case SourceIRLock:
		return "irlock"
	case SourceUWB:
		return "uwb"
	default:
		return "unknown"
	}
}

/// targetObs is a normalized position-family observation: per-axis measured
// values, variances and observation rows in the full state layout, plus flags
// for which axes actually carry a measurement.
type targetObs struct {
	source         ObsSource
	timestampNanos int64
	updated        [3]bool
	meas           [3]float64
	measUnc        [3]float64
	h              [3]kf.ObsRow
}

// orientationObs is the scalar yaw observation.
type orientationObs struct {
	timestampNanos int64
	updated        bool
	meas           float64
	measUnc        float64
	hTheta, hRate  float64
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// gnssRelativePos differences two global positions into a NED vector, target
// relative to vehicle.
func gnssRelativePos(veh GPSFix, lat, lon int64, altMM float64) frame.Vec3 {
	north, east := frame.VectorToPoint(
		float64(veh.Lat)/1e7, float64(veh.Lon)/1e7,
		float64(lat)/1e7, float64(lon)/1e7)

	// Down is positive when the vehicle is above the target.
	return frame.Vec3{X: north, Y: east, Z: (veh.AltMM - altMM) / 1000}
}

// processObsTargetGNSS builds a position observation [r + b] from the target
// GNSS report differenced against the vehicle fix.
func (p *PositionEstimator) processObsTargetGNSS(target TargetGNSSReport, veh GPSFix, obs *targetObs) bool {
	dtSync := veh.TimestampNanos - target.TimestampNanos
	if dtSync < 0 {
		dtSync = -dtSync
	}

	if !veh.posValid() {
		monitoring.Logf("vehicle GPS position invalid, dropping target GNSS observation")
		return false
	}

	if !target.posValid() {
		monitoring.Logf("target GPS position invalid, dropping observation")
		return false
	}

	if dtSync > int64(measValidTimeout) {
		monitoring.Logf("target GPS position too old: sync %.2f ms > %.2f ms",
			float64(dtSync)/1e6, measValidTimeout.Seconds()*1000)
		return false
	}

	rel := gnssRelativePos(veh, target.Lat, target.Lon, target.AltMM)

	// Var(X - Y) = Var(X) + Var(Y), accuracies floored by config.
	eph := math.Max(veh.EPH, p.cfg.GetGPSPosNoise())
	epv := math.Max(veh.EPV, p.cfg.GetGPSPosNoise())
	tEPH := math.Max(target.EPH, p.cfg.GetGPSPosNoise())
	tEPV := math.Max(target.EPV, p.cfg.GetGPSPosNoise())
	uncHor := eph*eph + tEPH*tEPH
	uncVer := epv*epv + tEPV*tEPV

	obs.timestampNanos = target.TimestampNanos
	obs.meas = [3]float64{rel.X, rel.Y, rel.Z}
	obs.measUnc = [3]float64{uncHor, uncHor, uncVer}
	obs.updated = [3]bool{true, true, true}

	for j := 0; j < 3; j++ {
		obs.h[j][kf.ColPos+j] = 1
		if p.biasSet {
			obs.h[j][kf.ColBias+j] = 1
		}
	}

	// Track the GNSS-derived relative position for bias arming.
	p.posRelGNSS.timestampNanos = obs.timestampNanos
	p.posRelGNSS.valid = rel.IsFinite()
	p.posRelGNSS.xyz = rel

	return true
}

// processObsGNSSPosMission builds the same [r + b] observation from the
// mission landing setpoint and the vehicle fix alone.
func (p *PositionEstimator) processObsGNSSPosMission(veh GPSFix, obs *targetObs) bool {
	if !veh.posValid() {
		monitoring.Logf("vehicle GPS position invalid, dropping mission position observation")
		return false
	}

	rel := gnssRelativePos(veh, p.landingPos.lat, p.landingPos.lon, p.landingPos.altMM)

	eph := math.Max(veh.EPH, p.cfg.GetGPSPosNoise())
	epv := math.Max(veh.EPV, p.cfg.GetGPSPosNoise())

	obs.timestampNanos = veh.TimestampNanos
	obs.meas = [3]float64{rel.X, rel.Y, rel.Z}
	obs.measUnc = [3]float64{eph * eph, eph * eph, epv * epv}
	obs.updated = [3]bool{true, true, true}

	for j := 0; j < 3; j++ {
		obs.h[j][kf.ColPos+j] = 1
		if p.biasSet {
			obs.h[j][kf.ColBias+j] = 1
		}
	}

	// Track the GNSS relative position unless the target GPS already did.
	if obs.timestampNanos-p.posRelGNSS.timestampNanos > int64(measValidTimeout) {
		p.posRelGNSS.timestampNanos = obs.timestampNanos
		p.posRelGNSS.valid = rel.IsFinite()
		p.posRelGNSS.xyz = rel
	}

	return true
}

// processObsGNSSVelRel builds the velocity observation. Its meaning depends
// on the target mode: relative velocity for stationary and moving targets,
// drone velocity for the augmented state.
func (p *PositionEstimator) processObsGNSSVelRel(target TargetGNSSReport, targetUpdated bool, veh GPSFix, vehUpdated bool, obs *targetObs) bool {
	sAcc := math.Max(veh.SAcc, p.cfg.GetGPSVelNoise())
	vehVelUnc := sAcc * sAcc

	switch p.mode {
	case kf.ModeStationary:
		if !vehUpdated {
			return false
		}

		// A stationary target moves opposite to the vehicle in relative terms.
		v := veh.Vel().Neg()
		obs.meas = [3]float64{v.X, v.Y, v.Z}
		obs.measUnc = [3]float64{vehVelUnc, vehVelUnc, vehVelUnc}

	case kf.ModeMoving:
		if !targetUpdated {
			return false
		}

		dtSync := veh.TimestampNanos - target.TimestampNanos
		if dtSync < 0 {
			dtSync = -dtSync
		}

		if !target.Vel().IsFinite() {
			monitoring.Logf("target GPS velocity invalid, dropping observation")
			return false
		}

		if dtSync > int64(measValidTimeout) {
			monitoring.Logf("target GPS velocity too old: sync %.2f ms > %.2f ms",
				float64(dtSync)/1e6, measValidTimeout.Seconds()*1000)
			return false
		}

		v := veh.Vel().Sub(target.Vel())
		tAcc := math.Max(target.SAcc, p.cfg.GetGPSVelNoise())
		unc := vehVelUnc + tAcc*tAcc
		obs.meas = [3]float64{v.X, v.Y, v.Z}
		obs.measUnc = [3]float64{unc, unc, unc}

	case kf.ModeMovingAugmented:
		if !vehUpdated {
			return false
		}

		v := veh.Vel()
		obs.meas = [3]float64{v.X, v.Y, v.Z}
		obs.measUnc = [3]float64{vehVelUnc, vehVelUnc, vehVelUnc}

	default:
		return false
	}

	for j := 0; j < 3; j++ {
		obs.h[j][kf.ColVel+j] = 1
	}

	obs.timestampNanos = veh.TimestampNanos
	obs.updated = [3]bool{true, true, true}

	return true
}

// processObsGNSSVelTarget observes the target velocity block directly; only
// meaningful for the augmented state.
func (p *PositionEstimator) processObsGNSSVelTarget(target TargetGNSSReport, obs *targetObs) bool {
	if !target.Vel().IsFinite() {
		monitoring.Logf("target GPS velocity invalid, dropping observation")
		return false
	}

	sAcc := math.Max(target.SAcc, p.cfg.GetGPSVelNoise())
	unc := sAcc * sAcc

	v := target.Vel()
	obs.timestampNanos = target.TimestampNanos
	obs.meas = [3]float64{v.X, v.Y, v.Z}
	obs.measUnc = [3]float64{unc, unc, unc}
	obs.updated = [3]bool{true, true, true}

	for j := 0; j < 3; j++ {
		obs.h[j][kf.ColVelT+j] = 1
	}

	return true
}

// visionNoiseFloor returns the fallback vision variance, proportional to the
// distance to the ground when available.
func (p *PositionEstimator) visionNoiseFloor() float64 {
	if p.rangeSensor.valid {
		return p.cfg.GetEVPNoise() * p.rangeSensor.distBottom
	}
	return p.cfg.GetEVPNoise() * 10
}

// processObsVision rotates a marker pose from body FRD into NED. Under the
// coupled model the rotated covariance is diagonalized with a Cholesky LDLT
// factor so the sequential scalar update stays valid for correlated noise.
func (p *PositionEstimator) processObsVision(r FiducialMarkerReport, obs *targetObs) bool {
	visionNED := r.Att.RotateVector(r.RelBody)
	if !visionNED.IsFinite() {
		monitoring.Logf("vision position invalid, dropping observation")
		return false
	}

	covRotated := r.Att.RotateCovariance(r.CovBody)

	useMessageNoise := p.cfg.GetEVNoiseMD() &&
		(r.CovBody.X >= 1e-6 || r.CovBody.Y >= 1e-6 || r.CovBody.Z >= 1e-6)
	if !useMessageNoise {
		floor := p.visionNoiseFloor()
		covRotated = [3][3]float64{{floor, 0, 0}, {0, floor, 0}, {0, 0, floor}}
	}

	obs.timestampNanos = r.TimestampNanos
	obs.updated = [3]bool{true, true, true}

	if p.model == ModelCoupled {
		lInv, d, ok := choleskyLDLTInverse(covRotated)
		if !ok {
			monitoring.Debugf("vision covariance factorization failed, using raw diagonal")
			lInv = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
			d = [3]float64{covRotated[0][0], covRotated[1][1], covRotated[2][2]}
		}

		// z' = Linv z, H' = Linv (H is identity over the position block)
		z := [3]float64{visionNED.X, visionNED.Y, visionNED.Z}
		for j := 0; j < 3; j++ {
			obs.meas[j] = lInv[j][0]*z[0] + lInv[j][1]*z[1] + lInv[j][2]*z[2]
			obs.measUnc[j] = d[j]
			for k := 0; k < 3; k++ {
				obs.h[j][kf.ColPos+k] = lInv[j][k]
			}
		}
	} else {
		// Decoupled filters ignore cross-axis noise terms.
		obs.meas = [3]float64{visionNED.X, visionNED.Y, visionNED.Z}
		obs.measUnc = [3]float64{covRotated[0][0], covRotated[1][1], covRotated[2][2]}
		for j := 0; j < 3; j++ {
			obs.h[j][kf.ColPos+j] = 1
		}
	}

	return true
}

// choleskyLDLTInverse factors c = L D Lᵀ with L unit lower triangular and
// returns inv(L) and the diagonal of D, so that inv(L) c inv(L)ᵀ = D. Fails
// when any pivot is non-positive or below 1e-6.
func choleskyLDLTInverse(c [3][3]float64) (lInv [3][3]float64, d [3]float64, ok bool) {
	d[0] = c[0][0]
	if d[0] < 1e-6 {
		return lInv, d, false
	}
	l10 := c[1][0] / d[0]
	l20 := c[2][0] / d[0]

	d[1] = c[1][1] - l10*l10*d[0]
	if d[1] < 1e-6 {
		return lInv, d, false
	}
	l21 := (c[2][1] - l20*l10*d[0]) / d[1]

	d[2] = c[2][2] - l20*l20*d[0] - l21*l21*d[1]
	if d[2] < 1e-6 {
		return lInv, d, false
	}

	lInv = [3][3]float64{
		{1, 0, 0},
		{-l10, 1, 0},
		{l10*l21 - l20, -l21, 1},
	}
	return lInv, d, true
}

// processObsIRlock converts the bearing-only beacon detection into a
// horizontal relative position using the distance to the ground. The vertical
// axis is not observable and is never marked updated.
func (p *PositionEstimator) processObsIRlock(r IRLockReport, obs *targetObs) bool {
	if !isFinite(r.PosX) || !isFinite(r.PosY) {
		monitoring.Logf("irlock report invalid, dropping observation")
		return false
	}

	if !p.rangeSensor.valid {
		return false
	}

	// Unit ray towards the beacon in body frame, scaled per axis.
	ray := frame.Vec3{
		X: r.PosX * p.cfg.GetScaleX(),
		Y: r.PosY * p.cfg.GetScaleY(),
		Z: 1,
	}

	ray = frame.SensorRotation(p.cfg.GetSensorYawRot()).RotateVector(ray)
	ray.X += p.cfg.GetSensorPosX()
	ray.Y += p.cfg.GetSensorPosY()
	ray = r.Att.RotateVector(ray)

	if math.Abs(ray.Z) <= 1e-6 {
		return false
	}

	distZ := p.rangeSensor.distBottom - p.cfg.GetSensorPosZ()

	obs.timestampNanos = r.TimestampNanos
	obs.meas[0] = ray.X / ray.Z * distZ
	obs.meas[1] = ray.Y / ray.Z * distZ
	// The vertical component only seeds initialization; it is never fused
	// since the sensor cannot observe it.
	obs.meas[2] = distZ
	obs.updated = [3]bool{true, true, false}

	unc := p.cfg.GetMeasUnc() * distZ * distZ
	obs.measUnc = [3]float64{unc, unc, 0}

	obs.h[0][kf.ColPos] = 1
	obs.h[1][kf.ColPos+1] = 1

	return true
}

// processObsUWB turns the ultra-wideband solution into a relative position
// observation. The report carries the vehicle relative to the landing point,
// so every axis is negated.
func (p *PositionEstimator) processObsUWB(r UWBReport, obs *targetObs) bool {
	if !r.Position.IsFinite() {
		monitoring.Logf("uwb position invalid, dropping observation")
		return false
	}

	if !p.rangeSensor.valid {
		return false
	}

	obs.timestampNanos = r.TimestampNanos
	obs.meas = [3]float64{-r.Position.X, -r.Position.Y, -r.Position.Z}
	obs.updated = [3]bool{true, true, true}

	distZ := p.rangeSensor.distBottom - p.cfg.GetSensorPosZ()
	unc := p.cfg.GetMeasUnc() * distZ * distZ
	obs.measUnc = [3]float64{unc, unc, unc}

	for j := 0; j < 3; j++ {
		obs.h[j][kf.ColPos+j] = 1
	}

	return true
}
