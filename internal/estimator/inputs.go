package estimator

import (
	"math"

	"github.com/aeronavlab/precland/internal/config"
	"github.com/aeronavlab/precland/internal/frame"
	"github.com/aeronavlab/precland/internal/monitoring"
)

// GPSFix is a GNSS position and velocity snapshot. Latitude and longitude use
// the wire scaling of 1e-7 degrees, altitude is millimetres AMSL. EPH and EPV
// are horizontal and vertical position accuracy (1-sigma, metres), SAcc the
// speed accuracy (1-sigma, m/s).
type GPSFix struct {
	TimestampNanos int64
	Lat, Lon       int64
	AltMM          float64
	EPH, EPV       float64
	VelN, VelE, VelD float64
	VelValid       bool
	SAcc           float64
}

// Vel returns the NED velocity as a vector.
func (g GPSFix) Vel() frame.Vec3 {
	return frame.Vec3{X: g.VelN, Y: g.VelE, Z: g.VelD}
}

func (g GPSFix) posValid() bool {
	return g.Lat != 0 && g.Lon != 0 && !math.IsNaN(g.AltMM) && !math.IsInf(g.AltMM, 0)
}

// TargetGNSSReport is a GNSS fix received from the target itself, with flags
// for which parts of the report carry fresh data.
type TargetGNSSReport struct {
	GPSFix
	AbsPosUpdated bool
	VelUpdated    bool
}

// FiducialMarkerReport is a vision-detected marker pose relative to the
// vehicle, in body FRD, stamped with the vehicle attitude at capture time.
// CovBody holds the diagonal of the reported measurement covariance; all
// zeros means the detector did not estimate one.
type FiducialMarkerReport struct {
	TimestampNanos int64
	RelBody        frame.Vec3
	CovBody        frame.Vec3
	Att            frame.Quat
}

// MarkerYawReport is the yaw component of a marker detection, fed to the
// orientation estimator. Var is the measurement variance, zero when the
// detector did not report one.
type MarkerYawReport struct {
	TimestampNanos int64
	ThetaRel       float64
	Var            float64
}

// IRLockReport is a bearing-only beacon detection: PosX/PosY are the tangent
// of the bearing angles along the sensor axes, Att the vehicle attitude at
// capture time.
type IRLockReport struct {
	TimestampNanos int64
	PosX, PosY     float64
	Att            frame.Quat
}

// UWBReport carries the ultra-wideband localization solution: the vehicle
// position relative to the landing point, in NED.
type UWBReport struct {
	TimestampNanos int64
	Position       frame.Vec3
}

// vecStamped is an overwrite-latest vector cache with a validity flag.
type vecStamped struct {
	timestampNanos int64
	valid          bool
	xyz            frame.Vec3
}

// rangeSample caches the latest distance-to-ground reading.
type rangeSample struct {
	distBottom      float64
	valid           bool
	lastUpdateNanos int64
}

// localPosSample caches the latest vehicle local position.
type localPosSample struct {
	xyz             frame.Vec3
	valid           bool
	lastUpdateNanos int64
}

// landingPoint is the mission landing setpoint in global coordinates.
type landingPoint struct {
	lat, lon int64
	altMM    float64
	valid    bool
}

// SetVehicleGPS stores the latest vehicle GNSS fix.
func (p *PositionEstimator) SetVehicleGPS(fix GPSFix) {
	p.vehicleGPS = fix
	p.vehicleGPSUpdated = true
}

// SetTargetGNSS stores the latest target GNSS report.
func (p *PositionEstimator) SetTargetGNSS(r TargetGNSSReport) {
	p.targetGNSS = r
	p.targetGNSSUpdated = true
}

// SetFiducialMarker stores the latest vision marker detection.
func (p *PositionEstimator) SetFiducialMarker(r FiducialMarkerReport) {
	p.fiducial = r
	p.fiducialUpdated = true
}

// SetIRLock stores the latest infrared beacon detection.
func (p *PositionEstimator) SetIRLock(r IRLockReport) {
	p.irlock = r
	p.irlockUpdated = true
}

// SetUWB stores the latest ultra-wideband report.
func (p *PositionEstimator) SetUWB(r UWBReport) {
	p.uwb = r
	p.uwbUpdated = true
}

// SetRangeSensor stores the latest distance to the ground plane.
func (p *PositionEstimator) SetRangeSensor(dist float64, valid bool, nowNanos int64) {
	p.rangeSensor.distBottom = dist
	p.rangeSensor.valid = valid
	p.rangeSensor.lastUpdateNanos = nowNanos
}

// SetLocalPosition stores the vehicle local NED position, used to derive the
// absolute target position on publication.
func (p *PositionEstimator) SetLocalPosition(xyz frame.Vec3, valid bool, nowNanos int64) {
	p.localPos.xyz = xyz
	p.localPos.valid = valid
	p.localPos.lastUpdateNanos = nowNanos
}

// SetLandingPoint stores the mission landing setpoint (lat/lon in 1e-7 deg,
// altitude in mm AMSL). Ignored unless mission position aiding is enabled.
func (p *PositionEstimator) SetLandingPoint(lat, lon int64, altMM float64) {
	if p.cfg.GetAidMask()&config.AidMissionPos == 0 {
		p.landingPos.valid = false
		return
	}

	p.landingPos.lat = lat
	p.landingPos.lon = lon
	p.landingPos.altMM = altMM
	p.landingPos.valid = lat != 0 && lon != 0 && !math.IsNaN(altMM) && !math.IsInf(altMM, 0)

	if p.landingPos.valid {
		monitoring.Logf("landing point set lat=%d lon=%d [1e-7 deg] alt=%.2f [m]", lat, lon, altMM/1000)
	} else {
		monitoring.Logf("mission position aiding enabled but landing point invalid: lat=%d lon=%d alt=%.2f", lat, lon, altMM)
	}
}
