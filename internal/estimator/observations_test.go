package estimator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeronavlab/precland/internal/config"
	"github.com/aeronavlab/precland/internal/estimator/kf"
	"github.com/aeronavlab/precland/internal/frame"
)

func testConfig(t *testing.T, mask int, mode, model string) *config.TuningConfig {
	t.Helper()

	c := config.EmptyTuningConfig()
	c.AidMask = &mask
	c.TargetMode = &mode
	c.TargetModel = &model
	require.NoError(t, c.Validate())
	return c
}

func newTestEstimator(t *testing.T, mask int, mode, model string) *PositionEstimator {
	t.Helper()

	p, err := NewPositionEstimator(testConfig(t, mask, mode, model))
	require.NoError(t, err)
	return p
}

// testLatE7 is the vehicle latitude shared by the GNSS fixtures, 1e-7 deg.
const testLatE7 = 473977420

// lonOffsetE7 returns the longitude offset (1e-7 deg) matching the given
// eastward distance in metres at the fixture latitude.
func lonOffsetE7(east float64) int64 {
	perDeg := frame.EarthRadiusM * math.Pi / 180 * math.Cos(testLatE7/1e7*math.Pi/180)
	return int64(math.Round(east / perDeg * 1e7))
}

func TestProcessObsTargetGNSS(t *testing.T) {
	p := newTestEstimator(t, config.AidTargetGPSPos, "stationary", "decoupled")

	veh := GPSFix{
		TimestampNanos: 1e9,
		Lat:            473977420, Lon: 85455940,
		AltMM: 500000,
		EPH:   0.5, EPV: 0.8,
	}
	target := TargetGNSSReport{GPSFix: GPSFix{
		TimestampNanos: 1e9,
		Lat:            veh.Lat, Lon: veh.Lon + lonOffsetE7(2.0),
		AltMM: 495000,
		EPH:   0.5, EPV: 0.8,
	}}

	var obs targetObs
	require.True(t, p.processObsTargetGNSS(target, veh, &obs))

	assert.InDelta(t, 0.0, obs.meas[0], 0.05, "north")
	assert.InDelta(t, 2.0, obs.meas[1], 0.05, "east")
	assert.InDelta(t, 5.0, obs.meas[2], 1e-9, "down")
	assert.Equal(t, [3]bool{true, true, true}, obs.updated)

	// Both receivers contribute variance.
	assert.InDelta(t, 2*0.5*0.5, obs.measUnc[0], 1e-9)
	assert.InDelta(t, 2*0.8*0.8, obs.measUnc[2], 1e-9)

	// Bias not armed yet: only the position columns are observed.
	assert.Equal(t, 1.0, obs.h[0][kf.ColPos])
	assert.Equal(t, 0.0, obs.h[0][kf.ColBias])

	// The GNSS relative position cache follows the observation.
	assert.True(t, p.posRelGNSS.valid)
	assert.InDelta(t, 2.0, p.posRelGNSS.xyz.Y, 0.05)
}

func TestProcessObsTargetGNSS_BiasArmed(t *testing.T) {
	p := newTestEstimator(t, config.AidTargetGPSPos, "stationary", "decoupled")
	p.biasSet = true

	veh := GPSFix{TimestampNanos: 1e9, Lat: 473977420, Lon: 85455940, AltMM: 500000}
	target := TargetGNSSReport{GPSFix: GPSFix{TimestampNanos: 1e9, Lat: veh.Lat, Lon: veh.Lon, AltMM: 500000}}

	var obs targetObs
	require.True(t, p.processObsTargetGNSS(target, veh, &obs))

	for j := 0; j < 3; j++ {
		assert.Equal(t, 1.0, obs.h[j][kf.ColPos+j])
		assert.Equal(t, 1.0, obs.h[j][kf.ColBias+j])
	}
}

func TestProcessObsTargetGNSS_Rejections(t *testing.T) {
	p := newTestEstimator(t, config.AidTargetGPSPos, "stationary", "decoupled")

	good := GPSFix{TimestampNanos: 1e9, Lat: 473977420, Lon: 85455940, AltMM: 500000}

	var obs targetObs

	// Zero vehicle position.
	require.False(t, p.processObsTargetGNSS(TargetGNSSReport{GPSFix: good}, GPSFix{TimestampNanos: 1e9}, &obs))

	// Zero target position.
	require.False(t, p.processObsTargetGNSS(TargetGNSSReport{}, good, &obs))

	// Timestamps too far apart.
	stale := TargetGNSSReport{GPSFix: good}
	stale.TimestampNanos = good.TimestampNanos - int64(measValidTimeout) - 1
	require.False(t, p.processObsTargetGNSS(stale, good, &obs))
}

func TestProcessObsGNSSVelRel_PerMode(t *testing.T) {
	veh := GPSFix{
		TimestampNanos: 1e9,
		VelN:           1, VelE: 2, VelD: -0.5,
		VelValid: true,
		SAcc:     0.4,
	}
	target := TargetGNSSReport{GPSFix: GPSFix{
		TimestampNanos: 1e9,
		VelN:           0.5, VelE: 0, VelD: 0,
		SAcc: 0.4,
	}, VelUpdated: true}

	t.Run("stationary negates vehicle velocity", func(t *testing.T) {
		p := newTestEstimator(t, config.AidGPSRelVel, "stationary", "decoupled")
		var obs targetObs
		require.True(t, p.processObsGNSSVelRel(target, false, veh, true, &obs))
		assert.Equal(t, [3]float64{-1, -2, 0.5}, obs.meas)
		assert.Equal(t, 1.0, obs.h[0][kf.ColVel])
	})

	t.Run("moving differences the two velocities", func(t *testing.T) {
		p := newTestEstimator(t, config.AidGPSRelVel, "moving", "decoupled")
		var obs targetObs
		require.True(t, p.processObsGNSSVelRel(target, true, veh, true, &obs))
		assert.InDelta(t, 0.5, obs.meas[0], 1e-9)
		assert.InDelta(t, 2.0, obs.meas[1], 1e-9)
		// Variances of both receivers add.
		assert.InDelta(t, 2*0.4*0.4, obs.measUnc[0], 1e-9)
	})

	t.Run("augmented observes the drone velocity directly", func(t *testing.T) {
		p := newTestEstimator(t, config.AidGPSRelVel, "moving_augmented", "coupled")
		var obs targetObs
		require.True(t, p.processObsGNSSVelRel(target, false, veh, true, &obs))
		assert.Equal(t, [3]float64{1, 2, -0.5}, obs.meas)
	})
}

func TestProcessObsGNSSVelTarget(t *testing.T) {
	p := newTestEstimator(t, config.AidGPSRelVel, "moving_augmented", "coupled")

	target := TargetGNSSReport{GPSFix: GPSFix{
		TimestampNanos: 1e9,
		VelN:           0.5, VelE: -0.25, VelD: 0,
		SAcc: 0.3,
	}, VelUpdated: true}

	var obs targetObs
	require.True(t, p.processObsGNSSVelTarget(target, &obs))

	assert.Equal(t, [3]float64{0.5, -0.25, 0}, obs.meas)
	for j := 0; j < 3; j++ {
		assert.Equal(t, 1.0, obs.h[j][kf.ColVelT+j], "target velocity column")
	}
}

func TestProcessObsVision_Decoupled(t *testing.T) {
	p := newTestEstimator(t, config.AidVisionPos, "stationary", "decoupled")
	p.SetRangeSensor(5, true, 1e9)

	r := FiducialMarkerReport{
		TimestampNanos: 1e9,
		RelBody:        frame.Vec3{X: 1, Y: 0.5, Z: 4},
		Att:            frame.IdentityQuat(),
	}

	var obs targetObs
	require.True(t, p.processObsVision(r, &obs))

	assert.Equal(t, [3]float64{1, 0.5, 4}, obs.meas)
	// No message covariance: noise floor scales with the ground distance.
	want := p.cfg.GetEVPNoise() * 5
	assert.InDelta(t, want, obs.measUnc[0], 1e-9)
	assert.Equal(t, 1.0, obs.h[1][kf.ColPos+1])
}

func TestProcessObsVision_CoupledDiagonalizes(t *testing.T) {
	evNoiseMD := true
	cfg := testConfig(t, config.AidVisionPos, "stationary", "coupled")
	cfg.EVNoiseMD = &evNoiseMD

	p, err := NewPositionEstimator(cfg)
	require.NoError(t, err)

	// A yawed attitude makes the rotated covariance non-diagonal.
	r := FiducialMarkerReport{
		TimestampNanos: 1e9,
		RelBody:        frame.Vec3{X: 1, Y: 2, Z: 3},
		CovBody:        frame.Vec3{X: 0.1, Y: 0.4, Z: 0.2},
		Att:            frame.QuatFromYaw(math.Pi / 5),
	}

	var obs targetObs
	require.True(t, p.processObsVision(r, &obs))

	// The transformed rows must whiten the rotated covariance: for each row
	// h C hᵀ equals the reported scalar variance.
	cov := r.Att.RotateCovariance(r.CovBody)
	for j := 0; j < 3; j++ {
		var got float64
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				got += obs.h[j][kf.ColPos+a] * cov[a][b] * obs.h[j][kf.ColPos+b]
			}
		}
		assert.InDelta(t, obs.measUnc[j], got, 1e-9, "row %d", j)
		assert.Greater(t, obs.measUnc[j], 0.0)
	}
}

func TestProcessObsVision_RejectsNonFinite(t *testing.T) {
	p := newTestEstimator(t, config.AidVisionPos, "stationary", "decoupled")

	r := FiducialMarkerReport{
		TimestampNanos: 1e9,
		RelBody:        frame.Vec3{X: math.NaN(), Y: 0, Z: 1},
		Att:            frame.IdentityQuat(),
	}

	var obs targetObs
	assert.False(t, p.processObsVision(r, &obs))
}

func TestProcessObsIRlock(t *testing.T) {
	p := newTestEstimator(t, config.AidIRLockPos, "stationary", "decoupled")
	p.SetRangeSensor(5, true, 1e9)

	r := IRLockReport{
		TimestampNanos: 1e9,
		PosX:           0, PosY: 0.2, // 1 m lateral at 5 m
		Att: frame.IdentityQuat(),
	}

	var obs targetObs
	require.True(t, p.processObsIRlock(r, &obs))

	assert.InDelta(t, 0.0, obs.meas[0], 1e-9)
	assert.InDelta(t, 1.0, obs.meas[1], 1e-9)
	assert.InDelta(t, 5.0, obs.meas[2], 1e-9)

	// The vertical axis is not observable from a bearing sensor.
	assert.Equal(t, [3]bool{true, true, false}, obs.updated)
	assert.Equal(t, kf.ObsRow{}, obs.h[2])
}

func TestProcessObsIRlock_RejectsWithoutRange(t *testing.T) {
	p := newTestEstimator(t, config.AidIRLockPos, "stationary", "decoupled")

	r := IRLockReport{TimestampNanos: 1e9, PosX: 0.1, PosY: 0.1, Att: frame.IdentityQuat()}

	var obs targetObs
	assert.False(t, p.processObsIRlock(r, &obs), "invalid distance to ground must reject")
}

func TestProcessObsUWB_NegatesPosition(t *testing.T) {
	p := newTestEstimator(t, config.AidUWBPos, "stationary", "decoupled")
	p.SetRangeSensor(4, true, 1e9)

	r := UWBReport{TimestampNanos: 1e9, Position: frame.Vec3{X: 1, Y: -2, Z: -4}}

	var obs targetObs
	require.True(t, p.processObsUWB(r, &obs))
	assert.Equal(t, [3]float64{-1, 2, 4}, obs.meas)
}

func TestCholeskyLDLTInverse(t *testing.T) {
	c := [3][3]float64{
		{0.4, 0.1, 0.05},
		{0.1, 0.3, 0.02},
		{0.05, 0.02, 0.5},
	}

	lInv, d, ok := choleskyLDLTInverse(c)
	require.True(t, ok)

	// inv(L) C inv(L)ᵀ must equal diag(d).
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var got float64
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					got += lInv[i][a] * c[a][b] * lInv[j][b]
				}
			}
			want := 0.0
			if i == j {
				want = d[i]
			}
			assert.InDelta(t, want, got, 1e-12, "(%d,%d)", i, j)
		}
	}
}

func TestCholeskyLDLTInverse_FailsOnDegenerate(t *testing.T) {
	_, _, ok := choleskyLDLTInverse([3][3]float64{})
	assert.False(t, ok)
}
