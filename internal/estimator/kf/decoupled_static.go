package kf

// DecoupledStatic is a single-axis filter for a stationary target.
// State: [r, v, b] for relative position, relative velocity and GNSS bias.
// Process model: the relative motion is driven entirely by the (negated)
// drone acceleration input; the bias is a random walk.
type DecoupledStatic struct {
	state     [3]float64
	syncState [3]float64
	cov       [3][3]float64

	h    [3]float64 // observation row sliced to this filter's state
	gate float64

	inputVar float64 // drone acceleration input variance
	biasVar  float64 // bias random-walk variance

	innov    float64
	innovVar float64
}

// NewDecoupledStatic returns a stationary-target axis filter with the given
// innovation gate (normalized innovation squared threshold).
func NewDecoupledStatic(gate float64) *DecoupledStatic {
	return &DecoupledStatic{gate: gate}
}

// Init sets the state and resets the covariance to the given diagonal.
func (f *DecoupledStatic) Init(s AxisState, v AxisVariance) {
	f.state = [3]float64{s.Pos, s.Vel, s.Bias}
	f.cov = [3][3]float64{}
	f.cov[0][0] = v.Pos
	f.cov[1][1] = v.Vel
	f.cov[2][2] = v.Bias
}

// SetProcessNoise sets the process noise rates (variance per second). accVar
// is unused for a static target.
func (f *DecoupledStatic) SetProcessNoise(inputVar, biasVar, accVar float64) {
	f.inputVar = inputVar
	f.biasVar = biasVar
	_ = accVar
}

// PredictState propagates the state by dt with drone acceleration acc.
func (f *DecoupledStatic) PredictState(dt, acc float64) {
	f.state[0] = f.state[0] + f.state[1]*dt - 0.5*acc*dt*dt
	f.state[1] = f.state[1] - acc*dt
	// state[2] (bias) unchanged
}

// PredictCov propagates the covariance by dt.
func (f *DecoupledStatic) PredictCov(dt float64) {
	tmp0 := f.cov[1][1] * dt
	tmp1 := f.cov[0][1] + tmp0
	tmp2 := 0.5 * f.inputVar * dt * dt * dt

	f.cov[0][0] = f.cov[0][0] + f.cov[1][0]*dt + 0.25*f.inputVar*dt*dt*dt*dt + tmp1*dt
	f.cov[1][0] = f.cov[1][0] + tmp0 + tmp2
	f.cov[2][0] = f.cov[2][0] + f.cov[2][1]*dt

	f.cov[1][1] = f.cov[1][1] + f.inputVar*dt*dt

	f.cov[2][2] = f.cov[2][2] + f.biasVar*dt

	// restore symmetry
	f.cov[0][1] = f.cov[1][0]
	f.cov[0][2] = f.cov[2][0]
	f.cov[1][2] = f.cov[2][1]
}

// SyncState computes the state at the measurement time of validity, dt in the
// past, without touching the filter state.
func (f *DecoupledStatic) SyncState(dt, acc float64) {
	f.syncState[0] = f.state[0] - f.state[1]*dt - 0.5*acc*dt*dt
	f.syncState[1] = f.state[1] + acc*dt
	f.syncState[2] = f.state[2]
}

// SetH slices the columns of the full observation row belonging to this axis.
func (f *DecoupledStatic) SetH(h ObsRow, axis int) {
	f.h[0] = h[ColPos+axis]
	f.h[1] = h[ColVel+axis]
	f.h[2] = h[ColBias+axis]
}

// InnovCov computes and stores the innovation variance H P Hᵀ + R.
func (f *DecoupledStatic) InnovCov(measVar float64) float64 {
	var s float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s += f.h[i] * f.cov[i][j] * f.h[j]
		}
	}
	f.innovVar = s + measVar
	return f.innovVar
}

// Innov computes and stores the innovation z - H x_sync.
func (f *DecoupledStatic) Innov(meas float64) float64 {
	f.innov = meas - (f.h[0]*f.syncState[0] + f.h[1]*f.syncState[1] + f.h[2]*f.syncState[2])
	return f.innov
}

// Update applies the gated Kalman correction. Returns false, leaving state
// and covariance untouched, when the innovation variance is degenerate or the
// normalized innovation squared exceeds the gate.
func (f *DecoupledStatic) Update() bool {
	if f.innovVar <= minInnovVar {
		return false
	}

	beta := f.innov / f.innovVar * f.innov
	if beta > f.gate {
		return false
	}

	// K = P Hᵀ / S
	var k [3]float64
	for i := 0; i < 3; i++ {
		k[i] = (f.cov[i][0]*f.h[0] + f.cov[i][1]*f.h[1] + f.cov[i][2]*f.h[2]) / f.innovVar
	}

	for i := 0; i < 3; i++ {
		f.state[i] += k[i] * f.innov
	}

	// P = P - K H P
	var hp [3]float64
	for j := 0; j < 3; j++ {
		hp[j] = f.h[0]*f.cov[0][j] + f.h[1]*f.cov[1][j] + f.h[2]*f.cov[2][j]
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			f.cov[i][j] -= k[i] * hp[j]
		}
	}

	return true
}

// State returns the current state estimate.
func (f *DecoupledStatic) State() AxisState {
	return AxisState{Pos: f.state[0], Vel: f.state[1], Bias: f.state[2]}
}

// Variances returns the covariance diagonal.
func (f *DecoupledStatic) Variances() AxisVariance {
	return AxisVariance{Pos: f.cov[0][0], Vel: f.cov[1][1], Bias: f.cov[2][2]}
}

// Covariance returns a copy of the full covariance matrix.
func (f *DecoupledStatic) Covariance() [][]float64 {
	out := make([][]float64, 3)
	for i := range out {
		out[i] = make([]float64, 3)
		for j := range out[i] {
			out[i][j] = f.cov[i][j]
		}
	}
	return out
}
