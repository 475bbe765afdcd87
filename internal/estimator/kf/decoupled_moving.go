package kf

// DecoupledMoving is a single-axis filter for a moving target.
// State: [r, v, b, at] for relative position, relative velocity, GNSS bias
// and target acceleration. The relative dynamics are driven by the difference
// between the target acceleration state and the drone acceleration input.
type DecoupledMoving struct {
	state     [4]float64
	syncState [4]float64
	cov       [4][4]float64

	h    [4]float64
	gate float64

	inputVar float64 // drone acceleration input variance
	biasVar  float64 // bias random-walk variance
	accVar   float64 // target acceleration process variance

	innov    float64
	innovVar float64
}

// NewDecoupledMoving returns a moving-target axis filter with the given
// innovation gate.
func NewDecoupledMoving(gate float64) *DecoupledMoving {
	return &DecoupledMoving{gate: gate}
}

// Init sets the state and resets the covariance to the given diagonal.
func (f *DecoupledMoving) Init(s AxisState, v AxisVariance) {
	f.state = [4]float64{s.Pos, s.Vel, s.Bias, s.AccT}
	f.cov = [4][4]float64{}
	f.cov[0][0] = v.Pos
	f.cov[1][1] = v.Vel
	f.cov[2][2] = v.Bias
	f.cov[3][3] = v.AccT
}

// SetProcessNoise sets the process noise rates (variance per second).
func (f *DecoupledMoving) SetProcessNoise(inputVar, biasVar, accVar float64) {
	f.inputVar = inputVar
	f.biasVar = biasVar
	f.accVar = accVar
}

// PredictState propagates the state by dt with drone acceleration acc.
func (f *DecoupledMoving) PredictState(dt, acc float64) {
	tmp0 := 0.5 * dt * dt

	f.state[0] = f.state[0] + f.state[1]*dt + f.state[3]*tmp0 - tmp0*acc
	f.state[1] = f.state[1] + f.state[3]*dt - acc*dt
	// state[2] (bias) and state[3] (target accel) unchanged
}

// PredictCov propagates the covariance by dt.
func (f *DecoupledMoving) PredictCov(dt float64) {
	tmp0 := dt * dt
	tmp1 := 0.5 * tmp0
	tmp2 := f.cov[3][3] * tmp1
	tmp3 := f.cov[0][3] + f.cov[1][3]*dt + tmp2
	tmp4 := f.cov[0][1] + f.cov[1][1]*dt + f.cov[3][1]*tmp1
	tmp5 := f.cov[3][1] * dt
	tmp6 := f.cov[1][1] + tmp5
	tmp7 := f.cov[3][3] * dt
	tmp8 := f.cov[1][3] + tmp7
	tmp9 := 0.5 * f.inputVar * dt * dt * dt

	f.cov[0][0] = f.cov[0][0] + f.cov[1][0]*dt + f.cov[3][0]*tmp1 +
		0.25*f.inputVar*dt*dt*dt*dt + tmp1*tmp3 + tmp4*dt
	f.cov[1][0] = f.cov[1][0] + f.cov[3][0]*dt + tmp1*tmp8 + tmp6*dt + tmp9
	f.cov[2][0] = f.cov[2][0] + f.cov[2][1]*dt + f.cov[2][3]*tmp1
	f.cov[3][0] = f.cov[3][0] + tmp2 + tmp5

	f.cov[1][1] = f.inputVar*tmp0 + tmp6 + tmp8*dt
	f.cov[2][1] = f.cov[2][1] + f.cov[2][3]*dt
	f.cov[3][1] = f.cov[3][1] + tmp7

	f.cov[2][2] = f.cov[2][2] + f.biasVar*dt

	f.cov[3][3] = f.cov[3][3] + f.accVar*dt

	// restore symmetry
	f.cov[0][1] = f.cov[1][0]
	f.cov[0][2] = f.cov[2][0]
	f.cov[1][2] = f.cov[2][1]
	f.cov[0][3] = f.cov[3][0]
	f.cov[1][3] = f.cov[3][1]
	f.cov[2][3] = f.cov[3][2]
}

// SyncState computes the state at the measurement time of validity, dt in the
// past, without touching the filter state.
func (f *DecoupledMoving) SyncState(dt, acc float64) {
	tmp0 := 0.5 * dt * dt

	f.syncState[0] = f.state[0] - f.state[1]*dt + f.state[3]*tmp0 - tmp0*acc
	f.syncState[1] = f.state[1] - f.state[3]*dt + acc*dt
	f.syncState[2] = f.state[2]
	f.syncState[3] = f.state[3]
}

// SetH slices the columns of the full observation row belonging to this axis.
func (f *DecoupledMoving) SetH(h ObsRow, axis int) {
	f.h[0] = h[ColPos+axis]
	f.h[1] = h[ColVel+axis]
	f.h[2] = h[ColBias+axis]
	f.h[3] = h[ColAccT+axis]
}

// InnovCov computes and stores the innovation variance H P Hᵀ + R.
func (f *DecoupledMoving) InnovCov(measVar float64) float64 {
	var s float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			s += f.h[i] * f.cov[i][j] * f.h[j]
		}
	}
	f.innovVar = s + measVar
	return f.innovVar
}

// Innov computes and stores the innovation z - H x_sync.
func (f *DecoupledMoving) Innov(meas float64) float64 {
	var hx float64
	for i := 0; i < 4; i++ {
		hx += f.h[i] * f.syncState[i]
	}
	f.innov = meas - hx
	return f.innov
}

// Update applies the gated Kalman correction.
func (f *DecoupledMoving) Update() bool {
	if f.innovVar <= minInnovVar {
		return false
	}

	beta := f.innov / f.innovVar * f.innov
	if beta > f.gate {
		return false
	}

	var k [4]float64
	for i := 0; i < 4; i++ {
		var ph float64
		for j := 0; j < 4; j++ {
			ph += f.cov[i][j] * f.h[j]
		}
		k[i] = ph / f.innovVar
	}

	for i := 0; i < 4; i++ {
		f.state[i] += k[i] * f.innov
	}

	var hp [4]float64
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			hp[j] += f.h[i] * f.cov[i][j]
		}
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			f.cov[i][j] -= k[i] * hp[j]
		}
	}

	return true
}

// State returns the current state estimate.
func (f *DecoupledMoving) State() AxisState {
	return AxisState{Pos: f.state[0], Vel: f.state[1], Bias: f.state[2], AccT: f.state[3]}
}

// Variances returns the covariance diagonal.
func (f *DecoupledMoving) Variances() AxisVariance {
	return AxisVariance{Pos: f.cov[0][0], Vel: f.cov[1][1], Bias: f.cov[2][2], AccT: f.cov[3][3]}
}

// Covariance returns a copy of the full covariance matrix.
func (f *DecoupledMoving) Covariance() [][]float64 {
	out := make([][]float64, 4)
	for i := range out {
		out[i] = make([]float64, 4)
		for j := range out[i] {
			out[i][j] = f.cov[i][j]
		}
	}
	return out
}
