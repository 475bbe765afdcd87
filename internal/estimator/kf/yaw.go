package kf

// Yaw is the scalar orientation filter, independent of the position bank.
// State: [theta, theta_rate]. There is no input; the target yaw rate is
// modelled as a random walk driven by the process noise.
type Yaw struct {
	state     [2]float64
	syncState [2]float64
	cov       [2][2]float64

	h    [2]float64
	gate float64

	inputVar float64

	innov    float64
	innovVar float64
}

// NewYaw returns a yaw filter with the given innovation gate.
func NewYaw(gate float64) *Yaw {
	return &Yaw{gate: gate}
}

// Init sets the state and resets the covariance to the given diagonal.
func (f *Yaw) Init(theta, rate, thetaVar, rateVar float64) {
	f.state = [2]float64{theta, rate}
	f.cov = [2][2]float64{{thetaVar, 0}, {0, rateVar}}
}

// SetProcessNoise sets the angular acceleration process variance.
func (f *Yaw) SetProcessNoise(inputVar float64) {
	f.inputVar = inputVar
}

// PredictState propagates the state by dt.
func (f *Yaw) PredictState(dt float64) {
	f.state[0] = f.state[0] + f.state[1]*dt
	// state[1] unchanged
}

// PredictCov propagates the covariance by dt.
// Q = var * [1/4 T⁴, 1/2 T³; 1/2 T³, T²]
func (f *Yaw) PredictCov(dt float64) {
	offDiag := f.inputVar*0.5*dt*dt*dt + dt*f.cov[1][1] + f.cov[0][1]
	f.cov[0][0] += f.inputVar*0.25*dt*dt*dt*dt + dt*f.cov[0][1] + dt*(dt*f.cov[1][1]+f.cov[0][1])
	f.cov[1][0] = offDiag
	f.cov[0][1] = offDiag
	f.cov[1][1] += f.inputVar * dt * dt
}

// SyncState computes the state dt in the past.
func (f *Yaw) SyncState(dt float64) {
	f.syncState[0] = f.state[0] - f.state[1]*dt
	f.syncState[1] = f.state[1]
}

// SetH sets the scalar observation row [h_theta, h_rate].
func (f *Yaw) SetH(hTheta, hRate float64) {
	f.h[0] = hTheta
	f.h[1] = hRate
}

// InnovCov computes and stores the innovation variance H P Hᵀ + R.
func (f *Yaw) InnovCov(measVar float64) float64 {
	f.innovVar = f.h[0]*(f.cov[0][0]*f.h[0]+f.cov[0][1]*f.h[1]) +
		f.h[1]*(f.cov[0][1]*f.h[0]+f.cov[1][1]*f.h[1]) + measVar
	return f.innovVar
}

// Innov computes and stores the innovation z - H x_sync.
func (f *Yaw) Innov(meas float64) float64 {
	f.innov = meas - (f.h[0]*f.syncState[0] + f.h[1]*f.syncState[1])
	return f.innov
}

// Update applies the gated Kalman correction.
func (f *Yaw) Update() bool {
	if f.innovVar <= minInnovVar {
		return false
	}

	beta := f.innov / f.innovVar * f.innov
	if beta > f.gate {
		return false
	}

	k0 := (f.cov[0][0]*f.h[0] + f.cov[0][1]*f.h[1]) / f.innovVar
	k1 := (f.cov[1][0]*f.h[0] + f.cov[1][1]*f.h[1]) / f.innovVar

	f.state[0] += k0 * f.innov
	f.state[1] += k1 * f.innov

	hp0 := f.h[0]*f.cov[0][0] + f.h[1]*f.cov[1][0]
	hp1 := f.h[0]*f.cov[0][1] + f.h[1]*f.cov[1][1]

	f.cov[0][0] -= k0 * hp0
	f.cov[0][1] -= k0 * hp1
	f.cov[1][0] -= k1 * hp0
	f.cov[1][1] -= k1 * hp1

	return true
}

// Theta returns the current yaw estimate.
func (f *Yaw) Theta() float64 { return f.state[0] }

// Rate returns the current yaw rate estimate.
func (f *Yaw) Rate() float64 { return f.state[1] }

// ThetaVar returns the yaw variance.
func (f *Yaw) ThetaVar() float64 { return f.cov[0][0] }

// RateVar returns the yaw rate variance.
func (f *Yaw) RateVar() float64 { return f.cov[1][1] }
