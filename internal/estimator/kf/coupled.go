package kf

import (
	"gonum.org/v1/gonum/mat"

	"github.com/aeronavlab/precland/internal/frame"
)

// Coupled is the full-state filter covering all three axes in one covariance,
// capturing the cross-axis correlation the decoupled bank ignores. The state
// layout depends on the mode:
//
//	stationary:       [r(3), v(3), b(3)]              n = 9
//	moving:           [r(3), v(3), b(3), at(3)]       n = 12
//	moving_augmented: [r(3), vd(3), b(3), at(3), vt(3)] n = 15
//
// where v is the relative velocity except in augmented mode, where vd is the
// drone velocity and vt the target velocity.
type Coupled struct {
	mode Mode
	n    int
	gate float64

	state     *mat.VecDense
	syncState *mat.VecDense
	cov       *mat.Dense

	h *mat.VecDense // current observation row, length n

	inputVar float64
	biasVar  float64
	accVar   float64

	innov    float64
	innovVar float64
}

// NewCoupled returns a coupled filter for the given mode.
func NewCoupled(mode Mode, gate float64) *Coupled {
	n := 9
	switch mode {
	case ModeMoving:
		n = 12
	case ModeMovingAugmented:
		n = 15
	}
	return &Coupled{
		mode:      mode,
		n:         n,
		gate:      gate,
		state:     mat.NewVecDense(n, nil),
		syncState: mat.NewVecDense(n, nil),
		cov:       mat.NewDense(n, n, nil),
		h:         mat.NewVecDense(n, nil),
	}
}

// Mode returns the process model this filter was built for.
func (f *Coupled) Mode() Mode { return f.mode }

// StateDim returns the state vector length.
func (f *Coupled) StateDim() int { return f.n }

func (f *Coupled) setBlock(offset int, v frame.Vec3) {
	f.state.SetVec(offset, v.X)
	f.state.SetVec(offset+1, v.Y)
	f.state.SetVec(offset+2, v.Z)
}

func (f *Coupled) block(offset int) frame.Vec3 {
	return frame.Vec3{
		X: f.state.AtVec(offset),
		Y: f.state.AtVec(offset + 1),
		Z: f.state.AtVec(offset + 2),
	}
}

func (f *Coupled) varBlock(offset int) frame.Vec3 {
	return frame.Vec3{
		X: f.cov.At(offset, offset),
		Y: f.cov.At(offset+1, offset+1),
		Z: f.cov.At(offset+2, offset+2),
	}
}

// Init sets the state and resets the covariance to the given block diagonal.
// Blocks beyond the filter's state dimension are ignored.
func (f *Coupled) Init(s Vec3State, v Vec3Variance) {
	f.state.Zero()
	f.cov.Zero()

	f.setBlock(0, s.Pos)
	f.setBlock(3, s.Vel)
	f.setBlock(6, s.Bias)
	setDiag := func(offset int, d frame.Vec3) {
		f.cov.Set(offset, offset, d.X)
		f.cov.Set(offset+1, offset+1, d.Y)
		f.cov.Set(offset+2, offset+2, d.Z)
	}
	setDiag(0, v.Pos)
	setDiag(3, v.Vel)
	setDiag(6, v.Bias)

	if f.n >= 12 {
		f.setBlock(9, s.AccT)
		setDiag(9, v.AccT)
	}
	if f.n >= 15 {
		f.setBlock(12, s.VelT)
		setDiag(12, v.VelT)
	}
}

// SetProcessNoise sets the process noise rates (variance per second).
func (f *Coupled) SetProcessNoise(inputVar, biasVar, accVar float64) {
	f.inputVar = inputVar
	f.biasVar = biasVar
	f.accVar = accVar
}

// transition builds the discrete state transition matrix F(dt).
func (f *Coupled) transition(dt float64) *mat.Dense {
	F := mat.NewDense(f.n, f.n, nil)
	for i := 0; i < f.n; i++ {
		F.Set(i, i, 1)
	}
	half := 0.5 * dt * dt

	for i := 0; i < 3; i++ {
		switch f.mode {
		case ModeMovingAugmented:
			// r' = r + (vt - vd) dt + 0.5 dt² (at - a)
			F.Set(i, 3+i, -dt)
			F.Set(i, 12+i, dt)
			F.Set(i, 9+i, half)
			// vt' = vt + at dt
			F.Set(12+i, 9+i, dt)
		case ModeMoving:
			F.Set(i, 3+i, dt)
			F.Set(i, 9+i, half)
			F.Set(3+i, 9+i, dt)
		default:
			F.Set(i, 3+i, dt)
		}
	}
	return F
}

// inputMatrix builds the n x 3 matrix mapping the drone acceleration input
// into the state.
func (f *Coupled) inputMatrix(dt float64) *mat.Dense {
	B := mat.NewDense(f.n, 3, nil)
	half := 0.5 * dt * dt
	for i := 0; i < 3; i++ {
		B.Set(i, i, -half)
		if f.mode == ModeMovingAugmented {
			// vd' = vd + a dt
			B.Set(3+i, i, dt)
		} else {
			// v' = v - a dt (relative velocity)
			B.Set(3+i, i, -dt)
		}
	}
	return B
}

// PredictState propagates the state by dt with drone acceleration acc (NED).
func (f *Coupled) PredictState(dt float64, acc frame.Vec3) {
	F := f.transition(dt)
	B := f.inputMatrix(dt)
	u := mat.NewVecDense(3, []float64{acc.X, acc.Y, acc.Z})

	next := mat.NewVecDense(f.n, nil)
	next.MulVec(F, f.state)

	bu := mat.NewVecDense(f.n, nil)
	bu.MulVec(B, u)
	next.AddVec(next, bu)

	f.state.CopyVec(next)
}

// PredictCov propagates the covariance: P = F P Fᵀ + B Σ Bᵀ + Q, then
// re-symmetrizes to keep the matrix positive semi-definite under float error.
func (f *Coupled) PredictCov(dt float64) {
	F := f.transition(dt)
	B := f.inputMatrix(dt)

	var fp, fpft mat.Dense
	fp.Mul(F, f.cov)
	fpft.Mul(&fp, F.T())

	// input noise B Σ Bᵀ with Σ = inputVar I₃
	var bbt mat.Dense
	bbt.Mul(B, B.T())
	bbt.Scale(f.inputVar, &bbt)
	fpft.Add(&fpft, &bbt)

	// random-walk terms on the bias and target acceleration blocks, scaled
	// by the elapsed time so a zero-dt prediction is a no-op
	for i := 0; i < 3; i++ {
		fpft.Set(6+i, 6+i, fpft.At(6+i, 6+i)+f.biasVar*dt)
		if f.n >= 12 {
			fpft.Set(9+i, 9+i, fpft.At(9+i, 9+i)+f.accVar*dt)
		}
	}

	// P = (P + Pᵀ)/2
	for i := 0; i < f.n; i++ {
		for j := i; j < f.n; j++ {
			v := 0.5 * (fpft.At(i, j) + fpft.At(j, i))
			f.cov.Set(i, j, v)
			f.cov.Set(j, i, v)
		}
	}
}

// SyncState computes the state dt in the past (backward propagation with the
// same input), without touching the filter state.
func (f *Coupled) SyncState(dt float64, acc frame.Vec3) {
	F := f.transition(-dt)
	B := f.inputMatrix(-dt)
	u := mat.NewVecDense(3, []float64{acc.X, acc.Y, acc.Z})

	f.syncState.MulVec(F, f.state)
	bu := mat.NewVecDense(f.n, nil)
	bu.MulVec(B, u)
	f.syncState.AddVec(f.syncState, bu)
}

// SetH loads one observation row, truncated to the filter's state dimension.
func (f *Coupled) SetH(h ObsRow) {
	for i := 0; i < f.n; i++ {
		f.h.SetVec(i, h[i])
	}
}

// InnovCov computes and stores the innovation variance H P Hᵀ + R.
func (f *Coupled) InnovCov(measVar float64) float64 {
	tmp := mat.NewVecDense(f.n, nil)
	tmp.MulVec(f.cov, f.h)
	f.innovVar = mat.Dot(f.h, tmp) + measVar
	return f.innovVar
}

// Innov computes and stores the innovation z - H x_sync.
func (f *Coupled) Innov(meas float64) float64 {
	f.innov = meas - mat.Dot(f.h, f.syncState)
	return f.innov
}

// Update applies the gated Kalman correction.
func (f *Coupled) Update() bool {
	if f.innovVar > -minInnovVar && f.innovVar < minInnovVar {
		return false
	}

	beta := f.innov / f.innovVar * f.innov
	if beta > f.gate {
		return false
	}

	// K = P Hᵀ / S
	k := mat.NewVecDense(f.n, nil)
	k.MulVec(f.cov, f.h)
	k.ScaleVec(1/f.innovVar, k)

	f.state.AddScaledVec(f.state, f.innov, k)

	// P = P - K (H P)
	hp := mat.NewVecDense(f.n, nil)
	hp.MulVec(f.cov.T(), f.h)
	var khp mat.Dense
	khp.Outer(1, k, hp)
	f.cov.Sub(f.cov, &khp)

	return true
}

// Position returns the relative position block.
func (f *Coupled) Position() frame.Vec3 { return f.block(0) }

// Velocity returns the velocity block (relative velocity, or drone velocity
// in augmented mode).
func (f *Coupled) Velocity() frame.Vec3 { return f.block(3) }

// Bias returns the GNSS bias block.
func (f *Coupled) Bias() frame.Vec3 { return f.block(6) }

// TargetAcc returns the target acceleration block, zero for stationary mode.
func (f *Coupled) TargetAcc() frame.Vec3 {
	if f.n < 12 {
		return frame.Vec3{}
	}
	return f.block(9)
}

// TargetVel returns the target velocity block, zero unless augmented.
func (f *Coupled) TargetVel() frame.Vec3 {
	if f.n < 15 {
		return frame.Vec3{}
	}
	return f.block(12)
}

// PosVar, VelVar, BiasVar, TargetAccVar and TargetVelVar return covariance
// diagonals per state block.
func (f *Coupled) PosVar() frame.Vec3  { return f.varBlock(0) }
func (f *Coupled) VelVar() frame.Vec3  { return f.varBlock(3) }
func (f *Coupled) BiasVar() frame.Vec3 { return f.varBlock(6) }

func (f *Coupled) TargetAccVar() frame.Vec3 {
	if f.n < 12 {
		return frame.Vec3{}
	}
	return f.varBlock(9)
}

func (f *Coupled) TargetVelVar() frame.Vec3 {
	if f.n < 15 {
		return frame.Vec3{}
	}
	return f.varBlock(12)
}

// Covariance returns a copy of the full covariance matrix.
func (f *Coupled) Covariance() [][]float64 {
	out := make([][]float64, f.n)
	for i := range out {
		out[i] = make([]float64, f.n)
		for j := range out[i] {
			out[i][j] = f.cov.At(i, j)
		}
	}
	return out
}
