package kf

import (
	"math"
	"testing"
)

func newStaticForTest() *DecoupledStatic {
	f := NewDecoupledStatic(DefaultGate)
	s, v := defaultAxisInit()
	f.Init(s, v)
	f.SetProcessNoise(1.0, 0.05, 0)
	return f
}

func newMovingForTest() *DecoupledMoving {
	f := NewDecoupledMoving(DefaultGate)
	s, v := defaultAxisInit()
	f.Init(s, v)
	f.SetProcessNoise(1.0, 0.05, 1.0)
	return f
}

func TestDecoupledStatic_PredictZeroDt(t *testing.T) {
	f := newStaticForTest()
	before := f.State()
	beforeCov := f.Covariance()

	f.PredictState(0, 2.5)
	f.PredictCov(0)

	if f.State() != before {
		t.Errorf("zero-dt prediction changed state: %+v -> %+v", before, f.State())
	}
	if !covEqual(beforeCov, f.Covariance()) {
		t.Error("zero-dt prediction changed covariance")
	}
}

func TestDecoupledMoving_PredictZeroDt(t *testing.T) {
	f := newMovingForTest()
	before := f.State()
	beforeCov := f.Covariance()

	f.PredictState(0, -1.0)
	f.PredictCov(0)

	if f.State() != before {
		t.Errorf("zero-dt prediction changed state: %+v -> %+v", before, f.State())
	}
	if !covEqual(beforeCov, f.Covariance()) {
		t.Error("zero-dt prediction changed covariance")
	}
}

func TestDecoupledStatic_CovarianceStaysPSD(t *testing.T) {
	f := newStaticForTest()

	for i := 0; i < 50; i++ {
		f.PredictState(0.02, 0.3)
		f.PredictCov(0.02)

		if i%5 == 0 {
			f.SyncState(0.005, 0.3)
			f.SetH(posRow(0), 0)
			f.InnovCov(0.05)
			f.Innov(f.State().Pos + 0.01)
			f.Update()
		}

		checkSymmetricPSD(t, f.Covariance(), "static")
	}
}

func TestDecoupledMoving_CovarianceStaysPSD(t *testing.T) {
	f := newMovingForTest()

	for i := 0; i < 50; i++ {
		f.PredictState(0.02, -0.5)
		f.PredictCov(0.02)

		if i%5 == 0 {
			f.SyncState(0.005, -0.5)
			f.SetH(posRow(0), 0)
			f.InnovCov(0.05)
			f.Innov(f.State().Pos - 0.02)
			f.Update()
		}

		checkSymmetricPSD(t, f.Covariance(), "moving")
	}
}

func TestDecoupledStatic_GatingLeavesStateUntouched(t *testing.T) {
	f := newStaticForTest()
	f.PredictState(0.1, 0)
	f.PredictCov(0.1)

	before := f.State()
	beforeCov := f.Covariance()

	f.SyncState(0, 0)
	f.SetH(posRow(0), 0)
	f.InnovCov(0.01)
	f.Innov(f.State().Pos + 100) // far outside the gate
	if f.Update() {
		t.Fatal("expected gating rejection for a 100 m innovation")
	}

	if f.State() != before {
		t.Error("rejected update mutated state")
	}
	if !covEqual(beforeCov, f.Covariance()) {
		t.Error("rejected update mutated covariance")
	}
}

func TestDecoupledStatic_UpdateConverges(t *testing.T) {
	f := NewDecoupledStatic(DefaultGate)
	f.Init(AxisState{Pos: 0}, AxisVariance{Pos: 2.0, Vel: 0.5, Bias: 1.0})
	f.SetProcessNoise(0.1, 0.01, 0)

	// Repeated measurements at 2 m should pull the estimate toward 2 m and
	// shrink the position variance.
	for i := 0; i < 20; i++ {
		f.PredictState(0.1, 0)
		f.PredictCov(0.1)
		f.SyncState(0, 0)
		f.SetH(posRow(0), 0)
		f.InnovCov(0.05)
		f.Innov(2.0)
		if !f.Update() {
			t.Fatalf("update %d rejected", i)
		}
	}

	if math.Abs(f.State().Pos-2.0) > 0.2 {
		t.Errorf("position did not converge: got %f, want ~2.0", f.State().Pos)
	}
	if f.Variances().Pos >= 2.0 {
		t.Errorf("position variance did not shrink: %f", f.Variances().Pos)
	}
}

func TestDecoupledMoving_SyncStateRoundTrip(t *testing.T) {
	f := newMovingForTest()
	const dt, acc = 0.05, 1.2

	before := f.State()
	f.PredictState(dt, acc)
	f.SyncState(dt, acc)

	// syncState is the pre-prediction state
	if math.Abs(f.syncState[0]-before.Pos) > 1e-9 {
		t.Errorf("sync pos = %f, want %f", f.syncState[0], before.Pos)
	}
	if math.Abs(f.syncState[1]-before.Vel) > 1e-9 {
		t.Errorf("sync vel = %f, want %f", f.syncState[1], before.Vel)
	}
	if f.syncState[2] != before.Bias || f.syncState[3] != before.AccT {
		t.Error("sync changed bias or target accel")
	}
}

func TestDecoupledStatic_SetHSlicesAxisColumns(t *testing.T) {
	f := newStaticForTest()

	var h ObsRow
	h[ColPos+1] = 1
	h[ColBias+1] = 1

	// Axis 1 picks up the y columns
	f.SetH(h, 1)
	if f.h != [3]float64{1, 0, 1} {
		t.Errorf("axis 1 slice = %v", f.h)
	}

	// Axis 0 sees nothing
	f.SetH(h, 0)
	if f.h != [3]float64{0, 0, 0} {
		t.Errorf("axis 0 slice = %v", f.h)
	}
}

func TestDecoupledMoving_DegenerateInnovVarRejected(t *testing.T) {
	f := newMovingForTest()
	f.SetH(ObsRow{}, 0) // empty row -> S = R only
	f.InnovCov(0)       // degenerate
	f.Innov(0)
	if f.Update() {
		t.Error("update accepted with degenerate innovation variance")
	}
}
