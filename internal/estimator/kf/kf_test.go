package kf

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// checkSymmetricPSD fails the test if cov is asymmetric or has an eigenvalue
// below -eps.
func checkSymmetricPSD(t *testing.T, cov [][]float64, label string) {
	t.Helper()

	n := len(cov)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if math.Abs(cov[i][j]-cov[j][i]) > 1e-9 {
				t.Fatalf("%s: covariance asymmetric at (%d,%d): %g vs %g", label, i, j, cov[i][j], cov[j][i])
			}
		}
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, cov[i][j])
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		t.Fatalf("%s: eigendecomposition failed", label)
	}
	for _, ev := range eig.Values(nil) {
		if ev < -1e-9 {
			t.Errorf("%s: negative eigenvalue %g", label, ev)
		}
	}
}

func covEqual(a, b [][]float64) bool {
	for i := range a {
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func defaultAxisInit() (AxisState, AxisVariance) {
	return AxisState{Pos: 1.5, Vel: -0.2, Bias: 0.1, AccT: 0, VelT: 0},
		AxisVariance{Pos: 0.5, Vel: 0.5, Bias: 1.0, AccT: 0.1, VelT: 0.5}
}

// posRow returns an observation row observing position on the given axis.
func posRow(axis int) ObsRow {
	var h ObsRow
	h[ColPos+axis] = 1
	return h
}
