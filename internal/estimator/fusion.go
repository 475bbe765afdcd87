package estimator

import (
	"github.com/aeronavlab/precland/internal/frame"
	"github.com/aeronavlab/precland/internal/monitoring"
)

// fuseMeas runs the sequential per-axis update of one observation against the
// active filter topology and publishes the resulting innovation record.
// Returns true when at least one axis was fused. Rejected axes leave the
// filter untouched.
func (p *PositionEstimator) fuseMeas(nowNanos int64, acc frame.Vec3, obs *targetObs) bool {
	rec := InnovationRecord{
		Source:         obs.source,
		TimestampNanos: nowNanos,
		SampleNanos:    obs.timestampNanos,
	}

	// Time between the current state and the measurement's time of validity.
	dtSyncNanos := p.lastPredictNanos - obs.timestampNanos

	anyFused := false

	if dtSyncNanos > int64(measValidTimeout) {
		monitoring.Logf("%s observation rejected, too old: sync %.2f ms > %.2f ms",
			obs.source, float64(dtSyncNanos)/1e6, measValidTimeout.Seconds()*1000)
	} else {
		dtSync := float64(dtSyncNanos) / 1e9

		// Sequential scalar updates, one axis at a time, even under the
		// coupled model.
		for j := 0; j < 3; j++ {
			if !obs.updated[j] {
				continue
			}

			// The horizontal model never observes the vertical axis.
			if p.model == ModelHorizontal && j == 2 {
				continue
			}

			var fused bool

			if p.model == ModelCoupled {
				p.coupled.SyncState(dtSync, acc)
				p.coupled.SetH(obs.h[j])
				rec.InnovationVar[j] = p.coupled.InnovCov(obs.measUnc[j])
				rec.Innovation[j] = p.coupled.Innov(obs.meas[j])
				fused = p.coupled.Update()
			} else {
				p.axes[j].SyncState(dtSync, acc.Axis(j))
				p.axes[j].SetH(obs.h[j], j)
				rec.InnovationVar[j] = p.axes[j].InnovCov(obs.measUnc[j])
				rec.Innovation[j] = p.axes[j].Innov(obs.meas[j])
				fused = p.axes[j].Update()
			}

			rec.FusionEnabled[j] = true
			rec.Fused[j] = fused
			rec.Rejected[j] = !fused
			rec.Observation[j] = obs.meas[j]
			rec.ObservationVar[j] = obs.measUnc[j]

			if fused {
				anyFused = true
			}
		}
	}

	for _, pub := range p.pubs {
		pub.PublishInnovation(rec)
	}

	return anyFused
}
