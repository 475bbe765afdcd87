package main

import (
	"fmt"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/aeronavlab/precland/internal/estimator"
	"github.com/aeronavlab/precland/internal/recorder"
)

// renderChart writes an HTML page with the relative position track and the
// per-source innovation history of one recorded session.
func renderChart(rec *recorder.Recorder, sessionID, path string) error {
	poses, err := rec.Poses(sessionID)
	if err != nil {
		return fmt.Errorf("load poses: %w", err)
	}
	if len(poses) == 0 {
		return fmt.Errorf("session %s has no recorded poses", sessionID)
	}
	innovs, err := rec.Innovations(sessionID, "")
	if err != nil {
		return fmt.Errorf("load innovations: %w", err)
	}

	t0 := poses[0].TimestampNanos
	page := components.NewPage()
	page.PageTitle = "precland replay " + sessionID
	page.AddCharts(poseChart(poses, t0), innovationChart(innovs, t0))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return page.Render(f)
}

func poseChart(poses []estimator.TargetPose, t0 int64) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Relative target position (NED)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	ts := make([]string, len(poses))
	north := make([]opts.LineData, len(poses))
	east := make([]opts.LineData, len(poses))
	down := make([]opts.LineData, len(poses))
	for i, p := range poses {
		ts[i] = fmt.Sprintf("%.1f", float64(p.TimestampNanos-t0)/1e9)
		north[i] = opts.LineData{Value: p.RelPos.X}
		east[i] = opts.LineData{Value: p.RelPos.Y}
		down[i] = opts.LineData{Value: p.RelPos.Z}
	}

	line.SetXAxis(ts).
		AddSeries("north", north).
		AddSeries("east", east).
		AddSeries("down", down)
	return line
}

func innovationChart(innovs []recorder.InnovationPoint, t0 int64) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Innovations by aid source"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "innovation"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	bySource := make(map[string][]opts.ScatterData)
	var order []string
	for _, p := range innovs {
		if _, ok := bySource[p.Source]; !ok {
			order = append(order, p.Source)
		}
		bySource[p.Source] = append(bySource[p.Source], opts.ScatterData{
			Value: []interface{}{float64(p.TimestampNanos-t0) / 1e9, p.Innovation},
		})
	}

	for _, source := range order {
		scatter.AddSeries(source, bySource[source],
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	}
	return scatter
}
