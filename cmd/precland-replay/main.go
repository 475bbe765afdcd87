// precland-replay feeds a recorded JSONL sensor log through the landing
// target estimator at a fixed tick rate, stores the outputs in a SQLite
// database and optionally renders an HTML chart of the run.
//
// The log holds one JSON object per line, each with a "t_ns" timestamp and a
// "type" discriminator (vehicle_gps, target_gnss, vision, marker_yaw, irlock,
// uwb, range, local_position, vehicle_yaw, landing_point, accel).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/aeronavlab/precland/internal/config"
	"github.com/aeronavlab/precland/internal/estimator"
	"github.com/aeronavlab/precland/internal/frame"
	"github.com/aeronavlab/precland/internal/recorder"
)

// logEvent is one line of the replay log. Only the fields matching the event
// type are expected to be set.
type logEvent struct {
	TimeNanos int64  `json:"t_ns"`
	Type      string `json:"type"`

	// GNSS fields (vehicle_gps, target_gnss, landing_point)
	Lat           int64   `json:"lat,omitempty"`
	Lon           int64   `json:"lon,omitempty"`
	AltMM         float64 `json:"alt_mm,omitempty"`
	EPH           float64 `json:"eph,omitempty"`
	EPV           float64 `json:"epv,omitempty"`
	VelN          float64 `json:"vel_n,omitempty"`
	VelE          float64 `json:"vel_e,omitempty"`
	VelD          float64 `json:"vel_d,omitempty"`
	VelValid      bool    `json:"vel_valid,omitempty"`
	SAcc          float64 `json:"s_acc,omitempty"`
	AbsPosUpdated bool    `json:"abs_pos_updated,omitempty"`
	VelUpdated    bool    `json:"vel_updated,omitempty"`

	// Vision fields (vision, marker_yaw)
	RelBody  []float64 `json:"rel_body,omitempty"`
	CovBody  []float64 `json:"cov_body,omitempty"`
	Att      []float64 `json:"att,omitempty"` // quaternion, w first
	Theta    float64   `json:"theta,omitempty"`
	ThetaVar float64   `json:"theta_var,omitempty"`

	// irlock
	PosX float64 `json:"pos_x,omitempty"`
	PosY float64 `json:"pos_y,omitempty"`

	// uwb, local_position, accel
	XYZ []float64 `json:"xyz,omitempty"`

	// range, local_position, vehicle_yaw
	Dist  float64 `json:"dist,omitempty"`
	Valid bool    `json:"valid,omitempty"`
	Yaw   float64 `json:"yaw,omitempty"`
}

func vec3(v []float64) frame.Vec3 {
	var out frame.Vec3
	if len(v) > 0 {
		out.X = v[0]
	}
	if len(v) > 1 {
		out.Y = v[1]
	}
	if len(v) > 2 {
		out.Z = v[2]
	}
	return out
}

func quat(v []float64) frame.Quat {
	if len(v) < 4 {
		return frame.IdentityQuat()
	}
	return frame.Quat{W: v[0], X: v[1], Y: v[2], Z: v[3]}
}

// readEvents decodes the whole log and returns the events in time order.
func readEvents(r io.Reader) ([]logEvent, error) {
	var events []logEvent

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev logEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if ev.Type == "" {
			return nil, fmt.Errorf("line %d: missing event type", line)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimeNanos < events[j].TimeNanos
	})
	return events, nil
}

// apply routes one event into the estimators. Unknown types are counted, not
// fatal, so logs from newer tooling still replay.
func apply(ev logEvent, pos *estimator.PositionEstimator, orient *estimator.OrientationEstimator, acc *frame.Vec3) bool {
	switch ev.Type {
	case "accel":
		*acc = vec3(ev.XYZ)
	case "vehicle_gps":
		pos.SetVehicleGPS(estimator.GPSFix{
			TimestampNanos: ev.TimeNanos,
			Lat:            ev.Lat, Lon: ev.Lon, AltMM: ev.AltMM,
			EPH: ev.EPH, EPV: ev.EPV,
			VelN: ev.VelN, VelE: ev.VelE, VelD: ev.VelD,
			VelValid: ev.VelValid, SAcc: ev.SAcc,
		})
	case "target_gnss":
		pos.SetTargetGNSS(estimator.TargetGNSSReport{
			GPSFix: estimator.GPSFix{
				TimestampNanos: ev.TimeNanos,
				Lat:            ev.Lat, Lon: ev.Lon, AltMM: ev.AltMM,
				EPH: ev.EPH, EPV: ev.EPV,
				VelN: ev.VelN, VelE: ev.VelE, VelD: ev.VelD,
				SAcc: ev.SAcc,
			},
			AbsPosUpdated: ev.AbsPosUpdated,
			VelUpdated:    ev.VelUpdated,
		})
	case "vision":
		pos.SetFiducialMarker(estimator.FiducialMarkerReport{
			TimestampNanos: ev.TimeNanos,
			RelBody:        vec3(ev.RelBody),
			CovBody:        vec3(ev.CovBody),
			Att:            quat(ev.Att),
		})
	case "marker_yaw":
		orient.SetMarkerYaw(estimator.MarkerYawReport{
			TimestampNanos: ev.TimeNanos,
			ThetaRel:       ev.Theta,
			Var:            ev.ThetaVar,
		})
	case "irlock":
		pos.SetIRLock(estimator.IRLockReport{
			TimestampNanos: ev.TimeNanos,
			PosX:           ev.PosX, PosY: ev.PosY,
			Att: quat(ev.Att),
		})
	case "uwb":
		pos.SetUWB(estimator.UWBReport{
			TimestampNanos: ev.TimeNanos,
			Position:       vec3(ev.XYZ),
		})
	case "range":
		pos.SetRangeSensor(ev.Dist, ev.Valid, ev.TimeNanos)
		orient.SetRangeSensor(ev.Dist, ev.Valid, ev.TimeNanos)
	case "local_position":
		pos.SetLocalPosition(vec3(ev.XYZ), ev.Valid, ev.TimeNanos)
	case "vehicle_yaw":
		orient.SetVehicleYaw(ev.Yaw, ev.Valid, ev.TimeNanos)
	case "landing_point":
		pos.SetLandingPoint(ev.Lat, ev.Lon, ev.AltMM)
	default:
		return false
	}
	return true
}

func main() {
	logPath := flag.String("log", "", "JSONL sensor log to replay (required)")
	dbPath := flag.String("db", "precland.db", "SQLite database for recorded outputs")
	configPath := flag.String("config", "", "Tuning config JSON (defaults apply when empty)")
	tick := flag.Duration("tick", 100*time.Millisecond, "Estimator tick interval")
	chartPath := flag.String("chart", "", "Render an HTML chart of the run to this path")
	flag.Parse()

	if *logPath == "" {
		flag.Usage()
		log.Fatal("missing required -log flag")
	}

	cfg := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	f, err := os.Open(*logPath)
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	events, err := readEvents(f)
	f.Close()
	if err != nil {
		log.Fatalf("Failed to parse log: %v", err)
	}
	if len(events) == 0 {
		log.Fatal("Log contains no events")
	}
	log.Printf("Loaded %d events spanning %.1fs", len(events),
		float64(events[len(events)-1].TimeNanos-events[0].TimeNanos)/1e9)

	pos, err := estimator.NewPositionEstimator(cfg)
	if err != nil {
		log.Fatalf("Failed to build position estimator: %v", err)
	}
	orient, err := estimator.NewOrientationEstimator(cfg)
	if err != nil {
		log.Fatalf("Failed to build orientation estimator: %v", err)
	}

	rec, err := recorder.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open recorder: %v", err)
	}
	defer rec.Close()
	pos.AddPublisher(rec)
	orient.AddPublisher(rec)
	log.Printf("Recording session %s to %s", rec.SessionID(), *dbPath)

	var (
		acc        frame.Vec3
		next       = 0
		ticks      = 0
		validTicks = 0
		unknown    = 0
	)
	end := events[len(events)-1].TimeNanos
	for now := events[0].TimeNanos; now <= end+int64(*tick); now += int64(*tick) {
		for next < len(events) && events[next].TimeNanos <= now {
			if !apply(events[next], pos, orient, &acc) {
				unknown++
			}
			next++
		}

		posValid := pos.Update(now, acc)
		orient.Update(now)
		ticks++
		if posValid {
			validTicks++
		}
	}

	if unknown > 0 {
		log.Printf("Skipped %d events of unknown type", unknown)
	}
	log.Printf("Replay complete: %d ticks, %d with a valid target estimate (%.1f%%)",
		ticks, validTicks, 100*float64(validTicks)/float64(ticks))

	if *chartPath != "" {
		if err := renderChart(rec, rec.SessionID(), *chartPath); err != nil {
			log.Fatalf("Failed to render chart: %v", err)
		}
		log.Printf("Chart written to %s", *chartPath)
	}
}
