// Package recorder persists estimator outputs to a SQLite database for
// offline analysis. One Recorder covers one session: every record carries the
// session id generated at open time, so several flights can share a database
// file.
package recorder

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aeronavlab/precland/internal/estimator"
	"github.com/aeronavlab/precland/internal/monitoring"
)

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		created_at_ns INTEGER NOT NULL,
		notes TEXT
	);
	CREATE TABLE IF NOT EXISTS target_poses (
		session_id TEXT NOT NULL,
		t_ns INTEGER NOT NULL,
		is_static INTEGER NOT NULL,
		rel_pos_valid INTEGER NOT NULL,
		rel_x REAL, rel_y REAL, rel_z REAL,
		rel_var_x REAL, rel_var_y REAL, rel_var_z REAL,
		rel_vel_valid INTEGER NOT NULL,
		rel_vx REAL, rel_vy REAL, rel_vz REAL,
		rel_vel_var_x REAL, rel_vel_var_y REAL, rel_vel_var_z REAL,
		abs_pos_valid INTEGER NOT NULL,
		abs_x REAL, abs_y REAL, abs_z REAL,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE TABLE IF NOT EXISTS estimator_states (
		session_id TEXT NOT NULL,
		t_ns INTEGER NOT NULL,
		rel_x REAL, rel_y REAL, rel_z REAL,
		rel_var_x REAL, rel_var_y REAL, rel_var_z REAL,
		rel_vx REAL, rel_vy REAL, rel_vz REAL,
		rel_vel_var_x REAL, rel_vel_var_y REAL, rel_vel_var_z REAL,
		bias_x REAL, bias_y REAL, bias_z REAL,
		bias_var_x REAL, bias_var_y REAL, bias_var_z REAL,
		acc_t_x REAL, acc_t_y REAL, acc_t_z REAL,
		acc_t_var_x REAL, acc_t_var_y REAL, acc_t_var_z REAL,
		vel_t_x REAL, vel_t_y REAL, vel_t_z REAL,
		vel_t_var_x REAL, vel_t_var_y REAL, vel_t_var_z REAL,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE TABLE IF NOT EXISTS innovations (
		session_id TEXT NOT NULL,
		t_ns INTEGER NOT NULL,
		sample_ns INTEGER NOT NULL,
		source TEXT NOT NULL,
		axis INTEGER NOT NULL,
		fused INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		obs REAL, obs_var REAL,
		innov REAL, innov_var REAL,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE TABLE IF NOT EXISTS yaw_innovations (
		session_id TEXT NOT NULL,
		t_ns INTEGER NOT NULL,
		sample_ns INTEGER NOT NULL,
		fused INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		obs REAL, obs_var REAL,
		innov REAL, innov_var REAL,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE TABLE IF NOT EXISTS orientations (
		session_id TEXT NOT NULL,
		t_ns INTEGER NOT NULL,
		rel_yaw_valid INTEGER NOT NULL,
		theta_rel REAL, theta_rel_var REAL,
		rate_rel REAL, rate_rel_var REAL,
		abs_yaw_valid INTEGER NOT NULL,
		theta_abs REAL,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_innovations_session_source
		ON innovations(session_id, source, t_ns);
	CREATE INDEX IF NOT EXISTS idx_target_poses_session
		ON target_poses(session_id, t_ns);
`

// Recorder writes estimator outputs to SQLite. It implements both
// estimator.Publisher and estimator.OrientationPublisher. Write failures are
// logged and dropped rather than propagated: a broken recorder must never
// stall the estimation tick.
type Recorder struct {
	db        *sql.DB
	sessionID string
}

// Open opens or creates the database at path and starts a new session.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init recorder schema: %w", err)
	}

	r := &Recorder{
		db:        db,
		sessionID: uuid.New().String(),
	}
	err = retryOnBusy(func() error {
		_, err := db.Exec("INSERT INTO sessions (session_id, created_at_ns) VALUES (?, ?)",
			r.sessionID, time.Now().UnixNano())
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create session: %w", err)
	}
	return r, nil
}

// SessionID returns the session id all records of this Recorder carry.
func (r *Recorder) SessionID() string { return r.sessionID }

// Close closes the underlying database.
func (r *Recorder) Close() error { return r.db.Close() }

func (r *Recorder) exec(what, query string, args ...interface{}) {
	err := retryOnBusy(func() error {
		_, err := r.db.Exec(query, args...)
		return err
	})
	if err != nil {
		monitoring.Logf("recorder: dropping %s record: %v", what, err)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// PublishTargetPose stores one fused pose record.
func (r *Recorder) PublishTargetPose(p estimator.TargetPose) {
	r.exec("pose", `
		INSERT INTO target_poses (
			session_id, t_ns, is_static,
			rel_pos_valid, rel_x, rel_y, rel_z, rel_var_x, rel_var_y, rel_var_z,
			rel_vel_valid, rel_vx, rel_vy, rel_vz, rel_vel_var_x, rel_vel_var_y, rel_vel_var_z,
			abs_pos_valid, abs_x, abs_y, abs_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, p.TimestampNanos, boolInt(p.IsStatic),
		boolInt(p.RelPosValid), p.RelPos.X, p.RelPos.Y, p.RelPos.Z,
		p.RelPosVar.X, p.RelPosVar.Y, p.RelPosVar.Z,
		boolInt(p.RelVelValid), p.RelVel.X, p.RelVel.Y, p.RelVel.Z,
		p.RelVelVar.X, p.RelVelVar.Y, p.RelVelVar.Z,
		boolInt(p.AbsPosValid), p.AbsPos.X, p.AbsPos.Y, p.AbsPos.Z,
	)
}

// PublishEstimatorState stores one full diagnostic state record.
func (r *Recorder) PublishEstimatorState(s estimator.EstimatorState) {
	r.exec("state", `
		INSERT INTO estimator_states (
			session_id, t_ns,
			rel_x, rel_y, rel_z, rel_var_x, rel_var_y, rel_var_z,
			rel_vx, rel_vy, rel_vz, rel_vel_var_x, rel_vel_var_y, rel_vel_var_z,
			bias_x, bias_y, bias_z, bias_var_x, bias_var_y, bias_var_z,
			acc_t_x, acc_t_y, acc_t_z, acc_t_var_x, acc_t_var_y, acc_t_var_z,
			vel_t_x, vel_t_y, vel_t_z, vel_t_var_x, vel_t_var_y, vel_t_var_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, s.TimestampNanos,
		s.RelPos.X, s.RelPos.Y, s.RelPos.Z,
		s.RelPosVar.X, s.RelPosVar.Y, s.RelPosVar.Z,
		s.RelVel.X, s.RelVel.Y, s.RelVel.Z,
		s.RelVelVar.X, s.RelVelVar.Y, s.RelVelVar.Z,
		s.Bias.X, s.Bias.Y, s.Bias.Z,
		s.BiasVar.X, s.BiasVar.Y, s.BiasVar.Z,
		s.TargetAcc.X, s.TargetAcc.Y, s.TargetAcc.Z,
		s.TargetAccVar.X, s.TargetAccVar.Y, s.TargetAccVar.Z,
		s.TargetVel.X, s.TargetVel.Y, s.TargetVel.Z,
		s.TargetVelVar.X, s.TargetVelVar.Y, s.TargetVelVar.Z,
	)
}

// PublishInnovation stores one row per axis that was actually attempted.
func (r *Recorder) PublishInnovation(rec estimator.InnovationRecord) {
	for axis := 0; axis < 3; axis++ {
		if !rec.FusionEnabled[axis] {
			continue
		}
		r.exec("innovation", `
			INSERT INTO innovations (
				session_id, t_ns, sample_ns, source, axis,
				fused, rejected, obs, obs_var, innov, innov_var
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.sessionID, rec.TimestampNanos, rec.SampleNanos, rec.Source.String(), axis,
			boolInt(rec.Fused[axis]), boolInt(rec.Rejected[axis]),
			rec.Observation[axis], rec.ObservationVar[axis],
			rec.Innovation[axis], rec.InnovationVar[axis],
		)
	}
}

// PublishOrientation stores one yaw estimate record.
func (r *Recorder) PublishOrientation(o estimator.TargetOrientation) {
	r.exec("orientation", `
		INSERT INTO orientations (
			session_id, t_ns, rel_yaw_valid,
			theta_rel, theta_rel_var, rate_rel, rate_rel_var,
			abs_yaw_valid, theta_abs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, o.TimestampNanos, boolInt(o.RelYawValid),
		o.ThetaRel, o.ThetaRelVar, o.RateRel, o.RateRelVar,
		boolInt(o.AbsYawValid), o.ThetaAbs,
	)
}

// PublishYawInnovation stores one yaw fusion attempt.
func (r *Recorder) PublishYawInnovation(rec estimator.YawInnovationRecord) {
	if !rec.FusionEnabled {
		return
	}
	r.exec("yaw innovation", `
		INSERT INTO yaw_innovations (
			session_id, t_ns, sample_ns,
			fused, rejected, obs, obs_var, innov, innov_var
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, rec.TimestampNanos, rec.SampleNanos,
		boolInt(rec.Fused), boolInt(rec.Rejected),
		rec.Observation, rec.ObservationVar,
		rec.Innovation, rec.InnovationVar,
	)
}
