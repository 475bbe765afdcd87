package recorder

import (
	"fmt"

	"github.com/aeronavlab/precland/internal/estimator"
)

// Session describes one recorded estimation run.
type Session struct {
	SessionID   string
	CreatedAtNs int64
}

// InnovationPoint is one stored scalar fusion attempt, flattened per axis.
type InnovationPoint struct {
	TimestampNanos int64
	SampleNanos    int64
	Source         string
	Axis           int
	Fused          bool
	Rejected       bool
	Observation    float64
	ObservationVar float64
	Innovation     float64
	InnovationVar  float64
}

// Sessions lists all recorded sessions, newest first.
func (r *Recorder) Sessions() ([]Session, error) {
	rows, err := r.db.Query(
		"SELECT session_id, created_at_ns FROM sessions ORDER BY created_at_ns DESC")
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.CreatedAtNs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Poses returns the stored pose track of a session in time order.
func (r *Recorder) Poses(sessionID string) ([]estimator.TargetPose, error) {
	rows, err := r.db.Query(`
		SELECT t_ns, is_static,
		       rel_pos_valid, rel_x, rel_y, rel_z, rel_var_x, rel_var_y, rel_var_z,
		       rel_vel_valid, rel_vx, rel_vy, rel_vz, rel_vel_var_x, rel_vel_var_y, rel_vel_var_z,
		       abs_pos_valid, abs_x, abs_y, abs_z
		FROM target_poses
		WHERE session_id = ?
		ORDER BY t_ns`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var out []estimator.TargetPose
	for rows.Next() {
		var p estimator.TargetPose
		var isStatic, posValid, velValid, absValid int
		err := rows.Scan(
			&p.TimestampNanos, &isStatic,
			&posValid, &p.RelPos.X, &p.RelPos.Y, &p.RelPos.Z,
			&p.RelPosVar.X, &p.RelPosVar.Y, &p.RelPosVar.Z,
			&velValid, &p.RelVel.X, &p.RelVel.Y, &p.RelVel.Z,
			&p.RelVelVar.X, &p.RelVelVar.Y, &p.RelVelVar.Z,
			&absValid, &p.AbsPos.X, &p.AbsPos.Y, &p.AbsPos.Z,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		p.IsStatic = isStatic != 0
		p.RelPosValid = posValid != 0
		p.RelVelValid = velValid != 0
		p.AbsPosValid = absValid != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// Innovations returns the stored fusion attempts of a session, optionally
// filtered by source name, in time order.
func (r *Recorder) Innovations(sessionID, source string) ([]InnovationPoint, error) {
	query := `
		SELECT t_ns, sample_ns, source, axis, fused, rejected,
		       obs, obs_var, innov, innov_var
		FROM innovations
		WHERE session_id = ?`
	args := []interface{}{sessionID}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}
	query += " ORDER BY t_ns, axis"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query innovations: %w", err)
	}
	defer rows.Close()

	var out []InnovationPoint
	for rows.Next() {
		var p InnovationPoint
		var fused, rejected int
		err := rows.Scan(
			&p.TimestampNanos, &p.SampleNanos, &p.Source, &p.Axis, &fused, &rejected,
			&p.Observation, &p.ObservationVar, &p.Innovation, &p.InnovationVar,
		)
		if err != nil {
			return nil, fmt.Errorf("scan innovation: %w", err)
		}
		p.Fused = fused != 0
		p.Rejected = rejected != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// Orientations returns the stored yaw track of a session in time order.
func (r *Recorder) Orientations(sessionID string) ([]estimator.TargetOrientation, error) {
	rows, err := r.db.Query(`
		SELECT t_ns, rel_yaw_valid, theta_rel, theta_rel_var, rate_rel, rate_rel_var,
		       abs_yaw_valid, theta_abs
		FROM orientations
		WHERE session_id = ?
		ORDER BY t_ns`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query orientations: %w", err)
	}
	defer rows.Close()

	var out []estimator.TargetOrientation
	for rows.Next() {
		var o estimator.TargetOrientation
		var relValid, absValid int
		err := rows.Scan(
			&o.TimestampNanos, &relValid, &o.ThetaRel, &o.ThetaRelVar,
			&o.RateRel, &o.RateRelVar, &absValid, &o.ThetaAbs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan orientation: %w", err)
		}
		o.RelYawValid = relValid != 0
		o.AbsYawValid = absValid != 0
		out = append(out, o)
	}
	return out, rows.Err()
}
