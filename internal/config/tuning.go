package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Aiding source bits for AidMask. Each bit enables one observation source.
const (
	AidTargetGPSPos = 1 << 0 // target GPS position
	AidGPSRelVel    = 1 << 1 // drone GPS velocity (and target GPS velocity when moving)
	AidVisionPos    = 1 << 2 // external vision relative position
	AidIRLockPos    = 1 << 3 // irlock bearing-derived relative position
	AidUWBPos       = 1 << 4 // uwb relative position
	AidMissionPos   = 1 << 5 // mission landing position
)

// TuningConfig represents the root configuration for the target estimator.
// Fields omitted from the JSON file retain their default values, so partial
// configs are safe. The same schema is used for startup configuration and
// runtime parameter updates.
type TuningConfig struct {
	// Estimator selection
	AidMask     *int    `json:"aid_mask,omitempty"`
	TargetMode  *string `json:"target_mode,omitempty"`  // "stationary", "moving", "moving_augmented"
	TargetModel *string `json:"target_model,omitempty"` // "decoupled", "coupled", "horizontal"

	// Timeouts
	TargetTimeoutSec *float64 `json:"target_timeout_s,omitempty"` // filter reset timeout

	// Process noise
	DroneAccUnc  *float64 `json:"drone_acc_unc,omitempty"`  // drone acceleration input variance ((m/s²)²)
	TargetAccUnc *float64 `json:"target_acc_unc,omitempty"` // target acceleration process variance ((m/s²)²)
	BiasUnc      *float64 `json:"bias_unc,omitempty"`       // GPS bias random-walk variance (m²)
	BiasLimit    *float64 `json:"bias_limit,omitempty"`     // bias magnitude sanity limit (m)

	// Measurement noise
	MeasUnc     *float64 `json:"meas_unc,omitempty"`     // bearing sensor noise scale (irlock/uwb/vision floor)
	GPSVelNoise *float64 `json:"gps_vel_noise,omitempty"` // GPS velocity noise floor (m/s)
	GPSPosNoise *float64 `json:"gps_pos_noise,omitempty"` // GPS position noise floor (m)
	EVNoiseMD   *bool    `json:"ev_noise_md,omitempty"`   // true: vision noise from message, false: from tuning
	EVANoise    *float64 `json:"eva_noise,omitempty"`     // vision angle noise floor (rad)
	EVPNoise    *float64 `json:"evp_noise,omitempty"`     // vision position noise floor (m)

	// Initial state variances
	PosUncInit  *float64 `json:"pos_unc_init,omitempty"`
	VelUncInit  *float64 `json:"vel_unc_init,omitempty"`
	BiasUncInit *float64 `json:"bias_unc_init,omitempty"`
	AccUncInit  *float64 `json:"acc_unc_init,omitempty"`
	YawUncInit  *float64 `json:"yaw_unc_init,omitempty"`

	// Sensor mounting geometry
	ScaleX       *float64 `json:"scale_x,omitempty"`        // irlock x axis scale factor
	ScaleY       *float64 `json:"scale_y,omitempty"`        // irlock y axis scale factor
	SensorYawRot *int     `json:"sensor_yaw_rot,omitempty"` // discrete yaw rotation, 45° steps [0..7]
	SensorPosX   *float64 `json:"sensor_pos_x,omitempty"`   // sensor offset in body frame (m)
	SensorPosY   *float64 `json:"sensor_pos_y,omitempty"`
	SensorPosZ   *float64 `json:"sensor_pos_z,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.AidMask != nil {
		if *c.AidMask < 0 || *c.AidMask >= (1<<6) {
			return fmt.Errorf("aid_mask must be in [0, 63], got %d", *c.AidMask)
		}
	}

	if c.TargetMode != nil {
		switch *c.TargetMode {
		case "stationary", "moving", "moving_augmented":
		default:
			return fmt.Errorf("unknown target_mode %q", *c.TargetMode)
		}
	}

	if c.TargetModel != nil {
		switch *c.TargetModel {
		case "decoupled", "coupled", "horizontal":
		default:
			return fmt.Errorf("unknown target_model %q", *c.TargetModel)
		}
	}

	if c.TargetTimeoutSec != nil && *c.TargetTimeoutSec <= 0 {
		return fmt.Errorf("target_timeout_s must be positive, got %f", *c.TargetTimeoutSec)
	}

	if c.SensorYawRot != nil {
		if *c.SensorYawRot < 0 || *c.SensorYawRot > 7 {
			return fmt.Errorf("sensor_yaw_rot must be in [0, 7], got %d", *c.SensorYawRot)
		}
	}

	// Variances must be strictly positive where set.
	positive := map[string]*float64{
		"drone_acc_unc":  c.DroneAccUnc,
		"target_acc_unc": c.TargetAccUnc,
		"bias_unc":       c.BiasUnc,
		"meas_unc":       c.MeasUnc,
		"gps_vel_noise":  c.GPSVelNoise,
		"gps_pos_noise":  c.GPSPosNoise,
		"eva_noise":      c.EVANoise,
		"evp_noise":      c.EVPNoise,
		"pos_unc_init":   c.PosUncInit,
		"vel_unc_init":   c.VelUncInit,
		"bias_unc_init":  c.BiasUncInit,
		"acc_unc_init":   c.AccUncInit,
		"yaw_unc_init":   c.YawUncInit,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	return nil
}

// GetAidMask returns the aid_mask value or the default.
func (c *TuningConfig) GetAidMask() int {
	if c.AidMask == nil {
		// GPS velocity + vision + irlock + mission position, matching the
		// shipped defaults
		return AidGPSRelVel | AidVisionPos | AidIRLockPos | AidMissionPos
	}
	return *c.AidMask
}

// GetTargetMode returns the target_mode value or the default.
func (c *TuningConfig) GetTargetMode() string {
	if c.TargetMode == nil {
		return "moving"
	}
	return *c.TargetMode
}

// GetTargetModel returns the target_model value or the default.
func (c *TuningConfig) GetTargetModel() string {
	if c.TargetModel == nil {
		return "coupled"
	}
	return *c.TargetModel
}

// GetTargetTimeoutSec returns the target_timeout_s value or the default.
func (c *TuningConfig) GetTargetTimeoutSec() float64 {
	if c.TargetTimeoutSec == nil {
		return 3.0
	}
	return *c.TargetTimeoutSec
}

// GetDroneAccUnc returns the drone_acc_unc value or the default.
func (c *TuningConfig) GetDroneAccUnc() float64 {
	if c.DroneAccUnc == nil {
		return 1.0
	}
	return *c.DroneAccUnc
}

// GetTargetAccUnc returns the target_acc_unc value or the default.
func (c *TuningConfig) GetTargetAccUnc() float64 {
	if c.TargetAccUnc == nil {
		return 1.0
	}
	return *c.TargetAccUnc
}

// GetBiasUnc returns the bias_unc value or the default.
func (c *TuningConfig) GetBiasUnc() float64 {
	if c.BiasUnc == nil {
		return 0.05
	}
	return *c.BiasUnc
}

// GetBiasLimit returns the bias_limit value or the default.
func (c *TuningConfig) GetBiasLimit() float64 {
	if c.BiasLimit == nil {
		return 1.0
	}
	return *c.BiasLimit
}

// GetMeasUnc returns the meas_unc value or the default.
func (c *TuningConfig) GetMeasUnc() float64 {
	if c.MeasUnc == nil {
		return 0.05
	}
	return *c.MeasUnc
}

// GetGPSVelNoise returns the gps_vel_noise value or the default.
func (c *TuningConfig) GetGPSVelNoise() float64 {
	if c.GPSVelNoise == nil {
		return 0.3
	}
	return *c.GPSVelNoise
}

// GetGPSPosNoise returns the gps_pos_noise value or the default.
func (c *TuningConfig) GetGPSPosNoise() float64 {
	if c.GPSPosNoise == nil {
		return 0.5
	}
	return *c.GPSPosNoise
}

// GetEVNoiseMD returns the ev_noise_md value or the default.
func (c *TuningConfig) GetEVNoiseMD() bool {
	if c.EVNoiseMD == nil {
		return false
	}
	return *c.EVNoiseMD
}

// GetEVANoise returns the eva_noise value or the default.
func (c *TuningConfig) GetEVANoise() float64 {
	if c.EVANoise == nil {
		return 0.05
	}
	return *c.EVANoise
}

// GetEVPNoise returns the evp_noise value or the default.
func (c *TuningConfig) GetEVPNoise() float64 {
	if c.EVPNoise == nil {
		return 0.1
	}
	return *c.EVPNoise
}

// GetPosUncInit returns the pos_unc_init value or the default.
func (c *TuningConfig) GetPosUncInit() float64 {
	if c.PosUncInit == nil {
		return 0.5
	}
	return *c.PosUncInit
}

// GetVelUncInit returns the vel_unc_init value or the default.
func (c *TuningConfig) GetVelUncInit() float64 {
	if c.VelUncInit == nil {
		return 0.5
	}
	return *c.VelUncInit
}

// GetBiasUncInit returns the bias_unc_init value or the default.
func (c *TuningConfig) GetBiasUncInit() float64 {
	if c.BiasUncInit == nil {
		return 1.0
	}
	return *c.BiasUncInit
}

// GetAccUncInit returns the acc_unc_init value or the default.
func (c *TuningConfig) GetAccUncInit() float64 {
	if c.AccUncInit == nil {
		return 0.1
	}
	return *c.AccUncInit
}

// GetYawUncInit returns the yaw_unc_init value or the default.
func (c *TuningConfig) GetYawUncInit() float64 {
	if c.YawUncInit == nil {
		return 1.0
	}
	return *c.YawUncInit
}

// GetScaleX returns the scale_x value or the default.
func (c *TuningConfig) GetScaleX() float64 {
	if c.ScaleX == nil {
		return 1.0
	}
	return *c.ScaleX
}

// GetScaleY returns the scale_y value or the default.
func (c *TuningConfig) GetScaleY() float64 {
	if c.ScaleY == nil {
		return 1.0
	}
	return *c.ScaleY
}

// GetSensorYawRot returns the sensor_yaw_rot value or the default.
func (c *TuningConfig) GetSensorYawRot() int {
	if c.SensorYawRot == nil {
		return 0
	}
	return *c.SensorYawRot
}

// GetSensorPosX returns the sensor_pos_x value or the default.
func (c *TuningConfig) GetSensorPosX() float64 {
	if c.SensorPosX == nil {
		return 0
	}
	return *c.SensorPosX
}

// GetSensorPosY returns the sensor_pos_y value or the default.
func (c *TuningConfig) GetSensorPosY() float64 {
	if c.SensorPosY == nil {
		return 0
	}
	return *c.SensorPosY
}

// GetSensorPosZ returns the sensor_pos_z value or the default.
func (c *TuningConfig) GetSensorPosZ() float64 {
	if c.SensorPosZ == nil {
		return 0
	}
	return *c.SensorPosZ
}
