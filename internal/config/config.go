package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical explorer defaults file.
const DefaultConfigPath = "config/explorer.defaults.json"

// Visited-set keying modes.
const (
	VisitedModeCell  = "cell"
	VisitedModeWorld = "world"
)

// Stop intent behaviours for the motion controller.
const (
	StopModeRamp      = "ramp"
	StopModeImmediate = "immediate"
)

// ExplorerConfig is the root configuration for the exploration mission and
// the motion controller. Every field is optional: the Get* accessors return
// the built-in default for anything the JSON file leaves out.
type ExplorerConfig struct {
	// Loop cadence
	PoseInterval    *string `json:"pose_interval,omitempty"`    // duration string like "1s"
	ExploreInterval *string `json:"explore_interval,omitempty"` // duration string like "5s"

	// Frontier policy
	FailureThreshold  *int     `json:"failure_threshold,omitempty"`
	MaxBearingRad     *float64 `json:"max_bearing_rad,omitempty"`
	VisitedMode       *string  `json:"visited_mode,omitempty"`
	VisitedToleranceM *float64 `json:"visited_tolerance_m,omitempty"`

	// Transform lookup
	ReferenceFrame *string `json:"reference_frame,omitempty"`
	BodyFrame      *string `json:"body_frame,omitempty"`

	// Shutdown and map persistence
	ShutdownGrace   *string  `json:"shutdown_grace,omitempty"`
	MapSaveTimeout  *string  `json:"map_save_timeout,omitempty"`
	MapSavePath     *string  `json:"map_save_path,omitempty"`
	MapSaverCommand []string `json:"map_saver_command,omitempty"`
	MapRender       *bool    `json:"map_render,omitempty"`

	// Motion controller
	MotionRateHz    *float64 `json:"motion_rate_hz,omitempty"`
	MaxLinearSpeed  *float64 `json:"max_linear_speed,omitempty"`
	MaxAngularSpeed *float64 `json:"max_angular_speed,omitempty"`
	LinearAccel     *float64 `json:"linear_accel,omitempty"` // m/s^2
	LinearDecel     *float64 `json:"linear_decel,omitempty"`
	AngularAccel    *float64 `json:"angular_accel,omitempty"` // rad/s^2
	AngularDecel    *float64 `json:"angular_decel,omitempty"`
	StopMode        *string  `json:"stop_mode,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns an ExplorerConfig with all fields unset.
func EmptyConfig() *ExplorerConfig {
	return &ExplorerConfig{}
}

// DefaultConfig returns a config with every field populated from the
// built-in defaults. It mirrors config/explorer.defaults.json.
func DefaultConfig() *ExplorerConfig {
	e := EmptyConfig()
	return &ExplorerConfig{
		PoseInterval:      ptrString(e.GetPoseInterval().String()),
		ExploreInterval:   ptrString(e.GetExploreInterval().String()),
		FailureThreshold:  ptrInt(e.GetFailureThreshold()),
		MaxBearingRad:     ptrFloat64(e.GetMaxBearingRad()),
		VisitedMode:       ptrString(e.GetVisitedMode()),
		VisitedToleranceM: ptrFloat64(e.GetVisitedToleranceM()),
		ReferenceFrame:    ptrString(e.GetReferenceFrame()),
		BodyFrame:         ptrString(e.GetBodyFrame()),
		ShutdownGrace:     ptrString(e.GetShutdownGrace().String()),
		MapSaveTimeout:    ptrString(e.GetMapSaveTimeout().String()),
		MapSavePath:       ptrString(e.GetMapSavePath()),
		MapSaverCommand:   e.GetMapSaverCommand(),
		MapRender:         ptrBool(e.GetMapRender()),
		MotionRateHz:      ptrFloat64(e.GetMotionRateHz()),
		MaxLinearSpeed:    ptrFloat64(e.GetMaxLinearSpeed()),
		MaxAngularSpeed:   ptrFloat64(e.GetMaxAngularSpeed()),
		LinearAccel:       ptrFloat64(e.GetLinearAccel()),
		LinearDecel:       ptrFloat64(e.GetLinearDecel()),
		AngularAccel:      ptrFloat64(e.GetAngularAccel()),
		AngularDecel:      ptrFloat64(e.GetAngularDecel()),
		StopMode:          ptrString(e.GetStopMode()),
	}
}

// LoadConfig loads an ExplorerConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the JSON file fall back to their defaults.
func LoadConfig(path string) (*ExplorerConfig, error) {
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

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *ExplorerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/<bin>/ subpackages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *ExplorerConfig) Validate() error {
	for name, v := range map[string]*string{
		"pose_interval":    c.PoseInterval,
		"explore_interval": c.ExploreInterval,
		"shutdown_grace":   c.ShutdownGrace,
		"map_save_timeout": c.MapSaveTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 || (d == 0 && name != "shutdown_grace") {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.FailureThreshold != nil && *c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", *c.FailureThreshold)
	}

	if c.MaxBearingRad != nil && (*c.MaxBearingRad <= 0 || *c.MaxBearingRad > math.Pi) {
		return fmt.Errorf("max_bearing_rad must be in (0, pi], got %f", *c.MaxBearingRad)
	}

	if c.VisitedMode != nil {
		switch *c.VisitedMode {
		case VisitedModeCell, VisitedModeWorld:
		default:
			return fmt.Errorf("visited_mode must be %q or %q, got %q", VisitedModeCell, VisitedModeWorld, *c.VisitedMode)
		}
	}
	if c.VisitedToleranceM != nil && *c.VisitedToleranceM < 0 {
		return fmt.Errorf("visited_tolerance_m must be non-negative, got %f", *c.VisitedToleranceM)
	}

	if c.ReferenceFrame != nil && *c.ReferenceFrame == "" {
		return fmt.Errorf("reference_frame must not be empty")
	}
	if c.BodyFrame != nil && *c.BodyFrame == "" {
		return fmt.Errorf("body_frame must not be empty")
	}

	if c.MapSaverCommand != nil && len(c.MapSaverCommand) == 0 {
		return fmt.Errorf("map_saver_command must name a program")
	}

	if c.MotionRateHz != nil && (*c.MotionRateHz <= 0 || *c.MotionRateHz > 1000) {
		return fmt.Errorf("motion_rate_hz must be in (0, 1000], got %f", *c.MotionRateHz)
	}
	for name, v := range map[string]*float64{
		"max_linear_speed":  c.MaxLinearSpeed,
		"max_angular_speed": c.MaxAngularSpeed,
		"linear_accel":      c.LinearAccel,
		"linear_decel":      c.LinearDecel,
		"angular_accel":     c.AngularAccel,
		"angular_decel":     c.AngularDecel,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.StopMode != nil {
		switch *c.StopMode {
		case StopModeRamp, StopModeImmediate:
		default:
			return fmt.Errorf("stop_mode must be %q or %q, got %q", StopModeRamp, StopModeImmediate, *c.StopMode)
		}
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetPoseInterval returns the pose tracker period.
func (c *ExplorerConfig) GetPoseInterval() time.Duration {
	return durationOr(c.PoseInterval, time.Second)
}

// GetExploreInterval returns the exploration tick period.
func (c *ExplorerConfig) GetExploreInterval() time.Duration {
	return durationOr(c.ExploreInterval, 5*time.Second)
}

// GetShutdownGrace returns how long to wait after publishing "end" before
// saving the map.
func (c *ExplorerConfig) GetShutdownGrace() time.Duration {
	return durationOr(c.ShutdownGrace, time.Second)
}

// GetMapSaveTimeout returns the bound on the map persistence tool.
func (c *ExplorerConfig) GetMapSaveTimeout() time.Duration {
	return durationOr(c.MapSaveTimeout, 30*time.Second)
}

// GetFailureThreshold returns the number of consecutive selection failures
// that forces a return home.
func (c *ExplorerConfig) GetFailureThreshold() int {
	if c.FailureThreshold == nil {
		return 40
	}
	return *c.FailureThreshold
}

// GetMaxBearingRad returns the widest accepted heading-to-frontier angle.
func (c *ExplorerConfig) GetMaxBearingRad() float64 {
	if c.MaxBearingRad == nil {
		return 11 * math.Pi / 12
	}
	return *c.MaxBearingRad
}

// GetVisitedMode returns "cell" or "world".
func (c *ExplorerConfig) GetVisitedMode() string {
	if c.VisitedMode == nil {
		return VisitedModeCell
	}
	return *c.VisitedMode
}

// GetVisitedToleranceM returns the match radius used in world visited mode.
func (c *ExplorerConfig) GetVisitedToleranceM() float64 {
	if c.VisitedToleranceM == nil {
		return 0.25
	}
	return *c.VisitedToleranceM
}

// GetReferenceFrame returns the world frame for pose lookups.
func (c *ExplorerConfig) GetReferenceFrame() string {
	if c.ReferenceFrame == nil {
		return "map"
	}
	return *c.ReferenceFrame
}

// GetBodyFrame returns the robot body frame for pose lookups.
func (c *ExplorerConfig) GetBodyFrame() string {
	if c.BodyFrame == nil {
		return "base_link"
	}
	return *c.BodyFrame
}

// GetMapSavePath returns the map output path prefix. A leading "~" is left
// for the saver to expand.
func (c *ExplorerConfig) GetMapSavePath() string {
	if c.MapSavePath == nil || *c.MapSavePath == "" {
		return "~/my_explored_map"
	}
	return *c.MapSavePath
}

// GetMapSaverCommand returns the tool invocation; the save path is appended
// as the final argument.
func (c *ExplorerConfig) GetMapSaverCommand() []string {
	if len(c.MapSaverCommand) == 0 {
		return []string{"ros2", "run", "nav2_map_server", "map_saver_cli", "-f"}
	}
	return append([]string(nil), c.MapSaverCommand...)
}

// GetMapRender reports whether a PNG rendering accompanies the saved map.
func (c *ExplorerConfig) GetMapRender() bool {
	if c.MapRender == nil {
		return true
	}
	return *c.MapRender
}

// GetMotionRateHz returns the motion controller tick rate.
func (c *ExplorerConfig) GetMotionRateHz() float64 {
	if c.MotionRateHz == nil {
		return 20
	}
	return *c.MotionRateHz
}

// GetMotionPeriod converts the tick rate to a ticker period.
func (c *ExplorerConfig) GetMotionPeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetMotionRateHz())
}

// GetMaxLinearSpeed returns the forward/backward speed in m/s.
func (c *ExplorerConfig) GetMaxLinearSpeed() float64 {
	if c.MaxLinearSpeed == nil {
		return 0.15
	}
	return *c.MaxLinearSpeed
}

// GetMaxAngularSpeed returns the turning speed in rad/s.
func (c *ExplorerConfig) GetMaxAngularSpeed() float64 {
	if c.MaxAngularSpeed == nil {
		return 0.5
	}
	return *c.MaxAngularSpeed
}

// GetLinearAccel returns the linear acceleration limit in m/s^2.
func (c *ExplorerConfig) GetLinearAccel() float64 {
	if c.LinearAccel == nil {
		return 0.3
	}
	return *c.LinearAccel
}

// GetLinearDecel returns the linear deceleration limit in m/s^2.
func (c *ExplorerConfig) GetLinearDecel() float64 {
	if c.LinearDecel == nil {
		return 0.6
	}
	return *c.LinearDecel
}

// GetAngularAccel returns the angular acceleration limit in rad/s^2.
func (c *ExplorerConfig) GetAngularAccel() float64 {
	if c.AngularAccel == nil {
		return 1.0
	}
	return *c.AngularAccel
}

// GetAngularDecel returns the angular deceleration limit in rad/s^2.
func (c *ExplorerConfig) GetAngularDecel() float64 {
	if c.AngularDecel == nil {
		return 2.0
	}
	return *c.AngularDecel
}

// GetStopMode returns "ramp" or "immediate".
func (c *ExplorerConfig) GetStopMode() string {
	if c.StopMode == nil {
		return StopModeRamp
	}
	return *c.StopMode
}
