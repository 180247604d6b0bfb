package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the reference simulation defaults file.
// Values in that file mirror the built-in Get* defaults below.
const DefaultConfigPath = "config/sim.defaults.json"

// SimConfig is the root configuration for the intersection simulation and
// its controller. Every field is optional: nil means "use the built-in
// default", which keeps partial JSON files safe to load.
type SimConfig struct {
	// Geometry (distance units)
	CanvasWidth      *float64 `json:"canvas_width,omitempty"`
	CanvasHeight     *float64 `json:"canvas_height,omitempty"`
	LaneOffset       *float64 `json:"lane_offset,omitempty"`
	BoundsMargin     *float64 `json:"bounds_margin,omitempty"`
	SpawnOffset      *float64 `json:"spawn_offset,omitempty"`
	StopZoneNear     *float64 `json:"stop_zone_near,omitempty"`
	StopZoneFar      *float64 `json:"stop_zone_far,omitempty"`
	MinGap           *float64 `json:"min_gap,omitempty"`
	HeavyMinGap      *float64 `json:"heavy_min_gap,omitempty"`
	LateralTolerance *float64 `json:"lateral_tolerance,omitempty"`

	// Spawn clearance box around an entry point
	SpawnClearanceLateral      *float64 `json:"spawn_clearance_lateral,omitempty"`
	SpawnClearanceLongitudinal *float64 `json:"spawn_clearance_longitudinal,omitempty"`

	// Vehicle dynamics (speeds in units per reference frame)
	Acceleration       *float64 `json:"acceleration,omitempty"`
	Braking            *float64 `json:"braking,omitempty"`
	StopSpeedThreshold *float64 `json:"stop_speed_threshold,omitempty"`
	AccelEpsilon       *float64 `json:"accel_epsilon,omitempty"`
	MaxStepDt          *float64 `json:"max_step_dt,omitempty"` // seconds
	HeavyFraction      *float64 `json:"heavy_fraction,omitempty"`
	SpeedFactorMin     *float64 `json:"speed_factor_min,omitempty"`
	SpeedFactorMax     *float64 `json:"speed_factor_max,omitempty"`
	StandardLength     *float64 `json:"standard_length,omitempty"`
	HeavyLength        *float64 `json:"heavy_length,omitempty"`

	// Emission rates (per second)
	IdleEmissionRate        *float64 `json:"idle_emission_rate,omitempty"`
	AccelEmissionRate       *float64 `json:"accel_emission_rate,omitempty"`
	RunningEmissionRate     *float64 `json:"running_emission_rate,omitempty"`
	HeavyEmissionMultiplier *float64 `json:"heavy_emission_multiplier,omitempty"`

	// Signal timings (seconds)
	MinGreenSecs       *int `json:"min_green_secs,omitempty"`
	YellowSecs         *int `json:"yellow_secs,omitempty"`
	ShortExtensionSecs *int `json:"short_extension_secs,omitempty"`
	LongExtensionSecs  *int `json:"long_extension_secs,omitempty"`
	MaxGreenSecs       *int `json:"max_green_secs,omitempty"`

	// Reward shaping
	PassReward      *float64 `json:"pass_reward,omitempty"`
	QueuePenalty    *float64 `json:"queue_penalty,omitempty"`
	EmissionPenalty *float64 `json:"emission_penalty,omitempty"`

	// Episode bookkeeping
	EpisodeHorizon   *int `json:"episode_horizon,omitempty"`
	RewardHistoryLen *int `json:"reward_history_len,omitempty"`
	DefaultAction    *int `json:"default_action,omitempty"`

	// Loop cadence
	FrameInterval    *string `json:"frame_interval,omitempty"`    // duration string like "16ms"
	DecisionInterval *string `json:"decision_interval,omitempty"` // duration string like "1s"
	SpawnInterval    *string `json:"spawn_interval,omitempty"`
	LearnTimeout     *string `json:"learn_timeout,omitempty"`
	AutoSpawn        *bool   `json:"auto_spawn,omitempty"`

	// Agent failure handling
	AgentMaxFailures *int    `json:"agent_max_failures,omitempty"`
	AgentRetryAfter  *string `json:"agent_retry_after,omitempty"`

	Weather *string `json:"weather,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySimConfig returns a SimConfig with every field nil.
func EmptySimConfig() *SimConfig {
	return &SimConfig{}
}

// DefaultSimConfig returns a SimConfig with every field populated from the
// built-in defaults.
func DefaultSimConfig() *SimConfig {
	e := EmptySimConfig()
	return &SimConfig{
		CanvasWidth:                ptrFloat64(e.GetCanvasWidth()),
		CanvasHeight:               ptrFloat64(e.GetCanvasHeight()),
		LaneOffset:                 ptrFloat64(e.GetLaneOffset()),
		BoundsMargin:               ptrFloat64(e.GetBoundsMargin()),
		SpawnOffset:                ptrFloat64(e.GetSpawnOffset()),
		StopZoneNear:               ptrFloat64(e.GetStopZoneNear()),
		StopZoneFar:                ptrFloat64(e.GetStopZoneFar()),
		MinGap:                     ptrFloat64(e.GetMinGap()),
		HeavyMinGap:                ptrFloat64(e.GetHeavyMinGap()),
		LateralTolerance:           ptrFloat64(e.GetLateralTolerance()),
		SpawnClearanceLateral:      ptrFloat64(e.GetSpawnClearanceLateral()),
		SpawnClearanceLongitudinal: ptrFloat64(e.GetSpawnClearanceLongitudinal()),
		Acceleration:               ptrFloat64(e.GetAcceleration()),
		Braking:                    ptrFloat64(e.GetBraking()),
		StopSpeedThreshold:         ptrFloat64(e.GetStopSpeedThreshold()),
		AccelEpsilon:               ptrFloat64(e.GetAccelEpsilon()),
		MaxStepDt:                  ptrFloat64(e.GetMaxStepDt()),
		HeavyFraction:              ptrFloat64(e.GetHeavyFraction()),
		SpeedFactorMin:             ptrFloat64(e.GetSpeedFactorMin()),
		SpeedFactorMax:             ptrFloat64(e.GetSpeedFactorMax()),
		StandardLength:             ptrFloat64(e.GetStandardLength()),
		HeavyLength:                ptrFloat64(e.GetHeavyLength()),
		IdleEmissionRate:           ptrFloat64(e.GetIdleEmissionRate()),
		AccelEmissionRate:          ptrFloat64(e.GetAccelEmissionRate()),
		RunningEmissionRate:        ptrFloat64(e.GetRunningEmissionRate()),
		HeavyEmissionMultiplier:    ptrFloat64(e.GetHeavyEmissionMultiplier()),
		MinGreenSecs:               ptrInt(e.GetMinGreenSecs()),
		YellowSecs:                 ptrInt(e.GetYellowSecs()),
		ShortExtensionSecs:         ptrInt(e.GetShortExtensionSecs()),
		LongExtensionSecs:          ptrInt(e.GetLongExtensionSecs()),
		MaxGreenSecs:               ptrInt(e.GetMaxGreenSecs()),
		PassReward:                 ptrFloat64(e.GetPassReward()),
		QueuePenalty:               ptrFloat64(e.GetQueuePenalty()),
		EmissionPenalty:            ptrFloat64(e.GetEmissionPenalty()),
		EpisodeHorizon:             ptrInt(e.GetEpisodeHorizon()),
		RewardHistoryLen:           ptrInt(e.GetRewardHistoryLen()),
		DefaultAction:              ptrInt(e.GetDefaultAction()),
		FrameInterval:              ptrString(e.GetFrameInterval().String()),
		DecisionInterval:           ptrString(e.GetDecisionInterval().String()),
		SpawnInterval:              ptrString(e.GetSpawnInterval().String()),
		LearnTimeout:               ptrString(e.GetLearnTimeout().String()),
		AutoSpawn:                  ptrBool(e.GetAutoSpawn()),
		AgentMaxFailures:           ptrInt(e.GetAgentMaxFailures()),
		AgentRetryAfter:            ptrString(e.GetAgentRetryAfter().String()),
		Weather:                    ptrString(e.GetWeather()),
	}
}

// LoadSimConfig loads a SimConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted from
// the file keep their built-in defaults.
func LoadSimConfig(path string) (*SimConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySimConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *SimConfig) Validate() error {
	if c.Weather != nil {
		if _, err := LookupWeather(*c.Weather); err != nil {
			return err
		}
	}

	if c.GetStopZoneNear() < 0 || c.GetStopZoneNear() >= c.GetStopZoneFar() {
		return fmt.Errorf("stop zone must satisfy 0 <= near < far, got near=%g far=%g", c.GetStopZoneNear(), c.GetStopZoneFar())
	}
	if c.GetSpeedFactorMin() <= 0 || c.GetSpeedFactorMin() > c.GetSpeedFactorMax() {
		return fmt.Errorf("speed factor band must satisfy 0 < min <= max, got min=%g max=%g", c.GetSpeedFactorMin(), c.GetSpeedFactorMax())
	}
	if f := c.GetHeavyFraction(); f < 0 || f > 1 {
		return fmt.Errorf("heavy_fraction must be between 0 and 1, got %f", f)
	}
	if c.GetAcceleration() <= 0 || c.GetBraking() <= 0 {
		return fmt.Errorf("acceleration and braking must be positive, got %g and %g", c.GetAcceleration(), c.GetBraking())
	}
	if c.GetMaxStepDt() <= 0 {
		return fmt.Errorf("max_step_dt must be positive, got %g", c.GetMaxStepDt())
	}

	for name, v := range map[string]int{
		"min_green_secs":       c.GetMinGreenSecs(),
		"yellow_secs":          c.GetYellowSecs(),
		"short_extension_secs": c.GetShortExtensionSecs(),
		"long_extension_secs":  c.GetLongExtensionSecs(),
		"max_green_secs":       c.GetMaxGreenSecs(),
		"episode_horizon":      c.GetEpisodeHorizon(),
		"reward_history_len":   c.GetRewardHistoryLen(),
		"agent_max_failures":   c.GetAgentMaxFailures(),
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if a := c.GetDefaultAction(); a < 0 || a > 2 {
		return fmt.Errorf("default_action must be 0, 1 or 2, got %d", a)
	}

	for name, s := range map[string]*string{
		"frame_interval":    c.FrameInterval,
		"decision_interval": c.DecisionInterval,
		"spawn_interval":    c.SpawnInterval,
		"learn_timeout":     c.LearnTimeout,
		"agent_retry_after": c.AgentRetryAfter,
	} {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

func (c *SimConfig) GetCanvasWidth() float64  { return getFloat(c.CanvasWidth, 800) }
func (c *SimConfig) GetCanvasHeight() float64 { return getFloat(c.CanvasHeight, 800) }
func (c *SimConfig) GetLaneOffset() float64   { return getFloat(c.LaneOffset, 20) }
func (c *SimConfig) GetBoundsMargin() float64 { return getFloat(c.BoundsMargin, 100) }
func (c *SimConfig) GetSpawnOffset() float64  { return getFloat(c.SpawnOffset, 50) }

// GetStopZoneNear returns the distance before the center at which the
// stop-zone band ends (the stop line side).
func (c *SimConfig) GetStopZoneNear() float64 { return getFloat(c.StopZoneNear, 70) }

// GetStopZoneFar returns the distance before the center at which the
// stop-zone band begins.
func (c *SimConfig) GetStopZoneFar() float64 { return getFloat(c.StopZoneFar, 130) }

func (c *SimConfig) GetMinGap() float64           { return getFloat(c.MinGap, 75) }
func (c *SimConfig) GetHeavyMinGap() float64      { return getFloat(c.HeavyMinGap, 100) }
func (c *SimConfig) GetLateralTolerance() float64 { return getFloat(c.LateralTolerance, 10) }

func (c *SimConfig) GetSpawnClearanceLateral() float64 {
	return getFloat(c.SpawnClearanceLateral, 30)
}

func (c *SimConfig) GetSpawnClearanceLongitudinal() float64 {
	return getFloat(c.SpawnClearanceLongitudinal, 80)
}

func (c *SimConfig) GetAcceleration() float64       { return getFloat(c.Acceleration, 0.05) }
func (c *SimConfig) GetBraking() float64            { return getFloat(c.Braking, 0.15) }
func (c *SimConfig) GetStopSpeedThreshold() float64 { return getFloat(c.StopSpeedThreshold, 0.1) }
func (c *SimConfig) GetAccelEpsilon() float64       { return getFloat(c.AccelEpsilon, 0.01) }

// GetMaxStepDt returns the integration step clamp in seconds.
func (c *SimConfig) GetMaxStepDt() float64 { return getFloat(c.MaxStepDt, 0.1) }

func (c *SimConfig) GetHeavyFraction() float64  { return getFloat(c.HeavyFraction, 0.15) }
func (c *SimConfig) GetSpeedFactorMin() float64 { return getFloat(c.SpeedFactorMin, 0.8) }
func (c *SimConfig) GetSpeedFactorMax() float64 { return getFloat(c.SpeedFactorMax, 1.2) }
func (c *SimConfig) GetStandardLength() float64 { return getFloat(c.StandardLength, 20) }
func (c *SimConfig) GetHeavyLength() float64    { return getFloat(c.HeavyLength, 34) }

func (c *SimConfig) GetIdleEmissionRate() float64    { return getFloat(c.IdleEmissionRate, 0.5) }
func (c *SimConfig) GetAccelEmissionRate() float64   { return getFloat(c.AccelEmissionRate, 2.0) }
func (c *SimConfig) GetRunningEmissionRate() float64 { return getFloat(c.RunningEmissionRate, 1.0) }

func (c *SimConfig) GetHeavyEmissionMultiplier() float64 {
	return getFloat(c.HeavyEmissionMultiplier, 2.5)
}

func (c *SimConfig) GetMinGreenSecs() int       { return getInt(c.MinGreenSecs, 10) }
func (c *SimConfig) GetYellowSecs() int         { return getInt(c.YellowSecs, 3) }
func (c *SimConfig) GetShortExtensionSecs() int { return getInt(c.ShortExtensionSecs, 5) }
func (c *SimConfig) GetLongExtensionSecs() int  { return getInt(c.LongExtensionSecs, 10) }
func (c *SimConfig) GetMaxGreenSecs() int       { return getInt(c.MaxGreenSecs, 30) }

func (c *SimConfig) GetPassReward() float64      { return getFloat(c.PassReward, 10) }
func (c *SimConfig) GetQueuePenalty() float64    { return getFloat(c.QueuePenalty, 0.1) }
func (c *SimConfig) GetEmissionPenalty() float64 { return getFloat(c.EmissionPenalty, 0.05) }

func (c *SimConfig) GetEpisodeHorizon() int   { return getInt(c.EpisodeHorizon, 100) }
func (c *SimConfig) GetRewardHistoryLen() int { return getInt(c.RewardHistoryLen, 50) }

// GetDefaultAction returns the action applied when no real decision is
// requested (forced yellow→green) or the agent is degraded.
func (c *SimConfig) GetDefaultAction() int { return getInt(c.DefaultAction, 0) }

func (c *SimConfig) GetFrameInterval() time.Duration {
	return getDuration(c.FrameInterval, 16*time.Millisecond)
}

func (c *SimConfig) GetDecisionInterval() time.Duration {
	return getDuration(c.DecisionInterval, time.Second)
}

func (c *SimConfig) GetSpawnInterval() time.Duration {
	return getDuration(c.SpawnInterval, 800*time.Millisecond)
}

func (c *SimConfig) GetLearnTimeout() time.Duration {
	return getDuration(c.LearnTimeout, 5*time.Second)
}

func (c *SimConfig) GetAutoSpawn() bool {
	if c.AutoSpawn == nil {
		return true
	}
	return *c.AutoSpawn
}

func (c *SimConfig) GetAgentMaxFailures() int { return getInt(c.AgentMaxFailures, 3) }

func (c *SimConfig) GetAgentRetryAfter() time.Duration {
	return getDuration(c.AgentRetryAfter, 30*time.Second)
}

func (c *SimConfig) GetWeather() string {
	if c.Weather == nil || *c.Weather == "" {
		return WeatherClear
	}
	return *c.Weather
}
