package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Weather mode names accepted by LookupWeather.
const (
	WeatherClear = "clear"
	WeatherRain  = "rain"
	WeatherFog   = "fog"
	WeatherSnow  = "snow"
)

// ErrUnknownWeather is returned for weather modes without a preset.
var ErrUnknownWeather = errors.New("unknown weather mode")

// Weather is a driving-conditions preset.
type Weather struct {
	Name string `json:"name"`
	// BaseSpeed is the nominal maximum speed before the per-vehicle factor.
	BaseSpeed float64 `json:"base_speed"`
	// Severity is in [0,1]; 0 is ideal conditions.
	Severity float64 `json:"severity"`
}

var weatherPresets = map[string]Weather{
	WeatherClear: {Name: WeatherClear, BaseSpeed: 3.0, Severity: 0},
	WeatherRain:  {Name: WeatherRain, BaseSpeed: 2.4, Severity: 0.4},
	WeatherFog:   {Name: WeatherFog, BaseSpeed: 2.1, Severity: 0.6},
	WeatherSnow:  {Name: WeatherSnow, BaseSpeed: 1.6, Severity: 0.9},
}

// LookupWeather returns the preset for mode. Matching ignores case and
// surrounding whitespace.
func LookupWeather(mode string) (Weather, error) {
	w, ok := weatherPresets[strings.ToLower(strings.TrimSpace(mode))]
	if !ok {
		return Weather{}, fmt.Errorf("%w %q (valid: %s)", ErrUnknownWeather, mode, strings.Join(WeatherModes(), ", "))
	}
	return w, nil
}

// WeatherModes lists the preset names in sorted order.
func WeatherModes() []string {
	modes := make([]string, 0, len(weatherPresets))
	for name := range weatherPresets {
		modes = append(modes, name)
	}
	sort.Strings(modes)
	return modes
}
