package config

import (
	"fmt"
	"strings"

	"github.com/lazypower/tabflow/internal/engine"
)

// Aggressiveness levels.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// Levels lists the known aggressiveness levels, most aggressive first.
var Levels = []string{LevelHigh, LevelMedium, LevelLow}

type preset struct {
	countdown float64
	batch     float64
	decay     engine.DecayRates
}

var presets = map[string]preset{
	LevelHigh:   {countdown: 15, batch: 0.5, decay: engine.DecayRates{Normal: -0.1, ProtectedDomain: -0.05}},
	LevelMedium: {countdown: 30, batch: 1, decay: engine.DecayRates{Normal: -0.067, ProtectedDomain: -0.033}},
	LevelLow:    {countdown: 60, batch: 2, decay: engine.DecayRates{Normal: -0.033, ProtectedDomain: -0.016}},
}

// Preset returns the policy for an aggressiveness level. An empty level
// means medium. Threshold and protected domains come from the defaults.
func Preset(level string) (engine.Policy, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = LevelMedium
	}
	ps, ok := presets[level]
	if !ok {
		return engine.Policy{}, fmt.Errorf("unknown aggressiveness %q (want one of %s)", level, strings.Join(Levels, ", "))
	}

	p := engine.DefaultPolicy()
	p.CountdownMinutes = ps.countdown
	p.BatchIntervalMinutes = ps.batch
	p.Decay = ps.decay
	return p, nil
}
