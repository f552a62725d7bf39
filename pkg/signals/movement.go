package signals

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// movementBaselines are expected hourly movement counts per airport.
// Unlisted airports fall back to defaultBaseline.
var movementBaselines = map[string]int{
	"KJFK": 150,
	"KLAX": 140,
	"KORD": 160,
	"KATL": 180,
	"KDFW": 130,
	"KDEN": 120,
	"KMIA": 100,
	"KSFO": 110,
	"KBOS": 90,
	"KSEA": 80,
	"KLAS": 70,
	"KMCO": 60,
	"KEWR": 80,
	"KPHX": 70,
}

var defaultBaseline = 100

// MovementBaseline returns the expected movement count for an airport.
func MovementBaseline(icao string) int {
	if b, ok := movementBaselines[icao]; ok {
		return b
	}
	return defaultBaseline
}

type baselineFile struct {
	Default   int            `yaml:"default"`
	Baselines map[string]int `yaml:"baselines"`
}

// LoadBaselines merges per-airport overrides from a YAML file into the
// built-in table. Entries with non-positive counts are rejected.
func LoadBaselines(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read baselines: %w", err)
	}
	var f baselineFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse baselines: %w", err)
	}
	for icao, count := range f.Baselines {
		if count <= 0 {
			return fmt.Errorf("baseline for %s must be positive, got %d", icao, count)
		}
	}
	if f.Default < 0 {
		return fmt.Errorf("default baseline must be positive, got %d", f.Default)
	}
	if f.Default > 0 {
		defaultBaseline = f.Default
	}
	for icao, count := range f.Baselines {
		movementBaselines[icao] = count
	}
	return nil
}

// MovementCollapsed reports whether observed traffic has collapsed:
// strictly below half the baseline. Exactly half is not a collapse.
func MovementCollapsed(count, baseline int) bool {
	return float64(count) < float64(baseline)*0.5
}
