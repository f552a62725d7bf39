// Package simulation provides scenario-backed signal sources: fully
// deterministic stand-ins for the live FAA, METAR, TAF, NWS and ADS-B
// feeds, used in tests, demos, and replay.
package simulation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Failure modes a scenario can inject per source.
const (
	FailNone      = ""
	FailTransient = "transient"
	FailPermanent = "permanent"
)

// FAASignal is the scripted airport status feed.
type FAASignal struct {
	Fail       string `yaml:"fail,omitempty"`
	Status     string `yaml:"status"`
	Reason     string `yaml:"reason,omitempty"`
	AgeMinutes int    `yaml:"age_minutes,omitempty"`
}

// WeatherSignal is the scripted METAR feed.
type WeatherSignal struct {
	Fail           string   `yaml:"fail,omitempty"`
	FlightCategory string   `yaml:"flight_category"`
	WindKt         float64  `yaml:"wind_kt,omitempty"`
	GustKt         float64  `yaml:"gust_kt,omitempty"`
	VisibilitySM   float64  `yaml:"visibility_sm,omitempty"`
	CeilingFt      int      `yaml:"ceiling_ft,omitempty"`
	WxCodes        []string `yaml:"wx_codes,omitempty"`
	AgeMinutes     int      `yaml:"age_minutes,omitempty"`
}

// ForecastSignal is the scripted TAF feed. ValidHours sizes the validity
// window starting at the issue time; zero means 24 hours.
type ForecastSignal struct {
	Fail           string   `yaml:"fail,omitempty"`
	FlightCategory string   `yaml:"flight_category"`
	WindKt         float64  `yaml:"wind_kt,omitempty"`
	GustKt         float64  `yaml:"gust_kt,omitempty"`
	VisibilitySM   float64  `yaml:"visibility_sm,omitempty"`
	CeilingFt      int      `yaml:"ceiling_ft,omitempty"`
	WxCodes        []string `yaml:"wx_codes,omitempty"`
	ValidHours     int      `yaml:"valid_hours,omitempty"`
	AgeMinutes     int      `yaml:"age_minutes,omitempty"`
}

// AlertEntry is one scripted NWS alert.
type AlertEntry struct {
	Event    string `yaml:"event"`
	Severity string `yaml:"severity"`
	Headline string `yaml:"headline,omitempty"`
}

// AlertSignal is the scripted alert feed.
type AlertSignal struct {
	Fail   string       `yaml:"fail,omitempty"`
	Alerts []AlertEntry `yaml:"alerts,omitempty"`
}

// MovementSignal is the scripted ADS-B movement feed.
type MovementSignal struct {
	Fail          string `yaml:"fail,omitempty"`
	Count         int    `yaml:"count"`
	WindowMinutes int    `yaml:"window_minutes,omitempty"`
	AgeMinutes    int    `yaml:"age_minutes,omitempty"`
}

// Scenario scripts every source for one airport. A nil source section
// behaves like a permanent fetch failure.
type Scenario struct {
	Name     string          `yaml:"name"`
	Airport  string          `yaml:"airport"`
	BaseTime time.Time       `yaml:"base_time"`
	FAA      *FAASignal      `yaml:"faa,omitempty"`
	Weather  *WeatherSignal  `yaml:"weather,omitempty"`
	Forecast *ForecastSignal `yaml:"forecast,omitempty"`
	Alerts   *AlertSignal    `yaml:"alerts,omitempty"`
	Movement *MovementSignal `yaml:"movement,omitempty"`
}

// observedAt places a signal relative to the scenario base time.
func (s *Scenario) observedAt(ageMinutes int) time.Time {
	return s.BaseTime.Add(-time.Duration(ageMinutes) * time.Minute)
}

// LoadFile reads scenarios from a YAML file.
func LoadFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	var doc struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scenario file: %w", err)
	}
	for i := range doc.Scenarios {
		if doc.Scenarios[i].Name == "" || doc.Scenarios[i].Airport == "" {
			return nil, fmt.Errorf("scenario %d: name and airport are required", i)
		}
		if doc.Scenarios[i].BaseTime.IsZero() {
			doc.Scenarios[i].BaseTime = time.Now().UTC()
		}
	}
	return doc.Scenarios, nil
}

var simBase = time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

// Builtin returns the canned scenarios keyed by name.
func Builtin() map[string]*Scenario {
	return map[string]*Scenario{
		// Everything healthy. The case should resolve ACCEPT with no actions
		// beyond the posture itself.
		"normal_ops": {
			Name: "normal_ops", Airport: "KJFK", BaseTime: simBase,
			FAA:      &FAASignal{Status: "NORMAL"},
			Weather:  &WeatherSignal{FlightCategory: "VFR", WindKt: 8, VisibilitySM: 10, CeilingFt: 25000},
			Forecast: &ForecastSignal{FlightCategory: "VFR", WindKt: 10, VisibilitySM: 8, CeilingFt: 12000},
			Alerts:   &AlertSignal{},
			Movement: &MovementSignal{Count: 155, WindowMinutes: 60},
		},
		// Ground stop under a severe thunderstorm. High risk, HOLD posture,
		// approval-gated actions.
		"ground_stop_storm": {
			Name: "ground_stop_storm", Airport: "KJFK", BaseTime: simBase,
			FAA:      &FAASignal{Status: "GROUND_STOP", Reason: "THUNDERSTORMS"},
			Weather:  &WeatherSignal{FlightCategory: "IFR", WindKt: 28, GustKt: 41, VisibilitySM: 1.5, CeilingFt: 700, WxCodes: []string{"+TSRA"}},
			Forecast: &ForecastSignal{FlightCategory: "IFR", WindKt: 25, GustKt: 38, VisibilitySM: 2, CeilingFt: 900, WxCodes: []string{"TSRA"}, ValidHours: 6},
			Alerts: &AlertSignal{Alerts: []AlertEntry{
				{Event: "Severe Thunderstorm Warning", Severity: "Severe"},
			}},
			Movement: &MovementSignal{Count: 12, WindowMinutes: 60},
		},
		// FAA reports normal while traffic has collapsed: a movement
		// mismatch contradiction that should force re-evaluation.
		"quiet_collapse": {
			Name: "quiet_collapse", Airport: "KJFK", BaseTime: simBase,
			FAA:      &FAASignal{Status: "NORMAL"},
			Weather:  &WeatherSignal{FlightCategory: "VFR", WindKt: 6, VisibilitySM: 10, CeilingFt: 25000},
			Forecast: &ForecastSignal{FlightCategory: "VFR", WindKt: 8, VisibilitySM: 10, CeilingFt: 20000},
			Alerts:   &AlertSignal{},
			Movement: &MovementSignal{Count: 40, WindowMinutes: 60},
		},
		// FAA still reports NORMAL against fresh severe weather: a
		// weather-mismatch contradiction.
		"faa_lag": {
			Name: "faa_lag", Airport: "KORD", BaseTime: simBase,
			FAA:      &FAASignal{Status: "NORMAL", AgeMinutes: 25},
			Weather:  &WeatherSignal{FlightCategory: "LIFR", WindKt: 30, GustKt: 44, VisibilitySM: 0.5, CeilingFt: 300, WxCodes: []string{"FZFG"}},
			Forecast: &ForecastSignal{FlightCategory: "LIFR", WindKt: 28, GustKt: 40, VisibilitySM: 0.5, CeilingFt: 400, WxCodes: []string{"FZFG"}, ValidHours: 12},
			Alerts:   &AlertSignal{Alerts: []AlertEntry{{Event: "Winter Storm Warning", Severity: "Severe"}}},
			Movement: &MovementSignal{Count: 55, WindowMinutes: 60},
		},
		// METAR unavailable. A BLOCKING evidence gap: no posture without it,
		// even though the TAF (a DEGRADED source) is still up.
		"missing_weather": {
			Name: "missing_weather", Airport: "KLAX", BaseTime: simBase,
			FAA:      &FAASignal{Status: "NORMAL"},
			Weather:  &WeatherSignal{Fail: FailPermanent},
			Forecast: &ForecastSignal{FlightCategory: "VFR", WindKt: 9, VisibilitySM: 10, CeilingFt: 15000},
			Alerts:   &AlertSignal{},
			Movement: &MovementSignal{Count: 130, WindowMinutes: 60},
		},
		// ADS-B flaking. INFORMATIONAL gap only; the case still resolves.
		"adsb_outage": {
			Name: "adsb_outage", Airport: "KATL", BaseTime: simBase,
			FAA:      &FAASignal{Status: "NORMAL"},
			Weather:  &WeatherSignal{FlightCategory: "MVFR", WindKt: 12, VisibilitySM: 4, CeilingFt: 2500},
			Forecast: &ForecastSignal{FlightCategory: "MVFR", WindKt: 14, VisibilitySM: 5, CeilingFt: 3000},
			Alerts:   &AlertSignal{},
			Movement: &MovementSignal{Fail: FailTransient},
		},
	}
}
