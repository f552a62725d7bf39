// Package signals turns raw source payloads into graph rows: typed
// observations, derived status edges, and contradiction detection across
// independent sources.
package signals

import (
	"time"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// Source system names as recorded on evidence and edges.
const (
	SourceFAA   = "FAA"
	SourceMETAR = "METAR"
	SourceTAF   = "TAF"
	SourceNWS   = "NWS"
	SourceADSB  = "ADSB"
)

// Edge types derived from signals.
const (
	EdgeHasStatus   = "HAS_STATUS"
	EdgeHasWeather  = "HAS_WEATHER"
	EdgeHasForecast = "HAS_FORECAST"
	EdgeHasAlert    = "HAS_ALERT"
	EdgeHasMovement = "HAS_MOVEMENT"
)

// Contradiction kinds.
const (
	ContradictionFAAWeather      = "FAA_WEATHER_MISMATCH"
	ContradictionFAAMovement     = "FAA_MOVEMENT_MISMATCH"
	ContradictionWeatherMovement = "WEATHER_MOVEMENT_MISMATCH"
	ContradictionStaleFAA        = "STALE_FAA_DATA"
)

// faaStaleness is how much older FAA data may be than the newest signal
// from any other source before it counts as stale.
const faaStaleness = 15 * time.Minute

// Criticality grades a source for missing-evidence handling: a posture
// cannot be emitted without the BLOCKING sources.
func Criticality(source string) contracts.Criticality {
	switch source {
	case SourceFAA, SourceMETAR:
		return contracts.CriticalityBlocking
	case SourceNWS, SourceTAF:
		return contracts.CriticalityDegraded
	default:
		return contracts.CriticalityInformational
	}
}

// FAAStatus is the parsed airport operational status.
type FAAStatus struct {
	Airport    string    `json:"airport"`
	Status     string    `json:"status"` // NORMAL, GROUND_STOP, GROUND_DELAY, CLOSURE
	Reason     string    `json:"reason,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// WeatherObservation is a parsed METAR-style observation.
type WeatherObservation struct {
	Station        string    `json:"station"`
	FlightCategory string    `json:"flight_category"` // VFR, MVFR, IFR, LIFR
	WindKt         float64   `json:"wind_kt"`
	GustKt         float64   `json:"gust_kt"`
	VisibilitySM   float64   `json:"visibility_sm"`
	CeilingFt      int       `json:"ceiling_ft"`
	WxCodes        []string  `json:"wx_codes,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// WeatherForecast is a parsed TAF forecast group. The validity window is
// half-open: the forecast applies from ValidFrom up to but not including
// ValidTo.
type WeatherForecast struct {
	Station        string    `json:"station"`
	FlightCategory string    `json:"flight_category"`
	WindKt         float64   `json:"wind_kt"`
	GustKt         float64   `json:"gust_kt"`
	VisibilitySM   float64   `json:"visibility_sm"`
	CeilingFt      int       `json:"ceiling_ft"`
	WxCodes        []string  `json:"wx_codes,omitempty"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidTo        time.Time `json:"valid_to"`
	IssuedAt       time.Time `json:"issued_at"`
}

// Alert is one active weather or operational alert.
type Alert struct {
	Event    string `json:"event"`
	Severity string `json:"severity"`
	Headline string `json:"headline,omitempty"`
}

// MovementSample is an aircraft movement count over a sampling window.
type MovementSample struct {
	Airport       string    `json:"airport"`
	Count         int       `json:"count"`
	WindowMinutes int       `json:"window_minutes"`
	ObservedAt    time.Time `json:"observed_at"`
}
