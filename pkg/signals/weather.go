package signals

// Severity grades for weather and contradictions.
const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

// hazardous weather phenomena: thunderstorm, hail, funnel cloud,
// sandstorm, duststorm.
var severeWxCodes = map[string]bool{
	"TS": true,
	"GR": true,
	"FC": true,
	"SS": true,
	"DS": true,
}

// WeatherSeverity grades an observation.
//
// HIGH when the field is at or below IFR minima, a severe phenomenon is
// present, or winds are strong enough to disrupt ground handling.
// MEDIUM when conditions are marginal. LOW otherwise.
func WeatherSeverity(obs WeatherObservation) string {
	if obs.FlightCategory == "LIFR" || obs.FlightCategory == "IFR" {
		return SeverityHigh
	}
	for _, code := range obs.WxCodes {
		if severeWxCodes[trimIntensity(code)] {
			return SeverityHigh
		}
	}
	if obs.GustKt >= 35 || obs.WindKt >= 25 {
		return SeverityHigh
	}

	if obs.FlightCategory == "MVFR" {
		return SeverityMedium
	}
	if obs.GustKt >= 25 || obs.WindKt >= 15 {
		return SeverityMedium
	}
	if obs.VisibilitySM > 0 && obs.VisibilitySM < 3 {
		return SeverityMedium
	}
	if obs.CeilingFt > 0 && obs.CeilingFt < 1000 {
		return SeverityMedium
	}
	return SeverityLow
}

// ForecastSeverity grades a forecast group with the same thresholds as a
// current observation.
func ForecastSeverity(fc WeatherForecast) string {
	return WeatherSeverity(WeatherObservation{
		FlightCategory: fc.FlightCategory,
		WindKt:         fc.WindKt,
		GustKt:         fc.GustKt,
		VisibilitySM:   fc.VisibilitySM,
		CeilingFt:      fc.CeilingFt,
		WxCodes:        fc.WxCodes,
	})
}

// trimIntensity strips METAR intensity/proximity prefixes so "+TSRA" and
// "VCTS" both match "TS".
func trimIntensity(code string) string {
	for len(code) > 0 && (code[0] == '+' || code[0] == '-') {
		code = code[1:]
	}
	if len(code) >= 4 && code[:2] == "VC" {
		code = code[2:]
	}
	if len(code) > 2 {
		// Compound code like TSRA: the leading descriptor decides.
		code = code[:2]
	}
	return code
}
