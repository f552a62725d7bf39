package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/signals"
	"github.com/windward-ops/gateposture/pkg/sources"
)

// ErrFeedDown stands in for the transport errors a live source produces.
var ErrFeedDown = errors.New("simulated feed unavailable")

// failErr turns a scripted failure mode into a classified source error.
func failErr(source, mode string) error {
	kind := contracts.SourcePermanent
	if mode == FailTransient {
		kind = contracts.SourceTransient
	}
	return &contracts.SourceError{Source: source, Kind: kind, Err: ErrFeedDown}
}

// simFetcher adapts one scenario section to the Fetcher interface.
type simFetcher struct {
	source   string
	tool     string
	scenario *Scenario
	fetch    func(sc *Scenario, airport string) (*sources.Result, error)
}

func (f *simFetcher) Source() string { return f.source }
func (f *simFetcher) Tool() string   { return f.tool }

func (f *simFetcher) Fetch(ctx context.Context, airportICAO string) (*sources.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if airportICAO != f.scenario.Airport {
		return nil, &contracts.SourceError{
			Source: f.source,
			Kind:   contracts.SourcePermanent,
			Err:    fmt.Errorf("scenario %q has no data for %s", f.scenario.Name, airportICAO),
		}
	}
	return f.fetch(f.scenario, airportICAO)
}

// payload serializes the parsed signal the way a live fetcher keeps the
// raw response: the bytes are what lands in the evidence store.
func payload(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func ref(sc *Scenario, tool string) string {
	return fmt.Sprintf("sim:%s:%s:%s", sc.Name, tool, sc.Airport)
}

// Fetchers returns the five scenario-backed sources.
func Fetchers(sc *Scenario) []sources.Fetcher {
	return []sources.Fetcher{
		&simFetcher{source: signals.SourceFAA, tool: "fetch_faa_status", scenario: sc, fetch: fetchFAA},
		&simFetcher{source: signals.SourceMETAR, tool: "fetch_weather", scenario: sc, fetch: fetchWeather},
		&simFetcher{source: signals.SourceTAF, tool: "fetch_taf", scenario: sc, fetch: fetchForecast},
		&simFetcher{source: signals.SourceNWS, tool: "fetch_alerts", scenario: sc, fetch: fetchAlerts},
		&simFetcher{source: signals.SourceADSB, tool: "fetch_opensky", scenario: sc, fetch: fetchMovement},
	}
}

// Register wires the scenario's sources into a registry.
func Register(reg *sources.Registry, sc *Scenario) {
	for _, f := range Fetchers(sc) {
		reg.Register(f)
	}
}

func fetchFAA(sc *Scenario, airport string) (*sources.Result, error) {
	sig := sc.FAA
	if sig == nil {
		return nil, failErr(signals.SourceFAA, FailPermanent)
	}
	if sig.Fail != FailNone {
		return nil, failErr(signals.SourceFAA, sig.Fail)
	}
	status := signals.FAAStatus{
		Airport:    airport,
		Status:     sig.Status,
		Reason:     sig.Reason,
		ObservedAt: sc.observedAt(sig.AgeMinutes),
	}
	return &sources.Result{
		Source:      signals.SourceFAA,
		SourceRef:   ref(sc, "fetch_faa_status"),
		ContentType: "application/json",
		Payload:     payload(status),
		FAAStatus:   &status,
	}, nil
}

func fetchWeather(sc *Scenario, airport string) (*sources.Result, error) {
	sig := sc.Weather
	if sig == nil {
		return nil, failErr(signals.SourceMETAR, FailPermanent)
	}
	if sig.Fail != FailNone {
		return nil, failErr(signals.SourceMETAR, sig.Fail)
	}
	obs := signals.WeatherObservation{
		Station:        airport,
		FlightCategory: sig.FlightCategory,
		WindKt:         sig.WindKt,
		GustKt:         sig.GustKt,
		VisibilitySM:   sig.VisibilitySM,
		CeilingFt:      sig.CeilingFt,
		WxCodes:        sig.WxCodes,
		ObservedAt:     sc.observedAt(sig.AgeMinutes),
	}
	return &sources.Result{
		Source:      signals.SourceMETAR,
		SourceRef:   ref(sc, "fetch_weather"),
		ContentType: "application/json",
		Payload:     payload(obs),
		Weather:     &obs,
	}, nil
}

func fetchForecast(sc *Scenario, airport string) (*sources.Result, error) {
	sig := sc.Forecast
	if sig == nil {
		return nil, failErr(signals.SourceTAF, FailPermanent)
	}
	if sig.Fail != FailNone {
		return nil, failErr(signals.SourceTAF, sig.Fail)
	}
	hours := sig.ValidHours
	if hours == 0 {
		hours = 24
	}
	issued := sc.observedAt(sig.AgeMinutes)
	fc := signals.WeatherForecast{
		Station:        airport,
		FlightCategory: sig.FlightCategory,
		WindKt:         sig.WindKt,
		GustKt:         sig.GustKt,
		VisibilitySM:   sig.VisibilitySM,
		CeilingFt:      sig.CeilingFt,
		WxCodes:        sig.WxCodes,
		ValidFrom:      issued,
		ValidTo:        issued.Add(time.Duration(hours) * time.Hour),
		IssuedAt:       issued,
	}
	return &sources.Result{
		Source:      signals.SourceTAF,
		SourceRef:   ref(sc, "fetch_taf"),
		ContentType: "application/json",
		Payload:     payload(fc),
		Forecast:    &fc,
	}, nil
}

func fetchAlerts(sc *Scenario, airport string) (*sources.Result, error) {
	sig := sc.Alerts
	if sig == nil {
		return nil, failErr(signals.SourceNWS, FailPermanent)
	}
	if sig.Fail != FailNone {
		return nil, failErr(signals.SourceNWS, sig.Fail)
	}
	alerts := make([]signals.Alert, 0, len(sig.Alerts))
	for _, a := range sig.Alerts {
		alerts = append(alerts, signals.Alert{Event: a.Event, Severity: a.Severity, Headline: a.Headline})
	}
	return &sources.Result{
		Source:      signals.SourceNWS,
		SourceRef:   ref(sc, "fetch_alerts"),
		ContentType: "application/json",
		Payload:     payload(alerts),
		Alerts:      alerts,
	}, nil
}

func fetchMovement(sc *Scenario, airport string) (*sources.Result, error) {
	sig := sc.Movement
	if sig == nil {
		return nil, failErr(signals.SourceADSB, FailPermanent)
	}
	if sig.Fail != FailNone {
		return nil, failErr(signals.SourceADSB, sig.Fail)
	}
	window := sig.WindowMinutes
	if window == 0 {
		window = 60
	}
	sample := signals.MovementSample{
		Airport:       airport,
		Count:         sig.Count,
		WindowMinutes: window,
		ObservedAt:    sc.observedAt(sig.AgeMinutes),
	}
	return &sources.Result{
		Source:      signals.SourceADSB,
		SourceRef:   ref(sc, "fetch_opensky"),
		ContentType: "application/json",
		Payload:     payload(sample),
		Movement:    &sample,
	}, nil
}
