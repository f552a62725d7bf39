package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/sources"
)

type asOfRequest struct {
	EventTime  time.Time `json:"event_time"`
	IngestTime time.Time `json:"ingest_time"`
}

// handleBitemporalBeliefs returns the graph rows visible at the requested
// (event_time, ingest_time) pair. Zero times default to now.
func (s *Service) handleBitemporalBeliefs(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req asOfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body: event_time and ingest_time must be RFC 3339")
		return
	}
	now := s.Clock.Now()
	if req.EventTime.IsZero() {
		req.EventTime = now
	}
	if req.IngestTime.IsZero() {
		req.IngestTime = now
	}
	view, err := s.Graph.AsOf(r.Context(), req.EventTime, req.IngestTime)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// handleCascade returns the downstream flights, shipments and bookings
// reachable from the airport node, plus its current signal edges.
func (s *Service) handleCascade(w http.ResponseWriter, r *http.Request) {
	icao := r.PathValue("icao")
	node, err := s.Graph.NodeByIdentity(r.Context(), "AIRPORT", icao)
	if errors.Is(err, graph.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("airport %s not in graph", icao))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	now := s.Clock.Now()
	edges, err := s.Graph.Traverse(r.Context(), node.ID, 3, now, now)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	out := map[string]any{"airport": icao}
	var flights, shipments, bookings, sigs []contracts.Edge
	for _, e := range edges {
		switch e.Type {
		case graph.EdgeHasFlight:
			flights = append(flights, e)
		case graph.EdgeHasShipment:
			shipments = append(shipments, e)
		case graph.EdgeHasBooking:
			bookings = append(bookings, e)
		default:
			sigs = append(sigs, e)
		}
	}
	out["flights"] = flights
	out["shipments"] = shipments
	out["bookings"] = bookings
	out["signals"] = sigs
	WriteJSON(w, http.StatusOK, out)
}

// ingestTools is the full fetch set used for caseless pre-seeding.
var ingestTools = []string{"fetch_faa_status", "fetch_weather", "fetch_taf", "fetch_alerts", "fetch_opensky"}

// handleIngestAirport fetches every configured source for the airport and
// persists the results, outside any case. Useful to warm the graph before
// opening a disruption case.
func (s *Service) handleIngestAirport(w http.ResponseWriter, r *http.Request) {
	icao := r.PathValue("icao")
	outcomes := s.Registry.FetchAll(r.Context(), icao, ingestTools)

	succeeded := []string{}
	failed := []string{}
	errs := []string{}
	for _, out := range outcomes {
		if out.Err != nil {
			failed = append(failed, out.Err.Source)
			errs = append(errs, out.Err.Error())
			continue
		}
		if err := s.ingestResult(r.Context(), icao, out.Result); err != nil {
			failed = append(failed, out.Result.Source)
			errs = append(errs, err.Error())
			continue
		}
		succeeded = append(succeeded, out.Result.Source)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"sources_succeeded": succeeded,
		"sources_failed":    failed,
		"errors":            errs,
	})
}

// ingestResult stores one fetched payload and derives its signal edges.
func (s *Service) ingestResult(ctx context.Context, icao string, res *sources.Result) error {
	var observed *time.Time
	switch {
	case res.FAAStatus != nil && !res.FAAStatus.ObservedAt.IsZero():
		t := res.FAAStatus.ObservedAt
		observed = &t
	case res.Weather != nil && !res.Weather.ObservedAt.IsZero():
		t := res.Weather.ObservedAt
		observed = &t
	case res.Forecast != nil && !res.Forecast.IssuedAt.IsZero():
		t := res.Forecast.IssuedAt
		observed = &t
	case res.Movement != nil && !res.Movement.ObservedAt.IsZero():
		t := res.Movement.ObservedAt
		observed = &t
	}
	ev, err := s.Evidence.Put(ctx, evidence.PutInput{
		SourceSystem:   res.Source,
		SourceRef:      res.SourceRef,
		ContentType:    res.ContentType,
		Payload:        res.Payload,
		EventTimeStart: observed,
		Meta:           map[string]any{"ingest": "api"},
	})
	if err != nil {
		return err
	}
	switch {
	case res.FAAStatus != nil:
		_, err = s.deriver.DeriveFAAStatus(ctx, *res.FAAStatus, ev.ID)
	case res.Weather != nil:
		_, err = s.deriver.DeriveWeather(ctx, *res.Weather, ev.ID)
	case res.Forecast != nil:
		_, err = s.deriver.DeriveForecast(ctx, *res.Forecast, ev.ID)
	case res.Movement != nil:
		_, err = s.deriver.DeriveMovement(ctx, *res.Movement, ev.ID)
	default:
		_, err = s.deriver.DeriveAlerts(ctx, icao, res.Alerts, ev.ID)
	}
	return err
}
