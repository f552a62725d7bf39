package signals

import (
	"context"
	"fmt"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/graph"
)

// Deriver writes typed signal edges into the graph. Each derived edge is
// bound to the evidence row the payload was ingested under and supersedes
// the previous edge of the same kind for the airport. Edges land as FACT
// except sub-Severe alerts, which stay DRAFT.
type Deriver struct {
	graph *graph.Store
	clock contracts.Clock
}

func NewDeriver(g *graph.Store) *Deriver {
	return &Deriver{graph: g, clock: contracts.WallClock{}}
}

func (d *Deriver) WithClock(c contracts.Clock) *Deriver {
	d.clock = c
	return d
}

// airportNode resolves the airport node, creating it on first signal.
func (d *Deriver) airportNode(ctx context.Context, icao string) (*contracts.Node, error) {
	return d.graph.UpsertNode(ctx, "AIRPORT", icao)
}

// priorEdge finds the currently visible edge of the given type and source
// off the airport node, so the new observation can supersede it.
func (d *Deriver) priorEdge(ctx context.Context, nodeID, edgeType, source string) (string, error) {
	now := d.clock.Now()
	edges, err := d.graph.Neighbors(ctx, nodeID, now, now)
	if err != nil {
		return "", err
	}
	for _, e := range edges {
		if e.Type == edgeType && e.SourceSystem == source && e.Src == nodeID {
			return e.ID, nil
		}
	}
	return "", nil
}

func (d *Deriver) insert(ctx context.Context, nodeID, edgeType, source, evidenceID string, attrs map[string]any, status contracts.RowStatus, confidence float64) (*contracts.Edge, error) {
	prior, err := d.priorEdge(ctx, nodeID, edgeType, source)
	if err != nil {
		return nil, err
	}
	return d.graph.InsertEdge(ctx, graph.EdgeInput{
		Src:              nodeID,
		Dst:              fmt.Sprintf("%s:%s", edgeType, source),
		Type:             edgeType,
		Attrs:            attrs,
		Status:           status,
		SupersedesEdgeID: prior,
		SourceSystem:     source,
		Confidence:       confidence,
		EvidenceIDs:      []string{evidenceID},
	})
}

// DeriveFAAStatus records the airport operational status edge.
func (d *Deriver) DeriveFAAStatus(ctx context.Context, status FAAStatus, evidenceID string) (*contracts.Edge, error) {
	node, err := d.airportNode(ctx, status.Airport)
	if err != nil {
		return nil, err
	}
	return d.insert(ctx, node.ID, EdgeHasStatus, SourceFAA, evidenceID, map[string]any{
		"status":      status.Status,
		"reason":      status.Reason,
		"observed_at": status.ObservedAt,
	}, contracts.StatusFact, 1.0)
}

// DeriveWeather records the weather edge with its graded severity.
func (d *Deriver) DeriveWeather(ctx context.Context, obs WeatherObservation, evidenceID string) (*contracts.Edge, error) {
	node, err := d.airportNode(ctx, obs.Station)
	if err != nil {
		return nil, err
	}
	return d.insert(ctx, node.ID, EdgeHasWeather, SourceMETAR, evidenceID, map[string]any{
		"flight_category": obs.FlightCategory,
		"severity":        WeatherSeverity(obs),
		"wind_kt":         obs.WindKt,
		"gust_kt":         obs.GustKt,
		"visibility_sm":   obs.VisibilitySM,
		"ceiling_ft":      obs.CeilingFt,
		"wx_codes":        obs.WxCodes,
		"observed_at":     obs.ObservedAt,
	}, contracts.StatusFact, 1.0)
}

// DeriveForecast records the forecast edge. The edge's event window is
// the forecast validity window, half-open on valid_to, so point-in-time
// queries surface the forecast only while it applies.
func (d *Deriver) DeriveForecast(ctx context.Context, fc WeatherForecast, evidenceID string) (*contracts.Edge, error) {
	node, err := d.airportNode(ctx, fc.Station)
	if err != nil {
		return nil, err
	}
	prior, err := d.priorEdge(ctx, node.ID, EdgeHasForecast, SourceTAF)
	if err != nil {
		return nil, err
	}
	validFrom, validTo := fc.ValidFrom, fc.ValidTo
	return d.graph.InsertEdge(ctx, graph.EdgeInput{
		Src:  node.ID,
		Dst:  fmt.Sprintf("%s:%s", EdgeHasForecast, SourceTAF),
		Type: EdgeHasForecast,
		Attrs: map[string]any{
			"flight_category": fc.FlightCategory,
			"severity":        ForecastSeverity(fc),
			"wind_kt":         fc.WindKt,
			"gust_kt":         fc.GustKt,
			"visibility_sm":   fc.VisibilitySM,
			"ceiling_ft":      fc.CeilingFt,
			"wx_codes":        fc.WxCodes,
			"valid_from":      fc.ValidFrom,
			"valid_to":        fc.ValidTo,
			"issued_at":       fc.IssuedAt,
		},
		Status:           contracts.StatusFact,
		SupersedesEdgeID: prior,
		SourceSystem:     SourceTAF,
		Confidence:       0.9,
		EventTimeStart:   &validFrom,
		EventTimeEnd:     &validTo,
		EvidenceIDs:      []string{evidenceID},
	})
}

// DeriveAlerts records one alert edge per active alert. Severe and
// Extreme alerts land as FACT; lesser severities stay DRAFT. An empty
// bundle still supersedes prior alert edges by writing a cleared marker.
func (d *Deriver) DeriveAlerts(ctx context.Context, airport string, alerts []Alert, evidenceID string) ([]contracts.Edge, error) {
	node, err := d.airportNode(ctx, airport)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		e, err := d.insert(ctx, node.ID, EdgeHasAlert, SourceNWS, evidenceID,
			map[string]any{"active": false}, contracts.StatusFact, 1.0)
		if err != nil {
			return nil, err
		}
		return []contracts.Edge{*e}, nil
	}
	var out []contracts.Edge
	for _, a := range alerts {
		status := contracts.StatusDraft
		if a.Severity == "Severe" || a.Severity == "Extreme" {
			status = contracts.StatusFact
		}
		e, err := d.insert(ctx, node.ID, EdgeHasAlert, SourceNWS, evidenceID, map[string]any{
			"active":   true,
			"event":    a.Event,
			"severity": a.Severity,
			"headline": a.Headline,
		}, status, 1.0)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// DeriveMovement records the movement sample against the airport's
// baseline. Movement data is probabilistic, so it carries lower
// confidence than authority feeds.
func (d *Deriver) DeriveMovement(ctx context.Context, sample MovementSample, evidenceID string) (*contracts.Edge, error) {
	node, err := d.airportNode(ctx, sample.Airport)
	if err != nil {
		return nil, err
	}
	baseline := MovementBaseline(sample.Airport)
	return d.insert(ctx, node.ID, EdgeHasMovement, SourceADSB, evidenceID, map[string]any{
		"count":          sample.Count,
		"baseline":       baseline,
		"collapsed":      MovementCollapsed(sample.Count, baseline),
		"window_minutes": sample.WindowMinutes,
		"observed_at":    sample.ObservedAt,
	}, contracts.StatusFact, 0.8)
}
