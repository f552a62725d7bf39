package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/graph"
)

// Detector runs the cross-source contradiction patterns over the
// currently visible signal edges of an airport.
type Detector struct {
	graph *graph.Store
	clock contracts.Clock
}

func NewDetector(g *graph.Store) *Detector {
	return &Detector{graph: g, clock: contracts.WallClock{}}
}

func (d *Detector) WithClock(c contracts.Clock) *Detector {
	d.clock = c
	return d
}

// Detect scans the airport's visible signal edges and records any
// contradictions found. Detection is idempotent: re-running over the same
// edges returns the same records.
func (d *Detector) Detect(ctx context.Context, airportICAO string) ([]contracts.Contradiction, error) {
	node, err := d.graph.NodeByIdentity(ctx, "AIRPORT", airportICAO)
	if err == graph.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	edges, err := d.graph.Neighbors(ctx, node.ID, now, now)
	if err != nil {
		return nil, err
	}

	var faa, weather, movement *contracts.Edge
	var newestOther *contracts.Edge
	for i := range edges {
		e := &edges[i]
		switch e.Type {
		case EdgeHasStatus:
			faa = e
		case EdgeHasWeather:
			weather = e
		case EdgeHasMovement:
			movement = e
		}
		if e.Type != EdgeHasStatus {
			if newestOther == nil || e.IngestedAt.After(newestOther.IngestedAt) {
				newestOther = e
			}
		}
	}

	var out []contracts.Contradiction

	faaNormal := faa != nil && attrString(faa, "status") == "NORMAL"
	weatherHigh := weather != nil && attrString(weather, "severity") == SeverityHigh
	weatherLow := weather != nil && attrString(weather, "severity") == SeverityLow
	collapsed := movement != nil && attrBool(movement, "collapsed")

	if faaNormal && weatherHigh {
		c, err := d.graph.RecordContradiction(ctx, faa.ID, weather.ID,
			ContradictionFAAWeather, SeverityHigh,
			fmt.Sprintf("FAA reports NORMAL operations while weather severity is HIGH (%s)",
				attrString(weather, "flight_category")))
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	if faaNormal && collapsed {
		c, err := d.graph.RecordContradiction(ctx, faa.ID, movement.ID,
			ContradictionFAAMovement, SeverityHigh,
			fmt.Sprintf("FAA reports NORMAL operations while movements collapsed (%v observed, baseline %v)",
				movement.Attrs["count"], movement.Attrs["baseline"]))
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	if weatherLow && collapsed {
		c, err := d.graph.RecordContradiction(ctx, weather.ID, movement.ID,
			ContradictionWeatherMovement, SeverityMedium,
			"weather severity is LOW but aircraft movements collapsed")
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	if faa != nil && newestOther != nil &&
		newestOther.IngestedAt.Sub(faa.IngestedAt) > faaStaleness {
		c, err := d.graph.RecordContradiction(ctx, faa.ID, newestOther.ID,
			ContradictionStaleFAA, SeverityMedium,
			fmt.Sprintf("FAA data is %s older than the newest signal",
				newestOther.IngestedAt.Sub(faa.IngestedAt).Round(time.Second)))
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	return out, nil
}

func attrString(e *contracts.Edge, key string) string {
	if v, ok := e.Attrs[key].(string); ok {
		return v
	}
	return ""
}

func attrBool(e *contracts.Edge, key string) bool {
	if v, ok := e.Attrs[key].(bool); ok {
		return v
	}
	return false
}
