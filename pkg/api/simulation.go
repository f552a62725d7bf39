package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/graph"
	"github.com/windward-ops/gateposture/pkg/simulation"
	"github.com/windward-ops/gateposture/pkg/sources"
)

// seedSource marks rows written by the demo seed so they can be cleared.
const seedSource = "SEED"

const seedName = "demo-cascade-v1"

func (s *Service) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	builtin := simulation.Builtin()
	list := make([]map[string]string, 0, len(builtin))
	for name, sc := range builtin {
		list = append(list, map[string]string{"id": name, "airport": sc.Airport})
	}
	sort.Slice(list, func(i, j int) bool { return list[i]["id"] < list[j]["id"] })
	WriteJSON(w, http.StatusOK, map[string]any{"scenarios": list})
}

// handleRunScenario opens a case for the scenario's airport and runs it
// against the scripted sources.
func (s *Service) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sc, ok := simulation.Builtin()[id]
	if !ok {
		WriteNotFound(w, fmt.Sprintf("scenario %s not found", id))
		return
	}
	c, err := s.Cases.CreateCase(r.Context(), contracts.CaseAirportDisruption,
		map[string]any{"airport": sc.Airport, "scenario": sc.Name})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	registry := sources.NewRegistry(0)
	simulation.Register(registry, sc)
	s.runAndRespond(w, r, c.ID, registry)
}

// seed entity identifiers, scoped per airport so repeated seeds dedupe.
type seedEntity struct {
	nodeType string
	ident    string
	parent   int // index into the entity list, -1 for the airport
	edgeType string
	attrs    map[string]any
}

func seedEntities(icao string) []seedEntity {
	f1 := icao + "-DL0142"
	f2 := icao + "-UA0881"
	s1 := "SHP-" + icao + "-1001"
	s2 := "SHP-" + icao + "-1002"
	b1 := "BKG-" + icao + "-2001"
	b2 := "BKG-" + icao + "-2002"
	return []seedEntity{
		{nodeType: "FLIGHT", ident: f1, parent: -1, edgeType: graph.EdgeHasFlight, attrs: map[string]any{"flight_no": "DL0142"}},
		{nodeType: "FLIGHT", ident: f2, parent: -1, edgeType: graph.EdgeHasFlight, attrs: map[string]any{"flight_no": "UA0881"}},
		{nodeType: "SHIPMENT", ident: s1, parent: 0, edgeType: graph.EdgeHasShipment, attrs: map[string]any{"shipment_ref": s1}},
		{nodeType: "SHIPMENT", ident: s2, parent: 1, edgeType: graph.EdgeHasShipment, attrs: map[string]any{"shipment_ref": s2}},
		{nodeType: "BOOKING", ident: b1, parent: 2, edgeType: graph.EdgeHasBooking, attrs: map[string]any{"booking_ref": b1}},
		{nodeType: "BOOKING", ident: b2, parent: 3, edgeType: graph.EdgeHasBooking, attrs: map[string]any{"booking_ref": b2}},
	}
}

// handleSeedAirport writes a small demo cascade under the airport:
// flights, shipments and bookings, each edge bound to one seed evidence
// row. With ?refresh=true the previous seed edges are retracted first.
func (s *Service) handleSeedAirport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	icao := r.PathValue("icao")
	refresh := r.URL.Query().Get("refresh") == "true"

	cleared := 0
	if refresh {
		n, err := s.retractSeedEdges(ctx, icao)
		if err != nil && !errors.Is(err, graph.ErrNotFound) {
			WriteInternal(w, err)
			return
		}
		cleared = n
	}

	entities := seedEntities(icao)
	payload, _ := json.Marshal(map[string]any{"seed": seedName, "airport": icao})
	ev, err := s.Evidence.Put(ctx, evidence.PutInput{
		SourceSystem: seedSource,
		SourceRef:    "seed:" + icao,
		ContentType:  "application/json",
		Payload:      payload,
		Meta:         map[string]any{"seed": seedName},
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	nodesCreated := 0
	upsert := func(nodeType, ident string) (*contracts.Node, error) {
		_, err := s.Graph.NodeByIdentity(ctx, nodeType, ident)
		if errors.Is(err, graph.ErrNotFound) {
			nodesCreated++
		} else if err != nil {
			return nil, err
		}
		return s.Graph.UpsertNode(ctx, nodeType, ident)
	}

	airport, err := upsert("AIRPORT", icao)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	nodes := make([]*contracts.Node, len(entities))
	for i, e := range entities {
		n, err := upsert(e.nodeType, e.ident)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		nodes[i] = n
	}
	for i, e := range entities {
		src := airport.ID
		if e.parent >= 0 {
			src = nodes[e.parent].ID
		}
		_, err := s.Graph.InsertEdge(ctx, graph.EdgeInput{
			Src:          src,
			Dst:          nodes[i].ID,
			Type:         e.edgeType,
			Attrs:        e.attrs,
			Status:       contracts.StatusFact,
			SourceSystem: seedSource,
			Confidence:   1.0,
			EvidenceIDs:  []string{ev.ID},
		})
		if err != nil {
			WriteInternal(w, err)
			return
		}
	}

	resp := map[string]any{
		"seed_used":     seedName,
		"nodes_created": nodesCreated,
	}
	if refresh {
		resp["cleared"] = cleared
	}
	WriteJSON(w, http.StatusOK, resp)
}

// handleUnseedAirport retracts the demo cascade edges. Nodes stay: the
// graph is append-only, so removal is retraction, not deletion.
func (s *Service) handleUnseedAirport(w http.ResponseWriter, r *http.Request) {
	icao := r.PathValue("icao")
	n, err := s.retractSeedEdges(r.Context(), icao)
	if errors.Is(err, graph.ErrNotFound) {
		WriteNotFound(w, fmt.Sprintf("airport %s not in graph", icao))
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"edges_deleted": n,
		"nodes_deleted": 0,
	})
}

func (s *Service) retractSeedEdges(ctx context.Context, icao string) (int, error) {
	node, err := s.Graph.NodeByIdentity(ctx, "AIRPORT", icao)
	if errors.Is(err, graph.ErrNotFound) {
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	now := s.Clock.Now()
	edges, err := s.Graph.Traverse(ctx, node.ID, 3, now, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range edges {
		if e.SourceSystem != seedSource {
			continue
		}
		if err := s.Graph.RetractEdge(ctx, e.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
