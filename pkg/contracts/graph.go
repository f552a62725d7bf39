package contracts

import "time"

// RowStatus is the lifecycle status shared by edges and claims.
// FACT requires at least one evidence binding; the stores enforce this.
type RowStatus string

const (
	StatusDraft      RowStatus = "DRAFT"
	StatusFact       RowStatus = "FACT"
	StatusHypothesis RowStatus = "HYPOTHESIS" // claims only
	StatusRetracted  RowStatus = "RETRACTED"
)

// Node identity is (Type, Identifier). Nodes are immutable; attribute
// changes appear only as new NodeVersion rows.
type Node struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
}

// NodeVersion is one version of a node's attributes with a
// [valid_from, valid_to) window. An open end means current.
type NodeVersion struct {
	ID           string         `json:"id"`
	NodeID       string         `json:"node_id"`
	Attrs        map[string]any `json:"attrs"`
	ValidFrom    time.Time      `json:"valid_from"`
	ValidTo      *time.Time     `json:"valid_to,omitempty"`
	SupersedesID string         `json:"supersedes_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Edge is a directed typed link carrying bi-temporal stamps: the event-time
// window is when the fact is true in the world, IngestedAt is when the
// system learned it.
type Edge struct {
	ID               string         `json:"id"`
	Src              string         `json:"src"`
	Dst              string         `json:"dst"`
	Type             string         `json:"type"`
	Attrs            map[string]any `json:"attrs"`
	Status           RowStatus      `json:"status"`
	SupersedesEdgeID string         `json:"supersedes_edge_id,omitempty"`
	EventTimeStart   *time.Time     `json:"event_time_start,omitempty"`
	EventTimeEnd     *time.Time     `json:"event_time_end,omitempty"`
	IngestedAt       time.Time      `json:"ingested_at"`
	ValidFrom        *time.Time     `json:"valid_from,omitempty"`
	ValidTo          *time.Time     `json:"valid_to,omitempty"`
	SourceSystem     string         `json:"source_system"`
	Confidence       float64        `json:"confidence"`
}

// Claim is a textual assertion about a subject node.
type Claim struct {
	ID                string     `json:"id"`
	Text              string     `json:"text"`
	SubjectNodeID     string     `json:"subject_node_id,omitempty"`
	Confidence        float64    `json:"confidence"`
	Status            RowStatus  `json:"status"`
	SupersedesClaimID string     `json:"supersedes_claim_id,omitempty"`
	EventTimeStart    *time.Time `json:"event_time_start,omitempty"`
	EventTimeEnd      *time.Time `json:"event_time_end,omitempty"`
	IngestedAt        time.Time  `json:"ingested_at"`
}

// ResolutionStatus is the lifecycle of a contradiction record.
type ResolutionStatus string

const (
	ContradictionOpen     ResolutionStatus = "OPEN"
	ContradictionResolved ResolutionStatus = "RESOLVED"
	ContradictionIgnored  ResolutionStatus = "IGNORED"
)

// Contradiction pairs two rows (claims or measured signal edges) that
// report conflicting information about the same scope.
type Contradiction struct {
	ID                string           `json:"id"`
	RowA              string           `json:"row_a"`
	RowB              string           `json:"row_b"`
	Kind              string           `json:"kind"`
	Severity          string           `json:"severity"`
	Explanation       string           `json:"explanation"`
	DetectedAt        time.Time        `json:"detected_at"`
	ResolutionStatus  ResolutionStatus `json:"resolution_status"`
	ResolvedByCase    string           `json:"resolved_by_case,omitempty"`
	ResolutionClaimID string           `json:"resolution_claim_id,omitempty"`
}

// GraphView is the result of a bi-temporal as-of read: the rows visible
// at (event_time, ingest_time), respecting supersession.
type GraphView struct {
	EventTime  time.Time `json:"event_time"`
	IngestTime time.Time `json:"ingest_time"`
	Edges      []Edge    `json:"edges"`
	Claims     []Claim   `json:"claims"`
}
