// Package graph implements the bi-temporal disruption graph: immutable
// nodes with versioned attributes, evidence-bound edges and claims, and
// as-of reads over (event_time, ingest_time).
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// ErrNotFound is returned for unknown row ids.
var ErrNotFound = errors.New("graph row not found")

// Cascade edge types linking an airport to its downstream entities.
const (
	EdgeHasFlight   = "HAS_FLIGHT"
	EdgeHasShipment = "HAS_SHIPMENT"
	EdgeHasBooking  = "HAS_BOOKING"
)

// Store holds the graph tables. All writes go through methods that
// enforce the evidence-binding and immutability invariants inside a
// single transaction.
type Store struct {
	db    *sql.DB
	clock contracts.Clock
}

func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, clock: contracts.WallClock{}}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) WithClock(c contracts.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS node (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		identifier TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(type, identifier)
	);
	CREATE TABLE IF NOT EXISTS node_version (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL REFERENCES node(id),
		attrs JSON NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		supersedes_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_node_version_node ON node_version(node_id, valid_from);

	CREATE TABLE IF NOT EXISTS edge (
		id TEXT PRIMARY KEY,
		src TEXT NOT NULL,
		dst TEXT NOT NULL,
		type TEXT NOT NULL,
		attrs JSON,
		status TEXT NOT NULL,
		supersedes_edge_id TEXT,
		event_time_start TEXT,
		event_time_end TEXT,
		ingested_at TEXT NOT NULL,
		valid_from TEXT,
		valid_to TEXT,
		retracted_at TEXT,
		source_system TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 1.0
	);
	CREATE INDEX IF NOT EXISTS idx_edge_src ON edge(src, type);
	CREATE INDEX IF NOT EXISTS idx_edge_dst ON edge(dst, type);
	CREATE INDEX IF NOT EXISTS idx_edge_supersedes ON edge(supersedes_edge_id);

	CREATE TABLE IF NOT EXISTS edge_evidence (
		edge_id TEXT NOT NULL REFERENCES edge(id),
		evidence_id TEXT NOT NULL,
		PRIMARY KEY (edge_id, evidence_id)
	);

	CREATE TABLE IF NOT EXISTS claim (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		subject_node_id TEXT,
		confidence REAL NOT NULL DEFAULT 1.0,
		status TEXT NOT NULL,
		supersedes_claim_id TEXT,
		event_time_start TEXT,
		event_time_end TEXT,
		ingested_at TEXT NOT NULL,
		retracted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_claim_subject ON claim(subject_node_id);

	CREATE TABLE IF NOT EXISTS claim_evidence (
		claim_id TEXT NOT NULL REFERENCES claim(id),
		evidence_id TEXT NOT NULL,
		PRIMARY KEY (claim_id, evidence_id)
	);

	CREATE TABLE IF NOT EXISTS contradiction (
		id TEXT PRIMARY KEY,
		row_a TEXT NOT NULL,
		row_b TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		explanation TEXT,
		detected_at TEXT NOT NULL,
		resolution_status TEXT NOT NULL DEFAULT 'OPEN',
		resolved_by_case TEXT,
		resolution_claim_id TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_contradiction_pair
		ON contradiction(row_a, row_b, kind);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// --- nodes -----------------------------------------------------------------

// UpsertNode returns the node identified by (type, identifier), creating
// it if absent. Node rows are immutable once created.
func (s *Store) UpsertNode(ctx context.Context, nodeType, identifier string) (*contracts.Node, error) {
	now := s.clock.Now()
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node (id, type, identifier, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, identifier) DO NOTHING`,
		id, nodeType, identifier, ts(now))
	if err != nil {
		return nil, err
	}
	return s.NodeByIdentity(ctx, nodeType, identifier)
}

// NodeByIdentity looks up a node by its (type, identifier) identity.
func (s *Store) NodeByIdentity(ctx context.Context, nodeType, identifier string) (*contracts.Node, error) {
	var n contracts.Node
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, identifier, created_at FROM node WHERE type = ? AND identifier = ?`,
		nodeType, identifier).Scan(&n.ID, &n.Type, &n.Identifier, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.CreatedAt = parseTS(created)
	return &n, nil
}

// SetNodeAttrs records a new attribute version for the node, closing the
// previous open version at validFrom. The node row itself never changes.
func (s *Store) SetNodeAttrs(ctx context.Context, nodeID string, attrs map[string]any, validFrom time.Time) (*contracts.NodeVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM node_version WHERE node_id = ? AND valid_to IS NULL
		 ORDER BY valid_from DESC LIMIT 1`, nodeID).Scan(&prevID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if prevID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE node_version SET valid_to = ? WHERE id = ?`,
			ts(validFrom), prevID); err != nil {
			return nil, err
		}
	}

	v := &contracts.NodeVersion{
		ID:           uuid.New().String(),
		NodeID:       nodeID,
		Attrs:        attrs,
		ValidFrom:    validFrom,
		SupersedesID: prevID,
		CreatedAt:    s.clock.Now(),
	}
	attrsJSON, _ := json.Marshal(attrs)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_version (id, node_id, attrs, valid_from, valid_to, supersedes_id, created_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		v.ID, v.NodeID, string(attrsJSON), ts(v.ValidFrom), nullStr(v.SupersedesID), ts(v.CreatedAt)); err != nil {
		return nil, err
	}
	return v, tx.Commit()
}

// NodeAttrsAt returns the node attributes valid at t, or nil if no
// version covers t.
func (s *Store) NodeAttrsAt(ctx context.Context, nodeID string, t time.Time) (map[string]any, error) {
	var attrsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT attrs FROM node_version
		WHERE node_id = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)
		ORDER BY valid_from DESC LIMIT 1`,
		nodeID, ts(t), ts(t)).Scan(&attrsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// --- edges -----------------------------------------------------------------

// EdgeInput is the write shape for InsertEdge.
type EdgeInput struct {
	Src              string
	Dst              string
	Type             string
	Attrs            map[string]any
	Status           contracts.RowStatus
	SupersedesEdgeID string
	EventTimeStart   *time.Time
	EventTimeEnd     *time.Time
	ValidFrom        *time.Time
	ValidTo          *time.Time
	SourceSystem     string
	Confidence       float64
	EvidenceIDs      []string
}

// InsertEdge writes an edge and its evidence bindings atomically. A FACT
// edge with zero bindings is rejected with InvariantViolation before
// anything is written.
func (s *Store) InsertEdge(ctx context.Context, in EdgeInput) (*contracts.Edge, error) {
	if in.Status == "" {
		in.Status = contracts.StatusDraft
	}
	if in.Status == contracts.StatusFact && len(in.EvidenceIDs) == 0 {
		return nil, &contracts.InvariantViolation{
			Invariant: contracts.InvariantEvidenceBinding,
			Detail:    "FACT edge requires at least one evidence binding",
		}
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}

	e := &contracts.Edge{
		ID:               uuid.New().String(),
		Src:              in.Src,
		Dst:              in.Dst,
		Type:             in.Type,
		Attrs:            in.Attrs,
		Status:           in.Status,
		SupersedesEdgeID: in.SupersedesEdgeID,
		EventTimeStart:   in.EventTimeStart,
		EventTimeEnd:     in.EventTimeEnd,
		IngestedAt:       s.clock.Now(),
		ValidFrom:        in.ValidFrom,
		ValidTo:          in.ValidTo,
		SourceSystem:     in.SourceSystem,
		Confidence:       in.Confidence,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	attrsJSON, _ := json.Marshal(e.Attrs)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO edge (id, src, dst, type, attrs, status, supersedes_edge_id,
			event_time_start, event_time_end, ingested_at, valid_from, valid_to,
			source_system, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Src, e.Dst, e.Type, string(attrsJSON), string(e.Status),
		nullStr(e.SupersedesEdgeID), tsp(e.EventTimeStart), tsp(e.EventTimeEnd),
		ts(e.IngestedAt), tsp(e.ValidFrom), tsp(e.ValidTo),
		e.SourceSystem, e.Confidence); err != nil {
		return nil, err
	}
	for _, evID := range in.EvidenceIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO edge_evidence (edge_id, evidence_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, e.ID, evID); err != nil {
			return nil, err
		}
	}
	return e, tx.Commit()
}

// BindEdgeEvidence adds an evidence binding to an existing edge.
func (s *Store) BindEdgeEvidence(ctx context.Context, edgeID, evidenceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edge_evidence (edge_id, evidence_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`, edgeID, evidenceID)
	return err
}

// PromoteEdge moves a DRAFT edge to FACT. The binding count is checked in
// the same transaction as the status flip.
func (s *Store) PromoteEdge(ctx context.Context, edgeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM edge WHERE id = ?`, edgeID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if contracts.RowStatus(status) != contracts.StatusDraft {
		return fmt.Errorf("edge %s is %s, only DRAFT edges can be promoted", edgeID, status)
	}

	var bindings int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM edge_evidence WHERE edge_id = ?`, edgeID).Scan(&bindings); err != nil {
		return err
	}
	if bindings == 0 {
		return &contracts.InvariantViolation{
			Invariant: contracts.InvariantEvidenceBinding,
			RowID:     edgeID,
			Detail:    "cannot promote edge to FACT without evidence bindings",
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE edge SET status = ? WHERE id = ?`,
		string(contracts.StatusFact), edgeID); err != nil {
		return err
	}
	return tx.Commit()
}

// RetractEdge marks the edge RETRACTED at the current clock. The row
// stays visible to as-of reads with earlier ingest times.
func (s *Store) RetractEdge(ctx context.Context, edgeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE edge SET status = ?, retracted_at = ? WHERE id = ?`,
		string(contracts.StatusRetracted), ts(s.clock.Now()), edgeID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// EdgeByID fetches one edge regardless of visibility.
func (s *Store) EdgeByID(ctx context.Context, id string) (*contracts.Edge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edge e WHERE e.id = ?`, id)
	return scanEdge(row)
}

// EdgeEvidenceIDs lists the evidence bound to an edge.
func (s *Store) EdgeEvidenceIDs(ctx context.Context, edgeID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT evidence_id FROM edge_evidence WHERE edge_id = ? ORDER BY evidence_id`, edgeID)
}

// --- claims ----------------------------------------------------------------

// ClaimInput is the write shape for InsertClaim.
type ClaimInput struct {
	Text              string
	SubjectNodeID     string
	Confidence        float64
	Status            contracts.RowStatus
	SupersedesClaimID string
	EventTimeStart    *time.Time
	EventTimeEnd      *time.Time
	EvidenceIDs       []string
}

// InsertClaim writes a claim and its evidence bindings atomically, under
// the same FACT binding rule as edges.
func (s *Store) InsertClaim(ctx context.Context, in ClaimInput) (*contracts.Claim, error) {
	if in.Status == "" {
		in.Status = contracts.StatusHypothesis
	}
	if in.Status == contracts.StatusFact && len(in.EvidenceIDs) == 0 {
		return nil, &contracts.InvariantViolation{
			Invariant: contracts.InvariantEvidenceBinding,
			Detail:    "FACT claim requires at least one evidence binding",
		}
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}

	c := &contracts.Claim{
		ID:                uuid.New().String(),
		Text:              in.Text,
		SubjectNodeID:     in.SubjectNodeID,
		Confidence:        in.Confidence,
		Status:            in.Status,
		SupersedesClaimID: in.SupersedesClaimID,
		EventTimeStart:    in.EventTimeStart,
		EventTimeEnd:      in.EventTimeEnd,
		IngestedAt:        s.clock.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO claim (id, text, subject_node_id, confidence, status,
			supersedes_claim_id, event_time_start, event_time_end, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Text, nullStr(c.SubjectNodeID), c.Confidence, string(c.Status),
		nullStr(c.SupersedesClaimID), tsp(c.EventTimeStart), tsp(c.EventTimeEnd),
		ts(c.IngestedAt)); err != nil {
		return nil, err
	}
	for _, evID := range in.EvidenceIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO claim_evidence (claim_id, evidence_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, c.ID, evID); err != nil {
			return nil, err
		}
	}
	return c, tx.Commit()
}

// PromoteClaim moves a DRAFT or HYPOTHESIS claim to FACT, checking
// bindings in the same transaction.
func (s *Store) PromoteClaim(ctx context.Context, claimID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM claim WHERE id = ?`, claimID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	switch contracts.RowStatus(status) {
	case contracts.StatusDraft, contracts.StatusHypothesis:
	default:
		return fmt.Errorf("claim %s is %s, cannot promote", claimID, status)
	}

	var bindings int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claim_evidence WHERE claim_id = ?`, claimID).Scan(&bindings); err != nil {
		return err
	}
	if bindings == 0 {
		return &contracts.InvariantViolation{
			Invariant: contracts.InvariantEvidenceBinding,
			RowID:     claimID,
			Detail:    "cannot promote claim to FACT without evidence bindings",
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE claim SET status = ? WHERE id = ?`,
		string(contracts.StatusFact), claimID); err != nil {
		return err
	}
	return tx.Commit()
}

// RetractClaim marks the claim RETRACTED at the current clock.
func (s *Store) RetractClaim(ctx context.Context, claimID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claim SET status = ?, retracted_at = ? WHERE id = ?`,
		string(contracts.StatusRetracted), ts(s.clock.Now()), claimID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimByID fetches one claim regardless of visibility.
func (s *Store) ClaimByID(ctx context.Context, id string) (*contracts.Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claim c WHERE c.id = ?`, id)
	return scanClaim(row)
}

// ClaimEvidenceIDs lists the evidence bound to a claim.
func (s *Store) ClaimEvidenceIDs(ctx context.Context, claimID string) ([]string, error) {
	return s.listIDs(ctx, `SELECT evidence_id FROM claim_evidence WHERE claim_id = ? ORDER BY evidence_id`, claimID)
}

// --- as-of reads -----------------------------------------------------------

// Edge visibility at (t_e, t_i): the row was ingested by t_i, its event
// and validity windows cover t_e, it was not retracted by t_i, and no
// superseding row had been ingested by t_i.
const edgeVisible = `
	e.ingested_at <= :ti
	AND (e.event_time_start IS NULL OR e.event_time_start <= :te)
	AND (e.event_time_end IS NULL OR e.event_time_end > :te)
	AND (e.valid_from IS NULL OR e.valid_from <= :te)
	AND (e.valid_to IS NULL OR e.valid_to > :te)
	AND (e.retracted_at IS NULL OR e.retracted_at > :ti)
	AND NOT EXISTS (
		SELECT 1 FROM edge sup
		WHERE sup.supersedes_edge_id = e.id AND sup.ingested_at <= :ti
	)`

const claimVisible = `
	c.ingested_at <= :ti
	AND (c.event_time_start IS NULL OR c.event_time_start <= :te)
	AND (c.event_time_end IS NULL OR c.event_time_end > :te)
	AND (c.retracted_at IS NULL OR c.retracted_at > :ti)
	AND NOT EXISTS (
		SELECT 1 FROM claim sup
		WHERE sup.supersedes_claim_id = c.id AND sup.ingested_at <= :ti
	)`

// AsOf answers "what was believed true at event time t_e, given only
// what had been ingested by t_i". Re-running with the same pair returns
// the same view regardless of later ingestion.
func (s *Store) AsOf(ctx context.Context, eventTime, ingestTime time.Time) (*contracts.GraphView, error) {
	view := &contracts.GraphView{EventTime: eventTime, IngestTime: ingestTime}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edge e WHERE `+edgeVisible+` ORDER BY e.ingested_at`,
		sql.Named("te", ts(eventTime)), sql.Named("ti", ts(ingestTime)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		view.Edges = append(view.Edges, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claim c WHERE `+claimVisible+` ORDER BY c.ingested_at`,
		sql.Named("te", ts(eventTime)), sql.Named("ti", ts(ingestTime)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = crows.Close() }()
	for crows.Next() {
		c, err := scanClaim(crows)
		if err != nil {
			return nil, err
		}
		view.Claims = append(view.Claims, *c)
	}
	return view, crows.Err()
}

// Neighbors returns the edges visible at (t_e, t_i) touching nodeID,
// outbound and inbound.
func (s *Store) Neighbors(ctx context.Context, nodeID string, eventTime, ingestTime time.Time) ([]contracts.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edge e
		 WHERE (e.src = :node OR e.dst = :node) AND `+edgeVisible+`
		 ORDER BY e.ingested_at`,
		sql.Named("node", nodeID), sql.Named("te", ts(eventTime)), sql.Named("ti", ts(ingestTime)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Traverse walks the visible graph breadth-first from start up to
// maxDepth hops. Cycles terminate through the visited set.
func (s *Store) Traverse(ctx context.Context, start string, maxDepth int, eventTime, ingestTime time.Time) ([]contracts.Edge, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	var out []contracts.Edge
	seenEdges := map[string]bool{}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, nodeID := range frontier {
			edges, err := s.Neighbors(ctx, nodeID, eventTime, ingestTime)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !seenEdges[e.ID] {
					seenEdges[e.ID] = true
					out = append(out, e)
				}
				for _, other := range []string{e.Src, e.Dst} {
					if !visited[other] {
						visited[other] = true
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// --- contradictions --------------------------------------------------------

// RecordContradiction registers a conflict between two rows. Re-detecting
// the same (row_a, row_b, kind) pair is a no-op that returns the existing
// record.
func (s *Store) RecordContradiction(ctx context.Context, rowA, rowB, kind, severity, explanation string) (*contracts.Contradiction, error) {
	c := &contracts.Contradiction{
		ID:               uuid.New().String(),
		RowA:             rowA,
		RowB:             rowB,
		Kind:             kind,
		Severity:         severity,
		Explanation:      explanation,
		DetectedAt:       s.clock.Now(),
		ResolutionStatus: contracts.ContradictionOpen,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contradiction
		(id, row_a, row_b, kind, severity, explanation, detected_at, resolution_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(row_a, row_b, kind) DO NOTHING`,
		c.ID, c.RowA, c.RowB, c.Kind, c.Severity, c.Explanation,
		ts(c.DetectedAt), string(c.ResolutionStatus))
	if err != nil {
		return nil, err
	}
	return s.contradictionByPair(ctx, rowA, rowB, kind)
}

// ResolveContradiction closes a contradiction with a resolution claim.
// Status must be RESOLVED or IGNORED.
func (s *Store) ResolveContradiction(ctx context.Context, id string, status contracts.ResolutionStatus, caseID, claimID string) error {
	if status != contracts.ContradictionResolved && status != contracts.ContradictionIgnored {
		return fmt.Errorf("invalid resolution status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE contradiction
		SET resolution_status = ?, resolved_by_case = ?, resolution_claim_id = ?
		WHERE id = ? AND resolution_status = 'OPEN'`,
		string(status), nullStr(caseID), nullStr(claimID), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("contradiction %s not found or not open", id)
	}
	return nil
}

// OpenContradictions lists all unresolved contradictions.
func (s *Store) OpenContradictions(ctx context.Context) ([]contracts.Contradiction, error) {
	return s.queryContradictions(ctx,
		`SELECT `+contradictionColumns+` FROM contradiction
		 WHERE resolution_status = 'OPEN' ORDER BY detected_at`)
}

// ContradictionsForRows lists contradictions touching any of the row ids.
func (s *Store) ContradictionsForRows(ctx context.Context, rowIDs []string) ([]contracts.Contradiction, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	idSet := map[string]bool{}
	for _, id := range rowIDs {
		idSet[id] = true
	}
	all, err := s.queryContradictions(ctx,
		`SELECT `+contradictionColumns+` FROM contradiction ORDER BY detected_at`)
	if err != nil {
		return nil, err
	}
	var out []contracts.Contradiction
	for _, c := range all {
		if idSet[c.RowA] || idSet[c.RowB] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) contradictionByPair(ctx context.Context, rowA, rowB, kind string) (*contracts.Contradiction, error) {
	list, err := s.queryContradictions(ctx,
		`SELECT `+contradictionColumns+` FROM contradiction
		 WHERE row_a = ? AND row_b = ? AND kind = ?`, rowA, rowB, kind)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (s *Store) queryContradictions(ctx context.Context, query string, args ...any) ([]contracts.Contradiction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Contradiction
	for rows.Next() {
		var (
			c                  contracts.Contradiction
			detected           string
			expl, byCase, byCl sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.RowA, &c.RowB, &c.Kind, &c.Severity, &expl,
			&detected, &c.ResolutionStatus, &byCase, &byCl); err != nil {
			return nil, err
		}
		c.Explanation = expl.String
		c.DetectedAt = parseTS(detected)
		c.ResolvedByCase = byCase.String
		c.ResolutionClaimID = byCl.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- scanning --------------------------------------------------------------

const edgeColumns = `e.id, e.src, e.dst, e.type, e.attrs, e.status, e.supersedes_edge_id,
	e.event_time_start, e.event_time_end, e.ingested_at, e.valid_from, e.valid_to,
	e.source_system, e.confidence`

const claimColumns = `c.id, c.text, c.subject_node_id, c.confidence, c.status,
	c.supersedes_claim_id, c.event_time_start, c.event_time_end, c.ingested_at`

const contradictionColumns = `id, row_a, row_b, kind, severity, explanation,
	detected_at, resolution_status, resolved_by_case, resolution_claim_id`

type scanner interface{ Scan(dest ...any) error }

func scanEdge(row scanner) (*contracts.Edge, error) {
	var (
		e                            contracts.Edge
		attrsJSON, supersedes        sql.NullString
		evStart, evEnd, vFrom, vTo   sql.NullString
		ingested                     string
	)
	err := row.Scan(&e.ID, &e.Src, &e.Dst, &e.Type, &attrsJSON, &e.Status, &supersedes,
		&evStart, &evEnd, &ingested, &vFrom, &vTo, &e.SourceSystem, &e.Confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if attrsJSON.Valid && attrsJSON.String != "" && attrsJSON.String != "null" {
		_ = json.Unmarshal([]byte(attrsJSON.String), &e.Attrs)
	}
	e.SupersedesEdgeID = supersedes.String
	e.EventTimeStart = parseTSP(evStart)
	e.EventTimeEnd = parseTSP(evEnd)
	e.IngestedAt = parseTS(ingested)
	e.ValidFrom = parseTSP(vFrom)
	e.ValidTo = parseTSP(vTo)
	return &e, nil
}

func scanClaim(row scanner) (*contracts.Claim, error) {
	var (
		c                   contracts.Claim
		subject, supersedes sql.NullString
		evStart, evEnd      sql.NullString
		ingested            string
	)
	err := row.Scan(&c.ID, &c.Text, &subject, &c.Confidence, &c.Status,
		&supersedes, &evStart, &evEnd, &ingested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.SubjectNodeID = subject.String
	c.SupersedesClaimID = supersedes.String
	c.EventTimeStart = parseTSP(evStart)
	c.EventTimeEnd = parseTSP(evEnd)
	c.IngestedAt = parseTS(ingested)
	return &c, nil
}

func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- time helpers ----------------------------------------------------------

// tsLayout is RFC 3339 with a fixed-width fractional second. RFC3339Nano
// trims trailing zeros, which breaks the lexical ordering the bi-temporal
// predicates compare on.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func tsp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTSP(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
