// Package packets assembles the immutable Decision Packet for a case:
// the posture, every claim with its evidence citations, contradictions,
// the policies that fired, action history, and the workflow trace, sealed
// under a canonical content hash.
package packets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/windward-ops/gateposture/pkg/cases"
	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/evidence"
	"github.com/windward-ops/gateposture/pkg/graph"
)

// Builder assembles packets from the case, graph, and evidence stores.
type Builder struct {
	cases    *cases.Store
	graph    *graph.Store
	evidence *evidence.Store
	clock    contracts.Clock
}

func NewBuilder(c *cases.Store, g *graph.Store, e *evidence.Store) *Builder {
	return &Builder{cases: c, graph: g, evidence: e, clock: contracts.WallClock{}}
}

func (b *Builder) WithClock(clock contracts.Clock) *Builder {
	b.clock = clock
	return b
}

// Input carries the orchestrator's in-memory decision state; everything
// else is read back from the stores.
type Input struct {
	CaseID       string
	Posture      contracts.Posture
	Rationale    string
	Belief       *contracts.BeliefState
	PolicyResult *contracts.PolicyResult
	Risk         *contracts.RiskRecord
	Cascade      *contracts.CascadeImpact
	BlockReason  string
}

// Build assembles and seals the packet. The content hash covers the
// canonical JSON of every field except the hash itself.
func (b *Builder) Build(ctx context.Context, in Input) (*contracts.DecisionPacket, error) {
	kase, err := b.cases.GetCase(ctx, in.CaseID)
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}

	packet := &contracts.DecisionPacket{
		CaseID:    kase.ID,
		CaseType:  kase.CaseType,
		Scope:     kase.Scope,
		Posture:   in.Posture,
		Rationale: in.Rationale,
		CreatedAt: kase.CreatedAt,
	}
	if kase.ResolvedAt != nil {
		packet.CompletedAt = kase.ResolvedAt
	}

	if err := b.fillClaims(ctx, packet, in.Belief); err != nil {
		return nil, err
	}
	if err := b.fillEvidence(ctx, packet, in.Belief); err != nil {
		return nil, err
	}
	if err := b.fillContradictions(ctx, packet, in.Belief); err != nil {
		return nil, err
	}
	b.fillPolicies(packet, in.PolicyResult)
	if err := b.fillActions(ctx, packet); err != nil {
		return nil, err
	}
	if err := b.fillBlocked(ctx, packet, in.BlockReason); err != nil {
		return nil, err
	}
	trace, err := b.cases.TraceForCase(ctx, in.CaseID)
	if err != nil {
		return nil, err
	}
	packet.WorkflowTrace = trace

	b.fillConfidence(packet, in.Belief, in.Risk)
	packet.Cascade = in.Cascade
	b.fillMetrics(packet, in.Belief)

	hash, err := ContentHash(packet)
	if err != nil {
		return nil, err
	}
	packet.ContentHash = hash
	return packet, nil
}

func (b *Builder) fillClaims(ctx context.Context, p *contracts.DecisionPacket, belief *contracts.BeliefState) error {
	if belief == nil {
		return nil
	}
	for _, id := range belief.ClaimIDs {
		claim, err := b.graph.ClaimByID(ctx, id)
		if err == graph.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		evIDs, err := b.graph.ClaimEvidenceIDs(ctx, id)
		if err != nil {
			return err
		}
		p.Claims = append(p.Claims, contracts.ClaimSummary{
			ClaimID:     claim.ID,
			Text:        claim.Text,
			Status:      string(claim.Status),
			Confidence:  claim.Confidence,
			EvidenceIDs: evIDs,
		})
	}
	return nil
}

func (b *Builder) fillEvidence(ctx context.Context, p *contracts.DecisionPacket, belief *contracts.BeliefState) error {
	if belief == nil {
		return nil
	}
	rows, err := b.evidence.ByIDs(ctx, belief.EvidenceIDs)
	if err != nil {
		return err
	}
	for _, row := range rows {
		p.Evidence = append(p.Evidence, contracts.EvidenceSummary{
			EvidenceID:   row.ID,
			SourceSystem: row.SourceSystem,
			RetrievedAt:  row.RetrievedAt,
			Excerpt:      row.Excerpt,
		})
	}
	return nil
}

func (b *Builder) fillContradictions(ctx context.Context, p *contracts.DecisionPacket, belief *contracts.BeliefState) error {
	if belief == nil {
		return nil
	}
	rows := append([]string{}, belief.EdgeIDs...)
	rows = append(rows, belief.ClaimIDs...)
	found, err := b.graph.ContradictionsForRows(ctx, rows)
	if err != nil {
		return err
	}
	for _, c := range found {
		p.Contradictions = append(p.Contradictions, contracts.ContradictionSummary{
			RowA:             c.RowA,
			RowB:             c.RowB,
			Kind:             c.Kind,
			ResolutionStatus: string(c.ResolutionStatus),
		})
	}
	return nil
}

func (b *Builder) fillPolicies(p *contracts.DecisionPacket, result *contracts.PolicyResult) {
	if result == nil {
		return
	}
	for _, eff := range result.Effects {
		p.PoliciesApplied = append(p.PoliciesApplied, contracts.PolicyApplied{
			TextHash:   eff.TextHash,
			PolicyText: eff.PolicyText,
			Effect:     eff.Action,
		})
	}
}

func (b *Builder) fillActions(ctx context.Context, p *contracts.DecisionPacket) error {
	actions, err := b.cases.ActionsForCase(ctx, p.CaseID)
	if err != nil {
		return err
	}
	for _, a := range actions {
		summary := contracts.ActionSummary{
			ActionID:  a.ID,
			Type:      a.Type,
			Args:      a.Args,
			State:     a.State,
			RiskLevel: a.RiskLevel,
		}
		p.ActionsProposed = append(p.ActionsProposed, summary)
		if a.State == contracts.ActionCompleted || a.State == contracts.ActionRolledBack {
			p.ActionsExecuted = append(p.ActionsExecuted, summary)
		}
	}
	return nil
}

func (b *Builder) fillBlocked(ctx context.Context, p *contracts.DecisionPacket, reason string) error {
	open, err := b.cases.MissingForCase(ctx, p.CaseID, true)
	if err != nil {
		return err
	}
	// Open informational or degraded gaps are reported but do not mark
	// the packet blocked on their own.
	blocked := reason != ""
	for _, req := range open {
		if req.Criticality == contracts.CriticalityBlocking {
			blocked = true
		}
	}
	p.Blocked = contracts.BlockedSection{
		IsBlocked:               blocked,
		Reason:                  reason,
		MissingEvidenceRequests: open,
	}
	return nil
}

// fillConfidence explains how sure the decision is: which sources
// contributed, which are missing, and the penalties applied.
func (b *Builder) fillConfidence(p *contracts.DecisionPacket, belief *contracts.BeliefState, risk *contracts.RiskRecord) {
	breakdown := contracts.ConfidenceBreakdown{Confidence: 1.0}
	if belief != nil {
		breakdown.SourcesOK = append(breakdown.SourcesOK, belief.EvidenceSources...)
		penalties := map[string]float64{}
		if belief.ContradictionCount > 0 {
			penalties["open_contradictions"] = 0.2
		}
		if belief.HasStaleEvidence {
			penalties["stale_evidence"] = 0.1
		}
		for _, u := range belief.OpenUncertainties() {
			breakdown.SourcesMissing = append(breakdown.SourcesMissing, u.Kind)
		}
		if len(penalties) > 0 {
			breakdown.Penalties = penalties
			for _, v := range penalties {
				breakdown.Confidence -= v
			}
		}
	}
	if risk != nil {
		if risk.Confidence > 0 && risk.Confidence < breakdown.Confidence {
			breakdown.Confidence = risk.Confidence
		}
		breakdown.Explanation = risk.Rationale
	}
	if breakdown.Confidence < 0 {
		breakdown.Confidence = 0
	}
	p.ConfidenceBreakdown = breakdown
}

func (b *Builder) fillMetrics(p *contracts.DecisionPacket, belief *contracts.BeliefState) {
	m := contracts.PacketMetrics{
		EvidenceCount:      len(p.Evidence),
		ContradictionCount: len(p.Contradictions),
		ActionCount:        len(p.ActionsProposed),
	}
	if belief != nil {
		m.Iterations = belief.Iterations
		m.FirstSignalAt = belief.FirstSignalAt
	}
	if p.CompletedAt != nil {
		m.PostureEmittedAt = p.CompletedAt
	} else {
		now := b.clock.Now()
		m.PostureEmittedAt = &now
	}
	if m.FirstSignalAt != nil && m.PostureEmittedAt != nil {
		m.PDLSeconds = m.PostureEmittedAt.Sub(*m.FirstSignalAt).Seconds()
	}
	p.Metrics = m
}

// ContentHash computes the lowercase hex SHA-256 over the packet's
// canonical (RFC 8785) JSON, with the hash field itself cleared.
func ContentHash(p *contracts.DecisionPacket) (string, error) {
	clone := *p
	clone.ContentHash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize packet: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the hash and reports whether the packet is intact.
func Verify(p *contracts.DecisionPacket) (bool, error) {
	want, err := ContentHash(p)
	if err != nil {
		return false, err
	}
	return want == p.ContentHash, nil
}
