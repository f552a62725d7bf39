package playbooks

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/windward-ops/gateposture/pkg/contracts"
	"github.com/windward-ops/gateposture/pkg/policy"
)

// Playbook domains and their decay half-lives. Weather patterns go stale
// fast; customs regimes change slowly.
const (
	DomainWeather     = "weather"
	DomainOperational = "operational"
	DomainCustoms     = "customs"
)

var halfLives = map[string]time.Duration{
	DomainWeather:     30 * 24 * time.Hour,
	DomainOperational: 90 * 24 * time.Hour,
	DomainCustoms:     180 * 24 * time.Hour,
}

// Decay returns the freshness multiplier 0.5^(age/halfLife) for the
// domain. Unknown domains decay on the operational half-life.
func Decay(domain string, age time.Duration) float64 {
	hl, ok := halfLives[domain]
	if !ok {
		hl = halfLives[DomainOperational]
	}
	if age <= 0 {
		return 1.0
	}
	return math.Pow(0.5, age.Hours()/hl.Hours())
}

// Learner mines playbooks from resolved cases and scores candidates for
// new ones.
type Learner struct {
	store *Store
	clock contracts.Clock
}

func NewLearner(store *Store) *Learner {
	return &Learner{store: store, clock: contracts.WallClock{}}
}

func (l *Learner) WithClock(c contracts.Clock) *Learner {
	l.clock = c
	return l
}

// classifyDomain picks the decay domain from the mined pattern.
func classifyDomain(pattern map[string]any) string {
	if sev, ok := pattern["weather_severity"].(string); ok && sev != "" && sev != "LOW" {
		return DomainWeather
	}
	if kinds, ok := pattern["contradiction_kinds"].([]any); ok {
		for _, k := range kinds {
			if k == "FAA_WEATHER_MISMATCH" || k == "WEATHER_MOVEMENT_MISMATCH" {
				return DomainWeather
			}
		}
	}
	if _, ok := pattern["customs_hold"]; ok {
		return DomainCustoms
	}
	return DomainOperational
}

// Learn mines a playbook from a sealed decision packet. Only resolved,
// unblocked cases with executed actions teach anything.
func (l *Learner) Learn(ctx context.Context, packet *contracts.DecisionPacket, activePolicies []contracts.Policy) (*contracts.Playbook, error) {
	if packet.Blocked.IsBlocked || len(packet.ActionsExecuted) == 0 {
		return nil, nil
	}

	pattern := minePattern(packet)
	template := mineTemplate(packet)
	domain := classifyDomain(pattern)

	// A near-identical pattern in the same domain updates stats instead
	// of spawning a duplicate.
	existing, err := l.store.List(ctx, domain)
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		if patternsEqual(p.Pattern, pattern) {
			if err := l.store.RecordUse(ctx, p.ID, true); err != nil {
				return nil, err
			}
			return l.store.ByID(ctx, p.ID)
		}
	}

	pb := &contracts.Playbook{
		Name:           fmt.Sprintf("%s %s response", packet.CaseType, packet.Posture),
		Domain:         domain,
		Pattern:        pattern,
		ActionTemplate: template,
		Stats:          contracts.PlaybookStats{UseCount: 1, SuccessCount: 1},
		PolicySnapshot: policy.Snapshot(activePolicies),
		CreatedAt:      l.clock.Now(),
	}
	if err := l.store.Insert(ctx, pb); err != nil {
		return nil, err
	}
	return pb, nil
}

func minePattern(packet *contracts.DecisionPacket) map[string]any {
	kinds := make([]any, 0, len(packet.Contradictions))
	for _, c := range packet.Contradictions {
		kinds = append(kinds, c.Kind)
	}
	return map[string]any{
		"case_type":           string(packet.CaseType),
		"posture":             string(packet.Posture),
		"contradiction_kinds": kinds,
		"weather_severity":    weatherSeverityOf(packet),
	}
}

func weatherSeverityOf(packet *contracts.DecisionPacket) string {
	for _, c := range packet.Contradictions {
		if c.Kind == "FAA_WEATHER_MISMATCH" {
			return "HIGH"
		}
	}
	return ""
}

func mineTemplate(packet *contracts.DecisionPacket) map[string]any {
	actions := make([]any, 0, len(packet.ActionsExecuted))
	for _, a := range packet.ActionsExecuted {
		actions = append(actions, map[string]any{
			"type": string(a.Type),
			"args": a.Args,
		})
	}
	return map[string]any{"actions": actions}
}

func patternsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", b[k]) {
			return false
		}
	}
	return true
}

// Candidate is one scored retrieval result.
type Candidate struct {
	Playbook        contracts.Playbook `json:"playbook"`
	PatternScore    float64            `json:"pattern_score"`
	PolicyAlignment float64            `json:"policy_alignment"`
	Freshness       float64            `json:"freshness"`
	Score           float64            `json:"score"`
}

// matchThreshold is the minimum score for a playbook to be suggested.
const matchThreshold = 0.3

// Match retrieves the best playbook for a belief state under the current
// policy snapshot, or nil when nothing scores above the threshold.
// Score = success_rate x pattern_match x policy_alignment x freshness.
func (l *Learner) Match(ctx context.Context, belief *contracts.BeliefState, posture contracts.Posture, activeSnapshot []string) (*Candidate, error) {
	all, err := l.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()

	var best *Candidate
	for _, pb := range all {
		patternScore := patternMatch(pb.Pattern, belief, posture)
		if patternScore == 0 {
			continue
		}
		alignment := policy.SnapshotOverlap(pb.PolicySnapshot, activeSnapshot)
		anchor := pb.CreatedAt
		if pb.LastUsedAt != nil {
			anchor = *pb.LastUsedAt
		}
		freshness := Decay(pb.Domain, now.Sub(anchor))
		score := pb.Stats.SuccessRate() * patternScore * alignment * freshness
		if score < matchThreshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &Candidate{
				Playbook:        pb,
				PatternScore:    patternScore,
				PolicyAlignment: alignment,
				Freshness:       freshness,
				Score:           score,
			}
		}
	}
	return best, nil
}

// patternMatch is the fraction of pattern features the current case
// reproduces. Posture or case-type mismatch disqualifies outright.
func patternMatch(pattern map[string]any, belief *contracts.BeliefState, posture contracts.Posture) float64 {
	if p, ok := pattern["posture"].(string); ok && p != string(posture) {
		return 0
	}
	matched, total := 1.0, 1.0

	if kindsRaw, ok := pattern["contradiction_kinds"].([]any); ok {
		total++
		wantContradictions := len(kindsRaw) > 0
		if wantContradictions == (belief.ContradictionCount > 0) {
			matched++
		}
	}
	if sev, ok := pattern["weather_severity"].(string); ok && sev != "" {
		total++
		if sev == "HIGH" && belief.FlightCategory != "" &&
			(belief.FlightCategory == "IFR" || belief.FlightCategory == "LIFR") {
			matched++
		}
	}
	return matched / total
}
