// Package policy stores and evaluates the typed governance rules that
// gate posture decisions and action execution. Policy identity is the
// hash of the normalized rule text, so the active rule set can be
// fingerprinted and compared across time.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

// hashLen is the retained prefix length of the text hash, in hex chars.
const hashLen = 12

// NormalizeText collapses whitespace and case so cosmetic edits do not
// change a policy's identity.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// TextHash returns the 12-hex-char identity of a policy text.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// Snapshot fingerprints a policy set as the sorted list of text hashes.
// Two snapshots are comparable with Jaccard overlap regardless of the
// order policies were loaded in.
func Snapshot(policies []contracts.Policy) []string {
	hashes := make([]string, 0, len(policies))
	for _, p := range policies {
		hashes = append(hashes, TextHash(p.Text))
	}
	sort.Strings(hashes)
	return hashes
}

// SnapshotOverlap is the Jaccard similarity of two snapshots, 1.0 when
// both are empty.
func SnapshotOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	setA := map[string]bool{}
	for _, h := range a {
		setA[h] = true
	}
	union := map[string]bool{}
	for h := range setA {
		union[h] = true
	}
	inter := map[string]bool{}
	for _, h := range b {
		if setA[h] {
			inter[h] = true
		}
		union[h] = true
	}
	if len(union) == 0 {
		return 1.0
	}
	return float64(len(inter)) / float64(len(union))
}
