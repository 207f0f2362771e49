package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pathwarden/pathwarden/internal/graph"
)

// Severity bands an alert's composite risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for sorting, critical first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Alert is a risk-scored privilege escalation finding. Path holds the node
// identifiers in order; Edges holds the specific edge traversed between each
// consecutive pair, so len(Edges) == len(Path)-1.
type Alert struct {
	ID                   string       `json:"id"`
	Path                 []string     `json:"path"`
	Edges                []graph.Edge `json:"edges"`
	SourceNode           string       `json:"source_node"`
	TargetNode           string       `json:"target_node"`
	PrivilegeDelta       int          `json:"privilege_delta"`
	Confidence           float64      `json:"confidence"`
	BlastRadius          int          `json:"blast_radius"`
	Severity             Severity     `json:"severity"`
	DetectedAt           time.Time    `json:"detected_at"`
	RecommendedActions   []string     `json:"recommended_actions"`
	AutoResponseEligible bool         `json:"auto_response_eligible"`
}

// alertID derives the stable identifier: a hash over the ordered
// (node id, edge kind) tuples of the path plus the min-delta parameter.
// Re-running a scan over the same graph yields the same ID.
func alertID(path []string, edges []graph.Edge, minDelta int) string {
	var b strings.Builder
	for i, node := range path {
		if i > 0 {
			b.WriteString(string(edges[i-1].Kind))
			b.WriteByte('|')
		}
		b.WriteString(node)
		b.WriteByte('|')
	}
	fmt.Fprintf(&b, "delta=%d", minDelta)

	sum := sha256.Sum256([]byte(b.String()))
	return "ap_" + hex.EncodeToString(sum[:8])
}
