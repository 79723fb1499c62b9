package consolidate

import (
	"context"
	"fmt"

	"github.com/agenthands/loom/internal/store"
)

// Verdict is the structural judgment for one node.
type Verdict string

const (
	VerdictNone         Verdict = "NONE"
	VerdictSplit        Verdict = "SPLIT"
	VerdictRename       Verdict = "RENAME"
	VerdictDelete       Verdict = "DELETE"
	VerdictRecategorize Verdict = "RECATEGORIZE"
)

func (v Verdict) valid() bool {
	switch v {
	case VerdictNone, VerdictSplit, VerdictRename, VerdictDelete, VerdictRecategorize:
		return true
	}
	return false
}

// StructuralRequest briefs the oracle on one node.
type StructuralRequest struct {
	NodeID           string   `json:"node_id"`
	Type             string   `json:"type"`
	TypeDescription  string   `json:"type_description"`
	ContextFragments []string `json:"context_fragments"`
}

// SplitPart mirrors store.SplitPart on the wire.
type SplitPart struct {
	Name        string   `json:"name"`
	FragmentIdx []int    `json:"fragment_indices"`
	Neighbors   []string `json:"neighbors,omitempty"`
}

type StructuralResponse struct {
	Verdict    Verdict     `json:"verdict"`
	NewName    string      `json:"new_name,omitempty"`
	TargetType string      `json:"target_type,omitempty"`
	SplitParts []SplitPart `json:"split_parts,omitempty"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale,omitempty"`
}

type MergeRequest struct {
	NodeA    string `json:"node_a"`
	NodeB    string `json:"node_b"`
	Evidence string `json:"evidence"`
}

type MergeResponse struct {
	ShouldMerge bool    `json:"should_merge"`
	Confidence  float64 `json:"confidence"`
	Rationale   string  `json:"rationale,omitempty"`
}

// Oracle is the external judgment service. Production talks to an LLM;
// tests script it.
type Oracle interface {
	JudgeStructure(ctx context.Context, req *StructuralRequest) (*StructuralResponse, error)
	JudgeMerge(ctx context.Context, req *MergeRequest) (*MergeResponse, error)
	CondenseFragments(ctx context.Context, nodeID string, frags []store.Fragment) ([]store.Fragment, error)
}

// JudgmentError marks an oracle failure for one unit. It is recoverable:
// the engine logs it, skips the unit, and the cycle continues.
type JudgmentError struct {
	Unit string
	Err  error
}

func (e *JudgmentError) Error() string {
	return fmt.Sprintf("judgment failed for '%s': %v", e.Unit, e.Err)
}

func (e *JudgmentError) Unwrap() error { return e.Err }
