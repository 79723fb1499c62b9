package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/llm"
	"github.com/agenthands/loom/internal/store"
)

const defaultStructuralPrompt = `You are reviewing one entity in a personal knowledge graph.

Entity name: %s
Entity type: %s (%s)
Context fragments collected about it:
%s

Decide whether the entity is structurally sound. Answer with ONLY a JSON object:
{"verdict": "NONE" | "RENAME" | "SPLIT" | "DELETE" | "RECATEGORIZE",
 "new_name": "...",          // RENAME only: the better canonical name
 "target_type": "...",        // RECATEGORIZE only
 "split_parts": [{"name": "...", "fragment_indices": [0], "neighbors": ["..."]}],  // SPLIT only
 "confidence": 0.0-1.0,
 "rationale": "one sentence"}

RENAME when a clearly better canonical name appears in the fragments.
SPLIT when fragments describe two distinct real-world entities.
DELETE only for noise entities with no substance.
RECATEGORIZE when the type is wrong. Otherwise NONE.`

const defaultMergePrompt = `Two entities in a personal knowledge graph may be the same real-world thing.

Entity A: %s
Entity B: %s
Evidence:
%s

Answer with ONLY a JSON object:
{"should_merge": true|false, "confidence": 0.0-1.0, "rationale": "one sentence"}`

const defaultPrunePrompt = `The entity "%s" has accumulated too many context fragments. Condense them
into at most %d fragments, preserving distinct facts and their origins.

Fragments:
%s

Answer with ONLY a JSON array of {"text": "...", "origin": "..."} objects.`

// LLMOracle implements Oracle over a chat-completion client, with capped
// exponential-backoff retries around each call.
type LLMOracle struct {
	client     llm.Client
	prompts    config.JudgmentPrompts
	maxRetries int
	pruneLimit int
	logger     *zap.Logger
}

func NewLLMOracle(client llm.Client, cfg *config.Config, logger *zap.Logger) *LLMOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMOracle{
		client:     client,
		prompts:    cfg.Judgment,
		maxRetries: cfg.Consolidation.MaxRetries,
		pruneLimit: cfg.Consolidation.PruneThreshold,
		logger:     logger.Named("oracle"),
	}
}

func (o *LLMOracle) JudgeStructure(ctx context.Context, req *StructuralRequest) (*StructuralResponse, error) {
	tmpl := o.prompts.Structural
	if tmpl == "" {
		tmpl = defaultStructuralPrompt
	}
	prompt := fmt.Sprintf(tmpl, req.NodeID, req.Type, req.TypeDescription, numberedList(req.ContextFragments))

	raw, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, &JudgmentError{Unit: req.NodeID, Err: err}
	}

	var resp StructuralResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, &JudgmentError{Unit: req.NodeID, Err: fmt.Errorf("malformed structural response: %w", err)}
	}
	if !resp.Verdict.valid() {
		return nil, &JudgmentError{Unit: req.NodeID, Err: fmt.Errorf("unknown verdict '%s'", resp.Verdict)}
	}
	return &resp, nil
}

func (o *LLMOracle) JudgeMerge(ctx context.Context, req *MergeRequest) (*MergeResponse, error) {
	tmpl := o.prompts.Merge
	if tmpl == "" {
		tmpl = defaultMergePrompt
	}
	unit := req.NodeA + " / " + req.NodeB
	prompt := fmt.Sprintf(tmpl, req.NodeA, req.NodeB, req.Evidence)

	raw, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, &JudgmentError{Unit: unit, Err: err}
	}

	var resp MergeResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, &JudgmentError{Unit: unit, Err: fmt.Errorf("malformed merge response: %w", err)}
	}
	return &resp, nil
}

func (o *LLMOracle) CondenseFragments(ctx context.Context, nodeID string, frags []store.Fragment) ([]store.Fragment, error) {
	tmpl := o.prompts.Prune
	if tmpl == "" {
		tmpl = defaultPrunePrompt
	}
	lines := make([]string, len(frags))
	for i, f := range frags {
		lines[i] = fmt.Sprintf("%s (origin: %s)", f.Text, f.Origin)
	}
	prompt := fmt.Sprintf(tmpl, nodeID, o.pruneLimit, numberedList(lines))

	raw, err := o.generate(ctx, prompt)
	if err != nil {
		return nil, &JudgmentError{Unit: nodeID, Err: err}
	}

	var out []store.Fragment
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &out); err != nil {
		return nil, &JudgmentError{Unit: nodeID, Err: fmt.Errorf("malformed prune response: %w", err)}
	}
	if len(out) == 0 || len(out) > len(frags) {
		return nil, &JudgmentError{Unit: nodeID, Err: fmt.Errorf("prune returned %d fragments for %d", len(out), len(frags))}
	}
	return out, nil
}

func (o *LLMOracle) generate(ctx context.Context, prompt string) (string, error) {
	var raw string
	op := func() error {
		var err error
		raw, err = o.client.Generate(ctx, prompt)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(o.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	return raw, nil
}

func numberedList(items []string) string {
	var b strings.Builder
	for i, it := range items {
		fmt.Fprintf(&b, "[%d] %s\n", i, it)
	}
	return b.String()
}

// extractJSON pulls the outermost JSON object out of model text, which
// routinely arrives wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
