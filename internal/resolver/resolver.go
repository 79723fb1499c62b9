// Package resolver is the gatekeeper between raw extracted mentions and
// canonical graph nodes. Every mention passes through Resolve before
// anything is written, so the graph only ever grows through LINK (attach
// to an existing node) or CREATE (new provisional node).
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/store"
)

// Action is the resolution outcome.
type Action string

const (
	ActionLink   Action = "LINK"
	ActionCreate Action = "CREATE"
)

// Rule names which lookup stage produced the resolution, for the audit
// trail.
const (
	RuleExactID      = "exact_id"
	RuleExactAlias   = "exact_alias"
	RuleFuzzy        = "fuzzy"
	RuleFuzzyContext = "fuzzy_context"
	RuleNoMatch      = "no_match"
)

// Resolution is the verdict for one mention.
type Resolution struct {
	Action        Action  `json:"action"`
	NodeID        string  `json:"node_id"`
	CanonicalName string  `json:"canonical_name"`
	MatchedRule   string  `json:"matched_rule"`
	Score         float64 `json:"score,omitempty"`
}

// Config holds resolver tunables.
type Config struct {
	// InitialConfidence is assigned to provisional nodes on CREATE.
	InitialConfidence float64
	// ContextBoost is added to a fuzzy candidate's score per overlapping
	// context token, capped at one full token weight.
	ContextBoost float64
}

func DefaultConfig() Config {
	return Config{InitialConfidence: 0.3, ContextBoost: 0.05}
}

type Resolver struct {
	store  *store.Store
	cfg    Config
	logger *zap.Logger
}

func New(s *store.Store, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialConfidence <= 0 || cfg.InitialConfidence > 1 {
		cfg.InitialConfidence = DefaultConfig().InitialConfidence
	}
	return &Resolver{store: s, cfg: cfg, logger: logger}
}

// Resolve maps a mention to an existing node or decides a new one is
// needed. Lookup order: exact canonical id, exact alias, fuzzy match
// disambiguated by type and context overlap. Resolve never writes; the
// caller applies the verdict under its own lock.
func (r *Resolver) Resolve(name, entityType, context string) (*Resolution, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cannot resolve empty name")
	}
	if entityType != "" && !r.store.Registry().HasNodeType(entityType) {
		return nil, fmt.Errorf("unknown entity type '%s'", entityType)
	}

	// Stage 1: the mention is already a canonical id.
	if node, err := r.store.GetNode(name); err == nil {
		if entityType == "" || node.Type == entityType {
			return r.link(node.ID, RuleExactID, 1.0), nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// Stage 2: exact alias. Multiple carriers fall through to fuzzy
	// scoring so context can disambiguate.
	carriers, err := r.store.FindByAlias(name)
	if err != nil {
		return nil, err
	}
	carriers = filterByType(carriers, entityType)
	if len(carriers) == 1 {
		return r.link(carriers[0].ID, RuleExactAlias, 1.0), nil
	}

	// Stage 3: fuzzy.
	candidates, err := r.store.FindFuzzy(name, entityType)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		best, rule := r.pick(candidates, context)
		r.logger.Debug("fuzzy resolution",
			zap.String("name", name),
			zap.String("node_id", best.Node.ID),
			zap.Float64("score", best.Score),
			zap.String("rule", rule))
		return r.link(best.Node.ID, rule, best.Score), nil
	}

	return &Resolution{
		Action:        ActionCreate,
		NodeID:        name,
		CanonicalName: name,
		MatchedRule:   RuleNoMatch,
	}, nil
}

// Create materializes a CREATE verdict as a provisional node.
func (r *Resolver) Create(name, entityType, context string) error {
	props := map[string]interface{}{}
	if context != "" {
		props[store.ContextKey] = []interface{}{
			map[string]interface{}{"text": context, "origin": "resolver"},
		}
	}
	return r.store.UpsertNode(name, entityType, nil, props, r.cfg.InitialConfidence)
}

func (r *Resolver) link(id, rule string, score float64) *Resolution {
	return &Resolution{
		Action:        ActionLink,
		NodeID:        id,
		CanonicalName: id,
		MatchedRule:   rule,
		Score:         score,
	}
}

// pick selects the best fuzzy candidate. Context-token overlap against
// the candidate's fragments breaks near-ties; the candidate list is
// already sorted deterministically, so equal boosted scores keep the
// store's ordering.
func (r *Resolver) pick(candidates []store.Candidate, context string) (store.Candidate, string) {
	tokens := tokenize(context)
	if len(tokens) == 0 {
		return candidates[0], RuleFuzzy
	}

	best := candidates[0]
	bestScore := best.Score
	boosted := false
	for _, c := range candidates {
		overlap := fragmentOverlap(c.Node, tokens)
		score := c.Score + min(float64(overlap)*r.cfg.ContextBoost, r.cfg.ContextBoost*4)
		if score > bestScore {
			best, bestScore = c, score
			boosted = overlap > 0
		}
	}
	if boosted {
		return best, RuleFuzzyContext
	}
	return best, RuleFuzzy
}

func fragmentOverlap(n *store.Node, tokens map[string]bool) int {
	count := 0
	for _, f := range n.Fragments() {
		for t := range tokenize(f.Text) {
			if tokens[t] {
				count++
			}
		}
	}
	return count
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

func filterByType(nodes []*store.Node, entityType string) []*store.Node {
	if entityType == "" {
		return nodes
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Type == entityType {
			out = append(out, n)
		}
	}
	return out
}
