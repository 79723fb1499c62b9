package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/consolidate"
	"github.com/agenthands/loom/internal/lock"
	"github.com/agenthands/loom/internal/manifest"
	"github.com/agenthands/loom/internal/resolver"
	"github.com/agenthands/loom/internal/schema"
	"github.com/agenthands/loom/internal/store"
)

// routingLLM answers by prompt content, so judgments stay deterministic
// under the concurrent worker pool.
type routingLLM struct {
	routes   map[string]string // substring -> canned JSON
	fallback string
	calls    atomic.Int64
}

func (m *routingLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	for needle, resp := range m.routes {
		if strings.Contains(prompt, needle) {
			return resp, nil
		}
	}
	return m.fallback, nil
}

func writeConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[consolidation]
candidate_limit = 20
concurrency = 3
max_retries = 1
`), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestFullConsolidationCycle(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	registry, err := schema.Load(filepath.Join("..", "..", "config", "schema.json"))
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "graph.db"), registry, store.DefaultFuzzyConfig(), nil)
	require.NoError(t, err)
	defer st.Close()

	locks, err := lock.NewCoordinator(filepath.Join(dir, "locks"), nil)
	require.NoError(t, err)
	tracker, err := manifest.Open(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)

	frag := func(texts ...string) map[string]interface{} {
		list := make([]interface{}, len(texts))
		for i, txt := range texts {
			list[i] = map[string]interface{}{"text": txt, "origin": "doc-1"}
		}
		return map[string]interface{}{"context": list}
	}

	require.NoError(t, st.UpsertNode("Cenk Bisgen", "Person", []string{"Sänk"}, frag("runs the Atlas rollout"), 0.7))
	require.NoError(t, st.UpsertNode("John Smith", "Person", []string{"Smithy"}, frag("met at kickoff"), 0.8))
	require.NoError(t, st.UpsertNode("Jon Smith", "Person", nil, frag("same kickoff, name typoed"), 0.3))
	require.NoError(t, st.UpsertNode("Speaker 3", "Person", nil, frag("introduced herself as Maria Lindqvist"), 0.4))
	require.NoError(t, st.UpsertNode("Noise", "Concept", nil, nil, 0.2))
	require.NoError(t, st.UpsertNode("Atlas", "Project", nil, frag("internal data platform"), 0.6))
	require.NoError(t, st.UpsertEdge("Cenk Bisgen", "Atlas", "WORKS_ON", nil))
	require.NoError(t, st.UpsertEdge("Jon Smith", "Atlas", "WORKS_ON", nil))

	mock := &routingLLM{
		routes: map[string]string{
			"Entity name: Speaker 3": `{"verdict": "RENAME", "new_name": "Maria Lindqvist", "confidence": 0.6, "rationale": "full name given in fragment"}`,
			"Entity name: Noise":     `{"verdict": "DELETE", "confidence": 0.95, "rationale": "no substance"}`,
			"may be the same":        `{"should_merge": true, "confidence": 0.95, "rationale": "same person"}`,
		},
		fallback: `{"verdict": "NONE", "confidence": 0.9}`,
	}
	oracle := consolidate.NewLLMOracle(mock, cfg, nil)
	engine := consolidate.NewEngine(st, oracle, locks, tracker, nil, nil, cfg, nil)

	report, err := engine.RunCycle(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, 6, report.Candidates)
	assert.Equal(t, 1, report.Applied["rename"])
	assert.Equal(t, 1, report.Applied["merge"])
	assert.Equal(t, 1, report.Applied["delete"])

	// Weak diarization label got its real name; the old label survives as
	// an alias.
	maria, err := st.GetNode("Maria Lindqvist")
	require.NoError(t, err)
	assert.Contains(t, maria.Aliases, "Speaker 3")

	// The typo duplicate folded into the higher-confidence node and its
	// edge moved along.
	_, err = st.GetNode("Jon Smith")
	assert.ErrorIs(t, err, store.ErrNotFound)
	john, err := st.GetNode("John Smith")
	require.NoError(t, err)
	assert.Contains(t, john.Aliases, "Jon Smith")
	edges, err := st.GetEdgesFrom("John Smith")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "Atlas", edges[0].TargetID)

	// Isolated low-confidence noise is gone.
	_, err = st.GetNode("Noise")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Affected identities landed on the resync ledger.
	ids, err := st.DrainResync(20)
	require.NoError(t, err)
	assert.Contains(t, ids, "John Smith")
	assert.Contains(t, ids, "Maria Lindqvist")

	// The gatekeeper still routes the historical alias to the canonical
	// identity after all of the above.
	res := resolver.New(st, resolver.DefaultConfig(), nil)
	resolution, err := res.Resolve("Sänk", "Person", "")
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionLink, resolution.Action)
	assert.Equal(t, "Cenk Bisgen", resolution.NodeID)
}

func TestCycleSurvivesOracleOutageForOneUnit(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	registry, err := schema.Load(filepath.Join("..", "..", "config", "schema.json"))
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(dir, "graph.db"), registry, store.DefaultFuzzyConfig(), nil)
	require.NoError(t, err)
	defer st.Close()

	locks, err := lock.NewCoordinator(filepath.Join(dir, "locks"), nil)
	require.NoError(t, err)
	tracker, err := manifest.Open(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)

	require.NoError(t, st.UpsertNode("Glitch", "Concept", nil, nil, 0.5))
	require.NoError(t, st.UpsertNode("Steady", "Concept", nil, nil, 0.5))

	// Malformed answer for one node; the other judges fine.
	mock := &routingLLM{
		routes:   map[string]string{"Glitch": "I refuse to answer in JSON."},
		fallback: `{"verdict": "NONE", "confidence": 0.9}`,
	}
	engine := consolidate.NewEngine(st, consolidate.NewLLMOracle(mock, cfg, nil),
		locks, tracker, nil, nil, cfg, nil)

	report, err := engine.RunCycle(context.Background(), "cycle-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Judged)

	// Both nodes are still there; a judgment outage never mutates state.
	_, err = st.GetNode("Glitch")
	assert.NoError(t, err)
	_, err = st.GetNode("Steady")
	assert.NoError(t, err)
}
