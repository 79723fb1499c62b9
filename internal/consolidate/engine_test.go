package consolidate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/lock"
	"github.com/agenthands/loom/internal/manifest"
	"github.com/agenthands/loom/internal/schema"
	"github.com/agenthands/loom/internal/store"
)

// scriptedOracle returns canned verdicts keyed by node id / pair. Nodes
// without a script get NONE.
type scriptedOracle struct {
	mu              sync.Mutex
	structural      map[string]*StructuralResponse
	structuralErr   map[string]error
	merge           map[string]*MergeResponse
	condense        func(ctx context.Context, nodeID string, frags []store.Fragment) ([]store.Fragment, error)
	structuralCalls int
	mergeCalls      int
	condenseCalls   int
}

func (o *scriptedOracle) JudgeStructure(ctx context.Context, req *StructuralRequest) (*StructuralResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.structuralCalls++
	if err, ok := o.structuralErr[req.NodeID]; ok {
		return nil, &JudgmentError{Unit: req.NodeID, Err: err}
	}
	if resp, ok := o.structural[req.NodeID]; ok {
		return resp, nil
	}
	return &StructuralResponse{Verdict: VerdictNone, Confidence: 0.9}, nil
}

func (o *scriptedOracle) JudgeMerge(ctx context.Context, req *MergeRequest) (*MergeResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mergeCalls++
	if resp, ok := o.merge[pairUnit(req.NodeA, req.NodeB)]; ok {
		return resp, nil
	}
	return &MergeResponse{ShouldMerge: false, Confidence: 0.9}, nil
}

func (o *scriptedOracle) CondenseFragments(ctx context.Context, nodeID string, frags []store.Fragment) ([]store.Fragment, error) {
	o.mu.Lock()
	o.condenseCalls++
	fn := o.condense
	o.mu.Unlock()
	if fn != nil {
		return fn(ctx, nodeID, frags)
	}
	if len(frags) > 3 {
		return frags[:3], nil
	}
	return frags, nil
}

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[consolidation]
candidate_limit = 20
concurrency = 2
merge_pair_threshold = 0.6
`), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, oracle Oracle) (*Engine, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	reg := schema.NewRegistry(&schema.Catalog{
		Meta: schema.Meta{Version: "test"},
		BaseProperties: map[string]*schema.PropertySchema{
			"context": {
				Type: "list",
				Items: &schema.PropertySchema{
					Type: "record",
					Fields: map[string]*schema.PropertySchema{
						"text":   {Type: "string", Required: true},
						"origin": {Type: "string", Required: true},
					},
				},
			},
		},
		Nodes: map[string]*schema.NodeSchema{
			"Person":  {Description: "A person."},
			"Project": {Description: "A project."},
			"Concept": {Description: "A concept."},
		},
		Edges: map[string]*schema.EdgeSchema{
			"WORKS_ON": {SourceTypes: []string{"Person"}, TargetTypes: []string{"Project"}},
			"KNOWS":    {SourceTypes: []string{"Person"}, TargetTypes: []string{"Person"}},
		},
	})
	s, err := store.Open(filepath.Join(dir, "graph.db"), reg, store.DefaultFuzzyConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	locks, err := lock.NewCoordinator(filepath.Join(dir, "locks"), nil)
	require.NoError(t, err)
	tracker, err := manifest.Open(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)

	return NewEngine(s, oracle, locks, tracker, nil, nil, testEngineConfig(t), nil), s
}

func frags(texts ...string) map[string]interface{} {
	list := make([]interface{}, len(texts))
	for i, txt := range texts {
		list[i] = map[string]interface{}{"text": txt, "origin": "doc"}
	}
	return map[string]interface{}{"context": list}
}

func TestCycleNoneVerdictCorroborates(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Alice", "Person", nil, frags("runs the project"), 0.5))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Judged)

	node, err := s.GetNode("Alice")
	require.NoError(t, err)
	assert.Greater(t, node.Confidence, 0.5)
}

func TestCycleRenameAppliedForWeakName(t *testing.T) {
	oracle := &scriptedOracle{structural: map[string]*StructuralResponse{
		"Speaker 2": {Verdict: VerdictRename, NewName: "Cenk Bisgen", Confidence: 0.6},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Speaker 2", "Person", nil, frags("introduced as Cenk Bisgen"), 0.4))
	require.NoError(t, s.UpsertNode("Atlas", "Project", nil, nil, 0.5))
	require.NoError(t, s.UpsertEdge("Speaker 2", "Atlas", "WORKS_ON", nil))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied["rename"])

	node, err := s.GetNode("Cenk Bisgen")
	require.NoError(t, err)
	assert.Contains(t, node.Aliases, "Speaker 2")

	edges, err := s.GetEdgesFrom("Cenk Bisgen")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "Atlas", edges[0].TargetID)
}

func TestCycleRenameVetoedBelowThreshold(t *testing.T) {
	// "Alice" is not a weak name, so 0.6 is under the normal bar.
	oracle := &scriptedOracle{structural: map[string]*StructuralResponse{
		"Alice": {Verdict: VerdictRename, NewName: "Alice Andersson", Confidence: 0.6},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Alice", "Person", nil, nil, 0.5))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, report.Applied["rename"])

	_, err = s.GetNode("Alice")
	assert.NoError(t, err)
}

func TestCycleMergeApplied(t *testing.T) {
	oracle := &scriptedOracle{merge: map[string]*MergeResponse{
		pairUnit("Jon Smith", "John Smith"): {ShouldMerge: true, Confidence: 0.95},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("John Smith", "Person", []string{"Smithy"}, frags("met at kickoff"), 0.8))
	require.NoError(t, s.UpsertNode("Jon Smith", "Person", nil, frags("same person, typo"), 0.3))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied["merge"])

	// Lower confidence folded into higher.
	_, err = s.GetNode("Jon Smith")
	assert.ErrorIs(t, err, store.ErrNotFound)

	node, err := s.GetNode("John Smith")
	require.NoError(t, err)
	assert.Contains(t, node.Aliases, "Jon Smith")
	assert.Contains(t, node.Aliases, "Smithy")
	assert.Len(t, node.Fragments(), 2)

	// Affected ids land on the resync ledger.
	ids, err := s.DrainResync(10)
	require.NoError(t, err)
	assert.Contains(t, ids, "John Smith")
}

func TestCycleMergeNoOpSourceNotCounted(t *testing.T) {
	// Both decisions fold "Jon Smith" away; the second finds it gone and
	// must count nothing and corroborate nothing.
	oracle := &scriptedOracle{merge: map[string]*MergeResponse{
		pairUnit("Jon Smith", "Jhon Smith"): {ShouldMerge: true, Confidence: 0.95},
		pairUnit("Jon Smith", "John Smith"): {ShouldMerge: true, Confidence: 0.95},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Jon Smith", "Person", nil, frags("typo"), 0.3))
	require.NoError(t, s.UpsertNode("John Smith", "Person", nil, frags("kickoff"), 0.6))
	require.NoError(t, s.UpsertNode("Jhon Smith", "Person", nil, frags("chat"), 0.7))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied["merge"])

	// Decisions apply in target order, so "Jhon Smith" won the source.
	winner, err := s.GetNode("Jhon Smith")
	require.NoError(t, err)
	assert.Contains(t, winner.Aliases, "Jon Smith")

	// The other target saw only its NONE corroboration, no merge bump.
	other, err := s.GetNode("John Smith")
	require.NoError(t, err)
	assert.NotContains(t, other.Aliases, "Jon Smith")
	assert.InDelta(t, 0.66, other.Confidence, 1e-9)
}

func TestCycleMergeCondensesAfterLocksDrop(t *testing.T) {
	oracle := &scriptedOracle{merge: map[string]*MergeResponse{
		pairUnit("Jon Smith", "John Smith"): {ShouldMerge: true, Confidence: 0.95},
	}}
	e, s := newTestEngine(t, oracle)
	e.cfg.Consolidation.PruneThreshold = 4
	require.NoError(t, s.UpsertNode("John Smith", "Person", nil, frags("a", "b", "c"), 0.8))
	require.NoError(t, s.UpsertNode("Jon Smith", "Person", nil, frags("d", "e", "f"), 0.3))

	// A shared lock must be obtainable while the condense call runs.
	var lockErr error
	oracle.condense = func(ctx context.Context, nodeID string, fr []store.Fragment) ([]store.Fragment, error) {
		lease, err := e.locks.Acquire(lock.ResourceGraph, false, 500*time.Millisecond)
		lockErr = err
		if err == nil {
			lease.Release()
		}
		return fr[:2], nil
	}

	_, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, oracle.condenseCalls)
	require.NoError(t, lockErr, "condense ran with the exclusive lock pair still held")

	node, err := s.GetNode("John Smith")
	require.NoError(t, err)
	assert.Len(t, node.Fragments(), 2)
}

func TestCycleMergeCondenseFailureKeepsNewest(t *testing.T) {
	oracle := &scriptedOracle{merge: map[string]*MergeResponse{
		pairUnit("Jon Smith", "John Smith"): {ShouldMerge: true, Confidence: 0.95},
	}}
	e, s := newTestEngine(t, oracle)
	e.cfg.Consolidation.PruneThreshold = 4
	require.NoError(t, s.UpsertNode("John Smith", "Person", nil, frags("1", "2", "3"), 0.8))
	require.NoError(t, s.UpsertNode("Jon Smith", "Person", nil, frags("4", "5", "6"), 0.3))

	oracle.condense = func(ctx context.Context, nodeID string, fr []store.Fragment) ([]store.Fragment, error) {
		return nil, &JudgmentError{Unit: nodeID, Err: context.DeadlineExceeded}
	}

	_, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)

	// Full concatenation survived the merge itself; the fallback then
	// capped it to the newest fragments within the threshold.
	node, err := s.GetNode("John Smith")
	require.NoError(t, err)
	fr := node.Fragments()
	require.Len(t, fr, 4)
	assert.Equal(t, "3", fr[0].Text)
	assert.Equal(t, "6", fr[3].Text)
}

func TestCycleMergeSkipsDissimilarPairs(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Zanzibar Trip", "Concept", nil, nil, 0.5))
	require.NoError(t, s.UpsertNode("Quarterly Budget", "Concept", nil, nil, 0.5))

	_, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, oracle.mergeCalls, "dissimilar pair reached the oracle")
}

func TestCycleJudgmentFailureIsIsolated(t *testing.T) {
	oracle := &scriptedOracle{
		structuralErr: map[string]error{"Broken": context.DeadlineExceeded},
	}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Broken", "Person", nil, nil, 0.5))
	require.NoError(t, s.UpsertNode("Alice", "Person", nil, nil, 0.5))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err, "one failed judgment must not abort the cycle")
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Judged)
}

func TestCycleDeleteGuards(t *testing.T) {
	oracle := &scriptedOracle{structural: map[string]*StructuralResponse{
		"Noise":     {Verdict: VerdictDelete, Confidence: 0.95},
		"Connected": {Verdict: VerdictDelete, Confidence: 0.95},
		"Trusted":   {Verdict: VerdictDelete, Confidence: 0.95},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Noise", "Person", nil, nil, 0.2))
	require.NoError(t, s.UpsertNode("Trusted", "Person", nil, nil, 0.9))
	require.NoError(t, s.UpsertNode("Connected", "Person", nil, nil, 0.2))
	require.NoError(t, s.UpsertNode("Atlas", "Project", nil, nil, 0.5))
	require.NoError(t, s.UpsertEdge("Connected", "Atlas", "WORKS_ON", nil))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied["delete"])

	_, err = s.GetNode("Noise")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Degree veto and confidence veto.
	_, err = s.GetNode("Connected")
	assert.NoError(t, err)
	_, err = s.GetNode("Trusted")
	assert.NoError(t, err)
}

func TestCycleRecategorizeRefusalSkips(t *testing.T) {
	oracle := &scriptedOracle{structural: map[string]*StructuralResponse{
		"Alice": {Verdict: VerdictRecategorize, TargetType: "Concept", Confidence: 0.9},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Alice", "Person", nil, nil, 0.5))
	require.NoError(t, s.UpsertNode("Atlas", "Project", nil, nil, 0.5))
	require.NoError(t, s.UpsertEdge("Alice", "Atlas", "WORKS_ON", nil))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Zero(t, report.Applied["recategorize"])

	node, err := s.GetNode("Alice")
	require.NoError(t, err)
	assert.Equal(t, "Person", node.Type)
}

func TestCycleSplitApplied(t *testing.T) {
	oracle := &scriptedOracle{structural: map[string]*StructuralResponse{
		"Alex": {Verdict: VerdictSplit, Confidence: 0.9, SplitParts: []SplitPart{
			{Name: "Alex the Musician", FragmentIdx: []int{0}},
		}},
	}}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Alex", "Person", nil, frags("plays guitar", "works at Adda"), 0.9))

	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied["split"])

	created, err := s.GetNode("Alex the Musician")
	require.NoError(t, err)
	assert.Len(t, created.Fragments(), 1)

	origin, err := s.GetNode("Alex")
	require.NoError(t, err)
	assert.Less(t, origin.Confidence, 0.9, "contradicting verdict must reduce confidence")
}

func TestCycleResumeSkipsCompletedUnits(t *testing.T) {
	oracle := &scriptedOracle{}
	e, s := newTestEngine(t, oracle)
	require.NoError(t, s.UpsertNode("Alice", "Person", nil, nil, 0.5))
	require.NoError(t, s.UpsertNode("Bob", "Person", nil, nil, 0.5))

	_, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	firstCalls := oracle.structuralCalls
	assert.Equal(t, 2, firstCalls)

	// Same run id: everything is already in the manifest.
	report, err := e.RunCycle(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, firstCalls, oracle.structuralCalls, "completed units were re-judged")
	assert.Zero(t, report.Judged)

	// A new run id starts over.
	_, err = e.RunCycle(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Equal(t, firstCalls+2, oracle.structuralCalls)
}

func TestCycleEmptyGraph(t *testing.T) {
	e, _ := newTestEngine(t, &scriptedOracle{})
	report, err := e.RunCycle(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
	assert.NotEmpty(t, report.RunID)
}
