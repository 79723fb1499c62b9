// Package consolidate runs the batch refinement cycle: select candidates,
// collect structural and merge judgments from the oracle, then apply the
// surviving operations under an exclusive lock. Judgments happen with no
// lock held; only the snapshot and the apply phase touch the coordinator.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/loom/internal/config"
	"github.com/agenthands/loom/internal/lock"
	"github.com/agenthands/loom/internal/manifest"
	"github.com/agenthands/loom/internal/propagate"
	"github.com/agenthands/loom/internal/store"
)

const (
	PhaseStructural = "structural"
	PhaseMerge      = "merge"
)

// weakNamePattern matches placeholder identities that a rename should
// replace eagerly: UUIDs, diarization labels, unknowns.
var weakNamePattern = regexp.MustCompile(
	`^([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}|Speaker \d+|Unknown.*|Unit_.*)$`)

type Engine struct {
	store   *store.Store
	oracle  Oracle
	locks   *lock.Coordinator
	tracker *manifest.Tracker
	docs    propagate.DocumentStore
	vectors propagate.VectorStore
	cfg     *config.Config
	logger  *zap.Logger
}

func NewEngine(s *store.Store, oracle Oracle, locks *lock.Coordinator, tracker *manifest.Tracker,
	docs propagate.DocumentStore, vectors propagate.VectorStore, cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if docs == nil {
		docs = propagate.NoopDocumentStore{}
	}
	if vectors == nil {
		vectors = propagate.NoopVectorStore{}
	}
	return &Engine{
		store:   s,
		oracle:  oracle,
		locks:   locks,
		tracker: tracker,
		docs:    docs,
		vectors: vectors,
		cfg:     cfg,
		logger:  logger.Named("consolidate"),
	}
}

// CycleReport summarizes one run for the operator.
type CycleReport struct {
	RunID      string         `json:"run_id"`
	Candidates int            `json:"candidates"`
	Judged     int            `json:"judged"`
	Skipped    int            `json:"skipped"`
	Applied    map[string]int `json:"applied"`
	Resynced   int            `json:"resynced"`
}

type mergeDecision struct {
	sourceID string
	targetID string
	resp     *MergeResponse
}

// RunCycle executes one full consolidation cycle. An empty runID starts a
// fresh run; passing the id of an interrupted run resumes it, skipping
// units the manifest already records as complete.
func (e *Engine) RunCycle(ctx context.Context, runID string) (*CycleReport, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := e.tracker.Begin(runID); err != nil {
		return nil, err
	}
	report := &CycleReport{RunID: runID, Applied: map[string]int{}}
	timeout := time.Duration(e.cfg.Consolidation.LockTimeoutSeconds) * time.Second

	// Snapshot under shared locks; the snapshot is only used to decide
	// what to ask the oracle about. Apply re-reads live state later.
	graphLease, vectorLease, err := e.locks.AcquireBoth(false, timeout)
	if err != nil {
		return nil, fmt.Errorf("candidate snapshot: %w", err)
	}
	candidates, err := e.store.RefinementCandidates(e.cfg.Consolidation.CandidateLimit)
	graphLease.Release()
	vectorLease.Release()
	if err != nil {
		return nil, err
	}
	report.Candidates = len(candidates)
	if len(candidates) == 0 {
		return report, nil
	}

	ids := make([]string, len(candidates))
	byID := make(map[string]*store.Node, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
		byID[c.ID] = c
	}

	// Phase 1: structural judgment, no lock held.
	pending := e.tracker.PendingOf(ids, PhaseStructural)
	verdicts := e.judgeStructural(ctx, byID, pending, report)

	// Phase 2: merge judgment over fuzzy-bounded same-type pairs.
	pairs := e.mergePairs(candidates)
	merges := e.judgeMerges(ctx, pairs, report)

	if err := ctx.Err(); err != nil {
		return report, err
	}

	// Phase 3: apply, exclusive on both resources for the whole phase.
	// Oracle-side fragment condensing is deferred until the locks drop.
	graphLease, vectorLease, err = e.locks.AcquireBoth(true, timeout)
	if err != nil {
		return nil, fmt.Errorf("apply phase: %w", err)
	}
	affected, removed, oversized := e.apply(ctx, verdicts, merges, report)
	if len(affected) > 0 {
		if err := e.store.QueueResync(affected); err != nil {
			e.logger.Error("failed to queue resync", zap.Error(err))
		}
		report.Resynced = len(affected)
	}
	graphLease.Release()
	vectorLease.Release()

	if len(oversized) > 0 {
		e.condenseOversized(ctx, oversized, timeout)
	}

	e.notifyCollaborators(ctx, affected, removed)

	e.logger.Info("cycle finished",
		zap.String("run_id", runID),
		zap.Int("candidates", report.Candidates),
		zap.Int("judged", report.Judged),
		zap.Int("skipped", report.Skipped),
		zap.Any("applied", report.Applied))
	return report, nil
}

// judgeStructural fans candidate briefs out to the oracle. A failed
// judgment never fails the cycle: the unit is logged, marked failed in
// the manifest, and skipped.
func (e *Engine) judgeStructural(ctx context.Context, byID map[string]*store.Node, pending []string, report *CycleReport) map[string]*StructuralResponse {
	out := make(map[string]*StructuralResponse, len(pending))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Consolidation.Concurrency)
	for _, id := range pending {
		node := byID[id]
		if node == nil {
			continue
		}
		g.Go(func() error {
			frags := node.Fragments()
			texts := make([]string, len(frags))
			for i, f := range frags {
				texts[i] = f.Text
			}
			resp, err := e.oracle.JudgeStructure(ctx, &StructuralRequest{
				NodeID:           node.ID,
				Type:             node.Type,
				TypeDescription:  e.store.Registry().DescribeType(node.Type),
				ContextFragments: texts,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("structural judgment skipped",
					zap.String("node", node.ID), zap.Error(err))
				report.Skipped++
				if merr := e.tracker.MarkFailed(node.ID, PhaseStructural); merr != nil {
					e.logger.Error("manifest write failed", zap.Error(merr))
				}
				return nil
			}
			out[node.ID] = resp
			report.Judged++
			return nil
		})
	}
	g.Wait()
	return out
}

type mergePair struct {
	a, b  *store.Node
	score float64
}

// mergePairs bounds the quadratic pair space: same type, combined fuzzy
// score at or above the configured floor, and not already judged in this
// run.
func (e *Engine) mergePairs(candidates []*store.Node) []mergePair {
	var pairs []mergePair
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.Type != b.Type {
				continue
			}
			score := store.PairScore(a.ID, b.ID)
			if score < e.cfg.Consolidation.MergePairThreshold {
				continue
			}
			if e.tracker.IsComplete(pairUnit(a.ID, b.ID), PhaseMerge) {
				continue
			}
			pairs = append(pairs, mergePair{a: a, b: b, score: score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	return pairs
}

func (e *Engine) judgeMerges(ctx context.Context, pairs []mergePair, report *CycleReport) []mergeDecision {
	var out []mergeDecision
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Consolidation.Concurrency)
	for _, p := range pairs {
		g.Go(func() error {
			resp, err := e.oracle.JudgeMerge(ctx, &MergeRequest{
				NodeA:    p.a.ID,
				NodeB:    p.b.ID,
				Evidence: mergeEvidence(p.a, p.b),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("merge judgment skipped",
					zap.String("a", p.a.ID), zap.String("b", p.b.ID), zap.Error(err))
				report.Skipped++
				if merr := e.tracker.MarkFailed(pairUnit(p.a.ID, p.b.ID), PhaseMerge); merr != nil {
					e.logger.Error("manifest write failed", zap.Error(merr))
				}
				return nil
			}
			report.Judged++
			// Lower-confidence node folds into the higher-confidence one.
			src, dst := p.a, p.b
			if src.Confidence > dst.Confidence {
				src, dst = dst, src
			}
			out = append(out, mergeDecision{sourceID: src.ID, targetID: dst.ID, resp: resp})
			return nil
		})
	}
	g.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].targetID != out[j].targetID {
			return out[i].targetID < out[j].targetID
		}
		return out[i].sourceID < out[j].sourceID
	})
	return out
}

// apply commits validated operations in a strict order. Each individual
// operation re-reads live node state first: earlier operations in the
// same cycle may have moved the identities later ones refer to. The
// returned oversized map lists post-merge fragment lists at or above the
// prune threshold, to be condensed once the locks are released.
func (e *Engine) apply(ctx context.Context, verdicts map[string]*StructuralResponse, merges []mergeDecision, report *CycleReport) (affected, removed []string, oversized map[string][]store.Fragment) {
	touched := map[string]bool{}
	gone := map[string]bool{}
	oversized = map[string][]store.Fragment{}
	mark := func(id string) { touched[id] = true }
	cc := e.cfg.Consolidation

	done := func(unit, phase string) {
		if err := e.tracker.MarkComplete(unit, phase); err != nil {
			e.logger.Error("manifest write failed", zap.Error(err))
		}
	}

	ordered := make([]string, 0, len(verdicts))
	for id := range verdicts {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	// RECATEGORIZE
	for _, id := range ordered {
		v := verdicts[id]
		if v.Verdict != VerdictRecategorize {
			continue
		}
		if ctx.Err() != nil {
			return keys(touched), keys(gone), oversized
		}
		if v.Confidence < cc.RecategorizeThreshold {
			e.logger.Info("recategorize below threshold", zap.String("node", id))
			done(id, PhaseStructural)
			continue
		}
		if _, err := e.store.GetNode(id); err != nil {
			done(id, PhaseStructural)
			continue
		}
		err := e.store.RecategorizeNode(id, v.TargetType)
		var terr *store.InvalidEdgeTransitionError
		switch {
		case errors.As(err, &terr):
			e.logger.Warn("recategorize refused",
				zap.String("node", id), zap.Strings("conflicts", terr.Conflicts))
		case err != nil:
			e.logger.Error("recategorize failed", zap.String("node", id), zap.Error(err))
		default:
			report.Applied["recategorize"]++
			mark(id)
		}
		done(id, PhaseStructural)
	}

	// MERGE. Fragments are concatenated in full here; oversized lists are
	// condensed after the locks drop, so no oracle call happens in this scope.
	for _, m := range merges {
		if ctx.Err() != nil {
			return keys(touched), keys(gone), oversized
		}
		unit := pairUnit(m.sourceID, m.targetID)
		if !m.resp.ShouldMerge {
			done(unit, PhaseMerge)
			continue
		}
		if _, err := e.store.GetNode(m.targetID); err != nil {
			done(unit, PhaseMerge)
			continue
		}
		merged, err := e.store.MergeNodes(m.sourceID, m.targetID, 0)
		var terr *store.InvalidEdgeTransitionError
		switch {
		case errors.As(err, &terr):
			e.logger.Warn("merge refused",
				zap.String("source", m.sourceID), zap.String("target", m.targetID),
				zap.Strings("conflicts", terr.Conflicts))
		case err != nil:
			e.logger.Error("merge failed",
				zap.String("source", m.sourceID), zap.String("target", m.targetID), zap.Error(err))
		case !merged:
			// Source already folded away earlier in the cycle; nothing to
			// corroborate.
		default:
			report.Applied["merge"]++
			mark(m.targetID)
			gone[m.sourceID] = true
			if err := e.store.BumpConfidence(m.targetID, cc.ConfidenceWeight*m.resp.Confidence); err != nil {
				e.logger.Error("confidence bump failed", zap.String("node", m.targetID), zap.Error(err))
			}
			if node, err := e.store.GetNode(m.targetID); err == nil {
				if frags := node.Fragments(); len(frags) >= cc.PruneThreshold {
					oversized[m.targetID] = frags
				}
			}
		}
		done(unit, PhaseMerge)
	}

	// RENAME
	for _, id := range ordered {
		v := verdicts[id]
		if v.Verdict != VerdictRename {
			continue
		}
		if ctx.Err() != nil {
			return keys(touched), keys(gone), oversized
		}
		threshold := cc.RenameThreshold
		if weakNamePattern.MatchString(id) {
			threshold = cc.RenameWeakThreshold
		}
		if v.Confidence < threshold || v.NewName == "" || v.NewName == id {
			done(id, PhaseStructural)
			continue
		}
		if _, err := e.store.GetNode(id); err != nil {
			done(id, PhaseStructural)
			continue
		}
		if err := e.store.RenameNode(id, v.NewName); err != nil {
			e.logger.Warn("rename refused",
				zap.String("from", id), zap.String("to", v.NewName), zap.Error(err))
		} else {
			report.Applied["rename"]++
			mark(v.NewName)
			gone[id] = true
		}
		done(id, PhaseStructural)
	}

	// SPLIT
	for _, id := range ordered {
		v := verdicts[id]
		if v.Verdict != VerdictSplit {
			continue
		}
		if ctx.Err() != nil {
			return keys(touched), keys(gone), oversized
		}
		if v.Confidence < cc.SplitThreshold || len(v.SplitParts) == 0 {
			done(id, PhaseStructural)
			continue
		}
		if _, err := e.store.GetNode(id); err != nil {
			done(id, PhaseStructural)
			continue
		}
		parts := make([]store.SplitPart, len(v.SplitParts))
		for i, p := range v.SplitParts {
			parts[i] = store.SplitPart{Name: p.Name, FragmentIdx: p.FragmentIdx, Neighbors: p.Neighbors}
		}
		if err := e.store.SplitNode(id, parts, e.cfg.Resolver.InitialConfidence); err != nil {
			e.logger.Warn("split refused", zap.String("node", id), zap.Error(err))
		} else {
			report.Applied["split"]++
			mark(id)
			for _, p := range parts {
				mark(p.Name)
			}
		}
		done(id, PhaseStructural)
	}

	// DELETE
	for _, id := range ordered {
		v := verdicts[id]
		if v.Verdict != VerdictDelete {
			continue
		}
		if ctx.Err() != nil {
			return keys(touched), keys(gone), oversized
		}
		node, err := e.store.GetNode(id)
		if err != nil {
			done(id, PhaseStructural)
			continue
		}
		if v.Confidence < cc.DeleteThreshold || node.Confidence > cc.DeleteMaxConfidence {
			e.logger.Info("delete vetoed",
				zap.String("node", id),
				zap.Float64("verdict_confidence", v.Confidence),
				zap.Float64("node_confidence", node.Confidence))
			done(id, PhaseStructural)
			continue
		}
		if err := e.store.DeleteNode(id); err != nil {
			if errors.Is(err, store.ErrNotIsolated) {
				e.logger.Info("delete vetoed, node has edges", zap.String("node", id))
			} else {
				e.logger.Error("delete failed", zap.String("node", id), zap.Error(err))
			}
		} else {
			report.Applied["delete"]++
			gone[id] = true
		}
		done(id, PhaseStructural)
	}

	// NONE verdicts corroborate the node as-is.
	for _, id := range ordered {
		if verdicts[id].Verdict != VerdictNone {
			continue
		}
		if err := e.store.BumpConfidence(id, cc.ConfidenceWeight); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("confidence bump failed", zap.String("node", id), zap.Error(err))
		}
		done(id, PhaseStructural)
	}

	return keys(touched), keys(gone), oversized
}

// condenseOversized prunes fragment lists that outgrew the threshold
// during apply. The oracle round-trips run with no lock held; the results
// are written back under a fresh exclusive scope. When the oracle fails,
// the newest fragments up to the threshold are kept instead, so the
// post-merge bound holds either way.
func (e *Engine) condenseOversized(ctx context.Context, oversized map[string][]store.Fragment, timeout time.Duration) {
	limit := e.cfg.Consolidation.PruneThreshold
	condensed := make(map[string][]store.Fragment, len(oversized))
	for _, id := range keysOfFragments(oversized) {
		frags := oversized[id]
		out, err := e.oracle.CondenseFragments(ctx, id, frags)
		if err != nil || len(out) == 0 || len(out) > len(frags) {
			e.logger.Warn("fragment condensing failed, keeping newest",
				zap.String("node", id), zap.Error(err))
			out = frags
			if limit > 0 && len(out) > limit {
				out = out[len(out)-limit:]
			}
		}
		condensed[id] = out
	}

	graphLease, vectorLease, err := e.locks.AcquireBoth(true, timeout)
	if err != nil {
		e.logger.Error("prune write-back skipped", zap.Error(err))
		return
	}
	defer graphLease.Release()
	defer vectorLease.Release()

	for id, frags := range condensed {
		node, err := e.store.GetNode(id)
		if err != nil {
			continue
		}
		// Keep anything a writer appended while the locks were down.
		live := node.Fragments()
		if n := len(oversized[id]); len(live) > n {
			frags = append(frags, live[n:]...)
		}
		if err := e.store.SetFragments(id, frags); err != nil {
			e.logger.Error("failed to store condensed fragments", zap.String("node", id), zap.Error(err))
			continue
		}
		e.logger.Info("fragments condensed",
			zap.String("node", id), zap.Int("removed", len(live)-len(frags)))
	}
}

func (e *Engine) notifyCollaborators(ctx context.Context, affected, removed []string) {
	for _, id := range removed {
		if err := e.vectors.NotifyDelete(ctx, id); err != nil {
			e.logger.Warn("vector delete notification failed", zap.String("node", id), zap.Error(err))
		}
	}
	for _, id := range affected {
		node, err := e.store.GetNode(id)
		if err != nil {
			continue
		}
		if err := e.vectors.NotifyUpsert(ctx, node); err != nil {
			e.logger.Warn("vector upsert notification failed", zap.String("node", id), zap.Error(err))
		}
		if err := e.docs.PropagateUpdate(ctx, id); err != nil {
			e.logger.Warn("document propagation failed", zap.String("node", id), zap.Error(err))
		}
	}
}

func mergeEvidence(a, b *store.Node) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A: %s (type %s, aliases %v)\n", a.ID, a.Type, a.Aliases)
	for _, f := range a.Fragments() {
		fmt.Fprintf(&sb, "  - %s\n", f.Text)
	}
	fmt.Fprintf(&sb, "B: %s (type %s, aliases %v)\n", b.ID, b.Type, b.Aliases)
	for _, f := range b.Fragments() {
		fmt.Fprintf(&sb, "  - %s\n", f.Text)
	}
	return sb.String()
}

// pairUnit is order-independent so a pair is one manifest unit no matter
// which node came first.
func pairUnit(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keysOfFragments(m map[string][]store.Fragment) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
