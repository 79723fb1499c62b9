package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/schema"
)

// RenameNode performs the canonical swap: newID becomes the node's id, the
// old id is demoted into aliases, and every edge referencing oldID by
// value is rewritten to newID. One transaction, so a cancelled rename
// never leaves edges pointing at a ghost.
func (s *Store) RenameNode(oldID, newID string) error {
	if newID == "" || newID == oldID {
		return fmt.Errorf("invalid rename target '%s'", newID)
	}

	node, err := s.GetNode(oldID)
	if err != nil {
		return fmt.Errorf("rename source '%s': %w", oldID, err)
	}
	if _, err := s.GetNode(newID); err == nil {
		return fmt.Errorf("rename target '%s' already exists; use MergeNodes", newID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	aliases := append([]string{oldID}, node.Aliases...)
	aliases = dedupeAliases(aliases, newID)

	return s.withTx(func(tx *sql.Tx) error {
		aliasJSON, err := json.Marshal(aliases)
		if err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.Exec(`UPDATE nodes SET id = ?, aliases = ?, updated_at = ? WHERE id = ?`,
			newID, string(aliasJSON), now, oldID); err != nil {
			return fmt.Errorf("failed to rename node row: %w", err)
		}
		if _, err := tx.Exec(`UPDATE edges SET source_id = ? WHERE source_id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("failed to rewrite outgoing edges: %w", err)
		}
		if _, err := tx.Exec(`UPDATE edges SET target_id = ? WHERE target_id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("failed to rewrite incoming edges: %w", err)
		}
		s.logger.Info("renamed node", zap.String("old", oldID), zap.String("new", newID))
		return nil
	})
}

// MergeNodes folds sourceID into targetID: aliases unioned, edges
// re-pointed, context fragments concatenated, source deleted. Returns
// false when nothing happened: the source is already merged away, or
// source and target are the same node. Idempotent either way.
//
// Every edge that would be re-pointed is validated against the target's
// type first; the whole merge is refused with InvalidEdgeTransitionError
// when any edge would become invalid. A pruneLimit > 0 hard-caps the
// concatenated fragments (newest kept); 0 keeps the full list so the
// caller can condense it semantically and write the result back.
func (s *Store) MergeNodes(sourceID, targetID string, pruneLimit int) (bool, error) {
	if sourceID == targetID {
		return false, nil
	}
	target, err := s.GetNode(targetID)
	if err != nil {
		return false, fmt.Errorf("merge target '%s': %w", targetID, err)
	}
	source, err := s.GetNode(sourceID)
	if errors.Is(err, ErrNotFound) {
		// Already merged away.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("merge source '%s': %w", sourceID, err)
	}

	conflicts, err := s.mergeEdgeConflicts(sourceID, targetID, target.Type)
	if err != nil {
		return false, err
	}
	if len(conflicts) > 0 {
		return false, &InvalidEdgeTransitionError{NodeID: sourceID, NewType: target.Type, Conflicts: conflicts}
	}

	aliases := append(append([]string{sourceID}, target.Aliases...), source.Aliases...)
	aliases = dedupeAliases(aliases, targetID)

	frags := append(target.Fragments(), source.Fragments()...)
	if pruneLimit > 0 && len(frags) > pruneLimit {
		frags = frags[len(frags)-pruneLimit:]
	}

	props := target.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	props[ContextKey] = fragmentsToValue(frags)

	// Corroboration: a merge is evidence for the surviving identity.
	confidence := target.Confidence
	if source.Confidence > confidence {
		confidence = source.Confidence
	}

	aliasJSON, err := json.Marshal(aliases)
	if err != nil {
		return false, err
	}
	propJSON, err := json.Marshal(props)
	if err != nil {
		return false, err
	}

	err = s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.Exec(`UPDATE nodes SET aliases = ?, properties = ?, confidence = ?, updated_at = ? WHERE id = ?`,
			string(aliasJSON), string(propJSON), confidence, now, targetID); err != nil {
			return fmt.Errorf("failed to update merge target: %w", err)
		}
		// Re-point edges, dropping any that would now duplicate an
		// existing (source,target,type) key or point a node at itself.
		if _, err := tx.Exec(`DELETE FROM edges WHERE source_id = ?1 AND EXISTS (
			SELECT 1 FROM edges e2 WHERE e2.source_id = ?2 AND e2.target_id = edges.target_id AND e2.edge_type = edges.edge_type)`,
			sourceID, targetID); err != nil {
			return fmt.Errorf("failed to drop duplicate outgoing edges: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM edges WHERE target_id = ?1 AND EXISTS (
			SELECT 1 FROM edges e2 WHERE e2.target_id = ?2 AND e2.source_id = edges.source_id AND e2.edge_type = edges.edge_type)`,
			sourceID, targetID); err != nil {
			return fmt.Errorf("failed to drop duplicate incoming edges: %w", err)
		}
		if _, err := tx.Exec(`UPDATE edges SET source_id = ? WHERE source_id = ?`, targetID, sourceID); err != nil {
			return fmt.Errorf("failed to re-point outgoing edges: %w", err)
		}
		if _, err := tx.Exec(`UPDATE edges SET target_id = ? WHERE target_id = ?`, targetID, sourceID); err != nil {
			return fmt.Errorf("failed to re-point incoming edges: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM edges WHERE source_id = ?1 AND target_id = ?1`, targetID); err != nil {
			return fmt.Errorf("failed to drop self edges: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, sourceID); err != nil {
			return fmt.Errorf("failed to delete merge source: %w", err)
		}
		s.logger.Info("merged nodes",
			zap.String("source", sourceID), zap.String("target", targetID), zap.Int("fragments", len(frags)))
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// mergeEdgeConflicts validates every edge touching sourceID as if its
// endpoint already had the target's type. Edges between source and target
// are skipped: they collapse into self edges and are dropped by the merge.
func (s *Store) mergeEdgeConflicts(sourceID, targetID, targetType string) ([]string, error) {
	outgoing, err := s.GetEdgesFrom(sourceID)
	if err != nil {
		return nil, err
	}
	incoming, err := s.GetEdgesTo(sourceID)
	if err != nil {
		return nil, err
	}

	typeOf := func(nodeID string) (string, error) {
		if nodeID == sourceID {
			return targetType, nil
		}
		n, err := s.GetNode(nodeID)
		if err != nil {
			return "", fmt.Errorf("edge endpoint '%s': %w", nodeID, err)
		}
		return n.Type, nil
	}

	var conflicts []string
	for _, e := range append(outgoing, incoming...) {
		if e.SourceID == targetID || e.TargetID == targetID {
			continue
		}
		srcType, err := typeOf(e.SourceID)
		if err != nil {
			return nil, err
		}
		dstType, err := typeOf(e.TargetID)
		if err != nil {
			return nil, err
		}
		if err := s.registry.ValidateEdge(e.EdgeType, srcType, dstType); err != nil {
			conflicts = append(conflicts, fmt.Sprintf("%s-[%s]->%s: %v", e.SourceID, e.EdgeType, e.TargetID, err))
		}
	}
	return conflicts, nil
}

// RecategorizeNode changes the node's type, but only if every edge
// touching it stays valid under the new type. On any conflict the whole
// operation is refused; there is no partial apply.
func (s *Store) RecategorizeNode(id, newType string) error {
	node, err := s.GetNode(id)
	if err != nil {
		return fmt.Errorf("recategorize '%s': %w", id, err)
	}
	if !s.registry.HasNodeType(newType) {
		return &schema.ViolationError{NodeType: newType, Violations: []schema.Violation{
			{Message: fmt.Sprintf("unknown node type: %s", newType)},
		}}
	}
	if node.Type == newType {
		return nil
	}

	conflicts, err := s.edgeConflictsUnderType(id, newType)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return &InvalidEdgeTransitionError{NodeID: id, NewType: newType, Conflicts: conflicts}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE nodes SET type = ?, updated_at = ? WHERE id = ?`, newType, now, id); err != nil {
		return fmt.Errorf("failed to recategorize '%s': %w", id, err)
	}
	s.logger.Info("recategorized node", zap.String("id", id), zap.String("type", newType))
	return nil
}

// edgeConflictsUnderType enumerates every edge touching id and validates
// it against the hypothetical new type.
func (s *Store) edgeConflictsUnderType(id, newType string) ([]string, error) {
	outgoing, err := s.GetEdgesFrom(id)
	if err != nil {
		return nil, err
	}
	incoming, err := s.GetEdgesTo(id)
	if err != nil {
		return nil, err
	}

	typeOf := func(nodeID string) (string, error) {
		if nodeID == id {
			return newType, nil
		}
		n, err := s.GetNode(nodeID)
		if err != nil {
			return "", fmt.Errorf("edge endpoint '%s': %w", nodeID, err)
		}
		return n.Type, nil
	}

	var conflicts []string
	for _, e := range append(outgoing, incoming...) {
		srcType, err := typeOf(e.SourceID)
		if err != nil {
			return nil, err
		}
		dstType, err := typeOf(e.TargetID)
		if err != nil {
			return nil, err
		}
		if err := s.registry.ValidateEdge(e.EdgeType, srcType, dstType); err != nil {
			conflicts = append(conflicts, fmt.Sprintf("%s-[%s]->%s: %v", e.SourceID, e.EdgeType, e.TargetID, err))
		}
	}
	return conflicts, nil
}

// SplitPart describes one node to carve out of an overloaded identity.
type SplitPart struct {
	// Name is the new node's canonical id.
	Name string `json:"name"`
	// FragmentIdx selects which of the original context fragments the new
	// node inherits.
	FragmentIdx []int `json:"fragment_indices"`
	// Neighbors lists existing neighbor ids whose edges move to the new
	// node.
	Neighbors []string `json:"neighbors,omitempty"`
}

// SplitNode carves new provisional nodes out of id. The original keeps
// whatever fragments no part claims; claimed fragments and listed neighbor
// edges move to the new nodes. New nodes start at initialConfidence. Each
// part is schema-checked like any other node write; a violation refuses
// the whole split.
func (s *Store) SplitNode(id string, parts []SplitPart, initialConfidence float64) error {
	node, err := s.GetNode(id)
	if err != nil {
		return fmt.Errorf("split '%s': %w", id, err)
	}
	frags := node.Fragments()

	claimed := make(map[int]bool)
	partProps := make([]map[string]interface{}, len(parts))
	for i, part := range parts {
		if part.Name == "" || part.Name == id {
			return fmt.Errorf("invalid split part name '%s'", part.Name)
		}
		if _, err := s.GetNode(part.Name); err == nil {
			return fmt.Errorf("split target '%s' already exists", part.Name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		partFrags := make([]Fragment, 0, len(part.FragmentIdx))
		for _, idx := range part.FragmentIdx {
			if idx < 0 || idx >= len(frags) {
				return fmt.Errorf("split part '%s' references fragment %d of %d", part.Name, idx, len(frags))
			}
			claimed[idx] = true
			partFrags = append(partFrags, frags[idx])
		}
		partProps[i] = map[string]interface{}{ContextKey: fragmentsToValue(partFrags)}
		if violations := s.registry.ValidateNode(node.Type, partProps[i]); len(violations) > 0 {
			return &schema.ViolationError{NodeType: node.Type, Violations: violations}
		}
	}

	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)

		for i, part := range parts {
			propJSON, err := json.Marshal(partProps[i])
			if err != nil {
				return err
			}
			if _, err := tx.Exec(upsertNodeQuery,
				part.Name, node.Type, "[]", string(propJSON), initialConfidence, now, now); err != nil {
				return fmt.Errorf("failed to create split node '%s': %w", part.Name, err)
			}
			for _, neighbor := range part.Neighbors {
				if _, err := tx.Exec(`UPDATE edges SET source_id = ? WHERE source_id = ? AND target_id = ?`,
					part.Name, id, neighbor); err != nil {
					return fmt.Errorf("failed to move edge to split node: %w", err)
				}
				if _, err := tx.Exec(`UPDATE edges SET target_id = ? WHERE target_id = ? AND source_id = ?`,
					part.Name, id, neighbor); err != nil {
					return fmt.Errorf("failed to move edge to split node: %w", err)
				}
			}
		}

		var kept []Fragment
		for i, f := range frags {
			if !claimed[i] {
				kept = append(kept, f)
			}
		}
		props := node.Properties
		props[ContextKey] = fragmentsToValue(kept)
		propJSON, err := json.Marshal(props)
		if err != nil {
			return err
		}
		// A split is a contradicting structural verdict: the surviving
		// identity restarts at provisional confidence.
		if _, err := tx.Exec(`UPDATE nodes SET properties = ?, confidence = ?, updated_at = ? WHERE id = ?`,
			string(propJSON), initialConfidence, now, id); err != nil {
			return fmt.Errorf("failed to update split origin: %w", err)
		}

		s.logger.Info("split node", zap.String("id", id), zap.Int("parts", len(parts)))
		return nil
	})
}

// DeleteNode removes an isolated node. Nodes with edges are never deleted;
// merge or remove the edges first.
func (s *Store) DeleteNode(id string) error {
	degree, err := s.Degree(id)
	if err != nil {
		return err
	}
	if degree > 0 {
		return fmt.Errorf("delete '%s' (degree %d): %w", id, degree, ErrNotIsolated)
	}
	res, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node '%s': %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("deleted node", zap.String("id", id))
	return nil
}

// BumpConfidence nudges confidence toward 1 with diminishing returns:
// new = old + (1-old) * weight. Corroboration never lowers confidence.
func (s *Store) BumpConfidence(id string, weight float64) error {
	if weight < 0 || weight > 1 {
		return fmt.Errorf("evidence weight %v outside [0,1]", weight)
	}
	node, err := s.GetNode(id)
	if err != nil {
		return err
	}
	next := node.Confidence + (1-node.Confidence)*weight
	if next < node.Confidence {
		next = node.Confidence
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`UPDATE nodes SET confidence = ?, updated_at = ? WHERE id = ?`, next, now, id)
	return err
}

// ResetConfidence drops a node back to the given floor after a
// contradicting structural verdict.
func (s *Store) ResetConfidence(id string, floor float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`UPDATE nodes SET confidence = ?, updated_at = ? WHERE id = ?`, floor, now, id)
	return err
}

// SetFragments replaces the node's context fragment list. Used by the
// consolidation engine after oracle-side pruning.
func (s *Store) SetFragments(id string, frags []Fragment) error {
	node, err := s.GetNode(id)
	if err != nil {
		return err
	}
	props := node.Properties
	props[ContextKey] = fragmentsToValue(frags)
	propJSON, err := json.Marshal(props)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`UPDATE nodes SET properties = ?, updated_at = ? WHERE id = ?`, string(propJSON), now, id)
	return err
}

// RefinementCandidates selects nodes for a consolidation cycle: 80% by
// activity (degree, then recency), 20% by staleness, so hot identities get
// serviced without starving long-tail cleanup.
func (s *Store) RefinementCandidates(limit int) ([]*Node, error) {
	if limit <= 0 {
		return nil, nil
	}
	activeN := limit * 4 / 5
	staleN := limit - activeN

	seen := make(map[string]bool, limit)
	var out []*Node

	rows, err := s.db.Query(selectActiveCandidatesQuery, activeN)
	if err != nil {
		return nil, fmt.Errorf("failed to query active candidates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n Node
		var aliasJSON, propJSON, createdAt, updatedAt string
		var degree int
		if err := rows.Scan(&n.ID, &n.Type, &aliasJSON, &propJSON, &n.Confidence, &createdAt, &updatedAt, &degree); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		node, err := decodeNode(&n, aliasJSON, propJSON, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		seen[node.ID] = true
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := s.db.Query(selectStaleCandidatesQuery, staleN+activeN)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale candidates: %w", err)
	}
	defer srows.Close()
	stale, err := scanNodes(srows)
	if err != nil {
		return nil, err
	}
	added := 0
	for _, node := range stale {
		if added >= staleN {
			break
		}
		if seen[node.ID] {
			continue
		}
		seen[node.ID] = true
		out = append(out, node)
		added++
	}

	return out, nil
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func dedupeAliases(aliases []string, canonical string) []string {
	seen := make(map[string]bool, len(aliases))
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		if a == "" || a == canonical || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
