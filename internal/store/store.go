// Package store is the durable node/edge storage layer. Every write path is
// schema-checked before it touches the database, and every multi-step
// mutation runs inside a single transaction so cancellation can never leave
// it half-applied. Cross-process exclusion is the lock coordinator's job;
// the store assumes its caller holds the appropriate lease.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/agenthands/loom/internal/schema"
)

// ContextKey is the node property holding the list of context fragments.
const ContextKey = "context"

var (
	// ErrNotFound means the node or edge does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotIsolated means a delete was refused because edges still touch
	// the node.
	ErrNotIsolated = errors.New("node is not isolated")
)

// InvalidEdgeTransitionError reports a recategorize that was refused
// because existing edges would become invalid under the new type.
type InvalidEdgeTransitionError struct {
	NodeID    string
	NewType   string
	Conflicts []string
}

func (e *InvalidEdgeTransitionError) Error() string {
	return fmt.Sprintf("recategorize %s -> %s would invalidate %d edge(s): %v",
		e.NodeID, e.NewType, len(e.Conflicts), e.Conflicts)
}

// Fragment is one piece of evidence attached to a node.
type Fragment struct {
	Text   string `json:"text"`
	Origin string `json:"origin"`
}

type Node struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Aliases    []string               `json:"aliases"`
	Properties map[string]interface{} `json:"properties"`
	Confidence float64                `json:"confidence"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Fragments decodes the node's context fragment list. Malformed entries
// are dropped rather than guessed at.
func (n *Node) Fragments() []Fragment {
	raw, ok := n.Properties[ContextKey]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var frags []Fragment
	if err := json.Unmarshal(data, &frags); err != nil {
		return nil
	}
	return frags
}

func fragmentsToValue(frags []Fragment) []interface{} {
	out := make([]interface{}, len(frags))
	for i, f := range frags {
		out[i] = map[string]interface{}{"text": f.Text, "origin": f.Origin}
	}
	return out
}

type Edge struct {
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	EdgeType   string                 `json:"edge_type"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Store owns one SQLite connection per process.
type Store struct {
	db       *sql.DB
	registry *schema.Registry
	fuzzy    FuzzyConfig
	logger   *zap.Logger
}

// FuzzyConfig holds the match thresholds. Thresholds are configuration,
// not constants.
type FuzzyConfig struct {
	// MinScore is the combined score floor for a fuzzy candidate.
	MinScore float64
	// MaxCandidates bounds the ranked result list.
	MaxCandidates int
}

func DefaultFuzzyConfig() FuzzyConfig {
	return FuzzyConfig{MinScore: 0.72, MaxCandidates: 10}
}

func Open(path string, registry *schema.Registry, fuzzy FuzzyConfig, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph db '%s': %w", path, err)
	}
	// Single connection: SQLite serializes writers anyway, and the lock
	// coordinator already serializes processes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if fuzzy.MaxCandidates <= 0 {
		fuzzy = DefaultFuzzyConfig()
	}

	return &Store{db: db, registry: registry, fuzzy: fuzzy, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// UpsertNode creates or replaces a node. Schema-checked; fails with no
// partial write on any violation.
func (s *Store) UpsertNode(id, nodeType string, aliases []string, properties map[string]interface{}, confidence float64) error {
	if id == "" {
		return &schema.ViolationError{NodeType: nodeType, Violations: []schema.Violation{{Message: "empty node id"}}}
	}
	if confidence < 0 || confidence > 1 {
		return &schema.ViolationError{NodeType: nodeType, Violations: []schema.Violation{
			{Property: "confidence", Message: fmt.Sprintf("confidence %v outside [0,1]", confidence)},
		}}
	}
	if violations := s.registry.ValidateNode(nodeType, properties); len(violations) > 0 {
		return &schema.ViolationError{NodeType: nodeType, Violations: violations}
	}

	// The current id never appears among its own aliases.
	clean := make([]string, 0, len(aliases))
	seen := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		if a == "" || a == id || seen[a] {
			continue
		}
		seen[a] = true
		clean = append(clean, a)
	}

	aliasJSON, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("failed to encode aliases: %w", err)
	}
	propJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(upsertNodeQuery, id, nodeType, string(aliasJSON), string(propJSON), confidence, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert node '%s': %w", id, err)
	}
	return nil
}

// GetNode returns the node with the given canonical id, or ErrNotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.db.QueryRow(selectNodeQuery, id)
	return scanNode(row)
}

// FindByAlias returns nodes carrying the exact alias.
func (s *Store) FindByAlias(alias string) ([]*Node, error) {
	rows, err := s.db.Query(selectByAliasQuery, alias)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *Store) FindByType(nodeType string) ([]*Node, error) {
	rows, err := s.db.Query(selectByTypeQuery, nodeType)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes by type: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// AllNodes returns every node, ordered by id. Intended for small personal
// graphs and tests; consolidation uses RefinementCandidates instead.
func (s *Store) AllNodes() ([]*Node, error) {
	rows, err := s.db.Query(selectAllNodesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// UpsertEdge creates or replaces an edge. Both endpoints must exist and
// their current types must be permitted for the edge type.
func (s *Store) UpsertEdge(sourceID, targetID, edgeType string, properties map[string]interface{}) error {
	src, err := s.GetNode(sourceID)
	if err != nil {
		return fmt.Errorf("edge source '%s': %w", sourceID, err)
	}
	dst, err := s.GetNode(targetID)
	if err != nil {
		return fmt.Errorf("edge target '%s': %w", targetID, err)
	}
	if err := s.registry.ValidateEdge(edgeType, src.Type, dst.Type); err != nil {
		return err
	}

	propJSON, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to encode edge properties: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(upsertEdgeQuery, sourceID, targetID, edgeType, string(propJSON), now)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s-[%s]->%s: %w", sourceID, edgeType, targetID, err)
	}
	return nil
}

func (s *Store) GetEdgesFrom(id string) ([]Edge, error) {
	rows, err := s.db.Query(selectEdgesFromQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query outgoing edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *Store) GetEdgesTo(id string) ([]Edge, error) {
	rows, err := s.db.Query(selectEdgesToQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query incoming edges: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func (s *Store) RemoveEdge(sourceID, targetID, edgeType string) error {
	res, err := s.db.Exec(deleteEdgeQuery, sourceID, targetID, edgeType)
	if err != nil {
		return fmt.Errorf("failed to remove edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Degree counts edges touching the node in either direction.
func (s *Store) Degree(id string) (int, error) {
	var n int
	if err := s.db.QueryRow(countEdgesQuery, id, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count edges for '%s': %w", id, err)
	}
	return n, nil
}

// Stats returns node and edge counts grouped by type.
type Stats struct {
	Nodes      map[string]int `json:"nodes"`
	Edges      map[string]int `json:"edges"`
	TotalNodes int            `json:"total_nodes"`
	TotalEdges int            `json:"total_edges"`
}

func (s *Store) Stats() (*Stats, error) {
	st := &Stats{Nodes: map[string]int{}, Edges: map[string]int{}}

	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM nodes GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		st.Nodes[typ] = n
		st.TotalNodes += n
	}

	erows, err := s.db.Query(`SELECT edge_type, COUNT(*) FROM edges GROUP BY edge_type`)
	if err != nil {
		return nil, err
	}
	defer erows.Close()
	for erows.Next() {
		var typ string
		var n int
		if err := erows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		st.Edges[typ] = n
		st.TotalEdges += n
	}
	return st, nil
}

// QueueResync pushes node ids onto the pending-resync list consumed by the
// document-store collaborator after consolidation.
func (s *Store) QueueResync(ids []string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := s.db.Exec(queueResyncQuery, id, now); err != nil {
			return fmt.Errorf("failed to queue resync for '%s': %w", id, err)
		}
	}
	return nil
}

// DrainResync pops up to limit pending ids.
func (s *Store) DrainResync(limit int) ([]string, error) {
	rows, err := s.db.Query(selectResyncQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read resync queue: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := s.db.Exec(deleteResyncQuery, id); err != nil {
			return nil, fmt.Errorf("failed to drain resync entry '%s': %w", id, err)
		}
	}
	return ids, nil
}

func scanNode(row *sql.Row) (*Node, error) {
	var n Node
	var aliasJSON, propJSON, createdAt, updatedAt string
	err := row.Scan(&n.ID, &n.Type, &aliasJSON, &propJSON, &n.Confidence, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}
	return decodeNode(&n, aliasJSON, propJSON, createdAt, updatedAt)
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var out []*Node
	for rows.Next() {
		var n Node
		var aliasJSON, propJSON, createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.Type, &aliasJSON, &propJSON, &n.Confidence, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		node, err := decodeNode(&n, aliasJSON, propJSON, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func decodeNode(n *Node, aliasJSON, propJSON, createdAt, updatedAt string) (*Node, error) {
	if err := json.Unmarshal([]byte(aliasJSON), &n.Aliases); err != nil {
		return nil, fmt.Errorf("corrupt aliases for '%s': %w", n.ID, err)
	}
	if err := json.Unmarshal([]byte(propJSON), &n.Properties); err != nil {
		return nil, fmt.Errorf("corrupt properties for '%s': %w", n.ID, err)
	}
	if n.Properties == nil {
		n.Properties = map[string]interface{}{}
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return n, nil
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	var out []Edge
	for rows.Next() {
		var e Edge
		var propJSON string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.EdgeType, &propJSON); err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		if propJSON != "" && propJSON != "null" {
			if err := json.Unmarshal([]byte(propJSON), &e.Properties); err != nil {
				return nil, fmt.Errorf("corrupt edge properties: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
