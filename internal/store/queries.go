package store

const createTables = `
CREATE TABLE IF NOT EXISTS nodes (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	aliases     TEXT NOT NULL DEFAULT '[]',
	properties  TEXT NOT NULL DEFAULT '{}',
	confidence  REAL NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS edges (
	source_id   TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	edge_type   TEXT NOT NULL,
	properties  TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	PRIMARY KEY (source_id, target_id, edge_type)
);

CREATE TABLE IF NOT EXISTS pending_resync (
	node_id     TEXT PRIMARY KEY,
	queued_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_type     ON nodes(type);
CREATE INDEX IF NOT EXISTS idx_nodes_updated  ON nodes(updated_at);
CREATE INDEX IF NOT EXISTS idx_edges_source   ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target   ON edges(target_id);
`

const nodeColumns = `id, type, aliases, properties, confidence, created_at, updated_at`

const upsertNodeQuery = `
INSERT INTO nodes (id, type, aliases, properties, confidence, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	type = excluded.type,
	aliases = excluded.aliases,
	properties = excluded.properties,
	confidence = excluded.confidence,
	updated_at = excluded.updated_at`

const selectNodeQuery = `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`

const selectAllNodesQuery = `SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`

const selectByTypeQuery = `SELECT ` + nodeColumns + ` FROM nodes WHERE type = ? ORDER BY id`

// Aliases are stored as a JSON array; the EXISTS subquery walks it with
// SQLite's json_each.
const selectByAliasQuery = `
SELECT ` + nodeColumns + ` FROM nodes
WHERE EXISTS (SELECT 1 FROM json_each(nodes.aliases) WHERE json_each.value = ?)
ORDER BY id`

const upsertEdgeQuery = `
INSERT INTO edges (source_id, target_id, edge_type, properties, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
	properties = excluded.properties`

const selectEdgesFromQuery = `
SELECT source_id, target_id, edge_type, properties FROM edges WHERE source_id = ? ORDER BY target_id, edge_type`

const selectEdgesToQuery = `
SELECT source_id, target_id, edge_type, properties FROM edges WHERE target_id = ? ORDER BY source_id, edge_type`

const deleteEdgeQuery = `DELETE FROM edges WHERE source_id = ? AND target_id = ? AND edge_type = ?`

const countEdgesQuery = `SELECT COUNT(*) FROM edges WHERE source_id = ? OR target_id = ?`

// Activity ranking for refinement candidates: hot nodes first (degree,
// then recency).
const selectActiveCandidatesQuery = `
SELECT ` + nodeColumns + `,
	(SELECT COUNT(*) FROM edges e WHERE e.source_id = nodes.id OR e.target_id = nodes.id) AS degree
FROM nodes
ORDER BY degree DESC, updated_at DESC
LIMIT ?`

const selectStaleCandidatesQuery = `
SELECT ` + nodeColumns + ` FROM nodes ORDER BY updated_at ASC LIMIT ?`

const queueResyncQuery = `
INSERT INTO pending_resync (node_id, queued_at) VALUES (?, ?)
ON CONFLICT(node_id) DO UPDATE SET queued_at = excluded.queued_at`

const selectResyncQuery = `SELECT node_id FROM pending_resync ORDER BY queued_at LIMIT ?`

const deleteResyncQuery = `DELETE FROM pending_resync WHERE node_id = ?`
