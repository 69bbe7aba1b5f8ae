package db

import (
	"context"
	"encoding/json"
)

const lockGraph = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

// LockGraph serializes graph writes for a key until the transaction ends.
func (q *Queries) LockGraph(ctx context.Context, key string) error {
	_, err := q.db.Exec(ctx, lockGraph, key)
	return err
}

const findMergeCandidates = `
SELECT id, name, updated_at
FROM graph_nodes
WHERE kb_id = $1 AND type = $2
  AND (name_key = $3 OR similarity(name_key, $3) >= $4)
ORDER BY similarity(name_key, $3) DESC, updated_at DESC
LIMIT $5`

type FindMergeCandidatesParams struct {
	KbID          string
	Type          string
	NameKey       string
	MinSimilarity float64
	Limit         int32
}

// FindMergeCandidates returns nodes of a type whose name is close to NameKey
// by trigram similarity. Callers rank the result themselves.
func (q *Queries) FindMergeCandidates(ctx context.Context, arg FindMergeCandidatesParams) ([]NodeCandidate, error) {
	rows, err := q.db.Query(ctx, findMergeCandidates,
		arg.KbID,
		arg.Type,
		arg.NameKey,
		arg.MinSimilarity,
		arg.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []NodeCandidate
	for rows.Next() {
		var i NodeCandidate
		if err := rows.Scan(&i.ID, &i.Name, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const graphNodeColumns = `id, kb_id, type, name, name_key, attributes, confidence, created_at, updated_at`

func scanGraphNode(row interface{ Scan(...any) error }) (GraphNode, error) {
	var i GraphNode
	err := row.Scan(
		&i.ID,
		&i.KbID,
		&i.Type,
		&i.Name,
		&i.NameKey,
		&i.Attributes,
		&i.Confidence,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getNodeForUpdate = `SELECT ` + graphNodeColumns + ` FROM graph_nodes WHERE id = $1 FOR UPDATE`

func (q *Queries) GetNodeForUpdate(ctx context.Context, id string) (GraphNode, error) {
	return scanGraphNode(q.db.QueryRow(ctx, getNodeForUpdate, id))
}

const getNodeByNameKey = `
SELECT ` + graphNodeColumns + `
FROM graph_nodes
WHERE kb_id = $1 AND type = $2 AND name_key = $3
FOR UPDATE`

type GetNodeByNameKeyParams struct {
	KbID    string
	Type    string
	NameKey string
}

func (q *Queries) GetNodeByNameKey(ctx context.Context, arg GetNodeByNameKeyParams) (GraphNode, error) {
	return scanGraphNode(q.db.QueryRow(ctx, getNodeByNameKey, arg.KbID, arg.Type, arg.NameKey))
}

const insertNode = `
INSERT INTO graph_nodes (id, kb_id, type, name, name_key, attributes, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (kb_id, type, name_key) DO NOTHING`

type InsertNodeParams struct {
	ID         string
	KbID       string
	Type       string
	Name       string
	NameKey    string
	Attributes json.RawMessage
	Confidence float64
}

// InsertNode creates a node. It reports false if a node with the same
// normalized name and type already exists.
func (q *Queries) InsertNode(ctx context.Context, arg InsertNodeParams) (bool, error) {
	tag, err := q.db.Exec(ctx, insertNode,
		arg.ID,
		arg.KbID,
		arg.Type,
		arg.Name,
		arg.NameKey,
		arg.Attributes,
		arg.Confidence,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const updateNodeMerge = `
UPDATE graph_nodes
SET attributes = $2, confidence = GREATEST(confidence, $3), updated_at = now()
WHERE id = $1`

type UpdateNodeMergeParams struct {
	ID         string
	Attributes json.RawMessage
	Confidence float64
}

func (q *Queries) UpdateNodeMerge(ctx context.Context, arg UpdateNodeMergeParams) error {
	_, err := q.db.Exec(ctx, updateNodeMerge, arg.ID, arg.Attributes, arg.Confidence)
	return err
}

const upsertNodeSource = `
INSERT INTO graph_node_sources (node_id, document_id, chunk_id, confidence)
VALUES ($1, $2, $3, $4)
ON CONFLICT (node_id, chunk_id) DO UPDATE
SET confidence = GREATEST(graph_node_sources.confidence, EXCLUDED.confidence)`

type UpsertSourceParams struct {
	OwnerID    string
	DocumentID string
	ChunkID    string
	Confidence float64
}

func (q *Queries) UpsertNodeSource(ctx context.Context, arg UpsertSourceParams) error {
	_, err := q.db.Exec(ctx, upsertNodeSource, arg.OwnerID, arg.DocumentID, arg.ChunkID, arg.Confidence)
	return err
}

const upsertEdge = `
INSERT INTO graph_edges (id, kb_id, type, from_node_id, to_node_id, attributes, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (kb_id, type, from_node_id, to_node_id) DO UPDATE
SET attributes = graph_edges.attributes || EXCLUDED.attributes,
    confidence = GREATEST(graph_edges.confidence, EXCLUDED.confidence),
    updated_at = now()
RETURNING id`

type UpsertEdgeParams struct {
	ID         string
	KbID       string
	Type       string
	FromNodeID string
	ToNodeID   string
	Attributes json.RawMessage
	Confidence float64
}

// UpsertEdge creates an edge or widens the existing one and returns the id
// of the stored edge.
func (q *Queries) UpsertEdge(ctx context.Context, arg UpsertEdgeParams) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, upsertEdge,
		arg.ID,
		arg.KbID,
		arg.Type,
		arg.FromNodeID,
		arg.ToNodeID,
		arg.Attributes,
		arg.Confidence,
	).Scan(&id)
	return id, err
}

const upsertEdgeSource = `
INSERT INTO graph_edge_sources (edge_id, document_id, chunk_id, confidence)
VALUES ($1, $2, $3, $4)
ON CONFLICT (edge_id, chunk_id) DO UPDATE
SET confidence = GREATEST(graph_edge_sources.confidence, EXCLUDED.confidence)`

func (q *Queries) UpsertEdgeSource(ctx context.Context, arg UpsertSourceParams) error {
	_, err := q.db.Exec(ctx, upsertEdgeSource, arg.OwnerID, arg.DocumentID, arg.ChunkID, arg.Confidence)
	return err
}

type DocumentScope struct {
	KbID       string
	DocumentID string
}

const deleteDocumentEdgeSources = `
WITH removed AS (
    DELETE FROM graph_edge_sources s
    USING graph_edges e
    WHERE s.edge_id = e.id AND e.kb_id = $1 AND s.document_id = $2
    RETURNING s.edge_id
)
SELECT DISTINCT edge_id FROM removed`

// DeleteDocumentEdgeSources drops the provenance a document contributed to
// edges and returns the ids of the touched edges.
func (q *Queries) DeleteDocumentEdgeSources(ctx context.Context, arg DocumentScope) ([]string, error) {
	return q.collectIDs(ctx, deleteDocumentEdgeSources, arg.KbID, arg.DocumentID)
}

const deleteDocumentNodeSources = `
WITH removed AS (
    DELETE FROM graph_node_sources s
    USING graph_nodes n
    WHERE s.node_id = n.id AND n.kb_id = $1 AND s.document_id = $2
    RETURNING s.node_id
)
SELECT DISTINCT node_id FROM removed`

func (q *Queries) DeleteDocumentNodeSources(ctx context.Context, arg DocumentScope) ([]string, error) {
	return q.collectIDs(ctx, deleteDocumentNodeSources, arg.KbID, arg.DocumentID)
}

const deleteUnsourcedEdges = `
DELETE FROM graph_edges e
WHERE e.id = ANY($1::text[])
  AND NOT EXISTS (SELECT 1 FROM graph_edge_sources s WHERE s.edge_id = e.id)`

func (q *Queries) DeleteUnsourcedEdges(ctx context.Context, ids []string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteUnsourcedEdges, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deleteUnsourcedNodes = `
DELETE FROM graph_nodes n
WHERE n.id = ANY($1::text[])
  AND NOT EXISTS (SELECT 1 FROM graph_node_sources s WHERE s.node_id = n.id)`

// DeleteUnsourcedNodes removes nodes left without provenance. Their edges go
// with them through the foreign keys.
func (q *Queries) DeleteUnsourcedNodes(ctx context.Context, ids []string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteUnsourcedNodes, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const recomputeEdgeConfidence = `
UPDATE graph_edges e
SET confidence = s.max_confidence, updated_at = now()
FROM (
    SELECT edge_id, max(confidence) AS max_confidence
    FROM graph_edge_sources
    WHERE edge_id = ANY($1::text[])
    GROUP BY edge_id
) s
WHERE e.id = s.edge_id`

func (q *Queries) RecomputeEdgeConfidence(ctx context.Context, ids []string) error {
	_, err := q.db.Exec(ctx, recomputeEdgeConfidence, ids)
	return err
}

const recomputeNodeConfidence = `
UPDATE graph_nodes n
SET confidence = s.max_confidence, updated_at = now()
FROM (
    SELECT node_id, max(confidence) AS max_confidence
    FROM graph_node_sources
    WHERE node_id = ANY($1::text[])
    GROUP BY node_id
) s
WHERE n.id = s.node_id`

func (q *Queries) RecomputeNodeConfidence(ctx context.Context, ids []string) error {
	_, err := q.db.Exec(ctx, recomputeNodeConfidence, ids)
	return err
}

func (q *Queries) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
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
	return ids, rows.Err()
}
