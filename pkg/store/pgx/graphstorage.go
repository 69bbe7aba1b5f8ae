package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/dedupe"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// Trigram similarity used to prefilter merge candidates. Names that reach
	// the edit distance threshold are far above it.
	candidateMinSimilarity = 0.3
	candidateLimit         = 50
	idChunkSize            = 500
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphStore on PostgreSQL. Each document is
// written in one transaction that holds an advisory lock on its knowledge
// base, so create-or-merge decisions never race with another writer.
type GraphDBStorage struct {
	conn pgxIConn
}

func NewGraphDBStorage(conn pgxIConn) *GraphDBStorage {
	return &GraphDBStorage{conn: conn}
}

func (s *GraphDBStorage) WithDocument(
	ctx context.Context,
	kbID, documentID string,
	replace bool,
	fn func(ctx context.Context, w store.DocumentWriter) error,
) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return &store.GraphWriteError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := db.New(tx)
	if err := q.LockGraph(ctx, "graph:"+kbID); err != nil {
		return &store.GraphWriteError{Op: "lock", Err: err}
	}

	w := &writer{q: q, kbID: kbID, documentID: documentID}
	if replace {
		if err := w.removeDocument(ctx); err != nil {
			return err
		}
	}
	if err := fn(ctx, w); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &store.GraphWriteError{Op: "commit", Err: err}
	}
	return nil
}

type writer struct {
	q          *db.Queries
	kbID       string
	documentID string
}

func (w *writer) removeDocument(ctx context.Context) error {
	scope := db.DocumentScope{KbID: w.kbID, DocumentID: w.documentID}

	edgeIDs, err := w.q.DeleteDocumentEdgeSources(ctx, scope)
	if err != nil {
		return &store.GraphWriteError{Op: "delete edge sources", Err: err}
	}
	nodeIDs, err := w.q.DeleteDocumentNodeSources(ctx, scope)
	if err != nil {
		return &store.GraphWriteError{Op: "delete node sources", Err: err}
	}

	edgesDeleted, err := cleanupInChunks(edgeIDs, idChunkSize, func(ids []string) (int64, error) {
		n, err := w.q.DeleteUnsourcedEdges(ctx, ids)
		if err != nil {
			return n, err
		}
		return n, w.q.RecomputeEdgeConfidence(ctx, ids)
	})
	if err != nil {
		return &store.GraphWriteError{Op: "clean edges", Err: err}
	}
	nodesDeleted, err := cleanupInChunks(nodeIDs, idChunkSize, func(ids []string) (int64, error) {
		n, err := w.q.DeleteUnsourcedNodes(ctx, ids)
		if err != nil {
			return n, err
		}
		return n, w.q.RecomputeNodeConfidence(ctx, ids)
	})
	if err != nil {
		return &store.GraphWriteError{Op: "clean nodes", Err: err}
	}

	logger.Debug("[GraphStore] Removed previous document output", "kb_id", w.kbID, "document_id", w.documentID, "nodes", nodesDeleted, "edges", edgesDeleted)
	return nil
}

func (w *writer) FindMergeCandidates(ctx context.Context, kbID, entityType, name string) ([]common.NodeRef, error) {
	rows, err := w.q.FindMergeCandidates(ctx, db.FindMergeCandidatesParams{
		KbID:          kbID,
		Type:          entityType,
		NameKey:       dedupe.NormalizeName(name),
		MinSimilarity: candidateMinSimilarity,
		Limit:         candidateLimit,
	})
	if err != nil {
		return nil, &store.GraphWriteError{Op: "find merge candidates", Err: err}
	}
	return nodeRefs(rows), nil
}

func nodeRefs(rows []db.NodeCandidate) []common.NodeRef {
	out := make([]common.NodeRef, 0, len(rows))
	for _, r := range rows {
		out = append(out, common.NodeRef{ID: r.ID, Name: r.Name, UpdatedAt: r.UpdatedAt})
	}
	return out
}

// cleanupInChunks runs fn over ids in slices of at most size and sums the
// deleted rows. It stops at the first error.
func cleanupInChunks(ids []string, size int, fn func(ids []string) (int64, error)) (int64, error) {
	var deleted int64
	err := store.ChunkRange(len(ids), size, func(start, end int) error {
		n, err := fn(ids[start:end])
		deleted += n
		return err
	})
	return deleted, err
}

func (w *writer) StoreEntities(ctx context.Context, chunkID string, resolved []common.ResolvedEntity) (map[string]string, error) {
	ids := make(map[string]string, len(resolved))

	for _, r := range resolved {
		id, err := w.storeEntity(ctx, r)
		if err != nil {
			return nil, err
		}
		if err := w.q.UpsertNodeSource(ctx, db.UpsertSourceParams{
			OwnerID:    id,
			DocumentID: w.documentID,
			ChunkID:    chunkID,
			Confidence: r.Entity.Confidence,
		}); err != nil {
			return nil, &store.GraphWriteError{Op: "upsert node source", Err: err}
		}
		for _, key := range store.NameKeys(r) {
			ids[key] = id
		}
	}
	return ids, nil
}

func (w *writer) storeEntity(ctx context.Context, r common.ResolvedEntity) (string, error) {
	e := r.Entity

	if r.Action == common.ActionMerge {
		node, err := w.q.GetNodeForUpdate(ctx, r.ExistingNodeID)
		switch {
		case err == nil:
			return node.ID, w.mergeInto(ctx, node, r)
		case !errors.Is(err, pgxv5.ErrNoRows):
			return "", &store.GraphWriteError{Op: "load node", Err: err}
		}

		// The node was removed after resolution; look again.
		cands, err := w.FindMergeCandidates(ctx, w.kbID, e.Type, e.Name)
		if err != nil {
			return "", err
		}
		if m, ok := dedupe.BestMatch(e.Name, cands, r.Threshold); ok {
			node, err := w.q.GetNodeForUpdate(ctx, m.Node.ID)
			if err != nil {
				return "", &store.GraphWriteError{Op: "load node", Err: err}
			}
			return node.ID, w.mergeInto(ctx, node, r)
		}
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", &store.GraphWriteError{Op: "generate node id", Err: err}
	}
	attrs, err := json.Marshal(dedupe.MergeAttributes(nil, e.Attributes, r.AppendOnly))
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes of %q: %w", e.Name, err)
	}
	nameKey := dedupe.NormalizeName(e.Name)
	inserted, err := w.q.InsertNode(ctx, db.InsertNodeParams{
		ID:         id,
		KbID:       w.kbID,
		Type:       e.Type,
		Name:       e.Name,
		NameKey:    nameKey,
		Attributes: attrs,
		Confidence: e.Confidence,
	})
	if err != nil {
		return "", &store.GraphWriteError{Op: "insert node", Err: err}
	}
	if inserted {
		metrics.GraphWritesTotal.WithLabelValues("node_created").Inc()
		return id, nil
	}

	node, err := w.q.GetNodeByNameKey(ctx, db.GetNodeByNameKeyParams{KbID: w.kbID, Type: e.Type, NameKey: nameKey})
	if err != nil {
		return "", &store.GraphWriteError{Op: "load node", Err: err}
	}
	return node.ID, w.mergeInto(ctx, node, r)
}

func (w *writer) mergeInto(ctx context.Context, node db.GraphNode, r common.ResolvedEntity) error {
	existing := map[string]any{}
	if len(node.Attributes) > 0 {
		if err := json.Unmarshal(node.Attributes, &existing); err != nil {
			return fmt.Errorf("failed to decode attributes of node %s: %w", node.ID, err)
		}
	}
	attrs, err := json.Marshal(dedupe.MergeAttributes(existing, r.Entity.Attributes, r.AppendOnly))
	if err != nil {
		return fmt.Errorf("failed to encode attributes of node %s: %w", node.ID, err)
	}
	if err := w.q.UpdateNodeMerge(ctx, db.UpdateNodeMergeParams{
		ID:         node.ID,
		Attributes: attrs,
		Confidence: r.Entity.Confidence,
	}); err != nil {
		return &store.GraphWriteError{Op: "merge node", Err: err}
	}
	metrics.GraphWritesTotal.WithLabelValues("node_merged").Inc()
	return nil
}

func (w *writer) StoreRelationships(
	ctx context.Context,
	chunkID string,
	relationships []common.ExtractedRelationship,
	nameToID map[string]string,
) (int, error) {
	written := 0
	for _, rel := range relationships {
		from, to, ok := store.EdgeEndpoints(rel, nameToID)
		if !ok {
			logger.Debug("[GraphStore] Skipping relationship", "type", rel.Type, "source", rel.Source, "target", rel.Target, "chunk_id", chunkID)
			metrics.GraphWritesTotal.WithLabelValues("edge_skipped").Inc()
			continue
		}

		id, err := gonanoid.New()
		if err != nil {
			return written, &store.GraphWriteError{Op: "generate edge id", Err: err}
		}
		attrs := rel.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		attrJSON, err := json.Marshal(attrs)
		if err != nil {
			return written, fmt.Errorf("failed to encode edge attributes: %w", err)
		}

		edgeID, err := w.q.UpsertEdge(ctx, db.UpsertEdgeParams{
			ID:         id,
			KbID:       w.kbID,
			Type:       rel.Type,
			FromNodeID: from,
			ToNodeID:   to,
			Attributes: attrJSON,
			Confidence: rel.Confidence,
		})
		if err != nil {
			return written, &store.GraphWriteError{Op: "upsert edge", Err: err}
		}
		if err := w.q.UpsertEdgeSource(ctx, db.UpsertSourceParams{
			OwnerID:    edgeID,
			DocumentID: w.documentID,
			ChunkID:    chunkID,
			Confidence: rel.Confidence,
		}); err != nil {
			return written, &store.GraphWriteError{Op: "upsert edge source", Err: err}
		}
		metrics.GraphWritesTotal.WithLabelValues("edge_upserted").Inc()
		written++
	}
	return written, nil
}
