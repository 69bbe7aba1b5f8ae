// Package memory is an in-process GraphStore. A unit of work holds a global
// lock and works on a copy of the graph that replaces the live graph only
// when the unit succeeds.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/dedupe"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type source struct {
	documentID string
	confidence float64
}

type node struct {
	common.GraphNode
	nameKey string
	sources map[string]source // by chunk id
}

type edge struct {
	common.GraphEdge
	sources map[string]source
}

type state struct {
	nodes map[string]*node
	edges map[string]*edge
}

func (g *state) clone() *state {
	out := &state{
		nodes: make(map[string]*node, len(g.nodes)),
		edges: make(map[string]*edge, len(g.edges)),
	}
	for id, n := range g.nodes {
		c := *n
		c.Attributes = maps.Clone(n.Attributes)
		c.sources = maps.Clone(n.sources)
		out.nodes[id] = &c
	}
	for id, e := range g.edges {
		c := *e
		c.Attributes = maps.Clone(e.Attributes)
		c.sources = maps.Clone(e.sources)
		out.edges[id] = &c
	}
	return out
}

// Store keeps the graph in memory.
type Store struct {
	mu       sync.Mutex
	g        *state
	now      func() time.Time
	writeErr error
}

func New() *Store {
	return &Store{
		g:   &state{nodes: map[string]*node{}, edges: map[string]*edge{}},
		now: time.Now,
	}
}

// FailWrites makes every following unit of work fail with a GraphWriteError
// wrapping err. A nil err restores normal operation.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Store) WithDocument(
	ctx context.Context,
	kbID, documentID string,
	replace bool,
	fn func(ctx context.Context, w store.DocumentWriter) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return &store.GraphWriteError{Op: "begin", Err: s.writeErr}
	}

	w := &writer{
		g:          s.g.clone(),
		kbID:       kbID,
		documentID: documentID,
		now:        s.now,
	}
	if replace {
		w.removeDocument()
	}
	if err := fn(ctx, w); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.g = w.g
	return nil
}

// Nodes returns the nodes of a knowledge base ordered by type and name.
func (s *Store) Nodes(kbID string) []common.GraphNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []common.GraphNode
	for _, n := range s.g.nodes {
		if n.KBID != kbID {
			continue
		}
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Edges returns the edges of a knowledge base ordered by type and endpoints.
func (s *Store) Edges(kbID string) []common.GraphEdge {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []common.GraphEdge
	for _, e := range s.g.edges {
		if e.KBID != kbID {
			continue
		}
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].FromID != out[j].FromID {
			return out[i].FromID < out[j].FromID
		}
		return out[i].ToID < out[j].ToID
	})
	return out
}

func (n *node) snapshot() common.GraphNode {
	out := n.GraphNode
	out.Attributes = maps.Clone(n.Attributes)
	out.SourceDocuments, out.SourceChunks = sourceSets(n.sources)
	return out
}

func (e *edge) snapshot() common.GraphEdge {
	out := e.GraphEdge
	out.Attributes = maps.Clone(e.Attributes)
	out.SourceDocuments, out.SourceChunks = sourceSets(e.sources)
	return out
}

func sourceSets(sources map[string]source) ([]string, []string) {
	chunks := slices.Sorted(maps.Keys(sources))
	var docs []string
	for _, s := range sources {
		docs = append(docs, s.documentID)
	}
	docs = dedupe.UnionStrings(docs)
	return docs, chunks
}

func maxConfidence(sources map[string]source) float64 {
	best := 0.0
	for _, s := range sources {
		best = max(best, s.confidence)
	}
	return best
}

type writer struct {
	g          *state
	kbID       string
	documentID string
	now        func() time.Time
}

func (w *writer) removeDocument() {
	removeFrom := func(sources map[string]source) bool {
		touched := false
		for chunk, src := range sources {
			if src.documentID == w.documentID {
				delete(sources, chunk)
				touched = true
			}
		}
		return touched
	}

	for id, e := range w.g.edges {
		if e.KBID != w.kbID || !removeFrom(e.sources) {
			continue
		}
		if len(e.sources) == 0 {
			delete(w.g.edges, id)
			continue
		}
		e.Confidence = maxConfidence(e.sources)
	}
	for id, n := range w.g.nodes {
		if n.KBID != w.kbID || !removeFrom(n.sources) {
			continue
		}
		if len(n.sources) == 0 {
			delete(w.g.nodes, id)
			w.deleteEdgesOf(id)
			continue
		}
		n.Confidence = maxConfidence(n.sources)
	}
}

func (w *writer) deleteEdgesOf(nodeID string) {
	for id, e := range w.g.edges {
		if e.FromID == nodeID || e.ToID == nodeID {
			delete(w.g.edges, id)
		}
	}
}

func (w *writer) FindMergeCandidates(_ context.Context, kbID, entityType, _ string) ([]common.NodeRef, error) {
	var out []common.NodeRef
	for _, n := range w.g.nodes {
		if n.KBID == kbID && n.Type == entityType {
			out = append(out, common.NodeRef{ID: n.ID, Name: n.Name, UpdatedAt: n.UpdatedAt})
		}
	}
	return out, nil
}

func (w *writer) findByKey(entityType, nameKey string) *node {
	for _, n := range w.g.nodes {
		if n.KBID == w.kbID && n.Type == entityType && n.nameKey == nameKey {
			return n
		}
	}
	return nil
}

func (w *writer) StoreEntities(ctx context.Context, chunkID string, resolved []common.ResolvedEntity) (map[string]string, error) {
	ids := make(map[string]string, len(resolved))
	now := w.now()

	for _, r := range resolved {
		e := r.Entity
		var target *node
		if r.Action == common.ActionMerge {
			target = w.g.nodes[r.ExistingNodeID]
			if target == nil {
				cands, _ := w.FindMergeCandidates(ctx, w.kbID, e.Type, e.Name)
				if m, ok := dedupe.BestMatch(e.Name, cands, r.Threshold); ok {
					target = w.g.nodes[m.Node.ID]
				}
			}
		}
		if target == nil {
			target = w.findByKey(e.Type, dedupe.NormalizeName(e.Name))
		}

		if target == nil {
			id, err := gonanoid.New()
			if err != nil {
				return nil, &store.GraphWriteError{Op: "generate node id", Err: err}
			}
			target = &node{
				GraphNode: common.GraphNode{
					ID:         id,
					KBID:       w.kbID,
					Type:       e.Type,
					Name:       e.Name,
					Attributes: dedupe.MergeAttributes(nil, e.Attributes, r.AppendOnly),
					Confidence: e.Confidence,
					CreatedAt:  now,
					UpdatedAt:  now,
				},
				nameKey: dedupe.NormalizeName(e.Name),
				sources: map[string]source{},
			}
			w.g.nodes[id] = target
			metrics.GraphWritesTotal.WithLabelValues("node_created").Inc()
		} else {
			target.Attributes = dedupe.MergeAttributes(target.Attributes, e.Attributes, r.AppendOnly)
			target.Confidence = max(target.Confidence, e.Confidence)
			target.UpdatedAt = now
			metrics.GraphWritesTotal.WithLabelValues("node_merged").Inc()
		}

		src := target.sources[chunkID]
		target.sources[chunkID] = source{
			documentID: w.documentID,
			confidence: max(src.confidence, e.Confidence),
		}

		for _, key := range store.NameKeys(r) {
			ids[key] = target.ID
		}
	}
	return ids, nil
}

func (w *writer) StoreRelationships(
	_ context.Context,
	chunkID string,
	relationships []common.ExtractedRelationship,
	nameToID map[string]string,
) (int, error) {
	now := w.now()
	written := 0

	for _, rel := range relationships {
		from, to, ok := store.EdgeEndpoints(rel, nameToID)
		if !ok {
			logger.Debug("[GraphStore] Skipping relationship", "type", rel.Type, "source", rel.Source, "target", rel.Target, "chunk_id", chunkID)
			metrics.GraphWritesTotal.WithLabelValues("edge_skipped").Inc()
			continue
		}

		var target *edge
		for _, e := range w.g.edges {
			if e.KBID == w.kbID && e.Type == rel.Type && e.FromID == from && e.ToID == to {
				target = e
				break
			}
		}
		if target == nil {
			id, err := gonanoid.New()
			if err != nil {
				return written, &store.GraphWriteError{Op: "generate edge id", Err: err}
			}
			target = &edge{
				GraphEdge: common.GraphEdge{
					ID:         id,
					KBID:       w.kbID,
					Type:       rel.Type,
					FromID:     from,
					ToID:       to,
					Attributes: map[string]any{},
					CreatedAt:  now,
				},
				sources: map[string]source{},
			}
			w.g.edges[id] = target
		}
		target.Attributes = dedupe.MergeAttributes(target.Attributes, rel.Attributes, nil)
		target.Confidence = max(target.Confidence, rel.Confidence)
		target.UpdatedAt = now

		src := target.sources[chunkID]
		target.sources[chunkID] = source{
			documentID: w.documentID,
			confidence: max(src.confidence, rel.Confidence),
		}
		metrics.GraphWritesTotal.WithLabelValues("edge_upserted").Inc()
		written++
	}
	return written, nil
}
