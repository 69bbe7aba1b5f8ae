package common

import "time"

// Chunk represents a contiguous segment of a document as produced by the
// chunking pipeline. Chunks are the unit of extraction: every extracted
// entity and relationship points back to the chunk it came from.
//
// Sequence orders the chunks of one document; chunks are always processed in
// ascending sequence.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
}

// ExtractedEntity is a candidate entity returned by the language model for a
// single chunk. It lives only until it has been resolved against the graph.
//
// Type is the canonical entity type name of the domain schema, Attributes
// only holds attributes declared for that type.
type ExtractedEntity struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float64        `json:"confidence"`
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id"`
}

// ExtractedRelationship is a candidate edge between two entities named in the
// same chunk. Source and Target reference entity names, not node ids.
//
// Directed mirrors the relationship type definition. Undirected edges are
// stored with their endpoints in canonical order.
type ExtractedRelationship struct {
	Type       string         `json:"type"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Directed   bool           `json:"directed"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float64        `json:"confidence"`
	DocumentID string         `json:"document_id"`
	ChunkID    string         `json:"chunk_id"`
}

// ExtractionResult is the validated output of one extraction call.
//
// Warnings collect everything that was dropped or corrected while validating
// the model output (unknown types, empty names, clamped confidences).
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
	Warnings      []string                `json:"warnings,omitempty"`
	Model         string                  `json:"model"`
	FallbackModel bool                    `json:"fallback_model"`
}

// ResolveAction tells the graph writer what to do with a resolved entity.
type ResolveAction string

const (
	ActionCreate ResolveAction = "create"
	ActionMerge  ResolveAction = "merge"
)

// ResolvedEntity is an ExtractedEntity after deduplication.
//
// Candidates of the same type that matched each other inside one chunk are
// collapsed into a single ResolvedEntity; their names are kept in Aliases so
// relationships can still reference any of them.
type ResolvedEntity struct {
	Entity         ExtractedEntity `json:"entity"`
	Aliases        []string        `json:"aliases,omitempty"`
	Action         ResolveAction   `json:"action"`
	ExistingNodeID string          `json:"existing_node_id,omitempty"`
	Similarity     float64         `json:"similarity,omitempty"`
	// Threshold is the merge threshold used for this entity type.
	Threshold float64 `json:"threshold"`
	// AppendOnly lists attributes whose values are accumulated instead of overwritten.
	AppendOnly []string `json:"append_only,omitempty"`
}

// NodeRef is the minimal view of a node needed to resolve duplicates.
type NodeRef struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphNode represents a persisted entity of a knowledge base.
//
// Attributes follow last-write-wins per key unless the key is append-only.
// Confidence is the maximum over all contributing extractions, and the source
// sets are the union of every extraction that ever contributed to the node.
type GraphNode struct {
	ID              string         `json:"id"`
	KBID            string         `json:"kb_id"`
	Type            string         `json:"type"`
	Name            string         `json:"name"`
	Attributes      map[string]any `json:"attributes"`
	Confidence      float64        `json:"confidence"`
	SourceDocuments []string       `json:"source_documents"`
	SourceChunks    []string       `json:"source_chunks"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// GraphEdge represents a persisted relationship. Its identity is the tuple
// (KBID, Type, FromID, ToID); there is never more than one edge per tuple.
type GraphEdge struct {
	ID              string         `json:"id"`
	KBID            string         `json:"kb_id"`
	Type            string         `json:"type"`
	FromID          string         `json:"from_id"`
	ToID            string         `json:"to_id"`
	Attributes      map[string]any `json:"attributes"`
	Confidence      float64        `json:"confidence"`
	SourceDocuments []string       `json:"source_documents"`
	SourceChunks    []string       `json:"source_chunks"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
