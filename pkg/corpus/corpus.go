// Package corpus declares the collaborators the extraction engine reads its
// input from: chunked documents and the model registry.
package corpus

import (
	"context"
	"errors"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
)

// ErrNoModel is returned by a ModelRegistry when a domain has no active
// extraction model.
var ErrNoModel = errors.New("no active extraction model")

// ChunkSource returns the chunks of a document ordered by sequence.
type ChunkSource interface {
	GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error)
}

// DocumentSource enumerates the documents of a knowledge base with keyset
// pagination. ListDocumentIDs returns ids greater than after in ascending
// order.
type DocumentSource interface {
	CountDocuments(ctx context.Context, kbID string) (int64, error)
	ListDocumentIDs(ctx context.Context, kbID, after string, limit int) ([]string, error)
}

// ModelRegistry resolves the extraction model configured for a domain.
type ModelRegistry interface {
	GetActiveExtractionModel(ctx context.Context, domainID string) (string, error)
}

// Corpus bundles the document collaborators.
type Corpus interface {
	ChunkSource
	DocumentSource
}
