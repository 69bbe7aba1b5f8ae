// Package store is the single point of graph mutation. Implementations write
// the output of one document inside one unit of work so that a failure never
// leaves a half-written document behind.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
)

// GraphWriteError wraps a failure of the storage layer. Graph write errors
// are transient: the same write may succeed once storage is reachable again.
type GraphWriteError struct {
	Op  string
	Err error
}

func (e *GraphWriteError) Error() string {
	return fmt.Sprintf("graph write %s: %v", e.Op, e.Err)
}

func (e *GraphWriteError) Unwrap() error { return e.Err }

// IsGraphWriteError reports whether err wraps a *GraphWriteError.
func IsGraphWriteError(err error) bool {
	var gwe *GraphWriteError
	return errors.As(err, &gwe)
}

// GraphStore persists extraction output.
type GraphStore interface {
	// WithDocument runs fn in one unit of work scoped to a document of a
	// knowledge base. Writes of concurrent units for the same knowledge base
	// are serialized. With replace set, everything the document contributed
	// before is removed inside the same unit of work before fn runs. If fn
	// returns an error nothing is written.
	WithDocument(
		ctx context.Context,
		kbID, documentID string,
		replace bool,
		fn func(ctx context.Context, w DocumentWriter) error,
	) error
}

// DocumentWriter writes the nodes and edges of one document. It also serves
// merge candidates, so entity resolution sees the writes of its own unit of
// work.
type DocumentWriter interface {
	FindMergeCandidates(ctx context.Context, kbID, entityType, name string) ([]common.NodeRef, error)

	// StoreEntities creates or merges the resolved entities of a chunk. The
	// result maps the normalized name and every alias of each entity to its
	// node id.
	StoreEntities(ctx context.Context, chunkID string, resolved []common.ResolvedEntity) (map[string]string, error)

	// StoreRelationships upserts edges keyed on (type, from, to). Edges whose
	// endpoints are missing from nameToID are skipped. It returns the number
	// of edges written.
	StoreRelationships(
		ctx context.Context,
		chunkID string,
		relationships []common.ExtractedRelationship,
		nameToID map[string]string,
	) (int, error)
}
