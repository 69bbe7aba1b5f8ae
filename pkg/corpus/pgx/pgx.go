package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/corpus"

	pgxv5 "github.com/jackc/pgx/v5"
)

// Corpus reads documents, chunks and extraction models written by the
// ingestion pipeline and the model registry.
type Corpus struct {
	q *db.Queries
}

func NewCorpus(conn db.DBTX) *Corpus {
	return &Corpus{q: db.New(conn)}
}

func (c *Corpus) GetChunks(ctx context.Context, documentID string) ([]common.Chunk, error) {
	rows, err := c.q.ListDocumentChunks(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks of %s: %w", documentID, err)
	}
	chunks := make([]common.Chunk, 0, len(rows))
	for _, r := range rows {
		chunks = append(chunks, common.Chunk{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Sequence:   int(r.Seq),
			Text:       r.Text,
		})
	}
	return chunks, nil
}

func (c *Corpus) CountDocuments(ctx context.Context, kbID string) (int64, error) {
	return c.q.CountKBDocuments(ctx, kbID)
}

func (c *Corpus) ListDocumentIDs(ctx context.Context, kbID, after string, limit int) ([]string, error) {
	return c.q.ListKBDocumentIDs(ctx, db.ListKBDocumentIDsParams{
		KbID:  kbID,
		After: after,
		Limit: int32(limit),
	})
}

func (c *Corpus) GetActiveExtractionModel(ctx context.Context, domainID string) (string, error) {
	model, err := c.q.GetActiveExtractionModel(ctx, domainID)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return "", fmt.Errorf("domain %q: %w", domainID, corpus.ErrNoModel)
	}
	return model, err
}
