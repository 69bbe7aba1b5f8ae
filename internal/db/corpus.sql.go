package db

import "context"

const countKBDocuments = `SELECT count(*) FROM documents WHERE kb_id = $1`

func (q *Queries) CountKBDocuments(ctx context.Context, kbID string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countKBDocuments, kbID).Scan(&n)
	return n, err
}

const listKBDocumentIDs = `
SELECT id FROM documents
WHERE kb_id = $1 AND id > $2
ORDER BY id
LIMIT $3`

type ListKBDocumentIDsParams struct {
	KbID  string
	After string
	Limit int32
}

func (q *Queries) ListKBDocumentIDs(ctx context.Context, arg ListKBDocumentIDsParams) ([]string, error) {
	rows, err := q.db.Query(ctx, listKBDocumentIDs, arg.KbID, arg.After, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

const listDocumentChunks = `
SELECT id, document_id, seq, text
FROM document_chunks
WHERE document_id = $1
ORDER BY seq`

func (q *Queries) ListDocumentChunks(ctx context.Context, documentID string) ([]DocumentChunk, error) {
	rows, err := q.db.Query(ctx, listDocumentChunks, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []DocumentChunk
	for rows.Next() {
		var i DocumentChunk
		if err := rows.Scan(&i.ID, &i.DocumentID, &i.Seq, &i.Text); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const getActiveExtractionModel = `
SELECT model FROM extraction_models
WHERE domain_id = $1 AND active`

func (q *Queries) GetActiveExtractionModel(ctx context.Context, domainID string) (string, error) {
	var model string
	err := q.db.QueryRow(ctx, getActiveExtractionModel, domainID).Scan(&model)
	return model, err
}

const getDomainSchema = `
SELECT kb_id, version, domain_id, definition, archived, created_at
FROM domain_schemas
WHERE kb_id = $1 AND version = $2`

type GetDomainSchemaParams struct {
	KbID    string
	Version int32
}

func (q *Queries) GetDomainSchema(ctx context.Context, arg GetDomainSchemaParams) (DomainSchema, error) {
	var i DomainSchema
	err := q.db.QueryRow(ctx, getDomainSchema, arg.KbID, arg.Version).Scan(
		&i.KbID,
		&i.Version,
		&i.DomainID,
		&i.Definition,
		&i.Archived,
		&i.CreatedAt,
	)
	return i, err
}
