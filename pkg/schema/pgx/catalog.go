package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"

	pgxv5 "github.com/jackc/pgx/v5"
)

// definition is the JSON document stored per schema version.
type definition struct {
	EntityTypes       []schema.EntityTypeDef       `json:"entity_types"`
	RelationshipTypes []schema.RelationshipTypeDef `json:"relationship_types"`
}

// Catalog reads domain schemas from the domain_schemas table.
type Catalog struct {
	conn db.DBTX
}

func NewCatalog(conn db.DBTX) *Catalog {
	return &Catalog{conn: conn}
}

func (c *Catalog) Get(ctx context.Context, kbID string, version int) (*schema.DomainSchema, error) {
	row, err := db.New(c.conn).GetDomainSchema(ctx, db.GetDomainSchemaParams{
		KbID:    kbID,
		Version: int32(version),
	})
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, fmt.Errorf("kb %s version %d: %w", kbID, version, schema.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	var def definition
	if err := json.Unmarshal(row.Definition, &def); err != nil {
		return nil, &schema.SchemaError{
			KBID:    kbID,
			Version: version,
			Reason:  fmt.Sprintf("invalid definition: %v", err),
		}
	}

	return &schema.DomainSchema{
		KBID:              row.KbID,
		DomainID:          row.DomainID,
		Version:           int(row.Version),
		EntityTypes:       def.EntityTypes,
		RelationshipTypes: def.RelationshipTypes,
		Archived:          row.Archived,
		CreatedAt:         row.CreatedAt,
	}, nil
}
