package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
)

type promptAttribute struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type promptEntityType struct {
	Name       string            `json:"name"`
	Attributes []promptAttribute `json:"attributes"`
	Hint       string            `json:"extraction_hint,omitempty"`
}

type promptRelationshipType struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	TargetType string `json:"target_type"`
	Directed   bool   `json:"directed"`
	Hint       string `json:"extraction_hint,omitempty"`
}

// BuildExtractionPrompt renders the extraction prompt for one chunk. The
// output only depends on its inputs; type definitions keep the order of the
// schema. A schema without entity types yields a *schema.SchemaError.
func BuildExtractionPrompt(chunkText string, s *schema.DomainSchema) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	entityTypes := make([]promptEntityType, 0, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		attrs := make([]promptAttribute, 0, len(et.Attributes))
		for _, a := range et.Attributes {
			typ := a.Type
			if typ == "" {
				typ = schema.AttrString
			}
			attrs = append(attrs, promptAttribute{
				Name:        a.Name,
				Type:        typ,
				Description: a.Description,
			})
		}
		entityTypes = append(entityTypes, promptEntityType{
			Name:       et.Name,
			Attributes: attrs,
			Hint:       et.ExtractionHint,
		})
	}

	relTypes := make([]promptRelationshipType, 0, len(s.RelationshipTypes))
	for _, rt := range s.RelationshipTypes {
		relTypes = append(relTypes, promptRelationshipType{
			Name:       rt.Name,
			SourceType: rt.SourceType,
			TargetType: rt.TargetType,
			Directed:   rt.Directed,
			Hint:       rt.ExtractionHint,
		})
	}

	entityJSON, err := json.MarshalIndent(entityTypes, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render entity types: %w", err)
	}
	relJSON, err := json.MarshalIndent(relTypes, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render relationship types: %w", err)
	}

	return fmt.Sprintf(
		ai.ExtractPromptSchema,
		string(entityJSON),
		string(relJSON),
		strings.TrimSpace(chunkText),
	), nil
}
