package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMergeThreshold is the similarity at or above which two names of the
// same entity type are considered the same entity.
const DefaultMergeThreshold = 0.9

// Attribute value types understood by the extraction prompt.
const (
	AttrString  = "string"
	AttrNumber  = "number"
	AttrBoolean = "boolean"
	AttrDate    = "date"
	AttrList    = "list"
)

// SchemaError signals a malformed or empty domain schema snapshot.
type SchemaError struct {
	KBID    string
	Version int
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.KBID == "" {
		return "schema error: " + e.Reason
	}
	return fmt.Sprintf("schema error (kb %s, version %d): %s", e.KBID, e.Version, e.Reason)
}

// IsSchemaError reports whether err wraps a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// AttributeSpec describes one attribute of an entity type.
type AttributeSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	// AppendOnly attributes accumulate values across merges instead of being
	// overwritten by the latest extraction.
	AppendOnly bool `json:"append_only,omitempty"`
}

// EntityTypeDef describes one entity type (graph node label) of a domain.
type EntityTypeDef struct {
	Name           string          `json:"name"`
	Attributes     []AttributeSpec `json:"attributes,omitempty"`
	ExtractionHint string          `json:"extraction_hint,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
	Color          string          `json:"color,omitempty"`
	// MergeThreshold overrides DefaultMergeThreshold when > 0.
	MergeThreshold float64 `json:"merge_threshold,omitempty"`
}

// RelationshipTypeDef describes one relationship type (graph edge label).
// Empty SourceType or TargetType accept any entity type.
type RelationshipTypeDef struct {
	Name           string `json:"name"`
	SourceType     string `json:"source_type,omitempty"`
	TargetType     string `json:"target_type,omitempty"`
	Directed       bool   `json:"directed"`
	ExtractionHint string `json:"extraction_hint,omitempty"`
}

// DomainSchema is an immutable, versioned snapshot of a knowledge base's
// entity and relationship types.
type DomainSchema struct {
	KBID              string                `json:"kb_id"`
	DomainID          string                `json:"domain_id"`
	Version           int                   `json:"version"`
	EntityTypes       []EntityTypeDef       `json:"entity_types"`
	RelationshipTypes []RelationshipTypeDef `json:"relationship_types"`
	Archived          bool                  `json:"archived"`
	CreatedAt         time.Time             `json:"created_at"`
}

// Validate checks the snapshot for the problems that make it unusable for
// extraction: no entity types, blank or duplicate names, relationships
// pointing at unknown entity types and thresholds outside (0,1].
func (s *DomainSchema) Validate() error {
	if s == nil {
		return &SchemaError{Reason: "schema snapshot is nil"}
	}
	fail := func(format string, args ...any) error {
		return &SchemaError{KBID: s.KBID, Version: s.Version, Reason: fmt.Sprintf(format, args...)}
	}

	if len(s.EntityTypes) == 0 {
		return fail("no entity types defined")
	}

	seen := make(map[string]struct{}, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		key := normalizeTypeName(et.Name)
		if key == "" {
			return fail("entity type with empty name")
		}
		if _, ok := seen[key]; ok {
			return fail("duplicate entity type %q", et.Name)
		}
		seen[key] = struct{}{}
		if et.MergeThreshold < 0 || et.MergeThreshold > 1 {
			return fail("entity type %q: merge threshold %v outside (0,1]", et.Name, et.MergeThreshold)
		}
		attrs := make(map[string]struct{}, len(et.Attributes))
		for _, a := range et.Attributes {
			name := strings.TrimSpace(a.Name)
			if name == "" {
				return fail("entity type %q: attribute with empty name", et.Name)
			}
			if _, ok := attrs[name]; ok {
				return fail("entity type %q: duplicate attribute %q", et.Name, name)
			}
			attrs[name] = struct{}{}
		}
	}

	relSeen := make(map[string]struct{}, len(s.RelationshipTypes))
	for _, rt := range s.RelationshipTypes {
		key := normalizeTypeName(rt.Name)
		if key == "" {
			return fail("relationship type with empty name")
		}
		if _, ok := relSeen[key]; ok {
			return fail("duplicate relationship type %q", rt.Name)
		}
		relSeen[key] = struct{}{}
		for _, endpoint := range []string{rt.SourceType, rt.TargetType} {
			if endpoint == "" {
				continue
			}
			if _, ok := seen[normalizeTypeName(endpoint)]; !ok {
				return fail("relationship type %q references unknown entity type %q", rt.Name, endpoint)
			}
		}
	}

	return nil
}

// EntityType looks up an entity type case-insensitively.
func (s *DomainSchema) EntityType(name string) (EntityTypeDef, bool) {
	key := normalizeTypeName(name)
	for _, et := range s.EntityTypes {
		if normalizeTypeName(et.Name) == key {
			return et, true
		}
	}
	return EntityTypeDef{}, false
}

// RelationshipType looks up a relationship type case-insensitively.
func (s *DomainSchema) RelationshipType(name string) (RelationshipTypeDef, bool) {
	key := normalizeTypeName(name)
	for _, rt := range s.RelationshipTypes {
		if normalizeTypeName(rt.Name) == key {
			return rt, true
		}
	}
	return RelationshipTypeDef{}, false
}

// Threshold returns the effective merge threshold of the entity type.
func (et EntityTypeDef) Threshold() float64 {
	if et.MergeThreshold > 0 {
		return et.MergeThreshold
	}
	return DefaultMergeThreshold
}

// Attribute returns the attribute spec with the given name.
func (et EntityTypeDef) Attribute(name string) (AttributeSpec, bool) {
	for _, a := range et.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeSpec{}, false
}

// AppendOnly lists the names of the type's append-only attributes.
func (et EntityTypeDef) AppendOnly() []string {
	var out []string
	for _, a := range et.Attributes {
		if a.AppendOnly {
			out = append(out, a.Name)
		}
	}
	return out
}

// Accepts reports whether the relationship type allows an edge between
// entities of the given types. Undirected types accept either orientation.
func (rt RelationshipTypeDef) Accepts(sourceType, targetType string) bool {
	match := func(want, got string) bool {
		return want == "" || normalizeTypeName(want) == normalizeTypeName(got)
	}
	if match(rt.SourceType, sourceType) && match(rt.TargetType, targetType) {
		return true
	}
	if !rt.Directed {
		return match(rt.SourceType, targetType) && match(rt.TargetType, sourceType)
	}
	return false
}

func normalizeTypeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
