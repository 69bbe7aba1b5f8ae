package schema

import (
	"context"
	"errors"
	"testing"
)

func testSchema() *DomainSchema {
	return &DomainSchema{
		KBID:     "kb1",
		DomainID: "legal",
		Version:  1,
		EntityTypes: []EntityTypeDef{
			{Name: "ORGANIZATION", Attributes: []AttributeSpec{{Name: "country", Type: AttrString}, {Name: "aliases", Type: AttrList, AppendOnly: true}}},
			{Name: "PERSON", MergeThreshold: 0.95},
		},
		RelationshipTypes: []RelationshipTypeDef{
			{Name: "WORKS_FOR", SourceType: "PERSON", TargetType: "ORGANIZATION", Directed: true},
			{Name: "PARTNER_OF", SourceType: "ORGANIZATION", TargetType: "ORGANIZATION"},
		},
	}
}

func TestDomainSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *DomainSchema)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *DomainSchema) {}},
		{name: "no entity types", mutate: func(s *DomainSchema) { s.EntityTypes = nil }, wantErr: true},
		{name: "blank entity name", mutate: func(s *DomainSchema) { s.EntityTypes[0].Name = "  " }, wantErr: true},
		{name: "duplicate entity name", mutate: func(s *DomainSchema) { s.EntityTypes[1].Name = "organization" }, wantErr: true},
		{name: "duplicate attribute", mutate: func(s *DomainSchema) {
			s.EntityTypes[0].Attributes = append(s.EntityTypes[0].Attributes, AttributeSpec{Name: "country"})
		}, wantErr: true},
		{name: "unknown relationship endpoint", mutate: func(s *DomainSchema) { s.RelationshipTypes[0].TargetType = "PLACE" }, wantErr: true},
		{name: "threshold out of range", mutate: func(s *DomainSchema) { s.EntityTypes[1].MergeThreshold = 1.5 }, wantErr: true},
		{name: "no relationship types is fine", mutate: func(s *DomainSchema) { s.RelationshipTypes = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSchema()
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsSchemaError(err) {
				t.Fatalf("Validate() error %T is not a *SchemaError", err)
			}
		})
	}
}

func TestDomainSchemaLookups(t *testing.T) {
	s := testSchema()

	et, ok := s.EntityType("organization")
	if !ok || et.Name != "ORGANIZATION" {
		t.Fatalf("EntityType(organization) = %q, %v", et.Name, ok)
	}
	if got := et.Threshold(); got != DefaultMergeThreshold {
		t.Fatalf("Threshold() = %v, want %v", got, DefaultMergeThreshold)
	}
	if got := et.AppendOnly(); len(got) != 1 || got[0] != "aliases" {
		t.Fatalf("AppendOnly() = %v, want [aliases]", got)
	}

	person, _ := s.EntityType("Person")
	if got := person.Threshold(); got != 0.95 {
		t.Fatalf("Threshold() = %v, want 0.95", got)
	}

	if _, ok := s.RelationshipType("works_for"); !ok {
		t.Fatal("RelationshipType(works_for) not found")
	}
	if _, ok := s.EntityType("PLACE"); ok {
		t.Fatal("EntityType(PLACE) found, want missing")
	}
}

func TestRelationshipTypeAccepts(t *testing.T) {
	s := testSchema()
	worksFor, _ := s.RelationshipType("WORKS_FOR")
	partner, _ := s.RelationshipType("PARTNER_OF")

	tests := []struct {
		name   string
		rt     RelationshipTypeDef
		source string
		target string
		want   bool
	}{
		{name: "directed forward", rt: worksFor, source: "PERSON", target: "ORGANIZATION", want: true},
		{name: "directed reversed", rt: worksFor, source: "ORGANIZATION", target: "PERSON", want: false},
		{name: "undirected", rt: partner, source: "organization", target: "ORGANIZATION", want: true},
		{name: "any endpoint", rt: RelationshipTypeDef{Name: "MENTIONS"}, source: "PERSON", target: "PERSON", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rt.Accepts(tt.source, tt.target); got != tt.want {
				t.Fatalf("Accepts(%q, %q) = %v, want %v", tt.source, tt.target, got, tt.want)
			}
		})
	}
}

type countingCatalog struct {
	calls  int
	schema *DomainSchema
}

func (c *countingCatalog) Get(ctx context.Context, kbID string, version int) (*DomainSchema, error) {
	c.calls++
	if kbID != c.schema.KBID || version != c.schema.Version {
		return nil, ErrNotFound
	}
	return c.schema, nil
}

func TestCachedCatalog(t *testing.T) {
	backing := &countingCatalog{schema: testSchema()}
	c := NewCachedCatalog(backing)

	for i := 0; i < 3; i++ {
		if _, err := c.Get(context.Background(), "kb1", 1); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
	}
	if backing.calls != 1 {
		t.Fatalf("backing calls = %d, want 1", backing.calls)
	}

	if _, err := c.Get(context.Background(), "kb1", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCachedCatalogRejectsInvalid(t *testing.T) {
	bad := testSchema()
	bad.EntityTypes = nil
	c := NewCachedCatalog(NewStaticCatalog(bad))

	_, err := c.Get(context.Background(), "kb1", 1)
	if !IsSchemaError(err) {
		t.Fatalf("Get() error = %v, want SchemaError", err)
	}
}
