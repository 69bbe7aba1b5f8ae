package graph

import (
	"context"
	"sync"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/dedupe"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
)

func testSchema() *schema.DomainSchema {
	return &schema.DomainSchema{
		KBID:     "kb1",
		DomainID: "business",
		Version:  1,
		EntityTypes: []schema.EntityTypeDef{
			{
				Name: "Organization",
				Attributes: []schema.AttributeSpec{
					{Name: "industry", Type: schema.AttrString},
					{Name: "employees", Type: schema.AttrNumber},
					{Name: "products", Type: schema.AttrList, AppendOnly: true},
				},
				ExtractionHint: "Companies, agencies and institutions",
			},
			{
				Name:       "Person",
				Attributes: []schema.AttributeSpec{{Name: "role", Type: schema.AttrString}},
			},
		},
		RelationshipTypes: []schema.RelationshipTypeDef{
			{Name: "WORKS_FOR", SourceType: "Person", TargetType: "Organization", Directed: true},
			{Name: "PARTNERS_WITH", SourceType: "Organization", TargetType: "Organization"},
		},
	}
}

// stubClient answers every structured request with a fixed response.
type stubClient struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
	options  ai.GenerateOptions
}

func (s *stubClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return s.response, s.err
}

func (s *stubClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	s.mu.Lock()
	s.calls++
	s.options = ai.GenerateOptions{}
	for _, o := range opts {
		o(&s.options)
	}
	s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	return ai.UnmarshalFlexible(s.response, out)
}

func (s *stubClient) ResetMetrics()               {}
func (s *stubClient) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

// nodeFinder serves merge candidates from a fixed node list.
type nodeFinder struct {
	nodes map[string][]common.NodeRef
	calls int
}

func (f *nodeFinder) FindMergeCandidates(ctx context.Context, kbID, entityType, name string) ([]common.NodeRef, error) {
	f.calls++
	var out []common.NodeRef
	for _, n := range f.nodes[entityType] {
		if dedupe.Similarity(n.Name, name) > 0.5 {
			out = append(out, n)
		}
	}
	return out, nil
}
