package graph

import (
	"context"
	"testing"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/corpus"
)

func TestResolveModel(t *testing.T) {
	registry := corpus.NewMemory()
	registry.SetModel("legal", "legal-extractor")
	registry.SetModel("blank", "  ")

	tests := []struct {
		name     string
		registry corpus.ModelRegistry
		domain   string
		want     ModelRef
	}{
		{"configured", registry, "legal", ModelRef{Name: "legal-extractor"}},
		{"not configured", registry, "medical", ModelRef{Name: "general", Fallback: true}},
		{"blank model", registry, "blank", ModelRef{Name: "general", Fallback: true}},
		{"no domain", registry, "", ModelRef{Name: "general", Fallback: true}},
		{"no registry", nil, "legal", ModelRef{Name: "general", Fallback: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveModel(context.Background(), tt.registry, tt.domain, "general")
			if got != tt.want {
				t.Fatalf("ResolveModel() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
