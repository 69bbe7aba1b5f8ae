package corpus

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
)

func TestMemoryChunksSortedBySequence(t *testing.T) {
	m := NewMemory()
	m.AddDocument("kb", "doc",
		common.Chunk{ID: "c2", Sequence: 2, Text: "b"},
		common.Chunk{ID: "c1", Sequence: 1, Text: "a"},
	)

	chunks, err := m.GetChunks(context.Background(), "doc")
	if err != nil {
		t.Fatalf("GetChunks error: %v", err)
	}
	if len(chunks) != 2 || chunks[0].ID != "c1" || chunks[1].ID != "c2" {
		t.Fatalf("GetChunks = %+v, want c1 then c2", chunks)
	}
	if chunks[0].DocumentID != "doc" {
		t.Fatalf("DocumentID = %q, want %q", chunks[0].DocumentID, "doc")
	}
}

func TestMemoryListDocumentIDsPaginates(t *testing.T) {
	m := NewMemory()
	for _, id := range []string{"d3", "d1", "d2", "d4"} {
		m.AddDocument("kb", id)
	}
	ctx := context.Background()

	var all []string
	after := ""
	for {
		page, err := m.ListDocumentIDs(ctx, "kb", after, 3)
		if err != nil {
			t.Fatalf("ListDocumentIDs error: %v", err)
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1]
	}

	want := []string{"d1", "d2", "d3", "d4"}
	if len(all) != len(want) {
		t.Fatalf("got %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("got %v, want %v", all, want)
		}
	}

	n, _ := m.CountDocuments(ctx, "kb")
	if n != 4 {
		t.Fatalf("CountDocuments = %d, want 4", n)
	}
}

func TestMemoryModelRegistry(t *testing.T) {
	m := NewMemory()
	m.SetModel("legal", "extract-large")

	got, err := m.GetActiveExtractionModel(context.Background(), "legal")
	if err != nil || got != "extract-large" {
		t.Fatalf("GetActiveExtractionModel = %q, %v", got, err)
	}
	if _, err := m.GetActiveExtractionModel(context.Background(), "medical"); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}
