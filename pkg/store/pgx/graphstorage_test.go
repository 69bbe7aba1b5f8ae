package pgx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/db"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/store"

	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

func TestNodeRefs(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []db.NodeCandidate{
		{ID: "n1", Name: "Acme Corp", UpdatedAt: at},
		{ID: "n2", Name: "Acme Corporation", UpdatedAt: at.Add(time.Hour)},
	}

	got := nodeRefs(rows)
	want := []common.NodeRef{
		{ID: "n1", Name: "Acme Corp", UpdatedAt: at},
		{ID: "n2", Name: "Acme Corporation", UpdatedAt: at.Add(time.Hour)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("nodeRefs() = %+v, want %+v", got, want)
	}

	if got := nodeRefs(nil); got == nil || len(got) != 0 {
		t.Fatalf("nodeRefs(nil) = %#v, want empty slice", got)
	}
}

func testIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	return ids
}

func TestCleanupInChunks(t *testing.T) {
	tests := []struct {
		name       string
		ids        int
		wantChunks []int
	}{
		{name: "no ids", ids: 0, wantChunks: nil},
		{name: "single chunk", ids: 3, wantChunks: []int{3}},
		{name: "exact chunk", ids: idChunkSize, wantChunks: []int{idChunkSize}},
		{name: "several chunks", ids: 2*idChunkSize + 7, wantChunks: []int{idChunkSize, idChunkSize, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := testIDs(tt.ids)
			var chunks []int
			var seen []string
			deleted, err := cleanupInChunks(ids, idChunkSize, func(chunk []string) (int64, error) {
				chunks = append(chunks, len(chunk))
				seen = append(seen, chunk...)
				return int64(len(chunk)) / 2, nil
			})
			if err != nil {
				t.Fatalf("cleanupInChunks() error = %v", err)
			}
			if !reflect.DeepEqual(chunks, tt.wantChunks) {
				t.Fatalf("chunk sizes = %v, want %v", chunks, tt.wantChunks)
			}
			if len(seen) != len(ids) || (len(ids) > 0 && !reflect.DeepEqual(seen, ids)) {
				t.Fatalf("ids were not visited once in order")
			}
			var want int64
			for _, c := range tt.wantChunks {
				want += int64(c) / 2
			}
			if deleted != want {
				t.Fatalf("deleted = %d, want %d", deleted, want)
			}
		})
	}
}

func TestCleanupInChunksStopsAtError(t *testing.T) {
	boom := errors.New("connection reset")
	calls := 0
	deleted, err := cleanupInChunks(testIDs(3*idChunkSize), idChunkSize, func(chunk []string) (int64, error) {
		calls++
		if calls == 2 {
			return 4, boom
		}
		return 10, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if deleted != 14 {
		t.Fatalf("deleted = %d, want 14", deleted)
	}
}

// testStorage connects to TEST_DATABASE_URL and applies the migrations.
func testStorage(t *testing.T) *GraphDBStorage {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := db.Migrate(dbURL); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("connecting to test DB: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewGraphDBStorage(pool)
}

func findNodes(t *testing.T, s *GraphDBStorage, kbID, entityType, name string) []common.NodeRef {
	t.Helper()
	var out []common.NodeRef
	err := s.WithDocument(context.Background(), kbID, "lookup", false, func(ctx context.Context, w store.DocumentWriter) error {
		var err error
		out, err = w.FindMergeCandidates(ctx, kbID, entityType, name)
		return err
	})
	if err != nil {
		t.Fatalf("FindMergeCandidates: %v", err)
	}
	return out
}

func writeDocument(t *testing.T, s *GraphDBStorage, kbID, docID string, replace bool, resolved []common.ResolvedEntity, rels []common.ExtractedRelationship) {
	t.Helper()
	err := s.WithDocument(context.Background(), kbID, docID, replace, func(ctx context.Context, w store.DocumentWriter) error {
		if len(resolved) == 0 {
			return nil
		}
		ids, err := w.StoreEntities(ctx, docID+"-c1", resolved)
		if err != nil {
			return err
		}
		_, err = w.StoreRelationships(ctx, docID+"-c1", rels, ids)
		return err
	})
	if err != nil {
		t.Fatalf("write %s: %v", docID, err)
	}
}

func TestGraphDBStorageReplaceKeepsSharedNodes(t *testing.T) {
	s := testStorage(t)
	kbID := "kb-" + gonanoid.Must()

	acme := common.ExtractedEntity{Type: "Organization", Name: "Acme Corp", Confidence: 0.9}
	jane := common.ExtractedEntity{Type: "Person", Name: "Jane Doe", Confidence: 0.8}
	writeDocument(t, s, kbID, "doc1", false,
		[]common.ResolvedEntity{
			{Entity: acme, Action: common.ActionCreate, Threshold: 0.85},
			{Entity: jane, Action: common.ActionCreate, Threshold: 0.85},
		},
		[]common.ExtractedRelationship{{Type: "WORKS_FOR", Source: "Jane Doe", Target: "Acme Corp", Directed: true, Confidence: 0.7}},
	)

	nodes := findNodes(t, s, kbID, "Organization", "Acme Corp")
	if len(nodes) != 1 {
		t.Fatalf("Acme Corp nodes after doc1 = %+v, want 1", nodes)
	}
	writeDocument(t, s, kbID, "doc2", false,
		[]common.ResolvedEntity{{Entity: acme, Action: common.ActionMerge, ExistingNodeID: nodes[0].ID, Threshold: 0.85}},
		nil,
	)
	if got := findNodes(t, s, kbID, "Organization", "Acme Corp"); len(got) != 1 || got[0].ID != nodes[0].ID {
		t.Fatalf("doc2 did not merge into the existing node: %+v", got)
	}

	// Replacing doc1 with nothing drops what only doc1 sourced.
	writeDocument(t, s, kbID, "doc1", true, nil, nil)
	if got := findNodes(t, s, kbID, "Person", "Jane Doe"); len(got) != 0 {
		t.Fatalf("Jane Doe survived the replace: %+v", got)
	}
	if got := findNodes(t, s, kbID, "Organization", "Acme Corp"); len(got) != 1 {
		t.Fatalf("Acme Corp is still sourced by doc2, got %+v", got)
	}

	writeDocument(t, s, kbID, "doc2", true, nil, nil)
	if got := findNodes(t, s, kbID, "Organization", "Acme Corp"); len(got) != 0 {
		t.Fatalf("Acme Corp survived the replace of its last source: %+v", got)
	}
}
