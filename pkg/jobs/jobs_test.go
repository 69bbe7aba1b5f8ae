package jobs

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/events"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/graph"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/progress"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
	graphmem "github.com/OFFIS-RIT/kiwi/extractor/pkg/store/memory"
)

const testKB = "kb1"

func testSchema() *schema.DomainSchema {
	return &schema.DomainSchema{
		KBID:     testKB,
		DomainID: "business",
		Version:  1,
		EntityTypes: []schema.EntityTypeDef{
			{Name: "Organization", Attributes: []schema.AttributeSpec{{Name: "industry", Type: schema.AttrString}}},
			{Name: "Person", Attributes: []schema.AttributeSpec{{Name: "role", Type: schema.AttrString}}},
		},
		RelationshipTypes: []schema.RelationshipTypeDef{
			{Name: "WORKS_FOR", SourceType: "Person", TargetType: "Organization", Directed: true},
			{Name: "PARTNERS_WITH", SourceType: "Organization", TargetType: "Organization"},
		},
	}
}

func archivedSchema() *schema.DomainSchema {
	s := testSchema()
	s.Version = 2
	s.Archived = true
	return s
}

func ent(typ, name string, conf float64) common.ExtractedEntity {
	return common.ExtractedEntity{Type: typ, Name: name, Confidence: conf}
}

func rel(typ, from, to string, directed bool) common.ExtractedRelationship {
	return common.ExtractedRelationship{Type: typ, Source: from, Target: to, Directed: directed, Confidence: 0.8}
}

// script is the scripted model output for one chunk. The first len(errs)
// calls fail with the given errors.
type script struct {
	entities []common.ExtractedEntity
	rels     []common.ExtractedRelationship
	errs     []error
}

type fakeExtractor struct {
	mu      sync.Mutex
	scripts map[string]*script
	calls   map[string]int
	hook    func(req graph.ExtractRequest)
}

func (f *fakeExtractor) Extract(ctx context.Context, req graph.ExtractRequest) (*common.ExtractionResult, error) {
	f.mu.Lock()
	f.calls[req.ChunkID]++
	n := f.calls[req.ChunkID]
	s := f.scripts[req.ChunkID]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &common.ExtractionResult{Model: req.Model.Name, FallbackModel: req.Model.Fallback}
	if s == nil {
		return res, nil
	}
	if n <= len(s.errs) {
		return nil, s.errs[n-1]
	}
	for _, e := range s.entities {
		e.DocumentID, e.ChunkID = req.DocumentID, req.ChunkID
		res.Entities = append(res.Entities, e)
	}
	for _, r := range s.rels {
		r.DocumentID, r.ChunkID = req.DocumentID, req.ChunkID
		res.Relationships = append(res.Relationships, r)
	}
	return res, nil
}

func (f *fakeExtractor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type memQueue struct {
	mu   sync.Mutex
	msgs []Message
	err  error
	// failNext fails that many publishes before accepting messages again.
	failNext int
}

func (q *memQueue) Publish(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.failNext > 0 {
		q.failNext--
		return fmt.Errorf("broker unavailable")
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *memQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type harness struct {
	repo      *MemoryRepository
	corpus    *corpus.Memory
	graph     *graphmem.Store
	tracker   *progress.MemoryTracker
	queue     *memQueue
	events    *events.Recorder
	extractor *fakeExtractor
	svc       *Service
	worker    *Worker
}

func newHarness(t *testing.T, cfg WorkerConfig) *harness {
	t.Helper()
	h := &harness{
		repo:      NewMemoryRepository(),
		corpus:    corpus.NewMemory(),
		graph:     graphmem.New(),
		tracker:   progress.NewMemoryTracker(0),
		queue:     &memQueue{},
		events:    &events.Recorder{},
		extractor: &fakeExtractor{scripts: map[string]*script{}, calls: map[string]int{}},
	}
	catalog := schema.NewStaticCatalog(testSchema(), archivedSchema())
	h.svc = NewService(NewServiceParams{
		Repo:      h.repo,
		Catalog:   catalog,
		Tracker:   h.tracker,
		Publisher: h.queue,
		Emitter:   h.events,
	})
	if cfg.Backoff == (util.Backoff{}) {
		cfg.Backoff = util.Backoff{Initial: time.Millisecond, Max: time.Millisecond}
	}
	cfg.DefaultModel = "general-model"
	h.worker = NewWorker(NewWorkerParams{
		Repo:      h.repo,
		Catalog:   catalog,
		Corpus:    h.corpus,
		Models:    h.corpus,
		Extractor: h.extractor,
		Graph:     h.graph,
		Tracker:   h.tracker,
		Publisher: h.queue,
		Emitter:   h.events,
		Config:    cfg,
	})
	return h
}

// addDoc registers a single chunk document and its scripted output.
func (h *harness) addDoc(doc string, s *script) {
	chunkID := doc + "-c1"
	h.corpus.AddDocument(testKB, doc, common.Chunk{ID: chunkID, Sequence: 1, Text: "text of " + doc})
	if s != nil {
		h.extractor.scripts[chunkID] = s
	}
}

func (h *harness) submit(t *testing.T, docs []string, mode CleanupMode) *Job {
	t.Helper()
	job, err := h.svc.Submit(context.Background(), SubmitRequest{
		KBID:          testKB,
		SchemaVersion: 1,
		DocumentIDs:   docs,
		CleanupMode:   mode,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return job
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		msg, ok := h.queue.pop()
		if !ok {
			return
		}
		if err := h.worker.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle(%+v): %v", msg, err)
		}
	}
}

func (h *harness) summary(t *testing.T, id string) *Summary {
	t.Helper()
	s, err := h.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return s
}

func (h *harness) progress(t *testing.T, id string) *progress.JobProgress {
	t.Helper()
	p, err := h.tracker.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("tracker.Get(%s): %v", id, err)
	}
	return p
}

// graphView renders the graph independent of generated ids.
func graphView(s *graphmem.Store) []string {
	nodes := s.Nodes(testKB)
	names := make(map[string]string, len(nodes))
	var out []string
	for _, n := range nodes {
		names[n.ID] = n.Name
		out = append(out, fmt.Sprintf("node %s/%s conf=%.2f docs=%v attrs=%v", n.Type, n.Name, n.Confidence, slices.Sorted(slices.Values(n.SourceDocuments)), n.Attributes))
	}
	for _, e := range s.Edges(testKB) {
		from, to := names[e.FromID], names[e.ToID]
		if e.Type == "PARTNERS_WITH" && to < from {
			from, to = to, from
		}
		out = append(out, fmt.Sprintf("edge %s %s->%s docs=%v", e.Type, from, to, slices.Sorted(slices.Values(e.SourceDocuments))))
	}
	sort.Strings(out)
	return out
}

func threeDocScripts() map[string]*script {
	return map[string]*script{
		"doc1": {
			entities: []common.ExtractedEntity{
				ent("Organization", "Acme Corp", 0.9),
				ent("Person", "Jane Roe", 0.8),
				ent("Person", "Bob Stone", 0.7),
			},
			rels: []common.ExtractedRelationship{
				rel("WORKS_FOR", "Jane Roe", "Acme Corp", true),
				rel("WORKS_FOR", "Bob Stone", "Acme Corp", true),
			},
		},
		"doc2": {
			entities: []common.ExtractedEntity{
				ent("Organization", "Globex Inc", 0.85),
				ent("Organization", "Acme Corp.", 0.95),
			},
			rels: []common.ExtractedRelationship{
				rel("PARTNERS_WITH", "Globex Inc", "Acme Corp.", false),
			},
		},
		"doc3": {
			errs: []error{&graph.ExtractionError{Transient: false, Err: fmt.Errorf("model answered with prose")}},
		},
	}
}
