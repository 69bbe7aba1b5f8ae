package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ratelimit"
)

const validResponse = `{
  "entities": [
    {"type": "organization", "name": " Acme   Corp ", "attributes": [
      {"name": "industry", "value": "Manufacturing"},
      {"name": "employees", "value": "1200"},
      {"name": "products", "value": "anvils; rockets;"},
      {"name": "ceo", "value": "Jane Doe"}
    ], "confidence": 1.4},
    {"type": "Person", "name": "Jane Doe", "attributes": [{"name": "role", "value": "CEO"}], "confidence": 0.8},
    {"type": "Planet", "name": "Mars", "attributes": [], "confidence": 0.9},
    {"type": "Person", "name": "   ", "attributes": [], "confidence": 0.5}
  ],
  "relationships": [
    {"type": "works_for", "source": "Jane Doe", "target": "Acme Corp", "attributes": [{"name": "since", "value": "2019"}], "confidence": -0.2},
    {"type": "WORKS_FOR", "source": "Acme Corp", "target": "Jane Doe", "attributes": [], "confidence": 0.5},
    {"type": "PARTNERS_WITH", "source": "Acme Corp", "target": "acme corp", "attributes": [], "confidence": 0.5},
    {"type": "OWNS", "source": "Jane Doe", "target": "Acme Corp", "attributes": [], "confidence": 0.5}
  ]
}`

func newTestRequest() ExtractRequest {
	return ExtractRequest{
		Prompt:     "prompt",
		Model:      ModelRef{Name: "general", Fallback: true},
		Schema:     testSchema(),
		DocumentID: "doc1",
		ChunkID:    "chunk1",
	}
}

func TestExtractValidatesOutput(t *testing.T) {
	client := &stubClient{response: validResponse}
	x := NewExtractor(NewExtractorParams{Client: client})

	res, err := x.Extract(context.Background(), newTestRequest())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}

	if len(res.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d: %+v", len(res.Entities), res.Entities)
	}
	acme := res.Entities[0]
	if acme.Type != "Organization" || acme.Name != "Acme Corp" {
		t.Fatalf("unexpected entity %+v", acme)
	}
	if acme.Confidence != 1 {
		t.Fatalf("confidence = %v, want clamped 1", acme.Confidence)
	}
	wantAttrs := map[string]any{
		"industry":  "Manufacturing",
		"employees": float64(1200),
		"products":  []any{"anvils", "rockets"},
	}
	if !reflect.DeepEqual(acme.Attributes, wantAttrs) {
		t.Fatalf("attributes = %#v, want %#v", acme.Attributes, wantAttrs)
	}
	if acme.DocumentID != "doc1" || acme.ChunkID != "chunk1" {
		t.Fatalf("provenance not set: %+v", acme)
	}

	if len(res.Relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d: %+v", len(res.Relationships), res.Relationships)
	}
	rel := res.Relationships[0]
	if rel.Type != "WORKS_FOR" || rel.Source != "Jane Doe" || rel.Target != "Acme Corp" || !rel.Directed {
		t.Fatalf("unexpected relationship %+v", rel)
	}
	if rel.Confidence != 0 {
		t.Fatalf("confidence = %v, want clamped 0", rel.Confidence)
	}
	if rel.Attributes["since"] != "2019" {
		t.Fatalf("relationship attributes = %v", rel.Attributes)
	}

	// Unknown type, empty name, undeclared attribute, two clamps, wrong
	// direction, self relation and unknown relationship type.
	if len(res.Warnings) != 8 {
		t.Fatalf("expected 8 warnings, got %d: %v", len(res.Warnings), res.Warnings)
	}
	if res.Model != "general" || !res.FallbackModel {
		t.Fatalf("model not recorded: %q fallback=%v", res.Model, res.FallbackModel)
	}

	if client.options.Model != "general" || client.options.Temperature != 0 {
		t.Fatalf("unexpected generate options %+v", client.options)
	}
	if len(client.options.SystemPrompts) != 1 || client.options.SystemPrompts[0] != ai.ExtractionSystemPrompt {
		t.Fatalf("system prompt not set")
	}
}

func TestExtractEmptyArrays(t *testing.T) {
	x := NewExtractor(NewExtractorParams{Client: &stubClient{response: `{"entities": [], "relationships": []}`}})

	res, err := x.Extract(context.Background(), newTestRequest())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(res.Entities) != 0 || len(res.Relationships) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestExtractPassesThinking(t *testing.T) {
	tests := []struct {
		name     string
		thinking string
	}{
		{name: "disabled", thinking: ""},
		{name: "low effort", thinking: "low"},
		{name: "high effort", thinking: "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &stubClient{response: `{"entities": [], "relationships": []}`}
			x := NewExtractor(NewExtractorParams{Client: client, Thinking: tt.thinking})
			if _, err := x.Extract(context.Background(), newTestRequest()); err != nil {
				t.Fatalf("Extract error: %v", err)
			}
			if client.options.Thinking != tt.thinking {
				t.Fatalf("thinking = %q, want %q", client.options.Thinking, tt.thinking)
			}
		})
	}
}

type blockedLimiter struct{}

func (blockedLimiter) Wait(ctx context.Context) error { return ratelimit.ErrWaitExceeded }

func TestExtractErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		client    *stubClient
		limiter   ratelimit.Limiter
		transient bool
	}{
		{"transport failure", &stubClient{err: errors.New("connection reset by peer")}, nil, true},
		{"timeout", &stubClient{err: context.DeadlineExceeded}, nil, true},
		{"rate limit wait exceeded", &stubClient{response: validResponse}, blockedLimiter{}, true},
		{"unparseable output", &stubClient{err: fmt.Errorf("%w: bad json", ai.ErrInvalidOutput)}, nil, false},
		{"rejected request", &stubClient{err: fmt.Errorf("%w: unknown model", ai.ErrRequestRejected)}, nil, false},
		{"missing relationships array", &stubClient{response: `{"entities": []}`}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := NewExtractor(NewExtractorParams{Client: tt.client, Limiter: tt.limiter})
			_, err := x.Extract(context.Background(), newTestRequest())

			var ee *ExtractionError
			if !errors.As(err, &ee) {
				t.Fatalf("expected ExtractionError, got %v", err)
			}
			if ee.Transient != tt.transient {
				t.Fatalf("Transient = %v, want %v (err: %v)", ee.Transient, tt.transient, err)
			}
			if IsTransient(err) != tt.transient {
				t.Fatalf("IsTransient = %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestExtractReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	x := NewExtractor(NewExtractorParams{Client: &stubClient{err: context.Canceled}})
	_, err := x.Extract(ctx, newTestRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		t.Fatalf("cancellation must not be classified, got %v", err)
	}
}

func TestExtractRespectsLimiter(t *testing.T) {
	limiter := ratelimit.NewLocal(20, 1, time.Second)
	client := &stubClient{response: `{"entities": [], "relationships": []}`}
	x := NewExtractor(NewExtractorParams{Client: client, Limiter: limiter})

	start := time.Now()
	for range 3 {
		if _, err := x.Extract(context.Background(), newTestRequest()); err != nil {
			t.Fatalf("Extract error: %v", err)
		}
	}
	// Burst 1 at 20/s: the second and third call wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("limiter not applied, 3 calls took %v", elapsed)
	}
	if client.calls != 3 {
		t.Fatalf("calls = %d, want 3", client.calls)
	}
}
