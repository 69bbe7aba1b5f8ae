package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/dedupe"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/ratelimit"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
)

// ExtractionError classifies a failed extraction call. Transient errors
// (transport, timeouts, rate limit waits) may succeed when retried;
// non-transient errors (unparseable or incomplete output) will not.
type ExtractionError struct {
	Transient bool
	Err       error
}

func (e *ExtractionError) Error() string {
	kind := "non-transient"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("extraction failed (%s): %v", kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a transient *ExtractionError.
func IsTransient(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee) && ee.Transient
}

type extractAttribute struct {
	Name  string `json:"name" jsonschema_description:"Attribute name exactly as defined for the type"`
	Value string `json:"value" jsonschema_description:"Attribute value as text"`
}

type extractEntity struct {
	Type       string             `json:"type" jsonschema_description:"One of the provided entity type names"`
	Name       string             `json:"name" jsonschema_description:"Name of the entity as written in the text"`
	Attributes []extractAttribute `json:"attributes" jsonschema_description:"Attribute values stated in the text"`
	Confidence float64            `json:"confidence" jsonschema_description:"Confidence between 0 and 1"`
}

type extractRelationship struct {
	Type       string             `json:"type" jsonschema_description:"One of the provided relationship type names"`
	Source     string             `json:"source" jsonschema_description:"Name of the source entity"`
	Target     string             `json:"target" jsonschema_description:"Name of the target entity"`
	Attributes []extractAttribute `json:"attributes" jsonschema_description:"Attribute values stated in the text"`
	Confidence float64            `json:"confidence" jsonschema_description:"Confidence between 0 and 1"`
}

// Pointers distinguish a missing array from an empty one.
type extractResponse struct {
	Entities      *[]extractEntity       `json:"entities" jsonschema_description:"Entities found in the text"`
	Relationships *[]extractRelationship `json:"relationships" jsonschema_description:"Relationships between the entities found in the text"`
}

// ExtractRequest is one extraction call for a single chunk.
type ExtractRequest struct {
	Prompt     string
	Model      ModelRef
	Schema     *schema.DomainSchema
	DocumentID string
	ChunkID    string
}

// Extractor runs extraction prompts against the language model and turns the
// answer into a validated ExtractionResult.
type Extractor struct {
	client  ai.GraphAIClient
	limiter  ratelimit.Limiter
	timeout  time.Duration
	thinking string
}

type NewExtractorParams struct {
	Client ai.GraphAIClient
	// Limiter throttles model calls; nil disables throttling.
	Limiter ratelimit.Limiter
	// CallTimeout bounds a single model call; zero means no bound.
	CallTimeout time.Duration
	// Thinking is passed to reasoning models as is ("low", "medium", "high").
	Thinking string
}

func NewExtractor(params NewExtractorParams) *Extractor {
	return &Extractor{
		client:   params.Client,
		limiter:  params.Limiter,
		timeout:  params.CallTimeout,
		thinking: params.Thinking,
	}
}

// Extract performs one model call. Failures are returned as *ExtractionError,
// except cancellation of ctx, which is returned as is.
func (x *Extractor) Extract(ctx context.Context, req ExtractRequest) (*common.ExtractionResult, error) {
	if req.Schema == nil {
		return nil, &schema.SchemaError{Reason: "schema snapshot is nil"}
	}

	if x.limiter != nil {
		if err := x.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.LLMCallsTotal.WithLabelValues("rate_limited").Inc()
			return nil, &ExtractionError{Transient: true, Err: err}
		}
	}

	callCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	opts := []ai.GenerateOption{
		ai.WithModel(req.Model.Name),
		ai.WithSystemPrompts(ai.ExtractionSystemPrompt),
		ai.WithTemperature(0),
	}
	if x.thinking != "" {
		opts = append(opts, ai.WithThinking(x.thinking))
	}

	start := time.Now()
	var res extractResponse
	err := x.client.GenerateCompletionWithFormat(
		callCtx,
		"extract_entities_and_relationships",
		"Extract typed entities and the relationships between them from a text passage.",
		req.Prompt,
		&res,
		opts...,
	)
	metrics.LLMCallDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			metrics.LLMCallsTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		}
		ee := classifyError(err)
		if ee.Transient {
			metrics.LLMCallsTotal.WithLabelValues("transient_error").Inc()
		} else {
			metrics.LLMCallsTotal.WithLabelValues("invalid").Inc()
		}
		return nil, ee
	}

	if res.Entities == nil || res.Relationships == nil {
		metrics.LLMCallsTotal.WithLabelValues("invalid").Inc()
		return nil, &ExtractionError{
			Err: fmt.Errorf("%w: response lacks the entities or relationships array", ai.ErrInvalidOutput),
		}
	}
	metrics.LLMCallsTotal.WithLabelValues("ok").Inc()

	result := validateResult(res, req)
	result.Model = req.Model.Name
	result.FallbackModel = req.Model.Fallback
	for _, w := range result.Warnings {
		logger.Warn("[Extract] Dropped model output", "document_id", req.DocumentID, "chunk_id", req.ChunkID, "reason", w)
	}
	return result, nil
}

func classifyError(err error) *ExtractionError {
	if errors.Is(err, ai.ErrInvalidOutput) || errors.Is(err, ai.ErrRequestRejected) {
		return &ExtractionError{Transient: false, Err: err}
	}
	return &ExtractionError{Transient: true, Err: err}
}

// validateResult checks the raw answer against the schema. Unknown types,
// empty names, undeclared attributes and self relations are dropped with a
// warning; confidences are clamped to [0,1].
func validateResult(res extractResponse, req ExtractRequest) *common.ExtractionResult {
	out := &common.ExtractionResult{
		Entities:      make([]common.ExtractedEntity, 0, len(*res.Entities)),
		Relationships: make([]common.ExtractedRelationship, 0, len(*res.Relationships)),
	}
	warn := func(format string, args ...any) {
		out.Warnings = append(out.Warnings, fmt.Sprintf(format, args...))
	}

	entityTypes := make(map[string]string, len(*res.Entities))
	for _, e := range *res.Entities {
		et, ok := req.Schema.EntityType(e.Type)
		if !ok {
			warn("entity %q: unknown type %q", e.Name, e.Type)
			continue
		}
		name := cleanName(e.Name)
		if name == "" {
			warn("entity of type %q without name", et.Name)
			continue
		}
		conf, clamped := clampConfidence(e.Confidence)
		if clamped {
			warn("entity %q: confidence %v clamped to %v", name, e.Confidence, conf)
		}

		attrs := make(map[string]any, len(e.Attributes))
		for _, a := range e.Attributes {
			spec, ok := et.Attribute(strings.TrimSpace(a.Name))
			if !ok {
				warn("entity %q: attribute %q not defined for type %q", name, a.Name, et.Name)
				continue
			}
			value := strings.TrimSpace(util.SanitizePostgresText(a.Value))
			if value == "" {
				continue
			}
			attrs[spec.Name] = attributeValue(spec, value)
		}

		out.Entities = append(out.Entities, common.ExtractedEntity{
			Type:       et.Name,
			Name:       name,
			Attributes: attrs,
			Confidence: conf,
			DocumentID: req.DocumentID,
			ChunkID:    req.ChunkID,
		})
		entityTypes[dedupe.NormalizeName(name)] = et.Name
	}

	for _, r := range *res.Relationships {
		rt, ok := req.Schema.RelationshipType(r.Type)
		if !ok {
			warn("relationship %q -> %q: unknown type %q", r.Source, r.Target, r.Type)
			continue
		}
		source, target := cleanName(r.Source), cleanName(r.Target)
		if source == "" || target == "" {
			warn("relationship of type %q with empty endpoint", rt.Name)
			continue
		}
		if dedupe.NormalizeName(source) == dedupe.NormalizeName(target) {
			warn("relationship %q of type %q points to itself", source, rt.Name)
			continue
		}
		sourceType, okS := entityTypes[dedupe.NormalizeName(source)]
		targetType, okT := entityTypes[dedupe.NormalizeName(target)]
		if okS && okT && !rt.Accepts(sourceType, targetType) {
			warn("relationship %q -> %q: type %q does not allow %s -> %s", source, target, rt.Name, sourceType, targetType)
			continue
		}
		conf, clamped := clampConfidence(r.Confidence)
		if clamped {
			warn("relationship %q -> %q: confidence %v clamped to %v", source, target, r.Confidence, conf)
		}

		attrs := make(map[string]any, len(r.Attributes))
		for _, a := range r.Attributes {
			key := strings.TrimSpace(a.Name)
			value := strings.TrimSpace(util.SanitizePostgresText(a.Value))
			if key == "" || value == "" {
				continue
			}
			attrs[key] = value
		}

		out.Relationships = append(out.Relationships, common.ExtractedRelationship{
			Type:       rt.Name,
			Source:     source,
			Target:     target,
			Directed:   rt.Directed,
			Attributes: attrs,
			Confidence: conf,
			DocumentID: req.DocumentID,
			ChunkID:    req.ChunkID,
		})
	}

	return out
}

func cleanName(name string) string {
	return util.CollapseWhitespace(util.SanitizePostgresText(name))
}

func clampConfidence(c float64) (float64, bool) {
	switch {
	case math.IsNaN(c):
		return 0, true
	case c < 0:
		return 0, true
	case c > 1:
		return 1, true
	}
	return c, false
}

func attributeValue(spec schema.AttributeSpec, value string) any {
	switch spec.Type {
	case schema.AttrList:
		var items []any
		for part := range strings.SplitSeq(value, ";") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
		return items
	case schema.AttrNumber:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case schema.AttrBoolean:
		if b, err := strconv.ParseBool(strings.ToLower(value)); err == nil {
			return b
		}
	}
	return value
}
