package graph

import (
	"context"
	"strings"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/corpus"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
)

// ModelRef names the model an extraction runs with. Fallback is set when no
// dedicated extraction model was configured for the domain and the general
// purpose generation model is used instead.
type ModelRef struct {
	Name     string `json:"name"`
	Fallback bool   `json:"fallback"`
}

// ResolveModel asks the registry for the domain's extraction model. When the
// registry has none or cannot be reached, defaultModel is used and the result
// is marked as a fallback.
func ResolveModel(ctx context.Context, registry corpus.ModelRegistry, domainID, defaultModel string) ModelRef {
	if registry != nil && domainID != "" {
		model, err := registry.GetActiveExtractionModel(ctx, domainID)
		if err == nil && strings.TrimSpace(model) != "" {
			return ModelRef{Name: strings.TrimSpace(model)}
		}
		if err != nil {
			logger.Warn("[Extract] No extraction model for domain, using default", "domain_id", domainID, "model", defaultModel, "err", err)
		}
	}
	return ModelRef{Name: defaultModel, Fallback: true}
}
