package graph

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/dedupe"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/schema"
)

// CandidateFinder returns existing nodes of a knowledge base and entity type
// whose names may match name. It may return false positives; the resolver
// ranks them.
type CandidateFinder interface {
	FindMergeCandidates(ctx context.Context, kbID, entityType, name string) ([]common.NodeRef, error)
}

// Resolve decides for every candidate entity of one chunk whether it creates
// a new node or merges into an existing one.
//
// Candidates of the same type whose names match each other are collapsed
// first, so one chunk never creates two nodes for "Acme Corp" and
// "Acme Corp.". The merged candidate keeps the highest confidence, the
// attributes of all members and the other names as aliases.
func Resolve(
	ctx context.Context,
	finder CandidateFinder,
	kbID string,
	s *schema.DomainSchema,
	candidates []common.ExtractedEntity,
) ([]common.ResolvedEntity, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var typeOrder []string
	byType := make(map[string][]common.ExtractedEntity)
	for _, c := range candidates {
		if _, ok := byType[c.Type]; !ok {
			typeOrder = append(typeOrder, c.Type)
		}
		byType[c.Type] = append(byType[c.Type], c)
	}

	resolved := make([]common.ResolvedEntity, 0, len(candidates))
	for _, typ := range typeOrder {
		group := byType[typ]

		threshold := schema.DefaultMergeThreshold
		var appendOnly []string
		if s != nil {
			if et, ok := s.EntityType(typ); ok {
				threshold = et.Threshold()
				appendOnly = et.AppendOnly()
			}
		}

		names := make([]string, len(group))
		for i, c := range group {
			names[i] = c.Name
		}

		for _, cluster := range dedupe.Cluster(names, threshold) {
			members := make([]common.ExtractedEntity, len(cluster))
			for i, idx := range cluster {
				members[i] = group[idx]
			}
			entity, aliases := collapse(members, appendOnly)

			r := common.ResolvedEntity{
				Entity:     entity,
				Aliases:    aliases,
				Action:     common.ActionCreate,
				Threshold:  threshold,
				AppendOnly: appendOnly,
			}

			match, ok, err := findMatch(ctx, finder, kbID, typ, append([]string{entity.Name}, aliases...), threshold)
			if err != nil {
				return nil, err
			}
			if ok {
				r.Action = common.ActionMerge
				r.ExistingNodeID = match.Node.ID
				r.Similarity = match.Similarity
				logger.Debug("[Resolver] Merging entity", "kb_id", kbID, "type", typ, "name", entity.Name, "node_id", match.Node.ID, "node_name", match.Node.Name, "similarity", match.Similarity)
			}
			resolved = append(resolved, r)
		}
	}

	return resolved, nil
}

// collapse merges candidates that name the same entity. The member with the
// highest confidence provides the name and wins attribute conflicts; ties keep
// extraction order.
func collapse(members []common.ExtractedEntity, appendOnly []string) (common.ExtractedEntity, []string) {
	lead := 0
	for i, m := range members {
		if m.Confidence > members[lead].Confidence {
			lead = i
		}
	}

	out := members[lead]
	attrs := map[string]any{}
	var aliases []string
	seen := map[string]struct{}{dedupe.NormalizeName(out.Name): {}}
	for i, m := range members {
		if i == lead {
			continue
		}
		attrs = dedupe.MergeAttributes(attrs, m.Attributes, appendOnly)
		key := dedupe.NormalizeName(m.Name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		aliases = append(aliases, m.Name)
	}
	out.Attributes = dedupe.MergeAttributes(attrs, members[lead].Attributes, appendOnly)
	return out, aliases
}

func findMatch(
	ctx context.Context,
	finder CandidateFinder,
	kbID, entityType string,
	names []string,
	threshold float64,
) (dedupe.Match, bool, error) {
	if finder == nil {
		return dedupe.Match{}, false, nil
	}

	var best dedupe.Match
	found := false
	for _, name := range names {
		nodes, err := finder.FindMergeCandidates(ctx, kbID, entityType, name)
		if err != nil {
			return dedupe.Match{}, false, fmt.Errorf("failed to find merge candidates for %q: %w", name, err)
		}
		m, ok := dedupe.BestMatch(name, nodes, threshold)
		if !ok {
			continue
		}
		if !found || dedupe.Better(m, best) {
			best = m
			found = true
		}
	}
	return best, found, nil
}
