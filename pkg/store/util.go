package store

import (
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/dedupe"
)

// ChunkRange calls fn for consecutive [start, end) windows of at most
// chunkSize elements.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// NameKeys returns the normalized keys under which a resolved entity can be
// referenced by relationships of the same chunk.
func NameKeys(r common.ResolvedEntity) []string {
	keys := []string{dedupe.NormalizeName(r.Entity.Name)}
	for _, a := range r.Aliases {
		keys = append(keys, dedupe.NormalizeName(a))
	}
	return DedupeStrings(keys)
}

// EdgeEndpoints resolves the node ids of a relationship. It reports false
// when an endpoint is unknown or both endpoints are the same node. Undirected
// edges come back in canonical order.
func EdgeEndpoints(rel common.ExtractedRelationship, nameToID map[string]string) (string, string, bool) {
	from, okFrom := nameToID[dedupe.NormalizeName(rel.Source)]
	to, okTo := nameToID[dedupe.NormalizeName(rel.Target)]
	if !okFrom || !okTo || from == to {
		return "", "", false
	}
	if !rel.Directed && to < from {
		from, to = to, from
	}
	return from, to, true
}
