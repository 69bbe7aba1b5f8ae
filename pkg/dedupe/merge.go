package dedupe

import (
	"fmt"
	"slices"
)

// MergeAttributes applies incoming on top of existing. Keys are last-write-wins
// except those listed in appendOnly, whose values are accumulated into a list
// without duplicates. Neither input map is modified.
func MergeAttributes(existing, incoming map[string]any, appendOnly []string) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			continue
		}
		if slices.Contains(appendOnly, k) {
			out[k] = appendValues(out[k], v)
			continue
		}
		out[k] = v
	}
	return out
}

func appendValues(existing, incoming any) []any {
	var out []any
	seen := make(map[string]struct{})
	add := func(v any) {
		key := fmt.Sprint(v)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	for _, v := range asList(existing) {
		add(v)
	}
	for _, v := range asList(incoming) {
		add(v)
	}
	return out
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{t}
	}
}

// UnionStrings returns the sorted union of the given sets.
func UnionStrings(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, set := range sets {
		for _, s := range set {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
