// Package dedupe holds the name matching and merge rules used to decide whether
// two entities of the same type describe the same real-world thing.
package dedupe

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/OFFIS-RIT/kiwi/extractor/internal/util"
	"github.com/OFFIS-RIT/kiwi/extractor/pkg/common"

	"github.com/agnivade/levenshtein"
)

// NormalizeName produces the comparison key of a name: lower case with
// whitespace collapsed. Punctuation is kept, so "Acme Corp." and "Acme Corp"
// are not an exact match and go through the similarity check.
func NormalizeName(name string) string {
	return strings.ToLower(util.CollapseWhitespace(name))
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over the
// normalized names, counted in runes. Two empty names have similarity 0.
func Similarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	la, lb := utf8.RuneCountInString(na), utf8.RuneCountInString(nb)
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	if na == nb {
		return 1
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return float64(longest-dist) / float64(longest)
}

// Match is the outcome of comparing a name against existing nodes.
type Match struct {
	Node       common.NodeRef
	Similarity float64
	Exact      bool
}

// BestMatch finds the node that name should merge into.
//
// A case-insensitive exact match wins outright. Otherwise the node with the
// highest similarity at or above threshold is chosen. Equal scores go to the
// most recently updated node, then to the smallest id, so the outcome does not
// depend on the order of candidates.
func BestMatch(name string, candidates []common.NodeRef, threshold float64) (Match, bool) {
	key := NormalizeName(name)
	if key == "" {
		return Match{}, false
	}

	var exact []common.NodeRef
	for _, c := range candidates {
		if NormalizeName(c.Name) == key {
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 {
		sort.Slice(exact, func(i, j int) bool { return newer(exact[i], exact[j]) })
		return Match{Node: exact[0], Similarity: 1, Exact: true}, true
	}

	var best Match
	found := false
	for _, c := range candidates {
		score := Similarity(name, c.Name)
		if score < threshold {
			continue
		}
		if !found || score > best.Similarity || (score == best.Similarity && newer(c, best.Node)) {
			best = Match{Node: c, Similarity: score}
			found = true
		}
	}
	return best, found
}

// Better reports whether match a should be preferred over b: exact matches
// first, then higher similarity, then the node order used by BestMatch.
func Better(a, b Match) bool {
	if a.Exact != b.Exact {
		return a.Exact
	}
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return newer(a.Node, b.Node)
}

// newer orders nodes by UpdatedAt descending, then id ascending.
func newer(a, b common.NodeRef) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Cluster groups names whose pairwise similarity reaches threshold, following
// matches transitively. Groups hold indexes into names, are sorted internally,
// and are returned ordered by their first index. Singletons are included.
func Cluster(names []string, threshold float64) [][]int {
	parent := make([]int, len(names))
	for i := range parent {
		parent[i] = i
	}

	var find func(x int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y int) {
		px, py := find(x), find(y)
		if px == py {
			return
		}
		if px < py {
			parent[py] = px
		} else {
			parent[px] = py
		}
	}

	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if NormalizeName(names[i]) == "" || NormalizeName(names[j]) == "" {
				continue
			}
			if Similarity(names[i], names[j]) >= threshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	var roots []int
	for i := range names {
		root := find(i)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], i)
	}

	sort.Ints(roots)
	result := make([][]int, 0, len(roots))
	for _, root := range roots {
		result = append(result, groups[root])
	}
	return result
}
