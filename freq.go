package segattack

import (
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// PlaintextCandidate is one reference value with its population frequency.
// Parts holds the per-attribute normalized values the concatenation was
// built from, in segment attribute order.
type PlaintextCandidate struct {
	Value string
	Parts []string
	Count int
}

// PlaintextIndex ranks reference values by descending frequency, ties broken
// lexicographically ascending on the value, so runs are reproducible.
type PlaintextIndex struct {
	Candidates []PlaintextCandidate
	Total      int
}

// BuildPlaintextIndex counts the concatenated attribute values of the
// reference table.
func BuildPlaintextIndex(t *Table, attrs []int) *PlaintextIndex {
	counts := map[string]int{}
	parts := map[string][]string{}
	total := 0
	for _, id := range t.RecIDs {
		fields := t.Rows[id]
		v := NormalizeValue(fields, attrs)
		if v == "" {
			continue
		}
		total++
		counts[v]++
		if _, ok := parts[v]; !ok {
			parts[v] = NormalizeParts(fields, attrs)
		}
	}

	idx := &PlaintextIndex{Total: total}
	for v, c := range counts {
		idx.Candidates = append(idx.Candidates, PlaintextCandidate{Value: v, Parts: parts[v], Count: c})
	}
	sort.Slice(idx.Candidates, func(i, j int) bool {
		a, b := idx.Candidates[i], idx.Candidates[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Value < b.Value
	})
	return idx
}

// BitPatternGroup is the set of records sharing one visible bit pattern.
type BitPatternGroup struct {
	Key     string
	Pattern *bitset.BitSet
	Records []string
	Count   int
}

// PatternIndex ranks pattern groups by descending population, ties broken by
// the canonical big-unsigned-integer order on the pattern. Groups partition
// the record set.
type PatternIndex struct {
	Groups []BitPatternGroup
	Total  int
}

// BuildPatternIndex groups records by identical visible patterns.
func BuildPatternIndex(records []EncodedRecord) *PatternIndex {
	byKey := map[string]*BitPatternGroup{}
	order := []string{}
	for _, r := range records {
		pat := r.VisiblePattern()
		key := PatternKey(pat)
		g, ok := byKey[key]
		if !ok {
			g = &BitPatternGroup{Key: key, Pattern: pat}
			byKey[key] = g
			order = append(order, key)
		}
		g.Records = append(g.Records, r.ID)
		g.Count++
	}

	idx := &PatternIndex{Total: len(records)}
	for _, key := range order {
		g := byKey[key]
		sort.Strings(g.Records)
		idx.Groups = append(idx.Groups, *g)
	}
	sort.Slice(idx.Groups, func(i, j int) bool {
		a, b := idx.Groups[i], idx.Groups[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return ComparePatterns(a.Pattern, b.Pattern) < 0
	})
	return idx
}
