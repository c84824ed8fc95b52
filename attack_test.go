package segattack

import (
	"fmt"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handIndices builds pre-ranked indices directly, the way the engine
// receives them from the builders.
func handGroup(bit uint, ids ...string) BitPatternGroup {
	p := bitset.New(16)
	p.Set(bit)
	return BitPatternGroup{Key: PatternKey(p), Pattern: p, Records: ids, Count: len(ids)}
}

func idRange(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return out
}

func TestModeWindowSize(t *testing.T) {
	assert.Equal(t, 10, ModeFull.WindowSize(10))
	assert.Equal(t, 5, ModeHalf.WindowSize(10))
	assert.Equal(t, 3, ModeQuarter.WindowSize(10))
	assert.Equal(t, 1, ModeQuarter.WindowSize(4))
	assert.Equal(t, 1, ModeQuarter.WindowSize(1))
	assert.Equal(t, 0, ModeFull.WindowSize(0))
}

func TestParseMode(t *testing.T) {
	for s, want := range map[string]Mode{"opt": ModeFull, "opt_half": ModeHalf, "opt_quarter": ModeQuarter} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, want, m)
		assert.Equal(t, s, m.String())
	}
	_, err := ParseMode("optimal")
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDirectRankAlignment(t *testing.T) {
	// Reference frequencies smith > jones > brown; target groups with
	// nearly identical relative frequencies. Rank k maps straight to rank k.
	candidates := &PlaintextIndex{
		Candidates: []PlaintextCandidate{
			{Value: "smith", Parts: []string{"smith"}, Count: 10},
			{Value: "jones", Parts: []string{"jones"}, Count: 8},
			{Value: "brown", Parts: []string{"brown"}, Count: 5},
		},
		Total: 23,
	}
	patterns := &PatternIndex{
		Groups: []BitPatternGroup{
			handGroup(1, idRange("s", 9)...),
			handGroup(2, idRange("j", 7)...),
			handGroup(3, idRange("b", 5)...),
		},
		Total: 21,
	}

	a := NewEngine(ModeFull).Run(patterns, candidates)
	assert.Equal(t, 21, a.Resolved)
	for _, id := range idRange("s", 9) {
		v, ok := a.Value(id)
		require.True(t, ok)
		assert.Equal(t, "smith", v)
	}
	v, _ := a.Value("j000")
	assert.Equal(t, "jones", v)
	v, _ = a.Value("b000")
	assert.Equal(t, "brown", v)
}

func TestUniformPatternUnresolved(t *testing.T) {
	// A single group across the whole population: zero frequency variance,
	// no signal, nothing may be committed.
	candidates := &PlaintextIndex{
		Candidates: []PlaintextCandidate{{Value: "smith", Count: 10}},
		Total:      10,
	}
	patterns := &PatternIndex{
		Groups: []BitPatternGroup{handGroup(1, idRange("r", 12)...)},
		Total:  12,
	}

	a := NewEngine(ModeFull).Run(patterns, candidates)
	assert.Equal(t, 0, a.Resolved)
	assert.Equal(t, 12, a.Unresolved())
	_, ok := a.Value("r000")
	assert.False(t, ok)
}

func TestRunDeterministic(t *testing.T) {
	candidates := &PlaintextIndex{
		Candidates: []PlaintextCandidate{
			{Value: "smith", Count: 9},
			{Value: "jones", Count: 9},
			{Value: "brown", Count: 9},
		},
		Total: 27,
	}
	patterns := &PatternIndex{
		Groups: []BitPatternGroup{
			handGroup(1, idRange("a", 9)...),
			handGroup(2, idRange("b", 9)...),
			handGroup(3, idRange("c", 9)...),
		},
		Total: 27,
	}

	// Heavy ties everywhere; repeated runs must still agree bit for bit.
	first := NewEngine(ModeFull).Run(patterns, candidates)
	for i := 0; i < 5; i++ {
		again := NewEngine(ModeFull).Run(patterns, candidates)
		assert.Equal(t, first.Resolved, again.Resolved)
		for _, g := range patterns.Groups {
			for _, id := range g.Records {
				v1, ok1 := first.Value(id)
				v2, ok2 := again.Value(id)
				assert.Equal(t, ok1, ok2)
				assert.Equal(t, v1, v2)
			}
		}
	}
}

func TestCoverageBound(t *testing.T) {
	candidates := &PlaintextIndex{
		Candidates: []PlaintextCandidate{
			{Value: "smith", Count: 10},
			{Value: "jones", Count: 2},
		},
		Total: 12,
	}
	// Three groups, only two candidates: one group stays unresolved.
	patterns := &PatternIndex{
		Groups: []BitPatternGroup{
			handGroup(1, idRange("a", 8)...),
			handGroup(2, idRange("b", 2)...),
			handGroup(3, idRange("c", 2)...),
		},
		Total: 12,
	}

	a := NewEngine(ModeFull).Run(patterns, candidates)
	assert.Equal(t, a.Total, a.Resolved+a.Unresolved())
	assert.Equal(t, 12, a.Total)
	assert.Less(t, a.Resolved, a.Total)
}

func TestBudgetMonotonicity(t *testing.T) {
	// Well-separated aligned frequencies: widening the window from quarter
	// to half to full never loses correct records.
	n := 8
	cands := make([]PlaintextCandidate, n)
	groups := make([]BitPatternGroup, n)
	truth := map[string]string{}
	candTotal, groupTotal := 0, 0
	for i := 0; i < n; i++ {
		count := 100 - 12*i
		v := fmt.Sprintf("name%02d", i)
		cands[i] = PlaintextCandidate{Value: v, Parts: []string{v}, Count: count}
		candTotal += count

		ids := idRange(fmt.Sprintf("g%d_", i), count-1)
		groups[i] = handGroup(uint(i), ids...)
		groupTotal += len(ids)
		for _, id := range ids {
			truth[id] = v
		}
	}
	candidates := &PlaintextIndex{Candidates: cands, Total: candTotal}
	patterns := &PatternIndex{Groups: groups, Total: groupTotal}

	correct := map[Mode]int{}
	for _, m := range []Mode{ModeQuarter, ModeHalf, ModeFull} {
		res := Evaluate(NewEngine(m).Run(patterns, candidates), truth)
		correct[m] = res.Correct
	}
	assert.LessOrEqual(t, correct[ModeQuarter], correct[ModeHalf])
	assert.LessOrEqual(t, correct[ModeHalf], correct[ModeFull])
	assert.Equal(t, groupTotal, correct[ModeFull])
}

func TestBudgetMonotonicityMisaligned(t *testing.T) {
	// Three groups against two candidates, frequencies off by one rank: the
	// globally best-scoring pair is the cross pair (group 0, candidate 1).
	// Committing it would steal candidate 1 from group 1 and invert both
	// assignments relative to the quarter budget. Layered commits must keep
	// every quarter-window decision when the window widens.
	candidates := &PlaintextIndex{
		Candidates: []PlaintextCandidate{
			{Value: "smith", Parts: []string{"smith"}, Count: 55},
			{Value: "jones", Parts: []string{"jones"}, Count: 45},
		},
		Total: 100,
	}
	patterns := &PatternIndex{
		Groups: []BitPatternGroup{
			handGroup(1, idRange("s", 40)...),
			handGroup(2, idRange("j", 35)...),
			handGroup(3, idRange("x", 25)...),
		},
		Total: 100,
	}
	truth := map[string]string{}
	for _, id := range idRange("s", 40) {
		truth[id] = "smith"
	}
	for _, id := range idRange("j", 35) {
		truth[id] = "jones"
	}
	for _, id := range idRange("x", 25) {
		truth[id] = "brown"
	}

	correct := map[Mode]int{}
	for _, m := range []Mode{ModeQuarter, ModeHalf, ModeFull} {
		a := NewEngine(m).Run(patterns, candidates)
		correct[m] = Evaluate(a, truth).Correct

		// The straight rank commits from the narrowest window survive.
		v, ok := a.Value("s000")
		require.True(t, ok, m.String())
		assert.Equal(t, "smith", v, m.String())
		v, ok = a.Value("j000")
		require.True(t, ok, m.String())
		assert.Equal(t, "jones", v, m.String())
	}
	assert.Equal(t, 75, correct[ModeQuarter])
	assert.LessOrEqual(t, correct[ModeQuarter], correct[ModeHalf])
	assert.LessOrEqual(t, correct[ModeHalf], correct[ModeFull])
}

func TestScoreCutoffZeroAndNegative(t *testing.T) {
	candidates := &PlaintextIndex{
		Candidates: []PlaintextCandidate{
			{Value: "smith", Count: 3},
			{Value: "jones", Count: 1},
		},
		Total: 4,
	}
	patterns := &PatternIndex{
		Groups: []BitPatternGroup{
			handGroup(1, idRange("a", 2)...),
			handGroup(2, idRange("b", 1)...),
		},
		Total: 3,
	}

	// Every score is 1/12: a zero cutoff admits exact matches only.
	zero := &Engine{Mode: ModeFull, ScoreCutoff: 0}
	assert.Equal(t, 0, zero.Run(patterns, candidates).Resolved)

	// Negative selects the default, which admits 1/12.
	def := &Engine{Mode: ModeFull, ScoreCutoff: -1}
	assert.Equal(t, 3, def.Run(patterns, candidates).Resolved)

	// Exactly matching relative frequencies still commit under a zero cutoff.
	exact := &PlaintextIndex{
		Candidates: []PlaintextCandidate{
			{Value: "smith", Count: 4},
			{Value: "jones", Count: 2},
		},
		Total: 6,
	}
	assert.Equal(t, 3, zero.Run(patterns, exact).Resolved)
}

func TestQuarterWindowMissesDistantMatch(t *testing.T) {
	// Four candidates, and the most frequent target pattern belongs to the
	// *least* frequent reference value: rank distance 3 from the naive
	// alignment. The quarter window (size 1) cannot reach it and the atom
	// filter rejects everything inside the window, so the group stays
	// unresolved; the full window recovers it.
	s := &Schema{SegmentLen: 256, Attributes: []int{1}, HashCounts: []int{5}}
	enc := &Encoder{Schema: s, Method: HashDouble, Q: 2}
	layout, err := s.Slice(AttributeSegment{Attributes: []int{1}, HashCounts: []int{5}})
	require.NoError(t, err)
	mask := VisibilityMask(layout.WorkingBits(), 1)

	values := []string{"alpha", "bravo", "gamma", "delta"}
	refCounts := map[string]int{"alpha": 40, "bravo": 30, "gamma": 20, "delta": 10}
	targetCounts := map[string]int{"delta": 45, "alpha": 30, "bravo": 15, "gamma": 10}

	refRows := map[string][]string{}
	refIDs := []string{}
	i := 0
	for _, v := range values {
		for j := 0; j < refCounts[v]; j++ {
			id := fmt.Sprintf("ref%03d", i)
			refIDs = append(refIDs, id)
			refRows[id] = []string{id, v}
			i++
		}
	}
	candidates := BuildPlaintextIndex(&Table{RecIDs: refIDs, Rows: refRows}, []int{1})
	require.Equal(t, "alpha", candidates.Candidates[0].Value)
	require.Equal(t, "delta", candidates.Candidates[3].Value)

	records := []EncodedRecord{}
	truth := map[string]string{}
	i = 0
	for _, v := range values {
		bits := layout.Extract(enc.EncodeRecord([]string{"x", v}))
		for j := 0; j < targetCounts[v]; j++ {
			id := fmt.Sprintf("tgt%03d", i)
			records = append(records, EncodedRecord{ID: id, Bits: bits, Visible: mask})
			truth[id] = v
			i++
		}
	}
	patterns := BuildPatternIndex(records)
	require.Equal(t, 45, patterns.Groups[0].Count)

	grams := AllQGrams(&Table{RecIDs: refIDs, Rows: refRows}, []int{1}, 2)
	atoms := BuildAtomIndex(HashDouble, 256, 2, []int{5}, grams)

	quarter := &Engine{Mode: ModeQuarter, ScoreCutoff: 1.0, Atoms: atoms, Layout: layout, Mask: mask}
	full := &Engine{Mode: ModeFull, ScoreCutoff: 1.0, Atoms: atoms, Layout: layout, Mask: mask}

	qRes := Evaluate(quarter.Run(patterns, candidates), truth)
	assert.Equal(t, 0, qRes.Resolved, "quarter window should strand every group")

	fRes := Evaluate(full.Run(patterns, candidates), truth)
	assert.Equal(t, fRes.Total, fRes.Correct, "full window with atoms resolves everything")
	assert.Equal(t, 1.0, fRes.Precision)
}
