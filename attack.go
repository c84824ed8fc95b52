package segattack

import (
	"fmt"
	"math"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// Mode is the candidate-budget strategy of the engine.
type Mode int

const (
	// ModeFull searches the whole ranked candidate list for every group.
	ModeFull Mode = iota
	// ModeHalf searches the ceil(N/2) candidates centered on the group rank.
	ModeHalf
	// ModeQuarter searches the ceil(N/4) candidates centered on the group rank.
	ModeQuarter
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "opt":
		return ModeFull, nil
	case "opt_half":
		return ModeHalf, nil
	case "opt_quarter":
		return ModeQuarter, nil
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown attack mode %q (want opt, opt_half or opt_quarter)", s)}
}

func (m Mode) String() string {
	switch m {
	case ModeHalf:
		return "opt_half"
	case ModeQuarter:
		return "opt_quarter"
	default:
		return "opt"
	}
}

// WindowSize is the candidate budget for a pool of n ranked candidates.
func (m Mode) WindowSize(n int) int {
	if n <= 0 {
		return 0
	}
	var w int
	switch m {
	case ModeHalf:
		w = (n + 1) / 2
	case ModeQuarter:
		w = (n + 3) / 4
	default:
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// window clips a size-w window centered on rank r to [0, n).
func window(r, w, n int) (lo, hi int) {
	if w >= n {
		return 0, n
	}
	lo = r - w/2
	if lo < 0 {
		lo = 0
	}
	if lo+w > n {
		lo = n - w
	}
	return lo, lo + w
}

// DefaultScoreCutoff bounds the relative-frequency distance a commit may
// have. Tunable per run; zero is a valid setting (exact frequency matches
// only), a negative cutoff selects this default.
const DefaultScoreCutoff = 0.25

// Assignment holds the per-record re-identification decisions of one run.
// Records without an entry are unresolved. Never mutated after Run returns.
type Assignment struct {
	byRecord map[string]string
	Total    int
	Resolved int
}

// Value returns the assigned plaintext for a record, or false when the
// record is unresolved.
func (a *Assignment) Value(recID string) (string, bool) {
	v, ok := a.byRecord[recID]
	return v, ok
}

// Unresolved is the number of records without an assignment.
func (a *Assignment) Unresolved() int {
	return a.Total - a.Resolved
}

// Engine matches ranked bit-pattern groups to ranked plaintext candidates
// under the frequency-rank correlation hypothesis: the k-th most frequent
// pattern tends to encode the k-th most frequent value, up to hashing noise,
// so each group searches a bounded window of candidates around its own rank.
//
// Atoms, Layout and Mask are optional and come as a set: when present,
// candidates whose q-gram atoms contradict a group's disclosed bits are
// excluded from its window.
type Engine struct {
	Mode        Mode
	ScoreCutoff float64
	Atoms       *AtomIndex
	Layout      *SegmentLayout
	Mask        *bitset.BitSet
}

// NewEngine returns an engine with the default score cutoff.
func NewEngine(mode Mode) *Engine {
	return &Engine{Mode: mode, ScoreCutoff: DefaultScoreCutoff}
}

type pair struct {
	group int
	cand  int
	score float64
}

// Run produces one Assignment for the given indices. Deterministic: equal
// inputs and mode yield identical assignments; score ties fall back to the
// group and candidate ranks, which are themselves canonically ordered.
//
// Commits happen in window layers, narrowest budget first: the quarter
// window, then the half extension, then the full extension. Every commit a
// narrower budget makes is therefore preserved by a wider one, so widening
// the window can only add resolutions, never flip them.
func (e *Engine) Run(patterns *PatternIndex, candidates *PlaintextIndex) *Assignment {
	a := &Assignment{byRecord: map[string]string{}, Total: patterns.Total}

	nGroups := len(patterns.Groups)
	nCands := len(candidates.Candidates)
	// A single pattern across the whole population carries no frequency
	// signal: committing a match there would be arbitrary.
	if nGroups < 2 || nCands == 0 {
		return a
	}

	cutoff := e.ScoreCutoff
	if cutoff < 0 {
		cutoff = DefaultScoreCutoff
	}

	widths := []int{ModeQuarter.WindowSize(nCands)}
	if e.Mode == ModeHalf || e.Mode == ModeFull {
		widths = append(widths, ModeHalf.WindowSize(nCands))
	}
	if e.Mode == ModeFull {
		widths = append(widths, ModeFull.WindowSize(nCands))
	}

	// Greedy commit per layer. Both sides are consumed on commit, so no two
	// disjoint groups receive the same candidate entry. The iteration cap is
	// proportional to the candidate budget and guarantees termination under
	// pathological tie-heavy distributions.
	groupTaken := make([]bool, nGroups)
	candTaken := make([]bool, nCands)
	maxIter := nGroups*e.Mode.WindowSize(nCands) + nGroups
	committed := 0
	iter := 0

	prevWidth := 0
	for _, width := range widths {
		pairs := make([]pair, 0, nGroups*(width-prevWidth))
		for gi, g := range patterns.Groups {
			if groupTaken[gi] {
				continue
			}
			lo, hi := window(gi, width, nCands)
			plo, phi := 0, 0
			if prevWidth > 0 {
				plo, phi = window(gi, prevWidth, nCands)
			}
			for ci := lo; ci < hi; ci++ {
				if prevWidth > 0 && ci >= plo && ci < phi {
					continue
				}
				c := candidates.Candidates[ci]
				score := math.Abs(float64(g.Count)/float64(patterns.Total) - float64(c.Count)/float64(candidates.Total))
				if score > cutoff {
					continue
				}
				if !e.atomCompatible(g, c) {
					continue
				}
				pairs = append(pairs, pair{group: gi, cand: ci, score: score})
			}
		}
		prevWidth = width

		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].score != pairs[j].score {
				return pairs[i].score < pairs[j].score
			}
			if pairs[i].group != pairs[j].group {
				return pairs[i].group < pairs[j].group
			}
			return pairs[i].cand < pairs[j].cand
		})

		for _, p := range pairs {
			iter++
			if iter > maxIter || committed == nGroups {
				return a
			}
			if groupTaken[p.group] || candTaken[p.cand] {
				continue
			}
			groupTaken[p.group] = true
			candTaken[p.cand] = true
			committed++
			v := candidates.Candidates[p.cand].Value
			for _, rec := range patterns.Groups[p.group].Records {
				a.byRecord[rec] = v
				a.Resolved++
			}
		}
	}
	return a
}

func (e *Engine) atomCompatible(g BitPatternGroup, c PlaintextCandidate) bool {
	if e.Atoms == nil || e.Layout == nil || e.Mask == nil {
		return true
	}
	return e.Atoms.Compatible(e.Layout, g.Pattern, e.Mask, c.Parts)
}
