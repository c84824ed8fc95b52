package segattack

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"math"
	"math/big"

	"github.com/bits-and-blooms/bitset"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spaolacci/murmur3"
)

// HashMethod selects how q-grams are mapped to bit positions.
type HashMethod int

const (
	// HashDouble is double hashing: pos_i = (int(sha1) + i*int(md5)) mod len,
	// i in 1..k.
	HashDouble HashMethod = iota
	// HashRandom draws k positions from a murmur3 stream seeded per q-gram.
	HashRandom
)

func ParseHashMethod(s string) (HashMethod, error) {
	switch s {
	case "dh":
		return HashDouble, nil
	case "rh":
		return HashRandom, nil
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("unknown hash method %q (want dh or rh)", s)}
}

func (m HashMethod) String() string {
	if m == HashRandom {
		return "rh"
	}
	return "dh"
}

// qgramPositions returns the k bit positions of one q-gram within a block of
// segLen bits. Deterministic in (method, q-gram, k, segLen).
func qgramPositions(method HashMethod, gram string, k, segLen int) []uint {
	pos := make([]uint, 0, k)
	switch method {
	case HashDouble:
		s1 := sha1.Sum([]byte(gram))
		s2 := md5.Sum([]byte(gram))
		int1 := new(big.Int).SetBytes(s1[:])
		int2 := new(big.Int).SetBytes(s2[:])
		mod := big.NewInt(int64(segLen))
		tmp := new(big.Int)
		for i := 1; i <= k; i++ {
			tmp.Mul(int2, big.NewInt(int64(i)))
			tmp.Add(tmp, int1)
			tmp.Mod(tmp, mod)
			pos = append(pos, uint(tmp.Int64()))
		}
	case HashRandom:
		for i := 0; i < k; i++ {
			h := murmur3.Sum64WithSeed([]byte(gram), uint32(i))
			pos = append(pos, uint(h%uint64(segLen)))
		}
	}
	return pos
}

// AtomFilter is the encoding of a single q-gram within one block: the bits
// that q-gram sets, and nothing else.
func AtomFilter(method HashMethod, gram string, k, segLen int) *bitset.BitSet {
	b := bitset.New(uint(segLen))
	for _, p := range qgramPositions(method, gram, k, segLen) {
		b.Set(p)
	}
	return b
}

// AtomIndex precomputes atom filters and the bit-position→q-grams map for
// each hash count. Lookups for q-grams outside the precomputed set fall back
// to recomputation, so reads are safe to share across workers.
type AtomIndex struct {
	Method HashMethod
	SegLen int
	Q      int
	atoms  map[int]map[string]*bitset.BitSet
}

// BuildAtomIndex generates atoms for every q-gram in grams under every hash
// count in counts.
func BuildAtomIndex(method HashMethod, segLen, q int, counts []int, grams mapset.Set[string]) *AtomIndex {
	idx := &AtomIndex{Method: method, SegLen: segLen, Q: q, atoms: map[int]map[string]*bitset.BitSet{}}
	for _, k := range counts {
		m := make(map[string]*bitset.BitSet, grams.Cardinality())
		grams.Each(func(g string) bool {
			m[g] = AtomFilter(method, g, k, segLen)
			return false
		})
		idx.atoms[k] = m
	}
	return idx
}

// Atom returns the atom filter for one q-gram under k hash functions.
func (idx *AtomIndex) Atom(gram string, k int) *bitset.BitSet {
	if m, ok := idx.atoms[k]; ok {
		if a, ok := m[gram]; ok {
			return a
		}
	}
	return AtomFilter(idx.Method, gram, k, idx.SegLen)
}

// Compatible reports whether a candidate's per-attribute values could have
// produced the visible part of a working-sequence pattern: every atom bit of
// every q-gram must hit a 1 wherever the position is disclosed. A disclosed
// 0-bit under an atom position rules the candidate out, which is the
// zero-bit elimination of the atom attack.
func (idx *AtomIndex) Compatible(layout *SegmentLayout, pattern, visible *bitset.BitSet, parts []string) bool {
	segLen := layout.Schema.SegmentLen
	for _, blk := range layout.blocks {
		if blk.attrPos >= len(parts) {
			return false
		}
		grams := QGrams(parts[blk.attrPos], idx.Q)
		ok := true
		grams.Each(func(g string) bool {
			atom := idx.Atom(g, blk.hashCount)
			for i := 0; i < segLen; i++ {
				p := uint(blk.dstOffset + i)
				if atom.Test(uint(i)) && visible.Test(p) && !pattern.Test(p) {
					ok = false
					return true
				}
			}
			return false
		})
		if !ok {
			return false
		}
	}
	return true
}

// Encoder produces full encodings for experiment targets. The engine never
// sees it; it stands in for the victim's encoder so runs have ground truth.
type Encoder struct {
	Schema *Schema
	Method HashMethod
	Q      int
}

// EncodeRecord encodes every (attribute, hash count) block of one row.
func (e *Encoder) EncodeRecord(fields []string) *bitset.BitSet {
	full := bitset.New(uint(e.Schema.TotalBits()))
	for _, attr := range e.Schema.Attributes {
		part := NormalizeValue(fields, []int{attr})
		grams := QGrams(part, e.Q)
		for _, k := range e.Schema.HashCounts {
			off, _ := e.Schema.BlockOffset(attr, k)
			grams.Each(func(g string) bool {
				for _, p := range qgramPositions(e.Method, g, k, e.Schema.SegmentLen) {
					full.Set(uint(off) + p)
				}
				return false
			})
		}
	}
	return full
}

// EncodeTable encodes all rows of a plaintext table, in record order.
func (e *Encoder) EncodeTable(t *Table) map[string]*bitset.BitSet {
	out := make(map[string]*bitset.BitSet, len(t.RecIDs))
	for _, id := range t.RecIDs {
		out[id] = e.EncodeRecord(t.Rows[id])
	}
	return out
}

// OptimalHashCount is the k filling a segment 50% on average for the given
// mean number of q-grams per value: round(ln2 * segLen / avgQGrams).
func OptimalHashCount(segLen int, avgQGrams float64) int {
	if avgQGrams <= 0 {
		return 1
	}
	k := int(math.Round(math.Ln2 * float64(segLen) / avgQGrams))
	if k < 1 {
		k = 1
	}
	return k
}
