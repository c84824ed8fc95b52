package segattack

import (
	"fmt"
	"math"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// MalformedEncodingError reports an encoded bit sequence whose length does
// not match the schema. The whole input file is considered unusable.
type MalformedEncodingError struct {
	Record string
	Got    int
	Want   int
}

func (e *MalformedEncodingError) Error() string {
	return fmt.Sprintf("record %q: encoded length %d, schema expects %d bits", e.Record, e.Got, e.Want)
}

// ConfigurationError reports a requested segment or hash-function count that
// the schema does not define. Raised before any processing starts.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration: " + e.Reason
}

// Schema is the externally-known layout of a full encoding: one SegmentLen
// bit block per (attribute, hash-function count) pair, attributes outermost,
// in declaration order.
type Schema struct {
	SegmentLen int
	Attributes []int
	HashCounts []int
}

func (s *Schema) TotalBits() int {
	return s.SegmentLen * len(s.Attributes) * len(s.HashCounts)
}

func (s *Schema) attrIndex(attr int) (int, error) {
	for i, a := range s.Attributes {
		if a == attr {
			return i, nil
		}
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("attribute %d not in schema %v", attr, s.Attributes)}
}

func (s *Schema) countIndex(k int) (int, error) {
	for i, c := range s.HashCounts {
		if c == k {
			return i, nil
		}
	}
	return 0, &ConfigurationError{Reason: fmt.Sprintf("hash-function count %d not in schema %v", k, s.HashCounts)}
}

// BlockOffset returns the bit offset of the (attr, k) block inside the full
// encoding.
func (s *Schema) BlockOffset(attr, k int) (int, error) {
	ai, err := s.attrIndex(attr)
	if err != nil {
		return 0, err
	}
	ci, err := s.countIndex(k)
	if err != nil {
		return 0, err
	}
	return (ai*len(s.HashCounts) + ci) * s.SegmentLen, nil
}

// AttributeSegment selects the blocks under attack: a subset of attributes
// combined with a subset of hash-function counts.
type AttributeSegment struct {
	Attributes []int
	HashCounts []int
}

func (seg AttributeSegment) String() string {
	a := make([]string, len(seg.Attributes))
	for i, v := range seg.Attributes {
		a[i] = fmt.Sprintf("%d", v)
	}
	k := make([]string, len(seg.HashCounts))
	for i, v := range seg.HashCounts {
		k[i] = fmt.Sprintf("%d", v)
	}
	return "attr[" + strings.Join(a, "+") + "]k[" + strings.Join(k, "+") + "]"
}

// segBlock is one schema block inside a working sequence.
type segBlock struct {
	attrPos   int // position of the attribute within the segment selection
	hashCount int
	srcOffset int // bit offset in the full encoding
	dstOffset int // bit offset in the working sequence
}

// SegmentLayout maps an AttributeSegment onto concrete bit ranges. Blocks
// keep their identity so diagnostics and atom checks can address them.
type SegmentLayout struct {
	Schema  *Schema
	Segment AttributeSegment
	blocks  []segBlock
}

// Slice validates the segment against the schema and resolves its layout.
// Unknown attributes or counts fail with a ConfigurationError.
func (s *Schema) Slice(seg AttributeSegment) (*SegmentLayout, error) {
	if len(seg.Attributes) == 0 || len(seg.HashCounts) == 0 {
		return nil, &ConfigurationError{Reason: "empty attribute or hash-count selection"}
	}
	l := &SegmentLayout{Schema: s, Segment: seg}
	dst := 0
	for ai, attr := range seg.Attributes {
		for _, k := range seg.HashCounts {
			src, err := s.BlockOffset(attr, k)
			if err != nil {
				return nil, err
			}
			l.blocks = append(l.blocks, segBlock{attrPos: ai, hashCount: k, srcOffset: src, dstOffset: dst})
			dst += s.SegmentLen
		}
	}
	return l, nil
}

// WorkingBits is the length of the concatenated working sequence.
func (l *SegmentLayout) WorkingBits() int {
	return len(l.blocks) * l.Schema.SegmentLen
}

// Extract concatenates the selected blocks of a full encoding into one
// working bit sequence.
func (l *SegmentLayout) Extract(full *bitset.BitSet) *bitset.BitSet {
	out := bitset.New(uint(l.WorkingBits()))
	segLen := l.Schema.SegmentLen
	for _, b := range l.blocks {
		for i := 0; i < segLen; i++ {
			if full.Test(uint(b.srcOffset + i)) {
				out.Set(uint(b.dstOffset + i))
			}
		}
	}
	return out
}

// EncodedRecord is one record's working bit sequence for a segment, plus the
// mask of bit positions the adversary can actually observe. Immutable after
// construction.
type EncodedRecord struct {
	ID      string
	Bits    *bitset.BitSet
	Visible *bitset.BitSet
}

// VisiblePattern is the observable part of the record: bits ∧ mask.
func (r EncodedRecord) VisiblePattern() *bitset.BitSet {
	return r.Bits.Intersection(r.Visible)
}

// ParseBitString turns a 0/1 string from an encoded-data file into a bit
// sequence, failing with MalformedEncodingError on a length mismatch or a
// character outside {0,1}.
func ParseBitString(recID, s string, want int) (*bitset.BitSet, error) {
	if len(s) != want {
		return nil, &MalformedEncodingError{Record: recID, Got: len(s), Want: want}
	}
	b := bitset.New(uint(want))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '1':
			b.Set(uint(i))
		case '0':
		default:
			return nil, &MalformedEncodingError{Record: recID, Got: len(s), Want: want}
		}
	}
	return b, nil
}

// VisibilityMask builds the disclosed-positions mask for a working sequence
// of n bits: the leading ceil(n*frac) positions. frac is clamped to [0,1].
func VisibilityMask(n int, frac float64) *bitset.BitSet {
	if frac > 1 {
		frac = 1
	}
	if frac < 0 {
		frac = 0
	}
	visible := int(math.Ceil(float64(n) * frac))
	m := bitset.New(uint(n))
	for i := 0; i < visible; i++ {
		m.Set(uint(i))
	}
	return m
}

// ComparePatterns orders bit sequences canonically: as big unsigned
// integers, most significant word first. Returns -1, 0 or 1.
func ComparePatterns(a, b *bitset.BitSet) int {
	aw, bw := a.Bytes(), b.Bytes()
	n := len(aw)
	if len(bw) > n {
		n = len(bw)
	}
	for i := n - 1; i >= 0; i-- {
		var x, y uint64
		if i < len(aw) {
			x = aw[i]
		}
		if i < len(bw) {
			y = bw[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

// PatternKey is a compact map key for a bit sequence.
func PatternKey(b *bitset.BitSet) string {
	words := b.Bytes()
	var sb strings.Builder
	for _, w := range words {
		fmt.Fprintf(&sb, "%016x", w)
	}
	return sb.String()
}
