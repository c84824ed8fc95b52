package segattack

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// Masker turns partial disclosure into an actual cryptographic object: the
// withheld bit positions of each record are CKKS-encrypted, so an experiment
// target carries clear visible bits plus one ciphertext for the rest.
// Aggregates over the hidden part remain computable homomorphically.
type Masker struct {
	params ckks.Parameters
	sk     *rlwe.SecretKey
	pk     *rlwe.PublicKey
}

// NewMasker sets up a CKKS context. PN12QP109 keeps keys small; its slot
// count bounds how many hidden bits one record may carry.
func NewMasker() (*Masker, error) {
	params, err := ckks.NewParametersFromLiteral(ckks.PN12QP109)
	if err != nil {
		return nil, fmt.Errorf("ckks parameters: %w", err)
	}
	kg := ckks.NewKeyGenerator(params)
	sk, pk := kg.GenKeyPair()
	return &Masker{params: params, sk: sk, pk: pk}, nil
}

// MaskedRecord is one record after hardening.
type MaskedRecord struct {
	ID         string
	Visible    *bitset.BitSet
	Hidden     *rlwe.Ciphertext
	hiddenBits int
}

// hiddenPositions lists the working-sequence positions the mask withholds.
func hiddenPositions(n int, mask *bitset.BitSet) []uint {
	out := []uint{}
	for i := uint(0); i < uint(n); i++ {
		if !mask.Test(i) {
			out = append(out, i)
		}
	}
	return out
}

// Mask hardens a set of records sharing one working-sequence length and one
// visibility mask. Hidden bit i of a record lands in ciphertext slot i.
func (m *Masker) Mask(records []EncodedRecord, bits int, mask *bitset.BitSet) ([]MaskedRecord, error) {
	hidden := hiddenPositions(bits, mask)
	if len(hidden) > m.params.Slots() {
		return nil, fmt.Errorf("%d hidden bits exceed %d ciphertext slots", len(hidden), m.params.Slots())
	}

	encoder := ckks.NewEncoder(m.params)
	encryptor := ckks.NewEncryptor(m.params, m.pk)
	scale := m.params.DefaultScale()
	logSlots := m.params.LogSlots()

	out := make([]MaskedRecord, 0, len(records))
	for _, r := range records {
		slots := make([]complex128, len(hidden))
		for i, p := range hidden {
			if r.Bits.Test(p) {
				slots[i] = complex(1, 0)
			}
		}
		pt := encoder.EncodeNew(slots, m.params.MaxLevel(), scale, logSlots)
		ct := encryptor.EncryptNew(pt)
		out = append(out, MaskedRecord{
			ID:         r.ID,
			Visible:    r.Bits.Intersection(mask),
			Hidden:     ct,
			hiddenBits: len(hidden),
		})
	}
	return out, nil
}

// HardenTarget masks the experiment target's working sequences for one
// segment and visibility: visible bits stay clear, withheld bits are
// CKKS-encrypted per record. Fails when the segment does not fit the schema
// or the hidden portion exceeds the ciphertext slot count.
func (x *Experiment) HardenTarget(seg AttributeSegment, vis float64) (*Masker, []MaskedRecord, error) {
	layout, err := x.Schema.Slice(seg)
	if err != nil {
		return nil, nil, err
	}
	encoded := x.encodeTarget()
	mask := VisibilityMask(layout.WorkingBits(), vis)

	records := make([]EncodedRecord, 0, len(x.Target.RecIDs))
	for _, id := range x.Target.RecIDs {
		records = append(records, EncodedRecord{
			ID:      id,
			Bits:    layout.Extract(encoded[id]),
			Visible: mask,
		})
	}

	m, err := NewMasker()
	if err != nil {
		return nil, nil, err
	}
	masked, err := m.Mask(records, layout.WorkingBits(), mask)
	if err != nil {
		return nil, nil, err
	}
	return m, masked, nil
}

// HiddenPopCount sums all hidden ciphertexts homomorphically and decrypts
// only the aggregate: the total number of set bits the mask withholds across
// the whole record set.
func (m *Masker) HiddenPopCount(recs []MaskedRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	evaluator := ckks.NewEvaluator(m.params, rlwe.EvaluationKey{})
	sum := recs[0].Hidden
	for _, r := range recs[1:] {
		sum = evaluator.AddNew(sum, r.Hidden)
	}

	decryptor := ckks.NewDecryptor(m.params, m.sk)
	encoder := ckks.NewEncoder(m.params)
	vals := encoder.Decode(decryptor.DecryptNew(sum), m.params.LogSlots())

	total := 0.0
	for i := 0; i < recs[0].hiddenBits && i < len(vals); i++ {
		total += real(vals[i])
	}
	return int(math.Round(total)), nil
}

// DecryptHidden recovers one record's hidden bits. Experiment verification
// only; an adversary holds no secret key.
func (m *Masker) DecryptHidden(rec MaskedRecord, bits int, mask *bitset.BitSet) (*bitset.BitSet, error) {
	decryptor := ckks.NewDecryptor(m.params, m.sk)
	encoder := ckks.NewEncoder(m.params)
	vals := encoder.Decode(decryptor.DecryptNew(rec.Hidden), m.params.LogSlots())

	hidden := hiddenPositions(bits, mask)
	if len(hidden) != rec.hiddenBits {
		return nil, fmt.Errorf("mask mismatch: record has %d hidden bits, mask yields %d", rec.hiddenBits, len(hidden))
	}
	out := bitset.New(uint(bits))
	for i, p := range hidden {
		if i < len(vals) && math.Round(real(vals[i])) >= 1 {
			out.Set(p)
		}
	}
	return out, nil
}
