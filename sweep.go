package segattack

import (
	"context"
	"runtime"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RunConfig is one experiment configuration: which segment to attack, under
// which budget strategy, with how much of the encoding disclosed.
type RunConfig struct {
	Segment     AttributeSegment
	Mode        Mode
	Visibility  float64
	ScoreCutoff float64
}

// EnumerateConfigs expands the cross product segment × mode × visibility in
// deterministic order.
func EnumerateConfigs(segments []AttributeSegment, modes []Mode, visibilities []float64, cutoff float64) []RunConfig {
	out := []RunConfig{}
	for _, seg := range segments {
		for _, m := range modes {
			for _, v := range visibilities {
				out = append(out, RunConfig{Segment: seg, Mode: m, Visibility: v, ScoreCutoff: cutoff})
			}
		}
	}
	return out
}

// Experiment binds a reference table, a plaintext target table and an
// encoding setup. The target is encoded once (simulating the victim) and the
// encodings are shared read-only across configuration runs; everything
// mutable is owned by the individual run.
type Experiment struct {
	Schema    *Schema
	Method    HashMethod
	Q         int
	Reference *Table
	Target    *Table
	UseAtoms  bool

	encodeOnce sync.Once
	encoded    map[string]*bitset.BitSet
}

func (x *Experiment) encodeTarget() map[string]*bitset.BitSet {
	x.encodeOnce.Do(func() {
		enc := &Encoder{Schema: x.Schema, Method: x.Method, Q: x.Q}
		x.encoded = enc.EncodeTable(x.Target)
	})
	return x.encoded
}

// RunOne executes a single configuration end to end: slice the segment,
// extract and mask working sequences, build both frequency indices, run the
// engine, score against ground truth. Structural errors abort before any
// result is produced.
func (x *Experiment) RunOne(cfg RunConfig) (AttackResult, error) {
	layout, err := x.Schema.Slice(cfg.Segment)
	if err != nil {
		return AttackResult{}, err
	}

	encoded := x.encodeTarget()
	mask := VisibilityMask(layout.WorkingBits(), cfg.Visibility)

	records := make([]EncodedRecord, 0, len(x.Target.RecIDs))
	for _, id := range x.Target.RecIDs {
		records = append(records, EncodedRecord{
			ID:      id,
			Bits:    layout.Extract(encoded[id]),
			Visible: mask,
		})
	}

	patterns := BuildPatternIndex(records)
	candidates := BuildPlaintextIndex(x.Reference, cfg.Segment.Attributes)

	engine := &Engine{Mode: cfg.Mode, ScoreCutoff: cfg.ScoreCutoff}
	if x.UseAtoms {
		grams := AllQGrams(x.Reference, cfg.Segment.Attributes, x.Q)
		engine.Atoms = BuildAtomIndex(x.Method, x.Schema.SegmentLen, x.Q, cfg.Segment.HashCounts, grams)
		engine.Layout = layout
		engine.Mask = mask
	}
	assignment := engine.Run(patterns, candidates)

	truth := make(map[string]string, len(x.Target.RecIDs))
	for _, id := range x.Target.RecIDs {
		truth[id] = NormalizeValue(x.Target.Rows[id], cfg.Segment.Attributes)
	}

	res := Evaluate(assignment, truth)
	res.Segment = cfg.Segment.String()
	res.Mode = cfg.Mode
	res.HashMethod = x.Method
	res.Q = x.Q
	res.Visibility = cfg.Visibility
	return res, nil
}

// Sweep runs every configuration on a bounded worker pool. Workers own their
// indices and assignments; results land at their configuration's index, so
// output order is independent of scheduling. onDone, when non-nil, is called
// once per finished configuration (progress reporting).
func (x *Experiment) Sweep(ctx context.Context, configs []RunConfig, onDone func()) ([]AttackResult, error) {
	// Encode up front so workers only ever read.
	x.encodeTarget()

	results := make([]AttackResult, len(configs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"segment":    cfg.Segment.String(),
				"mode":       cfg.Mode.String(),
				"visibility": cfg.Visibility,
			}).Debug("running configuration")

			res, err := x.RunOne(cfg)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = res
			if onDone != nil {
				onDone()
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
