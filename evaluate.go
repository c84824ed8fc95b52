package segattack

import (
	"fmt"
	"math"
)

// AttackResult is the aggregate outcome of one configuration run. Immutable
// once computed.
type AttackResult struct {
	Segment    string
	Mode       Mode
	HashMethod HashMethod
	Q          int
	Visibility float64

	Total      int
	Resolved   int
	Correct    int
	Wrong      int
	Unresolved int

	Precision float64 // correct / resolved
	Coverage  float64 // resolved / total
}

// Evaluate compares an assignment against ground-truth normalized values,
// available only in controlled experiments. The truth map defines the
// evaluated record universe, so resolved plus unresolved always equals
// total even when the assignment was produced over a different record set.
// The assignment is read-only; evaluating twice yields the same result.
func Evaluate(a *Assignment, truth map[string]string) AttackResult {
	r := AttackResult{Total: len(truth)}
	for rec, want := range truth {
		got, ok := a.Value(rec)
		if !ok {
			r.Unresolved++
			continue
		}
		r.Resolved++
		if got == want {
			r.Correct++
		} else {
			r.Wrong++
		}
	}
	if r.Resolved > 0 {
		r.Precision = float64(r.Correct) / float64(r.Resolved)
	}
	if r.Total > 0 {
		r.Coverage = float64(r.Resolved) / float64(r.Total)
	}
	return r
}

// ResultMarker prefixes every summary line so downstream tooling can grep
// runs out of mixed output and tabulate them.
const ResultMarker = "### "

// SummaryHeader names the summary line fields, in order.
func SummaryHeader() string {
	return ResultMarker + "segment, mode, hash_method, q, visibility, total, resolved, correct, wrong, unresolved, precision, coverage"
}

// SummaryLine renders one result as a marker-prefixed comma-separated line.
func (r AttackResult) SummaryLine() string {
	return fmt.Sprintf("%s%s, %s, %s, %d, %.3f, %d, %d, %d, %d, %d, %.4f, %.4f",
		ResultMarker, r.Segment, r.Mode, r.HashMethod, r.Q, r.Visibility,
		r.Total, r.Resolved, r.Correct, r.Wrong, r.Unresolved, r.Precision, r.Coverage)
}

// MeanAndStdErr aggregates a sample of per-run rates: mean, standard
// deviation and standard error of the mean.
func MeanAndStdErr(sample []float64) (mean, std, stderr float64) {
	n := float64(len(sample))
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range sample {
		sum += v
	}
	mean = sum / n
	if len(sample) < 2 {
		return mean, 0, 0
	}
	var sq float64
	for _, v := range sample {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / (n - 1))
	stderr = std / math.Sqrt(n)
	return mean, std, stderr
}
