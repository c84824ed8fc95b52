/*
Segment attack experiment driver.

Example:

	go run ./experiment -ref plain-a.csv.gz -target plain-b.csv.gz \
	  -rec-id-col 0 -sep , -header \
	  -attrs 1,2,5 -attr-sets "1;2;5;1,2" -count-sets "3;5;11;3,5,11" \
	  -q 2 -hash dh -seg-len 1000 -modes opt,opt_half,opt_quarter \
	  -vis 1,0.5,0.25,0.125

Summary lines are prefixed with "### " for downstream tabulation.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	attack "segattack"
)

var (
	flagRef      = flag.String("ref", "", "reference (plaintext) CSV file, .gz supported")
	flagTarget   = flag.String("target", "", "target CSV file to encode and attack, .gz supported")
	flagSep      = flag.String("sep", ",", "field separator")
	flagHeader   = flag.Bool("header", true, "input files have a header line")
	flagRecIDCol = flag.Int("rec-id-col", 0, "record identifier column")

	flagQ        = flag.Int("q", 2, "q-gram length")
	flagHash     = flag.String("hash", "dh", "hashing scheme: dh | rh")
	flagSegLen   = flag.Int("seg-len", 1000, "bits per (attribute, hash-count) block")
	flagAttrs    = flag.String("attrs", "", "schema attribute columns, comma-separated")
	flagAttrSets = flag.String("attr-sets", "", "attribute subsets to attack, ';'-separated, e.g. 1;2;1,2")
	flagCounts   = flag.String("count-sets", "3;5;11;3,5,11", "hash-count subsets, ';'-separated")
	flagModes    = flag.String("modes", "opt,opt_half,opt_quarter", "budget strategies")
	flagVis      = flag.String("vis", "1", "visible fractions, e.g. 1,0.5,0.25,0.125")
	flagCutoff   = flag.Float64("cutoff", attack.DefaultScoreCutoff, "frequency-distance cutoff")
	flagAtoms    = flag.Bool("atoms", true, "use atom-filter candidate elimination")
	flagHarden   = flag.Bool("harden", false, "CKKS-encrypt the withheld target bits and report the hidden popcount")
	flagVerbose  = flag.Bool("v", false, "debug logging")
)

func main() {
	flag.Parse()
	if *flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *flagRef == "" || *flagTarget == "" {
		fmt.Fprintln(os.Stderr, "both -ref and -target are required")
		flag.Usage()
		os.Exit(2)
	}

	sep := ([]rune(*flagSep))[0]
	ref, err := attack.LoadTable(*flagRef, sep, *flagHeader, *flagRecIDCol)
	fatal(err)
	target, err := attack.LoadTable(*flagTarget, sep, *flagHeader, *flagRecIDCol)
	fatal(err)
	logrus.WithFields(logrus.Fields{"reference": len(ref.RecIDs), "target": len(target.RecIDs)}).Info("tables loaded")

	schemaAttrs, err := parseIntList(*flagAttrs)
	fatal(err)
	if len(schemaAttrs) == 0 {
		fatal(fmt.Errorf("-attrs must name at least one column"))
	}
	attrSets, err := parseIntSets(*flagAttrSets)
	fatal(err)
	if len(attrSets) == 0 {
		attrSets = [][]int{schemaAttrs}
	}
	countSets, err := parseIntSets(*flagCounts)
	fatal(err)
	schemaCounts := uniqueInts(countSets)

	method, err := attack.ParseHashMethod(*flagHash)
	fatal(err)
	modes, err := parseModes(*flagModes)
	fatal(err)
	vis, err := parseFloatList(*flagVis)
	fatal(err)

	schema := &attack.Schema{SegmentLen: *flagSegLen, Attributes: schemaAttrs, HashCounts: schemaCounts}
	x := &attack.Experiment{
		Schema:    schema,
		Method:    method,
		Q:         *flagQ,
		Reference: ref,
		Target:    target,
		UseAtoms:  *flagAtoms,
	}

	printCorpusStats(ref, target, schemaAttrs, *flagQ, *flagSegLen)

	segments := []attack.AttributeSegment{}
	for _, as := range attrSets {
		for _, cs := range countSets {
			segments = append(segments, attack.AttributeSegment{Attributes: as, HashCounts: cs})
		}
	}
	if *flagHarden && len(segments) > 0 && len(vis) > 0 {
		minVis := vis[0]
		for _, v := range vis[1:] {
			if v < minVis {
				minVis = v
			}
		}
		m, masked, err := x.HardenTarget(segments[0], minVis)
		fatal(err)
		hidden, err := m.HiddenPopCount(masked)
		fatal(err)
		fmt.Printf("Hardened target (%s, %.3f visible): %d records, hidden popcount %d\n",
			segments[0], minVis, len(masked), hidden)
	}

	configs := attack.EnumerateConfigs(segments, modes, vis, *flagCutoff)
	logrus.WithField("configs", len(configs)).Info("sweep enumerated")

	bar := progressbar.Default(int64(len(configs)))
	results, err := x.Sweep(context.Background(), configs, func() { bar.Add(1) })
	fatal(err)

	fmt.Println(attack.SummaryHeader())
	precisions := []float64{}
	for _, r := range results {
		fmt.Println(r.SummaryLine())
		precisions = append(precisions, r.Precision)
	}
	mean, std, stderr := attack.MeanAndStdErr(precisions)
	fmt.Printf("sweep precision: mean=%.4f std=%.4f stderr=%.4f over %d configurations\n",
		mean, std, stderr, len(results))
}

func printCorpusStats(ref, target *attack.Table, attrs []int, q, segLen int) {
	refVals, targetVals := map[string]bool{}, map[string]bool{}
	for _, id := range ref.RecIDs {
		refVals[attack.NormalizeValue(ref.Rows[id], attrs)] = true
	}
	for _, id := range target.RecIDs {
		targetVals[attack.NormalizeValue(target.Rows[id], attrs)] = true
	}
	common := 0
	for v := range refVals {
		if targetVals[v] {
			common++
		}
	}
	union := len(refVals) + len(targetVals) - common
	jacc := 0.0
	if union > 0 {
		jacc = float64(common) / float64(union)
	}

	refGrams := attack.AllQGrams(ref, attrs, q)
	targetGrams := attack.AllQGrams(target, attrs, q)
	commonGrams := refGrams.Intersect(targetGrams).Cardinality()

	fmt.Printf("Reference: %d records, %d unique values, %d unique q-grams\n",
		len(ref.RecIDs), len(refVals), refGrams.Cardinality())
	fmt.Printf("Target:    %d records, %d unique values, %d unique q-grams\n",
		len(target.RecIDs), len(targetVals), targetGrams.Cardinality())
	fmt.Printf("Common values: %d (Jaccard %.1f%%), common q-grams: %d\n",
		common, 100*jacc, commonGrams)

	grams, values := 0, 0
	for v := range refVals {
		if v == "" {
			continue
		}
		values++
		grams += attack.QGrams(v, q).Cardinality()
	}
	if values > 0 {
		kOpt := attack.OptimalHashCount(segLen, float64(grams)/float64(values))
		fmt.Printf("Optimal hash counts for %d-bit blocks: k=%d (half %d, quarter %d)\n",
			segLen, kOpt, (kOpt+1)/2, (kOpt+3)/4)
	}
}

func fatal(err error) {
	if err != nil {
		logrus.Fatal(err)
	}
}

func parseIntList(s string) ([]int, error) {
	out := []int{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("cannot parse int %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseIntSets(s string) ([][]int, error) {
	out := [][]int{}
	for _, part := range strings.Split(s, ";") {
		set, err := parseIntList(part)
		if err != nil {
			return nil, err
		}
		if len(set) > 0 {
			out = append(out, set)
		}
	}
	return out, nil
}

func parseFloatList(s string) ([]float64, error) {
	out := []float64{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse float %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseModes(s string) ([]attack.Mode, error) {
	out := []attack.Mode{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		m, err := attack.ParseMode(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func uniqueInts(sets [][]int) []int {
	seen := map[int]bool{}
	out := []int{}
	for _, set := range sets {
		for _, v := range set {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
