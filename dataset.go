package segattack

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

// Table is one loaded row-oriented dataset. Rows are keyed by the record
// identifier column; RecIDs preserves file order so that repeated runs over
// the same file walk records in the same order.
type Table struct {
	Path   string
	Header []string
	RecIDs []string
	Rows   map[string][]string
}

// LoadTable reads a CSV file (gzip-compressed when the name ends in .gz),
// with a configurable field separator and an optional header line.
func LoadTable(path string, sep rune, headerLine bool, recIDCol int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	reader := csv.NewReader(r)
	reader.Comma = sep
	reader.FieldsPerRecord = -1

	t := &Table{Path: path, Rows: map[string][]string{}}

	first := true
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if first && headerLine {
			t.Header = rec
			first = false
			continue
		}
		first = false
		if recIDCol < 0 || recIDCol >= len(rec) {
			return nil, fmt.Errorf("%s: record id column %d out of range (row has %d fields)", path, recIDCol, len(rec))
		}
		id := strings.TrimSpace(rec[recIDCol])
		if _, dup := t.Rows[id]; dup {
			logrus.WithFields(logrus.Fields{"file": path, "record": id}).
				Warn("duplicate record id, keeping first occurrence")
			continue
		}
		t.RecIDs = append(t.RecIDs, id)
		t.Rows[id] = rec
	}
	return t, nil
}

// NormalizeValue lowercases and trims the selected attribute fields and joins
// them with single spaces. The same normalization is applied to reference
// values and to anything compared against them later.
func NormalizeValue(fields []string, attrs []int) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		v := ""
		if a >= 0 && a < len(fields) {
			v = strings.ToLower(strings.TrimSpace(fields[a]))
		}
		parts = append(parts, v)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// NormalizeParts returns the per-attribute normalized values, one entry per
// selected attribute, in selection order.
func NormalizeParts(fields []string, attrs []int) []string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		v := ""
		if a >= 0 && a < len(fields) {
			v = strings.ToLower(strings.TrimSpace(fields[a]))
		}
		parts = append(parts, v)
	}
	return parts
}

// QGrams extracts the set of overlapping substrings of length q from an
// already-normalized value. Values shorter than q yield the empty set.
func QGrams(val string, q int) mapset.Set[string] {
	s := mapset.NewSet[string]()
	if q < 1 {
		return s
	}
	for i := 0; i+q <= len(val); i++ {
		s.Add(val[i : i+q])
	}
	return s
}

// AllQGrams collects every q-gram occurring in the selected attributes of
// the table.
func AllQGrams(t *Table, attrs []int, q int) mapset.Set[string] {
	all := mapset.NewSet[string]()
	seen := map[string]bool{}
	for _, id := range t.RecIDs {
		for _, part := range NormalizeParts(t.Rows[id], attrs) {
			if seen[part] {
				continue
			}
			seen[part] = true
			QGrams(part, q).Each(func(g string) bool {
				all.Add(g)
				return false
			})
		}
	}
	return all
}
