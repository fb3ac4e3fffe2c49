// Package export serialises index records as CSV: a long table, a wide
// table with one column per scheme, per-CBSA files and a summary.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/hpi.report/internal/fsutil"
	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/pipeline"
)

var logf = monitoring.Componentf("export")

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// sorted returns a copy of records ordered by CBSA, year and scheme.
func sorted(records []pipeline.IndexRecord) []pipeline.IndexRecord {
	out := make([]pipeline.IndexRecord, len(records))
	copy(out, records)
	pipeline.SortRecords(out)
	return out
}

// WriteLong writes one row per (CBSA, year, scheme). yoy_change and
// cumulative_change are relative to the previous and first year of the same
// series and are empty on the first row of each series.
func WriteLong(w io.Writer, records []pipeline.IndexRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"cbsa_id", "year", "weighting_scheme", "index_value", "appreciation_rate", "yoy_change", "cumulative_change", "gap"}); err != nil {
		return err
	}

	type key struct{ cbsa, scheme string }
	prev := make(map[key]pipeline.IndexRecord)
	first := make(map[key]float64)
	for _, r := range sorted(records) {
		k := key{r.CBSA, r.Scheme}
		yoy, cum := "", ""
		if p, ok := prev[k]; ok {
			yoy = formatFloat(r.Value/p.Value - 1)
			cum = formatFloat(r.Value/first[k] - 1)
		} else {
			first[k] = r.Value
		}
		prev[k] = r
		row := []string{
			r.CBSA,
			strconv.Itoa(r.Year),
			r.Scheme,
			formatFloat(r.Value),
			formatFloat(r.Rate),
			yoy,
			cum,
			strconv.FormatBool(r.Gap),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteWide writes one row per (CBSA, year) with a column per scheme.
// Missing cells are empty.
func WriteWide(w io.Writer, records []pipeline.IndexRecord) error {
	schemeSet := make(map[string]bool)
	type key struct {
		cbsa string
		year int
	}
	cells := make(map[key]map[string]float64)
	var keys []key
	for _, r := range records {
		schemeSet[r.Scheme] = true
		k := key{r.CBSA, r.Year}
		if cells[k] == nil {
			cells[k] = make(map[string]float64)
			keys = append(keys, k)
		}
		cells[k][r.Scheme] = r.Value
	}
	schemes := make([]string, 0, len(schemeSet))
	for s := range schemeSet {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].cbsa != keys[j].cbsa {
			return keys[i].cbsa < keys[j].cbsa
		}
		return keys[i].year < keys[j].year
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"cbsa_id", "year"}, schemes...)); err != nil {
		return err
	}
	for _, k := range keys {
		row := []string{k.cbsa, strconv.Itoa(k.year)}
		for _, s := range schemes {
			if v, ok := cells[k][s]; ok {
				row = append(row, formatFloat(v))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteByCBSA writes a wide file hpi_<cbsa>.csv per CBSA into dir and
// returns the paths written.
func WriteByCBSA(fs fsutil.FileSystem, dir string, records []pipeline.IndexRecord) ([]string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create %s: %w", dir, err)
	}
	groups := make(map[string][]pipeline.IndexRecord)
	for _, r := range records {
		groups[r.CBSA] = append(groups[r.CBSA], r)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var paths []string
	for _, id := range ids {
		path := filepath.Join(dir, "hpi_"+fsutil.SafeName(id)+".csv")
		f, err := fs.Create(path)
		if err != nil {
			return paths, fmt.Errorf("export: create %s: %w", path, err)
		}
		if err := WriteWide(f, groups[id]); err != nil {
			f.Close()
			return paths, fmt.Errorf("export: write %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return paths, fmt.Errorf("export: close %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	logf("wrote %d per-cbsa files to %s", len(paths), dir)
	return paths, nil
}

// Summary describes one (CBSA, scheme) series.
type Summary struct {
	CBSA        string
	Scheme      string
	FirstYear   int
	LastYear    int
	Years       int
	Gaps        int
	FirstValue  float64
	LastValue   float64
	TotalChange float64 // LastValue/FirstValue - 1
	MeanRate    float64 // over non-gap years after the first
	StdDevRate  float64
}

// Summarise computes per-series statistics.
func Summarise(records []pipeline.IndexRecord) []Summary {
	type key struct{ cbsa, scheme string }
	groups := make(map[key][]pipeline.IndexRecord)
	var keys []key
	for _, r := range sorted(records) {
		k := key{r.CBSA, r.Scheme}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].cbsa != keys[j].cbsa {
			return keys[i].cbsa < keys[j].cbsa
		}
		return keys[i].scheme < keys[j].scheme
	})

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		rs := groups[k]
		first, last := rs[0], rs[len(rs)-1]
		s := Summary{
			CBSA:        k.cbsa,
			Scheme:      k.scheme,
			FirstYear:   first.Year,
			LastYear:    last.Year,
			Years:       len(rs),
			FirstValue:  first.Value,
			LastValue:   last.Value,
			TotalChange: last.Value/first.Value - 1,
		}
		var rates []float64
		for i, r := range rs {
			if r.Gap {
				s.Gaps++
				continue
			}
			if i > 0 {
				rates = append(rates, r.Rate)
			}
		}
		if len(rates) > 0 {
			s.MeanRate = stat.Mean(rates, nil)
		}
		if len(rates) > 1 {
			s.StdDevRate = stat.StdDev(rates, nil)
		}
		out = append(out, s)
	}
	return out
}

// WriteSummary writes summaries as CSV.
func WriteSummary(w io.Writer, summaries []Summary) error {
	cw := csv.NewWriter(w)
	header := []string{"cbsa_id", "weighting_scheme", "first_year", "last_year", "years", "gaps",
		"first_value", "last_value", "total_change", "mean_rate", "stddev_rate"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, s := range summaries {
		row := []string{
			s.CBSA, s.Scheme,
			strconv.Itoa(s.FirstYear), strconv.Itoa(s.LastYear),
			strconv.Itoa(s.Years), strconv.Itoa(s.Gaps),
			formatFloat(s.FirstValue), formatFloat(s.LastValue),
			formatFloat(s.TotalChange), formatFloat(s.MeanRate), formatFloat(s.StdDevRate),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
