// Package sales holds the domain records consumed by the index pipeline and
// the half-pair accounting used to size supertracts.
package sales

import "sort"

// RepeatSalePair is one filtered repeat-sale observation. Sale dates are
// reduced to years; LogPriceRatio is ln(second price / first price).
type RepeatSalePair struct {
	PropertyID    string
	CBSA          string
	Tract         string
	FirstYear     int
	SecondYear    int
	LogPriceRatio float64
}

// SamePeriod reports whether both legs fall in the same year.
func (p RepeatSalePair) SamePeriod() bool { return p.FirstYear == p.SecondYear }

// TractCentroid locates a census tract within a CBSA.
type TractCentroid struct {
	Tract string
	CBSA  string
	Lat   float64
	Lon   float64
}

// BasisRecord carries per-tract weighting statistics for one year. A nil
// field means the statistic is missing for that tract-year.
type BasisRecord struct {
	Tract              string
	Year               int
	HousingUnits       *float64
	HousingValue       *float64
	UPB                *float64
	CollegePopulation  *float64
	NonWhitePopulation *float64
}

// GroupByCBSA splits pairs by CBSA, preserving input order within each group.
func GroupByCBSA(pairs []RepeatSalePair) map[string][]RepeatSalePair {
	out := make(map[string][]RepeatSalePair)
	for _, p := range pairs {
		out[p.CBSA] = append(out[p.CBSA], p)
	}
	return out
}

// GroupByTract splits pairs by tract, preserving input order within each group.
func GroupByTract(pairs []RepeatSalePair) map[string][]RepeatSalePair {
	out := make(map[string][]RepeatSalePair)
	for _, p := range pairs {
		out[p.Tract] = append(out[p.Tract], p)
	}
	return out
}

// Years returns the sorted distinct years in which either leg of a pair occurs.
func Years(pairs []RepeatSalePair) []int {
	seen := make(map[int]struct{})
	for _, p := range pairs {
		seen[p.FirstYear] = struct{}{}
		seen[p.SecondYear] = struct{}{}
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}
