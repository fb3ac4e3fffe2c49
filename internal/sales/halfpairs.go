package sales

import "sort"

// HalfPairCount is the number of sale legs falling in Year. Pairs with both
// legs in Year are not counted; they indicate an upstream filter failure and
// are returned in SamePeriod instead.
type HalfPairCount struct {
	Year       int
	Legs       int
	SamePeriod []RepeatSalePair
}

// CountHalfPairs counts the legs of pairs that fall in year.
func CountHalfPairs(pairs []RepeatSalePair, year int) HalfPairCount {
	c := HalfPairCount{Year: year}
	for _, p := range pairs {
		if p.SamePeriod() {
			if p.FirstYear == year {
				c.SamePeriod = append(c.SamePeriod, p)
			}
			continue
		}
		if p.FirstYear == year {
			c.Legs++
		}
		if p.SecondYear == year {
			c.Legs++
		}
	}
	return c
}

// Tally holds per-tract, per-year leg counts so the supertract builder can
// keep running totals instead of rescanning pairs on every merge.
type Tally struct {
	counts     map[string]map[int]int
	samePeriod []RepeatSalePair
}

// NewTally counts every leg of pairs once. Same-period pairs are excluded
// from the counts and retained for reporting.
func NewTally(pairs []RepeatSalePair) *Tally {
	t := &Tally{counts: make(map[string]map[int]int)}
	for _, p := range pairs {
		if p.SamePeriod() {
			t.samePeriod = append(t.samePeriod, p)
			continue
		}
		byYear := t.counts[p.Tract]
		if byYear == nil {
			byYear = make(map[int]int)
			t.counts[p.Tract] = byYear
		}
		byYear[p.FirstYear]++
		byYear[p.SecondYear]++
	}
	return t
}

// Tract returns the leg count for tract in year.
func (t *Tally) Tract(tract string, year int) int {
	return t.counts[tract][year]
}

// Sum returns the total leg count over tracts in year.
func (t *Tally) Sum(tracts []string, year int) int {
	total := 0
	for _, tr := range tracts {
		total += t.counts[tr][year]
	}
	return total
}

// Tracts returns the sorted ids of tracts with at least one counted leg.
func (t *Tally) Tracts() []string {
	out := make([]string, 0, len(t.counts))
	for tr := range t.counts {
		out = append(out, tr)
	}
	sort.Strings(out)
	return out
}

// SamePeriod returns the pairs excluded from the tally.
func (t *Tally) SamePeriod() []RepeatSalePair {
	return t.samePeriod
}
