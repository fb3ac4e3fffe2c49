// Package supertract partitions the tracts of a CBSA into year-specific units
// that each carry enough repeat-sale legs in year t and year t-1 to support a
// regression.
//
// Merging runs over an arena of nodes addressed by index. A merge folds the
// node with the larger key into the node with the smaller key and retires the
// former, so the live set shrinks by exactly one per step and the loop is
// bounded by the number of tracts.
package supertract

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"

	"github.com/banshee-data/hpi.report/internal/geo"
	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/sales"
)

var logf = monitoring.Componentf("supertract")

var (
	// ErrNoTracts is returned when Build is given an empty tract list.
	ErrNoTracts = errors.New("supertract: no tracts")
	// ErrNonTerminating is returned if merging fails to converge within the
	// tract count. It indicates a defect, never a data problem.
	ErrNonTerminating = errors.New("supertract: merge loop did not terminate")
)

// Unit is one supertract for a (CBSA, year).
type Unit struct {
	ID            string
	CBSA          string
	Year          int
	Tracts        []string // sorted
	Centroid      orb.Point
	HalfPairs     int // legs in Year
	HalfPairsPrev int // legs in Year-1
}

// Partition is the set of units covering every active tract of a CBSA in a
// single year.
type Partition struct {
	CBSA       string
	Year       int
	Units      []Unit
	Degenerate bool
	Merges     int
}

// Builder constructs partitions against a fixed half-pair threshold.
type Builder struct {
	MinHalfPairs int
}

// NewBuilder returns a Builder with the given threshold.
func NewBuilder(minHalfPairs int) *Builder {
	return &Builder{MinHalfPairs: minHalfPairs}
}

type node struct {
	key     string
	tracts  []string
	points  []orb.Point
	center  orb.Point
	cur     int
	prev    int
	retired bool
}

func (b *Builder) fails(n *node) bool {
	return n.cur < b.MinHalfPairs || n.prev < b.MinHalfPairs
}

// Build partitions tracts for year. Counts come from tally; tracts with no
// legs still belong to the partition and are merged like any other unit.
//
// Each step takes the first failing unit in key order (key = smallest member
// tract id) and merges it with its nearest live neighbour by haversine
// distance between centroids, breaking ties on the smaller key. If the CBSA
// as a whole is below threshold in either year the result is a single
// degenerate unit.
func (b *Builder) Build(cbsa string, year int, tracts []sales.TractCentroid, tally *sales.Tally) (*Partition, error) {
	if len(tracts) == 0 {
		return nil, fmt.Errorf("%w: cbsa=%s year=%d", ErrNoTracts, cbsa, year)
	}

	sorted := make([]sales.TractCentroid, len(tracts))
	copy(sorted, tracts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tract < sorted[j].Tract })

	arena := make([]node, len(sorted))
	all := make([]string, len(sorted))
	for i, tc := range sorted {
		if i > 0 && sorted[i-1].Tract == tc.Tract {
			return nil, fmt.Errorf("supertract: duplicate tract %s in cbsa=%s", tc.Tract, cbsa)
		}
		p := geo.Point(tc.Lat, tc.Lon)
		arena[i] = node{
			key:    tc.Tract,
			tracts: []string{tc.Tract},
			points: []orb.Point{p},
			center: p,
			cur:    tally.Tract(tc.Tract, year),
			prev:   tally.Tract(tc.Tract, year-1),
		}
		all[i] = tc.Tract
	}

	total, totalPrev := tally.Sum(all, year), tally.Sum(all, year-1)
	if total < b.MinHalfPairs || totalPrev < b.MinHalfPairs {
		logf("cbsa=%s year=%d degenerate: aggregate %d/%d below %d", cbsa, year, total, totalPrev, b.MinHalfPairs)
		pts := make([]orb.Point, len(arena))
		for i := range arena {
			pts[i] = arena[i].points[0]
		}
		return &Partition{
			CBSA:       cbsa,
			Year:       year,
			Degenerate: true,
			Units: []Unit{{
				ID:            unitID(cbsa, year, 1),
				CBSA:          cbsa,
				Year:          year,
				Tracts:        all,
				Centroid:      geo.Centroid(pts),
				HalfPairs:     total,
				HalfPairsPrev: totalPrev,
			}},
		}, nil
	}

	live := len(arena)
	merges := 0
	for live > 1 {
		if merges >= len(arena) {
			return nil, fmt.Errorf("%w: cbsa=%s year=%d after %d merges", ErrNonTerminating, cbsa, year, merges)
		}

		src := -1
		for i := range arena {
			if !arena[i].retired && b.fails(&arena[i]) {
				src = i
				break
			}
		}
		if src < 0 {
			break
		}

		dst := -1
		best := 0.0
		for j := range arena {
			if j == src || arena[j].retired {
				continue
			}
			d := geo.Distance(arena[src].center, arena[j].center)
			if dst < 0 || d < best {
				dst, best = j, d
			}
		}

		keep, drop := src, dst
		if drop < keep {
			keep, drop = drop, keep
		}
		merge(&arena[keep], &arena[drop])
		live--
		merges++
	}

	p := &Partition{CBSA: cbsa, Year: year, Merges: merges}
	for i := range arena {
		n := &arena[i]
		if n.retired {
			continue
		}
		sort.Strings(n.tracts)
		p.Units = append(p.Units, Unit{
			ID:            unitID(cbsa, year, len(p.Units)+1),
			CBSA:          cbsa,
			Year:          year,
			Tracts:        n.tracts,
			Centroid:      n.center,
			HalfPairs:     n.cur,
			HalfPairsPrev: n.prev,
		})
	}
	logf("cbsa=%s year=%d tracts=%d units=%d merges=%d", cbsa, year, len(arena), len(p.Units), merges)
	return p, nil
}

// merge folds drop into keep. Arena order equals key order, so keep retains
// the smaller key.
func merge(keep, drop *node) {
	keep.tracts = append(keep.tracts, drop.tracts...)
	keep.points = append(keep.points, drop.points...)
	keep.center = geo.Centroid(keep.points)
	keep.cur += drop.cur
	keep.prev += drop.prev
	drop.retired = true
	drop.tracts, drop.points = nil, nil
}

func unitID(cbsa string, year, n int) string {
	return fmt.Sprintf("%s_%d_ST%04d", cbsa, year, n)
}

// UnitOf returns a tract -> unit id lookup for the partition.
func (p *Partition) UnitOf() map[string]string {
	out := make(map[string]string)
	for _, u := range p.Units {
		for _, t := range u.Tracts {
			out[t] = u.ID
		}
	}
	return out
}

// TractIDs returns the sorted union of member tracts.
func (p *Partition) TractIDs() []string {
	var out []string
	for _, u := range p.Units {
		out = append(out, u.Tracts...)
	}
	sort.Strings(out)
	return out
}

// Verify checks that the units are pairwise disjoint and that their union is
// exactly active.
func (p *Partition) Verify(active []string) error {
	owner := make(map[string]string)
	for _, u := range p.Units {
		if len(u.Tracts) == 0 {
			return fmt.Errorf("unit %s has no tracts", u.ID)
		}
		for _, t := range u.Tracts {
			if prev, ok := owner[t]; ok {
				return fmt.Errorf("tract %s in both %s and %s", t, prev, u.ID)
			}
			owner[t] = u.ID
		}
	}

	want := make(map[string]bool, len(active))
	for _, t := range active {
		want[t] = true
		if _, ok := owner[t]; !ok {
			return fmt.Errorf("tract %s not covered", t)
		}
	}
	for t, id := range owner {
		if !want[t] {
			return fmt.Errorf("unit %s contains inactive tract %s", id, t)
		}
	}
	return nil
}

// MeetsThreshold reports whether every unit clears k in both years, or the
// partition is a single degenerate unit.
func (p *Partition) MeetsThreshold(k int) bool {
	if p.Degenerate {
		return len(p.Units) == 1
	}
	for _, u := range p.Units {
		if u.HalfPairs < k || u.HalfPairsPrev < k {
			return false
		}
	}
	return true
}
