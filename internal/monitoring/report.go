package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConditionKind names a recoverable condition surfaced during a run.
type ConditionKind string

const (
	// PartitionDegenerate: the CBSA cannot reach the half-pair threshold even
	// as a single unit; processing continues with the CBSA-wide unit.
	PartitionDegenerate ConditionKind = "partition_degenerate"
	// RegressionSingularity: a unit's panel is rank deficient; it gets weight 0.
	RegressionSingularity ConditionKind = "regression_singularity"
	// WeightNormalizationFailure: every basis value is missing or zero; the
	// (CBSA, year, scheme) rate is omitted.
	WeightNormalizationFailure ConditionKind = "weight_normalization_failure"
	// ChainGap: a year inside the configured range has no rate.
	ChainGap ConditionKind = "chain_gap"
	// SamePeriodPair: both legs of a pair fall in one year, which the upstream
	// filters should have removed. The pair is excluded from counts.
	SamePeriodPair ConditionKind = "same_period_pair"
	// UnmappedTract: a pair references a tract with no centroid in its CBSA.
	UnmappedTract ConditionKind = "unmapped_tract"
	// CBSASkipped: a CBSA has centroids but no usable pairs, or pairs but
	// none left after dropping unmapped and same-period ones. It gets no
	// records.
	CBSASkipped ConditionKind = "cbsa_skipped"
)

// Condition is one reported occurrence. Year is 0 and Scheme empty when the
// condition is not scoped to them.
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	CBSA   string        `json:"cbsa_id,omitempty"`
	Year   int           `json:"year,omitempty"`
	Scheme string        `json:"weighting_scheme,omitempty"`
	Units  []string      `json:"units,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

func (c Condition) String() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.CBSA != "" {
		fmt.Fprintf(&b, " cbsa=%s", c.CBSA)
	}
	if c.Year != 0 {
		fmt.Fprintf(&b, " year=%d", c.Year)
	}
	if c.Scheme != "" {
		fmt.Fprintf(&b, " scheme=%s", c.Scheme)
	}
	if len(c.Units) > 0 {
		fmt.Fprintf(&b, " units=%s", strings.Join(c.Units, ","))
	}
	if c.Detail != "" {
		fmt.Fprintf(&b, ": %s", c.Detail)
	}
	return b.String()
}

// Report collects conditions from concurrent workers. The zero value is ready
// to use.
type Report struct {
	mu         sync.Mutex
	conditions []Condition
}

// Add records a condition and logs it.
func (r *Report) Add(c Condition) {
	Logf("[condition] %s", c)
	r.mu.Lock()
	r.conditions = append(r.conditions, c)
	r.mu.Unlock()
}

// Conditions returns a sorted copy of everything recorded so far. Sorting makes
// the report independent of worker scheduling.
func (r *Report) Conditions() []Condition {
	r.mu.Lock()
	out := make([]Condition, len(r.conditions))
	copy(out, r.conditions)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.CBSA != b.CBSA {
			return a.CBSA < b.CBSA
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Scheme != b.Scheme {
			return a.Scheme < b.Scheme
		}
		if ua, ub := strings.Join(a.Units, ","), strings.Join(b.Units, ","); ua != ub {
			return ua < ub
		}
		return a.Detail < b.Detail
	})
	return out
}

// Counts returns the number of conditions per kind.
func (r *Report) Counts() map[ConditionKind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[ConditionKind]int)
	for _, c := range r.conditions {
		counts[c.Kind]++
	}
	return counts
}
