// Package chain folds yearly log appreciation rates into a multiplicative
// index series anchored at a base year.
package chain

import (
	"errors"
	"fmt"
	"math"
)

// ErrGap is returned when a series is truncated at a missing year under the
// fail policy.
var ErrGap = errors.New("chain: missing rate")

// GapPolicy decides what happens when a year inside the range has no rate.
type GapPolicy string

const (
	// Carry treats a missing rate as zero and flags the point.
	Carry GapPolicy = "carry"
	// Fail ends the series at the last contiguous year.
	Fail GapPolicy = "fail"
)

// ParseGapPolicy validates a policy name.
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch p := GapPolicy(s); p {
	case Carry, Fail:
		return p, nil
	}
	return "", fmt.Errorf("chain: unknown gap policy %q", s)
}

// IndexPoint is one year of a series. Rate is the log change applied between
// Year-1 and Year; it is zero at StartYear and on carried gaps.
type IndexPoint struct {
	Year  int
	Value float64
	Rate  float64
	Gap   bool
}

// IndexSeries is the chained index for one (CBSA, scheme).
type IndexSeries struct {
	CBSA   string
	Scheme string
	Points []IndexPoint
}

// Value returns the index level for year.
func (s IndexSeries) Value(year int) (float64, bool) {
	for _, p := range s.Points {
		if p.Year == year {
			return p.Value, true
		}
	}
	return 0, false
}

// Gap identifies a year whose rate was missing.
type Gap struct {
	CBSA   string
	Scheme string
	Year   int
}

// Chainer holds the chaining parameters shared by every series in a run.
type Chainer struct {
	StartYear int
	EndYear   int
	BaseYear  int
	BaseValue float64
	Policy    GapPolicy
}

// Validate checks the year range and base value.
func (c Chainer) Validate() error {
	if c.StartYear > c.EndYear {
		return fmt.Errorf("chain: start year %d after end year %d", c.StartYear, c.EndYear)
	}
	if c.BaseYear < c.StartYear || c.BaseYear > c.EndYear {
		return fmt.Errorf("chain: base year %d outside [%d, %d]", c.BaseYear, c.StartYear, c.EndYear)
	}
	if !(c.BaseValue > 0) {
		return fmt.Errorf("chain: base value must be positive, got %g", c.BaseValue)
	}
	if _, err := ParseGapPolicy(string(c.Policy)); err != nil {
		return err
	}
	return nil
}

// Chain builds the series from rates keyed by year. The base year takes
// BaseValue; later years move forward by exp(rate) and earlier years are
// back-filled by dividing by exp(rate) of the following year.
//
// Every year in (StartYear, EndYear] without a rate is returned as a Gap.
// Under Fail the series stops at the gap nearest the base year in each
// direction and the error wraps ErrGap.
func (c Chainer) Chain(cbsa, scheme string, rates map[int]float64) (IndexSeries, []Gap, error) {
	if err := c.Validate(); err != nil {
		return IndexSeries{}, nil, err
	}

	var gaps []Gap
	for y := c.StartYear + 1; y <= c.EndYear; y++ {
		if _, ok := rates[y]; !ok {
			gaps = append(gaps, Gap{CBSA: cbsa, Scheme: scheme, Year: y})
		}
	}

	var failed []int

	// Backward from the base year. pts[0] is the base point.
	back := []IndexPoint{{Year: c.BaseYear, Value: c.BaseValue}}
	if c.BaseYear > c.StartYear {
		r, ok := rates[c.BaseYear]
		back[0].Rate, back[0].Gap = r, !ok
	}
	for y := c.BaseYear - 1; y >= c.StartYear; y-- {
		next := &back[len(back)-1]
		if next.Gap && c.Policy == Fail {
			failed = append(failed, next.Year)
			break
		}
		p := IndexPoint{Year: y, Value: next.Value / math.Exp(next.Rate)}
		if y > c.StartYear {
			r, ok := rates[y]
			p.Rate, p.Gap = r, !ok
		}
		back = append(back, p)
	}

	points := make([]IndexPoint, 0, c.EndYear-c.StartYear+1)
	for i := len(back) - 1; i >= 0; i-- {
		points = append(points, back[i])
	}

	level := c.BaseValue
	for y := c.BaseYear + 1; y <= c.EndYear; y++ {
		r, ok := rates[y]
		if !ok && c.Policy == Fail {
			failed = append(failed, y)
			break
		}
		level *= math.Exp(r)
		points = append(points, IndexPoint{Year: y, Value: level, Rate: r, Gap: !ok})
	}

	series := IndexSeries{CBSA: cbsa, Scheme: scheme, Points: points}
	if len(failed) > 0 {
		return series, gaps, fmt.Errorf("%w: cbsa=%s scheme=%s years=%v", ErrGap, cbsa, scheme, failed)
	}
	return series, gaps, nil
}
