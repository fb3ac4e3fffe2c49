package weighting

import "github.com/banshee-data/hpi.report/internal/sales"

// Field selects a statistic from a basis record.
type Field int

const (
	HousingUnits Field = iota
	HousingValue
	UPB
	CollegePopulation
	NonWhitePopulation
)

func (f Field) String() string {
	switch f {
	case HousingUnits:
		return "housing_units"
	case HousingValue:
		return "housing_value"
	case UPB:
		return "upb"
	case CollegePopulation:
		return "college_population"
	case NonWhitePopulation:
		return "non_white_population"
	}
	return "unknown"
}

type basisKey struct {
	tract string
	year  int
}

// BasisTable indexes basis records by (tract, year). It is read-only after
// construction and safe for concurrent use.
type BasisTable struct {
	rows map[basisKey]sales.BasisRecord
}

// NewBasisTable indexes records. A later record for the same (tract, year)
// replaces an earlier one.
func NewBasisTable(records []sales.BasisRecord) *BasisTable {
	t := &BasisTable{rows: make(map[basisKey]sales.BasisRecord, len(records))}
	for _, r := range records {
		t.rows[basisKey{r.Tract, r.Year}] = r
	}
	return t
}

// Len returns the number of indexed (tract, year) rows.
func (t *BasisTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Value returns one tract's statistic for year.
func (t *BasisTable) Value(tract string, year int, f Field) (float64, bool) {
	if t == nil {
		return 0, false
	}
	r, ok := t.rows[basisKey{tract, year}]
	if !ok {
		return 0, false
	}
	var p *float64
	switch f {
	case HousingUnits:
		p = r.HousingUnits
	case HousingValue:
		p = r.HousingValue
	case UPB:
		p = r.UPB
	case CollegePopulation:
		p = r.CollegePopulation
	case NonWhitePopulation:
		p = r.NonWhitePopulation
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Sum adds the statistic over tracts. It reports false only when no member
// tract has a value.
func (t *BasisTable) Sum(tracts []string, year int, f Field) (float64, bool) {
	total, found := 0.0, false
	for _, tr := range tracts {
		if v, ok := t.Value(tr, year, f); ok {
			total += v
			found = true
		}
	}
	return total, found
}
