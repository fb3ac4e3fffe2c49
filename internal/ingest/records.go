package ingest

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/hpi.report/internal/sales"
)

var validate = validator.New()

// Stats counts rows read and rows rejected by validation.
type Stats struct {
	Rows     int
	Rejected int
}

type pairRow struct {
	PropertyID    string  `validate:"required"`
	CBSA          string  `validate:"required"`
	Tract         string  `validate:"required"`
	FirstYear     int     `validate:"gte=1800,lte=2200"`
	SecondYear    int     `validate:"gtefield=FirstYear,lte=2200"`
	LogPriceRatio float64 `validate:"gte=-20,lte=20"`
}

type centroidRow struct {
	Tract string  `validate:"required"`
	CBSA  string  `validate:"required"`
	Lat   float64 `validate:"gte=-90,lte=90"`
	Lon   float64 `validate:"gte=-180,lte=180"`
}

type basisRow struct {
	Tract              string   `validate:"required"`
	Year               int      `validate:"gte=1800,lte=2200"`
	HousingUnits       *float64 `validate:"omitempty,gte=0"`
	HousingValue       *float64 `validate:"omitempty,gte=0"`
	UPB                *float64 `validate:"omitempty,gte=0"`
	CollegePopulation  *float64 `validate:"omitempty,gte=0"`
	NonWhitePopulation *float64 `validate:"omitempty,gte=0"`
}

// Transaction is one raw sale.
type Transaction struct {
	PropertyID string    `validate:"required"`
	CBSA       string    `validate:"required"`
	Tract      string    `validate:"required"`
	Date       time.Time `validate:"required"`
	Price      float64   `validate:"gt=0"`
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "01/02/2006", "01-02-06"}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// columns resolves each required field to a column index, trying aliases in
// order.
func columns(t *Table, fields map[string][]string) (map[string]int, error) {
	out := make(map[string]int, len(fields))
	for field, aliases := range fields {
		i, ok := t.Column(aliases...)
		if !ok {
			return nil, fmt.Errorf("ingest: missing required column %s (accepted: %v)", field, aliases)
		}
		out[field] = i
	}
	return out, nil
}

func optionalFloat(t *Table, row []string, names ...string) (*float64, error) {
	col, ok := t.Column(names...)
	if !ok {
		return nil, nil
	}
	s := t.Cell(row, col)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LoadPairs reads pre-built repeat-sale pairs.
func LoadPairs(path string) ([]sales.RepeatSalePair, Stats, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, Stats{}, err
	}
	cols, err := columns(t, map[string][]string{
		"property_id":      {"property_id"},
		"cbsa_id":          {"cbsa_id"},
		"tract_id":         {"tract_id", "census_tract_2010"},
		"first_sale_year":  {"first_sale_year"},
		"second_sale_year": {"second_sale_year"},
		"log_price_ratio":  {"log_price_ratio", "log_price_relative"},
	})
	if err != nil {
		return nil, Stats{}, err
	}

	var out []sales.RepeatSalePair
	st := Stats{Rows: len(t.Rows)}
	for n, row := range t.Rows {
		first, err1 := strconv.Atoi(t.Cell(row, cols["first_sale_year"]))
		second, err2 := strconv.Atoi(t.Cell(row, cols["second_sale_year"]))
		ratio, err3 := strconv.ParseFloat(t.Cell(row, cols["log_price_ratio"]), 64)
		r := pairRow{
			PropertyID:    t.Cell(row, cols["property_id"]),
			CBSA:          t.Cell(row, cols["cbsa_id"]),
			Tract:         t.Cell(row, cols["tract_id"]),
			FirstYear:     first,
			SecondYear:    second,
			LogPriceRatio: ratio,
		}
		if err := firstErr(err1, err2, err3, validate.Struct(r)); err != nil {
			st.Rejected++
			logf("%s row %d rejected: %v", path, n+2, err)
			continue
		}
		out = append(out, sales.RepeatSalePair(r))
	}
	logf("loaded %d pairs from %s (%d rejected)", len(out), path, st.Rejected)
	return out, st, nil
}

// LoadCentroids reads tract centroids.
func LoadCentroids(path string) ([]sales.TractCentroid, Stats, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, Stats{}, err
	}
	cols, err := columns(t, map[string][]string{
		"tract_id": {"tract_id", "census_tract_2010"},
		"cbsa_id":  {"cbsa_id"},
		"lat":      {"lat", "centroid_lat"},
		"lon":      {"lon", "centroid_lon"},
	})
	if err != nil {
		return nil, Stats{}, err
	}

	var out []sales.TractCentroid
	st := Stats{Rows: len(t.Rows)}
	for n, row := range t.Rows {
		lat, err1 := strconv.ParseFloat(t.Cell(row, cols["lat"]), 64)
		lon, err2 := strconv.ParseFloat(t.Cell(row, cols["lon"]), 64)
		r := centroidRow{
			Tract: t.Cell(row, cols["tract_id"]),
			CBSA:  t.Cell(row, cols["cbsa_id"]),
			Lat:   lat,
			Lon:   lon,
		}
		if err := firstErr(err1, err2, validate.Struct(r)); err != nil {
			st.Rejected++
			logf("%s row %d rejected: %v", path, n+2, err)
			continue
		}
		out = append(out, sales.TractCentroid(r))
	}
	logf("loaded %d centroids from %s (%d rejected)", len(out), path, st.Rejected)
	return out, st, nil
}

// LoadBasis reads weighting basis records. Statistic columns are optional
// and empty cells read as missing.
func LoadBasis(path string) ([]sales.BasisRecord, Stats, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, Stats{}, err
	}
	cols, err := columns(t, map[string][]string{
		"tract_id": {"tract_id", "census_tract_2010"},
		"year":     {"year"},
	})
	if err != nil {
		return nil, Stats{}, err
	}

	var out []sales.BasisRecord
	st := Stats{Rows: len(t.Rows)}
	for n, row := range t.Rows {
		year, yerr := strconv.Atoi(t.Cell(row, cols["year"]))
		units, e1 := optionalFloat(t, row, "housing_units", "total_housing_units")
		value, e2 := optionalFloat(t, row, "housing_value", "total_housing_value")
		upb, e3 := optionalFloat(t, row, "upb", "total_upb")
		college, e4 := optionalFloat(t, row, "college_population")
		nonWhite, e5 := optionalFloat(t, row, "non_white_population")
		r := basisRow{
			Tract:              t.Cell(row, cols["tract_id"]),
			Year:               year,
			HousingUnits:       units,
			HousingValue:       value,
			UPB:                upb,
			CollegePopulation:  college,
			NonWhitePopulation: nonWhite,
		}
		if err := firstErr(yerr, e1, e2, e3, e4, e5, validate.Struct(r)); err != nil {
			st.Rejected++
			logf("%s row %d rejected: %v", path, n+2, err)
			continue
		}
		out = append(out, sales.BasisRecord(r))
	}
	logf("loaded %d basis records from %s (%d rejected)", len(out), path, st.Rejected)
	return out, st, nil
}

// LoadTransactions reads raw sales.
func LoadTransactions(path string) ([]Transaction, Stats, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, Stats{}, err
	}
	cols, err := columns(t, map[string][]string{
		"property_id":       {"property_id"},
		"transaction_date":  {"transaction_date", "sale_date"},
		"transaction_price": {"transaction_price", "sale_price", "price"},
		"tract_id":          {"tract_id", "census_tract_2010"},
		"cbsa_id":           {"cbsa_id"},
	})
	if err != nil {
		return nil, Stats{}, err
	}

	var out []Transaction
	st := Stats{Rows: len(t.Rows)}
	for n, row := range t.Rows {
		date, err1 := parseDate(t.Cell(row, cols["transaction_date"]))
		price, err2 := strconv.ParseFloat(t.Cell(row, cols["transaction_price"]), 64)
		tx := Transaction{
			PropertyID: t.Cell(row, cols["property_id"]),
			CBSA:       t.Cell(row, cols["cbsa_id"]),
			Tract:      t.Cell(row, cols["tract_id"]),
			Date:       date,
			Price:      price,
		}
		if err := firstErr(err1, err2, validate.Struct(tx)); err != nil {
			st.Rejected++
			logf("%s row %d rejected: %v", path, n+2, err)
			continue
		}
		out = append(out, tx)
	}
	logf("loaded %d transactions from %s (%d rejected)", len(out), path, st.Rejected)
	return out, st, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
