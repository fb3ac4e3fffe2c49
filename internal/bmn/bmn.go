// Package bmn fits the Bailey-Muth-Nourse repeat-sales regression for one
// supertract and extracts its year-over-year appreciation.
package bmn

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/hpi.report/internal/sales"
)

// ErrSingular marks a panel that cannot identify the time-dummy
// coefficients: no pairs, a single year, fewer observations than columns or
// a rank-deficient design. Callers treat it as a skip, not a failure.
var ErrSingular = errors.New("bmn: singular design")

// DefaultRCond is the relative singular-value cutoff for the rank check.
const DefaultRCond = 1e-10

// Fit is a solved regression. Years holds every year present in the sample;
// Years[0] is the base year whose coefficient is fixed at zero.
type Fit struct {
	Years        []int
	Coefficients []float64 // aligned with Years
	RSquared     float64   // uncentered; the model has no intercept
	RMSE         float64
	Observations int
	Parameters   int
}

// BaseYear returns the normalised year.
func (f *Fit) BaseYear() int { return f.Years[0] }

// Coefficient returns the log price level for year relative to the base year.
func (f *Fit) Coefficient(year int) (float64, bool) {
	i := sort.SearchInts(f.Years, year)
	if i == len(f.Years) || f.Years[i] != year {
		return 0, false
	}
	return f.Coefficients[i], true
}

// Result is the appreciation extracted for one unit and year.
type Result struct {
	SupertractID string
	Year         int
	Delta        float64 // CoefT - CoefPrev
	CoefT        float64
	CoefPrev     float64
	Fit          *Fit
}

// Regressor solves BMN panels with ordinary least squares.
type Regressor struct {
	RCond float64
}

// NewRegressor returns a Regressor using DefaultRCond.
func NewRegressor() *Regressor {
	return &Regressor{RCond: DefaultRCond}
}

// Fit regresses each pair's log price ratio on year indicators: +1 in the
// second-sale column, -1 in the first-sale column. The earliest year is the
// base and its column is dropped.
func (r *Regressor) Fit(pairs []sales.RepeatSalePair) (*Fit, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no pairs", ErrSingular)
	}
	years := sales.Years(pairs)
	if len(years) < 2 {
		return nil, fmt.Errorf("%w: %d distinct year(s)", ErrSingular, len(years))
	}

	col := make(map[int]int, len(years))
	for i, y := range years[1:] {
		col[y] = i
	}
	n, p := len(pairs), len(years)-1
	if n < p {
		return nil, fmt.Errorf("%w: %d observations for %d columns", ErrSingular, n, p)
	}

	x := mat.NewDense(n, p, nil)
	y := make([]float64, n)
	for i, pr := range pairs {
		if c, ok := col[pr.SecondYear]; ok {
			x.Set(i, c, x.At(i, c)+1)
		}
		if c, ok := col[pr.FirstYear]; ok {
			x.Set(i, c, x.At(i, c)-1)
		}
		y[i] = pr.LogPriceRatio
	}

	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrSingular)
	}
	rcond := r.RCond
	if rcond <= 0 {
		rcond = DefaultRCond
	}
	if rank := svd.Rank(rcond); rank < p {
		return nil, fmt.Errorf("%w: rank %d < %d columns", ErrSingular, rank, p)
	}

	var qr mat.QR
	qr.Factorize(x)
	yv := mat.NewVecDense(n, y)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, yv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	resid := make([]float64, n)
	floats.SubTo(resid, y, fitted.RawVector().Data)
	ssr := floats.Dot(resid, resid)
	sst := floats.Dot(y, y)

	coefs := make([]float64, len(years))
	for i := 0; i < p; i++ {
		v := beta.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient for %d", ErrSingular, years[i+1])
		}
		coefs[i+1] = v
	}

	f := &Fit{
		Years:        years,
		Coefficients: coefs,
		RMSE:         math.Sqrt(ssr / float64(n)),
		Observations: n,
		Parameters:   p,
	}
	if sst > 0 {
		f.RSquared = 1 - ssr/sst
	}
	return f, nil
}

// Regress fits the unit's full-history panel and returns the difference
// between the year and year-1 coefficients. Either year missing from the
// sample is reported as ErrSingular.
func (r *Regressor) Regress(unitID string, year int, pairs []sales.RepeatSalePair) (Result, error) {
	fit, err := r.Fit(pairs)
	if err != nil {
		return Result{}, fmt.Errorf("unit %s year %d: %w", unitID, year, err)
	}
	cur, ok := fit.Coefficient(year)
	if !ok {
		return Result{}, fmt.Errorf("unit %s: %w: year %d absent from sample", unitID, ErrSingular, year)
	}
	prev, ok := fit.Coefficient(year - 1)
	if !ok {
		return Result{}, fmt.Errorf("unit %s: %w: year %d absent from sample", unitID, ErrSingular, year-1)
	}
	return Result{
		SupertractID: unitID,
		Year:         year,
		Delta:        cur - prev,
		CoefT:        cur,
		CoefPrev:     prev,
		Fit:          fit,
	}, nil
}
