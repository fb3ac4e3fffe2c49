// Package weighting turns per-supertract statistics into normalised weight
// vectors. Schemes only extract a basis value per unit; normalisation is
// shared, so adding a scheme never touches aggregation.
package weighting

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Tolerance bounds |Σ weights - 1| for a valid WeightSet.
const Tolerance = 1e-9

var (
	// ErrUnknownScheme is returned for a scheme name that is not registered.
	ErrUnknownScheme = errors.New("weighting: unknown scheme")
	// ErrNormalization is returned when no unit has a positive basis, or a
	// basis value is negative or non-finite.
	ErrNormalization = errors.New("weighting: cannot normalise")
)

// WeightSet maps every unit in a CBSA-year partition to its weight.
type WeightSet struct {
	CBSA     string
	Year     int
	Scheme   string
	Weights  map[string]float64
	Missing  []string // basis statistic missing
	Excluded []string // excluded by the caller, e.g. singular regression
}

// Sum returns Σ weights accumulated in unit id order.
func (ws WeightSet) Sum() float64 {
	ids := make([]string, 0, len(ws.Weights))
	for id := range ws.Weights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	total := 0.0
	for _, id := range ids {
		total += ws.Weights[id]
	}
	return total
}

// Engine computes weight sets from a registry and a basis table.
type Engine struct {
	registry *Registry
	basis    *BasisTable
}

// NewEngine returns an Engine reading schemes from registry.
func NewEngine(registry *Registry, basis *BasisTable) *Engine {
	return &Engine{registry: registry, basis: basis}
}

// Weights computes the normalised weights of scheme over units. Units named
// in excluded, and units whose basis is missing, get weight 0 and the rest
// are renormalised to sum to one.
func (e *Engine) Weights(cbsa, scheme string, year int, units []UnitStats, excluded map[string]bool) (WeightSet, error) {
	def, ok := e.registry.Get(scheme)
	if !ok {
		return WeightSet{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	ws := WeightSet{CBSA: cbsa, Year: year, Scheme: scheme, Weights: make(map[string]float64, len(units))}
	sorted := make([]UnitStats, len(units))
	copy(sorted, units)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	raw := make([]float64, len(sorted))
	for i, u := range sorted {
		if excluded[u.ID] {
			ws.Excluded = append(ws.Excluded, u.ID)
			continue
		}
		v, ok := def.Basis(u, year, e.basis)
		if !ok {
			ws.Missing = append(ws.Missing, u.ID)
			continue
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return ws, fmt.Errorf("%w: scheme %s unit %s basis %g", ErrNormalization, scheme, u.ID, v)
		}
		raw[i] = v
	}

	total := floats.Sum(raw)
	if !(total > 0) {
		return ws, fmt.Errorf("%w: scheme %s cbsa=%s year=%d: no positive basis across %d units", ErrNormalization, scheme, cbsa, year, len(units))
	}
	floats.Scale(1/total, raw)
	for i, u := range sorted {
		ws.Weights[u.ID] = raw[i]
	}
	return ws, nil
}
