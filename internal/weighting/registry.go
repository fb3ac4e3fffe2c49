package weighting

import (
	"sort"
	"sync"
)

// UnitStats is what a scheme may read about one supertract.
type UnitStats struct {
	ID            string
	Tracts        []string
	HalfPairs     int // legs in the target year
	HalfPairsPrev int // legs in the year before
}

// BasisFunc extracts a unit's non-negative basis for year. ok=false means the
// statistic is missing and the unit is weighted zero.
type BasisFunc func(u UnitStats, year int, basis *BasisTable) (value float64, ok bool)

// SchemeDefinition describes a registered weighting scheme.
type SchemeDefinition struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Basis       BasisFunc `json:"-"`
}

// Registry holds weighting schemes by name.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]*SchemeDefinition
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]*SchemeDefinition)}
}

// Register adds a scheme. If a scheme with the same name already exists, it
// is replaced.
func (r *Registry) Register(def *SchemeDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[def.Name] = def
}

// Get retrieves a scheme by name.
func (r *Registry) Get(name string) (*SchemeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.schemes[name]
	return def, ok
}

// Names returns the registered scheme names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldBasis sums a basis field over a unit's tracts in the target year
// shifted by offset (offset -1 reads year t-1).
func FieldBasis(f Field, offset int) BasisFunc {
	return func(u UnitStats, year int, basis *BasisTable) (float64, bool) {
		return basis.Sum(u.Tracts, year+offset, f)
	}
}

// StaticBasis sums a basis field over a unit's tracts in a fixed year,
// ignoring the target year.
func StaticBasis(f Field, fixedYear int) BasisFunc {
	return func(u UnitStats, _ int, basis *BasisTable) (float64, bool) {
		return basis.Sum(u.Tracts, fixedYear, f)
	}
}

// DefaultRegistry returns a registry pre-loaded with the built-in schemes.
// College and non-white weights read demographicYear only.
func DefaultRegistry(demographicYear int) *Registry {
	reg := NewRegistry()

	reg.Register(&SchemeDefinition{
		Name:        "sample",
		Description: "Share of the CBSA's half-pairs in the target year.",
		Basis: func(u UnitStats, _ int, _ *BasisTable) (float64, bool) {
			return float64(u.HalfPairs), true
		},
	})
	reg.Register(&SchemeDefinition{
		Name:        "value",
		Description: "Laspeyres: aggregate housing value in the year before the target year.",
		Basis:       FieldBasis(HousingValue, -1),
	})
	reg.Register(&SchemeDefinition{
		Name:        "unit",
		Description: "Housing unit count in the target year.",
		Basis:       FieldBasis(HousingUnits, 0),
	})
	reg.Register(&SchemeDefinition{
		Name:        "upb",
		Description: "Aggregate unpaid principal balance in the target year.",
		Basis:       FieldBasis(UPB, 0),
	})
	reg.Register(&SchemeDefinition{
		Name:        "college",
		Description: "College-educated population in the static demographic year.",
		Basis:       StaticBasis(CollegePopulation, demographicYear),
	})
	reg.Register(&SchemeDefinition{
		Name:        "non_white",
		Description: "Non-white population in the static demographic year.",
		Basis:       StaticBasis(NonWhitePopulation, demographicYear),
	})

	return reg
}
