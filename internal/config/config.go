// Package config loads and validates the run configuration for the index
// pipeline. Values are read from a JSON or YAML file and then overlaid with
// RSAI_* environment variables; unset fields fall back to defaults through
// the Get* accessors.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/rsai.defaults.json"

// EnvPrefix is the prefix for environment overrides, e.g. RSAI_START_YEAR.
const EnvPrefix = "RSAI"

// Gap policies for index chaining.
const (
	GapPolicyCarry = "carry"
	GapPolicyFail  = "fail"
)

// DefaultSchemes are the built-in weighting schemes, in output order.
var DefaultSchemes = []string{"sample", "value", "unit", "upb", "college", "non_white"}

// ErrInvalidConfig is wrapped by every ConfigurationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigurationError reports a field that fails validation. It is fatal and
// surfaces before any computation starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalidConfig }

// RunConfig is the root configuration. Pointer fields distinguish "unset"
// from zero so partial files are safe.
type RunConfig struct {
	MinHalfPairs      *int     `json:"min_half_pairs,omitempty" yaml:"min_half_pairs,omitempty"`
	BaseIndexValue    *float64 `json:"base_index_value,omitempty" yaml:"base_index_value,omitempty"`
	BaseYear          *int     `json:"base_year,omitempty" yaml:"base_year,omitempty"`
	StartYear         *int     `json:"start_year,omitempty" yaml:"start_year,omitempty"`
	EndYear           *int     `json:"end_year,omitempty" yaml:"end_year,omitempty"`
	WeightingSchemes  []string `json:"weighting_schemes,omitempty" yaml:"weighting_schemes,omitempty"`
	GapPolicy         *string  `json:"gap_policy,omitempty" yaml:"gap_policy,omitempty"` // "carry" or "fail"
	Workers           *int     `json:"workers,omitempty" yaml:"workers,omitempty"`
	RegressionWorkers *int     `json:"regression_workers,omitempty" yaml:"regression_workers,omitempty"`
	DemographicYear   *int     `json:"demographic_year,omitempty" yaml:"demographic_year,omitempty"`
}

// envOverrides mirrors RunConfig for envconfig. Unset variables leave the
// pointers nil.
type envOverrides struct {
	MinHalfPairs      *int     `envconfig:"MIN_HALF_PAIRS"`
	BaseIndexValue    *float64 `envconfig:"BASE_INDEX_VALUE"`
	BaseYear          *int     `envconfig:"BASE_YEAR"`
	StartYear         *int     `envconfig:"START_YEAR"`
	EndYear           *int     `envconfig:"END_YEAR"`
	WeightingSchemes  []string `envconfig:"WEIGHTING_SCHEMES"`
	GapPolicy         *string  `envconfig:"GAP_POLICY"`
	Workers           *int     `envconfig:"WORKERS"`
	RegressionWorkers *int     `envconfig:"REGRESSION_WORKERS"`
	DemographicYear   *int     `envconfig:"DEMOGRAPHIC_YEAR"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRunConfig returns a RunConfig with all fields set to nil.
func EmptyRunConfig() *RunConfig {
	return &RunConfig{}
}

// DefaultRunConfig returns a RunConfig with every field populated from the
// Get* defaults except BaseYear, which stays nil so it follows StartYear
// after file or environment overrides.
func DefaultRunConfig() *RunConfig {
	c := EmptyRunConfig()
	return &RunConfig{
		MinHalfPairs:      ptrInt(c.GetMinHalfPairs()),
		BaseIndexValue:    ptrFloat64(c.GetBaseIndexValue()),
		StartYear:         ptrInt(c.GetStartYear()),
		EndYear:           ptrInt(c.GetEndYear()),
		WeightingSchemes:  c.GetWeightingSchemes(),
		GapPolicy:         ptrString(c.GetGapPolicy()),
		Workers:           ptrInt(c.GetWorkers()),
		RegressionWorkers: ptrInt(c.GetRegressionWorkers()),
		DemographicYear:   ptrInt(c.GetDemographicYear()),
	}
}

// LoadRunConfig loads a RunConfig from a .json, .yaml or .yml file, applies
// RSAI_* environment overrides and validates the result. Fields omitted from
// the file retain their defaults.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRunConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.ApplyEnv(EnvPrefix); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables named <prefix>_<FIELD> on top of
// the current values. Variables that are not set leave fields untouched.
func (c *RunConfig) ApplyEnv(prefix string) error {
	var env envOverrides
	if err := envconfig.Process(prefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.MinHalfPairs != nil {
		c.MinHalfPairs = env.MinHalfPairs
	}
	if env.BaseIndexValue != nil {
		c.BaseIndexValue = env.BaseIndexValue
	}
	if env.BaseYear != nil {
		c.BaseYear = env.BaseYear
	}
	if env.StartYear != nil {
		c.StartYear = env.StartYear
	}
	if env.EndYear != nil {
		c.EndYear = env.EndYear
	}
	if len(env.WeightingSchemes) > 0 {
		c.WeightingSchemes = env.WeightingSchemes
	}
	if env.GapPolicy != nil {
		c.GapPolicy = env.GapPolicy
	}
	if env.Workers != nil {
		c.Workers = env.Workers
	}
	if env.RegressionWorkers != nil {
		c.RegressionWorkers = env.RegressionWorkers
	}
	if env.DemographicYear != nil {
		c.DemographicYear = env.DemographicYear
	}
	return nil
}

// Validate checks that the configuration values are valid. The returned
// error is always a *ConfigurationError.
func (c *RunConfig) Validate() error {
	if c.MinHalfPairs != nil && *c.MinHalfPairs < 0 {
		return &ConfigurationError{"min_half_pairs", fmt.Sprintf("must be non-negative, got %d", *c.MinHalfPairs)}
	}

	if c.BaseIndexValue != nil && !(*c.BaseIndexValue > 0) {
		return &ConfigurationError{"base_index_value", fmt.Sprintf("must be positive, got %g", *c.BaseIndexValue)}
	}

	start, end := c.GetStartYear(), c.GetEndYear()
	if start > end {
		return &ConfigurationError{"start_year", fmt.Sprintf("start_year %d is after end_year %d", start, end)}
	}

	if base := c.GetBaseYear(); base < start || base > end {
		return &ConfigurationError{"base_year", fmt.Sprintf("base_year %d outside [%d, %d]", base, start, end)}
	}

	switch p := c.GetGapPolicy(); p {
	case GapPolicyCarry, GapPolicyFail:
	default:
		return &ConfigurationError{"gap_policy", fmt.Sprintf("must be %q or %q, got %q", GapPolicyCarry, GapPolicyFail, p)}
	}

	if c.Workers != nil && *c.Workers < 1 {
		return &ConfigurationError{"workers", fmt.Sprintf("must be at least 1, got %d", *c.Workers)}
	}
	if c.RegressionWorkers != nil && *c.RegressionWorkers < 1 {
		return &ConfigurationError{"regression_workers", fmt.Sprintf("must be at least 1, got %d", *c.RegressionWorkers)}
	}

	if c.WeightingSchemes != nil && len(c.WeightingSchemes) == 0 {
		return &ConfigurationError{"weighting_schemes", "must name at least one scheme"}
	}
	seen := make(map[string]bool)
	for _, name := range c.WeightingSchemes {
		if strings.TrimSpace(name) == "" {
			return &ConfigurationError{"weighting_schemes", "scheme names must not be empty"}
		}
		if seen[name] {
			return &ConfigurationError{"weighting_schemes", fmt.Sprintf("duplicate scheme %q", name)}
		}
		seen[name] = true
	}

	return nil
}

// GetMinHalfPairs returns the min_half_pairs value or the default.
func (c *RunConfig) GetMinHalfPairs() int {
	if c.MinHalfPairs == nil {
		return 40
	}
	return *c.MinHalfPairs
}

// GetBaseIndexValue returns the base_index_value value or the default.
func (c *RunConfig) GetBaseIndexValue() float64 {
	if c.BaseIndexValue == nil {
		return 100.0
	}
	return *c.BaseIndexValue
}

// GetStartYear returns the start_year value or the default.
func (c *RunConfig) GetStartYear() int {
	if c.StartYear == nil {
		return 1989
	}
	return *c.StartYear
}

// GetEndYear returns the end_year value or the default.
func (c *RunConfig) GetEndYear() int {
	if c.EndYear == nil {
		return 2021
	}
	return *c.EndYear
}

// GetBaseYear returns the base_year value, defaulting to the start year.
func (c *RunConfig) GetBaseYear() int {
	if c.BaseYear == nil {
		return c.GetStartYear()
	}
	return *c.BaseYear
}

// GetWeightingSchemes returns the configured schemes or all built-ins.
func (c *RunConfig) GetWeightingSchemes() []string {
	if len(c.WeightingSchemes) == 0 {
		out := make([]string, len(DefaultSchemes))
		copy(out, DefaultSchemes)
		return out
	}
	out := make([]string, len(c.WeightingSchemes))
	copy(out, c.WeightingSchemes)
	return out
}

// GetGapPolicy returns the gap_policy value or the default.
func (c *RunConfig) GetGapPolicy() string {
	if c.GapPolicy == nil || *c.GapPolicy == "" {
		return GapPolicyCarry
	}
	return *c.GapPolicy
}

// GetWorkers returns the workers value or GOMAXPROCS.
func (c *RunConfig) GetWorkers() int {
	if c.Workers == nil {
		return runtime.GOMAXPROCS(0)
	}
	return *c.Workers
}

// GetRegressionWorkers returns the regression_workers value or the default.
func (c *RunConfig) GetRegressionWorkers() int {
	if c.RegressionWorkers == nil {
		return 4
	}
	return *c.RegressionWorkers
}

// GetDemographicYear returns the demographic_year value or the default.
// College and non-white weights read this year's basis records only.
func (c *RunConfig) GetDemographicYear() int {
	if c.DemographicYear == nil {
		return 2010
	}
	return *c.DemographicYear
}
