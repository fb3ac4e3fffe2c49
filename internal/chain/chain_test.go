package chain

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func years(s IndexSeries) []int {
	out := make([]int, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Year
	}
	return out
}

func TestChainForward(t *testing.T) {
	c := Chainer{StartYear: 0, EndYear: 2, BaseYear: 0, BaseValue: 100, Policy: Carry}
	s, gaps, err := c.Chain("X", "sample", map[int]float64{1: 0.05, 2: -0.02})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	require.Len(t, s.Points, 3)

	assert.Equal(t, 100.0, s.Points[0].Value)
	assert.InDelta(t, 105.13, s.Points[1].Value, 0.005)
	assert.InDelta(t, 103.05, s.Points[2].Value, 0.005)
	for i := 1; i < len(s.Points); i++ {
		prev, cur := s.Points[i-1], s.Points[i]
		assert.InDelta(t, prev.Value*math.Exp(cur.Rate), cur.Value, 1e-9)
	}
}

func TestChainBackFill(t *testing.T) {
	c := Chainer{StartYear: 2000, EndYear: 2003, BaseYear: 2002, BaseValue: 1, Policy: Carry}
	rates := map[int]float64{2000: 9, 2001: 0.1, 2002: 0.2, 2003: 0.05}
	s, gaps, err := c.Chain("X", "value", rates)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	want := []IndexPoint{
		{Year: 2000, Value: math.Exp(-0.3)},
		{Year: 2001, Value: math.Exp(-0.2), Rate: 0.1},
		{Year: 2002, Value: 1, Rate: 0.2},
		{Year: 2003, Value: math.Exp(0.05), Rate: 0.05},
	}
	if diff := cmp.Diff(want, s.Points, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("points mismatch (-want +got):\n%s", diff)
	}
	v, ok := s.Value(2002)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestChainCarryGap(t *testing.T) {
	c := Chainer{StartYear: 2000, EndYear: 2003, BaseYear: 2000, BaseValue: 100, Policy: Carry}
	s, gaps, err := c.Chain("X", "unit", map[int]float64{2001: 0.1, 2003: 0.1})
	require.NoError(t, err)
	assert.Equal(t, []Gap{{CBSA: "X", Scheme: "unit", Year: 2002}}, gaps)
	require.Equal(t, []int{2000, 2001, 2002, 2003}, years(s))
	assert.True(t, s.Points[2].Gap)
	assert.Equal(t, 0.0, s.Points[2].Rate)
	assert.Equal(t, s.Points[1].Value, s.Points[2].Value)
	assert.False(t, s.Points[3].Gap)
}

func TestChainFailGap(t *testing.T) {
	c := Chainer{StartYear: 2000, EndYear: 2004, BaseYear: 2000, BaseValue: 100, Policy: Fail}
	s, gaps, err := c.Chain("X", "unit", map[int]float64{2001: 0.1, 2003: 0.1})
	assert.True(t, errors.Is(err, ErrGap))
	assert.Equal(t, []int{2000, 2001}, years(s))
	assert.Equal(t, []Gap{{"X", "unit", 2002}, {"X", "unit", 2004}}, gaps, "every gap reported")
}

func TestChainFailBeforeBase(t *testing.T) {
	c := Chainer{StartYear: 2000, EndYear: 2003, BaseYear: 2002, BaseValue: 100, Policy: Fail}
	s, gaps, err := c.Chain("X", "unit", map[int]float64{2001: 0.1, 2003: 0.1})
	assert.True(t, errors.Is(err, ErrGap))
	assert.Equal(t, []int{2002, 2003}, years(s))
	assert.True(t, s.Points[0].Gap)
	assert.Equal(t, 100.0, s.Points[0].Value)
	assert.Len(t, gaps, 1)
}

func TestChainFailBoundaryKeepsRate(t *testing.T) {
	c := Chainer{StartYear: 2000, EndYear: 2004, BaseYear: 2003, BaseValue: 100, Policy: Fail}
	s, _, err := c.Chain("X", "unit", map[int]float64{2001: 0.1, 2003: 0.05, 2004: 0.02})
	assert.True(t, errors.Is(err, ErrGap))
	require.Equal(t, []int{2002, 2003, 2004}, years(s))

	boundary := s.Points[0]
	assert.True(t, boundary.Gap, "2002 has no rate")
	assert.Zero(t, boundary.Rate)
	assert.InDelta(t, 100/math.Exp(0.05), boundary.Value, 1e-9)

	base := s.Points[1]
	assert.False(t, base.Gap)
	assert.Equal(t, 0.05, base.Rate, "rate into the base year survives truncation")
}

func TestChainStartYearRateUnused(t *testing.T) {
	c := Chainer{StartYear: 2000, EndYear: 2001, BaseYear: 2000, BaseValue: 100, Policy: Fail}
	s, gaps, err := c.Chain("X", "s", map[int]float64{2001: 0})
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.Equal(t, 100.0, s.Points[1].Value)
}

func TestChainStrictlyPositive(t *testing.T) {
	rates := map[int]float64{}
	for y := 1990; y <= 2020; y++ {
		rates[y] = -0.5
	}
	c := Chainer{StartYear: 1989, EndYear: 2020, BaseYear: 2005, BaseValue: 100, Policy: Carry}
	s, _, err := c.Chain("X", "s", rates)
	require.NoError(t, err)
	require.Len(t, s.Points, 32)
	for _, p := range s.Points {
		assert.Greater(t, p.Value, 0.0, "year %d", p.Year)
	}
}

func TestChainerValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Chainer
	}{
		{"start after end", Chainer{StartYear: 2, EndYear: 1, BaseYear: 1, BaseValue: 1, Policy: Carry}},
		{"base outside", Chainer{StartYear: 1, EndYear: 2, BaseYear: 3, BaseValue: 1, Policy: Carry}},
		{"zero base value", Chainer{StartYear: 1, EndYear: 2, BaseYear: 1, Policy: Carry}},
		{"unknown policy", Chainer{StartYear: 1, EndYear: 2, BaseYear: 1, BaseValue: 1, Policy: "skip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.c.Validate())
			_, _, err := tt.c.Chain("X", "s", nil)
			assert.Error(t, err)
		})
	}
}

func TestParseGapPolicy(t *testing.T) {
	p, err := ParseGapPolicy("fail")
	require.NoError(t, err)
	assert.Equal(t, Fail, p)
	_, err = ParseGapPolicy("")
	assert.Error(t, err)
}
