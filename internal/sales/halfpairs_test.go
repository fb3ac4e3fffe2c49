package sales

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func pair(id, tract string, first, second int) RepeatSalePair {
	return RepeatSalePair{PropertyID: id, CBSA: "X", Tract: tract, FirstYear: first, SecondYear: second, LogPriceRatio: 0.1}
}

func TestCountHalfPairs(t *testing.T) {
	pairs := []RepeatSalePair{
		pair("p1", "A", 2018, 2020),
		pair("p2", "A", 2020, 2021),
		pair("p3", "A", 2015, 2017),
		pair("p4", "A", 2019, 2020),
	}
	tests := []struct {
		year int
		want int
	}{
		{2020, 3},
		{2018, 1},
		{2016, 0},
		{2017, 1},
	}
	for _, tt := range tests {
		got := CountHalfPairs(pairs, tt.year)
		if got.Legs != tt.want {
			t.Errorf("CountHalfPairs(%d).Legs = %d, want %d", tt.year, got.Legs, tt.want)
		}
		if len(got.SamePeriod) != 0 {
			t.Errorf("CountHalfPairs(%d) flagged %d same-period pairs", tt.year, len(got.SamePeriod))
		}
	}
}

func TestCountHalfPairsFlagsSamePeriod(t *testing.T) {
	same := pair("p9", "A", 2020, 2020)
	pairs := []RepeatSalePair{pair("p1", "A", 2019, 2020), same}

	got := CountHalfPairs(pairs, 2020)
	if got.Legs != 1 {
		t.Errorf("Legs = %d, want 1 (same-period pair must not count)", got.Legs)
	}
	if diff := cmp.Diff([]RepeatSalePair{same}, got.SamePeriod); diff != "" {
		t.Errorf("SamePeriod mismatch (-want +got):\n%s", diff)
	}

	other := CountHalfPairs(pairs, 2019)
	if len(other.SamePeriod) != 0 {
		t.Errorf("same-period pair flagged in unrelated year")
	}
}

func TestTallyMatchesCountHalfPairs(t *testing.T) {
	pairs := []RepeatSalePair{
		pair("p1", "A", 2018, 2020),
		pair("p2", "B", 2020, 2021),
		pair("p3", "A", 2019, 2020),
		pair("p4", "C", 2019, 2019),
	}
	tally := NewTally(pairs)
	byTract := GroupByTract(pairs)

	for _, tract := range []string{"A", "B", "C"} {
		for year := 2017; year <= 2021; year++ {
			want := CountHalfPairs(byTract[tract], year).Legs
			if got := tally.Tract(tract, year); got != want {
				t.Errorf("Tally.Tract(%s, %d) = %d, want %d", tract, year, got, want)
			}
		}
	}

	if got := tally.Sum([]string{"A", "B"}, 2020); got != 3 {
		t.Errorf("Sum(A,B,2020) = %d, want 3", got)
	}
	if diff := cmp.Diff([]string{"A", "B"}, tally.Tracts()); diff != "" {
		t.Errorf("Tracts mismatch (-want +got):\n%s", diff)
	}
	if len(tally.SamePeriod()) != 1 {
		t.Errorf("SamePeriod() = %d pairs, want 1", len(tally.SamePeriod()))
	}
}

func TestYears(t *testing.T) {
	pairs := []RepeatSalePair{pair("p1", "A", 2018, 2020), pair("p2", "A", 2015, 2018)}
	if diff := cmp.Diff([]int{2015, 2018, 2020}, Years(pairs)); diff != "" {
		t.Errorf("Years mismatch (-want +got):\n%s", diff)
	}
}

func TestGroupByCBSA(t *testing.T) {
	a := RepeatSalePair{PropertyID: "1", CBSA: "10420"}
	b := RepeatSalePair{PropertyID: "2", CBSA: "19100"}
	c := RepeatSalePair{PropertyID: "3", CBSA: "10420"}
	got := GroupByCBSA([]RepeatSalePair{a, b, c})
	want := map[string][]RepeatSalePair{"10420": {a, c}, "19100": {b}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GroupByCBSA mismatch (-want +got):\n%s", diff)
	}
}
