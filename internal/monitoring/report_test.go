package monitoring

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReport_ConditionsSorted(t *testing.T) {
	SetLogger(nil)
	defer SetLogger(nil)

	var r Report
	r.Add(Condition{Kind: RegressionSingularity, CBSA: "B", Year: 2020, Units: []string{"B_2020_ST0001"}})
	r.Add(Condition{Kind: ChainGap, CBSA: "A", Year: 2019, Scheme: "sample"})
	r.Add(Condition{Kind: RegressionSingularity, CBSA: "A", Year: 2021})
	r.Add(Condition{Kind: RegressionSingularity, CBSA: "A", Year: 2020})

	got := r.Conditions()
	want := []Condition{
		{Kind: ChainGap, CBSA: "A", Year: 2019, Scheme: "sample"},
		{Kind: RegressionSingularity, CBSA: "A", Year: 2020},
		{Kind: RegressionSingularity, CBSA: "A", Year: 2021},
		{Kind: RegressionSingularity, CBSA: "B", Year: 2020, Units: []string{"B_2020_ST0001"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Conditions() mismatch (-want +got):\n%s", diff)
	}
}

func TestReport_ConcurrentAdd(t *testing.T) {
	SetLogger(nil)
	defer SetLogger(nil)

	var r Report
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add(Condition{Kind: ChainGap, Year: 2000 + i})
		}(i)
	}
	wg.Wait()

	if got := r.Counts()[ChainGap]; got != 50 {
		t.Errorf("Counts()[ChainGap] = %d, want 50", got)
	}
	if got := len(r.Conditions()); got != 50 {
		t.Errorf("len(Conditions()) = %d, want 50", got)
	}
}

func TestCondition_String(t *testing.T) {
	c := Condition{Kind: PartitionDegenerate, CBSA: "10420", Year: 2015, Detail: "aggregate 12 < 40"}
	want := "partition_degenerate cbsa=10420 year=2015: aggregate 12 < 40"
	if got := c.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
