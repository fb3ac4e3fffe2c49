package pipeline

import (
	"fmt"
	"strings"
)

// InvariantError is a structural failure that aborts the run: a partition
// that is not disjoint and exhaustive, or a merge loop that fails to
// terminate. It carries the CBSA, year and unit ids involved.
type InvariantError struct {
	CBSA   string
	Year   int
	Units  []string
	Reason string
	Err    error
}

func (e *InvariantError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invariant violated: cbsa=%s year=%d", e.CBSA, e.Year)
	if len(e.Units) > 0 {
		fmt.Fprintf(&b, " units=%s", strings.Join(e.Units, ","))
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *InvariantError) Unwrap() error { return e.Err }
