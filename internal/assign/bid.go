// ABOUTME: Bids returned by operator connections and the selection policy over them
// ABOUTME: Lowest load/capacity ratio wins; ties go to larger capacity, then lower id

package assign

import (
	"sort"

	"github.com/2389/switchboard/internal/state"
)

// Bid is one operator's answer to an availability request.
type Bid struct {
	OperatorID string               `json:"id"`
	Status     state.OperatorStatus `json:"status"`
	Load       int                  `json:"load"`
	Capacity   int                  `json:"capacity"`
	// ConnID is the connection that answered. Not part of the payload.
	ConnID string `json:"-"`
}

// Eligible reports whether the bid may win: an assignable status and spare
// capacity.
func (b Bid) Eligible() bool {
	return b.Status.Assignable() && b.Capacity > 0 && b.Load < b.Capacity
}

// before orders bids by load/capacity ratio using integer cross
// multiplication, then larger capacity, then operator id.
func before(a, b Bid) bool {
	l, r := a.Load*b.Capacity, b.Load*a.Capacity
	if l != r {
		return l < r
	}
	if a.Capacity != b.Capacity {
		return a.Capacity > b.Capacity
	}
	return a.OperatorID < b.OperatorID
}

// Rank returns the eligible bids, best first.
func Rank(bids []Bid) []Bid {
	out := make([]Bid, 0, len(bids))
	for _, b := range bids {
		if b.Eligible() {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Select returns the winning bid, if any bid is eligible.
func Select(bids []Bid) (Bid, bool) {
	ranked := Rank(bids)
	if len(ranked) == 0 {
		return Bid{}, false
	}
	return ranked[0], true
}
