// ABOUTME: Operator directory reducer: identities, presence, capacity and connections
// ABOUTME: Also provides capacity aggregates and eligibility selectors

package state

import (
	"encoding/json"
	"math"
	"sort"
)

func reduceOperators(d *draft, a OperatorAction) {
	switch act := a.(type) {
	case UpdateIdentity:
		updateIdentity(d, act)
	case RemoveConnection:
		removeConnection(d, act)
	case SetOperatorStatus:
		setOperatorStatus(d, act)
	case SetOperatorCapacity:
		setOperatorCapacity(d, act)
	}
}

func updateIdentity(d *draft, a UpdateIdentity) {
	if a.Identity.ID == "" {
		return
	}
	existing, found := d.operator(a.Identity.ID)
	op := existing
	if !found {
		op = Operator{
			Identity: Identity{ID: a.Identity.ID},
			Status:   OperatorOnline,
			Capacity: d.capacity,
		}
	}
	if a.Identity.Username != "" {
		op.Username = a.Identity.Username
	}
	if a.Identity.DisplayName != "" {
		op.DisplayName = a.Identity.DisplayName
	}
	if a.Identity.Picture != "" {
		op.Picture = a.Identity.Picture
	}
	if a.Status.Valid() {
		op.Status = a.Status
	}
	if a.Capacity != nil && *a.Capacity >= 0 {
		op.Capacity = *a.Capacity
	}
	if a.Load != nil && *a.Load >= 0 {
		op.Load = *a.Load
	}
	if a.ConnID != "" && !op.Connections[a.ConnID] {
		op.Connections = cloneSet(op.Connections)
		op.Connections[a.ConnID] = true
	}
	op.Online = len(op.Connections) > 0
	if found && operatorEqual(existing, op) {
		return
	}
	d.putOperator(op)
}

func removeConnection(d *draft, a RemoveConnection) {
	op, ok := d.operator(a.OperatorID)
	if !ok || !op.Connections[a.ConnID] {
		return
	}
	op.Connections = cloneSet(op.Connections)
	delete(op.Connections, a.ConnID)
	op.Online = len(op.Connections) > 0
	d.putOperator(op)

	for _, c := range chatsWhere(d.chats, func(c Chat) bool { return c.Members[a.OperatorID][a.ConnID] }) {
		d.putChat(c.withoutMember(a.OperatorID, a.ConnID))
	}
}

func setOperatorStatus(d *draft, a SetOperatorStatus) {
	if !a.Status.Valid() {
		return
	}
	op, ok := d.operator(a.Origin.OperatorID)
	if !ok || op.Status == a.Status {
		return
	}
	op.Status = a.Status
	d.putOperator(op)
}

func setOperatorCapacity(d *draft, a SetOperatorCapacity) {
	capacity, ok := capacityValue(a.Capacity)
	if !ok {
		return
	}
	op, ok := d.operator(a.Origin.OperatorID)
	if !ok || op.Capacity == capacity {
		return
	}
	op.Capacity = capacity
	d.putOperator(op)
}

// capacityValue accepts whole, non-negative numbers in any of the forms a
// decoded JSON payload or a Go caller may produce.
func capacityValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n >= 0
	case int32:
		return int(n), n >= 0
	case int64:
		return int(n), n >= 0 && n <= math.MaxInt32
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return capacityValue(i)
	}
	return 0, false
}

func cloneSet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func operatorEqual(a, b Operator) bool {
	if a.Identity != b.Identity || a.Status != b.Status || a.Online != b.Online ||
		a.Capacity != b.Capacity || a.Load != b.Load || len(a.Connections) != len(b.Connections) {
		return false
	}
	for id := range a.Connections {
		if !b.Connections[id] {
			return false
		}
	}
	return true
}

// Capacity is an aggregate of operator capacity and load.
type Capacity struct {
	Capacity int `json:"capacity"`
	Load     int `json:"load"`
}

// TotalCapacity sums capacity and load over online operators in the given
// status.
func TotalCapacity(s SystemState, status OperatorStatus) Capacity {
	var total Capacity
	for _, op := range s.Operators {
		if !op.Online || op.Status != status {
			continue
		}
		total.Capacity += op.Capacity
		total.Load += op.Load
	}
	return total
}

// Accepting reports whether new customers can be taken right now: the system
// flag is set and available operators have spare capacity.
func Accepting(s SystemState) bool {
	if !s.System.AcceptsCustomers {
		return false
	}
	total := TotalCapacity(s, OperatorAvailable)
	return total.Load < total.Capacity
}

// EligibleOperators returns operators the directory would accept as
// assignment winners, sorted by id.
func EligibleOperators(s SystemState) []Operator {
	var out []Operator
	for _, op := range s.Operators {
		if op.Eligible() {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineOperators returns every operator with at least one live connection,
// sorted by id.
func OnlineOperators(s SystemState) []Operator {
	var out []Operator
	for _, op := range s.Operators {
		if op.Online {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
