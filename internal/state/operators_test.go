// ABOUTME: Tests for the operator directory reducer and capacity selectors
// ABOUTME: Covers identity merge, connections, status, capacity validation

package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduce_UpdateIdentityDefaults(t *testing.T) {
	s := apply(t, NewSystemState(), UpdateIdentity{
		Identity: Identity{ID: "op1", Username: "hermione", DisplayName: "Hermione", Picture: "url"},
	})

	op, ok := s.Operators["op1"]
	require.True(t, ok)
	assert.Equal(t, DefaultCapacity, op.Capacity)
	assert.Equal(t, 0, op.Load)
	assert.False(t, op.Online)
	assert.Equal(t, OperatorOnline, op.Status)
	assert.Equal(t, "Hermione", op.DisplayName)
}

func TestReduce_UpdateIdentityMerges(t *testing.T) {
	s := apply(t, NewSystemState(),
		UpdateIdentity{Identity: Identity{ID: "op1", Username: "hermione", Picture: "url"}, Capacity: intPtr(5)},
		UpdateIdentity{Identity: Identity{ID: "op1", DisplayName: "Hermione G"}, ConnID: "conn-a"},
	)
	op := s.Operators["op1"]
	assert.Equal(t, "hermione", op.Username)
	assert.Equal(t, "Hermione G", op.DisplayName)
	assert.Equal(t, "url", op.Picture)
	assert.Equal(t, 5, op.Capacity)
	assert.True(t, op.Online)
	assert.Equal(t, []string{"conn-a"}, op.ConnectionIDs())
}

func TestReduce_UpdateIdentityUnchangedIsNoop(t *testing.T) {
	s := apply(t, NewSystemState(), UpdateIdentity{Identity: Identity{ID: "op1", Username: "u"}, ConnID: "c"})
	_, changed := Reduce(s, UpdateIdentity{Identity: Identity{ID: "op1", Username: "u"}, ConnID: "c"}, testNow, DefaultCapacity)
	assert.False(t, changed)
}

func TestReduce_UpdateIdentityUsesStoreDefaultCapacity(t *testing.T) {
	s, _ := Reduce(NewSystemState(), UpdateIdentity{Identity: Identity{ID: "op1"}}, testNow, 7)
	assert.Equal(t, 7, s.Operators["op1"].Capacity)
}

func TestReduce_RemoveConnection(t *testing.T) {
	actions := withOperator("op1", "conn-a", "conn-b")
	actions = append(actions,
		InsertPendingChat{ChatID: "c1"},
		SetChatOperator{ChatID: "c1", OperatorID: "op1"},
		RemoveConnection{OperatorID: "op1", ConnID: "conn-a"},
	)
	s := apply(t, NewSystemState(), actions...)

	assert.True(t, s.Operators["op1"].Online)
	assert.Equal(t, []string{"conn-b"}, s.Chats["c1"].MemberConnections())

	s = apply(t, s, RemoveConnection{OperatorID: "op1", ConnID: "conn-b"})
	assert.False(t, s.Operators["op1"].Online)
	assert.Empty(t, s.Chats["c1"].Members)
	assert.Contains(t, s.Operators, "op1", "operators are never deleted")
}

func TestReduce_SetOperatorStatus(t *testing.T) {
	s := apply(t, NewSystemState(), withOperator("op1", "conn-a")...)
	origin := Origin{OperatorID: "op1", ConnID: "conn-a"}

	s = apply(t, s, SetOperatorStatus{Origin: origin, Status: OperatorAvailable})
	assert.Equal(t, OperatorAvailable, s.Operators["op1"].Status)

	_, changed := Reduce(s, SetOperatorStatus{Origin: origin, Status: "sleeping"}, testNow, DefaultCapacity)
	assert.False(t, changed)

	_, changed = Reduce(s, SetOperatorStatus{Origin: Origin{OperatorID: "ghost"}, Status: OperatorOffline}, testNow, DefaultCapacity)
	assert.False(t, changed)
}

func TestReduce_SetOperatorCapacity(t *testing.T) {
	origin := Origin{OperatorID: "op1"}
	tests := []struct {
		name     string
		value    any
		expected int
	}{
		{"int", 5, 5},
		{"float whole", float64(4), 4},
		{"json number", json.Number("6"), 6},
		{"zero", 0, 0},
		{"string ignored", "a", 3},
		{"fraction ignored", 2.5, 3},
		{"negative ignored", -1, 3},
		{"nil ignored", nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := apply(t, NewSystemState(), withOperator("op1", "conn-a")...)
			s = apply(t, s, SetOperatorCapacity{Origin: origin, Capacity: tt.value})
			assert.Equal(t, tt.expected, s.Operators["op1"].Capacity)
		})
	}
}

func TestReduce_SetAcceptsCustomers(t *testing.T) {
	s := apply(t, NewSystemState(), SetAcceptsCustomers{Accepts: false})
	assert.False(t, s.System.AcceptsCustomers)

	_, changed := Reduce(s, SetAcceptsCustomers{Accepts: false}, testNow, DefaultCapacity)
	assert.False(t, changed)
}

func TestReduce_NotificationsNeverChangeState(t *testing.T) {
	s := NewSystemState()
	for _, a := range []Action{
		NotifyChatStatusChanged{ChatID: "c1", Status: StatusPending},
		NotifyOperatorLeft{ChatID: "c1", OperatorID: "op1"},
		NotifySystemStatusChange{Accepting: true},
	} {
		_, changed := Reduce(s, a, testNow, DefaultCapacity)
		assert.False(t, changed, a.Type())
	}
}

func TestTotalCapacity(t *testing.T) {
	ops := []struct {
		id       string
		status   OperatorStatus
		capacity int
		load     int
	}{
		{"hermione", OperatorAvailable, 4, 1},
		{"ripley", OperatorAvailable, 1, 1},
		{"nausica", OperatorAvailable, 1, 0},
		{"furiosa", OperatorAvailable, 5, 0},
		{"river", OperatorAvailable, 6, 3},
		{"buffy", OperatorOffline, 20, 0},
	}
	s := NewSystemState()
	for _, op := range ops {
		s = apply(t, s, UpdateIdentity{
			Identity: Identity{ID: op.id},
			ConnID:   "conn-" + op.id,
			Status:   op.status,
			Capacity: intPtr(op.capacity),
			Load:     intPtr(op.load),
		})
	}

	total := TotalCapacity(s, OperatorAvailable)
	assert.Equal(t, 17, total.Capacity)
	assert.Equal(t, 5, total.Load)
	assert.True(t, Accepting(s))

	eligible := EligibleOperators(s)
	ids := make([]string, len(eligible))
	for i, op := range eligible {
		ids[i] = op.ID
	}
	assert.Equal(t, []string{"furiosa", "hermione", "nausica", "river"}, ids)
}

func TestAccepting(t *testing.T) {
	s := apply(t, NewSystemState(), UpdateIdentity{
		Identity: Identity{ID: "op1"},
		ConnID:   "conn-a",
		Status:   OperatorAvailable,
		Capacity: intPtr(1),
	})
	assert.True(t, Accepting(s))

	full := apply(t, s, UpdateIdentity{Identity: Identity{ID: "op1"}, Load: intPtr(1)})
	assert.False(t, Accepting(full))

	off := apply(t, s, SetAcceptsCustomers{Accepts: false})
	assert.False(t, Accepting(off))

	assert.False(t, Accepting(NewSystemState()), "no operators means no capacity")
}
