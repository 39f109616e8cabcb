// ABOUTME: Root reducer that routes each action category to its reducer
// ABOUTME: Copy-on-write draft so published snapshots are never mutated

package state

import (
	"time"
)

// draft accumulates changes to a SystemState without touching the maps of
// the base value. Maps are copied on first write.
type draft struct {
	base      SystemState
	chats     map[string]Chat
	operators map[string]Operator
	system    System
	changed   bool
	ownChats  bool
	ownOps    bool
	now       time.Time
	capacity  int
}

func newDraft(base SystemState, now time.Time, defaultCapacity int) *draft {
	return &draft{
		base:      base,
		chats:     base.Chats,
		operators: base.Operators,
		system:    base.System,
		now:       now,
		capacity:  defaultCapacity,
	}
}

func (d *draft) chat(id string) (Chat, bool) {
	c, ok := d.chats[id]
	return c, ok
}

func (d *draft) ownChatMap() {
	if d.ownChats {
		return
	}
	cp := make(map[string]Chat, len(d.chats)+1)
	for k, v := range d.chats {
		cp[k] = v
	}
	d.chats = cp
	d.ownChats = true
}

func (d *draft) putChat(c Chat) {
	d.ownChatMap()
	d.chats[c.ID] = c
	d.changed = true
}

func (d *draft) deleteChat(id string) {
	if _, ok := d.chats[id]; !ok {
		return
	}
	d.ownChatMap()
	delete(d.chats, id)
	d.changed = true
}

func (d *draft) operator(id string) (Operator, bool) {
	o, ok := d.operators[id]
	return o, ok
}

func (d *draft) putOperator(o Operator) {
	if !d.ownOps {
		cp := make(map[string]Operator, len(d.operators)+1)
		for k, v := range d.operators {
			cp[k] = v
		}
		d.operators = cp
		d.ownOps = true
	}
	d.operators[o.ID] = o
	d.changed = true
}

// adjustLoad changes an operator's load by delta, never going below zero.
func (d *draft) adjustLoad(operatorID string, delta int) {
	o, ok := d.operator(operatorID)
	if !ok {
		return
	}
	o.Load += delta
	if o.Load < 0 {
		o.Load = 0
	}
	d.putOperator(o)
}

// release drops the load a chat contributes to its holder, if any.
func (d *draft) release(c Chat) {
	if c.Status == StatusAssigned && c.Operator != "" {
		d.adjustLoad(c.Operator, -1)
	}
}

func (d *draft) setSystem(s System) {
	if s == d.system {
		return
	}
	d.system = s
	d.changed = true
}

func (d *draft) result() (SystemState, bool) {
	if !d.changed {
		return d.base, false
	}
	return SystemState{
		Chats:     d.chats,
		Operators: d.operators,
		System:    d.system,
	}, true
}

// Reduce applies a to s. It returns the next state and whether anything
// changed. The input state is never modified.
func Reduce(s SystemState, a Action, now time.Time, defaultCapacity int) (SystemState, bool) {
	d := newDraft(s.normalized(), now, defaultCapacity)
	switch act := a.(type) {
	case ChatAction:
		reduceChats(d, act)
	case OperatorAction:
		reduceOperators(d, act)
	case SystemAction:
		reduceSystem(d, act)
	case Notification:
	}
	return d.result()
}

func reduceSystem(d *draft, a SystemAction) {
	switch act := a.(type) {
	case SetAcceptsCustomers:
		sys := d.system
		sys.AcceptsCustomers = act.Accepts
		d.setSystem(sys)
	}
}
