// ABOUTME: Chat registry reducer implementing the chat lifecycle state machine
// ABOUTME: Also provides chat selectors used by the engine, reaper and gateway

package state

import (
	"sort"
	"time"
)

func reduceChats(d *draft, a ChatAction) {
	switch act := a.(type) {
	case InsertPendingChat:
		insertPendingChat(d, act)
	case SetChatOperator:
		setChatOperator(d, act)
	case SetChatMissed:
		setChatMissed(d, act)
	case SetOperatorChatsAbandoned:
		setOperatorChatsAbandoned(d, act)
	case SetChatsRecovered:
		setChatsRecovered(d, act)
	case TransferChat:
		transferChat(d, act)
	case CloseChat:
		closeChat(d, act)
	case RemoveChat:
		removeChat(d, act)
	case JoinChat:
		joinChat(d, act)
	case LeaveChat:
		leaveChat(d, act)
	case ReceiveMessage:
		receiveMessage(d, act)
	}
}

func insertPendingChat(d *draft, a InsertPendingChat) {
	if a.ChatID == "" {
		return
	}
	if existing, ok := d.chat(a.ChatID); ok && existing.Status != StatusClosed {
		return
	}
	d.putChat(Chat{
		ID:        a.ChatID,
		Status:    StatusPending,
		Customer:  a.Customer,
		Members:   make(map[string]map[string]bool),
		CreatedAt: d.now,
		UpdatedAt: d.now,
	})
}

func removeChat(d *draft, a RemoveChat) {
	c, ok := d.chat(a.ChatID)
	if !ok || c.Status != StatusClosed {
		return
	}
	if !a.ClosedBefore.IsZero() && (c.ClosedAt == nil || !c.ClosedAt.Before(a.ClosedBefore)) {
		return
	}
	d.deleteChat(a.ChatID)
}

// addOperatorConnections joins every live connection of the operator to c.
func addOperatorConnections(c Chat, op Operator) Chat {
	for _, id := range op.ConnectionIDs() {
		c = c.withMember(op.ID, id)
	}
	return c
}

func setChatOperator(d *draft, a SetChatOperator) {
	c, ok := d.chat(a.ChatID)
	if !ok || c.Status == StatusClosed {
		return
	}
	op, ok := d.operator(a.OperatorID)
	if !ok {
		return
	}
	if c.Status == StatusAssigned && c.Operator == op.ID {
		return
	}
	d.release(c)
	c.Operator = op.ID
	c.Status = StatusAssigned
	c.UpdatedAt = d.now
	c = addOperatorConnections(c, op)
	d.putChat(c)
	d.adjustLoad(op.ID, 1)
}

func setChatMissed(d *draft, a SetChatMissed) {
	c, ok := d.chat(a.ChatID)
	if !ok {
		return
	}
	switch c.Status {
	case StatusPending, StatusAssigned, StatusAbandoned:
	default:
		return
	}
	d.release(c)
	c.Status = StatusMissed
	c.Operator = ""
	c.UpdatedAt = d.now
	d.putChat(c)
}

func setOperatorChatsAbandoned(d *draft, a SetOperatorChatsAbandoned) {
	for _, c := range chatsWhere(d.chats, func(c Chat) bool {
		return c.Status == StatusAssigned && c.Operator == a.OperatorID
	}) {
		d.release(c)
		c.Status = StatusAbandoned
		c.UpdatedAt = d.now
		if _, ok := c.Members[a.OperatorID]; ok {
			c.Members = cloneMembers(c.Members)
			delete(c.Members, a.OperatorID)
		}
		d.putChat(c)
	}
}

func setChatsRecovered(d *draft, a SetChatsRecovered) {
	op, ok := d.operator(a.OperatorID)
	if !ok {
		return
	}
	for _, id := range a.ChatIDs {
		c, ok := d.chat(id)
		if !ok || c.Status != StatusAbandoned || c.Operator != op.ID {
			continue
		}
		c.Status = StatusAssigned
		c.UpdatedAt = d.now
		c = addOperatorConnections(c, op)
		d.putChat(c)
		d.adjustLoad(op.ID, 1)
	}
}

func transferChat(d *draft, a TransferChat) {
	c, ok := d.chat(a.ChatID)
	if !ok || c.Status == StatusClosed || a.From == a.To {
		return
	}
	to, ok := d.operator(a.To)
	if !ok {
		return
	}
	d.release(c)
	c.Operator = to.ID
	c.Status = StatusAssigned
	c.UpdatedAt = d.now
	c = addOperatorConnections(c, to)
	d.putChat(c)
	d.adjustLoad(to.ID, 1)
}

func closeChat(d *draft, a CloseChat) {
	c, ok := d.chat(a.ChatID)
	if !ok || c.Status == StatusClosed {
		return
	}
	d.release(c)
	closedAt := d.now
	c.Status = StatusClosed
	c.ClosedAt = &closedAt
	c.UpdatedAt = d.now
	c.Members = make(map[string]map[string]bool)
	d.putChat(c)
}

func joinChat(d *draft, a JoinChat) {
	c, ok := d.chat(a.ChatID)
	if !ok || c.Status == StatusClosed || a.OperatorID == "" || a.ConnID == "" {
		return
	}
	if c.Members[a.OperatorID][a.ConnID] {
		return
	}
	d.putChat(c.withMember(a.OperatorID, a.ConnID))
}

func leaveChat(d *draft, a LeaveChat) {
	c, ok := d.chat(a.ChatID)
	if !ok || !c.Members[a.OperatorID][a.ConnID] {
		return
	}
	d.putChat(c.withoutMember(a.OperatorID, a.ConnID))
}

func receiveMessage(d *draft, a ReceiveMessage) {
	c, ok := d.chat(a.ChatID)
	if !ok {
		return
	}
	at := a.Message.Timestamp
	if at.IsZero() {
		at = d.now
	}
	c.LastMessageAt = &at
	d.putChat(c)
}

// chatsWhere returns the matching chats ordered by creation time, then id.
func chatsWhere(chats map[string]Chat, match func(Chat) bool) []Chat {
	var out []Chat
	for _, c := range chats {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChatsWithStatus returns chats in the given status, oldest first.
func ChatsWithStatus(s SystemState, status ChatStatus) []Chat {
	return chatsWhere(s.Chats, func(c Chat) bool { return c.Status == status })
}

// AssignedChats returns the chats currently assigned to an operator.
func AssignedChats(s SystemState, operatorID string) []Chat {
	return chatsWhere(s.Chats, func(c Chat) bool {
		return c.Status == StatusAssigned && c.Operator == operatorID
	})
}

// OperatorAbandonedChats returns chats the operator held when it dropped.
func OperatorAbandonedChats(s SystemState, operatorID string) []Chat {
	return chatsWhere(s.Chats, func(c Chat) bool {
		return c.Status == StatusAbandoned && c.Operator == operatorID
	})
}

// MemberChats returns the chats an operator has at least one connection in.
func MemberChats(s SystemState, operatorID string) []Chat {
	return chatsWhere(s.Chats, func(c Chat) bool { return c.MemberCount(operatorID) > 0 })
}

// ClosedChatsOlderThan returns CLOSED chats whose close time is more than
// maxAge before now.
func ClosedChatsOlderThan(s SystemState, maxAge time.Duration, now time.Time) []Chat {
	return chatsWhere(s.Chats, func(c Chat) bool {
		return c.Status == StatusClosed && c.ClosedAt != nil && now.Sub(*c.ClosedAt) > maxAge
	})
}

// AbandonedChatsOlderThan returns chats that have been ABANDONED for more
// than maxAge.
func AbandonedChatsOlderThan(s SystemState, maxAge time.Duration, now time.Time) []Chat {
	return chatsWhere(s.Chats, func(c Chat) bool {
		return c.Status == StatusAbandoned && now.Sub(c.UpdatedAt) > maxAge
	})
}

// ChatIDs maps chats to their ids.
func ChatIDs(chats []Chat) []string {
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids
}
