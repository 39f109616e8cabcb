// ABOUTME: Store middlewares that turn transitions into notifications
// ABOUTME: Chat status changes, operator-left signals, presence loss and system status

package state

// ChatStatusNotifier dispatches NotifyChatStatusChanged for every chat whose
// status actually differs between the previous and next snapshot of a
// transition. Join, leave and message actions never change status and are
// skipped.
func ChatStatusNotifier() Middleware {
	return func(s *Store, next Dispatch) Dispatch {
		return func(a Action) Transition {
			t := next(a)
			if !t.Changed {
				return t
			}
			for _, id := range affectedChats(t) {
				before := t.Prev.Chats[id].Status
				after, ok := t.Next.Chats[id]
				if !ok || before == after.Status {
					continue
				}
				s.Dispatch(NotifyChatStatusChanged{
					ChatID:   id,
					Status:   after.Status,
					Previous: before,
				})
			}
			return t
		}
	}
}

// affectedChats returns the ids of chats whose status an action may change.
func affectedChats(t Transition) []string {
	switch a := t.Action.(type) {
	case InsertPendingChat:
		return []string{a.ChatID}
	case SetChatOperator:
		return []string{a.ChatID}
	case SetChatMissed:
		return []string{a.ChatID}
	case TransferChat:
		return []string{a.ChatID}
	case CloseChat:
		return []string{a.ChatID}
	case SetChatsRecovered:
		return a.ChatIDs
	case SetOperatorChatsAbandoned:
		return ChatIDs(AssignedChats(t.Prev, a.OperatorID))
	}
	return nil
}

// OperatorLeftNotifier dispatches NotifyOperatorLeft when an operator's
// member connection count in a chat drops from at least one to zero. Closing
// a chat empties its members without this signal.
func OperatorLeftNotifier() Middleware {
	return func(s *Store, next Dispatch) Dispatch {
		return func(a Action) Transition {
			t := next(a)
			if !t.Changed {
				return t
			}
			var operatorID string
			switch act := a.(type) {
			case LeaveChat:
				operatorID = act.OperatorID
			case RemoveConnection:
				operatorID = act.OperatorID
			case SetOperatorChatsAbandoned:
				operatorID = act.OperatorID
			default:
				return t
			}
			for _, c := range MemberChats(t.Prev, operatorID) {
				after, ok := t.Next.Chats[c.ID]
				if !ok || after.Status == StatusClosed || after.MemberCount(operatorID) > 0 {
					continue
				}
				s.Dispatch(NotifyOperatorLeft{ChatID: c.ID, OperatorID: operatorID})
			}
			return t
		}
	}
}

// OperatorPresence abandons an operator's assigned chats as soon as its last
// connection is removed.
func OperatorPresence() Middleware {
	return func(s *Store, next Dispatch) Dispatch {
		return func(a Action) Transition {
			t := next(a)
			rc, ok := a.(RemoveConnection)
			if !ok || !t.Changed {
				return t
			}
			before := t.Prev.Operators[rc.OperatorID]
			after := t.Next.Operators[rc.OperatorID]
			if before.Online && !after.Online {
				s.logger.Info("operator went offline", "operator_id", rc.OperatorID)
				s.Dispatch(SetOperatorChatsAbandoned{OperatorID: rc.OperatorID})
			}
			return t
		}
	}
}

// SystemStatusNotifier dispatches NotifySystemStatusChange when Accepting
// flips.
func SystemStatusNotifier() Middleware {
	return func(s *Store, next Dispatch) Dispatch {
		return func(a Action) Transition {
			t := next(a)
			if !t.Changed {
				return t
			}
			if before, after := Accepting(t.Prev), Accepting(t.Next); before != after {
				s.Dispatch(NotifySystemStatusChange{Accepting: after})
			}
			return t
		}
	}
}

// Observer calls fn after every dispatched action, notifications included.
func Observer(fn func(s *Store, t Transition)) Middleware {
	return func(s *Store, next Dispatch) Dispatch {
		return func(a Action) Transition {
			t := next(a)
			fn(s, t)
			return t
		}
	}
}

// DefaultMiddleware returns the notifiers every running store installs.
func DefaultMiddleware() []Middleware {
	return []Middleware{
		ChatStatusNotifier(),
		OperatorLeftNotifier(),
		OperatorPresence(),
		SystemStatusNotifier(),
	}
}
