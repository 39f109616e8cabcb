// Package state holds the single source of truth for the switchboard: every
// chat, every operator and the global system flags.
//
// # Overview
//
// All mutations are expressed as actions and applied by pure reducers inside
// a single-writer Store:
//
//	store := state.NewStore(state.NewSystemState(),
//	    state.WithDefaultCapacity(3),
//	    state.WithMiddleware(state.DefaultMiddleware()...),
//	)
//	store.Dispatch(state.InsertPendingChat{ChatID: "session-1", Customer: customer})
//
// Reducers never modify the state they are given. A transition that changes
// nothing leaves the version untouched.
//
// # Chat Lifecycle
//
// Chats move through these statuses:
//
//   - pending: opened by the first customer message, waiting for an operator
//   - assigned: held by exactly one operator
//   - missed: no operator could take it
//   - abandoned: the holder lost every connection
//   - closed: ended explicitly; removed later by the reaper
//
// An operator's load always equals the number of assigned chats it holds.
// Entering assigned increments it, leaving assigned decrements it.
//
// # Actions
//
// Actions form a closed set grouped by category:
//
//   - ChatAction: registry changes (insert, assign, miss, abandon, recover,
//     transfer, close, remove, join, leave, receive)
//   - OperatorAction: directory changes (identity, connections, status, capacity)
//   - SystemAction: global flags
//   - Notification: informational, never changes state
//
// SetOperatorStatus, SetOperatorCapacity and SetAcceptsCustomers are the only
// RemoteAction types an operator console may submit.
//
// # Middleware
//
// Middlewares wrap dispatch, run outside the store lock and may dispatch
// further actions. DefaultMiddleware installs:
//
//   - ChatStatusNotifier: one NotifyChatStatusChanged per real status change
//   - OperatorLeftNotifier: NotifyOperatorLeft when an operator's last
//     connection leaves a chat
//   - OperatorPresence: abandons chats when an operator goes offline
//   - SystemStatusNotifier: NotifySystemStatusChange when Accepting flips
//
// # Subscriptions
//
// Subscribe delivers every changing transition in version order through an
// unbounded per-subscriber queue. Transitions are queued while the store lock
// is held so no subscriber ever sees versions out of order.
package state
