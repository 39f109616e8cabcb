// ABOUTME: Closed set of actions accepted by the Store, grouped by category
// ABOUTME: Chat, operator and system actions mutate state; notifications only inform middlewares

package state

import "time"

// Action type names. Remote consoles address actions by these names.
const (
	TypeInsertPendingChat         = "INSERT_PENDING_CHAT"
	TypeSetChatOperator           = "SET_CHAT_OPERATOR"
	TypeSetChatMissed             = "SET_CHAT_MISSED"
	TypeSetOperatorChatsAbandoned = "SET_OPERATOR_CHATS_ABANDONED"
	TypeSetChatsRecovered         = "SET_CHATS_RECOVERED"
	TypeTransferChat              = "TRANSFER_CHAT"
	TypeCloseChat                 = "CLOSE_CHAT"
	TypeRemoveChat                = "REMOVE_CHAT"
	TypeJoinChat                  = "OPERATOR_CHAT_JOIN"
	TypeLeaveChat                 = "OPERATOR_CHAT_LEAVE"
	TypeReceiveMessage            = "OPERATOR_RECEIVE_MESSAGE"

	TypeUpdateIdentity      = "UPDATE_IDENTITY"
	TypeRemoveConnection    = "REMOVE_USER_SOCKET"
	TypeSetOperatorStatus   = "SET_OPERATOR_STATUS"
	TypeSetOperatorCapacity = "SET_OPERATOR_CAPACITY"

	TypeSetAcceptsCustomers = "SET_SYSTEM_ACCEPTS_CUSTOMERS"

	TypeNotifyChatStatusChanged  = "NOTIFY_CHAT_STATUS_CHANGED"
	TypeNotifyOperatorLeft       = "NOTIFY_OPERATOR_LEFT"
	TypeNotifySystemStatusChange = "NOTIFY_SYSTEM_STATUS_CHANGE"
)

// Action is anything the Store accepts. The set is closed: only types in this
// package implement it.
type Action interface {
	Type() string
	isAction()
}

// ChatAction mutates the chat registry.
type ChatAction interface {
	Action
	isChatAction()
}

// OperatorAction mutates the operator directory.
type OperatorAction interface {
	Action
	isOperatorAction()
}

// SystemAction mutates global flags.
type SystemAction interface {
	Action
	isSystemAction()
}

// Notification carries an event to middlewares and never changes state.
type Notification interface {
	Action
	isNotification()
}

// Origin identifies the operator connection that submitted a remote action.
type Origin struct {
	OperatorID string `json:"operator_id"`
	ConnID     string `json:"conn_id"`
}

// RemoteAction is an action that an operator console may submit.
type RemoteAction interface {
	Action
	withOrigin(Origin) Action
}

// WithOrigin returns a copy of a tagged with the submitting connection. Any
// origin present in the payload is overwritten.
func WithOrigin(a RemoteAction, o Origin) Action {
	return a.withOrigin(o)
}

type chatAction struct{}

func (chatAction) isAction()     {}
func (chatAction) isChatAction() {}

type operatorAction struct{}

func (operatorAction) isAction()         {}
func (operatorAction) isOperatorAction() {}

type systemAction struct{}

func (systemAction) isAction()       {}
func (systemAction) isSystemAction() {}

type notification struct{}

func (notification) isAction()       {}
func (notification) isNotification() {}

// InsertPendingChat opens a chat for a customer session. A CLOSED chat with
// the same id is reopened.
type InsertPendingChat struct {
	chatAction
	ChatID   string
	Customer Identity
}

func (InsertPendingChat) Type() string { return TypeInsertPendingChat }

// SetChatOperator records the winner of an assignment.
type SetChatOperator struct {
	chatAction
	ChatID     string
	OperatorID string
}

func (SetChatOperator) Type() string { return TypeSetChatOperator }

// SetChatMissed marks a chat that no operator could take.
type SetChatMissed struct {
	chatAction
	ChatID string
	Reason string
}

func (SetChatMissed) Type() string { return TypeSetChatMissed }

// SetOperatorChatsAbandoned moves every chat assigned to an operator to ABANDONED.
type SetOperatorChatsAbandoned struct {
	chatAction
	OperatorID string
}

func (SetOperatorChatsAbandoned) Type() string { return TypeSetOperatorChatsAbandoned }

// SetChatsRecovered restores abandoned chats to the operator that held them.
type SetChatsRecovered struct {
	chatAction
	OperatorID string
	ChatIDs    []string
}

func (SetChatsRecovered) Type() string { return TypeSetChatsRecovered }

// TransferChat moves a chat between operators without bidding.
type TransferChat struct {
	chatAction
	ChatID string
	From   string
	To     string
}

func (TransferChat) Type() string { return TypeTransferChat }

// CloseChat ends a conversation. OperatorID is empty for automatic closes.
type CloseChat struct {
	chatAction
	ChatID     string
	OperatorID string
}

func (CloseChat) Type() string { return TypeCloseChat }

// RemoveChat deletes a CLOSED chat from the registry. When ClosedBefore is
// set the chat must also have been closed before it; a chat reopened or
// closed again since the caller looked is kept.
type RemoveChat struct {
	chatAction
	ChatID       string
	ClosedBefore time.Time
}

func (RemoveChat) Type() string { return TypeRemoveChat }

// JoinChat adds one operator connection to a chat room.
type JoinChat struct {
	chatAction
	ChatID     string
	OperatorID string
	ConnID     string
}

func (JoinChat) Type() string { return TypeJoinChat }

// LeaveChat removes one operator connection from a chat room.
type LeaveChat struct {
	chatAction
	ChatID     string
	OperatorID string
	ConnID     string
}

func (LeaveChat) Type() string { return TypeLeaveChat }

// ReceiveMessage pushes a routed message into the operators' view of a chat.
type ReceiveMessage struct {
	chatAction
	ChatID  string
	Message Message
}

func (ReceiveMessage) Type() string { return TypeReceiveMessage }

// UpdateIdentity registers or merges an operator record. A non-empty ConnID
// adds a live connection. Nil Capacity/Load and empty Status keep the
// existing values (or defaults for a new record).
type UpdateIdentity struct {
	operatorAction
	Identity Identity
	ConnID   string
	Status   OperatorStatus
	Capacity *int
	Load     *int
}

func (UpdateIdentity) Type() string { return TypeUpdateIdentity }

// RemoveConnection drops one live connection of an operator.
type RemoveConnection struct {
	operatorAction
	OperatorID string
	ConnID     string
}

func (RemoveConnection) Type() string { return TypeRemoveConnection }

// SetOperatorStatus changes the submitting operator's status.
type SetOperatorStatus struct {
	operatorAction
	Origin Origin         `json:"-"`
	Status OperatorStatus `json:"status"`
}

func (SetOperatorStatus) Type() string { return TypeSetOperatorStatus }

func (a SetOperatorStatus) withOrigin(o Origin) Action {
	a.Origin = o
	return a
}

// SetOperatorCapacity changes the submitting operator's capacity. Values that
// are not non-negative integers are ignored.
type SetOperatorCapacity struct {
	operatorAction
	Origin   Origin `json:"-"`
	Capacity any    `json:"capacity"`
}

func (SetOperatorCapacity) Type() string { return TypeSetOperatorCapacity }

func (a SetOperatorCapacity) withOrigin(o Origin) Action {
	a.Origin = o
	return a
}

// SetAcceptsCustomers toggles whether new chats may be created.
type SetAcceptsCustomers struct {
	systemAction
	Origin  Origin `json:"-"`
	Accepts bool   `json:"accepts"`
}

func (SetAcceptsCustomers) Type() string { return TypeSetAcceptsCustomers }

func (a SetAcceptsCustomers) withOrigin(o Origin) Action {
	a.Origin = o
	return a
}

// NotifyChatStatusChanged is emitted once per actual chat status change.
type NotifyChatStatusChanged struct {
	notification
	ChatID   string
	Status   ChatStatus
	Previous ChatStatus
}

func (NotifyChatStatusChanged) Type() string { return TypeNotifyChatStatusChanged }

// NotifyOperatorLeft is emitted when an operator's last connection leaves a chat.
type NotifyOperatorLeft struct {
	notification
	ChatID     string
	OperatorID string
}

func (NotifyOperatorLeft) Type() string { return TypeNotifyOperatorLeft }

// NotifySystemStatusChange is emitted when the system starts or stops
// accepting customers.
type NotifySystemStatusChange struct {
	notification
	Accepting bool
}

func (NotifySystemStatusChange) Type() string { return TypeNotifySystemStatusChange }
