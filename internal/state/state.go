// ABOUTME: SystemState aggregate root and the entity types it owns
// ABOUTME: Chats, operators, messages and the global system flags

package state

import (
	"sort"
	"time"
)

// ChatStatus is the lifecycle state of a chat.
type ChatStatus string

const (
	StatusPending   ChatStatus = "pending"
	StatusAssigned  ChatStatus = "assigned"
	StatusMissed    ChatStatus = "missed"
	StatusAbandoned ChatStatus = "abandoned"
	StatusClosed    ChatStatus = "closed"
)

// OperatorStatus is the presence an operator chose for themselves.
type OperatorStatus string

const (
	OperatorOnline    OperatorStatus = "online"
	OperatorAvailable OperatorStatus = "available"
	OperatorOffline   OperatorStatus = "offline"
)

// Valid reports whether s is one of the known operator statuses.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorOnline, OperatorAvailable, OperatorOffline:
		return true
	}
	return false
}

// Assignable reports whether an operator in this status may receive new chats.
func (s OperatorStatus) Assignable() bool {
	return s == OperatorOnline || s == OperatorAvailable
}

// AuthorType identifies which class of participant wrote a message.
type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorOperator AuthorType = "operator"
	AuthorAgent    AuthorType = "agent"
	AuthorSystem   AuthorType = "system"
)

// MessageType distinguishes plain messages from structured system events.
type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeEvent   MessageType = "event"
)

// DefaultCapacity is the capacity given to operators that never set one.
const DefaultCapacity = 3

// Identity is an authenticated participant as returned by an authenticator.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Picture     string `json:"picture"`
	SessionID   string `json:"session_id,omitempty"`
}

// Message is a single chat message or system event.
type Message struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Text       string         `json:"text"`
	AuthorType AuthorType     `json:"author_type"`
	AuthorID   string         `json:"author_id"`
	SessionID  string         `json:"session_id"`
	Type       MessageType    `json:"type,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Chat is one customer support conversation, keyed by the customer session id.
type Chat struct {
	ID       string     `json:"id"`
	Status   ChatStatus `json:"status"`
	Customer Identity   `json:"customer"`
	// Operator is the id of the assigned (or last assigned) operator.
	Operator string `json:"operator,omitempty"`
	// Members maps operator id to the set of that operator's connection ids
	// joined to the chat room.
	Members       map[string]map[string]bool `json:"members"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
	ClosedAt      *time.Time                 `json:"closed_at,omitempty"`
	LastMessageAt *time.Time                 `json:"last_message_at,omitempty"`
}

// MemberConnections returns the sorted connection ids of every member.
func (c Chat) MemberConnections() []string {
	var ids []string
	for _, conns := range c.Members {
		for id := range conns {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// MemberCount returns how many connections operatorID has joined to the chat.
func (c Chat) MemberCount(operatorID string) int {
	return len(c.Members[operatorID])
}

func (c Chat) withMember(operatorID, connID string) Chat {
	c.Members = cloneMembers(c.Members)
	conns := c.Members[operatorID]
	if conns == nil {
		conns = make(map[string]bool)
		c.Members[operatorID] = conns
	}
	conns[connID] = true
	return c
}

func (c Chat) withoutMember(operatorID, connID string) Chat {
	c.Members = cloneMembers(c.Members)
	conns := c.Members[operatorID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(c.Members, operatorID)
	}
	return c
}

func cloneMembers(m map[string]map[string]bool) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(m))
	for op, conns := range m {
		cp := make(map[string]bool, len(conns))
		for id := range conns {
			cp[id] = true
		}
		out[op] = cp
	}
	return out
}

// Operator is a human agent that can be assigned chats.
type Operator struct {
	Identity
	Status   OperatorStatus `json:"status"`
	Online   bool           `json:"online"`
	Capacity int            `json:"capacity"`
	Load     int            `json:"load"`
	// Connections is the set of live connection ids.
	Connections map[string]bool `json:"connections"`
}

// ConnectionIDs returns the operator's live connection ids in sorted order.
func (o Operator) ConnectionIDs() []string {
	ids := make([]string, 0, len(o.Connections))
	for id := range o.Connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Eligible reports whether the directory considers the operator assignable.
func (o Operator) Eligible() bool {
	return o.Online && o.Status.Assignable() && o.Capacity > 0 && o.Load < o.Capacity
}

// System holds global flags.
type System struct {
	AcceptsCustomers bool `json:"acceptsCustomers"`
}

// SystemState is the single source of truth. Values handed out by the Store
// share maps with the Store and must be treated as read-only.
type SystemState struct {
	Chats     map[string]Chat     `json:"chats"`
	Operators map[string]Operator `json:"operators"`
	System    System              `json:"system"`
}

// NewSystemState returns an empty state that accepts customers.
func NewSystemState() SystemState {
	return SystemState{
		Chats:     make(map[string]Chat),
		Operators: make(map[string]Operator),
		System:    System{AcceptsCustomers: true},
	}
}

func (s SystemState) normalized() SystemState {
	if s.Chats == nil {
		s.Chats = make(map[string]Chat)
	}
	if s.Operators == nil {
		s.Operators = make(map[string]Operator)
	}
	return s
}
