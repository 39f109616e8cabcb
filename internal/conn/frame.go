// ABOUTME: Wire frame shared by every transport and the event names carried in it
// ABOUTME: Requests carry an id; replies carry reply_to and either a result or an error

package conn

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged with connected clients.
const (
	EventInit              = "init"
	EventMessage           = "message"
	EventReceive           = "receive"
	EventTyping            = "typing"
	EventChatTyping        = "chat.typing"
	EventLog               = "log"
	EventAccept            = "accept"
	EventStatus            = "status"
	EventCapacity          = "capacity"
	EventAvailable         = "available"
	EventChatOpen          = "chat.open"
	EventChatJoin          = "chat.join"
	EventChatLeave         = "chat.leave"
	EventChatClose         = "chat.close"
	EventChatTransfer      = "chat.transfer"
	EventChatOnline        = "chat.online"
	EventBroadcastState    = "broadcast.state"
	EventBroadcastUpdate   = "broadcast.update"
	EventBroadcastDispatch = "broadcast.dispatch"
	EventCustomerJoin      = "customer.join"
	EventCustomerDisconn   = "customer.disconnect"
	EventSystemInfo        = "system.info"
	EventUnauthorized      = "unauthorized"
)

// Frame is one unit on the wire.
type Frame struct {
	Event   string            `json:"event,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	ID      string            `json:"id,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// IsReply reports whether the frame answers an earlier request.
func (f Frame) IsReply() bool {
	return f.ReplyTo != ""
}

// NewFrame encodes args into a frame for event.
func NewFrame(event string, args ...any) (Frame, error) {
	f := Frame{Event: event}
	if len(args) == 0 {
		return f, nil
	}
	f.Args = make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		f.Args[i] = raw
	}
	return f, nil
}

// NewReply builds the reply to request id. A non-nil err is sent as the
// error string and result is dropped.
func NewReply(id string, result any, err error) (Frame, error) {
	f := Frame{ReplyTo: id}
	if err != nil {
		f.Error = err.Error()
		return f, nil
	}
	if result == nil {
		return f, nil
	}
	raw, merr := json.Marshal(result)
	if merr != nil {
		return Frame{}, fmt.Errorf("encode reply: %w", merr)
	}
	f.Result = raw
	return f, nil
}

// Arg decodes argument i into v. A missing argument leaves v untouched.
func (f Frame) Arg(i int, v any) error {
	if i >= len(f.Args) {
		return nil
	}
	if err := json.Unmarshal(f.Args[i], v); err != nil {
		return fmt.Errorf("decode %s arg %d: %w", f.Event, i, err)
	}
	return nil
}
