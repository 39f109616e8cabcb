// ABOUTME: Operator console handler for WebSocket connections
// ABOUTME: Registers presence, subscribes to state sync and serves chat join, close and transfer

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/switchboard/internal/assign"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/state"
)

// ErrChatClosed is returned for operator events on a closed chat.
var ErrChatClosed = errors.New("chat is closed")

// operatorHandler serves operator consoles.
type operatorHandler struct {
	g *Gateway
}

func originOf(c *conn.Connection) state.Origin {
	return state.Origin{OperatorID: c.Identity.ID, ConnID: c.ID}
}

func (h *operatorHandler) Connected(ctx context.Context, c *conn.Connection) error {
	g := h.g
	opID := c.Identity.ID

	g.store.Dispatch(state.UpdateIdentity{Identity: c.Identity, ConnID: c.ID})
	g.hub.Join(c.ID, conn.OperatorRoom(opID))
	if err := g.hub.Deliver(c.ID, conn.EventInit, c.Identity); err != nil {
		return err
	}
	g.sync.Register(originOf(c))

	// A new console of an operator already holding chats joins them too.
	for _, chat := range state.AssignedChats(g.store.State(), opID) {
		if err := h.join(ctx, c, chat.ID); err != nil {
			g.logger.Warn("failed to rejoin chat", "chat_id", chat.ID, "operator_id", opID, "error", err)
		}
	}

	g.spawn(func(ctx context.Context) {
		g.engine.Recover(ctx, opID)
		g.signalAssignNext()
	})
	g.logger.Info("operator connected", "operator_id", opID, "conn_id", c.ID)
	return nil
}

func (h *operatorHandler) HandleFrame(ctx context.Context, c *conn.Connection, f conn.Frame) (any, error) {
	g := h.g

	switch f.Event {
	case conn.EventBroadcastState:
		version, st := g.sync.FullState()
		return map[string]any{"version": version, "state": st}, nil

	case conn.EventBroadcastDispatch:
		if len(f.Args) == 0 {
			return nil, fmt.Errorf("%s: missing action", f.Event)
		}
		t, err := g.sync.RemoteDispatch(ctx, originOf(c), f.Args[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": t.Version, "changed": t.Changed}, nil

	case conn.EventStatus:
		var status state.OperatorStatus
		if err := f.Arg(0, &status); err != nil {
			return nil, err
		}
		if !status.Valid() {
			return nil, fmt.Errorf("invalid status %q", status)
		}
		g.store.Dispatch(state.WithOrigin(state.SetOperatorStatus{Status: status}, originOf(c)))
		return status, nil

	case conn.EventCapacity:
		var capacity any
		if err := f.Arg(0, &capacity); err != nil {
			return nil, err
		}
		t := g.store.Dispatch(state.WithOrigin(state.SetOperatorCapacity{Capacity: capacity}, originOf(c)))
		return t.Next.Operators[c.Identity.ID].Capacity, nil

	case conn.EventChatJoin:
		chatID, err := chatArg(f)
		if err != nil {
			return nil, err
		}
		return nil, h.join(ctx, c, chatID)

	case conn.EventChatLeave:
		chatID, err := chatArg(f)
		if err != nil {
			return nil, err
		}
		g.store.Dispatch(state.LeaveChat{ChatID: chatID, OperatorID: c.Identity.ID, ConnID: c.ID})
		g.hub.Leave(c.ID, conn.ChatRoom(chatID))
		return nil, g.hub.Deliver(c.ID, conn.EventChatLeave, map[string]string{"id": chatID})

	case conn.EventChatClose:
		chatID, err := chatArg(f)
		if err != nil {
			return nil, err
		}
		return nil, h.close(ctx, c, chatID)

	case conn.EventChatTransfer:
		chatID, err := chatArg(f)
		if err != nil {
			return nil, err
		}
		var toID string
		if err := f.Arg(1, &toID); err != nil {
			return nil, err
		}
		return g.engine.Transfer(ctx, chatID, "", toID)

	case conn.EventMessage:
		chatID, err := chatArg(f)
		if err != nil {
			return nil, err
		}
		var msg state.Message
		if err := f.Arg(1, &msg); err != nil {
			return nil, err
		}
		chat, err := h.openChat(chatID)
		if err != nil {
			return nil, err
		}
		res, err := g.router.Route(ctx, router.Operator, chat, c.Identity, msg)
		if err != nil {
			return nil, err
		}
		return res.Message, nil

	case conn.EventChatTyping:
		chatID, err := chatArg(f)
		if err != nil {
			return nil, err
		}
		var text string
		if err := f.Arg(1, &text); err != nil {
			return nil, err
		}
		who := map[string]string{"id": c.Identity.ID, "displayName": c.Identity.DisplayName}
		g.hub.Broadcast(conn.CustomerRoom(chatID), conn.EventTyping, who, text)
		g.hub.Broadcast(conn.ChatRoom(chatID), conn.EventChatTyping, map[string]string{"id": chatID}, text)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", conn.ErrUnknownEvent, f.Event)
}

// chatArg reads the chat id from the first argument, given either as a
// string or as a chat object.
func chatArg(f conn.Frame) (string, error) {
	if len(f.Args) == 0 {
		return "", fmt.Errorf("%s: missing chat", f.Event)
	}
	var id string
	if err := json.Unmarshal(f.Args[0], &id); err == nil && id != "" {
		return id, nil
	}
	var chat struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.Args[0], &chat); err != nil || chat.ID == "" {
		return "", fmt.Errorf("%s: invalid chat argument", f.Event)
	}
	return chat.ID, nil
}

// openChat returns a chat that exists and is not closed.
func (h *operatorHandler) openChat(chatID string) (state.Chat, error) {
	chat, ok := h.g.store.State().Chats[chatID]
	if !ok {
		return state.Chat{}, ErrChatNotFound
	}
	if chat.Status == state.StatusClosed {
		return state.Chat{}, ErrChatClosed
	}
	return chat, nil
}

// join adds the connection to a chat room and sends it the chat and its
// operator log.
func (h *operatorHandler) join(ctx context.Context, c *conn.Connection, chatID string) error {
	g := h.g
	if _, err := h.openChat(chatID); err != nil {
		return err
	}
	t := g.store.Dispatch(state.JoinChat{ChatID: chatID, OperatorID: c.Identity.ID, ConnID: c.ID})
	g.hub.Join(c.ID, conn.ChatRoom(chatID))

	chat := t.Next.Chats[chatID]
	if err := g.hub.Deliver(c.ID, conn.EventChatOpen, chat); err != nil {
		return err
	}
	msgs, err := g.history.FindLog(ctx, history.ViewOperator, chatID)
	if err != nil {
		g.logger.Warn("failed to load operator log", "chat_id", chatID, "error", err)
		return nil
	}
	return g.hub.Deliver(c.ID, conn.EventLog, chat, msgs)
}

// close ends a chat on behalf of an operator, tells the customer and the
// operators in the room, then empties the room.
func (h *operatorHandler) close(ctx context.Context, c *conn.Connection, chatID string) error {
	g := h.g
	before, err := h.openChat(chatID)
	if err != nil {
		return err
	}

	op := g.store.State().Operators[c.Identity.ID]
	name := op.DisplayName
	if name == "" {
		name = c.Identity.ID
	}
	g.postEvent(ctx, chatID, c.Identity.ID, fmt.Sprintf("Chat closed by %s", name), map[string]any{
		"event_type": "close",
		"operator":   assign.Snapshot(op),
	})

	t := g.store.Dispatch(state.CloseChat{ChatID: chatID, OperatorID: c.Identity.ID})
	chat := t.Next.Chats[chatID]
	g.hub.Broadcast(conn.ChatRoom(chatID), conn.EventChatClose, chat)
	g.hub.Broadcast(conn.CustomerRoom(chatID), conn.EventChatClose, chat)
	for _, connID := range before.MemberConnections() {
		g.hub.Leave(connID, conn.ChatRoom(chatID))
	}
	g.logger.Info("chat closed", "chat_id", chatID, "operator_id", c.Identity.ID)
	return nil
}

func (h *operatorHandler) Disconnected(c *conn.Connection) {
	g := h.g
	g.sync.Unregister(c.ID)
	g.store.Dispatch(state.RemoveConnection{OperatorID: c.Identity.ID, ConnID: c.ID})
	g.logger.Info("operator disconnected", "operator_id", c.Identity.ID, "conn_id", c.ID)
}
