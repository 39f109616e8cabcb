// ABOUTME: Customer channel handler for WebSocket connections
// ABOUTME: Opens chats on the first message and relays typing and presence to operators and agents

package gateway

import (
	"context"
	"fmt"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/state"
)

// customerHandler serves customer connections. A customer's chat id is its
// session id; every connection of the same session shares one chat.
type customerHandler struct {
	g *Gateway
}

// sessionOf returns the chat id of a customer connection.
func sessionOf(c *conn.Connection) string {
	if c.Identity.SessionID != "" {
		return c.Identity.SessionID
	}
	return c.Identity.ID
}

func (h *customerHandler) Connected(ctx context.Context, c *conn.Connection) error {
	g := h.g
	chatID := sessionOf(c)
	g.hub.Join(c.ID, conn.CustomerRoom(chatID))
	g.hub.Join(c.ID, conn.RoomCustomers)

	if err := g.hub.Deliver(c.ID, conn.EventInit, c.Identity); err != nil {
		return err
	}
	if err := g.hub.Deliver(c.ID, conn.EventAccept, state.Accepting(g.store.State())); err != nil {
		return err
	}

	msgs, err := g.history.FindLog(ctx, history.ViewCustomer, chatID)
	if err != nil {
		g.logger.Warn("failed to load customer log", "chat_id", chatID, "error", err)
	} else if err := g.hub.Deliver(c.ID, conn.EventLog, msgs); err != nil {
		return err
	}

	g.hub.Broadcast(conn.RoomAgents, conn.EventCustomerJoin, map[string]string{"id": chatID}, c.Identity)
	return nil
}

func (h *customerHandler) HandleFrame(ctx context.Context, c *conn.Connection, f conn.Frame) (any, error) {
	g := h.g
	chatID := sessionOf(c)

	switch f.Event {
	case conn.EventMessage:
		var msg state.Message
		if err := f.Arg(0, &msg); err != nil {
			return nil, err
		}
		chat, err := h.ensureChat(c, chatID)
		if err != nil {
			return nil, err
		}
		res, err := g.router.Route(ctx, router.Customer, chat, c.Identity, msg)
		if err != nil {
			return nil, err
		}
		return res.Message, nil

	case conn.EventTyping:
		var text string
		if err := f.Arg(0, &text); err != nil {
			return nil, err
		}
		g.hub.Broadcast(conn.ChatRoom(chatID), conn.EventChatTyping, map[string]string{"id": chatID}, text)
		g.hub.Broadcast(conn.RoomAgents, conn.EventChatTyping, map[string]string{"id": chatID}, text)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", conn.ErrUnknownEvent, f.Event)
}

// ensureChat returns the customer's chat, opening a new pending one when
// none is open.
func (h *customerHandler) ensureChat(c *conn.Connection, chatID string) (state.Chat, error) {
	g := h.g
	st := g.store.State()
	if chat, ok := st.Chats[chatID]; ok && chat.Status != state.StatusClosed {
		return chat, nil
	}
	if !st.System.AcceptsCustomers {
		return state.Chat{}, ErrNotAccepting
	}
	customer := c.Identity
	customer.SessionID = chatID
	t := g.store.Dispatch(state.InsertPendingChat{ChatID: chatID, Customer: customer})
	chat, ok := t.Next.Chats[chatID]
	if !ok {
		return state.Chat{}, ErrChatNotFound
	}
	g.logger.Info("chat opened", "chat_id", chatID)
	return chat, nil
}

func (h *customerHandler) Disconnected(c *conn.Connection) {
	chatID := sessionOf(c)
	h.g.hub.Broadcast(conn.RoomAgents, conn.EventCustomerDisconn, map[string]string{"id": chatID})
}
