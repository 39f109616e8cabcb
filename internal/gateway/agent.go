// ABOUTME: Agent channel handler for backend bots connected over gRPC
// ABOUTME: Answers system info requests and routes agent messages into chats

package gateway

import (
	"context"
	"fmt"
	"sort"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/router"
	"github.com/2389/switchboard/internal/state"
)

// agentHandler serves backend agents. Agents see every chat.
type agentHandler struct {
	g *Gateway
}

// SystemInfo is the reply to an agent's system.info request.
type SystemInfo struct {
	Operators []state.Operator `json:"operators"`
	Chats     []state.Chat     `json:"chats"`
}

func (h *agentHandler) Connected(_ context.Context, c *conn.Connection) error {
	h.g.hub.Join(c.ID, conn.RoomAgents)
	h.g.logger.Info("agent connected", "agent_id", c.Identity.ID, "conn_id", c.ID)
	return nil
}

func (h *agentHandler) HandleFrame(ctx context.Context, c *conn.Connection, f conn.Frame) (any, error) {
	g := h.g
	switch f.Event {
	case conn.EventSystemInfo:
		return h.systemInfo(), nil

	case conn.EventMessage:
		var msg state.Message
		if err := f.Arg(0, &msg); err != nil {
			return nil, err
		}
		chat, ok := g.store.State().Chats[msg.SessionID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrChatNotFound, msg.SessionID)
		}
		if msg.AuthorID == "" {
			msg.AuthorID = c.Identity.ID
		}
		res, err := g.router.Route(ctx, router.Agent, chat, c.Identity, msg)
		if err != nil {
			return nil, err
		}
		return res.Message, nil
	}
	return nil, fmt.Errorf("%w: %s", conn.ErrUnknownEvent, f.Event)
}

func (h *agentHandler) systemInfo() SystemInfo {
	st := h.g.store.State()
	info := SystemInfo{
		Operators: make([]state.Operator, 0, len(st.Operators)),
		Chats:     make([]state.Chat, 0, len(st.Chats)),
	}
	for _, op := range st.Operators {
		info.Operators = append(info.Operators, op)
	}
	for _, chat := range st.Chats {
		info.Chats = append(info.Chats, chat)
	}
	sort.Slice(info.Operators, func(i, j int) bool { return info.Operators[i].ID < info.Operators[j].ID })
	sort.Slice(info.Chats, func(i, j int) bool { return info.Chats[i].ID < info.Chats[j].ID })
	return info
}

func (h *agentHandler) Disconnected(c *conn.Connection) {
	h.g.logger.Info("agent disconnected", "agent_id", c.Identity.ID, "conn_id", c.ID)
}
