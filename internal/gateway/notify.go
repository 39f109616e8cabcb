// ABOUTME: Store observer that reacts to chat lifecycle notifications
// ABOUTME: Starts assignment for new chats, wakes the assign-next worker and posts system events

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/assign"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/state"
)

// observe runs inside Dispatch for every action. Anything that dispatches or
// waits is spawned.
func (g *Gateway) observe(_ *state.Store, t state.Transition) {
	switch a := t.Action.(type) {
	case state.NotifyChatStatusChanged:
		switch a.Status {
		case state.StatusPending:
			chatID := a.ChatID
			g.spawn(func(ctx context.Context) { g.assignChat(ctx, chatID) })
		case state.StatusClosed, state.StatusAbandoned:
			// Capacity was released.
			g.signalAssignNext()
		}
	case state.NotifyOperatorLeft:
		g.spawn(func(ctx context.Context) { g.operatorLeft(ctx, a.ChatID, a.OperatorID) })
	case state.NotifySystemStatusChange:
		g.hub.Broadcast(conn.RoomCustomers, conn.EventAccept, a.Accepting)
	case state.SetOperatorStatus, state.SetOperatorCapacity, state.TransferChat:
		if t.Changed {
			g.signalAssignNext()
		}
	}
}

// assignChat runs bidding for a new chat and tells the customer whether an
// operator took it.
func (g *Gateway) assignChat(ctx context.Context, chatID string) {
	op, err := g.engine.Assign(ctx, chatID)
	if err != nil {
		if errors.Is(err, assign.ErrAssignInProgress) {
			return
		}
		g.logger.Info("chat not assigned", "chat_id", chatID, "error", err)
		g.hub.Broadcast(conn.CustomerRoom(chatID), conn.EventChatOnline, false, err.Error())
		return
	}
	g.hub.Broadcast(conn.CustomerRoom(chatID), conn.EventChatOnline, true, op.Identity)
}

// signalAssignNext wakes the assign-next worker without blocking.
func (g *Gateway) signalAssignNext() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// assignNextLoop bids for missed chats, oldest first, each time capacity may
// have become available.
func (g *Gateway) assignNextLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
		}
		for ctx.Err() == nil {
			chatID, op, err := g.engine.AssignNext(ctx)
			if chatID == "" {
				break
			}
			if err != nil {
				g.logger.Debug("missed chat still unassigned", "chat_id", chatID, "error", err)
				break
			}
			g.hub.Broadcast(conn.CustomerRoom(chatID), conn.EventChatOnline, true, op.Identity)
		}
	}
}

// operatorLeft posts a system event to the chat's operator log when an
// operator's last connection leaves it.
func (g *Gateway) operatorLeft(ctx context.Context, chatID, operatorID string) {
	op := g.store.State().Operators[operatorID]
	name := op.DisplayName
	if name == "" {
		name = operatorID
	}
	g.postEvent(ctx, chatID, operatorID, fmt.Sprintf("%s left the chat", name), map[string]any{
		"event_type": "leave",
		"operator":   assign.Snapshot(op),
	})
}

// postEvent records a system event in the operator view and pushes it to
// the chat room.
func (g *Gateway) postEvent(ctx context.Context, chatID, authorID, text string, meta map[string]any) state.Message {
	msg := state.Message{
		ID:         uuid.New().String(),
		Timestamp:  g.now(),
		Text:       text,
		AuthorType: state.AuthorSystem,
		AuthorID:   authorID,
		SessionID:  chatID,
		Type:       state.MessageTypeEvent,
		Meta:       meta,
	}
	if err := g.history.RecordMessage(ctx, history.ViewOperator, chatID, msg); err != nil {
		g.logger.Warn("failed to record event", "chat_id", chatID, "error", err)
	}
	t := g.store.Dispatch(state.ReceiveMessage{ChatID: chatID, Message: msg})
	g.hub.Broadcast(conn.ChatRoom(chatID), conn.EventReceive, t.Next.Chats[chatID], msg)
	return msg
}
