// ABOUTME: HTTP API for operator tooling: state snapshot and chat logs
// ABOUTME: Every route requires an operator token

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/state"
)

// StateResponse is the JSON response for GET /api/state.
type StateResponse struct {
	Version uint64            `json:"version"`
	State   state.SystemState `json:"state"`
}

// ChatLogResponse is the JSON response for GET /api/chats/{id}/log.
type ChatLogResponse struct {
	Chat     state.Chat      `json:"chat"`
	View     history.View    `json:"view"`
	Messages []state.Message `json:"messages"`
}

// registerAPI adds the operator API routes to mux.
func (g *Gateway) registerAPI(mux *http.ServeMux) {
	operatorOnly := auth.HTTPAuthMiddleware(g.authn, conn.RoleOperator)
	mux.Handle("GET /api/state", operatorOnly(http.HandlerFunc(g.handleState)))
	mux.Handle("GET /api/chats/{id}/log", operatorOnly(http.HandlerFunc(g.handleChatLog)))
}

// handleState returns the versioned state snapshot consoles patch against.
func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	version, st := g.sync.FullState()
	g.sendJSON(w, http.StatusOK, StateResponse{Version: version, State: st})
}

// handleChatLog returns a chat's history. The view defaults to operator;
// ?view=customer returns what the customer saw.
func (g *Gateway) handleChatLog(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	chat, ok := g.store.State().Chats[chatID]
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}

	view := history.ViewOperator
	if v := r.URL.Query().Get("view"); v != "" {
		view = history.View(v)
	}

	msgs, err := g.history.FindLog(r.Context(), view, chatID)
	if err != nil {
		if errors.Is(err, history.ErrInvalidView) {
			g.sendJSONError(w, http.StatusBadRequest, "view must be customer or operator")
			return
		}
		g.logger.Error("failed to load chat log", "chat_id", chatID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if msgs == nil {
		msgs = []state.Message{}
	}
	g.sendJSON(w, http.StatusOK, ChatLogResponse{Chat: chat, View: view, Messages: msgs})
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
