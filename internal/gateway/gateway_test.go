// ABOUTME: Tests for the Gateway wiring over real WebSocket and gRPC connections
// ABOUTME: Drives customers, operator consoles and agents through the chat lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/switchboard/internal/agentrpc"
	"github.com/2389/switchboard/internal/assign"
	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/state"
)

const testSecret = "test-secret-at-least-16-chars"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a minimal config for testing.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Chats.BidTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	gw    *Gateway
	authn *auth.JWTAuthenticator
	url   string
}

func newHarness(t *testing.T, tweaks ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	authn := auth.NewJWTAuthenticator([]byte(testSecret))
	gw := NewWithOptions(cfg, Options{Authenticator: authn}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var eg errgroup.Group
	gw.Start(ctx, &eg)

	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.ws.Shutdown()
		ts.Close()
		cancel()
		_ = eg.Wait()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = gw.Shutdown(shutdownCtx)
	})
	return &harness{gw: gw, authn: authn, url: ts.URL}
}

func (h *harness) token(t *testing.T, role conn.Role, id state.Identity) string {
	t.Helper()
	tok, err := h.authn.Issue(role, id, time.Hour)
	require.NoError(t, err)
	return tok
}

func operatorIdentity(id string) state.Identity {
	return state.Identity{ID: id, Username: id, DisplayName: "Operator " + id, Picture: "https://example.com/" + id + ".png"}
}

func customerIdentity(session string) state.Identity {
	return state.Identity{ID: "cust-" + session, Username: "guest", DisplayName: "Guest", Picture: "https://example.com/guest.png", SessionID: session}
}

func (h *harness) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.url, "http") + path + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// bid is the availability answer test consoles give.
var bid = map[string]any{"status": "online", "load": 0, "capacity": 3}

// readUntil reads frames until match accepts one. Availability requests
// met on the way are answered with bid.
func readUntil(t *testing.T, ws *websocket.Conn, match func(conn.Frame) bool) conn.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		var f conn.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if match(f) {
			return f
		}
		if f.Event == conn.EventAvailable && f.ID != "" {
			reply, err := conn.NewReply(f.ID, bid, nil)
			require.NoError(t, err)
			require.NoError(t, ws.WriteJSON(reply))
		}
	}
}

// readAll reads frames until every predicate has matched one, and returns
// the matches in predicate order.
func readAll(t *testing.T, ws *websocket.Conn, preds ...func(conn.Frame) bool) []conn.Frame {
	t.Helper()
	out := make([]conn.Frame, len(preds))
	found := make([]bool, len(preds))
	remaining := len(preds)
	readUntil(t, ws, func(f conn.Frame) bool {
		for i, p := range preds {
			if !found[i] && p(f) {
				out[i], found[i] = f, true
				remaining--
				break
			}
		}
		return remaining == 0
	})
	return out
}

func event(name string) func(conn.Frame) bool {
	return func(f conn.Frame) bool { return f.Event == name }
}

func replyTo(id string) func(conn.Frame) bool {
	return func(f conn.Frame) bool { return f.ReplyTo == id }
}

func request(t *testing.T, ws *websocket.Conn, id, name string, args ...any) {
	t.Helper()
	f, err := conn.NewFrame(name, args...)
	require.NoError(t, err)
	f.ID = id
	require.NoError(t, ws.WriteJSON(f))
}

func (h *harness) connectOperator(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	ws := h.dial(t, "/ws/operator", h.token(t, conn.RoleOperator, operatorIdentity(id)))
	readUntil(t, ws, event(conn.EventInit))
	require.Eventually(t, func() bool {
		return h.gw.store.State().Operators[id].Online
	}, 2*time.Second, 10*time.Millisecond)
	return ws
}

func (h *harness) connectCustomer(t *testing.T, session string) *websocket.Conn {
	t.Helper()
	ws := h.dial(t, "/ws/customer", h.token(t, conn.RoleCustomer, customerIdentity(session)))
	readUntil(t, ws, event(conn.EventLog))
	return ws
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.url + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(h.url + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	h.connectOperator(t, "op-1")

	resp, err = http.Get(h.url + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (1 operators)", string(body))
}

func TestAPIState_RequiresOperatorToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.url + "/api/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, h.url+"/api/state", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t, conn.RoleCustomer, customerIdentity("s1")))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "customer tokens are not valid for the API")

	req, _ = http.NewRequest(http.MethodGet, h.url+"/api/state", nil)
	req.Header.Set("Authorization", "Bearer "+h.token(t, conn.RoleOperator, operatorIdentity("op-1")))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got StateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.State.System.AcceptsCustomers)
}

func TestAPIChatLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gw.store.Dispatch(state.InsertPendingChat{ChatID: "chat-1", Customer: customerIdentity("chat-1")})
	require.NoError(t, h.gw.history.RecordMessage(ctx, history.ViewOperator, "chat-1", state.Message{ID: "m1", Text: "hello"}))

	get := func(path string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, h.url+path, nil)
		req.Header.Set("Authorization", "Bearer "+h.token(t, conn.RoleOperator, operatorIdentity("op-1")))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/api/chats/chat-1/log")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got ChatLogResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "chat-1", got.Chat.ID)
	assert.Equal(t, history.ViewOperator, got.View)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text)

	resp = get("/api/chats/chat-1/log?view=customer")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = ChatLogResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Empty(t, got.Messages)

	assert.Equal(t, http.StatusBadRequest, get("/api/chats/chat-1/log?view=everyone").StatusCode)
	assert.Equal(t, http.StatusNotFound, get("/api/chats/nope/log").StatusCode)
}

func TestChatLifecycle(t *testing.T) {
	h := newHarness(t)
	op := h.connectOperator(t, "op-1")
	customer := h.connectCustomer(t, "chat-1")

	request(t, customer, "c1", conn.EventMessage, map[string]string{"text": "hello"})

	// The operator bids and is given the chat.
	opened := readUntil(t, op, event(conn.EventChatOpen))
	var chat state.Chat
	require.NoError(t, opened.Arg(0, &chat))
	assert.Equal(t, "chat-1", chat.ID)

	frames := readAll(t, customer, replyTo("c1"), event(conn.EventChatOnline))
	reply, online := frames[0], frames[1]
	assert.Empty(t, reply.Error)
	var sent state.Message
	require.NoError(t, json.Unmarshal(reply.Result, &sent))
	assert.Equal(t, "hello", sent.Text)
	assert.Equal(t, state.AuthorCustomer, sent.AuthorType)

	var assigned bool
	require.NoError(t, online.Arg(0, &assigned))
	assert.True(t, assigned)

	st := h.gw.store.State()
	assert.Equal(t, state.StatusAssigned, st.Chats["chat-1"].Status)
	assert.Equal(t, "op-1", st.Chats["chat-1"].Operator)
	assert.Equal(t, 1, st.Operators["op-1"].Load)

	// Operator replies; the customer receives it.
	request(t, op, "o1", conn.EventMessage, "chat-1", map[string]string{"text": "how can I help?"})
	received := readUntil(t, customer, func(f conn.Frame) bool {
		if f.Event != conn.EventReceive {
			return false
		}
		var msg state.Message
		_ = f.Arg(1, &msg)
		return msg.Text == "how can I help?"
	})
	var msg state.Message
	require.NoError(t, received.Arg(1, &msg))
	assert.Equal(t, state.AuthorOperator, msg.AuthorType)
	assert.Equal(t, "op-1", msg.AuthorID)

	// Operator closes the chat.
	request(t, op, "o2", conn.EventChatClose, "chat-1")
	closeReply := readUntil(t, op, replyTo("o2"))
	assert.Empty(t, closeReply.Error)
	readUntil(t, customer, event(conn.EventChatClose))

	st = h.gw.store.State()
	assert.Equal(t, state.StatusClosed, st.Chats["chat-1"].Status)
	assert.Equal(t, 0, st.Operators["op-1"].Load)

	msgs, err := h.gw.history.FindLog(context.Background(), history.ViewOperator, "chat-1")
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, state.MessageTypeEvent, last.Type)
	assert.Equal(t, "Chat closed by Operator op-1", last.Text)
}

func TestCustomerRejectedWhenNotAccepting(t *testing.T) {
	h := newHarness(t)
	h.gw.store.Dispatch(state.SetAcceptsCustomers{Accepts: false})
	customer := h.connectCustomer(t, "chat-2")

	request(t, customer, "c1", conn.EventMessage, map[string]string{"text": "anyone?"})
	reply := readUntil(t, customer, replyTo("c1"))
	assert.Equal(t, ErrNotAccepting.Error(), reply.Error)

	_, ok := h.gw.store.State().Chats["chat-2"]
	assert.False(t, ok)
}

func TestChatMissedWithoutOperators(t *testing.T) {
	h := newHarness(t)
	customer := h.connectCustomer(t, "chat-3")

	request(t, customer, "c1", conn.EventMessage, map[string]string{"text": "hello?"})
	online := readUntil(t, customer, event(conn.EventChatOnline))
	var assigned bool
	require.NoError(t, online.Arg(0, &assigned))
	assert.False(t, assigned)
	var reason string
	require.NoError(t, online.Arg(1, &reason))
	assert.Equal(t, assign.ErrNoOperator.Error(), reason)

	assert.Equal(t, state.StatusMissed, h.gw.store.State().Chats["chat-3"].Status)

	// An operator coming online picks up the missed chat.
	op := h.connectOperator(t, "op-1")
	readUntil(t, op, event(conn.EventChatOpen))
	readUntil(t, customer, event(conn.EventChatOnline))
	assert.Equal(t, state.StatusAssigned, h.gw.store.State().Chats["chat-3"].Status)
}

func TestOperatorStatusAndState(t *testing.T) {
	h := newHarness(t)
	op := h.connectOperator(t, "op-1")

	request(t, op, "s1", conn.EventBroadcastState)
	reply := readUntil(t, op, replyTo("s1"))
	var full struct {
		Version uint64            `json:"version"`
		State   state.SystemState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &full))
	assert.Contains(t, full.State.Operators, "op-1")

	request(t, op, "s2", conn.EventBroadcastDispatch, map[string]any{"type": state.TypeSetOperatorCapacity, "capacity": 7})
	reply = readUntil(t, op, replyTo("s2"))
	assert.Empty(t, reply.Error)
	assert.Equal(t, 7, h.gw.store.State().Operators["op-1"].Capacity)

	request(t, op, "s3", conn.EventBroadcastDispatch, map[string]any{"type": state.TypeCloseChat})
	reply = readUntil(t, op, replyTo("s3"))
	assert.Contains(t, reply.Error, "Remote dispatch not allowed")

	request(t, op, "s4", conn.EventStatus, "offline")
	reply = readUntil(t, op, replyTo("s4"))
	assert.Empty(t, reply.Error)
	assert.Equal(t, state.OperatorOffline, h.gw.store.State().Operators["op-1"].Status)
}

func TestOperatorDisconnectAbandonsChats(t *testing.T) {
	h := newHarness(t)
	op := h.connectOperator(t, "op-1")
	customer := h.connectCustomer(t, "chat-4")

	request(t, customer, "c1", conn.EventMessage, map[string]string{"text": "hi"})
	readUntil(t, op, event(conn.EventChatOpen))
	require.Eventually(t, func() bool {
		return h.gw.store.State().Chats["chat-4"].Status == state.StatusAssigned
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, op.Close())
	require.Eventually(t, func() bool {
		return h.gw.store.State().Chats["chat-4"].Status == state.StatusAbandoned
	}, 2*time.Second, 10*time.Millisecond)

	// Reconnecting recovers the chat.
	op = h.connectOperator(t, "op-1")
	readUntil(t, op, event(conn.EventChatOpen))
	require.Eventually(t, func() bool {
		c := h.gw.store.State().Chats["chat-4"]
		return c.Status == state.StatusAssigned && c.Operator == "op-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentChannel(t *testing.T) {
	h := newHarness(t)
	h.gw.store.Dispatch(state.InsertPendingChat{ChatID: "chat-5", Customer: customerIdentity("chat-5")})
	customer := h.connectCustomer(t, "chat-5")

	lis := bufconn.Listen(1 << 20)
	go func() { _ = h.gw.GRPCServer().Serve(lis) }()
	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	token := h.token(t, conn.RoleAgent, state.Identity{ID: "bot-1"})
	ctx := metadata.AppendToOutgoingContext(t.Context(), "authorization", "Bearer "+token)
	stream, err := agentrpc.Connect(ctx, cc)
	require.NoError(t, err)

	info, err := conn.NewFrame(conn.EventSystemInfo)
	require.NoError(t, err)
	info.ID = "a1"
	require.NoError(t, stream.Send(info))

	var reply conn.Frame
	for reply.ReplyTo != "a1" {
		reply, err = stream.Recv()
		require.NoError(t, err)
	}
	var got SystemInfo
	require.NoError(t, json.Unmarshal(reply.Result, &got))
	require.Len(t, got.Chats, 1)
	assert.Equal(t, "chat-5", got.Chats[0].ID)

	msg, err := conn.NewFrame(conn.EventMessage, map[string]string{"text": "beep", "session_id": "chat-5"})
	require.NoError(t, err)
	msg.ID = "a2"
	require.NoError(t, stream.Send(msg))

	received := readUntil(t, customer, event(conn.EventReceive))
	var out state.Message
	require.NoError(t, received.Arg(1, &out))
	assert.Equal(t, "beep", out.Text)
	assert.Equal(t, state.AuthorAgent, out.AuthorType)
}

func TestTypingWithMalformedTextIsRejected(t *testing.T) {
	h := newHarness(t)
	op := h.connectOperator(t, "op-1")
	customer := h.connectCustomer(t, "chat-7")

	request(t, customer, "c1", conn.EventMessage, map[string]string{"text": "hi"})
	readUntil(t, op, event(conn.EventChatOpen))

	request(t, customer, "c2", conn.EventTyping, map[string]int{"text": 1})
	reply := readUntil(t, customer, replyTo("c2"))
	assert.Contains(t, reply.Error, "decode")

	request(t, op, "o1", conn.EventChatTyping, "chat-7", []string{"not", "text"})
	reply = readUntil(t, op, replyTo("o1"))
	assert.Contains(t, reply.Error, "decode")

	request(t, op, "o2", conn.EventChatTyping, "chat-7", "typing...")
	reply = readUntil(t, op, replyTo("o2"))
	assert.Empty(t, reply.Error)
}

func TestWebSocketOriginAllowList(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://shop.example.com"}
	})
	url := "ws" + strings.TrimPrefix(h.url, "http") + "/ws/customer?token=" +
		h.token(t, conn.RoleCustomer, customerIdentity("chat-8"))

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://Shop.example.com"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	readUntil(t, ws, event(conn.EventLog))
}
