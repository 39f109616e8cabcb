// ABOUTME: Assignment engine: bids for new chats, commits the winner, handles transfers
// ABOUTME: Also recovers abandoned chats on reconnect and re-bids missed or stale ones

package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/history"
	"github.com/2389/switchboard/internal/state"
	"github.com/2389/switchboard/internal/telemetry"
)

// DefaultBidTimeout bounds how long bidding waits for operator answers.
const DefaultBidTimeout = 5 * time.Second

var (
	// ErrNoOperator is returned when no operator could take a chat. The chat
	// is marked missed.
	ErrNoOperator = errors.New("no operator available")

	// ErrChatNotFound indicates the chat does not exist.
	ErrChatNotFound = errors.New("chat not found")

	// ErrChatClosed indicates the chat is closed.
	ErrChatClosed = errors.New("chat is closed")

	// ErrOperatorNotFound indicates the operator is not in the directory.
	ErrOperatorNotFound = errors.New("operator not found")

	// ErrAssignInProgress indicates bidding for the chat is already running.
	ErrAssignInProgress = errors.New("assignment already in progress")

	// ErrInvalidTransfer indicates a transfer to the operator already holding the chat.
	ErrInvalidTransfer = errors.New("chat already assigned to operator")
)

// Engine assigns chats to operators.
type Engine struct {
	store      *state.Store
	hub        conn.Hub
	history    history.Log
	bidTimeout time.Duration
	now        func() time.Time
	tracer     trace.Tracer
	logger     *slog.Logger

	// commit serializes winner commits so capacity rechecks are exact.
	commit   sync.Mutex
	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithBidTimeout sets the bidding deadline.
func WithBidTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.bidTimeout = d
		}
	}
}

// WithHistory records transfer events and sends operator logs on open.
func WithHistory(l history.Log) Option {
	return func(e *Engine) { e.history = l }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine dispatching into store and talking to
// operators through hub.
func NewEngine(store *state.Store, hub conn.Hub, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		hub:        hub,
		bidTimeout: DefaultBidTimeout,
		now:        time.Now,
		tracer:     telemetry.Tracer(),
		logger:     slog.Default(),
		inflight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "assign")
	return e
}

func (e *Engine) begin(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[chatID] {
		return false
	}
	e.inflight[chatID] = true
	return true
}

func (e *Engine) end(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, chatID)
}

func (e *Engine) isInflight(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[chatID]
}

// Assign runs bidding for a chat and commits the winner. A chat that is
// already assigned returns its holder without bidding. When nobody can take
// the chat it is marked missed and ErrNoOperator is returned.
func (e *Engine) Assign(ctx context.Context, chatID string) (state.Operator, error) {
	ctx, span := e.tracer.Start(ctx, "assign.Assign",
		trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	st := e.store.State()
	chat, ok := st.Chats[chatID]
	if !ok {
		return state.Operator{}, ErrChatNotFound
	}
	switch chat.Status {
	case state.StatusClosed:
		return state.Operator{}, ErrChatClosed
	case state.StatusAssigned:
		return st.Operators[chat.Operator], nil
	}

	if !e.begin(chatID) {
		return state.Operator{}, ErrAssignInProgress
	}
	defer e.end(chatID)

	bids := e.collectBids(ctx, chat, st)
	span.SetAttributes(attribute.Int("assign.bids", len(bids)))

	op, err := e.commitWinner(chatID, bids)
	if err != nil {
		if errors.Is(err, ErrNoOperator) {
			e.store.Dispatch(state.SetChatMissed{ChatID: chatID, Reason: err.Error()})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Info("chat not assigned", "chat_id", chatID, "bids", len(bids), "error", err)
		return state.Operator{}, err
	}

	span.SetAttributes(attribute.String("operator.id", op.ID))
	e.logger.Info("chat assigned",
		"chat_id", chatID,
		"operator_id", op.ID,
		"load", op.Load,
		"capacity", op.Capacity,
	)
	e.open(ctx, chatID, op)
	return op, nil
}

// collectBids asks every connection of every online operator whether it can
// take the chat. Only the first usable answer per operator counts.
func (e *Engine) collectBids(ctx context.Context, chat state.Chat, st state.SystemState) []Bid {
	ctx, cancel := context.WithTimeout(ctx, e.bidTimeout)
	defer cancel()

	operators := state.OnlineOperators(st)
	total := 0
	for _, op := range operators {
		total += len(op.Connections)
	}

	results := make(chan Bid, total)
	var wg sync.WaitGroup
	for _, op := range operators {
		for _, connID := range op.ConnectionIDs() {
			wg.Add(1)
			go func(op state.Operator, connID string) {
				defer wg.Done()
				raw, err := e.hub.Request(ctx, connID, conn.EventAvailable, chat)
				if err != nil {
					e.logger.Debug("no bid", "chat_id", chat.ID, "conn_id", connID, "error", err)
					return
				}
				var bid Bid
				if err := json.Unmarshal(raw, &bid); err != nil {
					e.logger.Debug("unusable bid", "chat_id", chat.ID, "conn_id", connID, "error", err)
					return
				}
				// Identity comes from the directory, never from the payload.
				bid.OperatorID = op.ID
				bid.ConnID = connID
				if bid.Status == "" {
					bid.Status = op.Status
				}
				results <- bid
			}(op, connID)
		}
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	seen := make(map[string]bool)
	var bids []Bid
	for bid := range results {
		if seen[bid.OperatorID] {
			continue
		}
		seen[bid.OperatorID] = true
		bids = append(bids, bid)
	}
	return bids
}

// commitWinner walks the ranked bids and assigns the first operator the
// directory still considers eligible.
func (e *Engine) commitWinner(chatID string, bids []Bid) (state.Operator, error) {
	e.commit.Lock()
	defer e.commit.Unlock()

	for _, bid := range Rank(bids) {
		st := e.store.State()
		chat, ok := st.Chats[chatID]
		if !ok {
			return state.Operator{}, ErrChatNotFound
		}
		if chat.Status == state.StatusClosed {
			return state.Operator{}, ErrChatClosed
		}
		op, ok := st.Operators[bid.OperatorID]
		if !ok || !op.Eligible() {
			continue
		}
		t := e.store.Dispatch(state.SetChatOperator{ChatID: chatID, OperatorID: op.ID})
		if c := t.Next.Chats[chatID]; c.Status == state.StatusAssigned && c.Operator == op.ID {
			return t.Next.Operators[op.ID], nil
		}
	}
	return state.Operator{}, ErrNoOperator
}

// open joins the operator's connections to the chat room and tells every
// member connection about the chat.
func (e *Engine) open(ctx context.Context, chatID string, op state.Operator) {
	chat, ok := e.store.State().Chats[chatID]
	if !ok {
		return
	}
	for _, connID := range op.ConnectionIDs() {
		e.hub.Join(connID, conn.ChatRoom(chatID))
	}
	for _, connID := range chat.MemberConnections() {
		if err := e.hub.Deliver(connID, conn.EventChatOpen, chat); err != nil {
			e.logger.Debug("chat.open not delivered", "chat_id", chatID, "conn_id", connID, "error", err)
		}
	}
	e.sendLog(ctx, chat, op)
}

// sendLog delivers the operator view of the chat's history to op.
func (e *Engine) sendLog(ctx context.Context, chat state.Chat, op state.Operator) {
	if e.history == nil {
		return
	}
	msgs, err := e.history.FindLog(ctx, history.ViewOperator, chat.ID)
	if err != nil {
		e.logger.Warn("failed to load operator log", "chat_id", chat.ID, "error", err)
		return
	}
	for _, connID := range op.ConnectionIDs() {
		if err := e.hub.Deliver(connID, conn.EventLog, chat, msgs); err != nil {
			e.logger.Debug("log not delivered", "chat_id", chat.ID, "conn_id", connID, "error", err)
		}
	}
}

// Snapshot is the operator record embedded in transfer events.
func Snapshot(op state.Operator) map[string]any {
	return map[string]any{
		"id":          op.ID,
		"username":    op.Username,
		"displayName": op.DisplayName,
		"picture":     op.Picture,
		"status":      string(op.Status),
		"capacity":    op.Capacity,
		"load":        op.Load,
	}
}

func displayName(op state.Operator) string {
	switch {
	case op.DisplayName != "":
		return op.DisplayName
	case op.Username != "":
		return op.Username
	case op.ID != "":
		return op.ID
	}
	return "nobody"
}

// Transfer moves a chat to another operator without bidding. An empty
// fromID means the chat's current holder. The transfer is recorded as an
// event message in the operator log and pushed to the chat room.
func (e *Engine) Transfer(ctx context.Context, chatID, fromID, toID string) (state.Message, error) {
	ctx, span := e.tracer.Start(ctx, "assign.Transfer",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("operator.to", toID),
		))
	defer span.End()

	st := e.store.State()
	chat, ok := st.Chats[chatID]
	if !ok {
		return state.Message{}, ErrChatNotFound
	}
	if chat.Status == state.StatusClosed {
		return state.Message{}, ErrChatClosed
	}
	to, ok := st.Operators[toID]
	if !ok {
		return state.Message{}, fmt.Errorf("transfer to %s: %w", toID, ErrOperatorNotFound)
	}
	if fromID == "" {
		fromID = chat.Operator
	}
	if fromID == toID {
		return state.Message{}, ErrInvalidTransfer
	}
	from := st.Operators[fromID]

	msg := state.Message{
		ID:         uuid.New().String(),
		Timestamp:  e.now(),
		Text:       fmt.Sprintf("Chat transferred from %s to %s", displayName(from), displayName(to)),
		AuthorType: state.AuthorSystem,
		AuthorID:   fromID,
		SessionID:  chat.ID,
		Type:       state.MessageTypeEvent,
		Meta: map[string]any{
			"event_type": "transfer",
			"from":       Snapshot(from),
			"to":         Snapshot(to),
		},
	}

	e.commit.Lock()
	e.store.Dispatch(state.TransferChat{ChatID: chatID, From: fromID, To: toID})
	e.commit.Unlock()

	if e.history != nil {
		if err := e.history.RecordMessage(ctx, history.ViewOperator, chatID, msg); err != nil {
			e.logger.Warn("failed to record transfer", "chat_id", chatID, "error", err)
		}
	}
	e.store.Dispatch(state.ReceiveMessage{ChatID: chatID, Message: msg})

	next := e.store.State()
	toNow := next.Operators[toID]
	for _, connID := range toNow.ConnectionIDs() {
		e.hub.Join(connID, conn.ChatRoom(chatID))
	}
	e.hub.Broadcast(conn.ChatRoom(chatID), conn.EventReceive, next.Chats[chatID], msg)
	for _, connID := range toNow.ConnectionIDs() {
		if err := e.hub.Deliver(connID, conn.EventChatOpen, next.Chats[chatID]); err != nil {
			e.logger.Debug("chat.open not delivered", "chat_id", chatID, "conn_id", connID, "error", err)
		}
	}
	e.sendLog(ctx, next.Chats[chatID], toNow)

	e.logger.Info("chat transferred", "chat_id", chatID, "from", fromID, "to", toID)
	return msg, nil
}

// Recover gives an operator back the chats it held when it last went
// offline. It returns the recovered chat ids.
func (e *Engine) Recover(ctx context.Context, operatorID string) []string {
	st := e.store.State()
	ids := state.ChatIDs(state.OperatorAbandonedChats(st, operatorID))
	if len(ids) == 0 {
		return nil
	}

	e.commit.Lock()
	t := e.store.Dispatch(state.SetChatsRecovered{OperatorID: operatorID, ChatIDs: ids})
	e.commit.Unlock()

	op := t.Next.Operators[operatorID]
	var recovered []string
	for _, id := range ids {
		chat := t.Next.Chats[id]
		if chat.Status != state.StatusAssigned || chat.Operator != operatorID {
			continue
		}
		recovered = append(recovered, id)
		for _, connID := range op.ConnectionIDs() {
			e.hub.Join(connID, conn.ChatRoom(id))
			if err := e.hub.Deliver(connID, conn.EventChatOpen, chat); err != nil {
				e.logger.Debug("chat.open not delivered", "chat_id", id, "conn_id", connID, "error", err)
			}
		}
		e.sendLog(ctx, chat, op)
	}
	e.logger.Info("recovered chats", "operator_id", operatorID, "chats", len(recovered))
	return recovered
}

// Reassign re-runs bidding for each chat. It returns the chats that found
// an operator; failures are joined into the error.
func (e *Engine) Reassign(ctx context.Context, chatIDs []string) ([]string, error) {
	var assigned []string
	var errs []error
	for _, id := range chatIDs {
		if _, err := e.Assign(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", id, err))
			continue
		}
		assigned = append(assigned, id)
	}
	return assigned, errors.Join(errs...)
}

// AssignNext bids for the oldest missed chat that is not already being
// assigned. It returns the chat id, or "" when there is nothing to do.
func (e *Engine) AssignNext(ctx context.Context) (string, state.Operator, error) {
	st := e.store.State()
	if len(state.EligibleOperators(st)) == 0 {
		return "", state.Operator{}, nil
	}
	for _, chat := range state.ChatsWithStatus(st, state.StatusMissed) {
		if e.isInflight(chat.ID) {
			continue
		}
		op, err := e.Assign(ctx, chat.ID)
		return chat.ID, op, err
	}
	return "", state.Operator{}, nil
}
