package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/rgoodwin/gather-sync/gather"
	"github.com/rgoodwin/gather-sync/internal/auth"
	"github.com/rgoodwin/gather-sync/internal/session"
	"github.com/rgoodwin/gather-sync/internal/state"
)

const (
	testEmail    = "user@example.com"
	testPassword = "hunter2"
	testUserID   = int64(42)
)

type reactionKey struct {
	target   string
	targetID int64
}

// wsSession is one accepted realtime connection on the fake backend.
type wsSession struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[string]bool
}

func (s *wsSession) subscribed(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subs[topic]
}

func (s *wsSession) writeFrame(ctx context.Context, f gather.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.Write(ctx, websocket.MessageText, data)
}

// harness is the full e2e stack: an httptest server exposing the Gather
// REST surface and the realtime websocket endpoint, with in-memory
// fixtures and token bookkeeping.
type harness struct {
	URL    string
	WSURL  string
	Client *http.Client

	previews      []gather.ConversationPreview
	notifications []gather.Notification

	mu            sync.Mutex
	validTokens   map[string]bool
	refreshTokens map[string]bool
	loginCalls    int
	refreshCalls  int
	readMarks     [][2]int64
	reactions     map[reactionKey]map[int64]int64
	sessions      []*wsSession
	sentMessages  []gather.ChatMessage
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		previews: []gather.ConversationPreview{
			{ID: 7, Name: "Climbing crew", UnreadCount: 2, LastMessageID: 900},
			{ID: 8, Name: "Book club", UnreadCount: 0},
		},
		notifications: []gather.Notification{
			{ID: 1, UserID: testUserID, Type: "event-invite", Message: "You're invited", Read: false},
		},
		validTokens:   make(map[string]bool),
		refreshTokens: make(map[string]bool),
		reactions:     make(map[reactionKey]map[int64]int64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refreshToken", h.handleRefresh)
	mux.HandleFunc("GET /conversations/preview", h.authed(h.handlePreviews))
	mux.HandleFunc("POST /conversations/{id}/read", h.authed(h.handleMarkRead))
	mux.HandleFunc("GET /notifications/{id}", h.authed(h.handleNotifications))
	mux.HandleFunc("GET /notifications/{id}/unread-count", h.authed(h.handleUnreadCount))
	mux.HandleFunc("PATCH /notifications/{id}/read", h.authed(h.handleMarkNotificationRead))
	mux.HandleFunc("GET /reaction/{target}", h.authed(h.handleListReactions))
	mux.HandleFunc("POST /reaction/{target}", h.authed(h.handleAddReaction))
	mux.HandleFunc("PATCH /reaction/{target}", h.authed(h.handleUpdateReaction))
	mux.HandleFunc("DELETE /reaction/{target}", h.authed(h.handleRemoveReaction))
	mux.HandleFunc("/ws", h.handleWS)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	h.URL = ts.URL
	h.WSURL = "ws://" + ts.Listener.Addr().String() + "/ws"
	h.Client = ts.Client()

	return h
}

// --- token bookkeeping ---

func (h *harness) issuePair() (string, string) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(testUserID, 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("e2e-secret"))
	if err != nil {
		panic(err)
	}

	refresh := "refresh-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	h.validTokens[access] = true
	h.refreshTokens[refresh] = true

	return access, refresh
}

// invalidateAccessTokens revokes every issued access token while keeping
// refresh tokens usable, forcing the next authenticated request through
// the 401 recovery path.
func (h *harness) invalidateAccessTokens() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.validTokens = make(map[string]bool)
}

func (h *harness) tokenValid(token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.validTokens[token]
}

func (h *harness) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "

		got := r.Header.Get("Authorization")
		if len(got) <= len(prefix) || !h.tokenValid(got[len(prefix):]) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// --- REST handlers ---

func (h *harness) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req gather.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loginCalls++

	if req.Email != testEmail || req.Password != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	access, refresh := h.issuePair()
	json.NewEncoder(w).Encode(gather.LoginResponse{Token: access, RefreshToken: refresh, Email: testEmail})
}

func (h *harness) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req gather.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshCalls++

	if !h.refreshTokens[req.RefreshToken] {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	delete(h.refreshTokens, req.RefreshToken)

	access, refresh := h.issuePair()
	json.NewEncoder(w).Encode(gather.RefreshResponse{Token: access, RefreshToken: refresh})
}

func (h *harness) handlePreviews(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(h.previews)
}

func (h *harness) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	lastMessageID, _ := strconv.ParseInt(r.URL.Query().Get("lastMessageId"), 10, 64)

	h.mu.Lock()
	h.readMarks = append(h.readMarks, [2]int64{conversationID, lastMessageID})
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (h *harness) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(h.notifications)
}

func (h *harness) handleUnreadCount(w http.ResponseWriter, _ *http.Request) {
	count := 0
	for _, n := range h.notifications {
		if !n.Read {
			count++
		}
	}

	json.NewEncoder(w).Encode(gather.UnreadCountResponse{Count: count})
}

func (h *harness) handleMarkNotificationRead(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *harness) reactionBody(r *http.Request) (reactionKey, gather.Reaction, bool) {
	var reaction gather.Reaction
	if err := json.NewDecoder(r.Body).Decode(&reaction); err != nil {
		return reactionKey{}, gather.Reaction{}, false
	}

	return reactionKey{target: r.PathValue("target"), targetID: reaction.TargetID}, reaction, true
}

func (h *harness) handleListReactions(w http.ResponseWriter, r *http.Request) {
	targetID, _ := strconv.ParseInt(r.URL.Query().Get("targetId"), 10, 64)
	key := reactionKey{target: r.PathValue("target"), targetID: targetID}

	h.mu.Lock()
	var list []gather.Reaction
	for userID, typeID := range h.reactions[key] {
		list = append(list, gather.Reaction{UserID: userID, TargetID: targetID, ReactionTypeID: typeID})
	}
	h.mu.Unlock()

	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	json.NewEncoder(w).Encode(list)
}

func (h *harness) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	key, reaction, ok := h.reactionBody(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.reactions[key][reaction.UserID]; exists {
		w.WriteHeader(http.StatusConflict)
		return
	}

	if h.reactions[key] == nil {
		h.reactions[key] = make(map[int64]int64)
	}
	h.reactions[key][reaction.UserID] = reaction.ReactionTypeID

	w.WriteHeader(http.StatusCreated)
}

func (h *harness) handleUpdateReaction(w http.ResponseWriter, r *http.Request) {
	key, reaction, ok := h.reactionBody(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.reactions[key][reaction.UserID]; !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.reactions[key][reaction.UserID] = reaction.ReactionTypeID

	w.WriteHeader(http.StatusNoContent)
}

func (h *harness) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	key, reaction, ok := h.reactionBody(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	delete(h.reactions[key], reaction.UserID)
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// --- realtime handler ---

func (h *harness) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := r.Context()

	var hello gather.Frame
	if err := readWSFrame(ctx, conn, &hello); err != nil {
		conn.Close(websocket.StatusInternalError, "bad hello")
		return
	}

	sess := &wsSession{conn: conn, subs: make(map[string]bool)}

	if hello.Op != "connect" || !h.tokenValid(hello.Token) {
		sess.writeFrame(ctx, gather.Frame{Op: "connected", Res: "unauthorized"})
		conn.Close(websocket.StatusNormalClosure, "unauthorized")
		return
	}

	if err := sess.writeFrame(ctx, gather.Frame{Op: "connected", Res: "ok"}); err != nil {
		return
	}

	h.mu.Lock()
	h.sessions = append(h.sessions, sess)
	h.mu.Unlock()

	for {
		var f gather.Frame
		if err := readWSFrame(ctx, conn, &f); err != nil {
			return
		}

		switch f.Op {
		case "subscribe":
			sess.mu.Lock()
			sess.subs[f.Destination] = true
			sess.mu.Unlock()

		case "unsubscribe":
			sess.mu.Lock()
			delete(sess.subs, f.Destination)
			sess.mu.Unlock()

		case "ping":
			sess.writeFrame(ctx, gather.Frame{Op: "pong"})

		case "send":
			var msg gather.ChatMessage
			if json.Unmarshal(f.Body, &msg) == nil {
				h.mu.Lock()
				h.sentMessages = append(h.sentMessages, msg)
				h.mu.Unlock()
			}
		}
	}
}

func readWSFrame(ctx context.Context, conn *websocket.Conn, f *gather.Frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, f)
}

// currentWS returns the most recent realtime session, or nil.
func (h *harness) currentWS() *wsSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) == 0 {
		return nil
	}

	return h.sessions[len(h.sessions)-1]
}

// pushFrame delivers a message frame to the connected client.
func (h *harness) pushFrame(t *testing.T, destination string, body any) {
	t.Helper()

	sess := h.currentWS()
	require.NotNil(t, sess, "no realtime session connected")

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	require.NoError(t, sess.writeFrame(context.Background(), gather.Frame{
		Op:          "message",
		Destination: destination,
		Body:        raw,
	}))
}

func (h *harness) sentMessageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.sentMessages)
}

// --- client stack ---

// stack wires the real production components the way cmd/gather-sync does.
type stack struct {
	Store     *state.Store
	Client    *gather.Client
	Refresher *auth.Refresher
	Realtime  *gather.Realtime
	Session   *session.Session
}

func newStack(t *testing.T, h *harness, stateDir string) *stack {
	t.Helper()

	store, err := state.LoadAt(filepath.Join(stateDir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.DiscardHandler)

	client := gather.NewClient(h.Client, h.URL)
	client.SetTokenSource(store)

	refresher := auth.NewRefresher(store, client, logger)
	t.Cleanup(refresher.Stop)
	client.SetAuthRecoverer(refresher)

	realtime := gather.NewRealtime(gather.RealtimeConfig{
		URL:    h.WSURL,
		Tokens: store,
		Device: "e2e",
	}, logger)

	sess := session.New(client, store, refresher, realtime, logger)
	client.SetOnAuthExpired(sess.Logout)
	t.Cleanup(sess.Close)

	return &stack{
		Store:     store,
		Client:    client,
		Refresher: refresher,
		Realtime:  realtime,
		Session:   sess,
	}
}

// startRealtime runs the channel in the background and waits for it to
// come up.
func (s *stack) startRealtime(t *testing.T, ctx context.Context) {
	t.Helper()

	go s.Session.Run(ctx)

	require.Eventually(t, s.Session.IsConnected, 5*time.Second, 10*time.Millisecond,
		"realtime channel never connected")
}
