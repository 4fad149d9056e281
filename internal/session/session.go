package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/rgoodwin/gather-sync/gather"
	"github.com/rgoodwin/gather-sync/internal/auth"
	"github.com/rgoodwin/gather-sync/internal/counters"
	apperrors "github.com/rgoodwin/gather-sync/internal/errors"
	"github.com/rgoodwin/gather-sync/internal/state"
)

// API is the REST surface the session needs. Satisfied by *gather.Client.
type API interface {
	counters.ReactionAPI

	Login(ctx context.Context, email, password string) (*gather.LoginResponse, error)
	ConversationPreviews(ctx context.Context, userID int64) ([]gather.ConversationPreview, error)
	MarkConversationRead(ctx context.Context, conversationID, userID, lastMessageID int64) error
	Notifications(ctx context.Context, userID int64) ([]gather.Notification, error)
	UnreadNotificationCount(ctx context.Context, userID int64) (int, error)
	MarkNotificationRead(ctx context.Context, notificationID int64) error
}

// Channel is the realtime surface the session needs. Satisfied by
// *gather.Realtime.
type Channel interface {
	Run(ctx context.Context) error
	Subscribe(topic string, h gather.FrameHandler) *gather.Subscription
	Publish(ctx context.Context, destination string, body any) error
	State() gather.ConnState
	Close() error
}

// TokenRefresher is the refresh scheduler surface the session needs.
// Satisfied by *auth.Refresher.
type TokenRefresher interface {
	ScheduleNextRefresh()
	Stop()
	SetOnSessionEnd(fn func())
}

// Session is the composition root for one logged-in user: it wires the
// credential store, the refresh scheduler, the realtime channel, and the
// counter engines into process-wide state scoped to "is a user logged
// in", and exposes the derived read models the rest of an application
// consumes.
//
// The session is torn down entirely on logout and rebuilt entirely on
// login; nothing is reused across identity changes. Self-initiated
// logout, terminal refresh failure, and a terminal 401 all converge on
// the same idempotent teardown.
type Session struct {
	logger    *slog.Logger
	api       API
	store     *state.Store
	refresher TokenRefresher
	channel   Channel

	mu        sync.Mutex
	active    bool
	userID    int64
	email     string
	unread    *counters.Unread
	reactions *counters.Reactions
	notifSub  *gather.Subscription
	cancelRun context.CancelFunc

	notifMu       sync.Mutex
	notifications []gather.Notification
	notifUnread   int

	onNotification func(gather.Notification)
}

// New wires a session over the injected collaborators and registers the
// session teardown as the refresher's terminal-failure callback.
func New(api API, store *state.Store, refresher TokenRefresher, channel Channel, logger *slog.Logger) *Session {
	s := &Session{
		logger:    logger,
		api:       api,
		store:     store,
		refresher: refresher,
		channel:   channel,
	}

	refresher.SetOnSessionEnd(s.endSession)

	return s
}

// SetNotificationHandler registers a hook invoked for every inbound
// notification frame, after the local feed is updated.
func (s *Session) SetNotificationHandler(fn func(gather.Notification)) {
	s.notifMu.Lock()
	s.onNotification = fn
	s.notifMu.Unlock()
}

// Login authenticates, persists the credential pair, arms the refresh
// scheduler, registers the notification queue subscription, and hydrates
// counters from server snapshots. Run must be called to bring the
// realtime channel up.
func (s *Session) Login(ctx context.Context, email, password string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("session already active; logout first")
	}
	s.mu.Unlock()

	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		return err
	}

	pair := state.TokenPair{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		Email:        resp.Email,
	}
	if pair.Email == "" {
		pair.Email = email
	}

	if err := s.store.SaveTokenPair(pair); err != nil {
		return fmt.Errorf("persisting credentials: %w", err)
	}

	return s.begin(ctx, pair)
}

// Resume starts a session from a previously persisted credential pair
// without logging in again. The refresh scheduler decides whether an
// immediate refresh is needed.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("session already active; logout first")
	}
	s.mu.Unlock()

	pair, ok := s.store.TokenPair()
	if !ok {
		return apperrors.ErrMissingCredential
	}

	return s.begin(ctx, pair)
}

func (s *Session) begin(ctx context.Context, pair state.TokenPair) error {
	sub, err := auth.Subject(pair.AccessToken)
	if err != nil {
		return fmt.Errorf("reading token subject: %w", err)
	}

	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return fmt.Errorf("token subject %q is not a user id: %w", sub, err)
	}

	s.mu.Lock()
	s.active = true
	s.userID = userID
	s.email = pair.Email
	s.unread = counters.NewUnread(userID)
	s.reactions = counters.NewReactions(s.api, userID, s.logger)
	s.notifSub = s.channel.Subscribe(gather.NotificationQueue(userID), s.handleNotificationFrame)
	s.mu.Unlock()

	s.refresher.ScheduleNextRefresh()
	s.hydrate(ctx, userID)

	s.logger.Info("session started",
		slog.Int64("user_id", userID),
		slog.String("email", pair.Email),
	)

	return nil
}

// hydrate pulls the server snapshots the counters start from. Failures
// are logged, not fatal: the session still works, counters just start
// from zero until the next snapshot.
func (s *Session) hydrate(ctx context.Context, userID int64) {
	previews, err := s.api.ConversationPreviews(ctx, userID)
	if err != nil {
		s.logger.Warn("hydrating conversation previews failed", slog.String("error", err.Error()))
	} else {
		s.mu.Lock()
		if s.unread != nil {
			s.unread.Hydrate(previews)
		}
		s.mu.Unlock()
	}

	notifications, err := s.api.Notifications(ctx, userID)
	if err != nil {
		s.logger.Warn("hydrating notifications failed", slog.String("error", err.Error()))
		return
	}

	count, err := s.api.UnreadNotificationCount(ctx, userID)
	if err != nil {
		s.logger.Warn("hydrating unread notification count failed", slog.String("error", err.Error()))

		count = 0
		for _, n := range notifications {
			if !n.Read {
				count++
			}
		}
	}

	s.notifMu.Lock()
	s.notifications = notifications
	s.notifUnread = count
	s.notifMu.Unlock()
}

// Run drives the realtime channel until the context is cancelled, the
// session ends, or the channel gives up reconnecting.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	err := s.channel.Run(runCtx)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Logout ends the session: credentials cleared, refresh timer stopped,
// channel closed, counters reset. Idempotent; also invoked by the
// refresher on terminal refresh failure and by 401 handling.
func (s *Session) Logout() {
	s.endSession()
}

// Close stops the session without clearing the persisted credentials, so
// the next start can Resume. Used at daemon shutdown.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.cancelRun = nil
	s.mu.Unlock()

	s.refresher.Stop()

	if cancel != nil {
		cancel()
	}

	s.channel.Close()
}

func (s *Session) endSession() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false

	cancel := s.cancelRun
	s.cancelRun = nil
	notifSub := s.notifSub
	s.notifSub = nil
	unread := s.unread
	reactions := s.reactions
	s.userID = 0
	s.email = ""
	s.mu.Unlock()

	s.refresher.Stop()

	if err := s.store.ClearTokenPair(); err != nil {
		s.logger.Warn("failed to clear credentials", slog.String("error", err.Error()))
	}

	if notifSub != nil {
		notifSub.Unsubscribe()
	}

	if cancel != nil {
		cancel()
	}

	s.channel.Close()

	if unread != nil {
		unread.Reset()
	}

	if reactions != nil {
		reactions.Reset()
	}

	s.notifMu.Lock()
	s.notifications = nil
	s.notifUnread = 0
	s.notifMu.Unlock()

	s.logger.Info("session ended")
}

// Active reports whether a user is logged in.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// UserID returns the logged-in user's id, 0 when logged out.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID
}

// IsConnected reports whether the realtime channel is live.
func (s *Session) IsConnected() bool {
	return s.channel.State() == gather.StateConnected
}

// ConnectionState returns the realtime channel state.
func (s *Session) ConnectionState() gather.ConnState {
	return s.channel.State()
}

// TotalUnreadCount returns the sum of unread counts across conversations.
func (s *Session) TotalUnreadCount() int {
	s.mu.Lock()
	unread := s.unread
	s.mu.Unlock()

	if unread == nil {
		return 0
	}

	return unread.TotalCount()
}

// TotalUnreadConversations returns how many conversations have unread
// messages.
func (s *Session) TotalUnreadConversations() int {
	s.mu.Lock()
	unread := s.unread
	s.mu.Unlock()

	if unread == nil {
		return 0
	}

	return unread.TotalConversations()
}

// Notifications returns a copy of the notification feed, newest first.
func (s *Session) Notifications() []gather.Notification {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	out := make([]gather.Notification, len(s.notifications))
	copy(out, s.notifications)

	return out
}

// UnreadNotificationCount returns the local unread notification count.
func (s *Session) UnreadNotificationCount() int {
	s.notifMu.Lock()
	defer s.notifMu.Unlock()

	return s.notifUnread
}

// JoinConversation marks the conversation as the active one (so inbound
// messages for it stop counting as unread) and subscribes its topic.
// The caller owns the returned subscription and unsubscribes it when the
// conversation view goes away.
func (s *Session) JoinConversation(conversationID int64) *gather.Subscription {
	s.mu.Lock()
	unread := s.unread
	s.mu.Unlock()

	if unread == nil {
		return nil
	}

	unread.SetActive(conversationID)

	return s.channel.Subscribe(gather.ConversationTopic(conversationID), s.handleChatFrame)
}

// LeaveConversation clears the active-conversation marker if it still
// points at the given conversation.
func (s *Session) LeaveConversation(conversationID int64) {
	s.mu.Lock()
	unread := s.unread
	s.mu.Unlock()

	if unread != nil && unread.Active() == conversationID {
		unread.SetActive(0)
	}
}

// MarkRead records the conversation as read on the server and clears its
// local unread entry.
func (s *Session) MarkRead(ctx context.Context, conversationID, lastMessageID int64) error {
	s.mu.Lock()
	userID := s.userID
	unread := s.unread
	s.mu.Unlock()

	if unread == nil {
		return fmt.Errorf("no active session")
	}

	if err := s.api.MarkConversationRead(ctx, conversationID, userID, lastMessageID); err != nil {
		return err
	}

	unread.MarkRead(conversationID)

	return nil
}

// SendMessage publishes a chat message over the realtime channel. Refused
// with ErrNotConnected while the channel is down.
func (s *Session) SendMessage(ctx context.Context, conversationID int64, content string) error {
	s.mu.Lock()
	userID := s.userID
	email := s.email
	active := s.active
	s.mu.Unlock()

	if !active {
		return fmt.Errorf("no active session")
	}

	msg := gather.ChatMessage{
		ConversationID: conversationID,
		SenderID:       userID,
		SenderName:     email,
		Content:        content,
	}

	return s.channel.Publish(ctx, gather.ChatSendDestination, msg)
}

// ToggleReaction toggles the caller's reaction on an entity.
func (s *Session) ToggleReaction(ctx context.Context, target gather.ReactionTarget, targetID, reactionTypeID int64) error {
	s.mu.Lock()
	reactions := s.reactions
	s.mu.Unlock()

	if reactions == nil {
		return fmt.Errorf("no active session")
	}

	return reactions.Toggle(ctx, target, targetID, reactionTypeID)
}

// ReactionTally returns a copy of the local tally for one entity.
func (s *Session) ReactionTally(target gather.ReactionTarget, targetID int64) counters.Tally {
	s.mu.Lock()
	reactions := s.reactions
	s.mu.Unlock()

	if reactions == nil {
		return counters.Tally{Counts: map[int64]int{}}
	}

	return reactions.Tally(target, targetID)
}

// HydrateReactions fetches the authoritative reaction list for an entity
// and seeds the local tally. Called when a post or comment comes into view.
func (s *Session) HydrateReactions(ctx context.Context, target gather.ReactionTarget, targetID int64) error {
	s.mu.Lock()
	reactions := s.reactions
	s.mu.Unlock()

	if reactions == nil {
		return fmt.Errorf("no active session")
	}

	list, err := s.api.ListReactions(ctx, target, targetID)
	if err != nil {
		return err
	}

	reactions.Hydrate(target, targetID, list)

	return nil
}

// MarkNotificationRead marks one notification read on the server and in
// the local feed.
func (s *Session) MarkNotificationRead(ctx context.Context, notificationID int64) error {
	if err := s.api.MarkNotificationRead(ctx, notificationID); err != nil {
		return err
	}

	s.notifMu.Lock()
	for i := range s.notifications {
		if s.notifications[i].ID == notificationID && !s.notifications[i].Read {
			s.notifications[i].Read = true

			if s.notifUnread > 0 {
				s.notifUnread--
			}

			break
		}
	}
	s.notifMu.Unlock()

	return nil
}

// handleChatFrame feeds inbound conversation frames into the unread
// engine. Runs on the channel's event loop goroutine.
func (s *Session) handleChatFrame(f gather.Frame) {
	var msg gather.ChatMessage
	if err := json.Unmarshal(f.Body, &msg); err != nil {
		s.logger.Warn("failed to decode chat frame", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	unread := s.unread
	s.mu.Unlock()

	if unread != nil {
		unread.Inbound(msg.ConversationID, msg.SenderID)
	}
}

// handleNotificationFrame appends inbound notifications to the local
// feed. Delivery is a direct method call on the subscription, not an
// ambient broadcast; interested components register via
// SetNotificationHandler.
func (s *Session) handleNotificationFrame(f gather.Frame) {
	var n gather.Notification
	if err := json.Unmarshal(f.Body, &n); err != nil {
		s.logger.Warn("failed to decode notification frame", slog.String("error", err.Error()))
		return
	}

	s.notifMu.Lock()
	s.notifications = append([]gather.Notification{n}, s.notifications...)

	if !n.Read {
		s.notifUnread++
	}

	handler := s.onNotification
	s.notifMu.Unlock()

	if handler != nil {
		handler(n)
	}
}
