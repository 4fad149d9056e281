package gather

import (
	"encoding/json"
	"time"
)

// LoginRequest is the payload for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the credential pair issued at login.
type LoginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Email        string `json:"email"`
}

// RefreshRequest is the payload for POST /auth/refreshToken.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// RefreshResponse carries the rotated credential pair.
type RefreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// ConversationPreview is one row of GET /conversations/preview.
type ConversationPreview struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	LastMessage   string `json:"lastMessage"`
	LastMessageID int64  `json:"lastMessageId"`
	UnreadCount   int    `json:"unreadCount"`
}

// ChatMessage is a chat frame body, both inbound on conversation topics
// and outbound on the chat send destination.
type ChatMessage struct {
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt,omitzero"`
}

// Notification is one entry of GET /notifications/{userId} and the body
// of frames on the per-user notification queue.
type Notification struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// UnreadCountResponse is the body of GET /notifications/{userId}/unread-count.
type UnreadCountResponse struct {
	Count int `json:"count"`
}

// ReactionTarget selects which reactable entity a reaction call addresses.
type ReactionTarget string

const (
	ReactionTargetPost    ReactionTarget = "team-post"
	ReactionTargetComment ReactionTarget = "team-post-comment"
)

// Reaction identifies one user's reaction against a reactable entity.
type Reaction struct {
	UserID         int64 `json:"userId"`
	TargetID       int64 `json:"targetId"`
	ReactionTypeID int64 `json:"reactionTypeId"`
}

// APIError is the error envelope the backend returns on failures.
type APIError struct {
	Error string `json:"error"`
}

// Frame is one message on the realtime channel. The protocol is a small
// subscribe/publish vocabulary carried as JSON text frames: connect,
// connected, subscribe, unsubscribe, send, message, ping, pong.
type Frame struct {
	Op          string          `json:"op"`
	ID          string          `json:"id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Token       string          `json:"token,omitempty"`
	Res         string          `json:"res,omitempty"`
}
