package counters

import (
	"sync"

	"github.com/rgoodwin/gather-sync/gather"
)

// Unread tracks per-conversation unread message counts, updated
// optimistically from inbound chat frames and corrected from server
// snapshots at session start.
//
// Two exclusions apply on inbound messages: self-authored messages and
// messages for the currently-viewed conversation never count as unread.
// Reading a conversation clears its entry wholesale, never partially.
type Unread struct {
	mu     sync.RWMutex
	selfID int64
	active int64 // 0 = no conversation open
	counts map[int64]int
}

// NewUnread creates an unread tracker for the given user.
func NewUnread(selfID int64) *Unread {
	return &Unread{
		selfID: selfID,
		counts: make(map[int64]int),
	}
}

// Inbound records one inbound message. No-op when the sender is self or
// the conversation is the active one.
func (u *Unread) Inbound(conversationID, senderID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if senderID == u.selfID || conversationID == u.active {
		return
	}

	u.counts[conversationID]++
}

// MarkRead clears the unread entry for one conversation. Entries for
// other conversations are untouched.
func (u *Unread) MarkRead(conversationID int64) {
	u.mu.Lock()
	delete(u.counts, conversationID)
	u.mu.Unlock()
}

// SetActive records the conversation currently being viewed and clears
// its unread entry. Passing 0 means no conversation is open.
func (u *Unread) SetActive(conversationID int64) {
	u.mu.Lock()
	u.active = conversationID

	if conversationID != 0 {
		delete(u.counts, conversationID)
	}
	u.mu.Unlock()
}

// Active returns the currently-viewed conversation, 0 when none.
func (u *Unread) Active() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.active
}

// Hydrate applies a server snapshot: every preview with a positive unread
// count overwrites the local entry. Snapshot overwrite, not additive;
// only invoked at session start so it never fights a live increment.
func (u *Unread) Hydrate(previews []gather.ConversationPreview) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, p := range previews {
		if p.UnreadCount > 0 {
			u.counts[p.ID] = p.UnreadCount
		}
	}
}

// Count returns the unread count for one conversation.
func (u *Unread) Count(conversationID int64) int {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return u.counts[conversationID]
}

// TotalCount returns the sum of all unread counts.
func (u *Unread) TotalCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()

	total := 0
	for _, n := range u.counts {
		total += n
	}

	return total
}

// TotalConversations returns how many conversations have unread messages.
func (u *Unread) TotalConversations() int {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return len(u.counts)
}

// Reset drops all unread state. Used at logout.
func (u *Unread) Reset() {
	u.mu.Lock()
	u.counts = make(map[int64]int)
	u.active = 0
	u.mu.Unlock()
}
