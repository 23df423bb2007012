package store

import (
	"context"
	"errors"
	"time"

	"motochat/pkg/domain"
)

var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate indicates a uniqueness constraint rejected the write.
	ErrDuplicate = errors.New("store: duplicate record")
)

// ListScope selects the role-specific conversation listing query.
type ListScope int

const (
	// ScopeParticipant lists conversations of any type the user participates in.
	ScopeParticipant ListScope = iota
	// ScopeDirectParticipant lists direct conversations the user participates in.
	ScopeDirectParticipant
	// ScopeStaff lists every booking conversation plus direct conversations the user participates in.
	ScopeStaff
	// ScopeAll matches every conversation.
	ScopeAll
)

// ConversationQuery filters and paginates conversation listings.
// Results are ordered by most recent activity first.
type ConversationQuery struct {
	UserID   string
	Scope    ListScope
	Statuses []domain.ConversationStatus
	Offset   int
	Limit    int
}

// MessageQuery paginates the non-deleted messages of a conversation, newest first.
type MessageQuery struct {
	ConversationID string
	Offset         int
	Limit          int
}

// SearchQuery is a case-insensitive substring search over non-deleted content
// of the conversations UserID can see under Scope.
type SearchQuery struct {
	Text   string
	UserID string
	Scope  ListScope
	Offset int
	Limit  int
}

// Store persists conversations and messages.
//
// Unread state is kept as one row per (message, user). Participants carry a
// cached unread count that every mutation path updates in the same
// transaction; callers needing exact counts use UnreadCounts instead.
type Store interface {
	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	FindBookingConversation(ctx context.Context, bookingID string) (domain.Conversation, bool, error)
	FindDirectConversation(ctx context.Context, pairKey string) (domain.Conversation, bool, error)
	ListConversations(ctx context.Context, q ConversationQuery) ([]domain.Conversation, int64, error)
	AddParticipant(ctx context.Context, conversationID string, p domain.Participant) (bool, error)
	SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus, at time.Time) error
	DeleteConversation(ctx context.Context, id string, at time.Time) error
	UpdatePreview(ctx context.Context, conversationID string, preview *domain.MessagePreview, at time.Time) error
	// AdvancePreview writes preview only if it is not older than the stored
	// one. A skipped write is not an error.
	AdvancePreview(ctx context.Context, conversationID string, preview domain.MessagePreview, at time.Time) error
	ConversationPeers(ctx context.Context, userID string) ([]string, error)

	// messages
	CreateMessage(ctx context.Context, msg domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	LatestMessage(ctx context.Context, conversationID string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]domain.Message, int64, error)
	SearchMessages(ctx context.Context, q SearchQuery) ([]domain.Message, int64, error)
	EditMessage(ctx context.Context, id, content string, at time.Time) (domain.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) error
	PurgeDeletedMessages(ctx context.Context, before time.Time, limit int) ([]domain.Message, error)

	// read state
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, error)
	UnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int64, error)
	CachedUnreadTotal(ctx context.Context, userID string) (int64, error)
	RecountUnread(ctx context.Context, conversationID string) error
}
