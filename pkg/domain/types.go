package domain

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
)

// ErrInvalidRole is returned when a role value is not one of the known roles.
var ErrInvalidRole = errors.New("invalid role")

// ParseRole normalizes a raw role value into its canonical form.
// It is the only place where role strings coming from outside are interpreted.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCustomer:
		return RoleCustomer, nil
	case RoleStaff:
		return RoleStaff, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", ErrInvalidRole
	}
}

// IsStaffOrAdmin reports whether the role belongs to shop personnel.
func (r Role) IsStaffOrAdmin() bool {
	return r == RoleStaff || r == RoleAdmin
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// UserRef is the messaging view of a user owned by the user service.
type UserRef struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name,omitempty"`
}

// Booking is the messaging view of a booking owned by the booking service.
type Booking struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"ownerUserId"`
	Status      string `json:"status,omitempty"`
}

type ConversationType string

const (
	ConversationBooking ConversationType = "booking"
	ConversationDirect  ConversationType = "direct"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationClosed   ConversationStatus = "closed"
	ConversationDeleted  ConversationStatus = "deleted"
)

// ParseConversationStatus validates a status filter value.
func ParseConversationStatus(raw string) (ConversationStatus, bool) {
	switch s := ConversationStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case ConversationActive, ConversationArchived, ConversationClosed, ConversationDeleted:
		return s, true
	default:
		return "", false
	}
}

// CanTransitionTo reports whether a status change is allowed.
// Only active and archived may move back and forth; deleted is terminal.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	switch s {
	case ConversationActive:
		return next == ConversationArchived || next == ConversationClosed || next == ConversationDeleted
	case ConversationArchived:
		return next == ConversationActive || next == ConversationClosed || next == ConversationDeleted
	case ConversationClosed:
		return next == ConversationDeleted
	default:
		return false
	}
}

type Participant struct {
	UserID      string    `json:"userId"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	UnreadCount int       `json:"-"`
}

// MessagePreview is the denormalized last-message snapshot kept on a conversation.
type MessagePreview struct {
	MessageID string      `json:"messageId"`
	Content   string      `json:"content"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"messageType"`
	Timestamp time.Time   `json:"timestamp"`
}

type Conversation struct {
	ID           string             `json:"id"`
	Type         ConversationType   `json:"type"`
	Status       ConversationStatus `json:"status"`
	Participants []Participant      `json:"participants"`
	BookingID    string             `json:"bookingId,omitempty"`
	PairKey      string             `json:"-"`
	LastMessage  *MessagePreview    `json:"lastMessage,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// HasParticipant reports whether userID is in the participant set.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns participant user ids in join order.
func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// DirectPairKey returns the order-independent key of a direct conversation.
// The first id is length-prefixed so ids containing the separator cannot
// produce the same key for different pairs.
func DirectPairKey(a, b string) string {
	ids := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(ids)
	return strconv.Itoa(len(ids[0])) + ":" + ids[0] + ":" + ids[1]
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// MaxMessageLength is the maximum number of characters in message content.
const MaxMessageLength = 2000

type Attachment struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderRole     Role         `json:"senderRole"`
	Content        string       `json:"content"`
	Type           MessageType  `json:"type"`
	Attachment     *Attachment  `json:"attachment,omitempty"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	UnreadBy       []string     `json:"unreadBy"`
	IsDeleted      bool         `json:"isDeleted"`
	DeletedAt      *time.Time   `json:"deletedAt,omitempty"`
	EditHistory    []EditRecord `json:"editHistory,omitempty"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Preview builds the conversation preview for this message.
func (m Message) Preview() *MessagePreview {
	return &MessagePreview{
		MessageID: m.ID,
		Content:   m.Content,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Timestamp: m.CreatedAt,
	}
}

// Page is a paginated result.
type Page[T any] struct {
	Items []T   `json:"items"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}
