package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ConversationModel struct {
	ID                  string  `gorm:"primaryKey"`
	Type                string  `gorm:"not null;index"`
	Status              string  `gorm:"not null;index"`
	BookingID           *string `gorm:"index"`
	PairKey             *string `gorm:"index"`
	LastMessageID       string
	LastMessageContent  string `gorm:"type:text"`
	LastMessageSenderID string
	LastMessageType     string
	LastMessageAt       *time.Time
	CreatedAt           time.Time          `gorm:"not null"`
	UpdatedAt           time.Time          `gorm:"not null;index"`
	Participants        []ParticipantModel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

type ParticipantModel struct {
	ConversationID string    `gorm:"primaryKey"`
	UserID         string    `gorm:"primaryKey;index"`
	Role           string    `gorm:"not null"`
	UnreadCount    int       `gorm:"not null;default:0"`
	JoinedAt       time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index:idx_message_conversation_created,priority:1"`
	SenderID       string `gorm:"not null;index"`
	SenderRole     string `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
	Type           string `gorm:"not null"`
	Attachment     datatypes.JSON
	ReplyTo        *string
	IsDeleted      bool       `gorm:"not null;default:false;index"`
	DeletedAt      *time.Time `gorm:"index"`
	EditedAt       *time.Time
	CreatedAt      time.Time `gorm:"not null;index:idx_message_conversation_created,priority:2"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// MessageUnreadModel marks a message as not yet read by a user.
type MessageUnreadModel struct {
	MessageID      string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey;index:idx_unread_user_conversation,priority:1"`
	ConversationID string `gorm:"not null;index:idx_unread_user_conversation,priority:2"`
}

type MessageEditModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	MessageID string    `gorm:"not null;index"`
	Content   string    `gorm:"type:text;not null"`
	EditedAt  time.Time `gorm:"not null"`
}
