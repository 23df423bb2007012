package realtime

import "encoding/json"

// Server to client events.
const (
	EventNewMessage             = "new_message"
	EventConversationUpdated    = "conversation_updated"
	EventMessagesRead           = "messages_read"
	EventMessageUpdated         = "message_updated"
	EventMessageDeleted         = "message_deleted"
	EventTypingStart            = "typing_start"
	EventTypingStop             = "typing_stop"
	EventConversationArchived   = "conversation_archived"
	EventConversationUnarchived = "conversation_unarchived"
	EventConversationClosed     = "conversation_closed"
	EventConversationDeleted    = "conversation_deleted"
	EventPresenceUpdate         = "presence_update"
	EventOnlineUsers            = "online_users"
	EventJoined                 = "joined"
	EventError                  = "error"
)

// Client to server events. Typing events share their names with the relayed ones.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type presencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type onlineUsersPayload struct {
	UserIDs []string `json:"userIds"`
}

type errorPayload struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// encode marshals an outbound frame once so it can be shared by every
// recipient connection.
func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Data: data})
}
