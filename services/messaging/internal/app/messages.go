package app

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"motochat/internal/util"
	"motochat/pkg/domain"
	"motochat/pkg/events"
	"motochat/pkg/store"
	"motochat/services/messaging/internal/policy"
	"motochat/services/messaging/internal/realtime"
)

// SendInput is the client-controlled part of a new message.
type SendInput struct {
	Content    string
	Type       string
	ReplyTo    string
	Attachment *domain.Attachment
}

type messageEvent struct {
	ConversationID string         `json:"conversationId"`
	Message        domain.Message `json:"message"`
}

type messagesReadEvent struct {
	ConversationID string   `json:"conversationId"`
	UserID         string   `json:"userId"`
	MessageIDs     []string `json:"messageIds"`
}

type messageDeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type messageCreatedEvent struct {
	ConversationID string             `json:"conversationId"`
	MessageID      string             `json:"messageId"`
	SenderID       string             `json:"senderId"`
	SenderRole     domain.Role        `json:"senderRole"`
	Type           domain.MessageType `json:"type"`
	Recipients     []string           `json:"recipients"`
}

// SendMessage persists a message from the caller. Every other current
// participant starts with the message unread.
func (a *App) SendMessage(ctx context.Context, p domain.Principal, conversationID string, in SendInput) (domain.Message, error) {
	conv, err := a.loadConversation(ctx, p, conversationID, policy.ActionSend)
	if err != nil {
		return domain.Message{}, err
	}
	if conv.Status != domain.ConversationActive {
		return domain.Message{}, invalid("conversation is %s", conv.Status)
	}
	msgType, content, err := validateSend(conv.ID, in)
	if err != nil {
		return domain.Message{}, err
	}
	replyTo := strings.TrimSpace(in.ReplyTo)
	if replyTo != "" {
		parent, found, err := a.store.GetMessage(ctx, replyTo)
		if err != nil {
			return domain.Message{}, a.internal(ctx, "load reply target", err)
		}
		if !found || parent.IsDeleted || parent.ConversationID != conv.ID {
			return domain.Message{}, invalid("replyTo must reference a message in this conversation")
		}
	}
	if conv, err = a.ensureParticipant(ctx, p, conv); err != nil {
		return domain.Message{}, err
	}

	now := a.now()
	unreadBy := make([]string, 0, len(conv.Participants))
	for _, participant := range conv.Participants {
		if participant.UserID != p.UserID {
			unreadBy = append(unreadBy, participant.UserID)
		}
	}
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       p.UserID,
		SenderRole:     p.Role,
		Content:        content,
		Type:           msgType,
		Attachment:     in.Attachment,
		ReplyTo:        replyTo,
		UnreadBy:       unreadBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msg.Attachment != nil {
		attachment := *msg.Attachment
		attachment.URL = ""
		msg.Attachment = &attachment
	}
	if err := a.store.CreateMessage(ctx, msg); err != nil {
		return domain.Message{}, a.internal(ctx, "create message", err)
	}
	a.metrics.MessageSent(string(msg.Type))

	preview := msg.Preview()
	a.updatePreview(ctx, conv.ID, *preview)

	out := a.presentMessage(ctx, msg)
	a.notifier.EmitToConversation(conv.ID, realtime.EventNewMessage, messageEvent{ConversationID: conv.ID, Message: out})
	update := conversationUpdate{
		ConversationID: conv.ID,
		Status:         conv.Status,
		LastMessage:    preview,
		UpdatedAt:      now,
	}
	for _, userID := range unreadBy {
		a.notifier.EmitToUser(userID, realtime.EventConversationUpdated, update)
	}
	a.publish(ctx, events.MessageCreated, messageCreatedEvent{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Type:           msg.Type,
		Recipients:     unreadBy,
	})
	return out, nil
}

// validateSend normalizes the message type and content. Image and file
// messages must reference an attachment uploaded to the same conversation;
// their content defaults to the attachment name.
func validateSend(conversationID string, in SendInput) (domain.MessageType, string, error) {
	msgType := domain.MessageType(strings.ToLower(strings.TrimSpace(in.Type)))
	if msgType == "" {
		msgType = domain.MessageText
	}
	content := strings.TrimSpace(in.Content)
	switch msgType {
	case domain.MessageText:
		if in.Attachment != nil {
			return "", "", invalid("attachments require an image or file message")
		}
	case domain.MessageImage, domain.MessageFile:
		if in.Attachment == nil || strings.TrimSpace(in.Attachment.Key) == "" {
			return "", "", invalid("%s messages require an attachment", msgType)
		}
		if !strings.HasPrefix(in.Attachment.Key, attachmentPrefix(conversationID)) {
			return "", "", invalid("attachment does not belong to this conversation")
		}
		if msgType == domain.MessageImage && !strings.HasPrefix(in.Attachment.ContentType, "image/") {
			return "", "", invalid("image messages require an image attachment")
		}
		if content == "" {
			content = in.Attachment.Name
		}
	case domain.MessageSystem:
		return "", "", invalid("system messages cannot be sent by users")
	default:
		return "", "", invalid("unknown message type %q", in.Type)
	}
	if err := validateContent(content); err != nil {
		return "", "", err
	}
	return msgType, content, nil
}

func validateContent(content string) error {
	if content == "" {
		return invalid("content required")
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageLength {
		return invalid("content exceeds %d characters", domain.MaxMessageLength)
	}
	return nil
}

// GetMessages returns a page of live messages, newest first, and marks the
// returned messages read by the caller.
func (a *App) GetMessages(ctx context.Context, p domain.Principal, conversationID string, req PageRequest) (domain.Page[domain.Message], error) {
	conv, err := a.loadConversation(ctx, p, conversationID, policy.ActionView)
	if err != nil {
		return domain.Page[domain.Message]{}, err
	}
	page, limit, offset := req.normalize(defaultMessageLimit)
	msgs, total, err := a.store.ListMessages(ctx, store.MessageQuery{ConversationID: conv.ID, Offset: offset, Limit: limit})
	if err != nil {
		return domain.Page[domain.Message]{}, a.internal(ctx, "list messages", err)
	}
	var unread []string
	for _, msg := range msgs {
		if slices.Contains(msg.UnreadBy, p.UserID) {
			unread = append(unread, msg.ID)
		}
	}
	if len(unread) > 0 {
		removed, err := a.store.MarkRead(ctx, conv.ID, p.UserID, unread)
		if err != nil {
			return domain.Page[domain.Message]{}, a.internal(ctx, "mark messages read", err)
		}
		a.emitRead(conv.ID, p.UserID, removed)
	}
	items := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg.UnreadBy = removeString(msg.UnreadBy, p.UserID)
		items = append(items, a.presentMessage(ctx, msg))
	}
	return domain.Page[domain.Message]{Items: items, Page: page, Limit: limit, Total: total}, nil
}

// MarkConversationAsRead marks every live message in the conversation read by
// the caller and returns how many were unread.
func (a *App) MarkConversationAsRead(ctx context.Context, p domain.Principal, conversationID string) (int, error) {
	conv, err := a.loadConversation(ctx, p, conversationID, policy.ActionRead)
	if err != nil {
		return 0, err
	}
	removed, err := a.store.MarkRead(ctx, conv.ID, p.UserID, nil)
	if err != nil {
		return 0, a.internal(ctx, "mark conversation read", err)
	}
	a.emitRead(conv.ID, p.UserID, removed)
	return len(removed), nil
}

func (a *App) emitRead(conversationID, userID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	a.notifier.EmitToConversation(conversationID, realtime.EventMessagesRead, messagesReadEvent{
		ConversationID: conversationID,
		UserID:         userID,
		MessageIDs:     messageIDs,
	})
}

// SearchMessages finds live messages containing query, case-insensitively.
func (a *App) SearchMessages(ctx context.Context, p domain.Principal, query string, req PageRequest) (domain.Page[domain.Message], error) {
	if d := policy.CanSearch(p.Role); !d.Allowed {
		return domain.Page[domain.Message]{}, a.deny(ctx, p, policy.ActionView, "", d.Reason)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.Page[domain.Message]{}, invalid("search query required")
	}
	if utf8.RuneCountInString(query) > domain.MaxMessageLength {
		return domain.Page[domain.Message]{}, invalid("search query too long")
	}
	scope, ok := policy.SearchScope(p.Role)
	if !ok {
		return domain.Page[domain.Message]{}, a.deny(ctx, p, policy.ActionView, "", "unknown role")
	}
	page, limit, offset := req.normalize(defaultMessageLimit)
	msgs, total, err := a.store.SearchMessages(ctx, store.SearchQuery{
		Text:   query,
		UserID: p.UserID,
		Scope:  scope,
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		return domain.Page[domain.Message]{}, a.internal(ctx, "search messages", err)
	}
	items := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, a.presentMessage(ctx, msg))
	}
	return domain.Page[domain.Message]{Items: items, Page: page, Limit: limit, Total: total}, nil
}

// EditMessage replaces the content of the caller's own message, keeping the
// previous content in the edit history.
func (a *App) EditMessage(ctx context.Context, p domain.Principal, messageID, content string) (domain.Message, error) {
	msg, conv, err := a.loadMessage(ctx, p, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID != p.UserID {
		return domain.Message{}, a.deny(ctx, p, policy.ActionSend, conv.ID, "only the sender may edit a message")
	}
	if conv.Status != domain.ConversationActive {
		return domain.Message{}, invalid("conversation is %s", conv.Status)
	}
	content = strings.TrimSpace(content)
	if err := validateContent(content); err != nil {
		return domain.Message{}, err
	}
	updated, err := a.store.EditMessage(ctx, msg.ID, content, a.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Message{}, notFound("message")
		}
		return domain.Message{}, a.internal(ctx, "edit message", err)
	}
	if conv.LastMessage != nil && conv.LastMessage.MessageID == updated.ID {
		a.updatePreview(ctx, conv.ID, *updated.Preview())
	}
	out := a.presentMessage(ctx, updated)
	a.notifier.EmitToConversation(conv.ID, realtime.EventMessageUpdated, messageEvent{ConversationID: conv.ID, Message: out})
	return out, nil
}

// DeleteMessage soft-deletes a message. Senders may delete their own
// messages, admins any message.
func (a *App) DeleteMessage(ctx context.Context, p domain.Principal, messageID string) error {
	msg, conv, err := a.loadMessage(ctx, p, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != p.UserID && p.Role != domain.RoleAdmin {
		return a.deny(ctx, p, policy.ActionSend, conv.ID, "only the sender or an admin may delete a message")
	}
	if err := a.store.SoftDeleteMessage(ctx, msg.ID, a.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("message")
		}
		return a.internal(ctx, "delete message", err)
	}
	if conv.LastMessage != nil && conv.LastMessage.MessageID == msg.ID {
		if err := a.RefreshConversationProjection(ctx, conv.ID); err != nil {
			a.schedulePreviewRefresh(ctx, conv.ID, err)
		}
	}
	a.notifier.EmitToConversation(conv.ID, realtime.EventMessageDeleted, messageDeletedEvent{ConversationID: conv.ID, MessageID: msg.ID})
	return nil
}

func (a *App) schedulePreviewRefresh(ctx context.Context, conversationID string, cause error) {
	logger := util.LoggerFromContext(ctx)
	logger.Error("preview_refresh_failed", "conversation_id", conversationID, "err", cause)
	if a.queue == nil {
		return
	}
	a.metrics.PreviewRetried()
	if _, err := a.queue.Enqueue(context.WithoutCancel(ctx), conversationID); err != nil {
		logger.Error("preview_refresh_enqueue_failed", "conversation_id", conversationID, "err", err)
	}
}

// loadMessage fetches a live message and checks the caller can see its conversation.
func (a *App) loadMessage(ctx context.Context, p domain.Principal, messageID string) (domain.Message, domain.Conversation, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return domain.Message{}, domain.Conversation{}, invalid("message id required")
	}
	msg, found, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, domain.Conversation{}, a.internal(ctx, "load message", err)
	}
	if !found || msg.IsDeleted {
		return domain.Message{}, domain.Conversation{}, notFound("message")
	}
	conv, err := a.loadConversation(ctx, p, msg.ConversationID, policy.ActionView)
	if err != nil {
		return domain.Message{}, domain.Conversation{}, err
	}
	return msg, conv, nil
}

// presentMessage attaches a short-lived download URL to the attachment.
func (a *App) presentMessage(ctx context.Context, msg domain.Message) domain.Message {
	if msg.Attachment == nil || a.objects == nil {
		return msg
	}
	attachment := *msg.Attachment
	url, err := a.objects.PresignGet(ctx, attachment.Key, a.attachmentURLTTL)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("attachment_presign_failed", "key", attachment.Key, "err", err)
	} else {
		attachment.URL = url
	}
	msg.Attachment = &attachment
	return msg
}

func removeString(values []string, target string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
