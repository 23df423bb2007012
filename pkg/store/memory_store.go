package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"motochat/pkg/domain"
)

// MemoryStore keeps conversations and messages in-process. It enforces the
// same uniqueness rules as the database and is meant for tests and local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	unread        map[string]map[string]struct{} // message ID -> user IDs
	edits         map[string][]domain.EditRecord
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string]domain.Message),
		unread:        make(map[string]map[string]struct{}),
		edits:         make(map[string][]domain.EditRecord),
	}
}

func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversations[c.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range m.conversations {
		if existing.Status == domain.ConversationDeleted || existing.Type != c.Type {
			continue
		}
		if c.Type == domain.ConversationBooking && existing.BookingID == c.BookingID {
			return ErrDuplicate
		}
		if c.Type == domain.ConversationDirect && existing.PairKey == c.PairKey {
			return ErrDuplicate
		}
	}
	seen := make(map[string]struct{}, len(c.Participants))
	participants := make([]domain.Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		participants = append(participants, p)
	}
	c.Participants = participants
	m.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	return cloneConversation(c), true, nil
}

func (m *MemoryStore) FindBookingConversation(_ context.Context, bookingID string) (domain.Conversation, bool, error) {
	return m.findLive(func(c domain.Conversation) bool {
		return c.Type == domain.ConversationBooking && c.BookingID == bookingID
	})
}

func (m *MemoryStore) FindDirectConversation(_ context.Context, pairKey string) (domain.Conversation, bool, error) {
	return m.findLive(func(c domain.Conversation) bool {
		return c.Type == domain.ConversationDirect && c.PairKey == pairKey
	})
}

func (m *MemoryStore) findLive(match func(domain.Conversation) bool) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.conversations {
		if c.Status != domain.ConversationDeleted && match(c) {
			return cloneConversation(c), true, nil
		}
	}
	return domain.Conversation{}, false, nil
}

func (m *MemoryStore) ListConversations(_ context.Context, q ConversationQuery) ([]domain.Conversation, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make(map[domain.ConversationStatus]struct{}, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses[s] = struct{}{}
	}
	var matched []domain.Conversation
	for _, c := range m.conversations {
		if len(statuses) > 0 {
			if _, ok := statuses[c.Status]; !ok {
				continue
			}
		}
		if inScope(c, q.UserID, q.Scope) {
			matched = append(matched, cloneConversation(c))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ai, aj := activityAt(matched[i]), activityAt(matched[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return matched[i].ID > matched[j].ID
	})
	return paginate(matched, q.Offset, q.Limit), int64(len(matched)), nil
}

func (m *MemoryStore) AddParticipant(_ context.Context, conversationID string, p domain.Participant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return false, ErrNotFound
	}
	if c.HasParticipant(p.UserID) {
		return false, nil
	}
	c.Participants = append(c.Participants, p)
	m.conversations[conversationID] = c
	return true, nil
}

func (m *MemoryStore) SetConversationStatus(_ context.Context, id string, status domain.ConversationStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = at.UTC()
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	c.Status = domain.ConversationDeleted
	c.UpdatedAt = at
	for i := range c.Participants {
		c.Participants[i].UnreadCount = 0
	}
	m.conversations[id] = c
	for msgID, msg := range m.messages {
		if msg.ConversationID != id || msg.IsDeleted {
			continue
		}
		deletedAt := at
		msg.IsDeleted = true
		msg.DeletedAt = &deletedAt
		msg.UpdatedAt = at
		m.messages[msgID] = msg
		delete(m.unread, msgID)
	}
	return nil
}

func (m *MemoryStore) UpdatePreview(_ context.Context, conversationID string, preview *domain.MessagePreview, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if preview != nil {
		p := *preview
		c.LastMessage = &p
	} else {
		c.LastMessage = nil
	}
	c.UpdatedAt = at.UTC()
	m.conversations[conversationID] = c
	return nil
}

func (m *MemoryStore) AdvancePreview(_ context.Context, conversationID string, preview domain.MessagePreview, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.LastMessage != nil && c.LastMessage.Timestamp.After(preview.Timestamp) {
		return nil
	}
	c.LastMessage = &preview
	c.UpdatedAt = at.UTC()
	m.conversations[conversationID] = c
	return nil
}

func (m *MemoryStore) ConversationPeers(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, c := range m.conversations {
		if c.Status == domain.ConversationDeleted || !c.HasParticipant(userID) {
			continue
		}
		for _, p := range c.Participants {
			if p.UserID != userID {
				seen[p.UserID] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return ErrDuplicate
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	readers := make(map[string]struct{}, len(msg.UnreadBy))
	for _, userID := range msg.UnreadBy {
		readers[userID] = struct{}{}
	}
	for i := range c.Participants {
		if _, ok := readers[c.Participants[i].UserID]; ok {
			c.Participants[i].UnreadCount++
		}
	}
	m.conversations[c.ID] = c
	m.unread[msg.ID] = readers
	msg.UnreadBy = nil
	msg.EditHistory = nil
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return m.hydrateLocked(msg), true, nil
}

func (m *MemoryStore) LatestMessage(_ context.Context, conversationID string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.liveMessagesLocked(func(msg domain.Message) bool { return msg.ConversationID == conversationID })
	if len(msgs) == 0 {
		return domain.Message{}, false, nil
	}
	return msgs[0], true, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, q MessageQuery) ([]domain.Message, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.liveMessagesLocked(func(msg domain.Message) bool { return msg.ConversationID == q.ConversationID })
	return paginate(msgs, q.Offset, q.Limit), int64(len(msgs)), nil
}

func (m *MemoryStore) SearchMessages(_ context.Context, q SearchQuery) ([]domain.Message, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(q.Text)
	msgs := m.liveMessagesLocked(func(msg domain.Message) bool {
		if !strings.Contains(strings.ToLower(msg.Content), needle) {
			return false
		}
		c, ok := m.conversations[msg.ConversationID]
		return ok && inScope(c, q.UserID, q.Scope)
	})
	return paginate(msgs, q.Offset, q.Limit), int64(len(msgs)), nil
}

func inScope(c domain.Conversation, userID string, scope ListScope) bool {
	member := c.HasParticipant(userID)
	switch scope {
	case ScopeParticipant:
		return member
	case ScopeDirectParticipant:
		return member && c.Type == domain.ConversationDirect
	case ScopeStaff:
		return c.Type == domain.ConversationBooking || (member && c.Type == domain.ConversationDirect)
	case ScopeAll:
		return true
	}
	return false
}

func (m *MemoryStore) EditMessage(_ context.Context, id, content string, at time.Time) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.IsDeleted {
		return domain.Message{}, ErrNotFound
	}
	at = at.UTC()
	m.edits[id] = append(m.edits[id], domain.EditRecord{Content: msg.Content, EditedAt: at})
	editedAt := at
	msg.Content = content
	msg.EditedAt = &editedAt
	msg.UpdatedAt = at
	m.messages[id] = msg
	return m.hydrateLocked(msg), nil
}

func (m *MemoryStore) SoftDeleteMessage(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.IsDeleted {
		return nil
	}
	at = at.UTC()
	msg.IsDeleted = true
	msg.DeletedAt = &at
	msg.UpdatedAt = at
	m.messages[id] = msg
	readers := m.unread[id]
	delete(m.unread, id)
	if c, ok := m.conversations[msg.ConversationID]; ok {
		for i := range c.Participants {
			if _, was := readers[c.Participants[i].UserID]; was && c.Participants[i].UnreadCount > 0 {
				c.Participants[i].UnreadCount--
			}
		}
		m.conversations[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) PurgeDeletedMessages(_ context.Context, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []domain.Message
	for _, msg := range m.messages {
		if msg.IsDeleted && msg.DeletedAt != nil && msg.DeletedAt.Before(before) {
			expired = append(expired, cloneMessage(msg))
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].DeletedAt.Before(*expired[j].DeletedAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, msg := range expired {
		delete(m.messages, msg.ID)
		delete(m.unread, msg.ID)
		delete(m.edits, msg.ID)
	}
	return expired, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, conversationID, userID string, messageIDs []string) ([]string, error) {
	if messageIDs != nil && len(messageIDs) == 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []string
	if messageIDs == nil {
		for id, msg := range m.messages {
			if msg.ConversationID == conversationID {
				candidates = append(candidates, id)
			}
		}
		sort.Strings(candidates)
	} else {
		candidates = messageIDs
	}
	var removed []string
	for _, id := range candidates {
		msg, ok := m.messages[id]
		if !ok || msg.ConversationID != conversationID {
			continue
		}
		if _, unread := m.unread[id][userID]; unread {
			delete(m.unread[id], userID)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.syncUnreadLocked(conversationID, userID)
	}
	return removed, nil
}

func (m *MemoryStore) UnreadCounts(_ context.Context, userID string, conversationIDs []string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string]int64, len(conversationIDs))
	for msgID, readers := range m.unread {
		if _, ok := readers[userID]; !ok {
			continue
		}
		convID := m.messages[msgID].ConversationID
		if _, ok := wanted[convID]; ok {
			out[convID]++
		}
	}
	return out, nil
}

func (m *MemoryStore) CachedUnreadTotal(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, c := range m.conversations {
		if c.Status == domain.ConversationDeleted {
			continue
		}
		for _, p := range c.Participants {
			if p.UserID == userID {
				total += int64(p.UnreadCount)
			}
		}
	}
	return total, nil
}

func (m *MemoryStore) RecountUnread(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	for _, p := range c.Participants {
		m.syncUnreadLocked(conversationID, p.UserID)
	}
	return nil
}

func (m *MemoryStore) syncUnreadLocked(conversationID, userID string) {
	c, ok := m.conversations[conversationID]
	if !ok {
		return
	}
	count := 0
	for msgID, readers := range m.unread {
		if m.messages[msgID].ConversationID != conversationID {
			continue
		}
		if _, ok := readers[userID]; ok {
			count++
		}
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].UnreadCount = count
		}
	}
	m.conversations[conversationID] = c
}

// liveMessagesLocked returns hydrated non-deleted messages, newest first.
func (m *MemoryStore) liveMessagesLocked(match func(domain.Message) bool) []domain.Message {
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.IsDeleted || !match(msg) {
			continue
		}
		out = append(out, m.hydrateLocked(msg))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemoryStore) hydrateLocked(msg domain.Message) domain.Message {
	out := cloneMessage(msg)
	out.UnreadBy = make([]string, 0, len(m.unread[msg.ID]))
	for userID := range m.unread[msg.ID] {
		out.UnreadBy = append(out.UnreadBy, userID)
	}
	sort.Strings(out.UnreadBy)
	if history := m.edits[msg.ID]; len(history) > 0 {
		out.EditHistory = append([]domain.EditRecord(nil), history...)
	}
	return out
}

func activityAt(c domain.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	c.Participants = append([]domain.Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		p := *c.LastMessage
		c.LastMessage = &p
	}
	return c
}

func cloneMessage(msg domain.Message) domain.Message {
	if msg.Attachment != nil {
		att := *msg.Attachment
		msg.Attachment = &att
	}
	msg.UnreadBy = append([]string(nil), msg.UnreadBy...)
	msg.EditHistory = append([]domain.EditRecord(nil), msg.EditHistory...)
	return msg
}
