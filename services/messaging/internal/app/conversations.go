package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"motochat/pkg/domain"
	"motochat/pkg/events"
	"motochat/pkg/store"
	"motochat/services/messaging/internal/bookingclient"
	"motochat/services/messaging/internal/policy"
	"motochat/services/messaging/internal/realtime"
	"motochat/services/messaging/internal/userclient"
)

// ParticipantView annotates a participant with live presence.
type ParticipantView struct {
	domain.Participant
	Online bool `json:"online"`
}

// ConversationView is a conversation as seen by one user.
type ConversationView struct {
	domain.Conversation
	Participants []ParticipantView `json:"participants"`
	UnreadCount  int64             `json:"unreadCount"`
}

// ListOptions filters a conversation listing. An empty Status lists active,
// archived and closed conversations.
type ListOptions struct {
	Status string
	PageRequest
}

type conversationUpdate struct {
	ConversationID string                    `json:"conversationId"`
	Status         domain.ConversationStatus `json:"status"`
	LastMessage    *domain.MessagePreview    `json:"lastMessage,omitempty"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

type lifecycleEvent struct {
	ConversationID string                    `json:"conversationId"`
	Status         domain.ConversationStatus `json:"status"`
	By             string                    `json:"by,omitempty"`
}

var visibleStatuses = []domain.ConversationStatus{
	domain.ConversationActive,
	domain.ConversationArchived,
	domain.ConversationClosed,
}

// ListConversations returns the caller's conversations, most recently active
// first, with live unread counts and presence.
func (a *App) ListConversations(ctx context.Context, p domain.Principal, opts ListOptions) (domain.Page[ConversationView], error) {
	scope, ok := policy.ListScope(p.Role)
	if !ok {
		return domain.Page[ConversationView]{}, a.deny(ctx, p, policy.ActionView, "", "unknown role")
	}
	statuses := visibleStatuses
	if raw := strings.TrimSpace(opts.Status); raw != "" {
		status, ok := domain.ParseConversationStatus(raw)
		if !ok {
			return domain.Page[ConversationView]{}, invalid("unknown status %q", raw)
		}
		if status == domain.ConversationDeleted && p.Role != domain.RoleAdmin {
			return domain.Page[ConversationView]{}, a.deny(ctx, p, policy.ActionView, "", "only admins may list deleted conversations")
		}
		statuses = []domain.ConversationStatus{status}
	}
	page, limit, offset := opts.normalize(defaultConversationLimit)
	convs, total, err := a.store.ListConversations(ctx, store.ConversationQuery{
		UserID:   p.UserID,
		Scope:    scope,
		Statuses: statuses,
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		return domain.Page[ConversationView]{}, a.internal(ctx, "list conversations", err)
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	counts, err := a.store.UnreadCounts(ctx, p.UserID, ids)
	if err != nil {
		return domain.Page[ConversationView]{}, a.internal(ctx, "count unread", err)
	}
	items := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		items = append(items, a.present(c, counts[c.ID]))
	}
	return domain.Page[ConversationView]{Items: items, Page: page, Limit: limit, Total: total}, nil
}

// GetConversation returns a single conversation view.
func (a *App) GetConversation(ctx context.Context, p domain.Principal, id string) (ConversationView, error) {
	conv, err := a.loadConversation(ctx, p, id, policy.ActionView)
	if err != nil {
		return ConversationView{}, err
	}
	return a.view(ctx, p, conv)
}

// GetOrCreateBookingConversation returns the single conversation of a booking,
// creating it on first access. Staff and admins are added as participants.
// The bool reports whether the conversation was created by this call.
func (a *App) GetOrCreateBookingConversation(ctx context.Context, p domain.Principal, bookingID string) (ConversationView, bool, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return ConversationView{}, false, invalid("booking id required")
	}
	booking, err := a.bookings.FindBooking(ctx, bookingID)
	if err != nil {
		if errors.Is(err, bookingclient.ErrNotFound) {
			return ConversationView{}, false, notFound("booking")
		}
		return ConversationView{}, false, a.internal(ctx, "find booking", err)
	}
	if d := policy.CanOpenBookingConversation(booking, p.UserID, p.Role); !d.Allowed {
		return ConversationView{}, false, a.deny(ctx, p, policy.ActionView, "", d.Reason)
	}

	conv, found, err := a.store.FindBookingConversation(ctx, booking.ID)
	if err != nil {
		return ConversationView{}, false, a.internal(ctx, "find booking conversation", err)
	}
	created := false
	if !found {
		conv, created, err = a.createBookingConversation(ctx, p, booking)
		if err != nil {
			return ConversationView{}, false, err
		}
	}
	if conv, err = a.ensureParticipant(ctx, p, conv); err != nil {
		return ConversationView{}, false, err
	}
	view, err := a.view(ctx, p, conv)
	return view, created, err
}

func (a *App) createBookingConversation(ctx context.Context, p domain.Principal, booking domain.Booking) (domain.Conversation, bool, error) {
	now := a.now()
	ownerRole := domain.RoleCustomer
	if booking.OwnerUserID == p.UserID {
		ownerRole = p.Role
	} else {
		owner, err := a.users.FindUser(ctx, booking.OwnerUserID)
		switch {
		case errors.Is(err, userclient.ErrNotFound):
			return domain.Conversation{}, false, notFound("booking owner")
		case err != nil:
			return domain.Conversation{}, false, a.internal(ctx, "find booking owner", err)
		}
		ownerRole = owner.Role
	}
	conv := domain.Conversation{
		ID:           uuid.NewString(),
		Type:         domain.ConversationBooking,
		Status:       domain.ConversationActive,
		BookingID:    booking.ID,
		Participants: []domain.Participant{{UserID: booking.OwnerUserID, Role: ownerRole, JoinedAt: now}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.UserID != booking.OwnerUserID && p.Role.IsStaffOrAdmin() {
		conv.Participants = append(conv.Participants, domain.Participant{UserID: p.UserID, Role: p.Role, JoinedAt: now})
	}
	err := a.store.CreateConversation(ctx, conv)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return domain.Conversation{}, false, a.internal(ctx, "create booking conversation", err)
	}
	winner, found, err := a.store.FindBookingConversation(ctx, booking.ID)
	if err != nil {
		return domain.Conversation{}, false, a.internal(ctx, "refetch booking conversation", err)
	}
	if !found {
		return domain.Conversation{}, false, a.internal(ctx, "refetch booking conversation", ErrConflict)
	}
	return winner, false, nil
}

// GetOrCreateDirectConversation returns the direct conversation between the
// caller and target, creating it on first access. Both must be staff or admin.
func (a *App) GetOrCreateDirectConversation(ctx context.Context, p domain.Principal, targetUserID string) (ConversationView, bool, error) {
	if !p.Role.IsStaffOrAdmin() {
		return ConversationView{}, false, a.deny(ctx, p, policy.ActionView, "", "direct conversations are limited to staff and admins")
	}
	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return ConversationView{}, false, invalid("target user id required")
	}
	if targetUserID == p.UserID {
		return ConversationView{}, false, invalid("cannot start a direct conversation with yourself")
	}
	target, err := a.users.FindUser(ctx, targetUserID)
	switch {
	case errors.Is(err, userclient.ErrNotFound):
		return ConversationView{}, false, notFound("user")
	case errors.Is(err, domain.ErrInvalidRole):
		return ConversationView{}, false, invalid("target user has an unknown role")
	case err != nil:
		return ConversationView{}, false, a.internal(ctx, "find user", err)
	}
	if d := policy.CanCreateDirect(p.Role, target.Role); !d.Allowed {
		return ConversationView{}, false, a.deny(ctx, p, policy.ActionView, "", d.Reason)
	}

	pairKey := domain.DirectPairKey(p.UserID, target.ID)
	conv, found, err := a.store.FindDirectConversation(ctx, pairKey)
	if err != nil {
		return ConversationView{}, false, a.internal(ctx, "find direct conversation", err)
	}
	created := false
	if !found {
		now := a.now()
		conv = domain.Conversation{
			ID:      uuid.NewString(),
			Type:    domain.ConversationDirect,
			Status:  domain.ConversationActive,
			PairKey: pairKey,
			Participants: []domain.Participant{
				{UserID: p.UserID, Role: p.Role, JoinedAt: now},
				{UserID: target.ID, Role: target.Role, JoinedAt: now},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch err := a.store.CreateConversation(ctx, conv); {
		case err == nil:
			created = true
		case errors.Is(err, store.ErrDuplicate):
			winner, ok, ferr := a.store.FindDirectConversation(ctx, pairKey)
			if ferr != nil {
				return ConversationView{}, false, a.internal(ctx, "refetch direct conversation", ferr)
			}
			if !ok {
				return ConversationView{}, false, a.internal(ctx, "refetch direct conversation", ErrConflict)
			}
			conv = winner
		default:
			return ConversationView{}, false, a.internal(ctx, "create direct conversation", err)
		}
	}
	if !conv.HasParticipant(p.UserID) || !conv.HasParticipant(target.ID) {
		return ConversationView{}, false, a.internal(ctx, "direct conversation "+conv.ID+" does not belong to the pair", ErrConflict)
	}
	view, err := a.view(ctx, p, conv)
	return view, created, err
}

// ensureParticipant adds staff and admins to a booking conversation they act on.
func (a *App) ensureParticipant(ctx context.Context, p domain.Principal, conv domain.Conversation) (domain.Conversation, error) {
	if conv.Type != domain.ConversationBooking || !p.Role.IsStaffOrAdmin() || conv.HasParticipant(p.UserID) {
		return conv, nil
	}
	participant := domain.Participant{UserID: p.UserID, Role: p.Role, JoinedAt: a.now()}
	if _, err := a.store.AddParticipant(ctx, conv.ID, participant); err != nil {
		return domain.Conversation{}, a.internal(ctx, "add participant", err)
	}
	conv.Participants = append(conv.Participants, participant)
	return conv, nil
}

// ArchiveConversation moves an active conversation to archived.
func (a *App) ArchiveConversation(ctx context.Context, p domain.Principal, id string) (domain.Conversation, error) {
	return a.transition(ctx, p, id, policy.ActionArchive, domain.ConversationArchived, realtime.EventConversationArchived)
}

// UnarchiveConversation moves an archived conversation back to active.
func (a *App) UnarchiveConversation(ctx context.Context, p domain.Principal, id string) (domain.Conversation, error) {
	conv, err := a.loadConversation(ctx, p, id, policy.ActionUnarchive)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv.Status != domain.ConversationArchived {
		return domain.Conversation{}, invalid("conversation is %s, not archived", conv.Status)
	}
	return a.applyStatus(ctx, p.UserID, conv, domain.ConversationActive, realtime.EventConversationUnarchived)
}

func (a *App) transition(ctx context.Context, p domain.Principal, id string, action policy.Action, next domain.ConversationStatus, event string) (domain.Conversation, error) {
	conv, err := a.loadConversation(ctx, p, id, action)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.Status.CanTransitionTo(next) {
		return domain.Conversation{}, invalid("conversation is %s and cannot become %s", conv.Status, next)
	}
	return a.applyStatus(ctx, p.UserID, conv, next, event)
}

func (a *App) applyStatus(ctx context.Context, by string, conv domain.Conversation, next domain.ConversationStatus, event string) (domain.Conversation, error) {
	now := a.now()
	if err := a.store.SetConversationStatus(ctx, conv.ID, next, now); err != nil {
		return domain.Conversation{}, a.internal(ctx, "set conversation status", err)
	}
	conv.Status = next
	conv.UpdatedAt = now
	a.broadcastLifecycle(conv, by, event)
	return conv, nil
}

// DeleteConversation marks a conversation deleted and soft-deletes every
// message in it. Admin only.
func (a *App) DeleteConversation(ctx context.Context, p domain.Principal, id string) error {
	conv, err := a.loadConversation(ctx, p, id, policy.ActionDelete)
	if err != nil {
		return err
	}
	if !conv.Status.CanTransitionTo(domain.ConversationDeleted) {
		return invalid("conversation is already deleted")
	}
	now := a.now()
	if err := a.store.DeleteConversation(ctx, conv.ID, now); err != nil {
		return a.internal(ctx, "delete conversation", err)
	}
	conv.Status = domain.ConversationDeleted
	conv.UpdatedAt = now
	a.broadcastLifecycle(conv, p.UserID, realtime.EventConversationDeleted)
	a.publish(ctx, events.ConversationDeleted, lifecycleEvent{ConversationID: conv.ID, Status: conv.Status, By: p.UserID})
	return nil
}

// CloseBookingConversation closes the conversation of a cancelled or completed
// booking. Closing an already closed conversation is a no-op.
func (a *App) CloseBookingConversation(ctx context.Context, bookingID string) (domain.Conversation, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return domain.Conversation{}, invalid("booking id required")
	}
	conv, found, err := a.store.FindBookingConversation(ctx, bookingID)
	if err != nil {
		return domain.Conversation{}, a.internal(ctx, "find booking conversation", err)
	}
	if !found {
		return domain.Conversation{}, notFound("conversation")
	}
	if conv.Status == domain.ConversationClosed {
		return conv, nil
	}
	conv, err = a.applyStatus(ctx, "", conv, domain.ConversationClosed, realtime.EventConversationClosed)
	if err != nil {
		return domain.Conversation{}, err
	}
	a.publish(ctx, events.ConversationClosed, lifecycleEvent{ConversationID: conv.ID, Status: conv.Status})
	return conv, nil
}

// ConversationPeers lists users sharing a live conversation with userID.
func (a *App) ConversationPeers(ctx context.Context, userID string) ([]string, error) {
	peers, err := a.store.ConversationPeers(ctx, userID)
	if err != nil {
		return nil, a.internal(ctx, "conversation peers", err)
	}
	return peers, nil
}

// AuthorizeJoin checks whether a connection may join a conversation room.
func (a *App) AuthorizeJoin(ctx context.Context, p domain.Principal, conversationID string) error {
	_, err := a.loadConversation(ctx, p, conversationID, policy.ActionJoin)
	return err
}

// UnreadTotal sums the caller's cached unread counts.
func (a *App) UnreadTotal(ctx context.Context, p domain.Principal) (int64, error) {
	total, err := a.store.CachedUnreadTotal(ctx, p.UserID)
	if err != nil {
		return 0, a.internal(ctx, "unread total", err)
	}
	return total, nil
}

func (a *App) view(ctx context.Context, p domain.Principal, conv domain.Conversation) (ConversationView, error) {
	counts, err := a.store.UnreadCounts(ctx, p.UserID, []string{conv.ID})
	if err != nil {
		return ConversationView{}, a.internal(ctx, "count unread", err)
	}
	return a.present(conv, counts[conv.ID]), nil
}

func (a *App) present(conv domain.Conversation, unread int64) ConversationView {
	participants := make([]ParticipantView, 0, len(conv.Participants))
	for _, participant := range conv.Participants {
		participants = append(participants, ParticipantView{
			Participant: participant,
			Online:      a.notifier.IsOnline(participant.UserID),
		})
	}
	return ConversationView{Conversation: conv, Participants: participants, UnreadCount: unread}
}

// broadcastLifecycle notifies the room and refreshes every participant's list.
func (a *App) broadcastLifecycle(conv domain.Conversation, by, event string) {
	a.notifier.EmitToConversation(conv.ID, event, lifecycleEvent{ConversationID: conv.ID, Status: conv.Status, By: by})
	update := conversationUpdate{
		ConversationID: conv.ID,
		Status:         conv.Status,
		LastMessage:    conv.LastMessage,
		UpdatedAt:      conv.UpdatedAt,
	}
	for _, participant := range conv.Participants {
		a.notifier.EmitToUser(participant.UserID, realtime.EventConversationUpdated, update)
	}
}
