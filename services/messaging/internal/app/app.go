package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"motochat/internal/util"
	"motochat/pkg/domain"
	"motochat/pkg/events"
	"motochat/pkg/queue"
	"motochat/pkg/storage"
	"motochat/pkg/store"
	"motochat/services/messaging/internal/metrics"
	"motochat/services/messaging/internal/policy"
)

const (
	defaultConversationLimit = 20
	defaultMessageLimit      = 50
	maxPageLimit             = 100

	previewAttempts = 3

	defaultMaxAttachmentBytes = 10 << 20
	defaultAttachmentURLTTL   = 15 * time.Minute
)

// BookingDirectory resolves bookings owned by the booking service.
type BookingDirectory interface {
	FindBooking(ctx context.Context, id string) (domain.Booking, error)
}

// UserDirectory resolves users owned by the user service.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (domain.UserRef, error)
}

// Notifier delivers real-time events to connected clients.
type Notifier interface {
	EmitToConversation(conversationID, event string, payload any)
	EmitToUser(userID, event string, payload any)
	IsOnline(userID string) bool
}

// RefreshQueue schedules a projection refresh for a conversation.
type RefreshQueue interface {
	Enqueue(ctx context.Context, conversationID string) (queue.Job, error)
}

// Config holds runtime dependencies for the messaging core.
type Config struct {
	Store    store.Store
	Bookings BookingDirectory
	Users    UserDirectory

	Notifier Notifier
	Queue    RefreshQueue
	Events   events.Publisher
	Objects  storage.ObjectStore
	Metrics  *metrics.Metrics

	MaxAttachmentBytes int64
	AttachmentURLTTL   time.Duration
	PreviewRetryDelay  time.Duration

	Now func() time.Time
}

// App is the messaging service: it owns conversations and messages and is
// their only writer.
type App struct {
	store    store.Store
	bookings BookingDirectory
	users    UserDirectory
	notifier Notifier
	queue    RefreshQueue
	events   events.Publisher
	objects  storage.ObjectStore
	metrics  *metrics.Metrics

	maxAttachmentBytes int64
	attachmentURLTTL   time.Duration
	previewRetryDelay  time.Duration
	now                func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Bookings == nil {
		return nil, errors.New("booking directory required")
	}
	if cfg.Users == nil {
		return nil, errors.New("user directory required")
	}
	a := &App{
		store:              cfg.Store,
		bookings:           cfg.Bookings,
		users:              cfg.Users,
		notifier:           cfg.Notifier,
		queue:              cfg.Queue,
		events:             cfg.Events,
		objects:            cfg.Objects,
		metrics:            cfg.Metrics,
		maxAttachmentBytes: cfg.MaxAttachmentBytes,
		attachmentURLTTL:   cfg.AttachmentURLTTL,
		previewRetryDelay:  cfg.PreviewRetryDelay,
		now:                cfg.Now,
	}
	if a.notifier == nil {
		a.notifier = nopNotifier{}
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	if a.maxAttachmentBytes <= 0 {
		a.maxAttachmentBytes = defaultMaxAttachmentBytes
	}
	if a.attachmentURLTTL <= 0 {
		a.attachmentURLTTL = defaultAttachmentURLTTL
	}
	if a.previewRetryDelay < 0 {
		a.previewRetryDelay = 0
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// PageRequest is a 1-based page request. Zero values select the defaults.
type PageRequest struct {
	Page  int
	Limit int
}

func (p PageRequest) normalize(defaultLimit int) (page, limit, offset int) {
	page = p.Page
	if page < 1 {
		page = 1
	}
	limit = p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit, (page - 1) * limit
}

// loadConversation fetches a conversation and applies the access policy.
// Deleted conversations are only visible to admins.
func (a *App) loadConversation(ctx context.Context, p domain.Principal, id string, action policy.Action) (domain.Conversation, error) {
	if id == "" {
		return domain.Conversation{}, invalid("conversation id required")
	}
	conv, found, err := a.store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, a.internal(ctx, "load conversation", err)
	}
	if !found || (conv.Status == domain.ConversationDeleted && p.Role != domain.RoleAdmin) {
		return domain.Conversation{}, notFound("conversation")
	}
	if d := policy.CanAccess(conv, p.UserID, p.Role, action); !d.Allowed {
		return domain.Conversation{}, a.deny(ctx, p, action, conv.ID, d.Reason)
	}
	return conv, nil
}

func (a *App) deny(ctx context.Context, p domain.Principal, action policy.Action, conversationID, reason string) error {
	util.LoggerFromContext(ctx).Warn("security_event",
		"event", "policy_denied",
		"outcome", "denied",
		"user_id", p.UserID,
		"role", string(p.Role),
		"action", string(action),
		"conversation_id", conversationID,
		"reason", reason,
	)
	a.metrics.PolicyDenied(string(action))
	return denied(reason)
}

// internal logs err and replaces it with ErrInternal.
func (a *App) internal(ctx context.Context, op string, err error) error {
	util.LoggerFromContext(ctx).Error("messaging_internal_error", "op", op, "err", err)
	return fmt.Errorf("%w: %s", ErrInternal, op)
}

func (a *App) publish(ctx context.Context, name string, payload any) {
	evt := events.Event{Name: name, OccurredAt: a.now(), Payload: payload}
	if err := a.events.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("domain_event_publish_failed", "event", name, "err", err)
	}
}

// updatePreview writes the conversation preview after the message itself has
// been persisted. The write never moves the preview back to an older message.
// Failures are retried a few times and then handed to the refresh queue; the
// send is never rolled back.
func (a *App) updatePreview(ctx context.Context, conversationID string, preview domain.MessagePreview) {
	logger := util.LoggerFromContext(ctx)
	var err error
retry:
	for attempt := 1; attempt <= previewAttempts; attempt++ {
		if err = a.store.AdvancePreview(ctx, conversationID, preview, a.now()); err == nil {
			return
		}
		if attempt < previewAttempts && a.previewRetryDelay > 0 {
			select {
			case <-ctx.Done():
				break retry
			case <-time.After(time.Duration(attempt) * a.previewRetryDelay):
			}
		}
	}
	logger.Error("preview_update_failed", "conversation_id", conversationID, "attempts", previewAttempts, "err", err)
	if a.queue == nil {
		return
	}
	a.metrics.PreviewRetried()
	enqueueCtx := context.WithoutCancel(ctx)
	if job, qerr := a.queue.Enqueue(enqueueCtx, conversationID); qerr != nil {
		logger.Error("preview_refresh_enqueue_failed", "conversation_id", conversationID, "err", qerr)
	} else {
		logger.Info("preview_refresh_enqueued", "conversation_id", conversationID, "job_id", job.ID)
	}
}

// RefreshConversationProjection recomputes the preview from the newest live
// message and every participant's cached unread count from the unread rows.
func (a *App) RefreshConversationProjection(ctx context.Context, conversationID string) error {
	latest, found, err := a.store.LatestMessage(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load latest message: %w", err)
	}
	var preview *domain.MessagePreview
	if found {
		preview = latest.Preview()
	}
	if err := a.store.UpdatePreview(ctx, conversationID, preview, a.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("conversation")
		}
		return fmt.Errorf("update preview: %w", err)
	}
	if err := a.store.RecountUnread(ctx, conversationID); err != nil {
		return fmt.Errorf("recount unread: %w", err)
	}
	return nil
}

// HandleRefreshJob adapts RefreshConversationProjection to the queue worker.
// Conversations that no longer exist complete the job.
func (a *App) HandleRefreshJob(ctx context.Context, job queue.Job) error {
	err := a.RefreshConversationProjection(ctx, job.ConversationID)
	if errors.Is(err, ErrNotFound) {
		util.LoggerFromContext(ctx).Warn("preview_refresh_skipped", "conversation_id", job.ConversationID, "job_id", job.ID)
		return nil
	}
	return err
}

type nopNotifier struct{}

func (nopNotifier) EmitToConversation(string, string, any) {}
func (nopNotifier) EmitToUser(string, string, any)         {}
func (nopNotifier) IsOnline(string) bool                   { return false }
