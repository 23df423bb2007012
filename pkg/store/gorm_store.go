package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"motochat/pkg/domain"
)

const migrateLockID int64 = 61730482

type GormStoreOptions struct {
	LogLevel     gormlogger.LogLevel
	MaxOpenConns int
}

type GormStoreOption func(*GormStoreOptions)

// WithLogLevel overrides the GORM logger level (default Warn).
func WithLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// WithMaxOpenConns caps the connection pool size.
func WithMaxOpenConns(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.MaxOpenConns = n
	}
}

// GormStore implements Store using GORM. Postgres in production.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database dsn required")
	}
	return Open(postgres.Open(dsn), options...)
}

// Open connects with an arbitrary dialector and runs migrations.
func Open(dialector gorm.Dialector, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{LogLevel: gormlogger.Warn}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&ConversationModel{},
		&ParticipantModel{},
		&MessageModel{},
		&MessageUnreadModel{},
		&MessageEditModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// At most one live booking conversation per booking and one live direct
	// conversation per participant pair. Concurrent get-or-create relies on these.
	for _, stmt := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS conversation_models_booking_key
			ON conversation_models (booking_id)
			WHERE type = 'booking' AND status <> 'deleted'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversation_models_pair_key
			ON conversation_models (pair_key)
			WHERE type = 'direct' AND status <> 'deleted'`,
	} {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure conversation uniqueness: %w", err)
		}
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != "postgres" {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateConversation inserts a conversation with its initial participants.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	return translateError(s.db.WithContext(ctx).Create(&model).Error)
}

// GetConversation returns a conversation by ID, including deleted ones.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	return s.findConversation(ctx, "id = ?", id)
}

// FindBookingConversation returns the live conversation for a booking.
func (s *GormStore) FindBookingConversation(ctx context.Context, bookingID string) (domain.Conversation, bool, error) {
	return s.findConversation(ctx, "type = ? AND booking_id = ? AND status <> ?",
		string(domain.ConversationBooking), bookingID, string(domain.ConversationDeleted))
}

// FindDirectConversation returns the live direct conversation for a participant pair.
func (s *GormStore) FindDirectConversation(ctx context.Context, pairKey string) (domain.Conversation, bool, error) {
	return s.findConversation(ctx, "type = ? AND pair_key = ? AND status <> ?",
		string(domain.ConversationDirect), pairKey, string(domain.ConversationDeleted))
}

func (s *GormStore) findConversation(ctx context.Context, query string, args ...any) (domain.Conversation, bool, error) {
	var model ConversationModel
	err := s.db.WithContext(ctx).
		Preload("Participants", orderParticipants).
		Where(query, args...).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversations runs the role-scoped listing query.
func (s *GormStore) ListConversations(ctx context.Context, q ConversationQuery) ([]domain.Conversation, int64, error) {
	scoped := func() (*gorm.DB, error) {
		tx, err := s.withScope(s.db.WithContext(ctx).Model(&ConversationModel{}), q.UserID, q.Scope)
		if err != nil {
			return nil, err
		}
		if len(q.Statuses) > 0 {
			statuses := make([]string, 0, len(q.Statuses))
			for _, status := range q.Statuses {
				statuses = append(statuses, string(status))
			}
			tx = tx.Where("status IN ?", statuses)
		}
		return tx, nil
	}

	countQuery, err := scoped()
	if err != nil {
		return nil, 0, err
	}
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	listQuery, err := scoped()
	if err != nil {
		return nil, 0, err
	}
	var models []ConversationModel
	if err := listQuery.
		Preload("Participants", orderParticipants).
		Order("COALESCE(last_message_at, created_at) DESC").
		Order("id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	out := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		out = append(out, conversationFromModel(m))
	}
	return out, total, nil
}

// withScope restricts a conversation query to what userID can see under scope.
func (s *GormStore) withScope(tx *gorm.DB, userID string, scope ListScope) (*gorm.DB, error) {
	member := s.db.Model(&ParticipantModel{}).Select("conversation_id").Where("user_id = ?", userID)
	switch scope {
	case ScopeParticipant:
		return tx.Where("id IN (?)", member), nil
	case ScopeDirectParticipant:
		return tx.Where("type = ? AND id IN (?)", string(domain.ConversationDirect), member), nil
	case ScopeStaff:
		return tx.Where("(type = ? OR (type = ? AND id IN (?)))",
			string(domain.ConversationBooking), string(domain.ConversationDirect), member), nil
	case ScopeAll:
		return tx, nil
	default:
		return nil, fmt.Errorf("unknown list scope %d", scope)
	}
}

// AddParticipant inserts a participant if absent. It reports whether a row was added.
func (s *GormStore) AddParticipant(ctx context.Context, conversationID string, p domain.Participant) (bool, error) {
	model := participantToModel(conversationID, p)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, translateError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SetConversationStatus updates the lifecycle status.
func (s *GormStore) SetConversationStatus(ctx context.Context, id string, status domain.ConversationStatus, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": at.UTC()})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation marks the conversation deleted and soft-deletes its messages.
func (s *GormStore) DeleteConversation(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ConversationModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": string(domain.ConversationDeleted), "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&MessageModel{}).
			Where("conversation_id = ? AND is_deleted = ?", id, false).
			Updates(map[string]any{"is_deleted": true, "deleted_at": at, "updated_at": at}).Error; err != nil {
			return fmt.Errorf("soft delete messages: %w", err)
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&MessageUnreadModel{}).Error; err != nil {
			return fmt.Errorf("clear unread: %w", err)
		}
		return tx.Model(&ParticipantModel{}).
			Where("conversation_id = ?", id).
			UpdateColumn("unread_count", 0).Error
	})
}

// UpdatePreview replaces the denormalized last-message snapshot. A nil preview clears it.
func (s *GormStore) UpdatePreview(ctx context.Context, conversationID string, preview *domain.MessagePreview, at time.Time) error {
	fields := map[string]any{
		"last_message_id":        "",
		"last_message_content":   "",
		"last_message_sender_id": "",
		"last_message_type":      "",
		"last_message_at":        nil,
		"updated_at":             at.UTC(),
	}
	if preview != nil {
		ts := preview.Timestamp.UTC()
		fields["last_message_id"] = preview.MessageID
		fields["last_message_content"] = preview.Content
		fields["last_message_sender_id"] = preview.SenderID
		fields["last_message_type"] = string(preview.Type)
		fields["last_message_at"] = &ts
	}
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", conversationID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvancePreview moves the snapshot forward. Writes carrying an older
// timestamp than the stored preview leave the row untouched.
func (s *GormStore) AdvancePreview(ctx context.Context, conversationID string, preview domain.MessagePreview, at time.Time) error {
	ts := preview.Timestamp.UTC()
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", conversationID, ts).
		Updates(map[string]any{
			"last_message_id":        preview.MessageID,
			"last_message_content":   preview.Content,
			"last_message_sender_id": preview.SenderID,
			"last_message_type":      string(preview.Type),
			"last_message_at":        &ts,
			"updated_at":             at.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", conversationID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// ConversationPeers lists users sharing at least one live conversation with userID.
func (s *GormStore) ConversationPeers(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT p2.user_id
		FROM participant_models p1
		JOIN participant_models p2 ON p2.conversation_id = p1.conversation_id
		JOIN conversation_models c ON c.id = p1.conversation_id
		WHERE p1.user_id = ? AND p2.user_id <> ? AND c.status <> ?
	`, userID, userID, string(domain.ConversationDeleted)).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateMessage persists a message, its unread rows, and bumps cached unread counts.
func (s *GormStore) CreateMessage(ctx context.Context, msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return translateError(err)
		}
		if len(msg.UnreadBy) == 0 {
			return nil
		}
		rows := make([]MessageUnreadModel, 0, len(msg.UnreadBy))
		for _, userID := range msg.UnreadBy {
			rows = append(rows, MessageUnreadModel{
				MessageID:      msg.ID,
				UserID:         userID,
				ConversationID: msg.ConversationID,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert unread rows: %w", err)
		}
		return tx.Model(&ParticipantModel{}).
			Where("conversation_id = ? AND user_id IN ?", msg.ConversationID, msg.UnreadBy).
			UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
	})
}

// GetMessage returns a message by ID, including soft-deleted ones.
func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msgs, err := hydrateMessages(s.db.WithContext(ctx), []MessageModel{model})
	if err != nil {
		return domain.Message{}, false, err
	}
	return msgs[0], true, nil
}

// LatestMessage returns the newest non-deleted message in a conversation.
func (s *GormStore) LatestMessage(ctx context.Context, conversationID string) (domain.Message, bool, error) {
	var model MessageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Order("created_at DESC").
		Order("id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msg, err := messageFromModel(model)
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, true, nil
}

// ListMessages returns a newest-first page of non-deleted messages.
func (s *GormStore) ListMessages(ctx context.Context, q MessageQuery) ([]domain.Message, int64, error) {
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).Model(&MessageModel{}).
			Where("conversation_id = ? AND is_deleted = ?", q.ConversationID, false)
	}
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var models []MessageModel
	if err := base().
		Order("created_at DESC").
		Order("id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	msgs, err := hydrateMessages(s.db.WithContext(ctx), models)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// SearchMessages matches content case-insensitively across the conversations
// visible under the query scope.
func (s *GormStore) SearchMessages(ctx context.Context, q SearchQuery) ([]domain.Message, int64, error) {
	pattern := "%" + escapeLike(strings.ToLower(q.Text)) + "%"
	base := func() (*gorm.DB, error) {
		tx := s.db.WithContext(ctx).Model(&MessageModel{}).
			Where("is_deleted = ? AND LOWER(content) LIKE ? ESCAPE '\\'", false, pattern)
		if q.Scope == ScopeAll {
			return tx, nil
		}
		visible, err := s.withScope(s.db.Model(&ConversationModel{}).Select("id"), q.UserID, q.Scope)
		if err != nil {
			return nil, err
		}
		return tx.Where("conversation_id IN (?)", visible), nil
	}
	countQuery, err := base()
	if err != nil {
		return nil, 0, err
	}
	var total int64
	if err := countQuery.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	listQuery, err := base()
	if err != nil {
		return nil, 0, err
	}
	var models []MessageModel
	if err := listQuery.
		Order("created_at DESC").
		Order("id DESC").
		Offset(q.Offset).
		Limit(q.Limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	msgs, err := hydrateMessages(s.db.WithContext(ctx), models)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// EditMessage appends the current content to the edit history and replaces it.
func (s *GormStore) EditMessage(ctx context.Context, id, content string, at time.Time) (domain.Message, error) {
	at = at.UTC()
	var out domain.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Touch the row first so concurrent edits serialize on its lock before
		// the prior content is copied.
		res := tx.Model(&MessageModel{}).
			Where("id = ? AND is_deleted = ?", id, false).
			UpdateColumn("updated_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Exec(
			`INSERT INTO message_edit_models (message_id, content, edited_at)
			 SELECT id, content, ? FROM message_models WHERE id = ?`, at, id,
		).Error; err != nil {
			return fmt.Errorf("append edit history: %w", err)
		}
		if err := tx.Model(&MessageModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"content": content, "edited_at": at}).Error; err != nil {
			return fmt.Errorf("replace content: %w", err)
		}
		var model MessageModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		msgs, err := hydrateMessages(tx, []MessageModel{model})
		if err != nil {
			return err
		}
		out = msgs[0]
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

// SoftDeleteMessage flags a message deleted and clears its unread rows.
func (s *GormStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model MessageModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if model.IsDeleted {
			return nil
		}
		if err := tx.Model(&MessageModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"is_deleted": true, "deleted_at": at, "updated_at": at}).Error; err != nil {
			return err
		}
		var readers []string
		if err := tx.Model(&MessageUnreadModel{}).Where("message_id = ?", id).Pluck("user_id", &readers).Error; err != nil {
			return err
		}
		if len(readers) == 0 {
			return nil
		}
		if err := tx.Where("message_id = ?", id).Delete(&MessageUnreadModel{}).Error; err != nil {
			return fmt.Errorf("clear unread: %w", err)
		}
		for _, userID := range readers {
			if err := syncUnreadCount(tx, model.ConversationID, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeDeletedMessages hard-deletes messages soft-deleted before the cutoff.
// It returns the purged messages so callers can release attachments.
func (s *GormStore) PurgeDeletedMessages(ctx context.Context, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 500
	}
	var models []MessageModel
	if err := s.db.WithContext(ctx).
		Where("is_deleted = ? AND deleted_at < ?", true, before.UTC()).
		Order("deleted_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id IN ?", ids).Delete(&MessageEditModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&MessageUnreadModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ? AND is_deleted = ?", ids, true).Delete(&MessageModel{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("purge messages: %w", err)
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkRead removes userID from the unread set of the given messages, or of
// every message in the conversation when messageIDs is nil. It returns the ids
// that were actually unread.
func (s *GormStore) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, error) {
	if messageIDs != nil && len(messageIDs) == 0 {
		return nil, nil
	}
	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&MessageUnreadModel{}).Where("conversation_id = ? AND user_id = ?", conversationID, userID)
		if messageIDs != nil {
			q = q.Where("message_id IN ?", messageIDs)
		}
		if err := q.Pluck("message_id", &removed).Error; err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		if err := tx.Where("user_id = ? AND message_id IN ?", userID, removed).Delete(&MessageUnreadModel{}).Error; err != nil {
			return err
		}
		return syncUnreadCount(tx, conversationID, userID)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// UnreadCounts counts unread messages per conversation from the unread rows.
func (s *GormStore) UnreadCounts(ctx context.Context, userID string, conversationIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		ConversationID string
		Count          int64
	}
	if err := s.db.WithContext(ctx).Model(&MessageUnreadModel{}).
		Select("conversation_id, COUNT(*) AS count").
		Where("user_id = ? AND conversation_id IN ?", userID, conversationIDs).
		Group("conversation_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ConversationID] = row.Count
	}
	return out, nil
}

// CachedUnreadTotal sums the cached per-conversation unread counts of a user.
func (s *GormStore) CachedUnreadTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(p.unread_count), 0)
		FROM participant_models p
		JOIN conversation_models c ON c.id = p.conversation_id
		WHERE p.user_id = ? AND c.status <> ?
	`, userID, string(domain.ConversationDeleted)).Scan(&total).Error
	return total, err
}

// RecountUnread rebuilds every participant's cached count from the unread rows.
func (s *GormStore) RecountUnread(ctx context.Context, conversationID string) error {
	return s.db.WithContext(ctx).Exec(`
		UPDATE participant_models
		SET unread_count = (
			SELECT COUNT(*) FROM message_unread_models u
			WHERE u.conversation_id = participant_models.conversation_id
			  AND u.user_id = participant_models.user_id
		)
		WHERE conversation_id = ?
	`, conversationID).Error
}

func syncUnreadCount(tx *gorm.DB, conversationID, userID string) error {
	return tx.Exec(`
		UPDATE participant_models
		SET unread_count = (
			SELECT COUNT(*) FROM message_unread_models
			WHERE conversation_id = ? AND user_id = ?
		)
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID, conversationID, userID).Error
}

func orderParticipants(db *gorm.DB) *gorm.DB {
	return db.Order("joined_at ASC").Order("user_id ASC")
}

func hydrateMessages(db *gorm.DB, models []MessageModel) ([]domain.Message, error) {
	if len(models) == 0 {
		return []domain.Message{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	var unread []MessageUnreadModel
	if err := db.Where("message_id IN ?", ids).Order("user_id ASC").Find(&unread).Error; err != nil {
		return nil, fmt.Errorf("load unread rows: %w", err)
	}
	var edits []MessageEditModel
	if err := db.Where("message_id IN ?", ids).Order("id ASC").Find(&edits).Error; err != nil {
		return nil, fmt.Errorf("load edit history: %w", err)
	}
	unreadBy := make(map[string][]string, len(models))
	for _, row := range unread {
		unreadBy[row.MessageID] = append(unreadBy[row.MessageID], row.UserID)
	}
	history := make(map[string][]domain.EditRecord, len(edits))
	for _, e := range edits {
		history[e.MessageID] = append(history[e.MessageID], domain.EditRecord{Content: e.Content, EditedAt: e.EditedAt.UTC()})
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		msg.UnreadBy = unreadBy[m.ID]
		if msg.UnreadBy == nil {
			msg.UnreadBy = []string{}
		}
		msg.EditHistory = history[m.ID]
		out = append(out, msg)
	}
	return out, nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	msg := err.Error()
	if strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func conversationToModel(c domain.Conversation) ConversationModel {
	m := ConversationModel{
		ID:        c.ID,
		Type:      string(c.Type),
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
	if c.BookingID != "" {
		bookingID := c.BookingID
		m.BookingID = &bookingID
	}
	if c.PairKey != "" {
		pairKey := c.PairKey
		m.PairKey = &pairKey
	}
	if c.LastMessage != nil {
		ts := c.LastMessage.Timestamp.UTC()
		m.LastMessageID = c.LastMessage.MessageID
		m.LastMessageContent = c.LastMessage.Content
		m.LastMessageSenderID = c.LastMessage.SenderID
		m.LastMessageType = string(c.LastMessage.Type)
		m.LastMessageAt = &ts
	}
	for _, p := range c.Participants {
		m.Participants = append(m.Participants, participantToModel(c.ID, p))
	}
	return m
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	c := domain.Conversation{
		ID:           m.ID,
		Type:         domain.ConversationType(m.Type),
		Status:       domain.ConversationStatus(m.Status),
		Participants: make([]domain.Participant, 0, len(m.Participants)),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	if m.BookingID != nil {
		c.BookingID = *m.BookingID
	}
	if m.PairKey != nil {
		c.PairKey = *m.PairKey
	}
	if m.LastMessageAt != nil {
		c.LastMessage = &domain.MessagePreview{
			MessageID: m.LastMessageID,
			Content:   m.LastMessageContent,
			SenderID:  m.LastMessageSenderID,
			Type:      domain.MessageType(m.LastMessageType),
			Timestamp: m.LastMessageAt.UTC(),
		}
	}
	for _, p := range m.Participants {
		c.Participants = append(c.Participants, domain.Participant{
			UserID:      p.UserID,
			Role:        domain.Role(p.Role),
			JoinedAt:    p.JoinedAt.UTC(),
			UnreadCount: p.UnreadCount,
		})
	}
	return c
}

func participantToModel(conversationID string, p domain.Participant) ParticipantModel {
	return ParticipantModel{
		ConversationID: conversationID,
		UserID:         p.UserID,
		Role:           string(p.Role),
		UnreadCount:    p.UnreadCount,
		JoinedAt:       p.JoinedAt.UTC(),
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	m := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderRole:     string(msg.SenderRole),
		Content:        msg.Content,
		Type:           string(msg.Type),
		IsDeleted:      msg.IsDeleted,
		DeletedAt:      msg.DeletedAt,
		EditedAt:       msg.EditedAt,
		CreatedAt:      msg.CreatedAt.UTC(),
		UpdatedAt:      msg.UpdatedAt.UTC(),
	}
	if msg.ReplyTo != "" {
		replyTo := msg.ReplyTo
		m.ReplyTo = &replyTo
	}
	if msg.Attachment != nil {
		att := *msg.Attachment
		att.URL = ""
		raw, err := json.Marshal(att)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode attachment: %w", err)
		}
		m.Attachment = datatypes.JSON(raw)
	}
	return m, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     domain.Role(m.SenderRole),
		Content:        m.Content,
		Type:           domain.MessageType(m.Type),
		IsDeleted:      m.IsDeleted,
		DeletedAt:      m.DeletedAt,
		EditedAt:       m.EditedAt,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
		UnreadBy:       []string{},
	}
	if m.ReplyTo != nil {
		msg.ReplyTo = *m.ReplyTo
	}
	if len(m.Attachment) > 0 && string(m.Attachment) != "null" {
		var att domain.Attachment
		if err := json.Unmarshal(m.Attachment, &att); err != nil {
			return domain.Message{}, fmt.Errorf("decode attachment: %w", err)
		}
		msg.Attachment = &att
	}
	return msg, nil
}
