// Package sqlstore is a chat.Store on a SQL database through gorm. sqlite
// (pure Go) and postgres are supported.
package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	chat "github.com/erfanidmd11/drynks-app-sub001"
)

// TemporaryDSN is an in-memory sqlite database shared by every connection of
// one process.
const TemporaryDSN = "file::memory:?cache=shared"

// Store implements chat.Store. Committed writes are published to the
// Publisher, if one is set.
type Store struct {
	db  *gorm.DB
	pub chat.Publisher
	now func() time.Time
}

var _ chat.Store = (*Store)(nil)

// Dialector picks the gorm driver for dsn: postgres for URLs and keyword
// DSNs, sqlite for everything else.
func Dialector(dsn string) gorm.Dialector {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.Contains(dsn, "host="):
		return postgres.Open(dsn)
	default:
		return sqlite.Open(dsn)
	}
}

// Open connects to dsn, migrates the schema and publishes changes to pub,
// which may be nil.
func Open(dsn string, pub chat.Publisher) (*Store, error) {
	if dsn == "" {
		dsn = TemporaryDSN
		jww.WARN.Printf("[sqlstore] no database specified, using temporary in-memory database")
	}

	db, err := gorm.Open(Dialector(dsn), &gorm.Config{
		Logger: logger.New(jww.TRACE, logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Warn,
		}),
	})
	if err != nil {
		return nil, errors.Errorf("Unable to initialize database backend: %+v", err)
	}

	sqlDb, err := db.DB()
	if err != nil {
		return nil, errors.Errorf("Unable to configure database connection pool: %+v", err)
	}
	sqlDb.SetMaxIdleConns(5)
	sqlDb.SetMaxOpenConns(10)
	sqlDb.SetConnMaxIdleTime(5 * time.Minute)
	sqlDb.SetConnMaxLifetime(10 * time.Minute)

	return New(db, pub)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, pub chat.Publisher) (*Store, error) {
	if err := db.AutoMigrate(&Message{}, &Reaction{}, &Typing{}, &ReadCursor{}, &Event{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	jww.INFO.Printf("[sqlstore] database backend initialized")
	return &Store{db: db, pub: pub, now: time.Now}, nil
}

// DB returns the underlying connection.
func (s *Store) DB() *gorm.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error {
	sqlDb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDb.Close()
}

func (s *Store) publish(topic string, op chat.ChangeOp, table string, newRow, oldRow any) {
	if s.pub == nil {
		return
	}
	c, err := chat.NewChange(op, table, newRow, oldRow)
	if err != nil {
		jww.ERROR.Printf("[sqlstore] encode %s change: %v", table, err)
		return
	}
	if err := s.pub.Publish(context.Background(), topic, c); err != nil {
		jww.WARN.Printf("[sqlstore] publish %s %s: %+v", op, topic, err)
	}
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(chat.ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

// ── Messages ─────────────────────────────────────────────

func (s *Store) findByClientID(tx *gorm.DB, conversationID, clientID string) (*Message, error) {
	var row Message
	err := tx.Where("conversation_id = ? AND client_id = ?", conversationID, clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ConversationID == "" {
		return chat.Message{}, errors.New("message has no conversation id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.Kind == "" {
		msg.Kind = chat.KindUser
	}
	row := messageFromChat(msg)

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if msg.ClientID != "" {
			existing, err := s.findByClientID(tx, msg.ConversationID, msg.ClientID)
			if err != nil {
				return err
			}
			if existing != nil {
				row = *existing
				return nil
			}
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil && msg.ClientID != "" {
		// A concurrent insert with the same client id won the unique index.
		if existing, findErr := s.findByClientID(s.db.WithContext(ctx), msg.ConversationID, msg.ClientID); findErr == nil && existing != nil {
			return existing.toChat(), nil
		}
	}
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "insert message")
	}

	out := row.toChat()
	if created {
		s.publish(chat.Topic(chat.TableMessages, out.ConversationID), chat.OpInsert, chat.TableMessages, out, nil)
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, before *chat.Cursor, limit int) ([]chat.Message, error) {
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if before != nil {
		ns := toNanos(before.CreatedAt)
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", ns, ns, before.ID)
	}
	q = q.Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []Message
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list messages of %s", conversationID)
	}
	out := make([]chat.Message, len(rows))
	for i, row := range rows {
		out[i] = row.toChat()
	}
	return out, nil
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (chat.Message, error) {
	var row Message
	if err := s.db.WithContext(ctx).Take(&row, "id = ?", messageID).Error; err != nil {
		return chat.Message{}, notFound(err, "message %s", messageID)
	}
	return row.toChat(), nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg chat.Message) error {
	var old, updated Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Take(&old, "id = ?", msg.ID).Error; err != nil {
			return notFound(err, "message %s", msg.ID)
		}
		edited := s.now().UnixNano()
		if msg.EditedAt != nil {
			edited = toNanos(*msg.EditedAt)
		}
		next := messageFromChat(msg)
		err := tx.Model(&Message{}).Where("id = ?", msg.ID).Updates(map[string]interface{}{
			"body":            msg.Body,
			"edited_at":       edited,
			"has_attachment":  next.HasAttachment,
			"attachment_url":  next.AttachmentURL,
			"attachment_key":  next.AttachmentKey,
			"attachment_mime": next.AttachmentMime,
			"attachment_size": next.AttachmentSize,
		}).Error
		if err != nil {
			return errors.Wrapf(err, "update message %s", msg.ID)
		}
		return tx.Take(&updated, "id = ?", msg.ID).Error
	})
	if err != nil {
		return err
	}
	s.publish(chat.Topic(chat.TableMessages, updated.ConversationID), chat.OpUpdate, chat.TableMessages,
		updated.toChat(), old.toChat())
	return nil
}

// DeleteMessage removes a message and its reactions. Deleting a missing
// message succeeds.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	var old Message
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Take(&old, "id = ?", messageID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if err := tx.Where("message_id = ?", messageID).Delete(&Reaction{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Message{}, "id = ?", messageID).Error
	})
	if err != nil {
		return errors.Wrapf(err, "delete message %s", messageID)
	}
	if found {
		s.publish(chat.Topic(chat.TableMessages, old.ConversationID), chat.OpDelete, chat.TableMessages,
			nil, old.toChat())
	}
	return nil
}

// Count returns the number of messages in a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&n).Error
	return n, errors.Wrapf(err, "count messages of %s", conversationID)
}

func (s *Store) ListAttachmentsOlderThan(ctx context.Context, ts time.Time) ([]chat.Message, error) {
	var rows []Message
	err := s.db.WithContext(ctx).
		Where("has_attachment = ? AND created_at < ?", true, toNanos(ts)).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list expired attachments")
	}
	out := make([]chat.Message, len(rows))
	for i, row := range rows {
		out[i] = row.toChat()
	}
	return out, nil
}

// ── Reactions ────────────────────────────────────────────

func (s *Store) ListReactions(ctx context.Context, conversationID string) ([]chat.Reaction, error) {
	var rows []Reaction
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("updated_at ASC").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list reactions of %s", conversationID)
	}
	out := make([]chat.Reaction, len(rows))
	for i, row := range rows {
		out[i] = row.toChat()
	}
	return out, nil
}

func (s *Store) UpsertReaction(ctx context.Context, r chat.Reaction) error {
	if err := chat.ValidateReaction(r.Emoji); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now().UTC()
	}

	var old Reaction
	existed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg Message
		if err := tx.Select("id", "conversation_id").Take(&msg, "id = ?", r.MessageID).Error; err != nil {
			return notFound(err, "message %s", r.MessageID)
		}
		r.ConversationID = msg.ConversationID

		err := tx.Take(&old, "message_id = ? AND user_id = ?", r.MessageID, r.UserID).Error
		switch {
		case err == nil:
			existed = true
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		row := Reaction{
			MessageID:      r.MessageID,
			UserID:         r.UserID,
			ConversationID: r.ConversationID,
			Emoji:          r.Emoji,
			Updated:        toNanos(r.UpdatedAt),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"emoji", "updated_at", "conversation_id"}),
		}).Create(&row).Error
	})
	if err != nil {
		return errors.WithMessagef(err, "upsert reaction on %s", r.MessageID)
	}

	topic := chat.Topic(chat.TableReactions, r.ConversationID)
	if existed {
		s.publish(topic, chat.OpUpdate, chat.TableReactions, r, old.toChat())
	} else {
		s.publish(topic, chat.OpInsert, chat.TableReactions, r, nil)
	}
	return nil
}

func (s *Store) DeleteReaction(ctx context.Context, messageID, userID string) error {
	var old Reaction
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Take(&old, "message_id = ? AND user_id = ?", messageID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return tx.Delete(&Reaction{}, "message_id = ? AND user_id = ?", messageID, userID).Error
	})
	if err != nil {
		return errors.Wrapf(err, "delete reaction on %s", messageID)
	}
	if found {
		s.publish(chat.Topic(chat.TableReactions, old.ConversationID), chat.OpDelete, chat.TableReactions,
			nil, old.toChat())
	}
	return nil
}

// ── Typing and read cursors ──────────────────────────────

func (s *Store) UpsertTyping(ctx context.Context, st chat.TypingState) error {
	row := Typing{
		ConversationID: st.ConversationID,
		UserID:         st.UserID,
		IsTyping:       st.IsTyping,
		Expires:        toNanos(st.ExpiresAt),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_typing", "expires_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "upsert typing in %s", st.ConversationID)
	}
	s.publish(chat.Topic(chat.TableTyping, st.ConversationID), chat.OpUpdate, chat.TableTyping, row.toChat(), nil)
	return nil
}

// UpsertReadCursor stores c unless the stored cursor is already newer.
func (s *Store) UpsertReadCursor(ctx context.Context, c chat.ReadCursor) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur ReadCursor
		err := tx.Take(&cur, "conversation_id = ? AND user_id = ?", c.ConversationID, c.UserID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&ReadCursor{
				ConversationID: c.ConversationID,
				UserID:         c.UserID,
				LastSeen:       toNanos(c.LastSeenAt),
			}).Error
		case err != nil:
			return err
		}
		if toNanos(c.LastSeenAt) <= cur.LastSeen {
			return nil
		}
		return tx.Model(&ReadCursor{}).
			Where("conversation_id = ? AND user_id = ?", c.ConversationID, c.UserID).
			Update("last_seen_at", toNanos(c.LastSeenAt)).Error
	})
	return errors.Wrapf(err, "store read cursor of %s", c.ConversationID)
}

func (s *Store) GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	var row ReadCursor
	err := s.db.WithContext(ctx).Take(&row, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
	if err != nil {
		return chat.ReadCursor{}, notFound(err, "read cursor of %s in %s", userID, conversationID)
	}
	return chat.ReadCursor{
		ConversationID: row.ConversationID,
		UserID:         row.UserID,
		LastSeenAt:     fromNanos(row.LastSeen),
	}, nil
}

// ── Events ───────────────────────────────────────────────

func (s *Store) GetEvent(ctx context.Context, eventID string) (chat.EventInfo, error) {
	var row Event
	if err := s.db.WithContext(ctx).Take(&row, "id = ?", eventID).Error; err != nil {
		return chat.EventInfo{}, notFound(err, "event %s", eventID)
	}
	return row.toChat(), nil
}

// PutEvent creates or replaces an event row.
func (s *Store) PutEvent(ctx context.Context, ev chat.EventInfo) error {
	if ev.ID == "" {
		return errors.New("event has no id")
	}
	row := eventFromChat(ev)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "put event %s", ev.ID)
	}
	s.publish(chat.Topic(chat.TableEvents, ev.ID), chat.OpUpdate, chat.TableEvents, ev, nil)
	return nil
}
