package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"threadline/pkg/domain"
)

const migrateLockID int64 = 51726391

type GormStoreOptions struct {
	Dialector gorm.Dialector
	LogLevel  gormlogger.LogLevel
}

type GormStoreOption func(*GormStoreOptions)

// WithDialector replaces the postgres dialector built from the DSN.
func WithDialector(d gorm.Dialector) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Dialector = d
	}
}

// WithLogLevel sets the GORM logger level (default Warn).
func WithLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db       *gorm.DB
	postgres bool
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{LogLevel: gormlogger.Warn}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	dialector := opts.Dialector
	if dialector == nil {
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(dsn)
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
	s := &GormStore{db: db, postgres: db.Dialector.Name() == "postgres"}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	models := []any{
		&UserModel{},
		&ConversationModel{},
		&ConversationParticipantModel{},
		&MessageModel{},
		&BlobModel{},
		&MessageFileModel{},
	}
	if !s.postgres {
		if err := s.db.AutoMigrate(models...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	return withMigrationLock(s.db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(models...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'conversation_participant_models'
					AND constraint_name = 'conversation_participant_models_conversation_id_fkey'
				) THEN
					ALTER TABLE conversation_participant_models
					ADD CONSTRAINT conversation_participant_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_file_models'
					AND constraint_name = 'message_file_models_message_id_fkey'
				) THEN
					ALTER TABLE message_file_models
					ADD CONSTRAINT message_file_models_message_id_fkey
					FOREIGN KEY (message_id) REFERENCES message_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_file_models'
					AND constraint_name = 'message_file_models_blob_id_fkey'
				) THEN
					ALTER TABLE message_file_models
					ADD CONSTRAINT message_file_models_blob_id_fkey
					FOREIGN KEY (blob_id) REFERENCES blob_models(id) ON DELETE RESTRICT;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure conversation foreign keys: %w", err)
		}
		return nil
	})
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
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

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// locked adds a row lock on postgres. sqlite serializes writers per transaction instead.
func (s *GormStore) locked(tx *gorm.DB, strength string) *gorm.DB {
	if !s.postgres {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: strength})
}

func newID() string {
	return uuid.NewString()
}

// GetUser returns a mirrored user by ID.
func (s *GormStore) GetUser(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ensureUsers mirrors the sender and every other participant. Existing rows
// are only touched to fill a missing email.
func ensureUsers(tx *gorm.DB, sender domain.User, others []domain.Participant, now time.Time) error {
	senderModel := userToModel(sender)
	senderModel.CreatedAt, senderModel.UpdatedAt = now, now
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&senderModel).Error; err != nil {
		return fmt.Errorf("mirror sender: %w", err)
	}
	if email := strings.TrimSpace(sender.Email); email != "" {
		if err := tx.Model(&UserModel{}).
			Where("id = ? AND (email IS NULL OR email = '')", sender.ID).
			Updates(map[string]any{"email": email, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("fill sender email: %w", err)
		}
	}
	for _, p := range others {
		if p.UserID == "" || p.UserID == sender.ID {
			continue
		}
		model := UserModel{ID: p.UserID, DisplayName: p.DisplayName, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
			return fmt.Errorf("mirror participant %s: %w", p.UserID, err)
		}
	}
	return nil
}

func userToModel(u domain.User) UserModel {
	var email *string
	if value := strings.TrimSpace(u.Email); value != "" {
		email = &value
	}
	return UserModel{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       email,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	email := ""
	if m.Email != nil {
		email = *m.Email
	}
	return domain.User{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		Email:       email,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	var participants []domain.Participant
	if len(m.Participants) > 0 {
		_ = json.Unmarshal(m.Participants, &participants)
	}
	var readBy []string
	if len(m.ReadBy) > 0 {
		_ = json.Unmarshal(m.ReadBy, &readBy)
	}
	return domain.Conversation{
		ID:                  m.ID,
		Mode:                domain.ConversationMode(m.Mode),
		Participants:        participants,
		User1ID:             m.User1ID,
		User2ID:             m.User2ID,
		User1Name:           m.User1Name,
		User2Name:           m.User2Name,
		Title:               m.Title,
		LatestMessage:       m.LatestMessage,
		LatestMessageSender: m.LatestMessageSender,
		Length:              m.Length,
		Read:                m.Read,
		ReadBy:              readBy,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func conversationsFromModels(models []ConversationModel) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		out = append(out, conversationFromModel(m))
	}
	return out
}

func messageFromModel(m MessageModel) domain.Message {
	recipient := ""
	if m.RecipientID != nil {
		recipient = *m.RecipientID
	}
	var attached json.RawMessage
	if len(m.AttachedContent) > 0 && string(m.AttachedContent) != "null" {
		attached = json.RawMessage(m.AttachedContent)
	}
	return domain.Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		RecipientID:     recipient,
		Body:            m.Body,
		AttachedContent: attached,
		Timestamp:       m.CreatedAt,
	}
}

func blobFromModel(m BlobModel) domain.Blob {
	return domain.Blob{
		ID:           m.ID,
		ContentHash:  m.ContentHash,
		StorageKey:   m.StorageKey,
		OriginalName: m.OriginalName,
		MimeType:     m.MimeType,
		SizeBytes:    m.SizeBytes,
		CreatedAt:    m.CreatedAt,
	}
}

func marshalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}
