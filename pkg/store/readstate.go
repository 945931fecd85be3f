package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"threadline/pkg/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// MarkRead records that userID has seen the latest message. Direct
// conversations flip the read flag unless userID sent the latest message;
// group conversations add userID to read_by. Repeated calls are no-ops.
func (s *GormStore) MarkRead(ctx context.Context, conversationID, userID string) (domain.Conversation, error) {
	var out domain.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ConversationModel
		if err := s.locked(tx, "UPDATE").First(&model, "id = ?", conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load conversation: %w", err)
		}
		conv := conversationFromModel(model)
		if !conv.HasParticipant(userID) {
			return ErrForbidden
		}
		switch conv.Mode {
		case domain.ModeGroup:
			if slices.Contains(conv.ReadBy, userID) {
				break
			}
			conv.ReadBy = append(conv.ReadBy, userID)
			if err := tx.Model(&ConversationModel{}).
				Where("id = ?", conv.ID).
				UpdateColumn("read_by", datatypes.JSON(marshalJSON(conv.ReadBy))).Error; err != nil {
				return fmt.Errorf("update read_by: %w", err)
			}
		default:
			res := tx.Model(&ConversationModel{}).
				Where("id = ? AND latest_message_sender <> ?", conv.ID, userID).
				UpdateColumn("read", true)
			if res.Error != nil {
				return fmt.Errorf("update read: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				conv.Read = true
			}
		}
		out = conv
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// ListInbox lists conversations userID participates in, excluding a
// single-message conversation userID started. Newest activity first.
func (s *GormStore) ListInbox(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	db := s.db.WithContext(ctx)
	var models []ConversationModel
	if err := db.Where("id IN (?)", memberOf(db, userID)).
		Where("(length > 1 OR latest_message_sender <> ?)", userID).
		Order("updated_at DESC").
		Limit(clampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return conversationsFromModels(models), nil
}

// ListSent lists the single-message conversations userID started.
func (s *GormStore) ListSent(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	db := s.db.WithContext(ctx)
	var models []ConversationModel
	if err := db.Where("id IN (?)", memberOf(db, userID)).
		Where("length <= 1 AND latest_message_sender = ?", userID).
		Order("updated_at DESC").
		Limit(clampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return conversationsFromModels(models), nil
}

func memberOf(db *gorm.DB, userID string) *gorm.DB {
	return db.Model(&ConversationParticipantModel{}).Select("conversation_id").Where("user_id = ?", userID)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
