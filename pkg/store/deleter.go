package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

// DeleteConversation removes a conversation with its messages, participants
// and attachment links, then drops every blob row the conversation held the
// last reference to. All of it commits or rolls back together; the returned
// PurgeKeys name objects that are safe to delete once the call returns.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) (DeleteResult, error) {
	var result DeleteResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv ConversationModel
		if err := s.locked(tx, "UPDATE").First(&conv, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("load conversation: %w", err)
		}

		messageIDs := tx.Model(&MessageModel{}).Select("id").Where("conversation_id = ?", id)
		var blobIDs []string
		if err := tx.Model(&MessageFileModel{}).
			Where("message_id IN (?) AND blob_id IS NOT NULL", messageIDs).
			Distinct().
			Pluck("blob_id", &blobIDs).Error; err != nil {
			return fmt.Errorf("collect blobs: %w", err)
		}

		links := tx.Where("message_id IN (?)", messageIDs).Delete(&MessageFileModel{})
		if links.Error != nil {
			return fmt.Errorf("delete attachment links: %w", links.Error)
		}
		msgs := tx.Where("conversation_id = ?", id).Delete(&MessageModel{})
		if msgs.Error != nil {
			return fmt.Errorf("delete messages: %w", msgs.Error)
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&ConversationParticipantModel{}).Error; err != nil {
			return fmt.Errorf("delete participants: %w", err)
		}
		if err := tx.Delete(&ConversationModel{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}

		// Fixed lock order so two deletes sharing blobs cannot deadlock.
		sort.Strings(blobIDs)
		var keys []string
		for _, blobID := range blobIDs {
			key, deleted, err := s.deleteBlobIfUnreferenced(tx, blobID)
			if err != nil {
				return err
			}
			if deleted {
				keys = append(keys, key)
			}
		}
		result = DeleteResult{
			Conversation:    conversationFromModel(conv),
			MessagesDeleted: msgs.RowsAffected,
			LinksDeleted:    links.RowsAffected,
			PurgeKeys:       keys,
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}
