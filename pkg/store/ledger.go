package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"threadline/pkg/domain"
)

// appendMessage inserts the message row and, for an existing conversation,
// refreshes the denormalized summary in the same transaction. A conversation
// created by this send already carries its first summary.
func (s *GormStore) appendMessage(tx *gorm.DB, conv *ConversationModel, created bool, in SendInput) (MessageModel, error) {
	msg := MessageModel{
		ID:             newID(),
		ConversationID: conv.ID,
		SenderID:       in.Sender.ID,
		Body:           in.Body,
		CreatedAt:      in.Now,
	}
	if conv.Mode == string(domain.ModeDirect) {
		recipient := conversationFromModel(*conv).Counterpart(in.Sender.ID)
		if recipient != "" {
			msg.RecipientID = &recipient
		}
	}
	if len(in.AttachedContent) > 0 {
		msg.AttachedContent = datatypes.JSON(in.AttachedContent)
	}
	if err := tx.Create(&msg).Error; err != nil {
		return MessageModel{}, fmt.Errorf("insert message: %w", err)
	}
	if created {
		return msg, nil
	}

	updates := map[string]any{
		"latest_message":        in.Summary,
		"latest_message_sender": in.Sender.ID,
		"updated_at":            in.Now,
		"length":                gorm.Expr("length + ?", 1),
	}
	if conv.Mode == string(domain.ModeDirect) {
		updates["read"] = false
	} else {
		updates["read_by"] = datatypes.JSON(marshalJSON([]string{in.Sender.ID}))
	}
	if err := tx.Model(&ConversationModel{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
		return MessageModel{}, fmt.Errorf("update conversation summary: %w", err)
	}
	if err := tx.First(conv, "id = ?", conv.ID).Error; err != nil {
		return MessageModel{}, fmt.Errorf("reload conversation: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages oldest first, each with its
// attachment links in upload order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	db := s.db.WithContext(ctx)
	var models []MessageModel
	if err := db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return []domain.Message{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	attachments, err := s.listAttachments(db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg := messageFromModel(m)
		msg.Attachments = attachments[m.ID]
		out = append(out, msg)
	}
	return out, nil
}

type attachmentRow struct {
	ID         string
	MessageID  string
	BlobID     *string
	FileName   string
	FilePath   string
	MimeType   *string
	SizeBytes  *int64
	StorageKey *string
	CreatedAt  time.Time
}

func (s *GormStore) listAttachments(db *gorm.DB, messageIDs []string) (map[string][]domain.Attachment, error) {
	var rows []attachmentRow
	if err := db.Table("message_file_models AS f").
		Select("f.id, f.message_id, f.blob_id, f.file_name, f.file_path, f.created_at, b.mime_type, b.size_bytes, b.storage_key").
		Joins("LEFT JOIN blob_models b ON b.id = f.blob_id").
		Where("f.message_id IN ?", messageIDs).
		Order("f.message_id ASC").
		Order("f.position ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	out := make(map[string][]domain.Attachment, len(messageIDs))
	for _, row := range rows {
		att := domain.Attachment{
			ID:        row.ID,
			MessageID: row.MessageID,
			FileName:  row.FileName,
			FilePath:  strings.TrimSpace(row.FilePath),
			CreatedAt: row.CreatedAt,
		}
		if row.BlobID != nil {
			att.BlobID = *row.BlobID
		}
		if row.MimeType != nil {
			att.MimeType = *row.MimeType
		}
		if row.SizeBytes != nil {
			att.SizeBytes = *row.SizeBytes
		}
		if row.StorageKey != nil {
			att.StorageKey = *row.StorageKey
		}
		out[row.MessageID] = append(out[row.MessageID], att)
	}
	return out, nil
}
