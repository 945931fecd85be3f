package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"threadline/pkg/domain"
)

// attachFiles links each staged file to its content-addressed blob, creating
// the blob row when the digest is new. It returns the links in input order
// and any uploaded keys that lost a content-hash race.
func (s *GormStore) attachFiles(ctx context.Context, tx *gorm.DB, messageID string, files []StagedFile, now time.Time) ([]domain.Attachment, []string, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}
	attachments := make([]domain.Attachment, 0, len(files))
	var orphans []string
	for i, f := range files {
		blob, orphan, err := s.storeBlobIfAbsent(ctx, tx, f, now)
		if err != nil {
			return nil, nil, err
		}
		if orphan != "" {
			orphans = append(orphans, orphan)
		}
		blobID := blob.ID
		link := MessageFileModel{
			ID:        newID(),
			MessageID: messageID,
			BlobID:    &blobID,
			Position:  i,
			FileName:  displayName(f.OriginalName, blob.OriginalName),
			CreatedAt: now,
		}
		if err := tx.Create(&link).Error; err != nil {
			return nil, nil, fmt.Errorf("link attachment: %w", err)
		}
		attachments = append(attachments, domain.Attachment{
			ID:         link.ID,
			MessageID:  messageID,
			BlobID:     blob.ID,
			FileName:   link.FileName,
			MimeType:   blob.MimeType,
			SizeBytes:  blob.SizeBytes,
			StorageKey: blob.StorageKey,
			CreatedAt:  now,
		})
	}
	return attachments, orphans, nil
}

// storeBlobIfAbsent returns the blob row for f's digest, inserting it when
// absent. The row is share-locked so a concurrent delete cannot drop it
// before the link commits.
func (s *GormStore) storeBlobIfAbsent(ctx context.Context, tx *gorm.DB, f StagedFile, now time.Time) (BlobModel, string, error) {
	existing, found, err := s.lockBlobByHash(tx, f.ContentHash)
	if err != nil {
		return BlobModel{}, "", err
	}
	if found {
		return existing, orphanKey(f.Uploaded, f.StorageKey, existing.StorageKey), nil
	}

	uploaded := f.Uploaded
	if !uploaded {
		if f.Upload == nil {
			return BlobModel{}, "", fmt.Errorf("%w: %s", ErrStaleBlob, f.ContentHash)
		}
		if err := f.Upload(ctx); err != nil {
			return BlobModel{}, "", fmt.Errorf("upload %s: %w", f.OriginalName, err)
		}
		uploaded = true
	}

	model := BlobModel{
		ID:           f.BlobID,
		ContentHash:  f.ContentHash,
		StorageKey:   f.StorageKey,
		OriginalName: f.OriginalName,
		MimeType:     f.MimeType,
		SizeBytes:    f.SizeBytes,
		CreatedAt:    now,
	}
	if model.ID == "" {
		model.ID = newID()
	}
	inserted := false
	err = tx.Transaction(func(sp *gorm.DB) error {
		res := sp.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "content_hash"}}, DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil && !isUniqueViolation(err) {
		return BlobModel{}, "", fmt.Errorf("insert blob: %w", err)
	}
	if inserted {
		return model, "", nil
	}

	existing, found, err = s.lockBlobByHash(tx, f.ContentHash)
	if err != nil {
		return BlobModel{}, "", err
	}
	if !found {
		return BlobModel{}, "", ErrConflict
	}
	return existing, orphanKey(uploaded, f.StorageKey, existing.StorageKey), nil
}

func (s *GormStore) lockBlobByHash(tx *gorm.DB, contentHash string) (BlobModel, bool, error) {
	var model BlobModel
	if err := s.locked(tx, "SHARE").First(&model, "content_hash = ?", contentHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BlobModel{}, false, nil
		}
		return BlobModel{}, false, fmt.Errorf("load blob by hash: %w", err)
	}
	return model, true, nil
}

func orphanKey(uploaded bool, staged, stored string) string {
	if uploaded && staged != "" && staged != stored {
		return staged
	}
	return ""
}

func displayName(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fallback
}

// GetBlob returns a blob row by ID.
func (s *GormStore) GetBlob(ctx context.Context, id string) (domain.Blob, bool, error) {
	var model BlobModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Blob{}, false, nil
		}
		return domain.Blob{}, false, err
	}
	return blobFromModel(model), true, nil
}

// GetBlobByHash returns the blob row for a content digest.
func (s *GormStore) GetBlobByHash(ctx context.Context, contentHash string) (domain.Blob, bool, error) {
	var model BlobModel
	if err := s.db.WithContext(ctx).First(&model, "content_hash = ?", contentHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Blob{}, false, nil
		}
		return domain.Blob{}, false, err
	}
	return blobFromModel(model), true, nil
}

// FindLinkedBlob returns a blob and the display name of its earliest link in a
// conversation userID participates in.
func (s *GormStore) FindLinkedBlob(ctx context.Context, blobID, userID string) (domain.Blob, string, bool, error) {
	db := s.db.WithContext(ctx)
	var names []string
	if err := db.Table("message_file_models AS f").
		Joins("JOIN message_models m ON m.id = f.message_id").
		Joins("JOIN conversation_participant_models p ON p.conversation_id = m.conversation_id").
		Where("f.blob_id = ? AND p.user_id = ?", blobID, userID).
		Order("f.created_at ASC, f.position ASC").
		Limit(1).
		Pluck("f.file_name", &names).Error; err != nil {
		return domain.Blob{}, "", false, fmt.Errorf("find blob link: %w", err)
	}
	if len(names) == 0 {
		return domain.Blob{}, "", false, nil
	}
	blob, found, err := s.GetBlob(ctx, blobID)
	if err != nil || !found {
		return domain.Blob{}, "", false, err
	}
	return blob, displayName(names[0], blob.OriginalName), true, nil
}

// ReferenceCount counts live links to a blob.
func (s *GormStore) ReferenceCount(ctx context.Context, blobID string) (int64, error) {
	return referenceCount(s.db.WithContext(ctx), blobID)
}

func referenceCount(tx *gorm.DB, blobID string) (int64, error) {
	var count int64
	if err := tx.Model(&MessageFileModel{}).Where("blob_id = ?", blobID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count blob references: %w", err)
	}
	return count, nil
}

// DeleteBlobIfUnreferenced removes the blob row when no link references it and
// returns its storage key for purging.
func (s *GormStore) DeleteBlobIfUnreferenced(ctx context.Context, blobID string) (string, bool, error) {
	var (
		key     string
		deleted bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		key, deleted, err = s.deleteBlobIfUnreferenced(tx, blobID)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return key, deleted, nil
}

func (s *GormStore) deleteBlobIfUnreferenced(tx *gorm.DB, blobID string) (string, bool, error) {
	var blob BlobModel
	if err := s.locked(tx, "UPDATE").First(&blob, "id = ?", blobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lock blob: %w", err)
	}
	count, err := referenceCount(tx, blobID)
	if err != nil {
		return "", false, err
	}
	if count > 0 {
		return "", false, nil
	}
	if err := tx.Delete(&BlobModel{}, "id = ?", blobID).Error; err != nil {
		return "", false, fmt.Errorf("delete blob: %w", err)
	}
	return blob.StorageKey, true, nil
}

// SweepUnreferencedBlobs deletes up to limit blob rows that no link references
// and returns their storage keys.
func (s *GormStore) SweepUnreferencedBlobs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&BlobModel{}).
		Where("NOT EXISTS (SELECT 1 FROM message_file_models f WHERE f.blob_id = blob_models.id)").
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list unreferenced blobs: %w", err)
	}
	var keys []string
	for _, id := range ids {
		key, deleted, err := s.DeleteBlobIfUnreferenced(ctx, id)
		if err != nil {
			return keys, err
		}
		if deleted {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
