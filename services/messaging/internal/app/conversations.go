package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"threadline/internal/util"
	"threadline/pkg/domain"
	"threadline/pkg/storage"
)

// ConversationView is a conversation with its messages in chronological order.
type ConversationView struct {
	domain.Conversation
	Messages []domain.Message `json:"messages"`
}

// AttachmentLink is a time-limited retrieval handle for one blob.
type AttachmentLink struct {
	URL       string    `json:"url"`
	FileName  string    `json:"fileName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MarkRead acknowledges the latest message of a conversation for user.
func (a *App) MarkRead(ctx context.Context, user domain.User, conversationID string) (domain.Conversation, error) {
	if !util.IsUUID(conversationID) {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, err := a.store.MarkRead(ctx, conversationID, user.ID)
	if err != nil {
		return domain.Conversation{}, classify(err)
	}
	return conv, nil
}

// Inbox lists conversations waiting on user, newest activity first.
func (a *App) Inbox(ctx context.Context, user domain.User, limit int) ([]domain.Conversation, error) {
	convs, err := a.store.ListInbox(ctx, user.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return nonNil(convs), nil
}

// Sent lists single-message conversations user started.
func (a *App) Sent(ctx context.Context, user domain.User, limit int) ([]domain.Conversation, error) {
	convs, err := a.store.ListSent(ctx, user.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return nonNil(convs), nil
}

// GetConversation returns a conversation the user participates in, with
// signed attachment URLs and hydrated attached content. Signing and
// enrichment failures are logged and leave the affected fields empty.
func (a *App) GetConversation(ctx context.Context, user domain.User, token, conversationID string) (ConversationView, error) {
	conv, err := a.participantConversation(ctx, user, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	msgs, err := a.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return ConversationView{}, classify(err)
	}
	logger := util.LoggerFromContext(ctx)
	for i := range msgs {
		for j := range msgs[i].Attachments {
			att := &msgs[i].Attachments[j]
			key := att.StorageKey
			if key == "" {
				key = att.FilePath
			}
			if key == "" {
				continue
			}
			url, err := a.objects.PresignGet(ctx, key, a.signedURLTTL)
			if err != nil {
				logger.Warn("sign attachment url failed", "conversation_id", conv.ID, "attachment_id", att.ID, "err", err)
				continue
			}
			att.URL = url
		}
	}
	a.hydrate(ctx, token, msgs)
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return ConversationView{Conversation: conv, Messages: msgs}, nil
}

// AttachmentURL signs a retrieval URL for a blob linked from one of user's
// conversations.
func (a *App) AttachmentURL(ctx context.Context, user domain.User, blobID string) (AttachmentLink, error) {
	if !util.IsUUID(blobID) {
		return AttachmentLink{}, ErrBlobNotFound
	}
	blob, name, found, err := a.store.FindLinkedBlob(ctx, blobID, user.ID)
	if err != nil {
		return AttachmentLink{}, classify(err)
	}
	if !found {
		return AttachmentLink{}, ErrBlobNotFound
	}
	expiresAt := time.Now().UTC().Add(a.signedURLTTL)
	url, err := a.objects.PresignGet(ctx, blob.StorageKey, a.signedURLTTL)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			util.LoggerFromContext(ctx).Error("blob row has no object", "blob_id", blob.ID, "storage_key", blob.StorageKey)
		}
		return AttachmentLink{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return AttachmentLink{URL: url, FileName: name, ExpiresAt: expiresAt}, nil
}

// Delete removes a conversation the user participates in, with its messages
// and links, and collects blobs nothing else references. Objects are purged
// after the transaction commits.
func (a *App) Delete(ctx context.Context, user domain.User, conversationID string) error {
	if _, err := a.participantConversation(ctx, user, conversationID); err != nil {
		return err
	}
	res, err := a.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return classify(err)
	}
	util.LoggerFromContext(ctx).Info("conversation deleted",
		"conversation_id", conversationID,
		"messages", res.MessagesDeleted,
		"links", res.LinksDeleted,
		"blobs_collected", len(res.PurgeKeys),
	)
	a.purge(ctx, "conversation_deleted", res.PurgeKeys)
	return nil
}

// SweepBlobs collects up to limit blob rows with no links and purges their objects.
func (a *App) SweepBlobs(ctx context.Context, limit int) (int, error) {
	keys, err := a.store.SweepUnreferencedBlobs(ctx, limit)
	if err != nil {
		return 0, classify(err)
	}
	a.purge(ctx, "sweep", keys)
	return len(keys), nil
}

func (a *App) participantConversation(ctx context.Context, user domain.User, conversationID string) (domain.Conversation, error) {
	if !util.IsUUID(conversationID) {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, found, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, classify(err)
	}
	if !found {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if !conv.HasParticipant(user.ID) {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conv, nil
}

// hydrate resolves every message's attached-content references in one call.
func (a *App) hydrate(ctx context.Context, token string, msgs []domain.Message) {
	if a.enricher == nil {
		return
	}
	perMessage := make([][]string, len(msgs))
	var all []string
	for i, m := range msgs {
		perMessage[i] = contentRefs(m.AttachedContent)
		all = append(all, perMessage[i]...)
	}
	if len(all) == 0 {
		return
	}
	items, err := a.enricher.Hydrate(ctx, token, all)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("content enrichment failed", "refs", len(all), "err", err)
		return
	}
	byID := make(map[string]domain.ContentItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	for i, refs := range perMessage {
		for _, ref := range refs {
			if item, ok := byID[ref]; ok {
				msgs[i].Hydrated = append(msgs[i].Hydrated, item)
			}
		}
	}
}

// contentRefs extracts reference ids from attached content. Both ["id", ...]
// and [{"id": "..."}, ...] are accepted; anything else has no references.
func contentRefs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		ids = nil
		var objs []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &objs); err != nil {
			return nil
		}
		for _, o := range objs {
			ids = append(ids, o.ID)
		}
	}
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func nonNil(convs []domain.Conversation) []domain.Conversation {
	if convs == nil {
		return []domain.Conversation{}
	}
	return convs
}
