package store

import (
	"context"
	"encoding/json"
	"time"

	"threadline/pkg/domain"
)

// Store defines persistence operations for the messaging engine.
type Store interface {
	// users
	GetUser(ctx context.Context, id string) (domain.User, bool, error)

	// conversations
	Send(ctx context.Context, in SendInput) (SendResult, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	ListInbox(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	ListSent(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID string) (domain.Conversation, error)
	DeleteConversation(ctx context.Context, id string) (DeleteResult, error)

	// messages
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// blobs
	GetBlob(ctx context.Context, id string) (domain.Blob, bool, error)
	GetBlobByHash(ctx context.Context, contentHash string) (domain.Blob, bool, error)
	FindLinkedBlob(ctx context.Context, blobID, userID string) (domain.Blob, string, bool, error)
	ReferenceCount(ctx context.Context, blobID string) (int64, error)
	DeleteBlobIfUnreferenced(ctx context.Context, blobID string) (string, bool, error)
	SweepUnreferencedBlobs(ctx context.Context, limit int) ([]string, error)
}

// SendInput carries one resolved send through resolve, append and attach.
type SendInput struct {
	Sender         domain.User
	ConversationID string
	Mode           domain.ConversationMode
	// Recipient is the counterpart in direct mode.
	Recipient domain.Participant
	// Participants is the full member list in group mode, sender included.
	Participants    []domain.Participant
	Title           string
	Body            string
	Summary         string
	AttachedContent json.RawMessage
	Files           []StagedFile
	Now             time.Time
}

// StagedFile is an attachment whose bytes were hashed (and possibly uploaded)
// before the send transaction opened.
type StagedFile struct {
	BlobID       string
	ContentHash  string
	StorageKey   string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	// Uploaded is true when this request wrote StorageKey to the object store.
	Uploaded bool
	// Upload writes the bytes to StorageKey. Called inside the transaction only
	// when the blob row disappeared after staging and nothing was uploaded.
	Upload func(ctx context.Context) error
}

// SendResult describes what a committed send produced.
type SendResult struct {
	Conversation domain.Conversation
	Message      domain.Message
	Created      bool
	Attachments  []domain.Attachment
	// OrphanKeys are objects uploaded by this send that lost a content-hash race.
	OrphanKeys []string
}

// DeleteResult describes a committed conversation delete.
type DeleteResult struct {
	Conversation    domain.Conversation
	MessagesDeleted int64
	LinksDeleted    int64
	// PurgeKeys are storage keys of blob rows removed in the same transaction.
	PurgeKeys []string
}
