package domain

import (
	"encoding/json"
	"time"
)

// ConversationMode tags which participant shape a conversation uses.
type ConversationMode string

const (
	// ModeDirect is a two-party conversation with fixed user1/user2 slots and a binary read flag.
	ModeDirect ConversationMode = "direct"
	// ModeGroup is an N-party conversation keyed by its sorted participant set.
	ModeGroup ConversationMode = "group"
)

// User mirrors an identity resolved by the external identity service.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Participant is a conversation member with the display name captured when the
// conversation was created.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"fullName"`
}

type Conversation struct {
	ID                  string           `json:"conversationId"`
	Mode                ConversationMode `json:"mode"`
	Participants        []Participant    `json:"participants"`
	User1ID             string           `json:"user1Uuid,omitempty"`
	User2ID             string           `json:"user2Uuid,omitempty"`
	User1Name           string           `json:"user1Name,omitempty"`
	User2Name           string           `json:"user2Name,omitempty"`
	Title               string           `json:"title"`
	LatestMessage       string           `json:"latestMessage"`
	LatestMessageSender string           `json:"latestMessageSender"`
	Length              int              `json:"length"`
	Read                bool             `json:"read"`
	ReadBy              []string         `json:"readBy,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	if c.Mode == ModeDirect {
		return userID != "" && (c.User1ID == userID || c.User2ID == userID)
	}
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the other slot of a direct conversation.
func (c Conversation) Counterpart(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// InInbox is the inbox projection: every participant sees the conversation
// except the sender of a conversation that still holds only their first message.
func (c Conversation) InInbox(userID string) bool {
	if !c.HasParticipant(userID) {
		return false
	}
	return c.Length > 1 || c.LatestMessageSender != userID
}

// InSent is the complement of InInbox for participants.
func (c Conversation) InSent(userID string) bool {
	return c.HasParticipant(userID) && !c.InInbox(userID)
}

type Message struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversationId"`
	SenderID        string          `json:"senderUuid"`
	RecipientID     string          `json:"recipientUuid,omitempty"`
	Body            string          `json:"content"`
	AttachedContent json.RawMessage `json:"attachedContent,omitempty"`
	Hydrated        []ContentItem   `json:"hydratedContent,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Blob is a content-addressed stored file shared by every link with the same hash.
type Blob struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"contentHash"`
	StorageKey   string    `json:"-"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	SizeBytes    int64     `json:"sizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Attachment is a message-to-blob link as rendered to clients.
type Attachment struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	BlobID     string    `json:"blobId,omitempty"`
	FileName   string    `json:"fileName"`
	FilePath   string    `json:"filePath,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
	URL        string    `json:"url,omitempty"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ContentItem is an attached-content reference hydrated by the enrichment service.
type ContentItem struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	ContentURL string `json:"contentUrl"`
}
