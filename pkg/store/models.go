package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string `gorm:"not null"`
	Email       *string
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time
}

type ConversationModel struct {
	ID                  string         `gorm:"primaryKey"`
	Mode                string         `gorm:"not null;uniqueIndex:idx_conversation_key,priority:1"`
	ParticipantKey      string         `gorm:"type:char(64);not null;uniqueIndex:idx_conversation_key,priority:2"`
	Title               string         `gorm:"not null;uniqueIndex:idx_conversation_key,priority:3"`
	User1ID             string         `gorm:"column:user1_id"`
	User2ID             string         `gorm:"column:user2_id"`
	User1Name           string         `gorm:"column:user1_name"`
	User2Name           string         `gorm:"column:user2_name"`
	Participants        datatypes.JSON `gorm:"not null"`
	LatestMessage       string         `gorm:"type:text;not null"`
	LatestMessageSender string         `gorm:"not null"`
	Length              int            `gorm:"not null"`
	Read                bool           `gorm:"not null"`
	ReadBy              datatypes.JSON
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null;index"`
}

type ConversationParticipantModel struct {
	ConversationID string `gorm:"primaryKey"`
	UserID         string `gorm:"primaryKey;index"`
	DisplayName    string
}

type MessageModel struct {
	ID              string  `gorm:"primaryKey"`
	ConversationID  string  `gorm:"not null;index"`
	SenderID        string  `gorm:"not null"`
	RecipientID     *string `gorm:"index"`
	Body            string  `gorm:"type:text;not null"`
	AttachedContent datatypes.JSON
	CreatedAt       time.Time `gorm:"not null;index"`
}

type BlobModel struct {
	ID           string `gorm:"primaryKey"`
	ContentHash  string `gorm:"not null;uniqueIndex"`
	StorageKey   string `gorm:"not null"`
	OriginalName string `gorm:"not null"`
	MimeType     string
	SizeBytes    int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// MessageFileModel links a message to a blob. Rows written before content
// addressing carry only FilePath/FileName.
type MessageFileModel struct {
	ID        string  `gorm:"primaryKey"`
	MessageID string  `gorm:"not null;index"`
	BlobID    *string `gorm:"index"`
	Position  int     `gorm:"not null"`
	FileName  string  `gorm:"not null"`
	FilePath  string
	CreatedAt time.Time `gorm:"not null"`
}
