package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"threadline/pkg/domain"
)

var conversationKeyColumns = []clause.Column{{Name: "mode"}, {Name: "participant_key"}, {Name: "title"}}

// Send resolves the conversation, appends the message and links every staged
// file in one transaction.
func (s *GormStore) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	var result SendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var others []domain.Participant
		if strings.TrimSpace(in.ConversationID) == "" {
			if in.Mode == domain.ModeGroup {
				others = in.Participants
			} else {
				others = []domain.Participant{in.Recipient}
			}
		}
		if err := ensureUsers(tx, in.Sender, others, in.Now); err != nil {
			return err
		}
		conv, created, err := s.resolveConversation(tx, in)
		if err != nil {
			return err
		}
		msg, err := s.appendMessage(tx, &conv, created, in)
		if err != nil {
			return err
		}
		attachments, orphans, err := s.attachFiles(ctx, tx, msg.ID, in.Files, in.Now)
		if err != nil {
			return err
		}
		result = SendResult{
			Conversation: conversationFromModel(conv),
			Message:      messageFromModel(msg),
			Created:      created,
			Attachments:  attachments,
			OrphanKeys:   orphans,
		}
		result.Message.Attachments = attachments
		return nil
	})
	if err != nil {
		return SendResult{}, err
	}
	return result, nil
}

// resolveConversation maps an explicit id or a (mode, participant set, title)
// key to one row, creating it on first contact.
func (s *GormStore) resolveConversation(tx *gorm.DB, in SendInput) (ConversationModel, bool, error) {
	if id := strings.TrimSpace(in.ConversationID); id != "" {
		var model ConversationModel
		if err := s.locked(tx, "UPDATE").First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ConversationModel{}, false, ErrNotFound
			}
			return ConversationModel{}, false, fmt.Errorf("load conversation: %w", err)
		}
		if !conversationFromModel(model).HasParticipant(in.Sender.ID) {
			return ConversationModel{}, false, ErrForbidden
		}
		return model, false, nil
	}

	mode, participants := normalizeParticipants(in)
	key := participantKey(participants)
	if existing, found, err := s.findConversationByKey(tx, mode, key, in.Title); err != nil || found {
		return existing, false, err
	}

	model := newConversationModel(in, mode, key, participants)
	inserted := false
	err := tx.Transaction(func(sp *gorm.DB) error {
		res := sp.Clauses(clause.OnConflict{Columns: conversationKeyColumns, DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		return nil
	})
	if err != nil && !isUniqueViolation(err) {
		return ConversationModel{}, false, fmt.Errorf("create conversation: %w", err)
	}
	if inserted {
		rows := make([]ConversationParticipantModel, 0, len(participants))
		for _, p := range participants {
			rows = append(rows, ConversationParticipantModel{ConversationID: model.ID, UserID: p.UserID, DisplayName: p.DisplayName})
		}
		if err := tx.Create(&rows).Error; err != nil {
			return ConversationModel{}, false, fmt.Errorf("create participants: %w", err)
		}
		return model, true, nil
	}

	existing, found, err := s.findConversationByKey(tx, mode, key, in.Title)
	if err != nil {
		return ConversationModel{}, false, err
	}
	if !found {
		return ConversationModel{}, false, ErrConflict
	}
	return existing, false, nil
}

func (s *GormStore) findConversationByKey(tx *gorm.DB, mode domain.ConversationMode, key, title string) (ConversationModel, bool, error) {
	var models []ConversationModel
	if err := s.locked(tx, "UPDATE").
		Where("mode = ? AND participant_key = ? AND title = ?", string(mode), key, title).
		Order("id ASC").
		Limit(2).
		Find(&models).Error; err != nil {
		return ConversationModel{}, false, fmt.Errorf("find conversation: %w", err)
	}
	if len(models) == 0 {
		return ConversationModel{}, false, nil
	}
	if len(models) > 1 {
		slog.Warn("duplicate conversations for participant key", "mode", mode, "participant_key", key, "title", title, "using", models[0].ID)
	}
	return models[0], true, nil
}

// normalizeParticipants returns the member list with the sender included,
// deduplicated and sorted by user id.
func normalizeParticipants(in SendInput) (domain.ConversationMode, []domain.Participant) {
	mode := in.Mode
	if mode == "" {
		mode = domain.ModeDirect
	}
	seen := make(map[string]struct{})
	var out []domain.Participant
	add := func(p domain.Participant) {
		id := strings.TrimSpace(p.UserID)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, domain.Participant{UserID: id, DisplayName: strings.TrimSpace(p.DisplayName)})
	}
	add(domain.Participant{UserID: in.Sender.ID, DisplayName: in.Sender.DisplayName})
	if mode == domain.ModeDirect {
		add(in.Recipient)
	} else {
		for _, p := range in.Participants {
			add(p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return mode, out
}

// participantKey is the hex SHA-256 of the sorted member ids. The full list is
// kept in the participants column; the key only has to be a fixed-width equality key.
func participantKey(participants []domain.Participant) string {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// newConversationModel seeds a row from its first message.
func newConversationModel(in SendInput, mode domain.ConversationMode, key string, participants []domain.Participant) ConversationModel {
	model := ConversationModel{
		ID:                  newID(),
		Mode:                string(mode),
		ParticipantKey:      key,
		Title:               in.Title,
		Participants:        marshalJSON(participants),
		LatestMessage:       in.Summary,
		LatestMessageSender: in.Sender.ID,
		Length:              1,
		CreatedAt:           in.Now,
		UpdatedAt:           in.Now,
	}
	if mode == domain.ModeDirect {
		model.User1ID = in.Sender.ID
		model.User1Name = in.Sender.DisplayName
		model.User2ID = strings.TrimSpace(in.Recipient.UserID)
		model.User2Name = strings.TrimSpace(in.Recipient.DisplayName)
		model.Read = false
	} else {
		model.ReadBy = marshalJSON([]string{in.Sender.ID})
	}
	return model
}
