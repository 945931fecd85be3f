package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"threadline/internal/util"
	"threadline/pkg/domain"
	"threadline/pkg/storage"
	"threadline/pkg/store"
)

// FileUpload is one raw attachment payload.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

// SendRequest is a send as submitted by the acting user.
type SendRequest struct {
	ConversationID  string
	RecipientID     string
	RecipientName   string
	Participants    []domain.Participant
	Title           string
	Content         string
	AttachedContent json.RawMessage
	Files           []FileUpload
}

// SendResult is a committed send.
type SendResult struct {
	MessageID      string              `json:"messageId"`
	ConversationID string              `json:"conversationId"`
	Created        bool                `json:"created"`
	Attachments    []domain.Attachment `json:"attachments"`
	Conversation   domain.Conversation `json:"-"`
	Message        domain.Message      `json:"-"`
}

// Send resolves the target conversation, appends the message and links its
// attachments in one transaction. Attachment bytes are hashed and uploaded
// before the transaction opens.
func (a *App) Send(ctx context.Context, sender domain.User, req SendRequest) (SendResult, error) {
	in, err := a.buildSendInput(sender, req)
	if err != nil {
		return SendResult{}, err
	}
	files, uploads, err := a.stageFiles(ctx, req.Files)
	if err != nil {
		a.purge(ctx, "send_failed", uploads.keys())
		return SendResult{}, err
	}
	in.Files = files

	res, err := a.store.Send(ctx, in)
	if err != nil {
		a.purge(ctx, "send_failed", uploads.keys())
		return SendResult{}, classify(err)
	}
	a.purge(ctx, "dedup_race", res.OrphanKeys)

	attachments := res.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	util.LoggerFromContext(ctx).Info("message sent",
		"conversation_id", res.Conversation.ID,
		"message_id", res.Message.ID,
		"created", res.Created,
		"attachments", len(attachments),
	)
	return SendResult{
		MessageID:      res.Message.ID,
		ConversationID: res.Conversation.ID,
		Created:        res.Created,
		Attachments:    attachments,
		Conversation:   res.Conversation,
		Message:        res.Message,
	}, nil
}

func (a *App) buildSendInput(sender domain.User, req SendRequest) (store.SendInput, error) {
	if strings.TrimSpace(sender.ID) == "" {
		return store.SendInput{}, ErrUnauthorized
	}
	sender.DisplayName = strings.TrimSpace(sender.DisplayName)
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return store.SendInput{}, validationError("content or attachments required")
	}
	if len(req.Files) > a.maxAttachments {
		return store.SendInput{}, validationError(fmt.Sprintf("at most %d attachments per message", a.maxAttachments))
	}
	for _, f := range req.Files {
		if int64(len(f.Data)) > a.maxUploadBytes {
			return store.SendInput{}, validationError(fmt.Sprintf("attachment %q exceeds %d bytes", f.Name, a.maxUploadBytes))
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Title)) > maxTitleLength {
		return store.SendInput{}, validationError(fmt.Sprintf("conversationTitle exceeds %d characters", maxTitleLength))
	}
	attached := bytes.TrimSpace(req.AttachedContent)
	if len(attached) == 0 || bytes.Equal(attached, []byte("null")) {
		attached = nil
	} else if !json.Valid(attached) {
		return store.SendInput{}, validationError("attachedContent must be valid JSON")
	}

	in := store.SendInput{
		Sender:          sender,
		Title:           strings.TrimSpace(req.Title),
		Body:            req.Content,
		Summary:         summarize(req.Content, req.Files),
		AttachedContent: json.RawMessage(attached),
	}
	switch {
	case strings.TrimSpace(req.ConversationID) != "":
		id := strings.TrimSpace(req.ConversationID)
		if !util.IsUUID(id) {
			return store.SendInput{}, ErrConversationNotFound
		}
		in.ConversationID = id
	case len(req.Participants) > 0:
		members := map[string]struct{}{sender.ID: {}}
		for _, p := range req.Participants {
			if !util.IsUUID(p.UserID) {
				return store.SendInput{}, validationError("participants must be user uuids")
			}
			members[p.UserID] = struct{}{}
		}
		if len(members) < 2 {
			return store.SendInput{}, validationError("participants must include someone besides the sender")
		}
		if len(members) > maxParticipants {
			return store.SendInput{}, validationError(fmt.Sprintf("at most %d participants per conversation", maxParticipants))
		}
		in.Mode = domain.ModeGroup
		in.Participants = req.Participants
	default:
		recipient := strings.TrimSpace(req.RecipientID)
		if recipient == "" {
			return store.SendInput{}, validationError("recipientUserId or participants required")
		}
		if !util.IsUUID(recipient) {
			return store.SendInput{}, validationError("recipientUserId must be a uuid")
		}
		if recipient == sender.ID {
			return store.SendInput{}, validationError("cannot message yourself")
		}
		in.Mode = domain.ModeDirect
		in.Recipient = domain.Participant{UserID: recipient, DisplayName: strings.TrimSpace(req.RecipientName)}
	}
	return in, nil
}

// uploadLog records keys this request wrote to the object store.
type uploadLog struct {
	mu    sync.Mutex
	items []string
}

func (u *uploadLog) add(key string) {
	u.mu.Lock()
	u.items = append(u.items, key)
	u.mu.Unlock()
}

func (u *uploadLog) keys() []string {
	if u == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.items...)
}

// stageFiles hashes every file and uploads the ones whose digest has no blob
// row yet. Known digests get an Upload callback instead, used only if the
// row disappears before the send transaction links it.
func (a *App) stageFiles(ctx context.Context, files []FileUpload) ([]store.StagedFile, *uploadLog, error) {
	uploads := &uploadLog{}
	if len(files) == 0 {
		return nil, uploads, nil
	}
	staged := make([]store.StagedFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(stagingConcurrency)
	for i, f := range files {
		g.Go(func() error {
			sf, err := a.stageFile(gctx, f, uploads)
			if err != nil {
				return err
			}
			staged[i] = sf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, uploads, err
	}
	return staged, uploads, nil
}

func (a *App) stageFile(ctx context.Context, f FileUpload, uploads *uploadLog) (store.StagedFile, error) {
	sum := sha256.Sum256(f.Data)
	hash := hex.EncodeToString(sum[:])
	name := attachmentName(f.Name)
	mimeType := detectMimeType(name, f.MimeType, f.Data)
	blobID := util.NewID()
	key := storage.ContentKey(hash, blobID, name)
	data := f.Data
	upload := func(ctx context.Context) error {
		if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mimeType); err != nil {
			return fmt.Errorf("%w: upload %s: %w", ErrStorage, name, err)
		}
		uploads.add(key)
		return nil
	}

	sf := store.StagedFile{
		BlobID:       blobID,
		ContentHash:  hash,
		StorageKey:   key,
		OriginalName: name,
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		Upload:       upload,
	}
	_, found, err := a.store.GetBlobByHash(ctx, hash)
	if err != nil {
		return store.StagedFile{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if found {
		return sf, nil
	}
	if err := upload(ctx); err != nil {
		return store.StagedFile{}, err
	}
	sf.Uploaded = true
	return sf, nil
}

// attachmentName reduces a client-supplied file name to its base name.
func attachmentName(raw string) string {
	name := strings.TrimSpace(filepath.Base(strings.ReplaceAll(raw, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}

func detectMimeType(name, declared string, data []byte) string {
	if declared = strings.TrimSpace(declared); declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}
